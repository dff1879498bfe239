package distribution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/pcmcast/internal/chunk"
)

var testFormat = chunk.Format{SampleRate: 8000, Channels: 1, BitsPerSample: 8}

// newTestChunk returns a stamped chunk of duration d whose timestamp
// seconds carry seq, so tests can check ordering.
func newTestChunk(t *testing.T, seq int, d time.Duration) *chunk.Chunk {
	t.Helper()
	c, err := chunk.New(testFormat, d)
	require.NoError(t, err)
	for i := range c.Payload() {
		c.Payload()[i] = byte(seq + i)
	}
	require.NoError(t, c.Stamp(chunk.Timestamp{Seconds: int64(seq)}))
	return c
}

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	q := NewQueue(10 * time.Second)
	for i := range 10 {
		assert.Zero(t, q.Push(newTestChunk(t, i, 50*time.Millisecond)))
	}
	require.Equal(t, 10, q.Len())

	ctx := context.Background()
	for i := range 10 {
		c, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(i), c.Timestamp().Seconds)
	}
	assert.Zero(t, q.Len())
}

func TestQueueBackpressureBound(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		limit   time.Duration
		dur     time.Duration
		maxHeld int
	}{
		// Integral ratio: the coarse check admits one entry past limit/d.
		{"50ms of 10s", 10 * time.Second, 50 * time.Millisecond, 201},
		{"30ms of 10s", 10 * time.Second, 30 * time.Millisecond, 334},
		{"100ms of 1s", time.Second, 100 * time.Millisecond, 11},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			q := NewQueue(tt.limit)
			const pushes = 1000
			dropped := 0
			for i := range pushes {
				dropped += q.Push(newTestChunk(t, i, tt.dur))
				require.LessOrEqual(t, q.Len(), tt.maxHeld)
			}
			assert.Equal(t, tt.maxHeld, q.Len())
			assert.Equal(t, pushes-tt.maxHeld, dropped)

			// Survivors are the newest pushes, in order, without gaps.
			ctx := context.Background()
			for want := pushes - tt.maxHeld; want < pushes; want++ {
				c, err := q.Pop(ctx)
				require.NoError(t, err)
				require.Equal(t, int64(want), c.Timestamp().Seconds)
			}
		})
	}
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	t.Parallel()

	q := NewQueue(0)
	got := make(chan *chunk.Chunk, 1)
	go func() {
		c, err := q.Pop(context.Background())
		if err == nil {
			got <- c
		}
	}()

	select {
	case <-got:
		t.Fatal("Pop returned on an empty queue")
	case <-time.After(50 * time.Millisecond):
	}

	q.Push(newTestChunk(t, 7, 50*time.Millisecond))
	select {
	case c := <-got:
		assert.Equal(t, int64(7), c.Timestamp().Seconds)
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not wake after Push")
	}
}

func TestQueuePopContextCancel(t *testing.T) {
	t.Parallel()

	q := NewQueue(0)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Pop(ctx)
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Pop ignored cancellation")
	}
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(0)
	q.Push(newTestChunk(t, 1, 50*time.Millisecond))

	errCh := make(chan error, 1)
	q.Close()
	go func() {
		_, err := q.Pop(context.Background())
		errCh <- err
	}()

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrQueueClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("Pop blocked on a closed queue")
	}

	assert.Zero(t, q.Push(newTestChunk(t, 2, 50*time.Millisecond)))
	assert.Zero(t, q.Len())
	q.Close()
}

func TestQueueConcurrentProducerConsumer(t *testing.T) {
	t.Parallel()

	const n = 500
	q := NewQueue(time.Hour)

	chunks := make([]*chunk.Chunk, n)
	for i := range chunks {
		chunks[i] = newTestChunk(t, i, 50*time.Millisecond)
	}
	go func() {
		for _, c := range chunks {
			q.Push(c)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := range n {
		c, err := q.Pop(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(i), c.Timestamp().Seconds)
	}
}
