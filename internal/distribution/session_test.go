package distribution

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/pcmcast/internal/chunk"
	"github.com/zsiec/pcmcast/internal/metrics"
)

func newPipeSession(t *testing.T, cfg SessionConfig) (*Session, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	cfg.Conn = server
	s := NewSession(cfg)
	t.Cleanup(func() {
		client.Close()
		s.Close()
	})
	return s, client
}

func TestSessionDeliversInOrder(t *testing.T) {
	t.Parallel()

	s, client := newPipeSession(t, SessionConfig{})
	require.True(t, s.Active())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	sent := make([]*chunk.Chunk, 3)
	for i := range sent {
		sent[i] = newTestChunk(t, i+1, 50*time.Millisecond)
		s.Send(sent[i])
	}

	dec := chunk.NewDecoder(client)
	for _, want := range sent {
		f, err := dec.Next()
		require.NoError(t, err)
		assert.Equal(t, want.Header(), f.Header)
		assert.Equal(t, want.Payload(), f.Payload)
	}

	require.Eventually(t, func() bool {
		return s.Stats().ChunksSent == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(3*(chunk.HeaderSize+400)), s.Stats().BytesSent)
	assert.True(t, s.Active())
}

func TestSessionWriteFailureDeactivates(t *testing.T) {
	t.Parallel()

	m := metrics.New(prometheus.NewRegistry())
	s, client := newPipeSession(t, SessionConfig{Metrics: m})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	require.NoError(t, client.Close())
	s.Send(newTestChunk(t, 1, 50*time.Millisecond))

	require.Eventually(t, func() bool { return !s.Active() }, 2*time.Second, 5*time.Millisecond)
	stats := s.Stats()
	assert.False(t, stats.Active)
	assert.NotEmpty(t, stats.LastError)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WriteErrors))

	// Later sends are accepted but never delivered.
	s.Send(newTestChunk(t, 2, 50*time.Millisecond))
	assert.Zero(t, s.Stats().ChunksSent)
}

func TestSessionWriteTimeout(t *testing.T) {
	t.Parallel()

	s, _ := newPipeSession(t, SessionConfig{WriteTimeout: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	// The client never reads, so the write hits its deadline.
	s.Send(newTestChunk(t, 1, 50*time.Millisecond))
	require.Eventually(t, func() bool { return !s.Active() }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, s.Stats().LastError, "timeout")
}

func TestSessionCloseUnblocksStalledWrite(t *testing.T) {
	t.Parallel()

	s, _ := newPipeSession(t, SessionConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	s.Send(newTestChunk(t, 1, 50*time.Millisecond))

	// Without a write timeout the sender stays blocked and active.
	time.Sleep(50 * time.Millisecond)
	assert.True(t, s.Active())

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not join the sender loop")
	}
	assert.False(t, s.Active())
}

func TestSessionCancelStopsIdleSender(t *testing.T) {
	t.Parallel()

	s, _ := newPipeSession(t, SessionConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	require.Eventually(t, func() bool { return !s.Active() }, 2*time.Second, 5*time.Millisecond)
}

func TestSessionSendDropsOldest(t *testing.T) {
	t.Parallel()

	m := metrics.New(prometheus.NewRegistry())
	s, _ := newPipeSession(t, SessionConfig{Backlog: 10 * time.Second, Metrics: m})

	// Not started: nothing drains the queue.
	for i := range 300 {
		s.Send(newTestChunk(t, i, 50*time.Millisecond))
	}

	stats := s.Stats()
	assert.Equal(t, 201, stats.Queued)
	assert.Equal(t, int64(99), stats.ChunksDropped)
	assert.Equal(t, float64(99), testutil.ToFloat64(m.ChunksDropped))
}
