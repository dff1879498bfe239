package ingest

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeSourceCreatesFIFO(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "snapfifo")
	src := NewPipeSource(path, nil)

	type openResult struct {
		rc  io.ReadCloser
		err error
	}
	opened := make(chan openResult, 1)
	go func() {
		rc, err := src.Open(context.Background())
		opened <- openResult{rc, err}
	}()

	require.Eventually(t, func() bool {
		info, err := os.Stat(path)
		return err == nil && info.Mode()&fs.ModeNamedPipe != 0
	}, 2*time.Second, 5*time.Millisecond)

	// Blocks until the reader side is open.
	w, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)

	var res openResult
	select {
	case res = <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("Open did not return after a writer attached")
	}
	require.NoError(t, res.err)
	defer res.rc.Close()

	payload := []byte("interleaved pcm samples")
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, err := io.ReadAll(res.rc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	stats := src.IngestStats()
	assert.Equal(t, "pipe", stats.Kind)
	assert.Equal(t, int64(len(payload)), stats.BytesReceived)
	assert.Equal(t, path, stats.RemoteAddr)
}

func TestPipeSourceCancelUnblocksOpen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "snapfifo")
	src := NewPipeSource(path, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		rc, err := src.Open(ctx)
		if rc != nil {
			rc.Close()
		}
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("Open still blocked after cancellation")
	}
	assert.False(t, src.IngestStats().Connected)
}

func TestPipeSourceRegularFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tone.raw")
	data := make([]byte, 1920)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))

	src := NewPipeSource(path, nil)
	for range 2 {
		rc, err := src.Open(context.Background())
		require.NoError(t, err)
		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		assert.Equal(t, data, got)
	}

	stats := src.IngestStats()
	assert.Equal(t, int64(2), stats.Sessions)
	assert.False(t, stats.Connected)
}

func TestPipeSourceRejectsDirectory(t *testing.T) {
	t.Parallel()

	src := NewPipeSource(t.TempDir(), nil)
	_, err := src.Open(context.Background())
	assert.Error(t, err)
}
