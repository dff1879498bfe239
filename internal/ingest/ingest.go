// Package ingest provides the audio sources the production pipeline reads
// raw PCM from, along with connection-level statistics for each source.
package ingest

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// IngestStats captures connection-level metrics for the current source
// session, exposed via the status API for monitoring source health.
type IngestStats struct {
	Kind          string `json:"kind"`
	Connected     bool   `json:"connected"`
	Sessions      int64  `json:"sessions"`
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt,omitempty"`
	UptimeMs      int64  `json:"uptimeMs,omitempty"`
	RemoteAddr    string `json:"remoteAddr,omitempty"`
}

// Tracker accumulates statistics for a source across its sessions. Byte
// and read counters reset each time a new session begins.
type Tracker struct {
	kind string

	sessions      atomic.Int64
	connected     atomic.Bool
	startedAt     atomic.Int64
	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// NewTracker creates a Tracker for a source of the given kind ("pipe", "srt").
func NewTracker(kind string) *Tracker {
	return &Tracker{kind: kind}
}

// Begin marks the start of a source session from remote.
func (t *Tracker) Begin(remote string) {
	t.bytesReceived.Store(0)
	t.readCount.Store(0)
	t.remoteAddr.Store(remote)
	t.startedAt.Store(time.Now().UnixMilli())
	t.sessions.Add(1)
	t.connected.Store(true)
}

// End marks the current source session as finished.
func (t *Tracker) End() {
	t.connected.Store(false)
}

// RecordRead increments the byte and read counters, called after each
// successful source read.
func (t *Tracker) RecordRead(n int) {
	t.bytesReceived.Add(int64(n))
	t.readCount.Add(1)
}

// IngestStats returns a snapshot of source session metrics.
func (t *Tracker) IngestStats() IngestStats {
	addr, _ := t.remoteAddr.Load().(string)
	s := IngestStats{
		Kind:          t.kind,
		Connected:     t.connected.Load(),
		Sessions:      t.sessions.Load(),
		BytesReceived: t.bytesReceived.Load(),
		ReadCount:     t.readCount.Load(),
		RemoteAddr:    addr,
	}
	if started := t.startedAt.Load(); started != 0 {
		s.ConnectedAt = started
		if s.Connected {
			s.UptimeMs = time.Now().UnixMilli() - started
		}
	}
	return s
}

// Track begins a session for remote and wraps rc so that reads are
// recorded and Close ends the session.
func (t *Tracker) Track(rc io.ReadCloser, remote string) io.ReadCloser {
	t.Begin(remote)
	return &trackedReader{rc: rc, t: t}
}

type trackedReader struct {
	rc   io.ReadCloser
	t    *Tracker
	once sync.Once
}

func (r *trackedReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if n > 0 {
		r.t.RecordRead(n)
	}
	return n, err
}

func (r *trackedReader) Close() error {
	r.once.Do(r.t.End)
	return r.rc.Close()
}
