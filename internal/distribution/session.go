package distribution

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/zsiec/pcmcast/internal/chunk"
	"github.com/zsiec/pcmcast/internal/metrics"
)

// Subscriber is what the Server fans chunks out to. Session is the
// production implementation; tests substitute their own.
type Subscriber interface {
	ID() string
	Send(c *chunk.Chunk)
	Active() bool
	Stats() SessionStats
	Close()
}

// SessionStats captures per-client delivery counters, exposed via the
// status API.
type SessionStats struct {
	ID            string `json:"id"`
	RemoteAddr    string `json:"remoteAddr"`
	ConnectedAt   int64  `json:"connectedAt"`
	Active        bool   `json:"active"`
	Queued        int    `json:"queued"`
	ChunksSent    int64  `json:"chunksSent"`
	ChunksDropped int64  `json:"chunksDropped"`
	BytesSent     int64  `json:"bytesSent"`
	LastError     string `json:"lastError,omitempty"`
}

// Compile-time interface check.
var _ Subscriber = (*Session)(nil)

// SessionConfig holds the parameters for a new Session.
type SessionConfig struct {
	Conn    net.Conn
	Backlog time.Duration
	// WriteTimeout bounds each chunk write. Zero disables the deadline, so
	// a connected client that stops reading pins its sender goroutine
	// until the server shuts down.
	WriteTimeout time.Duration
	Metrics      *metrics.Metrics
	Log          *slog.Logger
}

// Session owns one client connection. Its sender loop pops chunks from
// the session's queue and writes them to the connection until the first
// I/O error, at which point the session reports itself inactive for good.
type Session struct {
	id           string
	log          *slog.Logger
	conn         net.Conn
	queue        *Queue
	writeTimeout time.Duration
	metrics      *metrics.Metrics
	connectedAt  time.Time
	dropLog      rate.Sometimes

	active    atomic.Bool
	started   atomic.Bool
	closing   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once

	chunksSent    atomic.Int64
	chunksDropped atomic.Int64
	bytesSent     atomic.Int64
	lastErr       atomic.Value
}

// NewSession creates an active session for cfg.Conn. The sender loop does
// not run until Start.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewUnregistered()
	}
	id := uuid.NewString()
	s := &Session{
		id:           id,
		log:          cfg.Log.With("session", id, "remote", cfg.Conn.RemoteAddr().String()),
		conn:         cfg.Conn,
		queue:        NewQueue(cfg.Backlog),
		writeTimeout: cfg.WriteTimeout,
		metrics:      cfg.Metrics,
		connectedAt:  time.Now(),
		dropLog:      rate.Sometimes{First: 1, Interval: 5 * time.Second},
		done:         make(chan struct{}),
	}
	s.active.Store(true)
	return s
}

// ID returns the unique identifier for this session.
func (s *Session) ID() string { return s.id }

// Active reports whether the sender loop is still healthy.
func (s *Session) Active() bool { return s.active.Load() }

// Start launches the sender loop and returns immediately. The loop ends on
// the first write error, when ctx is done, or when the session is closed.
func (s *Session) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.run(ctx)
}

// Send queues c for delivery. It never blocks on the client.
func (s *Session) Send(c *chunk.Chunk) {
	dropped := s.queue.Push(c)
	if dropped == 0 {
		return
	}
	s.chunksDropped.Add(int64(dropped))
	s.metrics.ChunksDropped.Add(float64(dropped))
	s.dropLog.Do(func() {
		s.log.Warn("client falling behind, dropping oldest chunks",
			"dropped", dropped,
			"total_dropped", s.chunksDropped.Load())
	})
}

// Close stops the sender loop, closes the connection, discards queued
// chunks and waits for the loop to exit.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		_ = s.conn.Close()
		s.queue.Close()
	})
	if s.started.Load() {
		<-s.done
	}
}

// Stats returns delivery metrics for this session.
func (s *Session) Stats() SessionStats {
	lastErr, _ := s.lastErr.Load().(string)
	return SessionStats{
		ID:            s.id,
		RemoteAddr:    s.conn.RemoteAddr().String(),
		ConnectedAt:   s.connectedAt.UnixMilli(),
		Active:        s.active.Load(),
		Queued:        s.queue.Len(),
		ChunksSent:    s.chunksSent.Load(),
		ChunksDropped: s.chunksDropped.Load(),
		BytesSent:     s.bytesSent.Load(),
		LastError:     lastErr,
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.active.Store(false)

	for {
		c, err := s.queue.Pop(ctx)
		if err != nil {
			return
		}

		if s.writeTimeout > 0 {
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		}
		n, err := c.WriteTo(s.conn)
		s.bytesSent.Add(n)
		s.metrics.BytesSent.Add(float64(n))
		if err != nil {
			s.lastErr.Store(err.Error())
			if ctx.Err() == nil && !s.closing.Load() {
				s.metrics.WriteErrors.Inc()
				s.log.Info("client write failed, deactivating session", "error", err)
			}
			return
		}
		s.chunksSent.Add(1)
		s.metrics.ChunksSent.Inc()
	}
}
