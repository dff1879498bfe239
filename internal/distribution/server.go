// Package distribution implements the client-facing side of the server:
// the TCP accept loop, the set of live sessions, and the fan-out of each
// produced chunk into every session's bounded queue.
package distribution

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/zsiec/pcmcast/internal/chunk"
	"github.com/zsiec/pcmcast/internal/metrics"
)

// ErrTooManySessions is returned by AddSession when MaxSessions is reached.
var ErrTooManySessions = errors.New("distribution: session limit reached")

// Accept retry backoff bounds for transient accept errors.
const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = 1 * time.Second
)

// ServerConfig holds the configuration for the distribution Server.
type ServerConfig struct {
	Addr         string
	Backlog      time.Duration
	WriteTimeout time.Duration
	MaxSessions  int
	Metrics      *metrics.Metrics
	Log          *slog.Logger
}

// Server accepts client connections and distributes chunks to them. The
// session set is guarded by a single mutex shared by the accept path
// (insert) and the distribution path (prune and iterate).
type Server struct {
	config  ServerConfig
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]Subscriber
}

// NewServer creates a distribution Server with the given configuration.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Addr == "" {
		return nil, errors.New("distribution: Addr is required")
	}
	if config.MaxSessions < 0 {
		return nil, fmt.Errorf("distribution: MaxSessions must be >= 0, got %d", config.MaxSessions)
	}
	if config.Backlog <= 0 {
		config.Backlog = DefaultBacklog
	}
	if config.Log == nil {
		config.Log = slog.Default()
	}
	if config.Metrics == nil {
		config.Metrics = metrics.NewUnregistered()
	}
	return &Server{
		config:   config,
		log:      config.Log.With("component", "distribution"),
		metrics:  config.Metrics,
		sessions: make(map[string]Subscriber),
	}, nil
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the accept loop on ln. Transient accept errors are retried
// with backoff. When ctx is done the listener is closed, every session is
// closed and its sender loop joined, and Serve returns nil.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("listening", "addr", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer s.closeAll()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}
			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff = min(backoff*2, maxAcceptBackoff)
			}
			s.log.Warn("accept error", "error", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0
		s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	sess := NewSession(SessionConfig{
		Conn:         conn,
		Backlog:      s.config.Backlog,
		WriteTimeout: s.config.WriteTimeout,
		Metrics:      s.metrics,
		Log:          s.log,
	})

	if err := s.AddSession(sess); err != nil {
		s.log.Warn("rejecting client", "remote", conn.RemoteAddr().String(), "error", err)
		s.metrics.SessionsRejected.Inc()
		sess.Close()
		return
	}
	sess.Start(ctx)
	s.metrics.SessionsAccepted.Inc()
	s.log.Info("client connected", "session", sess.ID(), "remote", conn.RemoteAddr().String())
}

// AddSession inserts sub into the distribution set.
func (s *Server) AddSession(sub Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.MaxSessions > 0 && len(s.sessions) >= s.config.MaxSessions {
		return ErrTooManySessions
	}
	s.sessions[sub.ID()] = sub
	s.metrics.SessionsActive.Set(float64(len(s.sessions)))
	return nil
}

// Distribute prunes sessions that have gone inactive, then queues c on
// every remaining session. Queue pushes never block, so a slow client
// cannot delay delivery to the others.
func (s *Server) Distribute(c *chunk.Chunk) {
	s.mu.Lock()
	var evicted []Subscriber
	for id, sub := range s.sessions {
		if !sub.Active() {
			delete(s.sessions, id)
			evicted = append(evicted, sub)
		}
	}
	targets := make([]Subscriber, 0, len(s.sessions))
	for _, sub := range s.sessions {
		targets = append(targets, sub)
	}
	s.metrics.SessionsActive.Set(float64(len(s.sessions)))
	s.mu.Unlock()

	for _, sub := range evicted {
		stats := sub.Stats()
		s.log.Info("session inactive, removing",
			"session", stats.ID,
			"sent", stats.ChunksSent,
			"dropped", stats.ChunksDropped,
			"error", stats.LastError)
		s.metrics.SessionsEvicted.Inc()
		sub.Close()
	}

	for _, sub := range targets {
		sub.Send(c)
	}
}

// SessionCount returns the number of sessions in the distribution set,
// including ones that died since the last Distribute.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sessions returns delivery metrics for every session, oldest first.
func (s *Server) Sessions() []SessionStats {
	s.mu.Lock()
	stats := make([]SessionStats, 0, len(s.sessions))
	for _, sub := range s.sessions {
		stats = append(stats, sub.Stats())
	}
	s.mu.Unlock()

	slices.SortFunc(stats, func(a, b SessionStats) int {
		return cmp.Or(cmp.Compare(a.ConnectedAt, b.ConnectedAt), strings.Compare(a.ID, b.ID))
	})
	return stats
}

// closeAll empties the session set and joins every sender loop.
func (s *Server) closeAll() {
	s.mu.Lock()
	subs := make([]Subscriber, 0, len(s.sessions))
	for id, sub := range s.sessions {
		subs = append(subs, sub)
		delete(s.sessions, id)
	}
	s.metrics.SessionsActive.Set(0)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub.Close()
		}()
	}
	wg.Wait()

	if len(subs) > 0 {
		s.log.Info("closed all sessions", "count", len(subs))
	}
}
