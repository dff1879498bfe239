package srt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/pcmcast/internal/ingest"
)

// srtReadBufferSize buffers socket reads so that each SRT message is
// read whole regardless of how much the pipeline asks for at once.
const srtReadBufferSize = 1316 * 10

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// admitTimeout bounds how long an admitted handshake may hold the
// publisher slot before it is handed out by Accept.
const admitTimeout = 5 * time.Second

// Source accepts SRT publish connections and exposes each one as a PCM
// byte stream. Only one publisher is admitted at a time.
type Source struct {
	log      *slog.Logger
	addr     string
	streamID string
	tracker  *ingest.Tracker

	mu      sync.Mutex
	accept  func() (*srtgo.Conn, error)
	closeLn func()
	closed  bool

	// slot guards the single publisher: admittedAt is set when a
	// handshake is admitted, active once Open hands the conn out.
	slot       sync.Mutex
	clock      clockwork.Clock
	admittedAt time.Time
	active     bool
}

// NewSource creates an SRT source listening on addr. When streamID is
// non-empty, publishers presenting a different stream ID are rejected.
// If log is nil, slog.Default() is used.
func NewSource(addr, streamID string, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		log:      log.With("component", "srt-source"),
		addr:     addr,
		streamID: streamKey(streamID),
		tracker:  ingest.NewTracker("srt"),
		clock:    clockwork.NewRealClock(),
	}
}

// IngestStats returns statistics for the current publisher session.
func (s *Source) IngestStats() ingest.IngestStats { return s.tracker.IngestStats() }

// listen starts the SRT listener on first use.
func (s *Source) listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("srt: source closed")
	}
	if s.accept != nil {
		return nil
	}

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if !s.admit(req.StreamID) {
			return srtgo.RejPeer
		}
		return 0
	})
	s.log.Info("listening", "addr", s.addr)

	s.accept = l.Accept
	s.closeLn = func() { l.Close() }
	return nil
}

// admit reports whether a publisher with the given stream ID may connect,
// claiming the publisher slot when it may.
func (s *Source) admit(streamID string) bool {
	if s.streamID != "" && streamKey(streamID) != s.streamID {
		return false
	}

	s.slot.Lock()
	defer s.slot.Unlock()
	if s.active {
		return false
	}
	now := s.clock.Now()
	if !s.admittedAt.IsZero() && now.Sub(s.admittedAt) < admitTimeout {
		return false
	}
	s.admittedAt = now
	return true
}

func (s *Source) claim() {
	s.slot.Lock()
	s.active = true
	s.admittedAt = time.Time{}
	s.slot.Unlock()
}

func (s *Source) release() {
	s.slot.Lock()
	s.active = false
	s.admittedAt = time.Time{}
	s.slot.Unlock()
}

// Open waits for the next publisher and returns its byte stream. Cancelling
// ctx closes the listener, after which the Source cannot be reopened.
func (s *Source) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := s.listen(); err != nil {
		return nil, err
	}

	type acceptResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan acceptResult, 1)
	go func() {
		conn, err := s.accept()
		ch <- acceptResult{conn, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			s.release()
			return nil, fmt.Errorf("SRT accept: %w", res.err)
		}
		return s.track(res.conn), nil
	case <-ctx.Done():
		s.Close()
		// Drain the accept result in the background and close any leaked connection.
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
			s.release()
		}()
		return nil, ctx.Err()
	}
}

func (s *Source) track(conn *srtgo.Conn) io.ReadCloser {
	s.claim()
	remote := conn.RemoteAddr().String()
	s.log.Info("publish", "stream_id", conn.StreamID(), "remote", remote)

	pc := &publisherConn{
		Reader: bufio.NewReaderSize(conn, srtReadBufferSize),
		conn:   conn,
		done: func() {
			stats := s.tracker.IngestStats()
			s.release()
			s.log.Info("publisher disconnected", "remote", remote,
				"bytes", stats.BytesReceived, "reads", stats.ReadCount,
				"uptime_ms", stats.UptimeMs)
		},
	}
	return s.tracker.Track(pc, remote)
}

// Close stops the listener. Publishers already handed out by Open stay
// open until their reader is closed.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.closeLn != nil {
		s.closeLn()
	}
	return nil
}

type publisherConn struct {
	io.Reader
	conn *srtgo.Conn
	once sync.Once
	done func()
}

func (c *publisherConn) Close() error {
	c.conn.Close()
	c.once.Do(c.done)
	return nil
}

// streamKey normalizes a publisher stream ID, accepting the "live/" form
// SRT encoders commonly send.
func streamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	return streamID
}
