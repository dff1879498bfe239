// Package pipeline runs the production loop: it reads fixed-duration PCM
// chunks from an audio source, stamps them with a wall-clock capture time,
// hands them to the distribution server, and paces itself to real time.
package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/zsiec/pcmcast/internal/chunk"
	"github.com/zsiec/pcmcast/internal/metrics"
)

// DefaultReopenDelay is how long the loop waits before reopening a source
// that failed to open or closed without producing a chunk.
const DefaultReopenDelay = 500 * time.Millisecond

// Distributor is the subset of distribution.Server that the pipeline uses
// to fan out stamped chunks.
type Distributor interface {
	Distribute(c *chunk.Chunk)
}

// Source opens a PCM byte stream. Each Open starts a new source session;
// the pipeline closes the returned reader when the session ends.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Config holds the parameters for a Pipeline.
type Config struct {
	Format        chunk.Format
	ChunkDuration time.Duration
	ReopenDelay   time.Duration
	Clock         clockwork.Clock
	Metrics       *metrics.Metrics
	Log           *slog.Logger
}

// Stats captures production counters, exposed via the status API.
type Stats struct {
	ChunksProduced int64     `json:"chunksProduced"`
	Resyncs        int64     `json:"resyncs"`
	SourceOpens    int64     `json:"sourceOpens"`
	SourceFailures int64     `json:"sourceFailures"`
	BytesRead      int64     `json:"bytesRead"`
	LastTimestamp  time.Time `json:"lastTimestamp"`
}

// Pipeline is the single producer feeding a Distributor.
type Pipeline struct {
	source      Source
	dist        Distributor
	format      chunk.Format
	duration    time.Duration
	payloadSize int
	reopenDelay time.Duration
	clock       clockwork.Clock
	metrics     *metrics.Metrics
	log         *slog.Logger

	chunksProduced atomic.Int64
	resyncs        atomic.Int64
	sourceOpens    atomic.Int64
	sourceFailures atomic.Int64
	bytesRead      atomic.Int64
	lastTimestamp  atomic.Int64
}

// New creates a Pipeline reading from source and distributing to dist.
// The format and chunk duration must yield an exact payload size.
func New(source Source, dist Distributor, config Config) (*Pipeline, error) {
	if source == nil || dist == nil {
		return nil, errors.New("pipeline: source and distributor are required")
	}
	size, err := config.Format.PayloadSize(config.ChunkDuration)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if config.ReopenDelay <= 0 {
		config.ReopenDelay = DefaultReopenDelay
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.Metrics == nil {
		config.Metrics = metrics.NewUnregistered()
	}
	if config.Log == nil {
		config.Log = slog.Default()
	}
	return &Pipeline{
		source:      source,
		dist:        dist,
		format:      config.Format,
		duration:    config.ChunkDuration,
		payloadSize: size,
		reopenDelay: config.ReopenDelay,
		clock:       config.Clock,
		metrics:     config.Metrics,
		log:         config.Log.With("component", "pipeline"),
	}, nil
}

// Stats returns a snapshot of the production counters.
func (p *Pipeline) Stats() Stats {
	var last time.Time
	if ns := p.lastTimestamp.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return Stats{
		ChunksProduced: p.chunksProduced.Load(),
		Resyncs:        p.resyncs.Load(),
		SourceOpens:    p.sourceOpens.Load(),
		SourceFailures: p.sourceFailures.Load(),
		BytesRead:      p.bytesRead.Load(),
		LastTimestamp:  last,
	}
}

// Run produces chunks until ctx is cancelled. Source failures are logged
// and the source is reopened; Run itself only returns nil on cancellation.
func (p *Pipeline) Run(ctx context.Context) error {
	p.log.Info("production started",
		"format", p.format.String(),
		"chunk_duration", p.duration,
		"payload_bytes", p.payloadSize)

	for {
		produced, err := p.runSource(ctx)
		if ctx.Err() != nil {
			p.log.Info("production stopped", "chunks", p.chunksProduced.Load())
			return nil
		}

		p.sourceFailures.Add(1)
		p.metrics.SourceFailures.Inc()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			p.log.Info("source closed, reopening", "chunks", produced)
		} else {
			p.log.Warn("source failed, reopening", "chunks", produced, "error", err)
		}

		if produced > 0 {
			continue
		}
		select {
		case <-p.clock.After(p.reopenDelay):
		case <-ctx.Done():
			p.log.Info("production stopped", "chunks", p.chunksProduced.Load())
			return nil
		}
	}
}

// runSource opens the source once and produces from it until it fails or
// ctx is done. It returns how many chunks this source session produced.
func (p *Pipeline) runSource(ctx context.Context) (int, error) {
	rc, err := p.source.Open(ctx)
	if err != nil {
		return 0, fmt.Errorf("open source: %w", err)
	}
	p.sourceOpens.Add(1)
	p.metrics.SourceOpens.Inc()

	// Closing the reader is the only way to unblock a pending read.
	stop := context.AfterFunc(ctx, func() { rc.Close() })
	defer func() {
		if stop() {
			rc.Close()
		}
	}()

	br := bufio.NewReaderSize(rc, p.payloadSize)
	now := p.clock.Now()
	nextTick := now
	timestamp := now
	produced := 0

	for {
		c, err := chunk.New(p.format, p.duration)
		if err != nil {
			return produced, err
		}
		n, err := io.ReadFull(br, c.Payload())
		p.bytesRead.Add(int64(n))
		p.metrics.SourceBytes.Add(float64(n))
		if err != nil {
			return produced, fmt.Errorf("read source: %w", err)
		}

		if err := c.Stamp(chunk.TimestampOf(timestamp)); err != nil {
			return produced, err
		}
		produced++
		p.chunksProduced.Add(1)
		p.metrics.ChunksProduced.Inc()
		p.lastTimestamp.Store(timestamp.UnixNano())
		p.dist.Distribute(c)

		timestamp = timestamp.Add(p.duration)
		nextTick = nextTick.Add(p.duration)

		drift := nextTick.Sub(p.clock.Now())
		if drift > 0 {
			select {
			case <-p.clock.After(drift):
			case <-ctx.Done():
				return produced, ctx.Err()
			}
			continue
		}

		// Fell behind: restart the schedule from the present instead of
		// bursting. The discard is best-effort. Full-payload reads bypass
		// the bufio buffer, so it usually holds nothing, and any backlog
		// in the source itself is left alone.
		discarded, _ := br.Discard(br.Buffered())
		now = p.clock.Now()
		timestamp = now
		nextTick = now
		p.resyncs.Add(1)
		p.metrics.Resyncs.Inc()
		p.log.Debug("resynchronized", "behind", -drift, "discarded_bytes", discarded)
	}
}
