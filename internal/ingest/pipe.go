package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// fifoMode is the permission the source FIFO is created with, so that
// any local player process can feed it.
const fifoMode = 0o666

const (
	abandonPokeInterval = 10 * time.Millisecond
	abandonPokeAttempts = 500
)

// PipeSource reads PCM from a named pipe, creating the pipe when it does
// not exist. A regular file at the path is read to EOF instead, which is
// convenient for looping test material.
type PipeSource struct {
	path    string
	log     *slog.Logger
	tracker *Tracker
}

// NewPipeSource creates a PipeSource for path. If log is nil,
// slog.Default() is used.
func NewPipeSource(path string, log *slog.Logger) *PipeSource {
	if log == nil {
		log = slog.Default()
	}
	return &PipeSource{
		path:    path,
		log:     log.With("component", "pipe-source", "path", path),
		tracker: NewTracker("pipe"),
	}
}

// Path returns the filesystem path the source reads from.
func (s *PipeSource) Path() string { return s.path }

// IngestStats returns statistics for the current source session.
func (s *PipeSource) IngestStats() IngestStats { return s.tracker.IngestStats() }

// Open opens the pipe for reading. Opening a FIFO blocks until a writer
// attaches; cancelling ctx abandons the wait.
func (s *PipeSource) Open(ctx context.Context) (io.ReadCloser, error) {
	fifo, err := s.ensure()
	if err != nil {
		return nil, err
	}
	if !fifo {
		f, err := os.Open(s.path)
		if err != nil {
			return nil, err
		}
		return s.tracker.Track(f, s.path), nil
	}

	type openResult struct {
		f   *os.File
		err error
	}
	ch := make(chan openResult, 1)
	go func() {
		f, err := os.OpenFile(s.path, os.O_RDONLY, 0)
		ch <- openResult{f, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		s.log.Debug("writer attached")
		return s.tracker.Track(res.f, s.path), nil
	case <-ctx.Done():
		// A pending read-open only returns once a writer shows up. The
		// poke fails with ENXIO until the reader has entered open(2), so
		// keep trying for a while.
		go func() {
			ticker := time.NewTicker(abandonPokeInterval)
			defer ticker.Stop()
			for range abandonPokeAttempts {
				s.poke()
				select {
				case res := <-ch:
					if res.f != nil {
						res.f.Close()
					}
					return
				case <-ticker.C:
				}
			}
			s.log.Warn("abandoned FIFO open did not return")
		}()
		return nil, ctx.Err()
	}
}

// poke opens the FIFO for writing without blocking and closes it again.
func (s *PipeSource) poke() {
	if w, err := os.OpenFile(s.path, os.O_WRONLY|unix.O_NONBLOCK, 0); err == nil {
		w.Close()
	}
}

// ensure creates the FIFO if nothing exists at the path and reports
// whether the path is a FIFO.
func (s *PipeSource) ensure() (bool, error) {
	info, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		if err := unix.Mkfifo(s.path, fifoMode); err != nil && !errors.Is(err, unix.EEXIST) {
			return false, fmt.Errorf("mkfifo %s: %w", s.path, err)
		}
		// Mkfifo is subject to the umask.
		if err := os.Chmod(s.path, fifoMode); err != nil {
			s.log.Warn("failed to set FIFO permissions", "error", err)
		}
		s.log.Info("created FIFO")
		return true, nil
	}
	if err != nil {
		return false, err
	}

	switch mode := info.Mode(); {
	case mode&fs.ModeNamedPipe != 0:
		return true, nil
	case mode.IsRegular():
		return false, nil
	default:
		return false, fmt.Errorf("%s is neither a FIFO nor a regular file (mode %v)", s.path, mode)
	}
}
