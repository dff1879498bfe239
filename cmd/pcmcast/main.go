package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/pcmcast/internal/api"
	"github.com/zsiec/pcmcast/internal/config"
	"github.com/zsiec/pcmcast/internal/distribution"
	"github.com/zsiec/pcmcast/internal/ingest"
	"github.com/zsiec/pcmcast/internal/ingest/srt"
	"github.com/zsiec/pcmcast/internal/metrics"
	"github.com/zsiec/pcmcast/internal/pipeline"
)

var version = "dev"

// audioSource is what every ingest source provides.
type audioSource interface {
	pipeline.Source
	api.IngestProvider
}

func main() {
	cfg, err := config.Load("pcmcast", os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(newLogger(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	reg := metrics.NewRegistry()
	m := metrics.New(reg)

	distSrv, err := distribution.NewServer(distribution.ServerConfig{
		Addr:         cfg.Listen,
		Backlog:      cfg.Buffer,
		WriteTimeout: cfg.WriteTimeout,
		MaxSessions:  cfg.MaxSessions,
		Metrics:      m,
	})
	if err != nil {
		slog.Error("failed to create distribution server", "error", err)
		os.Exit(1)
	}

	src, closeSource := newSource(cfg)
	defer closeSource()

	p, err := pipeline.New(src, distSrv, pipeline.Config{
		Format:        cfg.Format(),
		ChunkDuration: cfg.ChunkDuration,
		ReopenDelay:   cfg.ReopenDelay,
		Metrics:       m,
	})
	if err != nil {
		slog.Error("failed to create pipeline", "error", err)
		os.Exit(1)
	}

	slog.Info("pcmcast starting",
		"version", version,
		"listen", cfg.Listen,
		"format", cfg.Format().String(),
		"chunk_duration", cfg.ChunkDuration,
		"buffer", cfg.Buffer,
		"source", cfg.Source,
		"api", cfg.APIAddr,
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return distSrv.Start(ctx)
	})

	g.Go(func() error {
		return p.Run(ctx)
	})

	if cfg.APIAddr != "" {
		apiSrv := &http.Server{
			Addr: cfg.APIAddr,
			Handler: api.Handler(api.Config{
				Sessions:      distSrv,
				Pipeline:      p,
				Ingest:        src,
				Format:        cfg.Format(),
				ChunkDuration: cfg.ChunkDuration,
				Registry:      reg,
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			slog.Info("HTTP API server listening", "addr", cfg.APIAddr)
			if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("API server: %w", err)
			}
			return nil
		})

		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return apiSrv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func newSource(cfg *config.Config) (audioSource, func()) {
	switch cfg.Source {
	case config.SourceSRT:
		s := srt.NewSource(cfg.SRTAddr, cfg.SRTStreamID, nil)
		return s, func() { s.Close() }
	default:
		return ingest.NewPipeSource(cfg.FIFO, nil), func() {}
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level()}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
