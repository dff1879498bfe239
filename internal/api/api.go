// Package api serves the HTTP status API: connected sessions, source and
// production statistics, a health probe, and the Prometheus scrape endpoint.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zsiec/pcmcast/internal/chunk"
	"github.com/zsiec/pcmcast/internal/distribution"
	"github.com/zsiec/pcmcast/internal/ingest"
	"github.com/zsiec/pcmcast/internal/metrics"
	"github.com/zsiec/pcmcast/internal/pipeline"
)

// SessionLister is the subset of distribution.Server the API reports on.
type SessionLister interface {
	Sessions() []distribution.SessionStats
}

// StatsProvider is satisfied by pipeline.Pipeline.
type StatsProvider interface {
	Stats() pipeline.Stats
}

// IngestProvider is satisfied by every audio source.
type IngestProvider interface {
	IngestStats() ingest.IngestStats
}

// Config wires the API to the running components. Nil providers are
// reported as empty.
type Config struct {
	Sessions      SessionLister
	Pipeline      StatsProvider
	Ingest        IngestProvider
	Format        chunk.Format
	ChunkDuration time.Duration
	Registry      *prometheus.Registry
	Log           *slog.Logger
}

// SessionList is the response body of GET /api/sessions.
type SessionList struct {
	Count    int                         `json:"count"`
	Sessions []distribution.SessionStats `json:"sessions"`
}

// SourceInfo is the response body of GET /api/source.
type SourceInfo struct {
	Format          string              `json:"format"`
	SampleRate      int                 `json:"sampleRate"`
	Channels        int                 `json:"channels"`
	BitsPerSample   int                 `json:"bitsPerSample"`
	ChunkDurationMs int64               `json:"chunkDurationMs"`
	PayloadBytes    int                 `json:"payloadBytes"`
	Pipeline        *pipeline.Stats     `json:"pipeline,omitempty"`
	Ingest          *ingest.IngestStats `json:"ingest,omitempty"`
}

type handler struct {
	config Config
	log    *slog.Logger
}

// Handler returns the http.Handler for the status API.
func Handler(config Config) http.Handler {
	if config.Log == nil {
		config.Log = slog.Default()
	}
	h := &handler{config: config, log: config.Log.With("component", "api")}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions", h.handleSessions)
	mux.HandleFunc("GET /api/source", h.handleSource)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	if config.Registry != nil {
		mux.Handle("GET /metrics", metrics.Handler(config.Registry))
	}
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func (h *handler) handleSessions(w http.ResponseWriter, _ *http.Request) {
	var sessions []distribution.SessionStats
	if h.config.Sessions != nil {
		sessions = h.config.Sessions.Sessions()
	}
	if sessions == nil {
		sessions = make([]distribution.SessionStats, 0)
	}
	h.writeJSON(w, http.StatusOK, SessionList{Count: len(sessions), Sessions: sessions})
}

func (h *handler) handleSource(w http.ResponseWriter, _ *http.Request) {
	f := h.config.Format
	info := SourceInfo{
		Format:          f.String(),
		SampleRate:      f.SampleRate,
		Channels:        f.Channels,
		BitsPerSample:   f.BitsPerSample,
		ChunkDurationMs: h.config.ChunkDuration.Milliseconds(),
	}
	if size, err := f.PayloadSize(h.config.ChunkDuration); err == nil {
		info.PayloadBytes = size
	}
	if h.config.Pipeline != nil {
		stats := h.config.Pipeline.Stats()
		info.Pipeline = &stats
	}
	if h.config.Ingest != nil {
		stats := h.config.Ingest.IngestStats()
		info.Ingest = &stats
	}
	h.writeJSON(w, http.StatusOK, info)
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("encoding JSON response", "error", err)
	}
}
