// Package metrics holds the Prometheus collectors shared by the
// distribution server and the production pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pcmcast"

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Metrics groups every collector the server exports.
type Metrics struct {
	SessionsActive   prometheus.Gauge
	SessionsAccepted prometheus.Counter
	SessionsRejected prometheus.Counter
	SessionsEvicted  prometheus.Counter
	WriteErrors      prometheus.Counter
	ChunksSent       prometheus.Counter
	ChunksDropped    prometheus.Counter
	BytesSent        prometheus.Counter

	ChunksProduced prometheus.Counter
	Resyncs        prometheus.Counter
	SourceOpens    prometheus.Counter
	SourceFailures prometheus.Counter
	SourceBytes    prometheus.Counter
}

// New creates and registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Number of client sessions in the distribution set.",
		}),
		SessionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "accepted_total",
			Help:      "Total number of accepted client connections.",
		}),
		SessionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "rejected_total",
			Help:      "Total number of client connections refused by the session limit.",
		}),
		SessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "evicted_total",
			Help:      "Total number of inactive sessions pruned from the distribution set.",
		}),
		WriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "write_errors_total",
			Help:      "Total number of session sender loops ended by an I/O error.",
		}),
		ChunksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "chunks_sent_total",
			Help:      "Total number of chunks fully written to clients.",
		}),
		ChunksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "chunks_dropped_total",
			Help:      "Total number of queued chunks evicted by backpressure.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "bytes_sent_total",
			Help:      "Total number of header and payload bytes written to clients.",
		}),
		ChunksProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "chunks_produced_total",
			Help:      "Total number of chunks read from the source and distributed.",
		}),
		Resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "resyncs_total",
			Help:      "Total number of times the production clock was reset after falling behind.",
		}),
		SourceOpens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "opens_total",
			Help:      "Total number of successful source opens.",
		}),
		SourceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "failures_total",
			Help:      "Total number of source open or read failures.",
		}),
		SourceBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "bytes_read_total",
			Help:      "Total number of PCM bytes read from the source.",
		}),
	}

	reg.MustRegister(
		m.SessionsActive, m.SessionsAccepted, m.SessionsRejected, m.SessionsEvicted,
		m.WriteErrors, m.ChunksSent, m.ChunksDropped, m.BytesSent,
		m.ChunksProduced, m.Resyncs, m.SourceOpens, m.SourceFailures, m.SourceBytes,
	)
	return m
}

// NewUnregistered returns collectors that are not exported anywhere. Used
// when a component is constructed without a registry.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
