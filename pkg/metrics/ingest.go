package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// IngestMetrics contains Prometheus metrics for ingestion adapters.
type IngestMetrics struct {
	MessagesReceived   *prometheus.CounterVec
	DecodeFailures     *prometheus.CounterVec
	EnvelopesPublished *prometheus.CounterVec
	PollCycles         *prometheus.CounterVec
	PollUnchanged      *prometheus.CounterVec
	ActiveAdapters     prometheus.Gauge
}

// NewIngestMetrics creates and registers ingestion metrics.
func NewIngestMetrics(namespace string) *IngestMetrics {
	m := &IngestMetrics{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "messages_received_total",
				Help:      "Inbound messages handed to an adapter",
			},
			[]string{"source"},
		),
		DecodeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "decode_failures_total",
				Help:      "Inbound messages that could not be decoded",
			},
			[]string{"source"},
		),
		EnvelopesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "envelopes_published_total",
				Help:      "Physical timeseries envelopes published",
			},
			[]string{"source"},
		),
		PollCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "poller",
				Name:      "cycles_total",
				Help:      "Poll cycles run",
			},
			[]string{"source", "status"},
		),
		PollUnchanged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "poller",
				Name:      "unchanged_entities_total",
				Help:      "Polled entities skipped because their content hash did not change",
			},
			[]string{"source"},
		),
		ActiveAdapters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "active_adapters",
				Help:      "Number of running adapters",
			},
		),
	}

	MustRegister(
		m.MessagesReceived,
		m.DecodeFailures,
		m.EnvelopesPublished,
		m.PollCycles,
		m.PollUnchanged,
		m.ActiveAdapters,
	)

	return m
}
