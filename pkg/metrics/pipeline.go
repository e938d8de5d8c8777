package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// WorkerMetrics tracks the consume loop of delivery workers.
type WorkerMetrics struct {
	Messages           *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	Panics             *prometheus.CounterVec
	Rejected           *prometheus.CounterVec
	ActiveWorkers      prometheus.Gauge
}

// NewWorkerMetrics creates and registers worker metrics.
func NewWorkerMetrics(namespace string) *WorkerMetrics {
	m := &WorkerMetrics{
		Messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "messages_total",
				Help:      "Messages handled, by verdict",
			},
			[]string{"worker", "verdict"},
		),
		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "processing_duration_seconds",
				Help:      "Time spent in a handler per message",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"worker"},
		),
		Panics: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "handler_panics_total",
				Help:      "Messages acknowledged and dropped after a handler panic",
			},
			[]string{"worker"},
		),
		Rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "rejected_on_shutdown_total",
				Help:      "Messages requeued unprocessed because the worker was stopping",
			},
			[]string{"worker"},
		),
		ActiveWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "active",
				Help:      "Number of running consume loops",
			},
		),
	}

	MustRegister(m.Messages, m.ProcessingDuration, m.Panics, m.Rejected, m.ActiveWorkers)
	return m
}

// StoreMetrics tracks database operations.
type StoreMetrics struct {
	Operations         *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	Retries            *prometheus.CounterVec
	DuplicateRawMsgs   prometheus.Counter
	PhysicalDevicesNew *prometheus.CounterVec
}

// NewStoreMetrics creates and registers store metrics.
func NewStoreMetrics(namespace string) *StoreMetrics {
	m := &StoreMetrics{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "operations_total",
				Help:      "Total number of database operations",
			},
			[]string{"operation", "status"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "operation_duration_seconds",
				Help:      "Duration of database operations including retries",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		Retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "retries_total",
				Help:      "Operations retried after a connection error",
			},
			[]string{"operation"},
		),
		DuplicateRawMsgs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "duplicate_raw_messages_total",
				Help:      "Raw messages skipped because the correlation id was already recorded",
			},
		),
		PhysicalDevicesNew: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "physical_devices_created_total",
				Help:      "Physical devices created on first contact",
			},
			[]string{"source"},
		),
	}

	MustRegister(m.Operations, m.OperationDuration, m.Retries, m.DuplicateRawMsgs, m.PhysicalDevicesNew)
	return m
}

// MapperMetrics tracks the logical mapper.
type MapperMetrics struct {
	Forwarded      prometheus.Counter
	Unmapped       prometheus.Counter
	LogicalCreated prometheus.Counter
}

// NewMapperMetrics creates and registers mapper metrics.
func NewMapperMetrics(namespace string) *MapperMetrics {
	m := &MapperMetrics{
		Forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mapper",
			Name:      "forwarded_total",
			Help:      "Physical envelopes republished as logical envelopes",
		}),
		Unmapped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mapper",
			Name:      "unmapped_total",
			Help:      "Physical envelopes dropped because the device has no current mapping",
		}),
		LogicalCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mapper",
			Name:      "logical_devices_created_total",
			Help:      "Logical devices created for never-mapped physical devices",
		}),
	}

	MustRegister(m.Forwarded, m.Unmapped, m.LogicalCreated)
	return m
}
