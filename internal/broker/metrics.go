package broker

import (
	"sync"

	"procodus.dev/telemetry-broker/pkg/metrics"
)

// Metrics bundles every metric group a broker process may use.
type Metrics struct {
	MQ     *metrics.MQMetrics
	Worker *metrics.WorkerMetrics
	Store  *metrics.StoreMetrics
	Mapper *metrics.MapperMetrics
	Ingest *metrics.IngestMetrics
	HTTP   *metrics.HTTPMetrics
}

var (
	metricsOnce sync.Once
	shared      *Metrics
)

// DefaultMetrics returns the process-wide metric groups, registering them on
// first use.
func DefaultMetrics() *Metrics {
	metricsOnce.Do(func() {
		shared = &Metrics{
			MQ:     metrics.NewMQMetrics(metrics.Namespace),
			Worker: metrics.NewWorkerMetrics(metrics.Namespace),
			Store:  metrics.NewStoreMetrics(metrics.Namespace),
			Mapper: metrics.NewMapperMetrics(metrics.Namespace),
			Ingest: metrics.NewIngestMetrics(metrics.Namespace),
			HTTP:   metrics.NewHTTPMetrics(metrics.Namespace),
		}
	})
	return shared
}
