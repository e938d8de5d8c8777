package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"procodus.dev/telemetry-broker/internal/ingest"
	"procodus.dev/telemetry-broker/internal/store"
	"procodus.dev/telemetry-broker/pkg/envelope"
	"procodus.dev/telemetry-broker/pkg/logger"
	"procodus.dev/telemetry-broker/pkg/metrics"
)

// DefaultInterval is the time between poll cycles.
const DefaultInterval = 5 * time.Minute

// Entity is one polled unit: a normalized JSON payload describing a single
// device, and the key it is deduplicated by.
type Entity struct {
	Key     string
	Payload []byte
}

// Source is a pull-based adapter. Fetch performs the I/O; the embedded
// Decoder turns each entity payload into readings.
type Source interface {
	ingest.Decoder
	Fetch(ctx context.Context) ([]Entity, error)
	// EntityKey returns the entity key of a device created by this source.
	EntityKey(pd *store.PhysicalDevice) (string, bool)
}

// DeviceLister loads the devices of a source.
type DeviceLister interface {
	ListPhysicalDevices(ctx context.Context, source string) ([]store.PhysicalDevice, error)
}

// Config holds the configuration for a Poller.
type Config struct {
	Logger   *slog.Logger
	Source   Source
	Ingestor *ingest.Ingestor
	Devices  DeviceLister
	Interval time.Duration
	Metrics  *metrics.IngestMetrics
}

// Poller runs poll cycles for one Source.
type Poller struct {
	logger   *slog.Logger
	source   Source
	ingestor *ingest.Ingestor
	devices  DeviceLister
	interval time.Duration
	metrics  *metrics.IngestMetrics
	cache    *DedupCache
}

// New creates a Poller.
func New(cfg *Config) (*Poller, error) {
	if cfg == nil {
		return nil, errors.New("poller config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Source == nil {
		return nil, errors.New("source cannot be nil")
	}
	if cfg.Ingestor == nil {
		return nil, errors.New("ingestor cannot be nil")
	}
	if cfg.Devices == nil {
		return nil, errors.New("device lister cannot be nil")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		logger:   logger.WithComponent(cfg.Logger, "poller").With(logger.KeySource, cfg.Source.Source()),
		source:   cfg.Source,
		ingestor: cfg.Ingestor,
		devices:  cfg.Devices,
		interval: interval,
		metrics:  cfg.Metrics,
		cache:    NewDedupCache(),
	}, nil
}

// Cache returns the poller's dedup cache.
func (p *Poller) Cache() *DedupCache {
	return p.cache
}

// Init loads the last processed hashes from the source's devices.
func (p *Poller) Init(ctx context.Context) error {
	devs, err := p.devices.ListPhysicalDevices(ctx, p.source.Source())
	if err != nil {
		return fmt.Errorf("load %s devices: %w", p.source.Source(), err)
	}
	n := p.cache.Load(devs, p.source.EntityKey)
	p.logger.Info("loaded message hashes", "devices", len(devs), "hashes", n)
	return nil
}

// Poll runs one cycle and returns how many entities were ingested. Entities
// whose payload hash matches the last processed hash are skipped. A failed
// entity is logged and retried on the next cycle unless its payload could
// not be decoded, in which case it is skipped until it changes.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	source := p.source.Source()

	entities, err := p.source.Fetch(ctx)
	if err != nil {
		p.cycle("error")
		return 0, fmt.Errorf("fetch %s: %w", source, err)
	}

	ingested, failed := 0, 0
	for _, e := range entities {
		hash := Hash(e.Payload)
		if !p.cache.Changed(e.Key, hash) {
			p.logger.Debug("entity unchanged since the last poll", "entity", e.Key)
			if p.metrics != nil {
				p.metrics.PollUnchanged.WithLabelValues(source).Inc()
			}
			continue
		}

		_, err := p.ingestor.Ingest(ctx, p.source, ingest.Inbound{
			CorrelationID: uuid.NewString(),
			Payload:       e.Payload,
			Properties:    map[string]any{store.PropLastMessageHash: hash},
		})
		if err != nil {
			failed++
			p.logger.Error("failed to ingest entity", "entity", e.Key, "error", err)
			// An undecodable payload fails the same way every cycle.
			if envelope.IsDecodeError(err) {
				p.cache.Set(e.Key, hash)
			}
			continue
		}
		p.cache.Set(e.Key, hash)
		ingested++
	}

	status := "ok"
	if failed > 0 {
		status = "partial"
	}
	p.cycle(status)
	p.logger.Info("poll cycle finished", "entities", len(entities), "ingested", ingested, "failed", failed)
	return ingested, nil
}

func (p *Poller) cycle(status string) {
	if p.metrics != nil {
		p.metrics.PollCycles.WithLabelValues(p.source.Source(), status).Inc()
	}
}

// Run initialises the cache, polls immediately and then once per interval
// until ctx ends.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.Init(ctx); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.ActiveAdapters.Inc()
		defer p.metrics.ActiveAdapters.Dec()
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("poller started", "interval", p.interval)
	for {
		if _, err := p.Poll(ctx); err != nil {
			p.logger.Error("poll failed", "error", err)
		}

		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return nil
		case <-ticker.C:
		}
	}
}
