// Package mapper republishes physical timeseries envelopes as logical
// envelopes, using the physical device's current mapping.
package mapper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/datatypes"

	"procodus.dev/telemetry-broker/internal/delivery"
	"procodus.dev/telemetry-broker/internal/store"
	"procodus.dev/telemetry-broker/pkg/envelope"
	"procodus.dev/telemetry-broker/pkg/logger"
	"procodus.dev/telemetry-broker/pkg/metrics"
	"procodus.dev/telemetry-broker/pkg/mq"
)

// QueueName is the mapper's durable queue on envelope.PhysicalExchange.
const QueueName = "lm_physical_msg_queue"

// Store is the subset of the store used by the mapper.
type Store interface {
	GetPhysicalDevice(ctx context.Context, uid int64) (*store.PhysicalDevice, error)
	CreateLogicalDevice(ctx context.Context, dev *store.LogicalDevice) error
	TouchLogicalDevice(ctx context.Context, uid int64, ts time.Time) error
	CurrentMapping(ctx context.Context, ref store.MappingRef) (*store.Mapping, error)
	LatestMapping(ctx context.Context, ref store.MappingRef, onlyCurrent bool) (*store.Mapping, error)
	InsertMapping(ctx context.Context, m *store.Mapping) error
}

// Config holds the configuration for a Mapper.
type Config struct {
	Logger    *slog.Logger
	Store     Store
	Publisher mq.Publisher
	Metrics   *metrics.MapperMetrics
	// AutoCreateLogical creates a logical device and mapping for physical
	// devices that have never been mapped.
	AutoCreateLogical bool
}

// Mapper is the delivery.Handler for QueueName.
type Mapper struct {
	logger     *slog.Logger
	store      Store
	publisher  mq.Publisher
	metrics    *metrics.MapperMetrics
	autoCreate bool
}

// New creates a Mapper.
func New(cfg *Config) (*Mapper, error) {
	if cfg == nil {
		return nil, errors.New("mapper config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}

	return &Mapper{
		logger:     logger.WithComponent(cfg.Logger, "mapper"),
		store:      cfg.Store,
		publisher:  cfg.Publisher,
		metrics:    cfg.Metrics,
		autoCreate: cfg.AutoCreateLogical,
	}, nil
}

// Handle implements delivery.Handler.
func (m *Mapper) Handle(ctx context.Context, msg delivery.Message) delivery.Verdict {
	env, err := envelope.DecodePhysical(msg.Body)
	if err != nil {
		m.logger.Error("dropping undecodable message", "error", err, "raw", string(msg.Body))
		return delivery.Fail
	}

	log := logger.WithCorrelationID(m.logger, env.CorrelationID).With("p_uid", env.PhysicalUID)

	mapping, err := m.store.CurrentMapping(ctx, store.ByPhysical(env.PhysicalUID))
	if err != nil {
		return m.failed(log, "failed to load current mapping", err)
	}

	if mapping == nil && m.autoCreate {
		mapping, err = m.createLogical(ctx, log, env)
		if err != nil {
			if errors.Is(err, store.ErrDeviceNotFound) {
				log.Warn("physical device not found, dropping message")
				return delivery.Fail
			}
			return m.failed(log, "failed to create logical device", err)
		}
	}

	if mapping == nil {
		log.Info("physical device is not mapped, dropping message")
		if m.metrics != nil {
			m.metrics.Unmapped.Inc()
		}
		return delivery.OK
	}

	log = log.With("l_uid", mapping.LogicalUID)

	if err := m.store.TouchLogicalDevice(ctx, mapping.LogicalUID, env.Timestamp); err != nil {
		if errors.Is(err, store.ErrDeviceNotFound) {
			log.Warn("logical device not found, dropping message")
			return delivery.Fail
		}
		return m.failed(log, "failed to update logical device", err)
	}

	body, err := env.ToLogical(mapping.LogicalUID).Encode()
	if err != nil {
		return m.failed(log, "failed to encode logical envelope", err)
	}
	if err := m.publisher.Push(ctx, body); err != nil {
		return m.failed(log, "failed to publish logical envelope", err)
	}

	log.Debug("forwarded", "points", len(env.Timeseries))
	if m.metrics != nil {
		m.metrics.Forwarded.Inc()
	}
	return delivery.OK
}

// createLogical maps a never-mapped physical device to a new logical device.
// It returns nil when the device was mapped before and is now unmapped.
func (m *Mapper) createLogical(ctx context.Context, log *slog.Logger, env *envelope.Physical) (*store.Mapping, error) {
	latest, err := m.store.LatestMapping(ctx, store.ByPhysical(env.PhysicalUID), false)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		return nil, nil
	}

	pd, err := m.store.GetPhysicalDevice(ctx, env.PhysicalUID)
	if err != nil {
		return nil, err
	}

	ld := &store.LogicalDevice{
		Name:     pd.Name,
		Location: pd.Location,
		Properties: datatypes.JSONMap{
			store.PropCreationCorrelationID: env.CorrelationID,
		},
	}
	if err := m.store.CreateLogicalDevice(ctx, ld); err != nil {
		return nil, err
	}

	mapping := &store.Mapping{PhysicalUID: pd.UID, LogicalUID: ld.UID}
	if err := m.store.InsertMapping(ctx, mapping); err != nil {
		// Another mapper won the race; the message is retried against its mapping.
		log.Warn("mapping the new logical device failed", "l_uid", ld.UID, "error", err)
		return nil, fmt.Errorf("map new logical device %d: %w", ld.UID, err)
	}

	log.Info("created logical device", "l_uid", ld.UID, "name", ld.Name)
	if m.metrics != nil {
		m.metrics.LogicalCreated.Inc()
	}
	return mapping, nil
}

func (m *Mapper) failed(log *slog.Logger, msg string, err error) delivery.Verdict {
	verdict := delivery.Classify(err)
	if errors.Is(err, store.ErrUniqueViolation) {
		verdict = delivery.Retry
	}
	log.Error(msg, "error", err, "verdict", verdict.String())
	return verdict
}
