package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"procodus.dev/telemetry-broker/internal/store"
	"procodus.dev/telemetry-broker/pkg/envelope"
	"procodus.dev/telemetry-broker/pkg/logger"
	"procodus.dev/telemetry-broker/pkg/metrics"
	"procodus.dev/telemetry-broker/pkg/mq"
)

// Store is the subset of the store used while ingesting.
type Store interface {
	AddRawMessage(ctx context.Context, msg *store.RawMessage) (bool, error)
	LinkRawMessage(ctx context.Context, correlationID string, physicalUID int64) error
	ResolvePhysicalDevice(ctx context.Context, req store.ResolveRequest) (*store.PhysicalDevice, bool, error)
}

// Config holds the configuration for an Ingestor.
type Config struct {
	Logger *slog.Logger
	Store  Store
	// Publisher is bound to envelope.PhysicalExchange.
	Publisher mq.Publisher
	Metrics   *metrics.IngestMetrics
	Now       func() time.Time
}

// Inbound is one message received from a source.
type Inbound struct {
	CorrelationID string
	Payload       []byte
	// ReceivedAt is stored with the raw message; zero means now.
	ReceivedAt time.Time
	// Properties are merged into every device resolved from the message.
	Properties map[string]any
}

// Ingestor runs the fixed adapter sequence for any Decoder.
type Ingestor struct {
	logger    *slog.Logger
	store     Store
	publisher mq.Publisher
	metrics   *metrics.IngestMetrics
	now       func() time.Time
}

// NewIngestor creates an Ingestor.
func NewIngestor(cfg *Config) (*Ingestor, error) {
	if cfg == nil {
		return nil, errors.New("ingest config cannot be nil")
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

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Ingestor{
		logger:    logger.WithComponent(cfg.Logger, "ingest"),
		store:     cfg.Store,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		now:       now,
	}, nil
}

// Ingest records msg, decodes it, resolves each device and publishes one
// physical envelope per non-empty reading-set. All envelopes carry the
// message's correlation id. It returns the resolved devices in decode order.
//
// Every step is safe to repeat for a redelivered message: the raw record is
// idempotent and resolution finds the device created the first time.
func (in *Ingestor) Ingest(ctx context.Context, dec Decoder, msg Inbound) ([]*store.PhysicalDevice, error) {
	if msg.CorrelationID == "" {
		return nil, envelope.NewDecodeError("message has no correlation id", nil)
	}

	source := dec.Source()
	log := logger.WithCorrelationID(in.logger, msg.CorrelationID).With(logger.KeySource, source)
	if in.metrics != nil {
		in.metrics.MessagesReceived.WithLabelValues(source).Inc()
	}

	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = in.now()
	}
	if _, err := in.store.AddRawMessage(ctx, store.NewRawMessage(source, receivedAt, msg.CorrelationID, msg.Payload, nil)); err != nil {
		return nil, fmt.Errorf("record raw message: %w", err)
	}

	decoded, err := dec.Decode(msg.Payload)
	if err != nil {
		if in.metrics != nil {
			in.metrics.DecodeFailures.WithLabelValues(source).Inc()
		}
		log.Error("failed to decode message", "error", err, "raw", string(msg.Payload))
		if !envelope.IsDecodeError(err) {
			err = envelope.NewDecodeError(source, err)
		}
		return nil, err
	}

	devices := make([]*store.PhysicalDevice, 0, len(decoded))
	for _, d := range decoded {
		ts := d.Timestamp
		if ts.IsZero() {
			ts = in.now()
		}

		props := maps.Clone(d.Properties)
		if len(msg.Properties) > 0 {
			if props == nil {
				props = map[string]any{}
			}
			maps.Copy(props, msg.Properties)
		}

		pd, created, err := in.store.ResolvePhysicalDevice(ctx, store.ResolveRequest{
			Source:        source,
			SourceIDs:     d.SourceIDs,
			Name:          d.Name,
			Location:      d.Location,
			LastSeen:      ts,
			Properties:    props,
			CorrelationID: msg.CorrelationID,
		})
		if err != nil {
			return devices, fmt.Errorf("resolve physical device %v: %w", d.SourceIDs, err)
		}
		if len(devices) == 0 {
			if err := in.store.LinkRawMessage(ctx, msg.CorrelationID, pd.UID); err != nil {
				return devices, fmt.Errorf("link raw message to p_uid %d: %w", pd.UID, err)
			}
		}
		devices = append(devices, pd)
		if created {
			log.Info("new physical device", "p_uid", pd.UID, "name", pd.Name)
		}

		if len(d.Timeseries) == 0 {
			log.Debug("no readings to publish", "p_uid", pd.UID)
			continue
		}

		env := &envelope.Physical{
			CorrelationID: msg.CorrelationID,
			PhysicalUID:   pd.UID,
			Timestamp:     ts.UTC(),
			Timeseries:    d.Timeseries,
		}
		body, err := env.Encode()
		if err != nil {
			return devices, fmt.Errorf("encode physical envelope: %w", err)
		}
		if err := in.publisher.Push(ctx, body); err != nil {
			return devices, fmt.Errorf("publish physical envelope for p_uid %d: %w", pd.UID, err)
		}
		if in.metrics != nil {
			in.metrics.EnvelopesPublished.WithLabelValues(source).Inc()
		}
		log.Debug("published", "p_uid", pd.UID, "points", len(d.Timeseries))
	}

	return devices, nil
}
