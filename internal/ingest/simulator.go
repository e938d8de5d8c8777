package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"math/rand"
	"slices"
	"time"

	"github.com/google/uuid"

	"procodus.dev/telemetry-broker/internal/store"
	"procodus.dev/telemetry-broker/pkg/envelope"
	"procodus.dev/telemetry-broker/pkg/generator"
	"procodus.dev/telemetry-broker/pkg/logger"
	"procodus.dev/telemetry-broker/pkg/metrics"
)

// SourceSimulator is the source name of generated datalogger frames.
const SourceSimulator = "simulator"

// SimulatorSerial is the source id key of simulated dataloggers.
const SimulatorSerial = "serial"

// SimulatorDecoder decodes generator.Frame messages.
type SimulatorDecoder struct {
	now func() time.Time
}

// NewSimulatorDecoder creates a SimulatorDecoder. nil now means time.Now.
func NewSimulatorDecoder(now func() time.Time) *SimulatorDecoder {
	if now == nil {
		now = time.Now
	}
	return &SimulatorDecoder{now: now}
}

// Source implements Decoder.
func (d *SimulatorDecoder) Source() string { return SourceSimulator }

// Decode implements Decoder.
func (d *SimulatorDecoder) Decode(raw []byte) ([]Decoded, error) {
	var f generator.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, envelope.NewDecodeError("invalid datalogger frame", err)
	}
	if f.Serial == "" {
		return nil, envelope.NewDecodeError("datalogger frame has no serial", nil)
	}

	out := Decoded{
		SourceIDs:  map[string]any{SimulatorSerial: f.Serial},
		Name:       f.Name,
		Timestamp:  f.Timestamp,
		Properties: map[string]any{},
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = d.now()
	}
	if f.Firmware != "" {
		out.Properties["firmware"] = f.Firmware
	}
	if f.Latitude != nil && f.Longitude != nil {
		out.Location = &store.Location{Lat: *f.Latitude, Long: *f.Longitude}
	}
	for _, name := range slices.Sorted(maps.Keys(f.Readings)) {
		out.Timeseries = append(out.Timeseries, envelope.Point{Name: name, Value: f.Readings[name]})
	}
	return []Decoded{out}, nil
}

// SimulatorConfig holds the configuration for a Simulator.
type SimulatorConfig struct {
	Logger   *slog.Logger
	Ingestor *Ingestor
	// Devices is the number of simulated dataloggers.
	Devices int
	// Interval is the time between frames.
	Interval time.Duration
	Metrics  *metrics.IngestMetrics
}

// Simulator is a push adapter that feeds generated frames straight into an
// Ingestor, one randomly chosen datalogger per tick.
type Simulator struct {
	logger   *slog.Logger
	ingestor *Ingestor
	decoder  *SimulatorDecoder
	devices  []*generator.Datalogger
	interval time.Duration
	metrics  *metrics.IngestMetrics
}

var (
	errInvalidDeviceCount = errors.New("device count must be greater than 0")
	errInvalidInterval    = errors.New("interval must be greater than 0")
)

// NewSimulator creates a Simulator with cfg.Devices fake dataloggers.
func NewSimulator(cfg *SimulatorConfig) (*Simulator, error) {
	if cfg == nil {
		return nil, errors.New("simulator config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Ingestor == nil {
		return nil, errors.New("ingestor cannot be nil")
	}
	if cfg.Devices <= 0 {
		return nil, errInvalidDeviceCount
	}
	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}

	devices := make([]*generator.Datalogger, 0, cfg.Devices)
	for range cfg.Devices {
		d := generator.NewDatalogger()
		if d == nil {
			return nil, errors.New("failed to generate datalogger")
		}
		devices = append(devices, d)
	}

	return &Simulator{
		logger:   logger.WithComponent(cfg.Logger, "simulator"),
		ingestor: cfg.Ingestor,
		decoder:  NewSimulatorDecoder(nil),
		devices:  devices,
		interval: cfg.Interval,
		metrics:  cfg.Metrics,
	}, nil
}

// Devices returns the simulated dataloggers.
func (s *Simulator) Devices() []*generator.Datalogger {
	return s.devices
}

// Run sends one frame per interval until ctx ends.
func (s *Simulator) Run(ctx context.Context) error {
	if s.metrics != nil {
		s.metrics.ActiveAdapters.Inc()
		defer s.metrics.ActiveAdapters.Dec()
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("simulator started", "devices", len(s.devices), "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("simulator stopped")
			return nil

		case t := <-ticker.C:
			d := s.devices[rand.Intn(len(s.devices))] // #nosec G404 - weak random is acceptable for simulation
			if err := s.Send(ctx, d, t); err != nil {
				// Keep going; the next tick may succeed.
				s.logger.Error("failed to send frame", "serial", d.Serial, "error", err)
			}
		}
	}
}

// Send ingests one frame from d taken at t.
func (s *Simulator) Send(ctx context.Context, d *generator.Datalogger, t time.Time) error {
	body, err := d.Frame(t).Encode()
	if err != nil {
		return err
	}
	_, err = s.ingestor.Ingest(ctx, s.decoder, Inbound{
		CorrelationID: uuid.NewString(),
		Payload:       body,
		ReceivedAt:    t,
	})
	return err
}
