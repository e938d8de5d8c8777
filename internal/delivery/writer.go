package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"procodus.dev/telemetry-broker/internal/store"
	"procodus.dev/telemetry-broker/pkg/envelope"
	"procodus.dev/telemetry-broker/pkg/logger"
)

// QueueName returns the durable queue a writer binds to
// envelope.LogicalExchange.
func QueueName(writer string) string {
	return writer + "_logical_msg_queue"
}

// DeviceLookup loads the devices named by an envelope.
type DeviceLookup interface {
	GetPhysicalDevice(ctx context.Context, uid int64) (*store.PhysicalDevice, error)
	GetLogicalDevice(ctx context.Context, uid int64) (*store.LogicalDevice, error)
}

// Target is a delivery back end. Errors are classified with Classify.
type Target interface {
	Name() string
	Write(ctx context.Context, msg *envelope.Logical, pd *store.PhysicalDevice, ld *store.LogicalDevice) error
}

// Writer is the Handler for a logical timeseries queue. It validates the
// envelope, loads both devices and hands the message to its Target.
type Writer struct {
	logger  *slog.Logger
	devices DeviceLookup
	target  Target
}

// NewWriter creates a Writer for target.
func NewWriter(l *slog.Logger, devices DeviceLookup, target Target) (*Writer, error) {
	if l == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if devices == nil {
		return nil, errors.New("device lookup cannot be nil")
	}
	if target == nil {
		return nil, errors.New("target cannot be nil")
	}
	return &Writer{
		logger:  logger.WithComponent(l, target.Name()),
		devices: devices,
		target:  target,
	}, nil
}

// Handle implements Handler.
func (w *Writer) Handle(ctx context.Context, msg Message) Verdict {
	env, err := envelope.DecodeLogical(msg.Body)
	if err != nil {
		w.logger.Error("dropping undecodable message", "error", err, "raw", string(msg.Body))
		return Fail
	}

	log := logger.WithCorrelationID(w.logger, env.CorrelationID).With("p_uid", env.PhysicalUID, "l_uid", env.LogicalUID)

	pd, err := w.devices.GetPhysicalDevice(ctx, env.PhysicalUID)
	if err != nil {
		return w.lookupFailed(log, "physical", err)
	}
	ld, err := w.devices.GetLogicalDevice(ctx, env.LogicalUID)
	if err != nil {
		return w.lookupFailed(log, "logical", err)
	}

	if err := w.target.Write(ctx, env, pd, ld); err != nil {
		verdict := Classify(err)
		log.Error("write failed", "error", err, "verdict", verdict.String())
		return verdict
	}

	log.Debug("delivered", "points", len(env.Timeseries))
	return OK
}

func (w *Writer) lookupFailed(log *slog.Logger, kind string, err error) Verdict {
	if errors.Is(err, store.ErrDeviceNotFound) {
		log.Warn(fmt.Sprintf("%s device not found, dropping message", kind))
		return Fail
	}
	verdict := Classify(err)
	log.Error(fmt.Sprintf("failed to load %s device", kind), "error", err, "verdict", verdict.String())
	return verdict
}

// LogTarget logs every message it receives.
type LogTarget struct {
	Logger *slog.Logger
}

// Name implements Target.
func (t *LogTarget) Name() string { return "log" }

// Write implements Target.
func (t *LogTarget) Write(_ context.Context, msg *envelope.Logical, pd *store.PhysicalDevice, ld *store.LogicalDevice) error {
	t.Logger.Info("logical timeseries",
		"correlation_id", msg.CorrelationID,
		"p_uid", pd.UID,
		"p_name", pd.Name,
		"l_uid", ld.UID,
		"l_name", ld.Name,
		"timestamp", msg.Timestamp,
		"timeseries", msg.Timeseries,
	)
	return nil
}
