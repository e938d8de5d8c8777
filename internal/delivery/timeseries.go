package delivery

import (
	"context"
	"errors"
	"fmt"

	"procodus.dev/telemetry-broker/internal/store"
	"procodus.dev/telemetry-broker/pkg/envelope"
)

// PropCalibration is the logical device property holding per-reading
// linear calibrations: {"<name>": {"gain": g, "offset": o}}.
const PropCalibration = "calibration"

// Transformer rewrites readings for one logical device before storage.
type Transformer interface {
	Transform(ctx context.Context, ld *store.LogicalDevice, points []envelope.Point) ([]envelope.Point, error)
}

// IdentityTransformer leaves readings unchanged.
type IdentityTransformer struct{}

// Transform implements Transformer.
func (IdentityTransformer) Transform(_ context.Context, _ *store.LogicalDevice, points []envelope.Point) ([]envelope.Point, error) {
	return points, nil
}

// CalibrationTransformer applies value*gain+offset using the calibration
// stored on the logical device. Readings without a calibration pass through.
type CalibrationTransformer struct{}

// Transform implements Transformer.
func (CalibrationTransformer) Transform(_ context.Context, ld *store.LogicalDevice, points []envelope.Point) ([]envelope.Point, error) {
	raw, ok := ld.Properties[PropCalibration]
	if !ok {
		return points, nil
	}
	cals, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("logical device %d: calibration must be an object", ld.UID)
	}

	out := make([]envelope.Point, len(points))
	for i, p := range points {
		out[i] = p
		c, ok := cals[p.Name].(map[string]any)
		if !ok {
			continue
		}
		gain, offset := 1.0, 0.0
		if g, ok := c["gain"].(float64); ok {
			gain = g
		}
		if o, ok := c["offset"].(float64); ok {
			offset = o
		}
		out[i].Value = p.Value*gain + offset
	}
	return out, nil
}

// TimeseriesStore persists points.
type TimeseriesStore interface {
	InsertTimeseries(ctx context.Context, points []store.TimeseriesPoint) (int64, error)
}

// TimeseriesTarget stores readings in the timeseries table. Points already
// stored for the same logical device, name and timestamp are skipped, so a
// redelivered message is harmless.
type TimeseriesTarget struct {
	store       TimeseriesStore
	transformer Transformer
}

// NewTimeseriesTarget creates a TimeseriesTarget. A nil transformer means
// IdentityTransformer.
func NewTimeseriesTarget(s TimeseriesStore, t Transformer) (*TimeseriesTarget, error) {
	if s == nil {
		return nil, errors.New("timeseries store cannot be nil")
	}
	if t == nil {
		t = IdentityTransformer{}
	}
	return &TimeseriesTarget{store: s, transformer: t}, nil
}

// Name implements Target.
func (t *TimeseriesTarget) Name() string { return "timeseries" }

// Write implements Target.
func (t *TimeseriesTarget) Write(ctx context.Context, msg *envelope.Logical, pd *store.PhysicalDevice, ld *store.LogicalDevice) error {
	points, err := t.transformer.Transform(ctx, ld, msg.Timeseries)
	if err != nil {
		return fmt.Errorf("transform: %w", err)
	}

	rows := make([]store.TimeseriesPoint, 0, len(points))
	for _, p := range points {
		ts := msg.Timestamp
		if p.Timestamp != nil {
			ts = *p.Timestamp
		}
		rows = append(rows, store.TimeseriesPoint{
			LogicalUID:    ld.UID,
			PhysicalUID:   pd.UID,
			Name:          p.Name,
			Ts:            ts.UTC(),
			Value:         p.Value,
			CorrelationID: msg.CorrelationID,
		})
	}

	_, err = t.store.InsertTimeseries(ctx, rows)
	return err
}
