package ingest

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"
	"time"

	"procodus.dev/telemetry-broker/internal/store"
	"procodus.dev/telemetry-broker/pkg/envelope"
)

// SourceTTN is the source name of The Things Network uplinks.
const SourceTTN = "ttn"

// TTN source id keys.
const (
	TTNAppID  = "app_id"
	TTNDevID  = "dev_id"
	TTNDevEUI = "dev_eui"
)

type ttnUplink struct {
	EndDeviceIDs *struct {
		DeviceID       string `json:"device_id"`
		DevEUI         string `json:"dev_eui"`
		ApplicationIDs struct {
			ApplicationID string `json:"application_id"`
		} `json:"application_ids"`
	} `json:"end_device_ids"`
	ReceivedAt    *time.Time `json:"received_at"`
	UplinkMessage *struct {
		ReceivedAt     *time.Time             `json:"received_at"`
		DecodedPayload map[string]any         `json:"decoded_payload"`
		Locations      map[string]ttnLocation `json:"locations"`
	} `json:"uplink_message"`
}

type ttnLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// TTNDecoder decodes The Things Network v3 uplink webhooks.
type TTNDecoder struct {
	now func() time.Time
}

// NewTTNDecoder creates a TTNDecoder. now supplies the timestamp of uplinks
// without received_at; nil means time.Now.
func NewTTNDecoder(now func() time.Time) *TTNDecoder {
	if now == nil {
		now = time.Now
	}
	return &TTNDecoder{now: now}
}

// Source implements Decoder.
func (d *TTNDecoder) Source() string { return SourceTTN }

// Decode implements Decoder. Numeric fields of decoded_payload become
// readings; an uplink without a decoded payload still identifies the device.
func (d *TTNDecoder) Decode(raw []byte) ([]Decoded, error) {
	var up ttnUplink
	if err := json.Unmarshal(raw, &up); err != nil {
		return nil, envelope.NewDecodeError("invalid ttn uplink", err)
	}
	ids := up.EndDeviceIDs
	if ids == nil || ids.DeviceID == "" || ids.ApplicationIDs.ApplicationID == "" {
		return nil, envelope.NewDecodeError("ttn uplink has no end_device_ids", nil)
	}

	out := Decoded{
		SourceIDs: map[string]any{
			TTNAppID: ids.ApplicationIDs.ApplicationID,
			TTNDevID: ids.DeviceID,
		},
		Name: ids.DeviceID,
	}
	if ids.DevEUI != "" {
		out.SourceIDs[TTNDevEUI] = strings.ToLower(ids.DevEUI)
	}

	// The gateway's receive time is closest to when the device transmitted.
	switch {
	case up.UplinkMessage != nil && up.UplinkMessage.ReceivedAt != nil:
		out.Timestamp = *up.UplinkMessage.ReceivedAt
	case up.ReceivedAt != nil:
		out.Timestamp = *up.ReceivedAt
	default:
		out.Timestamp = d.now()
	}

	if up.UplinkMessage == nil {
		return []Decoded{out}, nil
	}

	if loc, ok := up.UplinkMessage.Locations["user"]; ok {
		out.Location = &store.Location{Lat: loc.Latitude, Long: loc.Longitude}
	}

	payload := up.UplinkMessage.DecodedPayload
	for _, name := range slices.Sorted(maps.Keys(payload)) {
		if v, ok := payload[name].(float64); ok {
			out.Timeseries = append(out.Timeseries, envelope.Point{Name: name, Value: v})
		}
	}
	return []Decoded{out}, nil
}
