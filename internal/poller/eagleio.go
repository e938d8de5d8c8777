package poller

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"procodus.dev/telemetry-broker/internal/ingest"
	"procodus.dev/telemetry-broker/internal/store"
	"procodus.dev/telemetry-broker/pkg/envelope"
)

// SourceEagleIO is the source name of Eagle.io sensor groups.
const SourceEagleIO = "ict_eagleio"

// EagleIOSensorGroup is the source id key of an Eagle.io sensor group.
const EagleIOSensorGroup = "sensor_group_id"

// DefaultEagleIOURL is the Eagle.io API base URL.
const DefaultEagleIOURL = "https://api.eagle.io/api/v1/"

const eagleNumberPoint = "io.eagle.models.node.point.NumberPoint"

// eagleGroup is the normalized payload of one sensor group. Nodes keep every
// field the API returned so any change produces a different hash.
type eagleGroup struct {
	Group string           `json:"sensor_group"`
	Nodes []map[string]any `json:"nodes"`
}

// EagleIO polls the Eagle.io nodes endpoint. Number points are grouped by the
// first word of their name; each group is one physical device.
type EagleIO struct {
	baseURL string
	client  *HTTPClient
}

// NewEagleIO creates an Eagle.io source. An empty baseURL means
// DefaultEagleIOURL.
func NewEagleIO(baseURL, apiKey string, client *HTTPClient) (*EagleIO, error) {
	if apiKey == "" {
		return nil, errors.New("eagle.io api key cannot be empty")
	}
	if baseURL == "" {
		baseURL = DefaultEagleIOURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	if client == nil {
		client = NewHTTPClient(10*time.Second, 1, 1, nil)
	}
	client.headers.Set("X-Api-Key", apiKey)
	return &EagleIO{baseURL: baseURL, client: client}, nil
}

// Source implements ingest.Decoder.
func (e *EagleIO) Source() string { return SourceEagleIO }

// EntityKey implements Source.
func (e *EagleIO) EntityKey(pd *store.PhysicalDevice) (string, bool) {
	key, ok := pd.SourceIDs[EagleIOSensorGroup].(string)
	return key, ok && key != ""
}

// Fetch implements Source.
func (e *EagleIO) Fetch(ctx context.Context) ([]Entity, error) {
	var nodes []map[string]any
	if err := e.client.GetJSON(ctx, e.baseURL+"nodes", &nodes); err != nil {
		return nil, err
	}

	var order []string
	groups := make(map[string][]map[string]any)
	for _, node := range nodes {
		if class, _ := node["_class"].(string); class != eagleNumberPoint {
			continue
		}
		name, _ := node["name"].(string)
		group, _, _ := strings.Cut(name, " ")
		if group == "" {
			continue
		}
		if _, ok := groups[group]; !ok {
			order = append(order, group)
		}
		groups[group] = append(groups[group], node)
	}

	entities := make([]Entity, 0, len(order))
	for _, group := range order {
		payload, err := json.Marshal(eagleGroup{Group: group, Nodes: groups[group]})
		if err != nil {
			return nil, err
		}
		entities = append(entities, Entity{Key: group, Payload: payload})
	}
	return entities, nil
}

// Decode implements ingest.Decoder. The newest reading time is the envelope
// timestamp; a reading carries its own timestamp only when it is older, which
// happens when one sensor stalls while its siblings keep reporting.
func (e *EagleIO) Decode(raw []byte) ([]ingest.Decoded, error) {
	var g eagleGroup
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, envelope.NewDecodeError("invalid eagle.io sensor group", err)
	}
	if g.Group == "" {
		return nil, envelope.NewDecodeError("eagle.io sensor group has no name", nil)
	}

	type reading struct {
		name  string
		value float64
		ts    time.Time
	}
	readings := make([]reading, 0, len(g.Nodes))
	var latest time.Time
	for _, node := range g.Nodes {
		name, _ := node["name"].(string)
		value, ok := node["currentValue"].(float64)
		if !ok {
			continue
		}
		tsText, _ := node["currentTime"].(string)
		ts, err := time.Parse(time.RFC3339Nano, tsText)
		if err != nil {
			return nil, envelope.NewDecodeError("invalid eagle.io currentTime", err)
		}
		if ts.After(latest) {
			latest = ts
		}
		readings = append(readings, reading{
			name:  strings.TrimPrefix(name, g.Group+" "),
			value: value,
			ts:    ts.UTC(),
		})
	}

	out := ingest.Decoded{
		SourceIDs: map[string]any{EagleIOSensorGroup: g.Group},
		Name:      g.Group,
		Timestamp: latest.UTC(),
	}
	for _, r := range readings {
		p := envelope.Point{Name: r.name, Value: r.value}
		if !r.ts.Equal(latest) {
			ts := r.ts
			p.Timestamp = &ts
		}
		out.Timeseries = append(out.Timeseries, p)
	}
	return []ingest.Decoded{out}, nil
}

var _ Source = (*EagleIO)(nil)

