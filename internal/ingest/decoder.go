// Package ingest implements the adapter contract shared by every ingestion
// source: record the raw message, resolve the physical device, publish a
// physical timeseries envelope. Sources differ only in their Decoder.
package ingest

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"procodus.dev/telemetry-broker/internal/store"
	"procodus.dev/telemetry-broker/pkg/envelope"
)

// Decoded is one device's reading-set extracted from an inbound message.
type Decoded struct {
	// SourceIDs identifies the device within its source. It is matched by
	// containment, so it should hold the most specific ids available.
	SourceIDs map[string]any
	// Name and Location describe a newly created device.
	Name     string
	Location *store.Location
	// Timestamp is when the readings were taken; zero means "now".
	Timestamp time.Time
	// Timeseries may be empty, in which case nothing is published.
	Timeseries []envelope.Point
	// Properties are merged into the device's properties.
	Properties map[string]any
}

// Decoder turns a raw payload into reading-sets. Decode must not perform
// I/O. Malformed payloads are reported with envelope.DecodeError.
type Decoder interface {
	Source() string
	Decode(raw []byte) ([]Decoded, error)
}

// Registry holds the decoders known to a process, keyed by source name.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
}

// NewRegistry creates a registry holding decoders.
func NewRegistry(decoders ...Decoder) (*Registry, error) {
	r := &Registry{decoders: make(map[string]Decoder)}
	for _, d := range decoders {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Builtin returns a registry with every decoder in this package.
func Builtin() *Registry {
	r, _ := NewRegistry(NewTTNDecoder(nil), NewSimulatorDecoder(nil))
	return r
}

// Register adds d. Source names must be unique.
func (r *Registry) Register(d Decoder) error {
	if d == nil || d.Source() == "" {
		return fmt.Errorf("decoder must have a source name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.decoders[d.Source()]; ok {
		return fmt.Errorf("decoder for source %q already registered", d.Source())
	}
	r.decoders[d.Source()] = d
	return nil
}

// Lookup returns the decoder for source.
func (r *Registry) Lookup(source string) (Decoder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.decoders[source]
	if !ok {
		return nil, fmt.Errorf("no decoder for source %q (known: %v)", source, slices.Sorted(maps.Keys(r.decoders)))
	}
	return d, nil
}

// Sources lists the registered source names in order.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.decoders))
}
