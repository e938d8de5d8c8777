package poller_test

import (
	"context"
	"maps"
	"sync"

	"procodus.dev/telemetry-broker/internal/store"
)

type memStore struct {
	mu      sync.Mutex
	raw     []*store.RawMessage
	devices []*store.PhysicalDevice
	nextUID int64
}

func (s *memStore) AddRawMessage(_ context.Context, msg *store.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.raw {
		if r.CorrelationID == msg.CorrelationID {
			return false, nil
		}
	}
	s.raw = append(s.raw, msg)
	return true, nil
}

func (s *memStore) LinkRawMessage(_ context.Context, correlationID string, physicalUID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.raw {
		if r.CorrelationID == correlationID && r.PhysicalUID == nil {
			r.PhysicalUID = &physicalUID
		}
	}
	return nil
}

func (s *memStore) ResolvePhysicalDevice(_ context.Context, req store.ResolveRequest) (*store.PhysicalDevice, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.SourceName == req.Source && d.SourceIDs[sourceKey(req)] == req.SourceIDs[sourceKey(req)] {
			maps.Copy(d.Properties, req.Properties)
			return d, false, nil
		}
	}
	s.nextUID++
	d := &store.PhysicalDevice{
		UID:        s.nextUID,
		SourceName: req.Source,
		Name:       req.Name,
		SourceIDs:  maps.Clone(req.SourceIDs),
		Properties: maps.Clone(req.Properties),
	}
	s.devices = append(s.devices, d)
	return d, true, nil
}

func (s *memStore) ListPhysicalDevices(_ context.Context, source string) ([]store.PhysicalDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.PhysicalDevice
	for _, d := range s.devices {
		if d.SourceName == source {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *memStore) rawCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.raw)
}

// sourceKey returns the single identifying key used by the sources under test.
func sourceKey(req store.ResolveRequest) string {
	for k := range req.SourceIDs {
		return k
	}
	return ""
}
