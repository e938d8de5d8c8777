package mapper_test

import (
	"context"
	"fmt"
	"time"

	"procodus.dev/telemetry-broker/internal/store"
)

// memStore keeps devices and mappings in memory with the same active
// mapping rules as the database.
type memStore struct {
	physical map[int64]*store.PhysicalDevice
	logical  map[int64]*store.LogicalDevice
	mappings []store.Mapping
	nextUID  int64

	currentErr error
	insertErr  error
	touched    map[int64]time.Time
}

func newMemStore() *memStore {
	return &memStore{
		physical: map[int64]*store.PhysicalDevice{},
		logical:  map[int64]*store.LogicalDevice{},
		touched:  map[int64]time.Time{},
		nextUID:  100,
	}
}

func (s *memStore) GetPhysicalDevice(_ context.Context, uid int64) (*store.PhysicalDevice, error) {
	if d, ok := s.physical[uid]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("%w: physical device %d", store.ErrDeviceNotFound, uid)
}

func (s *memStore) CreateLogicalDevice(_ context.Context, dev *store.LogicalDevice) error {
	s.nextUID++
	dev.UID = s.nextUID
	s.logical[dev.UID] = dev
	return nil
}

func (s *memStore) TouchLogicalDevice(_ context.Context, uid int64, ts time.Time) error {
	if _, ok := s.logical[uid]; !ok {
		return fmt.Errorf("%w: logical device %d", store.ErrDeviceNotFound, uid)
	}
	if prev, ok := s.touched[uid]; !ok || ts.After(prev) {
		s.touched[uid] = ts
	}
	return nil
}

func (s *memStore) CurrentMapping(_ context.Context, ref store.MappingRef) (*store.Mapping, error) {
	if s.currentErr != nil {
		return nil, s.currentErr
	}
	for i := range s.mappings {
		m := s.mappings[i]
		if m.PhysicalUID == ref.PhysicalUID && m.Active() {
			return &m, nil
		}
	}
	return nil, nil
}

func (s *memStore) LatestMapping(_ context.Context, ref store.MappingRef, onlyCurrent bool) (*store.Mapping, error) {
	var latest *store.Mapping
	for i := range s.mappings {
		m := s.mappings[i]
		if m.PhysicalUID != ref.PhysicalUID || (onlyCurrent && !m.Active()) {
			continue
		}
		if latest == nil || m.StartTime.After(latest.StartTime) {
			latest = &m
		}
	}
	return latest, nil
}

func (s *memStore) InsertMapping(_ context.Context, m *store.Mapping) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	for _, existing := range s.mappings {
		if existing.PhysicalUID == m.PhysicalUID && existing.Active() {
			return store.ErrAlreadyMapped
		}
	}
	if m.StartTime.IsZero() {
		m.StartTime = time.Now().UTC()
	}
	s.mappings = append(s.mappings, *m)
	return nil
}

func (s *memStore) endMapping(puid int64) {
	now := time.Now().UTC()
	for i := range s.mappings {
		if s.mappings[i].PhysicalUID == puid && s.mappings[i].Active() {
			s.mappings[i].EndTime = &now
		}
	}
}
