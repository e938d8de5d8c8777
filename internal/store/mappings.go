package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MappingRef selects mappings by exactly one side.
type MappingRef struct {
	PhysicalUID int64
	LogicalUID  int64
}

// ByPhysical selects mappings of a physical device.
func ByPhysical(uid int64) MappingRef { return MappingRef{PhysicalUID: uid} }

// ByLogical selects mappings of a logical device.
func ByLogical(uid int64) MappingRef { return MappingRef{LogicalUID: uid} }

func (r MappingRef) clause() (string, int64, error) {
	switch {
	case r.PhysicalUID != 0 && r.LogicalUID == 0:
		return "physical_uid = ?", r.PhysicalUID, nil
	case r.LogicalUID != 0 && r.PhysicalUID == 0:
		return "logical_uid = ?", r.LogicalUID, nil
	}
	return "", 0, ErrInvalidRef
}

// InsertMapping starts a mapping. StartTime defaults to now. It fails with
// ErrDeviceNotFound when either device is missing, ErrAlreadyMapped or
// ErrLogicalAlreadyMapped when an active mapping exists on either side, and
// ErrUniqueViolation for a duplicate (physical_uid, start_time). Active
// mappings are never ended implicitly.
func (s *Store) InsertMapping(ctx context.Context, m *Mapping) error {
	if m == nil || m.PhysicalUID == 0 || m.LogicalUID == 0 {
		return fmt.Errorf("%w: mapping requires physical and logical uids", ErrDAO)
	}
	if m.StartTime.IsZero() {
		m.StartTime = s.now()
	}
	m.StartTime = m.StartTime.UTC()
	if m.EndTime != nil && !m.EndTime.After(m.StartTime) {
		return ErrInvalidMapping
	}

	return s.run(ctx, "insert_mapping", func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			if err := requireDevice(tx, &PhysicalDevice{}, m.PhysicalUID); err != nil {
				return err
			}
			if err := requireDevice(tx, &LogicalDevice{}, m.LogicalUID); err != nil {
				return err
			}

			if m.EndTime == nil {
				if active, err := currentTx(tx, "physical_uid = ?", m.PhysicalUID); err != nil {
					return err
				} else if active != nil {
					return fmt.Errorf("%w: p_uid %d is mapped to l_uid %d", ErrAlreadyMapped, m.PhysicalUID, active.LogicalUID)
				}
				if active, err := currentTx(tx, "logical_uid = ?", m.LogicalUID); err != nil {
					return err
				} else if active != nil {
					return fmt.Errorf("%w: l_uid %d is mapped from p_uid %d", ErrLogicalAlreadyMapped, m.LogicalUID, active.PhysicalUID)
				}
			}

			return tx.Omit(clause.Associations).Create(m).Error
		})
	})
}

func requireDevice(tx *gorm.DB, model any, uid int64) error {
	var n int64
	if err := tx.Model(model).Where("uid = ?", uid).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		kind := "physical"
		if _, ok := model.(*LogicalDevice); ok {
			kind = "logical"
		}
		return fmt.Errorf("%w: %s device %d", ErrDeviceNotFound, kind, uid)
	}
	return nil
}

// EndMapping stamps end_time = now on the active mapping selected by ref and
// returns it. It returns nil when there is no active mapping.
func (s *Store) EndMapping(ctx context.Context, ref MappingRef) (*Mapping, error) {
	where, uid, err := ref.clause()
	if err != nil {
		return nil, err
	}

	var ended []Mapping
	err = s.run(ctx, "end_mapping", func(db *gorm.DB) error {
		ended = nil
		return db.Model(&ended).
			Clauses(clause.Returning{}).
			Where(where+" AND end_time IS NULL", uid).
			Update("end_time", s.now()).Error
	})
	if err != nil || len(ended) == 0 {
		return nil, err
	}
	return &ended[0], nil
}

// CurrentMapping returns the active mapping selected by ref, or nil.
func (s *Store) CurrentMapping(ctx context.Context, ref MappingRef) (*Mapping, error) {
	where, uid, err := ref.clause()
	if err != nil {
		return nil, err
	}

	var current *Mapping
	err = s.run(ctx, "current_mapping", func(db *gorm.DB) error {
		var err error
		current, err = currentTx(db, where, uid)
		return err
	})
	return current, err
}

func currentTx(db *gorm.DB, where string, uid int64) (*Mapping, error) {
	var rows []Mapping
	err := db.Where(where+" AND end_time IS NULL", uid).
		Order("start_time DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

// LatestMapping returns the most recently started mapping selected by ref,
// ended or not, or nil when the device was never mapped. With onlyCurrent it
// behaves like CurrentMapping.
func (s *Store) LatestMapping(ctx context.Context, ref MappingRef, onlyCurrent bool) (*Mapping, error) {
	if onlyCurrent {
		return s.CurrentMapping(ctx, ref)
	}

	where, uid, err := ref.clause()
	if err != nil {
		return nil, err
	}

	var rows []Mapping
	err = s.run(ctx, "latest_mapping", func(db *gorm.DB) error {
		return db.Where(where, uid).Order("start_time DESC").Limit(1).Find(&rows).Error
	})
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

// AllMappings returns the full mapping history selected by ref, most recent first.
func (s *Store) AllMappings(ctx context.Context, ref MappingRef) ([]Mapping, error) {
	where, uid, err := ref.clause()
	if err != nil {
		return nil, err
	}

	var rows []Mapping
	err = s.run(ctx, "all_mappings", func(db *gorm.DB) error {
		return db.Where(where, uid).Order("start_time DESC").Find(&rows).Error
	})
	return rows, err
}

// AllCurrentMappings returns every active mapping ordered by logical uid.
func (s *Store) AllCurrentMappings(ctx context.Context) ([]Mapping, error) {
	var rows []Mapping
	err := s.run(ctx, "all_current_mappings", func(db *gorm.DB) error {
		return db.Where("end_time IS NULL").Order("logical_uid").Find(&rows).Error
	})
	return rows, err
}

// UnmappedPhysicalDevices returns the physical devices without an active
// mapping, ordered by uid.
func (s *Store) UnmappedPhysicalDevices(ctx context.Context) ([]PhysicalDevice, error) {
	var devices []PhysicalDevice
	err := s.run(ctx, "unmapped_physical_devices", func(db *gorm.DB) error {
		return db.Where("uid NOT IN (SELECT physical_uid FROM physical_logical_map WHERE end_time IS NULL)").
			Order("uid").
			Find(&devices).Error
	})
	return devices, err
}
