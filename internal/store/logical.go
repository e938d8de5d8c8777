package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateLogicalDevice inserts dev and sets its uid.
func (s *Store) CreateLogicalDevice(ctx context.Context, dev *LogicalDevice) error {
	if dev == nil || dev.Name == "" {
		return fmt.Errorf("%w: logical device requires a name", ErrDAO)
	}
	return s.run(ctx, "create_logical_device", func(db *gorm.DB) error {
		dev.UID = 0
		return db.Create(dev).Error
	})
}

// GetLogicalDevice loads a logical device by uid.
func (s *Store) GetLogicalDevice(ctx context.Context, uid int64) (*LogicalDevice, error) {
	var dev LogicalDevice
	err := s.run(ctx, "get_logical_device", func(db *gorm.DB) error {
		return db.Where("uid = ?", uid).Take(&dev).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: logical device %d", ErrDeviceNotFound, uid)
	}
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

// ListLogicalDevices returns every logical device ordered by uid.
func (s *Store) ListLogicalDevices(ctx context.Context) ([]LogicalDevice, error) {
	var devices []LogicalDevice
	err := s.run(ctx, "list_logical_devices", func(db *gorm.DB) error {
		return db.Order("uid").Find(&devices).Error
	})
	return devices, err
}

// UpdateLogicalDevice writes the fields of dev that differ from the stored row.
func (s *Store) UpdateLogicalDevice(ctx context.Context, dev *LogicalDevice) error {
	return s.run(ctx, "update_logical_device", func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			var current LogicalDevice
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("uid = ?", dev.UID).Take(&current).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: logical device %d", ErrDeviceNotFound, dev.UID)
			}
			if err != nil {
				return err
			}

			changes := map[string]any{}
			if dev.Name != "" && dev.Name != current.Name {
				changes["name"] = dev.Name
			}
			if dev.Location != nil && !locationEqual(dev.Location, current.Location) {
				changes["location"] = *dev.Location
			}
			if advances(dev.LastSeen, current.LastSeen) {
				changes["last_seen"] = dev.LastSeen.UTC()
			}
			if dev.Properties != nil && !jsonEqual(dev.Properties, current.Properties) {
				changes["properties"] = dev.Properties
			}

			if len(changes) > 0 {
				if err := tx.Model(&LogicalDevice{}).Where("uid = ?", dev.UID).Updates(changes).Error; err != nil {
					return err
				}
			}
			return tx.Where("uid = ?", dev.UID).Take(dev).Error
		})
	})
}

// TouchLogicalDevice advances last_seen to ts if ts is newer.
func (s *Store) TouchLogicalDevice(ctx context.Context, uid int64, ts time.Time) error {
	return s.run(ctx, "touch_logical_device", func(db *gorm.DB) error {
		return db.Model(&LogicalDevice{}).
			Where("uid = ? AND (last_seen IS NULL OR last_seen < ?)", uid, ts.UTC()).
			Update("last_seen", ts.UTC()).Error
	})
}

// DeleteLogicalDevice removes a logical device that has no mapping history.
func (s *Store) DeleteLogicalDevice(ctx context.Context, uid int64) error {
	return s.run(ctx, "delete_logical_device", func(db *gorm.DB) error {
		res := db.Where("uid = ?", uid).Delete(&LogicalDevice{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: logical device %d", ErrDeviceNotFound, uid)
		}
		return nil
	})
}
