package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Property keys the broker itself maintains on devices.
const (
	PropCreationCorrelationID = "creation_correlation_id"
	PropLastMessageHash       = "last_msg_hash"
)

// FindPhysicalDevices returns the devices of source whose source ids contain
// every entry of attrs. Partial keys may match several devices; results are
// ordered by uid.
func (s *Store) FindPhysicalDevices(ctx context.Context, source string, attrs map[string]any) ([]PhysicalDevice, error) {
	filter, err := containmentFilter(attrs)
	if err != nil {
		return nil, err
	}

	var devices []PhysicalDevice
	err = s.run(ctx, "find_physical_devices", func(db *gorm.DB) error {
		return findPhysical(db, source, filter, &devices)
	})
	return devices, err
}

func findPhysical(db *gorm.DB, source, filter string, out *[]PhysicalDevice) error {
	return db.Where("source_name = ? AND source_ids @> ?::jsonb", source, filter).
		Order("uid").
		Find(out).Error
}

func containmentFilter(attrs map[string]any) (string, error) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("%w: invalid source ids: %w", ErrDAO, err)
	}
	return string(b), nil
}

// CreatePhysicalDevice inserts dev and sets its uid.
func (s *Store) CreatePhysicalDevice(ctx context.Context, dev *PhysicalDevice) error {
	if dev == nil || dev.SourceName == "" {
		return fmt.Errorf("%w: physical device requires a source name", ErrDAO)
	}
	err := s.run(ctx, "create_physical_device", func(db *gorm.DB) error {
		dev.UID = 0
		return db.Create(dev).Error
	})
	if err == nil && s.metrics != nil {
		s.metrics.PhysicalDevicesNew.WithLabelValues(dev.SourceName).Inc()
	}
	return err
}

// GetPhysicalDevice loads a device by uid.
func (s *Store) GetPhysicalDevice(ctx context.Context, uid int64) (*PhysicalDevice, error) {
	var dev PhysicalDevice
	err := s.run(ctx, "get_physical_device", func(db *gorm.DB) error {
		return db.Where("uid = ?", uid).Take(&dev).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: physical device %d", ErrDeviceNotFound, uid)
	}
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

// ListPhysicalDevices returns every device, optionally restricted to one source.
func (s *Store) ListPhysicalDevices(ctx context.Context, source string) ([]PhysicalDevice, error) {
	var devices []PhysicalDevice
	err := s.run(ctx, "list_physical_devices", func(db *gorm.DB) error {
		q := db.Order("uid")
		if source != "" {
			q = q.Where("source_name = ?", source)
		}
		return q.Find(&devices).Error
	})
	return devices, err
}

// UpdatePhysicalDevice writes the fields of dev that differ from the stored
// row. LastSeen only ever moves forward; nil maps leave the stored value
// alone. dev is refreshed with the stored state afterwards.
func (s *Store) UpdatePhysicalDevice(ctx context.Context, dev *PhysicalDevice) error {
	return s.run(ctx, "update_physical_device", func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			return updatePhysicalTx(tx, dev)
		})
	})
}

func updatePhysicalTx(tx *gorm.DB, dev *PhysicalDevice) error {
	var current PhysicalDevice
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("uid = ?", dev.UID).Take(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: physical device %d", ErrDeviceNotFound, dev.UID)
	}
	if err != nil {
		return err
	}

	changes := map[string]any{}
	if dev.SourceName != "" && dev.SourceName != current.SourceName {
		changes["source_name"] = dev.SourceName
	}
	if dev.Name != "" && dev.Name != current.Name {
		changes["name"] = dev.Name
	}
	if dev.Location != nil && !locationEqual(dev.Location, current.Location) {
		changes["location"] = *dev.Location
	}
	if advances(dev.LastSeen, current.LastSeen) {
		changes["last_seen"] = dev.LastSeen.UTC()
	}
	if dev.SourceIDs != nil && !jsonEqual(dev.SourceIDs, current.SourceIDs) {
		changes["source_ids"] = dev.SourceIDs
	}
	if dev.Properties != nil && !jsonEqual(dev.Properties, current.Properties) {
		changes["properties"] = dev.Properties
	}

	if len(changes) > 0 {
		if err := tx.Model(&PhysicalDevice{}).Where("uid = ?", dev.UID).Updates(changes).Error; err != nil {
			return err
		}
	}
	return tx.Where("uid = ?", dev.UID).Take(dev).Error
}

// DeletePhysicalDevice removes a device that has no mapping history.
func (s *Store) DeletePhysicalDevice(ctx context.Context, uid int64) error {
	return s.run(ctx, "delete_physical_device", func(db *gorm.DB) error {
		res := db.Where("uid = ?", uid).Delete(&PhysicalDevice{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: physical device %d", ErrDeviceNotFound, uid)
		}
		return nil
	})
}

// ResolveRequest describes one contact from a device.
type ResolveRequest struct {
	Source    string
	SourceIDs map[string]any
	// Name and Location are used on creation; a non-nil Location also
	// replaces the stored one.
	Name     string
	Location *Location
	// LastSeen advances the device's last_seen.
	LastSeen time.Time
	// Properties are merged into the device's properties.
	Properties map[string]any
	// CorrelationID is recorded as the creation correlation id of new devices.
	CorrelationID string
}

// ResolvePhysicalDevice finds the device matching req.SourceIDs or creates
// it, then applies the contact. Concurrent first contact for the same
// identity is serialized with a transaction-scoped advisory lock, so exactly
// one device is created. When several devices match, the lowest uid wins.
func (s *Store) ResolvePhysicalDevice(ctx context.Context, req ResolveRequest) (*PhysicalDevice, bool, error) {
	if req.Source == "" || len(req.SourceIDs) == 0 {
		return nil, false, fmt.Errorf("%w: resolve requires a source name and source ids", ErrDAO)
	}
	filter, err := containmentFilter(req.SourceIDs)
	if err != nil {
		return nil, false, err
	}

	var (
		dev     PhysicalDevice
		created bool
	)
	err = s.run(ctx, "resolve_physical_device", func(db *gorm.DB) error {
		created = false
		return db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtextextended(?, 0))", req.Source+"|"+filter).Error; err != nil {
				return err
			}

			var found []PhysicalDevice
			if err := findPhysical(tx, req.Source, filter, &found); err != nil {
				return err
			}

			if len(found) == 0 {
				dev = newPhysicalDevice(req)
				created = true
				return tx.Create(&dev).Error
			}

			if len(found) > 1 {
				s.logger.Warn("several physical devices match, using the lowest uid",
					"source", req.Source, "source_ids", filter, "matches", len(found))
			}
			dev = found[0]
			applyContact(&dev, req)
			return updatePhysicalTx(tx, &dev)
		})
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		s.logger.Info("created physical device", "p_uid", dev.UID, "source", dev.SourceName, "name", dev.Name)
		if s.metrics != nil {
			s.metrics.PhysicalDevicesNew.WithLabelValues(dev.SourceName).Inc()
		}
	}
	return &dev, created, nil
}

func newPhysicalDevice(req ResolveRequest) PhysicalDevice {
	props := datatypes.JSONMap{}
	maps.Copy(props, req.Properties)
	if req.CorrelationID != "" {
		props[PropCreationCorrelationID] = req.CorrelationID
	}

	name := req.Name
	if name == "" {
		name = fmt.Sprintf("%s device", req.Source)
	}

	dev := PhysicalDevice{
		SourceName: req.Source,
		Name:       name,
		Location:   req.Location,
		SourceIDs:  datatypes.JSONMap(maps.Clone(req.SourceIDs)),
		Properties: props,
	}
	if !req.LastSeen.IsZero() {
		ts := req.LastSeen.UTC()
		dev.LastSeen = &ts
	}
	return dev
}

func applyContact(dev *PhysicalDevice, req ResolveRequest) {
	if !req.LastSeen.IsZero() {
		ts := req.LastSeen.UTC()
		dev.LastSeen = &ts
	}
	if req.Location != nil {
		dev.Location = req.Location
	}
	if len(req.Properties) > 0 {
		props := datatypes.JSONMap{}
		maps.Copy(props, dev.Properties)
		maps.Copy(props, req.Properties)
		dev.Properties = props
	}
}

// advances reports whether next is set and later than current.
func advances(next, current *time.Time) bool {
	if next == nil {
		return false
	}
	return current == nil || next.After(*current)
}
