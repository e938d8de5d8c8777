package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NewRawMessage builds a raw record, storing payload as jsonb when it is
// valid JSON and as text otherwise.
func NewRawMessage(source string, ts time.Time, correlationID string, payload []byte, physicalUID *int64) *RawMessage {
	msg := &RawMessage{
		SourceName:    source,
		PhysicalUID:   physicalUID,
		CorrelationID: correlationID,
		Ts:            ts.UTC(),
	}
	if json.Valid(payload) {
		msg.JSONMsg = datatypes.JSON(append([]byte(nil), payload...))
	} else {
		text := string(payload)
		msg.TextMsg = &text
	}
	return msg
}

// AddRawMessage records msg. A second insert with the same correlation id is
// a no-op: it returns false and no error.
func (s *Store) AddRawMessage(ctx context.Context, msg *RawMessage) (bool, error) {
	if msg == nil || msg.CorrelationID == "" {
		return false, errors.New("raw message requires a correlation id")
	}

	var inserted bool
	err := s.run(ctx, "add_raw_message", func(db *gorm.DB) error {
		res := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "correlation_id"}},
			DoNothing: true,
		}).Create(msg)
		if res.Error != nil {
			return res.Error
		}
		inserted = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, err
	}

	if !inserted {
		s.logger.Info("raw message already recorded",
			"correlation_id", msg.CorrelationID,
			"source", msg.SourceName)
		if s.metrics != nil {
			s.metrics.DuplicateRawMsgs.Inc()
		}
	}
	return inserted, nil
}

// LinkRawMessage records the physical device a raw message resolved to. Only
// the first link sticks; for a message naming several devices that is the
// first device decoded.
func (s *Store) LinkRawMessage(ctx context.Context, correlationID string, physicalUID int64) error {
	return s.run(ctx, "link_raw_message", func(db *gorm.DB) error {
		return db.Model(&RawMessage{}).
			Where("correlation_id = ? AND physical_uid IS NULL", correlationID).
			Update("physical_uid", physicalUID).Error
	})
}

// GetRawMessage returns the record for correlationID, or nil when none exists.
func (s *Store) GetRawMessage(ctx context.Context, correlationID string) (*RawMessage, error) {
	var rows []RawMessage
	err := s.run(ctx, "get_raw_message", func(db *gorm.DB) error {
		return db.Where("correlation_id = ?", correlationID).Limit(1).Find(&rows).Error
	})
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

// CountRawMessages counts raw records for a source.
func (s *Store) CountRawMessages(ctx context.Context, source string) (int64, error) {
	var n int64
	err := s.run(ctx, "count_raw_messages", func(db *gorm.DB) error {
		return db.Model(&RawMessage{}).Where("source_name = ?", source).Count(&n).Error
	})
	return n, err
}
