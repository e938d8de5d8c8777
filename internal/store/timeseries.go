package store

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InsertTimeseries stores points, skipping any (l_uid, name, ts) already
// present, and returns how many rows were new. Redelivered envelopes are
// therefore stored once.
func (s *Store) InsertTimeseries(ctx context.Context, points []TimeseriesPoint) (int64, error) {
	if len(points) == 0 {
		return 0, nil
	}

	var inserted int64
	err := s.run(ctx, "insert_timeseries", func(db *gorm.DB) error {
		res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&points)
		inserted = res.RowsAffected
		return res.Error
	})
	return inserted, err
}

// LogicalTimeseries returns the stored points of a logical device, oldest first.
func (s *Store) LogicalTimeseries(ctx context.Context, logicalUID int64) ([]TimeseriesPoint, error) {
	var points []TimeseriesPoint
	err := s.run(ctx, "logical_timeseries", func(db *gorm.DB) error {
		return db.Where("l_uid = ?", logicalUID).Order("ts, name").Find(&points).Error
	})
	return points, err
}
