// Package store persists devices, the temporal physical to logical mapping,
// raw inbound messages and delivered timeseries in PostgreSQL.
package store

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"gorm.io/datatypes"
)

// Location is a latitude/longitude pair stored in a postgres point column.
type Location struct {
	Lat  float64 `json:"lat"`
	Long float64 `json:"long"`
}

// Value implements driver.Valuer.
func (l Location) Value() (driver.Value, error) {
	return pgtype.Point{P: pgtype.Vec2{X: l.Lat, Y: l.Long}, Valid: true}.Value()
}

// Scan implements sql.Scanner for the text form of a point.
func (l *Location) Scan(src any) error {
	if b, ok := src.([]byte); ok {
		src = string(b)
	}

	var p pgtype.Point
	if err := p.Scan(src); err != nil {
		return fmt.Errorf("scan location: %w", err)
	}
	if !p.Valid {
		*l = Location{}
		return nil
	}
	l.Lat, l.Long = p.P.X, p.P.Y
	return nil
}

// PhysicalDevice is a real transmitting unit, identified within its source
// by SourceIDs.
type PhysicalDevice struct {
	UID        int64             `gorm:"column:uid;primaryKey;autoIncrement" json:"uid"`
	SourceName string            `gorm:"column:source_name;not null;index" json:"source_name"`
	Name       string            `gorm:"column:name;not null" json:"name"`
	Location   *Location         `gorm:"column:location;type:point" json:"location,omitempty"`
	LastSeen   *time.Time        `gorm:"column:last_seen" json:"last_seen,omitempty"`
	SourceIDs  datatypes.JSONMap `gorm:"column:source_ids;type:jsonb;not null;default:'{}'" json:"source_ids"`
	Properties datatypes.JSONMap `gorm:"column:properties;type:jsonb;not null;default:'{}'" json:"properties"`
}

// TableName specifies the table name for PhysicalDevice.
func (PhysicalDevice) TableName() string {
	return "physical_devices"
}

// LogicalDevice is the stable identity downstream consumers see.
type LogicalDevice struct {
	UID        int64             `gorm:"column:uid;primaryKey;autoIncrement" json:"uid"`
	Name       string            `gorm:"column:name;not null" json:"name"`
	Location   *Location         `gorm:"column:location;type:point" json:"location,omitempty"`
	LastSeen   *time.Time        `gorm:"column:last_seen" json:"last_seen,omitempty"`
	Properties datatypes.JSONMap `gorm:"column:properties;type:jsonb;not null;default:'{}'" json:"properties"`
}

// TableName specifies the table name for LogicalDevice.
func (LogicalDevice) TableName() string {
	return "logical_devices"
}

// Index names the constraint translator keys on.
const (
	idxActivePhysical = "idx_map_active_physical"
	idxActiveLogical  = "idx_map_active_logical"
	chkMapInterval    = "chk_map_interval"
)

// Mapping assigns one physical device to one logical device from StartTime
// until EndTime. A nil EndTime marks the active mapping.
type Mapping struct {
	PhysicalUID int64      `gorm:"column:physical_uid;primaryKey;autoIncrement:false;uniqueIndex:idx_map_active_physical,where:end_time IS NULL" json:"physical_uid"`
	StartTime   time.Time  `gorm:"column:start_time;primaryKey;not null" json:"start_time"`
	LogicalUID  int64      `gorm:"column:logical_uid;not null;index;uniqueIndex:idx_map_active_logical,where:end_time IS NULL" json:"logical_uid"`
	EndTime     *time.Time `gorm:"column:end_time;check:chk_map_interval,end_time IS NULL OR start_time < end_time" json:"end_time,omitempty"`

	Physical *PhysicalDevice `gorm:"foreignKey:PhysicalUID;references:UID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT" json:"-"`
	Logical  *LogicalDevice  `gorm:"foreignKey:LogicalUID;references:UID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT" json:"-"`
}

// TableName specifies the table name for Mapping.
func (Mapping) TableName() string {
	return "physical_logical_map"
}

// Active reports whether the mapping has not been ended.
func (m *Mapping) Active() bool {
	return m.EndTime == nil
}

// RawMessage is an immutable record of exactly what was received. Either
// JSONMsg or TextMsg is set.
type RawMessage struct {
	ID            int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	SourceName    string         `gorm:"column:source_name;not null;index" json:"source_name"`
	PhysicalUID   *int64         `gorm:"column:physical_uid;index" json:"physical_uid,omitempty"`
	CorrelationID string         `gorm:"column:correlation_id;not null;uniqueIndex:idx_raw_messages_correlation_id" json:"correlation_id"`
	Ts            time.Time      `gorm:"column:ts;not null;index" json:"ts"`
	JSONMsg       datatypes.JSON `gorm:"column:json_msg;type:jsonb" json:"json_msg,omitempty"`
	TextMsg       *string        `gorm:"column:text_msg" json:"text_msg,omitempty"`
}

// TableName specifies the table name for RawMessage.
func (RawMessage) TableName() string {
	return "raw_messages"
}

// TimeseriesPoint is one delivered reading for a logical device.
type TimeseriesPoint struct {
	LogicalUID    int64     `gorm:"column:l_uid;primaryKey;autoIncrement:false" json:"l_uid"`
	Name          string    `gorm:"column:name;primaryKey" json:"name"`
	Ts            time.Time `gorm:"column:ts;primaryKey" json:"ts"`
	PhysicalUID   int64     `gorm:"column:p_uid;not null;index" json:"p_uid"`
	Value         float64   `gorm:"column:value;not null" json:"value"`
	CorrelationID string    `gorm:"column:correlation_id;not null;index" json:"correlation_id"`
}

// TableName specifies the table name for TimeseriesPoint.
func (TimeseriesPoint) TableName() string {
	return "timeseries"
}
