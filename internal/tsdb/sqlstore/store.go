// Package sqlstore keeps telemetry points in a relational table through gorm.
// It is the fallback engine for deployments without InfluxDB and the engine used
// in tests.
package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"telemetry-service/internal/tsdb"
)

type PointRow struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Measurement string         `gorm:"not null;uniqueIndex:idx_point_series_ts,priority:1" json:"measurement"`
	SensorID    string         `gorm:"not null;uniqueIndex:idx_point_series_ts,priority:2" json:"sensor_id"`
	DeviceID    string         `gorm:"not null;uniqueIndex:idx_point_series_ts,priority:3;index:idx_point_device_ts,priority:1" json:"device_id"`
	TS          time.Time      `gorm:"not null;uniqueIndex:idx_point_series_ts,priority:4;index:idx_point_device_ts,priority:2" json:"ts"`
	Fields      datatypes.JSON `gorm:"type:jsonb" json:"fields"`
	IngestedAt  time.Time      `json:"ingested_at"`
}

func (PointRow) TableName() string { return "telemetry_points" }

type Store struct {
	db *gorm.DB
	// closeDB is set when the store owns its connection.
	closeDB bool
}

func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&PointRow{}); err != nil {
		return nil, fmt.Errorf("migrate telemetry_points: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenSQLite opens (or creates) a file-backed store.
func OpenSQLite(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	s, err := New(db)
	if err != nil {
		return nil, err
	}
	s.closeDB = true
	return s, nil
}

// WritePoint upserts on (measurement, sensor, device, time) so that a redelivered
// reading overwrites itself instead of duplicating.
func (s *Store) WritePoint(ctx context.Context, p tsdb.Point) error {
	fields := make(map[string]any)
	for k, v := range p.NonNullFields() {
		fields[k] = v.Interface()
	}
	if len(fields) == 0 {
		return fmt.Errorf("point %s has no fields", p.Measurement)
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	row := &PointRow{
		ID:          uuid.New(),
		Measurement: p.Measurement,
		SensorID:    p.Tags[tsdb.TagSensorID],
		DeviceID:    p.Tags[tsdb.TagDeviceID],
		TS:          p.Time.UTC(),
		Fields:      datatypes.JSON(b),
		IngestedAt:  time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "measurement"}, {Name: "sensor_id"}, {Name: "device_id"}, {Name: "ts"}},
		DoUpdates: clause.AssignmentColumns([]string{"fields", "ingested_at"}),
	}).Create(row).Error
}

func (s *Store) Query(ctx context.Context, q tsdb.Query) ([]tsdb.Row, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.MatchesNothing() {
		return []tsdb.Row{}, nil
	}

	exprs := []clause.Expression{
		clause.Gte{Column: clause.Column{Name: "ts"}, Value: q.Start.UTC()},
		clause.Lt{Column: clause.Column{Name: "ts"}, Value: q.Stop.UTC()},
	}
	if len(q.Measurements) > 0 {
		exprs = append(exprs, clause.IN{Column: clause.Column{Name: "measurement"}, Values: toAny(q.Measurements)})
	}
	if q.DeviceIDs != nil {
		exprs = append(exprs, clause.IN{Column: clause.Column{Name: "device_id"}, Values: toAny(q.DeviceIDs)})
	}
	if q.SensorIDs != nil {
		exprs = append(exprs, clause.IN{Column: clause.Column{Name: "sensor_id"}, Values: toAny(q.SensorIDs)})
	}
	order := clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: "ts"}, Desc: q.LastOnly},
		{Column: clause.Column{Name: "id"}},
	}}

	var points []PointRow
	if err := s.db.WithContext(ctx).Clauses(clause.Where{Exprs: exprs}, order).Find(&points).Error; err != nil {
		return nil, err
	}

	rows := make([]tsdb.Row, 0, len(points)*2)
	seen := map[string]struct{}{}
	for _, p := range points {
		var fields map[string]any
		if err := json.Unmarshal(p.Fields, &fields); err != nil {
			return nil, fmt.Errorf("decode fields of point %s: %w", p.ID, err)
		}
		for name, val := range fields {
			if q.LastOnly {
				key := p.Measurement + "\x00" + p.SensorID + "\x00" + p.DeviceID + "\x00" + name
				if _, ok := seen[key]; ok {
					continue
				}
				seen[key] = struct{}{}
			}
			rows = append(rows, tsdb.Row{
				tsdb.ColTime:        p.TS.UTC(),
				tsdb.ColMeasurement: p.Measurement,
				tsdb.ColField:       name,
				tsdb.ColValue:       val,
				tsdb.TagSensorID:    p.SensorID,
				tsdb.TagDeviceID:    p.DeviceID,
			})
		}
	}
	tsdb.SortRows(rows)
	return rows, nil
}

func (s *Store) Close() error {
	if !s.closeDB {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toAny(v []string) []any {
	out := make([]any, len(v))
	for i, s := range v {
		out[i] = s
	}
	return out
}
