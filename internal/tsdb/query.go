package tsdb

import (
	"context"
	"errors"
	"sort"
	"time"
)

// Row is one field observation in the flat shape of an InfluxDB result record:
// _time, _measurement, _field, _value plus the point tags.
type Row map[string]any

const (
	ColTime        = "_time"
	ColMeasurement = "_measurement"
	ColField       = "_field"
	ColValue       = "_value"
)

// Query selects rows in the half-open range [Start, Stop).
type Query struct {
	Measurements []string
	Start        time.Time
	Stop         time.Time
	// DeviceIDs restricts rows to these devices. Nil means every device; an
	// empty non-nil slice matches nothing.
	DeviceIDs []string
	SensorIDs []string
	// LastOnly keeps only the newest row per series.
	LastOnly bool
}

var ErrInvalidRange = errors.New("query stop must be after start")

func (q Query) Validate() error {
	if !q.Stop.After(q.Start) {
		return ErrInvalidRange
	}
	return nil
}

// MatchesNothing reports whether an allow-list filters every row out.
func (q Query) MatchesNothing() bool {
	return (q.DeviceIDs != nil && len(q.DeviceIDs) == 0) || (q.SensorIDs != nil && len(q.SensorIDs) == 0)
}

// Window builds a query over the window ending at now.
func Window(now time.Time, d time.Duration, deviceIDs []string) Query {
	return Query{
		Measurements: DefaultMeasurements,
		Start:        now.Add(-d),
		Stop:         now,
		DeviceIDs:    deviceIDs,
	}
}

// Latest returns the newest observation of every field of the sensor within the window.
func Latest(ctx context.Context, r Reader, sensorID string, window time.Duration, now time.Time) ([]Row, error) {
	q := Window(now, window, nil)
	q.SensorIDs = []string{sensorID}
	q.LastOnly = true
	return r.Query(ctx, q)
}

// History returns every observation of the sensor in [start, stop).
func History(ctx context.Context, r Reader, sensorID string, start, stop time.Time) ([]Row, error) {
	q := Query{Measurements: DefaultMeasurements, Start: start, Stop: stop, SensorIDs: []string{sensorID}}
	return r.Query(ctx, q)
}

// SortRows orders rows by time, then device, then field, so that results are stable
// across backends.
func SortRows(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		ti, _ := rows[i][ColTime].(time.Time)
		tj, _ := rows[j][ColTime].(time.Time)
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		di, _ := rows[i][TagDeviceID].(string)
		dj, _ := rows[j][TagDeviceID].(string)
		if di != dj {
			return di < dj
		}
		fi, _ := rows[i][ColField].(string)
		fj, _ := rows[j][ColField].(string)
		return fi < fj
	})
}
