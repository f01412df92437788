package ingest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"telemetry-service/internal/tsdb"
)

var ErrInvalidReading = errors.New("invalid reading")

//go:embed reading.schema.json
var readingSchemaJSON string

var readingSchema = jsonschema.MustCompileString("reading.schema.json", readingSchemaJSON)

// Reading is one decoded sensor payload.
type Reading struct {
	SensorID string
	// Timestamp is nil when the payload carries none or it cannot be parsed.
	Timestamp *time.Time
	// Fields holds every payload key except sensor_id and timestamp.
	Fields map[string]tsdb.Value
}

func ParseReading(payload []byte) (Reading, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrInvalidReading, err)
	}
	if dec.More() {
		return Reading{}, fmt.Errorf("%w: trailing data after JSON object", ErrInvalidReading)
	}
	if err := readingSchema.Validate(raw); err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrInvalidReading, err)
	}
	obj := raw.(map[string]any)
	for _, k := range []string{"temperature", "humidity"} {
		if _, err := obj[k].(json.Number).Float64(); err != nil {
			return Reading{}, fmt.Errorf("%w: %s out of range", ErrInvalidReading, k)
		}
	}

	r := Reading{
		SensorID: obj["sensor_id"].(string),
		Fields:   make(map[string]tsdb.Value, len(obj)),
	}
	if ts, ok := parseTimestamp(obj["timestamp"]); ok {
		r.Timestamp = &ts
	}
	for k, v := range obj {
		if k == "sensor_id" || k == "timestamp" {
			continue
		}
		r.Fields[k] = tsdb.ValueOf(v)
	}
	return r, nil
}

// epochMillisThreshold separates epoch seconds from epoch milliseconds; 1e11 seconds
// lies beyond year 5000.
const epochMillisThreshold = 1e11

// maxEpochMillis is the last millisecond of year 9999.
var maxEpochMillis = float64(time.Date(9999, 12, 31, 23, 59, 59, 999e6, time.UTC).UnixMilli())

// timestampLayouts are tried in order. Layouts without an offset are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func parseTimestamp(raw any) (time.Time, bool) {
	switch v := raw.(type) {
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(f)
		}
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return fromEpoch(f)
		}
	case float64:
		return fromEpoch(v)
	}
	return time.Time{}, false
}

func fromEpoch(f float64) (time.Time, bool) {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) || f > maxEpochMillis {
		return time.Time{}, false
	}
	if f >= epochMillisThreshold {
		return time.UnixMilli(int64(f)).UTC(), true
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}
