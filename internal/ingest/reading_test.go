package ingest

import (
	"errors"
	"testing"
	"time"

	"telemetry-service/internal/tsdb"
)

func TestParseReadingValid(t *testing.T) {
	r, err := ParseReading([]byte(`{"sensor_id":"S1","temperature":21.5,"humidity":40,"battery":"low","ok":true,"note":null,"timestamp":"2025-01-01T12:00:00.250Z"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.SensorID != "S1" {
		t.Fatalf("sensor = %q", r.SensorID)
	}
	want := time.Date(2025, 1, 1, 12, 0, 0, 250_000_000, time.UTC)
	if r.Timestamp == nil || !r.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", r.Timestamp, want)
	}
	if _, ok := r.Fields["sensor_id"]; ok {
		t.Fatalf("sensor_id must not be a field")
	}
	if _, ok := r.Fields["timestamp"]; ok {
		t.Fatalf("timestamp must not be a field")
	}
	checks := map[string]tsdb.Value{
		"temperature": tsdb.Number(21.5),
		"humidity":    tsdb.Number(40),
		"battery":     tsdb.String("low"),
		"ok":          tsdb.String("true"),
		"note":        tsdb.Null(),
	}
	for k, want := range checks {
		if got := r.Fields[k]; got != want {
			t.Fatalf("field %s = %#v, want %#v", k, got, want)
		}
	}
}

func TestParseReadingRejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `hello`},
		{"array", `[1,2]`},
		{"missing sensor", `{"temperature":1,"humidity":2}`},
		{"sensor not string", `{"sensor_id":7,"temperature":1,"humidity":2}`},
		{"empty sensor", `{"sensor_id":"","temperature":1,"humidity":2}`},
		{"temperature string", `{"sensor_id":"S1","temperature":"21","humidity":2}`},
		{"missing humidity", `{"sensor_id":"S1","temperature":1}`},
		{"humidity null", `{"sensor_id":"S1","temperature":1,"humidity":null}`},
		{"temperature overflows", `{"sensor_id":"S1","temperature":1e400,"humidity":2}`},
		{"humidity overflows", `{"sensor_id":"S1","temperature":1,"humidity":-1e400}`},
		{"trailing data", `{"sensor_id":"S1","temperature":1,"humidity":2} {}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseReading([]byte(tt.payload)); !errors.Is(err, ErrInvalidReading) {
				t.Fatalf("expected ErrInvalidReading, got %v", err)
			}
		})
	}
}

func TestParseTimestampForms(t *testing.T) {
	sec := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		payload string
		want    *time.Time
	}{
		{"rfc3339", `"2025-01-01T00:00:00Z"`, &sec},
		{"offset", `"2025-01-01T01:00:00+01:00"`, &sec},
		{"epoch seconds", `1735689600`, &sec},
		{"epoch millis", `1735689600000`, &sec},
		{"epoch string", `"1735689600"`, &sec},
		{"garbage", `"yesterday"`, nil},
		{"null", `null`, nil},
		{"negative", `-5`, nil},
		{"no offset", `"2025-01-01T00:00:00"`, &sec},
		{"no offset fraction", `"2025-01-01T00:00:00.000"`, &sec},
		{"compact offset", `"2025-01-01T02:00:00+0200"`, &sec},
		{"space separated", `"2025-01-01 00:00:00"`, &sec},
		{"date only", `"2025-01-01"`, &sec},
		{"epoch too large", `1e25`, nil},
		{"epoch string too large", `"99999999999999999999999"`, nil},
		{"boolean", `true`, nil},
		{"object", `{}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseReading([]byte(`{"sensor_id":"S1","temperature":1,"humidity":2,"timestamp":` + tt.payload + `}`))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			switch {
			case tt.want == nil && r.Timestamp != nil:
				t.Fatalf("expected no timestamp, got %v", r.Timestamp)
			case tt.want != nil && (r.Timestamp == nil || !r.Timestamp.Equal(*tt.want)):
				t.Fatalf("timestamp = %v, want %v", r.Timestamp, tt.want)
			}
		})
	}
}
