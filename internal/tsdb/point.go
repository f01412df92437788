// Package tsdb defines the time-series contract shared by the ingest bridge and
// the distribution gateway, independent of the engine behind it.
package tsdb

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const (
	// MeasurementSensorData is written by the ingest bridge.
	MeasurementSensorData = "sensor_data"
	// MeasurementDeviceData is read for compatibility with older writers.
	MeasurementDeviceData = "device_data"

	TagSensorID = "sensorId"
	TagDeviceID = "device_id"
)

// DefaultMeasurements is the read filter used by viewers.
var DefaultMeasurements = []string{MeasurementDeviceData, MeasurementSensorData}

type Kind int

const (
	KindNull Kind = iota
	KindNumber
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	default:
		return "null"
	}
}

// Value is a single field value. The zero Value is null and is never written.
type Value struct {
	kind Kind
	num  float64
	str  string
}

func Number(v float64) Value { return Value{kind: KindNumber, num: v} }
func String(v string) Value  { return Value{kind: KindString, str: v} }
func Null() Value            { return Value{} }

func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsNull() bool   { return v.kind == KindNull }
func (v Value) Float() float64 { return v.num }
func (v Value) Str() string    { return v.str }

// Interface returns the value as float64, string or nil.
func (v Value) Interface() any {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindString:
		return v.str
	default:
		return nil
	}
}

// ValueOf coerces a decoded JSON value: numbers stay numeric, null stays null and
// everything else becomes its string form.
func ValueOf(raw any) Value {
	switch x := raw.(type) {
	case nil:
		return Null()
	case float64:
		return Number(x)
	case float32:
		return Number(float64(x))
	case int:
		return Number(float64(x))
	case int64:
		return Number(float64(x))
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return Number(f)
		}
		return String(x.String())
	case string:
		return String(x)
	case bool:
		return String(strconv.FormatBool(x))
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return String(fmt.Sprint(x))
		}
		return String(string(b))
	}
}

// Point is one immutable time-series record.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]Value
	Time        time.Time
}

// NonNullFields returns the fields that carry a value.
func (p Point) NonNullFields() map[string]Value {
	out := make(map[string]Value, len(p.Fields))
	for k, v := range p.Fields {
		if v.IsNull() {
			continue
		}
		out[k] = v
	}
	return out
}

type Writer interface {
	WritePoint(ctx context.Context, p Point) error
}

type Reader interface {
	Query(ctx context.Context, q Query) ([]Row, error)
}

// Store is implemented by every engine backend.
type Store interface {
	Writer
	Reader
	Close() error
}
