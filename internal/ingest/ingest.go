// Package ingest turns MQTT sensor readings into time-series points.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"telemetry-service/internal/observability"
	"telemetry-service/internal/store"
	"telemetry-service/internal/tsdb"
)

var (
	ErrUnknownSensor   = errors.New("unknown sensor")
	ErrRetainedSkipped = errors.New("retained message skipped")
)

type DeviceResolver interface {
	FindDeviceBySensorID(ctx context.Context, sensorID string) (*store.Device, error)
	TouchDevice(ctx context.Context, id uuid.UUID, at time.Time) error
}

type MQTTMessage interface {
	Topic() string
	Payload() []byte
	Retained() bool
}

type Ingestor struct {
	Devices      DeviceResolver
	Points       tsdb.Writer
	AllowRetains bool
	// StoreTimeout bounds each directory and write call. Zero means 10s.
	StoreTimeout time.Duration
}

var tracer = otel.Tracer("telemetry-service/ingest")

// HandleMessage processes one reading. Every failure is logged here; the returned
// error only classifies the outcome.
func (i *Ingestor) HandleMessage(ctx context.Context, msg MQTTMessage, receivedAt time.Time) error {
	topic := msg.Topic()
	if msg.Retained() && !i.AllowRetains {
		slog.Debug("ingest ignoring retained", "topic", topic)
		observability.IngestMessages.WithLabelValues("retained_skipped").Inc()
		return ErrRetainedSkipped
	}

	reading, err := ParseReading(msg.Payload())
	if err != nil {
		slog.Warn("ingest invalid reading", "topic", topic, "error", err)
		observability.IngestMessages.WithLabelValues("invalid").Inc()
		return err
	}
	log := slog.With("topic", topic, "sensor_id", reading.SensorID)

	lookupCtx, cancel := context.WithTimeout(ctx, i.timeout())
	device, err := i.Devices.FindDeviceBySensorID(lookupCtx, reading.SensorID)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("ingest unknown sensor")
			observability.IngestMessages.WithLabelValues("unknown_sensor").Inc()
			return fmt.Errorf("%w: %s", ErrUnknownSensor, reading.SensorID)
		}
		log.Error("ingest device lookup failed", "error", err)
		observability.IngestMessages.WithLabelValues("lookup_failed").Inc()
		return err
	}
	log = log.With("device_id", device.ID.String())

	// The device reported, whether or not its point can be stored.
	touchCtx, cancel := context.WithTimeout(ctx, i.timeout())
	if err := i.Devices.TouchDevice(touchCtx, device.ID, receivedAt.UTC()); err != nil {
		log.Warn("ingest last connection update failed", "error", err)
	}
	cancel()

	point := BuildPoint(reading, device.ID.String(), receivedAt)
	if err := i.write(ctx, point); err != nil {
		log.Error("ingest write failed", "error", err)
		observability.IngestMessages.WithLabelValues("write_failed").Inc()
		return err
	}
	observability.IngestMessages.WithLabelValues("stored").Inc()
	observability.IngestPointsWritten.Inc()
	log.Debug("ingest point stored", "ts", point.Time)
	return nil
}

func (i *Ingestor) write(ctx context.Context, p tsdb.Point) error {
	ctx, span := tracer.Start(ctx, "tsdb.WritePoint")
	defer span.End()
	span.SetAttributes(
		attribute.String("sensor_id", p.Tags[tsdb.TagSensorID]),
		attribute.String("device_id", p.Tags[tsdb.TagDeviceID]),
	)
	ctx, cancel := context.WithTimeout(ctx, i.timeout())
	defer cancel()
	if err := i.Points.WritePoint(ctx, p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (i *Ingestor) timeout() time.Duration {
	if i.StoreTimeout > 0 {
		return i.StoreTimeout
	}
	return 10 * time.Second
}

// BuildPoint tags the reading with its sensor and device. The reading's own
// timestamp wins over receivedAt.
func BuildPoint(r Reading, deviceID string, receivedAt time.Time) tsdb.Point {
	ts := receivedAt.UTC()
	if r.Timestamp != nil {
		ts = *r.Timestamp
	}
	fields := make(map[string]tsdb.Value, len(r.Fields))
	for k, v := range r.Fields {
		if v.IsNull() {
			continue
		}
		fields[k] = v
	}
	return tsdb.Point{
		Measurement: tsdb.MeasurementSensorData,
		Tags: map[string]string{
			tsdb.TagSensorID: r.SensorID,
			tsdb.TagDeviceID: deviceID,
		},
		Fields: fields,
		Time:   ts,
	}
}
