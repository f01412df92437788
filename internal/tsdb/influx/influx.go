// Package influx implements the time-series store on InfluxDB 2.x.
package influx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"telemetry-service/internal/tsdb"
)

type Options struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

type fluxRunner interface {
	Run(ctx context.Context, flux string) ([]tsdb.Row, error)
}

type Store struct {
	bucket string
	client influxdb2.Client
	writer pointWriter
	runner fluxRunner
}

func New(opts Options) (*Store, error) {
	if opts.URL == "" || opts.Org == "" || opts.Bucket == "" {
		return nil, errors.New("influx url, org and bucket are required")
	}
	client := influxdb2.NewClient(opts.URL, opts.Token)
	return &Store{
		bucket: opts.Bucket,
		client: client,
		writer: client.WriteAPIBlocking(opts.Org, opts.Bucket),
		runner: queryRunner{api: client.QueryAPI(opts.Org)},
	}, nil
}

// Ping reports whether the server answers.
func (s *Store) Ping(ctx context.Context) error {
	ok, err := s.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("influx ping failed")
	}
	return nil
}

func (s *Store) WritePoint(ctx context.Context, p tsdb.Point) error {
	wp, err := toWritePoint(p)
	if err != nil {
		return err
	}
	if err := s.writer.WritePoint(ctx, wp); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, q tsdb.Query) ([]tsdb.Row, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.MatchesNothing() {
		return []tsdb.Row{}, nil
	}
	rows, err := s.runner.Run(ctx, BuildFlux(s.bucket, q))
	if err != nil {
		return nil, fmt.Errorf("influx query: %w", err)
	}
	tsdb.SortRows(rows)
	return rows, nil
}

func (s *Store) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	return nil
}

func toWritePoint(p tsdb.Point) (*write.Point, error) {
	fields := make(map[string]interface{})
	for k, v := range p.NonNullFields() {
		fields[k] = v.Interface()
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("point %s has no fields", p.Measurement)
	}
	return influxdb2.NewPoint(p.Measurement, p.Tags, fields, p.Time), nil
}

// BuildFlux renders q as a Flux script. Flux ranges are start-inclusive and
// stop-exclusive.
func BuildFlux(bucket string, q tsdb.Query) string {
	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %s)\n", fluxString(bucket))
	fmt.Fprintf(&b, "  |> range(start: %s, stop: %s)\n", fluxTime(q.Start), fluxTime(q.Stop))
	if len(q.Measurements) > 0 {
		conds := make([]string, len(q.Measurements))
		for i, m := range q.Measurements {
			conds[i] = `r["_measurement"] == ` + fluxString(m)
		}
		fmt.Fprintf(&b, "  |> filter(fn: (r) => %s)\n", strings.Join(conds, " or "))
	}
	if q.DeviceIDs != nil {
		fmt.Fprintf(&b, "  |> filter(fn: (r) => contains(value: r[%q], set: %s))\n", tsdb.TagDeviceID, fluxSet(q.DeviceIDs))
	}
	if q.SensorIDs != nil {
		fmt.Fprintf(&b, "  |> filter(fn: (r) => contains(value: r[%q], set: %s))\n", tsdb.TagSensorID, fluxSet(q.SensorIDs))
	}
	if q.LastOnly {
		b.WriteString("  |> last()\n")
	}
	return b.String()
}

var fluxEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "${", `\${`, "\n", `\n`, "\r", `\r`, "\t", `\t`)

func fluxString(s string) string { return `"` + fluxEscaper.Replace(s) + `"` }

func fluxTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func fluxSet(vals []string) string {
	quoted := make([]string, len(vals))
	for i, v := range vals {
		quoted[i] = fluxString(v)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

type queryRunner struct {
	api api.QueryAPI
}

func (r queryRunner) Run(ctx context.Context, flux string) ([]tsdb.Row, error) {
	result, err := r.api.Query(ctx, flux)
	if err != nil {
		return nil, err
	}
	defer result.Close()

	rows := []tsdb.Row{}
	for result.Next() {
		row := tsdb.Row{}
		for k, v := range result.Record().Values() {
			if k == "result" || k == "table" {
				continue
			}
			row[k] = v
		}
		rows = append(rows, row)
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}
