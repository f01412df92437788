package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	oteltrace "go.opentelemetry.io/otel/trace"

	"telemetry-service/internal/identity"
	"telemetry-service/internal/observability"
	"telemetry-service/internal/roles"
	"telemetry-service/internal/store"
	"telemetry-service/internal/tsdb"
)

type Resolver interface {
	Resolve(ctx context.Context, subjectID, role, organizationID string) []string
}

type DeviceLookup interface {
	FindDeviceBySensorID(ctx context.Context, sensorID string) (*store.Device, error)
}

// Options wires the HTTP surface. Nil handlers are not mounted.
type Options struct {
	Gateway        http.Handler
	Metrics        http.Handler
	Tracer         oteltrace.Tracer
	Verifier       identity.Verifier
	Resolver       Resolver
	Devices        DeviceLookup
	Reader         tsdb.Reader
	MQTTState      func() string
	SessionCount   func() int
	AllowedOrigins []string
	LatestWindow   time.Duration
	HistoryWindow  time.Duration
	QueryTimeout   time.Duration
}

type Server struct {
	opts Options
	now  func() time.Time
}

func New(opts Options) *Server {
	if opts.LatestWindow <= 0 {
		opts.LatestWindow = 5 * time.Minute
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = time.Hour
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 10 * time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return &Server{opts: opts, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if s.opts.Tracer != nil {
		r.Use(observability.MetricsAndTracingMiddleware(s.opts.Tracer))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}
	if s.opts.Gateway != nil {
		r.Method(http.MethodGet, "/ws", s.opts.Gateway)
	}
	r.Route("/api/telemetry", func(r chi.Router) {
		r.Use(JWTAuthMiddleware(s.opts.Verifier))
		r.Get("/latest", s.handleLatest)
		r.Get("/history", s.handleHistory)
	})
	return r
}

type healthResponse struct {
	Status   string `json:"status"`
	MQTT     string `json:"mqtt"`
	Sessions int    `json:"sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", MQTT: "unknown"}
	if s.opts.MQTTState != nil {
		resp.MQTT = s.opts.MQTTState()
	}
	if s.opts.SessionCount != nil {
		resp.Sessions = s.opts.SessionCount()
	}
	status := http.StatusOK
	if s.opts.MQTTState != nil && resp.MQTT != "connected" {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type rowsResponse struct {
	SensorID string     `json:"sensor_id"`
	DeviceID string     `json:"device_id"`
	From     time.Time  `json:"from"`
	To       time.Time  `json:"to"`
	Data     []tsdb.Row `json:"data"`
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	device, ok := s.visibleDevice(w, r)
	if !ok {
		return
	}
	now := s.now()
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.QueryTimeout)
	defer cancel()
	rows, err := tsdb.Latest(ctx, s.opts.Reader, device.SensorID, s.opts.LatestWindow, now)
	if err != nil {
		slog.Error("latest telemetry query failed", "sensor_id", device.SensorID, "error", err)
		writeJSONError(w, http.StatusBadGateway, "could not query telemetry")
		return
	}
	writeJSON(w, http.StatusOK, rowsResponse{
		SensorID: device.SensorID,
		DeviceID: device.ID.String(),
		From:     now.Add(-s.opts.LatestWindow),
		To:       now,
		Data:     nonNil(rows),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	to, err := parseTimeParam(q.Get("to"), s.now())
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid to")
		return
	}
	from, err := parseTimeParam(q.Get("from"), to.Add(-s.opts.HistoryWindow))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid from")
		return
	}
	if !to.After(from) {
		writeJSONError(w, http.StatusBadRequest, "from must be before to")
		return
	}

	device, ok := s.visibleDevice(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.QueryTimeout)
	defer cancel()
	rows, err := tsdb.History(ctx, s.opts.Reader, device.SensorID, from, to)
	if err != nil {
		slog.Error("telemetry history query failed", "sensor_id", device.SensorID, "error", err)
		writeJSONError(w, http.StatusBadGateway, "could not query telemetry")
		return
	}
	writeJSON(w, http.StatusOK, rowsResponse{
		SensorID: device.SensorID,
		DeviceID: device.ID.String(),
		From:     from,
		To:       to,
		Data:     nonNil(rows),
	})
}

// visibleDevice resolves ?sensor_id= and checks it against the caller's device set.
// Devices outside the set answer 404 like unknown ones.
func (s *Server) visibleDevice(w http.ResponseWriter, r *http.Request) (*store.Device, bool) {
	id, ok := GetIdentity(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	sensorID := strings.TrimSpace(r.URL.Query().Get("sensor_id"))
	if sensorID == "" {
		writeJSONError(w, http.StatusBadRequest, "sensor_id is required")
		return nil, false
	}
	device, err := s.opts.Devices.FindDeviceBySensorID(r.Context(), sensorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "device not found")
			return nil, false
		}
		slog.Error("device lookup failed", "sensor_id", sensorID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "could not look up device")
		return nil, false
	}
	if id.Role == roles.SystemAdmin {
		return device, true
	}
	visible := s.opts.Resolver.Resolve(r.Context(), id.SubjectID, id.Role, id.OrganizationID)
	target := device.ID.String()
	if i := sort.SearchStrings(visible, target); i < len(visible) && visible[i] == target {
		return device, true
	}
	writeJSONError(w, http.StatusNotFound, "device not found")
	return nil, false
}

func parseTimeParam(v string, def time.Time) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func nonNil(rows []tsdb.Row) []tsdb.Row {
	if rows == nil {
		return []tsdb.Row{}
	}
	return rows
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message, "code": status})
}
