// Package gateway streams scoped telemetry to websocket viewers.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"telemetry-service/internal/identity"
	"telemetry-service/internal/observability"
	"telemetry-service/internal/roles"
	"telemetry-service/internal/tsdb"
)

type Resolver interface {
	Resolve(ctx context.Context, subjectID, role, organizationID string) []string
}

type Config struct {
	HistoryWindow  time.Duration
	StreamInterval time.Duration
	QueryTimeout   time.Duration
	PingInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = time.Hour
	}
	if c.StreamInterval <= 0 {
		c.StreamInterval = 5 * time.Second
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	return c
}

const (
	writeWait    = 5 * time.Second
	maxReadBytes = 8192
)

type Gateway struct {
	cfg      Config
	verifier identity.Verifier
	resolver Resolver
	reader   tsdb.Reader
	sessions *Registry
	upgrader websocket.Upgrader
}

func New(cfg Config, verifier identity.Verifier, resolver Resolver, reader tsdb.Reader) *Gateway {
	return &Gateway{
		cfg:      cfg.withDefaults(),
		verifier: verifier,
		resolver: resolver,
		reader:   reader,
		sessions: NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				// Viewers authenticate in-band.
				return true
			},
		},
	}
}

func (g *Gateway) Sessions() *Registry { return g.sessions }

var tracer = otel.Tracer("telemetry-service/gateway")

// Open registers a new unauthenticated session and greets it.
func (g *Gateway) Open(conn Conn) *Session {
	s := newSession(uuid.NewString(), conn)
	g.sessions.Add(s)
	observability.GatewaySessions.Inc()
	slog.Info("viewer connected", "session_id", s.ID)
	_ = s.emit(EventConnected, ConnectedData{
		Message:   "Successfully connected to WebSocket server",
		Timestamp: time.Now().UTC(),
	})
	return s
}

// Disconnect stops the session's loop before removing it from the registry. It is
// safe to call more than once.
func (g *Gateway) Disconnect(s *Session) {
	if !s.Close() {
		return
	}
	if g.sessions.Remove(s.ID) {
		observability.GatewaySessions.Dec()
	}
	slog.Info("viewer disconnected", "session_id", s.ID)
}

// CloseAll disconnects every session and closes its connection.
func (g *Gateway) CloseAll() {
	for _, s := range g.sessions.Snapshot() {
		g.Disconnect(s)
		_ = s.conn.Close()
	}
}

// HandleMessage dispatches one inbound frame.
func (g *Gateway) HandleMessage(ctx context.Context, s *Session, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		_ = s.emit(EventError, ErrorData{Message: "Malformed message", Error: err.Error()})
		return
	}
	switch env.Type {
	case MessageAuthenticate:
		var req AuthenticateRequest
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &req); err != nil {
				g.authFailed(s, err)
				return
			}
		}
		g.authenticate(ctx, s, req.Token)
	default:
		_ = s.emit(EventError, ErrorData{Message: "Unknown message type", Error: env.Type})
	}
}

func (g *Gateway) authenticate(ctx context.Context, s *Session, token string) {
	if s.State() != StateConnected {
		_ = s.emit(EventError, ErrorData{Message: "Session already authenticated", Error: "AlreadyAuthenticated"})
		return
	}
	id, err := g.verifier.Verify(token)
	if err != nil {
		g.authFailed(s, err)
		return
	}

	// SystemAdmin sessions query without a device filter.
	var deviceIDs []string
	if id.Role != roles.SystemAdmin {
		deviceIDs = g.resolver.Resolve(ctx, id.SubjectID, id.Role, id.OrganizationID)
		if deviceIDs == nil {
			deviceIDs = []string{}
		}
	}
	if err := s.authenticated(id, deviceIDs); err != nil {
		_ = s.emit(EventError, ErrorData{Message: "Session already authenticated", Error: err.Error()})
		return
	}
	log := slog.With("session_id", s.ID, "user_id", id.SubjectID, "role", id.Role)
	log.Info("viewer authenticated", "devices", len(deviceIDs))

	_ = s.emit(EventAuthenticated, AuthenticatedData{
		Message:   "Authentication successful",
		UserID:    id.SubjectID,
		Role:      id.Role,
		Timestamp: time.Now().UTC(),
	})
	g.sendHistory(ctx, s, deviceIDs)
	s.startLoop(func(ctx context.Context) { g.stream(ctx, s, deviceIDs) })
}

func (g *Gateway) authFailed(s *Session, err error) {
	slog.Info("viewer authentication failed", "session_id", s.ID, "error", err)
	_ = s.emit(EventAuthenticationError, AuthenticationErrorData{
		Message:   "Authentication failed",
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	})
}

func (g *Gateway) sendHistory(ctx context.Context, s *Session, deviceIDs []string) {
	q := tsdb.Window(time.Now().UTC(), g.cfg.HistoryWindow, deviceIDs)
	rows, err := g.query(ctx, "historical", q)
	if err != nil {
		slog.Error("historical query failed", "session_id", s.ID, "error", err)
		_ = s.emit(EventError, ErrorData{Message: "Error fetching historical data", Error: err.Error()})
		return
	}
	_ = s.emit(EventHistoricalData, RowsData{
		Message:   "Historical data for the last hour",
		Timestamp: time.Now().UTC(),
		Data:      rows,
	})
}

// stream polls the trailing interval on every tick until ctx is cancelled.
func (g *Gateway) stream(ctx context.Context, s *Session, deviceIDs []string) {
	t := time.NewTicker(g.cfg.StreamInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		q := tsdb.Window(time.Now().UTC(), g.cfg.StreamInterval, deviceIDs)
		if q.MatchesNothing() {
			continue
		}
		rows, err := g.query(ctx, "realtime", q)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Error("realtime query failed", "session_id", s.ID, "error", err)
			_ = s.emit(EventError, ErrorData{Message: "Error fetching realtime data", Error: err.Error()})
			continue
		}
		if len(rows) == 0 {
			continue
		}
		if err := s.emit(EventRealtimeData, RowsData{
			Message:   "Realtime device data",
			Timestamp: time.Now().UTC(),
			Data:      rows,
		}); errors.Is(err, errSessionClosed) {
			return
		}
	}
}

// query returns an empty result without touching the store when q matches nothing.
func (g *Gateway) query(ctx context.Context, kind string, q tsdb.Query) ([]tsdb.Row, error) {
	if q.MatchesNothing() {
		return []tsdb.Row{}, nil
	}
	ctx, span := tracer.Start(ctx, "tsdb.Query")
	defer span.End()
	span.SetAttributes(attribute.String("kind", kind), attribute.Int("devices", len(q.DeviceIDs)))

	ctx, cancel := context.WithTimeout(ctx, g.cfg.QueryTimeout)
	defer cancel()
	rows, err := g.reader.Query(ctx, q)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.GatewayQueries.WithLabelValues(kind, "error").Inc()
		return nil, err
	}
	observability.GatewayQueries.WithLabelValues(kind, "ok").Inc()
	if rows == nil {
		rows = []tsdb.Row{}
	}
	return rows, nil
}

type wsConn struct {
	*websocket.Conn
}

func (c wsConn) WriteJSON(v any) error {
	_ = c.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteJSON(v)
}

// ServeHTTP upgrades the request and reads frames until the viewer leaves.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s := g.Open(wsConn{conn})
	defer g.Disconnect(s)

	pingDone := make(chan struct{})
	defer close(pingDone)
	go g.ping(conn, pingDone)

	readTimeout := 2 * g.cfg.PingInterval
	conn.SetReadLimit(maxReadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	ctx := r.Context()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		g.HandleMessage(ctx, s, msg)
	}
}

func (g *Gateway) ping(conn *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(g.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
