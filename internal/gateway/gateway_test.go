package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetry-service/internal/identity"
	"telemetry-service/internal/roles"
	"telemetry-service/internal/tsdb"
)

type received struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type fakeConn struct {
	mu     sync.Mutex
	events []received
	closed bool
}

func (c *fakeConn) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var ev received
	if err := json.Unmarshal(b, &ev); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

func (c *fakeConn) last(typ string) (received, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].Type == typ {
			return c.events[i], true
		}
	}
	return received{}, false
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

type tokenTable map[string]identity.Identity

func (t tokenTable) Verify(token string) (identity.Identity, error) {
	id, ok := t[token]
	if !ok {
		return identity.Identity{}, identity.ErrInvalidToken
	}
	return id, nil
}

type staticResolver map[string][]string

func (r staticResolver) Resolve(_ context.Context, subjectID, _, _ string) []string {
	return r[subjectID]
}

type fakeReader struct {
	mu      sync.Mutex
	queries []tsdb.Query
	rows    []tsdb.Row
	err     error
}

func (f *fakeReader) Query(_ context.Context, q tsdb.Query) ([]tsdb.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	var out []tsdb.Row
	for _, r := range f.rows {
		if q.DeviceIDs == nil || contains(q.DeviceIDs, r[tsdb.TagDeviceID].(string)) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeReader) set(rows []tsdb.Row, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows, f.err = rows, err
}

func (f *fakeReader) calls() []tsdb.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tsdb.Query(nil), f.queries...)
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

var tokens = tokenTable{
	"admin":  {SubjectID: "u-admin", Role: roles.SystemAdmin},
	"boss":   {SubjectID: "u-boss", Role: roles.OrgAdmin, OrganizationID: "c1"},
	"viewer": {SubjectID: "u-viewer", Role: roles.Member, OrganizationID: "c1"},
	"lonely": {SubjectID: "u-lonely", Role: roles.Member, OrganizationID: "c1"},
}

var visible = staticResolver{
	"u-boss":   {"D1", "D2"},
	"u-viewer": {"D1"},
	"u-lonely": {},
}

func row(device string, v float64) tsdb.Row {
	return tsdb.Row{
		tsdb.ColTime:        time.Now().UTC(),
		tsdb.ColMeasurement: tsdb.MeasurementSensorData,
		tsdb.ColField:       "temperature",
		tsdb.ColValue:       v,
		tsdb.TagDeviceID:    device,
	}
}

func newTestGateway(reader *fakeReader, interval time.Duration) *Gateway {
	return New(Config{StreamInterval: interval, QueryTimeout: time.Second}, tokens, visible, reader)
}

func authMsg(token string) []byte {
	return []byte(`{"type":"authenticate","data":{"token":"` + token + `"}}`)
}

func rowsOf(t *testing.T, ev received) RowsData {
	t.Helper()
	var d struct {
		Data []map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(ev.Data, &d))
	out := RowsData{}
	for _, r := range d.Data {
		out.Data = append(out.Data, tsdb.Row(r))
	}
	return out
}

func TestUnauthenticatedSessionOnlyGetsConnected(t *testing.T) {
	reader := &fakeReader{rows: []tsdb.Row{row("D1", 1)}}
	g := newTestGateway(reader, 10*time.Millisecond)
	conn := &fakeConn{}
	s := g.Open(conn)
	defer g.Disconnect(s)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []string{EventConnected}, conn.types())
	assert.Empty(t, reader.calls())
	assert.Equal(t, StateConnected, s.State())
}

func TestMemberSeesOnlyGrantedDevices(t *testing.T) {
	reader := &fakeReader{rows: []tsdb.Row{row("D1", 21), row("D2", 30)}}
	g := newTestGateway(reader, 20*time.Millisecond)
	conn := &fakeConn{}
	s := g.Open(conn)
	defer g.Disconnect(s)

	g.HandleMessage(context.Background(), s, authMsg("viewer"))
	require.Equal(t, []string{EventConnected, EventAuthenticated, EventHistoricalData}, conn.types()[:3])
	assert.Equal(t, []string{"D1"}, s.DeviceIDs())

	hist, _ := conn.last(EventHistoricalData)
	data := rowsOf(t, hist).Data
	require.Len(t, data, 1)
	assert.Equal(t, "D1", data[0][tsdb.TagDeviceID])

	require.Eventually(t, func() bool { _, ok := conn.last(EventRealtimeData); return ok }, time.Second, 5*time.Millisecond)
	rt, _ := conn.last(EventRealtimeData)
	for _, r := range rowsOf(t, rt).Data {
		assert.Equal(t, "D1", r[tsdb.TagDeviceID])
	}
	q := reader.calls()[0]
	assert.Equal(t, []string{"D1"}, q.DeviceIDs)
	assert.WithinDuration(t, q.Stop.Add(-time.Hour), q.Start, time.Millisecond)
}

func TestOrgAdminScopedToOrganization(t *testing.T) {
	reader := &fakeReader{rows: []tsdb.Row{row("D1", 21), row("D2", 30), row("D9", 5)}}
	g := newTestGateway(reader, time.Hour)
	conn := &fakeConn{}
	s := g.Open(conn)
	defer g.Disconnect(s)

	g.HandleMessage(context.Background(), s, authMsg("boss"))
	hist, ok := conn.last(EventHistoricalData)
	require.True(t, ok)
	var devices []string
	for _, r := range rowsOf(t, hist).Data {
		devices = append(devices, r[tsdb.TagDeviceID].(string))
	}
	assert.ElementsMatch(t, []string{"D1", "D2"}, devices)
}

func TestSystemAdminQueriesWithoutFilter(t *testing.T) {
	reader := &fakeReader{rows: []tsdb.Row{row("D1", 21), row("D9", 5)}}
	g := newTestGateway(reader, time.Hour)
	conn := &fakeConn{}
	s := g.Open(conn)
	defer g.Disconnect(s)

	g.HandleMessage(context.Background(), s, authMsg("admin"))
	calls := reader.calls()
	require.Len(t, calls, 1)
	assert.Nil(t, calls[0].DeviceIDs)
	hist, _ := conn.last(EventHistoricalData)
	assert.Len(t, rowsOf(t, hist).Data, 2)
}

func TestEmptyDeviceSetNeverQueries(t *testing.T) {
	reader := &fakeReader{rows: []tsdb.Row{row("D1", 21)}}
	g := newTestGateway(reader, 10*time.Millisecond)
	conn := &fakeConn{}
	s := g.Open(conn)
	defer g.Disconnect(s)

	g.HandleMessage(context.Background(), s, authMsg("lonely"))
	time.Sleep(80 * time.Millisecond)

	assert.Empty(t, reader.calls())
	assert.Equal(t, []string{EventConnected, EventAuthenticated, EventHistoricalData}, conn.types())
	hist, _ := conn.last(EventHistoricalData)
	assert.Empty(t, rowsOf(t, hist).Data)
	assert.Equal(t, StateStreaming, s.State())
}

func TestRealtimeOnlyForNonEmptyWindows(t *testing.T) {
	reader := &fakeReader{}
	g := newTestGateway(reader, 10*time.Millisecond)
	conn := &fakeConn{}
	s := g.Open(conn)
	defer g.Disconnect(s)

	g.HandleMessage(context.Background(), s, authMsg("viewer"))
	require.Eventually(t, func() bool { return len(reader.calls()) >= 4 }, time.Second, 5*time.Millisecond)
	_, ok := conn.last(EventRealtimeData)
	assert.False(t, ok)

	reader.set([]tsdb.Row{row("D1", 22)}, nil)
	require.Eventually(t, func() bool { _, ok := conn.last(EventRealtimeData); return ok }, time.Second, 5*time.Millisecond)
}

func TestAuthenticationFailureAllowsRetry(t *testing.T) {
	reader := &fakeReader{}
	g := newTestGateway(reader, time.Hour)
	conn := &fakeConn{}
	s := g.Open(conn)
	defer g.Disconnect(s)

	g.HandleMessage(context.Background(), s, authMsg("forged"))
	g.HandleMessage(context.Background(), s, []byte(`{"type":"authenticate"}`))
	assert.Equal(t, []string{EventConnected, EventAuthenticationError, EventAuthenticationError}, conn.types())
	assert.Equal(t, StateConnected, s.State())
	assert.Empty(t, reader.calls())

	g.HandleMessage(context.Background(), s, authMsg("viewer"))
	assert.Equal(t, StateStreaming, s.State())
	ev, _ := conn.last(EventAuthenticated)
	var d AuthenticatedData
	require.NoError(t, json.Unmarshal(ev.Data, &d))
	assert.Equal(t, "u-viewer", d.UserID)
	assert.Equal(t, roles.Member, d.Role)
}

func TestReauthenticateWhileStreamingIsRejected(t *testing.T) {
	reader := &fakeReader{}
	g := newTestGateway(reader, time.Hour)
	conn := &fakeConn{}
	s := g.Open(conn)
	defer g.Disconnect(s)

	g.HandleMessage(context.Background(), s, authMsg("viewer"))
	g.HandleMessage(context.Background(), s, authMsg("admin"))
	assert.Equal(t, EventError, conn.types()[conn.count()-1])
	assert.Equal(t, "u-viewer", s.Identity().SubjectID)
	assert.Equal(t, []string{"D1"}, s.DeviceIDs())
}

func TestMalformedAndUnknownMessages(t *testing.T) {
	g := newTestGateway(&fakeReader{}, time.Hour)
	conn := &fakeConn{}
	s := g.Open(conn)
	defer g.Disconnect(s)

	g.HandleMessage(context.Background(), s, []byte(`{nope`))
	g.HandleMessage(context.Background(), s, []byte(`{"type":"subscribe"}`))
	assert.Equal(t, []string{EventConnected, EventError, EventError}, conn.types())
	assert.Equal(t, StateConnected, s.State())
}

func TestQueryErrorEmitsErrorAndLoopContinues(t *testing.T) {
	reader := &fakeReader{err: errors.New("influx unavailable")}
	g := newTestGateway(reader, 10*time.Millisecond)
	conn := &fakeConn{}
	s := g.Open(conn)
	defer g.Disconnect(s)

	g.HandleMessage(context.Background(), s, authMsg("viewer"))
	types := conn.types()
	require.Equal(t, []string{EventConnected, EventAuthenticated, EventError}, types[:3])

	require.Eventually(t, func() bool { return len(reader.calls()) >= 3 }, time.Second, 5*time.Millisecond)
	reader.set([]tsdb.Row{row("D1", 1)}, nil)
	require.Eventually(t, func() bool { _, ok := conn.last(EventRealtimeData); return ok }, time.Second, 5*time.Millisecond)
}

func TestNoEventsAfterDisconnect(t *testing.T) {
	reader := &fakeReader{rows: []tsdb.Row{row("D1", 1)}}
	g := newTestGateway(reader, 5*time.Millisecond)
	conn := &fakeConn{}
	s := g.Open(conn)

	g.HandleMessage(context.Background(), s, authMsg("viewer"))
	require.Eventually(t, func() bool { _, ok := conn.last(EventRealtimeData); return ok }, time.Second, 5*time.Millisecond)

	g.Disconnect(s)
	n := conn.count()
	_, registered := g.Sessions().Get(s.ID)
	assert.False(t, registered)
	assert.Equal(t, StateDisconnected, s.State())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, conn.count())

	// A second disconnect is a no-op, and authenticate on a closed session emits nothing.
	g.Disconnect(s)
	g.HandleMessage(context.Background(), s, authMsg("viewer"))
	assert.Equal(t, n, conn.count())
}

// stallingReader answers the first query at once and holds every later one until
// released or cancelled, then returns rows anyway.
type stallingReader struct {
	mu      sync.Mutex
	calls   int
	rows    []tsdb.Row
	stalled chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *stallingReader) Query(ctx context.Context, _ tsdb.Query) ([]tsdb.Row, error) {
	r.mu.Lock()
	r.calls++
	first := r.calls == 1
	r.mu.Unlock()
	if !first {
		r.once.Do(func() { close(r.stalled) })
		select {
		case <-r.release:
		case <-ctx.Done():
		}
	}
	return r.rows, nil
}

func TestNoEventsAfterDisconnectWithQueryInFlight(t *testing.T) {
	reader := &stallingReader{
		rows:    []tsdb.Row{row("D1", 1)},
		stalled: make(chan struct{}),
		release: make(chan struct{}),
	}
	g := New(Config{StreamInterval: 5 * time.Millisecond, QueryTimeout: time.Second}, tokens, visible, reader)
	conn := &fakeConn{}
	s := g.Open(conn)

	g.HandleMessage(context.Background(), s, authMsg("viewer"))
	select {
	case <-reader.stalled:
	case <-time.After(2 * time.Second):
		t.Fatal("periodic query never started")
	}

	g.Disconnect(s)
	n := conn.count()
	assert.Equal(t, []string{EventConnected, EventAuthenticated, EventHistoricalData}, conn.types())

	close(reader.release)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, conn.count())
	_, ok := conn.last(EventRealtimeData)
	assert.False(t, ok)
}

func TestSessionsAreIndependent(t *testing.T) {
	reader := &fakeReader{rows: []tsdb.Row{row("D1", 1), row("D2", 2)}}
	g := newTestGateway(reader, 10*time.Millisecond)
	c1, c2 := &fakeConn{}, &fakeConn{}
	s1, s2 := g.Open(c1), g.Open(c2)
	defer g.Disconnect(s2)

	g.HandleMessage(context.Background(), s1, authMsg("viewer"))
	g.HandleMessage(context.Background(), s2, authMsg("boss"))
	assert.Equal(t, 2, g.Sessions().Len())

	g.Disconnect(s1)
	n1 := c1.count()
	n2 := c2.count()
	require.Eventually(t, func() bool { return c2.count() > n2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, n1, c1.count())
	assert.Equal(t, 1, g.Sessions().Len())
}

func TestCloseAllClosesConnections(t *testing.T) {
	g := newTestGateway(&fakeReader{}, time.Hour)
	conns := []*fakeConn{{}, {}, {}}
	for _, c := range conns {
		g.HandleMessage(context.Background(), g.Open(c), authMsg("viewer"))
	}
	g.CloseAll()
	assert.Equal(t, 0, g.Sessions().Len())
	for _, c := range conns {
		assert.True(t, c.closed)
	}
}

func TestWebsocketEndToEnd(t *testing.T) {
	reader := &fakeReader{rows: []tsdb.Row{row("D1", 21), row("D2", 30)}}
	g := newTestGateway(reader, 20*time.Millisecond)
	ts := httptest.NewServer(g)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	read := func() received {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var ev received
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read ws: %v", err)
		}
		return ev
	}

	if ev := read(); ev.Type != EventConnected {
		t.Fatalf("expected connected, got %q", ev.Type)
	}
	if err := conn.WriteMessage(websocket.TextMessage, authMsg("viewer")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ev := read(); ev.Type != EventAuthenticated {
		t.Fatalf("expected authenticated, got %q", ev.Type)
	}
	hist := read()
	if hist.Type != EventHistoricalData {
		t.Fatalf("expected historicalData, got %q", hist.Type)
	}
	if got := rowsOf(t, hist).Data; len(got) != 1 || got[0][tsdb.TagDeviceID] != "D1" {
		t.Fatalf("unexpected historical rows %v", got)
	}
	if ev := read(); ev.Type != EventRealtimeData {
		t.Fatalf("expected realtimeData, got %q", ev.Type)
	}

	_ = conn.Close()
	require.Eventually(t, func() bool { return g.Sessions().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
