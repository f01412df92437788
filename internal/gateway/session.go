package gateway

import (
	"context"
	"errors"
	"sync"

	"telemetry-service/internal/identity"
)

var errSessionClosed = errors.New("session closed")

// Conn is the write side of a viewer connection.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

type State int

const (
	StateConnected State = iota
	StateAuthenticated
	StateStreaming
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateStreaming:
		return "streaming"
	default:
		return "disconnected"
	}
}

// Session is one viewer connection. mu serializes writes and guards every field
// below it; a closed session refuses all emissions.
type Session struct {
	ID   string
	conn Conn

	mu        sync.Mutex
	state     State
	identity  identity.Identity
	deviceIDs []string
	closed    bool
	cancel    context.CancelFunc
	loopDone  chan struct{}
}

func newSession(id string, conn Conn) *Session {
	return &Session{ID: id, conn: conn, state: StateConnected}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Identity() identity.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// DeviceIDs is nil for sessions that see every device.
func (s *Session) DeviceIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceIDs
}

func (s *Session) emit(typ string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	return s.conn.WriteJSON(Event{Type: typ, Data: data})
}

// authenticated records the verified identity and its device set. It fails if the
// session is closed or already past authentication.
func (s *Session) authenticated(id identity.Identity, deviceIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	if s.state != StateConnected {
		return errors.New("session already authenticated")
	}
	s.identity = id
	s.deviceIDs = deviceIDs
	s.state = StateAuthenticated
	return nil
}

// startLoop runs loop in its own goroutine unless the session is already closed.
func (s *Session) startLoop(loop func(ctx context.Context)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.loopDone != nil {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.loopDone = done
	s.state = StateStreaming
	go func() {
		defer close(done)
		loop(ctx)
	}()
	return true
}

// Close stops the send loop and waits for it to exit. It reports whether this
// call closed the session.
func (s *Session) Close() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.state = StateDisconnected
	cancel, done := s.cancel, s.loopDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return true
}
