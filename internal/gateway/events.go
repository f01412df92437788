package gateway

import (
	"encoding/json"
	"time"

	"telemetry-service/internal/tsdb"
)

// Event types written to viewers.
const (
	EventConnected           = "connected"
	EventAuthenticated       = "authenticated"
	EventAuthenticationError = "authentication_error"
	EventHistoricalData      = "historicalData"
	EventRealtimeData        = "realtimeData"
	EventError               = "error"
)

// MessageAuthenticate is the only message type viewers send.
const MessageAuthenticate = "authenticate"

// Envelope wraps every message in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type AuthenticateRequest struct {
	Token string `json:"token"`
}

type ConnectedData struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type AuthenticatedData struct {
	Message   string    `json:"message"`
	UserID    string    `json:"userId"`
	Role      string    `json:"role"`
	Timestamp time.Time `json:"timestamp"`
}

type AuthenticationErrorData struct {
	Message   string    `json:"message"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// RowsData carries historicalData and realtimeData payloads.
type RowsData struct {
	Message   string     `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
	Data      []tsdb.Row `json:"data"`
}

type ErrorData struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}
