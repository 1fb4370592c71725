package shared

import (
	"time"
)

// API Response types
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Event is a side effect emitted by the connection manager or the
// drone store. Presentation layers subscribe to these; the core never
// renders anything itself.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	DroneID   string    `json:"drone_id,omitempty"`
	State     string    `json:"state,omitempty"`
	Previous  string    `json:"previous,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	RetryIn   Duration  `json:"retry_in,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Duration marshals as a Go duration string.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// Health check
type HealthStatus struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version,omitempty"`
	Uptime    string            `json:"uptime,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Details   map[string]string `json:"details,omitempty"`
}

// Event Types
const (
	EventDroneDiscovered     = "drone.discovered"
	EventDroneRemoved        = "drone.removed"
	EventDroneOffline        = "drone.offline_detected"
	EventDroneStatusChanged  = "drone.status_changed"
	EventSelectionChanged    = "drone.selection_changed"
	EventConnectionState     = "connection.state_changed"
	EventConnectionConnected = "connection.connected"
	EventConnectionFailed    = "connection.failed"
	EventConnectionRetry     = "connection.retry_scheduled"
	EventConnectionGaveUp    = "connection.gave_up"
)

// Event sources
const (
	SourceStore      = "drone-store"
	SourceConnection = "connection-manager"
)
