package models

import "time"

// ConnectionState is the lifecycle position of the platform socket.
type ConnectionState string

const (
	StateDisconnected   ConnectionState = "disconnected"
	StateConnecting     ConnectionState = "connecting"
	StateAuthenticating ConnectionState = "authenticating"
	StateOpen           ConnectionState = "open"
	StateClosing        ConnectionState = "closing"
)

// ConnectionStatus is a read-only snapshot of the socket client for display.
type ConnectionStatus struct {
	State      ConnectionState `json:"state"`
	Endpoint   string          `json:"endpoint"`
	Attempts   int             `json:"reconnect_attempts"`
	LastError  string          `json:"last_error,omitempty"`
	NextRetry  time.Duration   `json:"next_retry_ns,omitempty"`
	Exhausted  bool            `json:"retries_exhausted"`
	OpenedAt   time.Time       `json:"opened_at,omitempty"`
	LastPongAt time.Time       `json:"last_pong_at,omitempty"`
}
