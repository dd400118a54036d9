package socket

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Send while the connection is not open.
	ErrNotConnected = errors.New("socket not connected")
	// ErrRetriesExhausted marks the terminal state after the reconnect budget is spent.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

	errAuthTimeout = errors.New("no auth_response before timeout")
)

// TransportError is a transient network failure; it triggers a backoff retry.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError is returned when the far end rejects the session token. It is
// fatal for the current attempt and never retried automatically.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return "authentication rejected"
	}
	return "authentication rejected: " + e.Reason
}

// IsAuthError reports whether err carries an *AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
