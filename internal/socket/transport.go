package socket

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

const defaultReadLimit = 1 << 20

// Conn is the duplex text-message transport used by the client.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens transports to an endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials the platform with gorilla/websocket.
type WebsocketDialer struct {
	Dialer    *websocket.Dialer
	ReadLimit int64
}

// NewWebsocketDialer returns a dialer with the package's default limits.
func NewWebsocketDialer(handshakeTimeout time.Duration) *WebsocketDialer {
	d := *websocket.DefaultDialer
	if handshakeTimeout > 0 {
		d.HandshakeTimeout = handshakeTimeout
	}
	return &WebsocketDialer{Dialer: &d, ReadLimit: defaultReadLimit}
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)
	return conn, nil
}

type controlWriter interface {
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// isCleanClose reports whether err is a normal close initiated by the far end.
func isCleanClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure)
}
