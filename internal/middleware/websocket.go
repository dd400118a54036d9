package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"opsdash/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

// SocketSubprotocol is the websocket subprotocol browsers use to carry the
// token: "Sec-WebSocket-Protocol: bearer, <token>".
const SocketSubprotocol = "bearer"

// Event is one message pushed to dashboard clients.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	Time int64       `json:"timestamp"`
}

type hubClient struct {
	conn *websocket.Conn
	user string
}

// hubMessage is either an event payload or, when retain is set, a request to
// drop every client not owned by *retain.
type hubMessage struct {
	payload []byte
	retain  *string
}

// Hub fans dashboard events out to the browsers of the logged-in user.
type Hub struct {
	clients    map[*websocket.Conn]string
	broadcast  chan hubMessage
	register   chan hubClient
	unregister chan *websocket.Conn
	done       chan struct{}
	mutex      sync.RWMutex
	logger     *utils.Logger

	upgrader       websocket.Upgrader
	allowedOrigins map[string]bool
}

// NewHub creates a hub. Browsers may connect from the dashboard's own origin
// or from one of allowedOrigins; "*" allows any.
func NewHub(logger *utils.Logger, allowedOrigins ...string) *Hub {
	h := &Hub{
		clients:        make(map[*websocket.Conn]string),
		broadcast:      make(chan hubMessage, 64),
		register:       make(chan hubClient),
		unregister:     make(chan *websocket.Conn),
		done:           make(chan struct{}),
		logger:         logger,
		allowedOrigins: make(map[string]bool),
	}
	for _, origin := range allowedOrigins {
		if origin = strings.TrimRight(strings.TrimSpace(origin), "/"); origin != "" {
			h.allowedOrigins[strings.ToLower(origin)] = true
		}
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:  h.checkOrigin,
		Subprotocols: []string{SocketSubprotocol},
	}
	return h
}

// checkOrigin admits requests without an Origin header (non-browser clients),
// same-host origins and configured origins.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if h.allowedOrigins["*"] || h.allowedOrigins[strings.ToLower(strings.TrimRight(origin, "/"))] {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// Run serves the hub until ctx ends, then closes every client.
func (h *Hub) Run(ctx context.Context) error {
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return nil

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.conn] = client.user
			h.mutex.Unlock()
			h.logf("WebSocket client connected for %s", client.user)

		case conn := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mutex.Unlock()
			h.logf("WebSocket client disconnected")

		case message := <-h.broadcast:
			if message.retain != nil {
				h.dropOthers(*message.retain)
				continue
			}
			h.writeToClients(websocket.TextMessage, message.payload)

		case <-pingTicker.C:
			h.writePingToClients()
		}
	}
}

func (h *Hub) closeAll() {
	close(h.done)
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for conn := range h.clients {
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"), deadline)
		conn.Close()
		delete(h.clients, conn)
	}
}

func (h *Hub) dropOthers(user string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for conn, owner := range h.clients {
		if user != "" && owner == user {
			continue
		}
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session ended"), deadline)
		conn.Close()
		delete(h.clients, conn)
	}
}

func (h *Hub) writeToClients(messageType int, payload []byte) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for conn := range h.clients {
		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			h.logf("WebSocket set write deadline error: %v", err)
		}
		if err := conn.WriteMessage(messageType, payload); err != nil {
			h.logf("WebSocket write error: %v", err)
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

func (h *Hub) writePingToClients() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for conn := range h.clients {
		deadline := time.Now().Add(writeWait)
		if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			h.logf("WebSocket ping error: %v", err)
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

// Broadcast queues a raw message. It never blocks: when the queue is full or
// the hub has stopped the message is dropped.
func (h *Hub) Broadcast(message []byte) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.broadcast <- hubMessage{payload: message}:
		return true
	default:
		h.logf("WebSocket broadcast queue full, dropping message")
		return false
	}
}

// RetainUser disconnects every client not owned by user; an empty user drops
// all of them. It is ordered with earlier broadcasts and waits for queue space.
func (h *Hub) RetainUser(user string) {
	select {
	case h.broadcast <- hubMessage{retain: &user}:
	case <-h.done:
	}
}

// Publish encodes an event and broadcasts it.
func (h *Hub) Publish(eventType string, data interface{}) bool {
	payload, err := json.Marshal(Event{Type: eventType, Data: data, Time: time.Now().UnixMilli()})
	if err != nil {
		h.logf("WebSocket encode %s error: %v", eventType, err)
		return false
	}
	return h.Broadcast(payload)
}

func (h *Hub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request and registers the connection under the
// user set by the auth middleware.
func (h *Hub) HandleWebSocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := c.GetString(ContextUsername)
		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logf("WebSocket upgrade error: %v", err)
			return
		}

		conn.SetReadLimit(1024)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		select {
		case h.register <- hubClient{conn: conn, user: user}:
		case <-h.done:
			conn.Close()
			return
		}

		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
					h.logf("WebSocket error: %v", err)
				}
				break
			}
		}
	}
}

func (h *Hub) logf(format string, args ...interface{}) {
	h.logger.Writef(format, args...)
}
