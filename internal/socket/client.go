// Package socket implements the reconnecting platform socket: one transport per
// authenticated session, auth handshake, keep-alive and exponential backoff.
package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"opsdash/internal/models"
	"opsdash/internal/utils"
)

const (
	DefaultBaseInterval = 3 * time.Second
	DefaultMaxAttempts  = 5
	DefaultPingPeriod   = 30 * time.Second
	DefaultAuthTimeout  = 10 * time.Second
	DefaultWriteWait    = 10 * time.Second
	DefaultDialTimeout  = 10 * time.Second

	backoffFactor = 1.5
)

// Options configures the client. Zero values fall back to the defaults above.
type Options struct {
	URL          string
	BaseInterval time.Duration
	MaxAttempts  int
	PingPeriod   time.Duration
	AuthTimeout  time.Duration
	WriteWait    time.Duration
	DialTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.BaseInterval <= 0 {
		o.BaseInterval = DefaultBaseInterval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = DefaultPingPeriod
	}
	if o.AuthTimeout < 0 {
		o.AuthTimeout = 0
	} else if o.AuthTimeout == 0 {
		o.AuthTimeout = DefaultAuthTimeout
	}
	if o.WriteWait <= 0 {
		o.WriteWait = DefaultWriteWait
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	return o
}

// Inbound receives raw frames in receipt order. The router satisfies it.
type Inbound interface {
	Enqueue(ctx context.Context, raw []byte) bool
}

// Backoff returns base × 1.5^(attempt−1).
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(base) * math.Pow(backoffFactor, float64(attempt-1)))
}

// Client owns at most one live transport. All state is guarded by mu; the
// transport is written under writeMu only.
type Client struct {
	opts    Options
	dialer  Dialer
	inbound Inbound
	logger  *utils.Logger

	mu         sync.Mutex
	state      models.ConnectionState
	token      string
	attempts   int
	lastErr    error
	nextRetry  time.Duration
	exhausted  bool
	openedAt   time.Time
	lastPongAt time.Time
	conn       Conn
	gen        uint64
	connCtx    context.Context
	connCancel context.CancelFunc
	retryTimer *time.Timer
	authTimer  *time.Timer
	listeners  []func(models.ConnectionStatus)

	writeMu sync.Mutex

	afterFunc func(time.Duration, func()) *time.Timer
	now       func() time.Time
}

// NewClient builds a disconnected client. inbound may be nil, in which case
// frames other than the handshake are dropped.
func NewClient(opts Options, dialer Dialer, inbound Inbound, logger *utils.Logger) *Client {
	opts = opts.withDefaults()
	if dialer == nil {
		dialer = NewWebsocketDialer(opts.DialTimeout)
	}
	return &Client{
		opts:      opts,
		dialer:    dialer,
		inbound:   inbound,
		logger:    logger,
		state:     models.StateDisconnected,
		afterFunc: time.AfterFunc,
		now:       time.Now,
	}
}

// OnStatus registers a listener called after every state change.
func (c *Client) OnStatus(fn func(models.ConnectionStatus)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Status returns a snapshot for display.
func (c *Client) Status() models.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// State returns the current connection state.
func (c *Client) State() models.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the error behind the most recent drop, if any.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Client) statusLocked() models.ConnectionStatus {
	st := models.ConnectionStatus{
		State:      c.state,
		Endpoint:   c.opts.URL,
		Attempts:   c.attempts,
		NextRetry:  c.nextRetry,
		Exhausted:  c.exhausted,
		OpenedAt:   c.openedAt,
		LastPongAt: c.lastPongAt,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

func (c *Client) notify() {
	c.mu.Lock()
	st := c.statusLocked()
	listeners := append([]func(models.ConnectionStatus){}, c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(st)
	}
}

// UpdateToken stores the newest session token. While open, a new auth frame is
// sent immediately without dropping the connection; otherwise the token is
// used at the next auth send.
func (c *Client) UpdateToken(token string) {
	c.mu.Lock()
	if c.token == token {
		c.mu.Unlock()
		return
	}
	c.token = token
	var conn Conn
	if c.state == models.StateOpen {
		conn = c.conn
	}
	c.mu.Unlock()
	if conn != nil {
		if err := c.write(conn, models.NewAuthFrame(token)); err != nil {
			c.logf("Re-authentication send failed: %v", err)
		}
	}
}

// Connect starts a connection attempt. It is a no-op while a connection is
// being established or already open. A manual Connect resets the retry budget.
func (c *Client) Connect() {
	c.mu.Lock()
	switch c.state {
	case models.StateConnecting, models.StateAuthenticating, models.StateOpen, models.StateClosing:
		c.mu.Unlock()
		return
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.attempts = 0
	c.exhausted = false
	c.nextRetry = 0
	c.lastErr = nil
	gen, ctx := c.beginAttemptLocked()
	c.mu.Unlock()

	c.notify()
	go c.dial(ctx, gen)
}

// Disconnect cancels any pending retry and closes the transport cleanly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.nextRetry = 0
	conn := c.conn
	if conn != nil {
		c.state = models.StateClosing
	}
	c.mu.Unlock()

	if conn != nil {
		c.notify()
		c.writeClose(conn)
	}

	c.mu.Lock()
	c.teardownLocked()
	c.state = models.StateDisconnected
	c.openedAt = time.Time{}
	c.mu.Unlock()

	if conn != nil {
		c.logf("Disconnected from %s", c.opts.URL)
	}
	c.notify()
}

// Send serializes and transmits a frame. It fails with ErrNotConnected unless
// the connection is open.
func (c *Client) Send(frame models.Envelope) error {
	c.mu.Lock()
	if c.state != models.StateOpen || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()
	return c.write(conn, frame)
}

// HandleAuthResponse completes or fails the handshake. It is subscribed to
// auth_response frames on the router.
func (c *Client) HandleAuthResponse(f models.Frame) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return
	}
	if strings.EqualFold(f.Envelope.Status, models.AuthStatusSuccess) {
		if c.state != models.StateAuthenticating {
			c.mu.Unlock()
			return
		}
		c.state = models.StateOpen
		c.attempts = 0
		c.exhausted = false
		c.nextRetry = 0
		c.lastErr = nil
		c.openedAt = c.now()
		c.stopAuthTimerLocked()
		ctx, gen := c.connCtx, c.gen
		c.mu.Unlock()

		c.logf("Connection open: %s", c.opts.URL)
		go c.keepAlive(ctx, gen)
		c.notify()
		return
	}

	reason := strings.TrimSpace(f.Envelope.Error)
	c.gen++
	c.teardownLocked()
	c.state = models.StateDisconnected
	c.openedAt = time.Time{}
	c.nextRetry = 0
	c.lastErr = &AuthError{Reason: reason}
	c.mu.Unlock()

	c.logf("Authentication failed for %s: %s", c.opts.URL, reason)
	c.notify()
}

// HandlePing answers a ping from the far end with a pong.
func (c *Client) HandlePing(models.Frame) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if err := c.write(conn, models.NewPongFrame(c.now())); err != nil {
		c.logf("Pong send failed: %v", err)
	}
}

// HandlePong records the far end's reply to our keep-alive.
func (c *Client) HandlePong(models.Frame) {
	c.mu.Lock()
	c.lastPongAt = c.now()
	c.mu.Unlock()
}

// beginAttemptLocked invalidates older attempts and moves to Connecting.
func (c *Client) beginAttemptLocked() (uint64, context.Context) {
	c.gen++
	c.state = models.StateConnecting
	ctx, cancel := context.WithCancel(context.Background())
	c.connCtx, c.connCancel = ctx, cancel
	return c.gen, ctx
}

func (c *Client) dial(ctx context.Context, gen uint64) {
	dctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	conn, err := c.dialer.Dial(dctx, c.opts.URL)
	cancel()
	if err != nil {
		c.drop(gen, &TransportError{Op: "dial", Err: err}, false)
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.state = models.StateAuthenticating
	token := c.token
	if c.opts.AuthTimeout > 0 {
		c.authTimer = time.AfterFunc(c.opts.AuthTimeout, func() { c.authTimedOut(gen) })
	}
	c.mu.Unlock()

	c.notify()
	go c.readLoop(ctx, gen, conn)

	if err := c.write(conn, models.NewAuthFrame(token)); err != nil {
		c.drop(gen, &TransportError{Op: "auth", Err: err}, false)
	}
}

func (c *Client) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.drop(gen, &TransportError{Op: "read", Err: err}, isCleanClose(err))
			return
		}
		if c.inbound == nil {
			continue
		}
		if !c.inbound.Enqueue(ctx, data) {
			return
		}
	}
}

func (c *Client) authTimedOut(gen uint64) {
	c.mu.Lock()
	waiting := gen == c.gen && c.state == models.StateAuthenticating
	c.mu.Unlock()
	if waiting {
		c.drop(gen, &TransportError{Op: "auth", Err: errAuthTimeout}, false)
	}
}

// drop handles the loss of the transport for attempt gen. Unclean drops
// schedule a retry until the attempt budget is spent.
func (c *Client) drop(gen uint64, cause error, clean bool) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.state = models.StateDisconnected
	c.openedAt = time.Time{}
	c.lastErr = cause
	c.gen++

	if clean {
		c.nextRetry = 0
		c.mu.Unlock()
		c.logf("Connection to %s closed by peer", c.opts.URL)
		c.notify()
		return
	}

	if c.attempts >= c.opts.MaxAttempts {
		c.exhausted = true
		c.nextRetry = 0
		c.lastErr = fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, c.attempts, cause)
		c.mu.Unlock()
		c.logf("Giving up on %s: %v", c.opts.URL, cause)
		c.notify()
		return
	}

	c.attempts++
	delay := Backoff(c.opts.BaseInterval, c.attempts)
	c.nextRetry = delay
	retryGen := c.gen
	attempt := c.attempts
	c.retryTimer = c.afterFunc(delay, func() { c.retry(retryGen) })
	c.mu.Unlock()

	c.logf("Connection to %s lost (%v); retry %d/%d in %s", c.opts.URL, cause, attempt, c.opts.MaxAttempts, delay)
	c.notify()
}

func (c *Client) retry(retryGen uint64) {
	c.mu.Lock()
	if retryGen != c.gen || c.state != models.StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	c.nextRetry = 0
	gen, ctx := c.beginAttemptLocked()
	c.mu.Unlock()

	c.notify()
	c.dial(ctx, gen)
}

func (c *Client) keepAlive(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := gen == c.gen && c.state == models.StateOpen
			c.mu.Unlock()
			if !current {
				return
			}
			if err := c.Send(models.NewPingFrame(c.now())); err != nil {
				c.logf("Keep-alive ping failed: %v", err)
			}
		}
	}
}

// teardownLocked releases the transport and every per-connection task.
func (c *Client) teardownLocked() {
	if c.connCancel != nil {
		c.connCancel()
		c.connCtx, c.connCancel = nil, nil
	}
	c.stopAuthTimerLocked()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) stopAuthTimerLocked() {
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
}

func (c *Client) write(conn Conn, frame models.Envelope) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", frame.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(c.now().Add(c.opts.WriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (c *Client) writeClose(conn Conn) {
	cw, ok := conn.(controlWriter)
	if !ok {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
	_ = cw.WriteControl(websocket.CloseMessage, msg, c.now().Add(c.opts.WriteWait))
}

func (c *Client) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Writef(format, args...)
	}
}
