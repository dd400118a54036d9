// Package simulator is a stand-in platform backend. It speaks the dashboard
// frame protocol over a websocket and serves the telemetry history API with
// configurable latency and failure rates.
package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"opsdash/internal/metrics"
	"opsdash/internal/middleware"
	"opsdash/internal/models"
	"opsdash/internal/utils"
)

const (
	DefaultPushInterval = 5 * time.Second
	DefaultAuthTimeout  = 10 * time.Second
	writeWait           = 10 * time.Second
	maxMessageSize      = 64 * 1024
)

type Options struct {
	PushInterval time.Duration
	AuthTimeout  time.Duration
	Latency      time.Duration
	AlertRate    float64
	ErrorRate    float64
	Devices      int
	RateLimit    float64
	Burst        int
	// Seed fixes the random source; zero seeds from the clock.
	Seed int64
}

// SampleSource provides host telemetry to push and serve.
type SampleSource interface {
	Latest() (models.MetricSample, bool)
	History() []models.MetricSample
}

type Server struct {
	opts    Options
	auth    *middleware.AuthService
	samples SampleSource
	logger  *utils.Logger
	limiter *middleware.RateLimiter

	upgrader websocket.Upgrader

	rngMu sync.Mutex
	rng   *rand.Rand

	mu    sync.Mutex
	peers map[*peer]struct{}
}

func NewServer(opts Options, auth *middleware.AuthService, samples SampleSource, logger *utils.Logger) *Server {
	if opts.PushInterval <= 0 {
		opts.PushInterval = DefaultPushInterval
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = DefaultAuthTimeout
	}
	if opts.Devices < 0 {
		opts.Devices = 0
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 40
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Server{
		opts:    opts,
		auth:    auth,
		samples: samples,
		logger:  logger,
		limiter: middleware.NewRateLimiter(rate.Limit(opts.RateLimit), opts.Burst),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rng:   rand.New(rand.NewSource(seed)),
		peers: make(map[*peer]struct{}),
	}
}

// Handler builds the gin engine.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.limiter.Middleware())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "peers": s.PeerCount()})
	})
	r.GET("/ws", s.handleWebSocket)
	r.GET(metrics.HistoryPath, s.auth.RequireAPIAuth(), s.handleHistory)
	return r
}

// Close disconnects every websocket peer and stops the limiter sweep.
func (s *Server) Close() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		p.closeWith(websocket.CloseGoingAway, "server shutdown")
	}
	s.limiter.Stop()
}

func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.opts.Latency > 0 {
		select {
		case <-time.After(s.opts.Latency):
		case <-c.Request.Context().Done():
			return
		}
	}
	if s.roll() < s.opts.ErrorRate {
		s.logf("History request failed (simulated)")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "simulated upstream failure"})
		return
	}
	var history []models.MetricSample
	if s.samples != nil {
		history = s.samples.History()
	}
	out := make([]models.MetricSample, 0, len(history))
	for _, sample := range history {
		out = append(out, s.decorate(sample))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logf("WebSocket upgrade error: %v", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	p := &peer{server: s, conn: conn, remote: c.ClientIP()}
	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()
	s.logf("Peer %s connected", p.remote)

	p.serve(c.Request.Context())

	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
	s.logf("Peer %s disconnected", p.remote)
}

// nextSample returns the newest host sample, or a synthetic one when the
// sampler has not produced any yet.
func (s *Server) nextSample() models.MetricSample {
	var sample models.MetricSample
	ok := false
	if s.samples != nil {
		sample, ok = s.samples.Latest()
	}
	if !ok {
		s.rngMu.Lock()
		sample = models.MetricSample{
			CPU:     20 + s.rng.Float64()*50,
			Memory:  30 + s.rng.Float64()*40,
			Disk:    40 + s.rng.Float64()*20,
			DiskIO:  s.rng.Float64() * 5e6,
			Network: s.rng.Float64() * 1e7,
		}
		s.rngMu.Unlock()
	}
	sample.Timestamp = time.Now()
	return s.decorate(sample)
}

// decorate fills the device-derived counters the host sampler cannot know.
func (s *Server) decorate(sample models.MetricSample) models.MetricSample {
	s.rngMu.Lock()
	offline := 0
	if s.opts.Devices > 0 {
		offline = s.rng.Intn(minInt(3, s.opts.Devices+1))
	}
	active := s.opts.Devices - offline
	msgRate := float64(active) * (0.5 + s.rng.Float64()*1.5)
	s.rngMu.Unlock()

	sample.ActiveDevices = active
	sample.MessagesPerSec = msgRate
	return sample.Normalize()
}

type alertTemplate struct {
	severity string
	title    string
	message  string
}

var alertTemplates = []alertTemplate{
	{models.SeverityWarning, "High CPU usage", "%s reported CPU above 85%%"},
	{models.SeverityError, "Device offline", "%s stopped responding"},
	{models.SeverityInfo, "Firmware update available", "A new firmware build is ready for %s"},
	{models.SeveritySuccess, "Device reconnected", "%s is back online"},
	{models.SeverityWarning, "Message backlog", "%s is queueing messages faster than they drain"},
}

// maybeAlert returns a synthetic notification with probability AlertRate.
func (s *Server) maybeAlert() (models.Notification, bool) {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	if s.rng.Float64() >= s.opts.AlertRate {
		return models.Notification{}, false
	}
	tpl := alertTemplates[s.rng.Intn(len(alertTemplates))]
	device := fmt.Sprintf("sensor-%02d", s.rng.Intn(maxInt(s.opts.Devices, 1))+1)
	return models.Notification{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Severity:  tpl.severity,
		Title:     tpl.title,
		Message:   fmt.Sprintf(tpl.message, device),
		Source:    "simulator",
	}, true
}

func (s *Server) roll() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}

func (s *Server) logf(format string, args ...interface{}) {
	s.logger.Writef(format, args...)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// peer is one websocket connection.
type peer struct {
	server *Server
	conn   *websocket.Conn
	remote string

	writeMu   sync.Mutex
	mu        sync.Mutex
	user      string
	authed    bool
	pushing   bool
	closeOnce sync.Once
}

func (p *peer) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer p.conn.Close()

	authTimer := time.AfterFunc(p.server.opts.AuthTimeout, func() {
		if !p.isAuthed() {
			p.writeError("authentication timeout")
			p.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
		}
	})
	defer authTimer.Stop()

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			p.writeError("malformed frame")
			continue
		}
		switch models.FrameType(env.Type) {
		case models.FrameAuth:
			if !p.authenticate(ctx, env.Token) {
				return
			}
			authTimer.Stop()
		case models.FramePing:
			p.write(models.NewPongFrame(time.Now()))
		case models.FramePong:
		default:
			if !p.isAuthed() {
				p.writeError("not authenticated")
			} else {
				p.writeError("unsupported frame type " + env.Type)
			}
		}
	}
}

// authenticate validates token and answers with auth_response. A failed first
// authentication closes the connection and returns false; a failed
// re-authentication keeps the previous identity.
func (p *peer) authenticate(ctx context.Context, token string) bool {
	claims, err := p.server.auth.ValidateToken(token)
	if err != nil {
		p.server.logf("Peer %s auth rejected: %v", p.remote, err)
		p.write(models.Envelope{Type: string(models.FrameAuthResponse), Status: "error", Error: "invalid token"})
		if !p.isAuthed() {
			p.closeWith(websocket.ClosePolicyViolation, "authentication failed")
			return false
		}
		return true
	}

	p.mu.Lock()
	p.user = claims.Username
	p.authed = true
	startPush := !p.pushing
	p.pushing = true
	p.mu.Unlock()

	p.server.logf("Peer %s authenticated as %s", p.remote, claims.Username)
	p.write(models.Envelope{Type: string(models.FrameAuthResponse), Status: models.AuthStatusSuccess, Timestamp: time.Now().UnixMilli()})
	if startPush {
		go p.pushLoop(ctx)
	}
	return true
}

func (p *peer) pushLoop(ctx context.Context) {
	ticker := time.NewTicker(p.server.opts.PushInterval)
	defer ticker.Stop()
	p.push()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.push()
		}
	}
}

func (p *peer) push() {
	frame, err := models.NewDataFrame(models.FrameDataUpdate, p.server.nextSample())
	if err == nil {
		p.write(frame)
	}
	if n, ok := p.server.maybeAlert(); ok {
		if frame, err := models.NewDataFrame(models.FrameNotification, n); err == nil {
			p.write(frame)
		}
	}
}

func (p *peer) isAuthed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authed
}

func (p *peer) writeError(msg string) {
	p.write(models.Envelope{Type: string(models.FrameError), Error: msg, Timestamp: time.Now().UnixMilli()})
}

func (p *peer) write(env models.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		p.server.logf("Peer %s write error: %v", p.remote, err)
	}
}

func (p *peer) closeWith(code int, reason string) {
	p.closeOnce.Do(func() {
		p.writeMu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		p.writeMu.Unlock()
		p.conn.Close()
	})
}
