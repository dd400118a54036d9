// Package app owns the per-user session context: the router, socket client,
// metrics aggregator and notification store that live between login and
// logout.
package app

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"opsdash/internal/config"
	"opsdash/internal/metrics"
	"opsdash/internal/middleware"
	"opsdash/internal/models"
	"opsdash/internal/monitoring"
	"opsdash/internal/notify"
	"opsdash/internal/router"
	"opsdash/internal/session"
	"opsdash/internal/socket"
	"opsdash/internal/storage"
	"opsdash/internal/utils"
)

// ErrNoSession is returned by operations that need a logged-in user.
var ErrNoSession = errors.New("no active session")

// Event types pushed to the dashboard.
const (
	EventConnection    = "connection"
	EventMetrics       = "metrics"
	EventNotifications = "notifications"
	EventSession       = "session"
)

// Publisher receives state changes for the presentation layer.
type Publisher interface {
	Publish(eventType string, data interface{}) bool
}

type Options struct {
	Config    *config.Config
	KV        storage.KV
	Logger    *utils.Logger
	Publisher Publisher
	// Dialer and Fetcher override the network defaults, mainly for tests.
	Dialer  socket.Dialer
	Fetcher metrics.Fetcher
}

// App holds the process-wide pieces and at most one live Session.
type App struct {
	cfg       *config.Config
	kv        storage.KV
	logger    *utils.Logger
	publisher Publisher
	dialer    socket.Dialer
	fetcher   metrics.Fetcher

	auth     *middleware.AuthService
	sessions *session.Manager

	mu      sync.Mutex
	current *Session
}

func New(opts Options) *App {
	cfg := opts.Config
	auth := middleware.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
	a := &App{
		cfg:       cfg,
		kv:        opts.KV,
		logger:    opts.Logger,
		publisher: opts.Publisher,
		dialer:    opts.Dialer,
		fetcher:   opts.Fetcher,
		auth:      auth,
		sessions:  session.NewManager(auth, opts.KV, cfg.UserMap(), opts.Logger.With("session")),
	}
	a.sessions.OnChange(a.onSessionChange)
	return a
}

func (a *App) Auth() *middleware.AuthService { return a.auth }

func (a *App) Sessions() *session.Manager { return a.sessions }

// Current returns the live session or nil when logged out.
func (a *App) Current() *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Login authenticates and starts a session, replacing any existing one.
func (a *App) Login(username, password string) (*Session, error) {
	st, err := a.sessions.Login(username, password)
	if err != nil {
		return nil, err
	}
	return a.start(st), nil
}

// Restore resumes a persisted session, if any.
func (a *App) Restore() (*Session, bool) {
	st, ok := a.sessions.Restore()
	if !ok {
		return nil, false
	}
	return a.start(st), true
}

// Refresh reissues the session token; the socket re-authenticates with it.
func (a *App) Refresh() (session.State, error) {
	return a.sessions.Refresh()
}

// Logout tears down the live session and clears the credentials.
func (a *App) Logout() {
	a.stopCurrent()
	a.sessions.Logout()
}

// Shutdown stops the live session but keeps the credentials for the next start.
func (a *App) Shutdown() {
	a.stopCurrent()
}

func (a *App) stopCurrent() {
	a.mu.Lock()
	s := a.current
	a.current = nil
	a.mu.Unlock()
	if s != nil {
		s.stop()
		a.logf("Session for %s stopped", s.User)
	}
}

func (a *App) start(st session.State) *Session {
	a.stopCurrent()
	s := a.newSession(st)
	a.mu.Lock()
	a.current = s
	a.mu.Unlock()
	s.start()
	a.logf("Session for %s started", st.User)
	return s
}

func (a *App) onSessionChange(st session.State) {
	a.publish(EventSession, st)
	if !st.Authenticated() {
		return
	}
	if s := a.Current(); s != nil && s.User == st.User {
		s.Client.UpdateToken(st.Token)
	}
}

func (a *App) newSession(st session.State) *Session {
	cfg := a.cfg
	logger := a.logger.With("session:" + st.User)

	r := router.New(a.logger.With("router"), 0)
	client := socket.NewClient(socket.Options{
		URL:          cfg.Socket.URL,
		BaseInterval: cfg.Socket.BaseInterval,
		MaxAttempts:  cfg.Socket.MaxAttempts,
		PingPeriod:   cfg.Socket.PingPeriod,
		AuthTimeout:  cfg.Socket.AuthTimeout,
		DialTimeout:  cfg.Socket.DialTimeout,
	}, a.dialer, r, a.logger.With("socket"))
	client.UpdateToken(st.Token)

	fetcher := a.fetcher
	if fetcher == nil {
		fetcher = metrics.NewHTTPFetcher(cfg.API.BaseURL, a.sessions.Token)
	}
	agg := metrics.NewAggregator(cfg.Metrics.Capacity, cfg.Metrics.RefreshInterval, fetcher, a.logger.With("metrics"))
	store := notify.NewStore(a.kv, cfg.Notifications.Limit, a.logger.With("notify"))
	store.SwitchUser(st.User)

	s := &Session{
		User:          st.User,
		Router:        r,
		Client:        client,
		Metrics:       agg,
		Notifications: store,
		logger:        logger,
	}

	s.unsubs = append(s.unsubs,
		r.Subscribe(models.FrameAuthResponse, client.HandleAuthResponse),
		r.Subscribe(models.FramePing, client.HandlePing),
		r.Subscribe(models.FramePong, client.HandlePong),
		r.Subscribe(models.FrameDataUpdate, agg.HandleFrame),
		r.Subscribe(models.FrameNotification, store.HandleFrame),
		r.Subscribe(models.FrameError, s.handleError),
	)
	r.SetFallback(s.handleUnknown)

	client.OnStatus(func(status models.ConnectionStatus) { a.publish(EventConnection, status) })
	agg.OnChange(func(window []models.MetricSample) { a.publish(EventMetrics, window) })
	store.OnChange(func(snap notify.Snapshot) { a.publish(EventNotifications, snap) })
	return s
}

func (a *App) publish(eventType string, data interface{}) {
	if a.publisher != nil {
		a.publisher.Publish(eventType, data)
	}
}

// MonitoringSnapshot reports the live session state for Prometheus.
func (a *App) MonitoringSnapshot() monitoring.Snapshot {
	s := a.Current()
	if s == nil {
		return monitoring.Snapshot{ConnectionState: models.StateDisconnected}
	}
	status := s.Client.Status()
	stats := s.Router.Stats()
	window := s.Metrics.Status()
	feed := s.Notifications.Snapshot()
	return monitoring.Snapshot{
		LoggedIn:          true,
		ConnectionState:   status.State,
		ReconnectAttempts: status.Attempts,
		RetriesExhausted:  status.Exhausted,
		FramesReceived:    stats.Received,
		FramesDispatched:  stats.Dispatched,
		FramesMalformed:   stats.Malformed,
		FramesUnhandled:   stats.Unhandled,
		FramesDropped:     stats.Dropped,
		WindowLength:      window.Length,
		WindowCapacity:    window.Capacity,
		WindowStale:       window.Stale,
		Notifications:     len(feed.Notifications),
		Unread:            feed.UnreadCount,
	}
}

func (a *App) logf(format string, args ...interface{}) {
	a.logger.Writef(format, args...)
}

// Session is the context object for one logged-in user.
type Session struct {
	User          string
	Router        *router.Router
	Client        *socket.Client
	Metrics       *metrics.Aggregator
	Notifications *notify.Store

	logger *utils.Logger
	unsubs []func()
	cancel context.CancelFunc
	group  *errgroup.Group
}

func (s *Session) start() {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	s.cancel = cancel
	s.group = g
	g.Go(func() error { return s.Router.Run(gctx) })
	s.Metrics.Start()
	s.Client.Connect()
}

// stop disconnects the socket, cancels pulls and the dispatch loop, then
// releases subscriptions and the in-memory feed.
func (s *Session) stop() {
	s.Client.Disconnect()
	s.Metrics.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		if err := s.group.Wait(); err != nil {
			s.logger.Writef("Dispatch loop ended with error: %v", err)
		}
	}
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	s.Notifications.Logout()
}

func (s *Session) handleError(f models.Frame) {
	msg := f.Envelope.Error
	if msg == "" {
		msg = string(f.Payload())
	}
	s.logger.Writef("Platform reported error: %s", msg)
}

func (s *Session) handleUnknown(f models.Frame) {
	s.logger.Writef("Ignoring frame of unknown type %q", f.RawType)
}
