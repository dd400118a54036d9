// Package monitoring exposes dashboard state as Prometheus metrics on a
// private registry.
package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"opsdash/internal/models"
)

const namespace = "opsdash"

var connectionStates = []models.ConnectionState{
	models.StateDisconnected,
	models.StateConnecting,
	models.StateAuthenticating,
	models.StateOpen,
	models.StateClosing,
}

// Snapshot is the state read on every scrape.
type Snapshot struct {
	LoggedIn          bool
	ConnectionState   models.ConnectionState
	ReconnectAttempts int
	RetriesExhausted  bool

	FramesReceived   uint64
	FramesDispatched uint64
	FramesMalformed  uint64
	FramesUnhandled  uint64
	FramesDropped    uint64

	WindowLength   int
	WindowCapacity int
	WindowStale    bool

	Notifications int
	Unread        int
	UIClients     int
}

// Source supplies the current Snapshot.
type Source interface {
	MonitoringSnapshot() Snapshot
}

// SourceFunc adapts a function to Source.
type SourceFunc func() Snapshot

func (f SourceFunc) MonitoringSnapshot() Snapshot { return f() }

type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// New registers the dashboard collector for src plus Go runtime collectors.
func New(src Source) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Dashboard API requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Dashboard API latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		m.httpRequests,
		m.httpLatency,
		newStateCollector(src),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records request counts and latency per matched route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpLatency.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}

type stateCollector struct {
	src Source

	loggedIn      *prometheus.Desc
	connState     *prometheus.Desc
	attempts      *prometheus.Desc
	exhausted     *prometheus.Desc
	frames        *prometheus.Desc
	windowLength  *prometheus.Desc
	windowCap     *prometheus.Desc
	windowStale   *prometheus.Desc
	notifications *prometheus.Desc
	unread        *prometheus.Desc
	uiClients     *prometheus.Desc
}

func newStateCollector(src Source) *stateCollector {
	name := func(sub, n string) string { return prometheus.BuildFQName(namespace, sub, n) }
	return &stateCollector{
		src:           src,
		loggedIn:      prometheus.NewDesc(name("session", "logged_in"), "1 while a user session is active.", nil, nil),
		connState:     prometheus.NewDesc(name("socket", "state"), "1 for the current connection state.", []string{"state"}, nil),
		attempts:      prometheus.NewDesc(name("socket", "reconnect_attempts"), "Reconnect attempts since the last successful open.", nil, nil),
		exhausted:     prometheus.NewDesc(name("socket", "retries_exhausted"), "1 when the reconnect budget is spent.", nil, nil),
		frames:        prometheus.NewDesc(name("router", "frames_total"), "Frames seen by the router.", []string{"outcome"}, nil),
		windowLength:  prometheus.NewDesc(name("metrics", "window_length"), "Samples in the telemetry window.", nil, nil),
		windowCap:     prometheus.NewDesc(name("metrics", "window_capacity"), "Configured window capacity.", nil, nil),
		windowStale:   prometheus.NewDesc(name("metrics", "window_stale"), "1 when the last pull refresh failed.", nil, nil),
		notifications: prometheus.NewDesc(name("notifications", "total"), "Notifications in the active feed.", nil, nil),
		unread:        prometheus.NewDesc(name("notifications", "unread"), "Unread notifications in the active feed.", nil, nil),
		uiClients:     prometheus.NewDesc(name("ui", "clients"), "Connected dashboard push clients.", nil, nil),
	}
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.loggedIn, c.connState, c.attempts, c.exhausted, c.frames,
		c.windowLength, c.windowCap, c.windowStale, c.notifications, c.unread, c.uiClients} {
		ch <- d
	}
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.MonitoringSnapshot()
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(v uint64, outcome string) {
		ch <- prometheus.MustNewConstMetric(c.frames, prometheus.CounterValue, float64(v), outcome)
	}

	gauge(c.loggedIn, boolValue(s.LoggedIn))
	state := s.ConnectionState
	if state == "" {
		state = models.StateDisconnected
	}
	for _, st := range connectionStates {
		gauge(c.connState, boolValue(st == state), string(st))
	}
	gauge(c.attempts, float64(s.ReconnectAttempts))
	gauge(c.exhausted, boolValue(s.RetriesExhausted))

	counter(s.FramesReceived, "received")
	counter(s.FramesDispatched, "dispatched")
	counter(s.FramesMalformed, "malformed")
	counter(s.FramesUnhandled, "unhandled")
	counter(s.FramesDropped, "dropped")

	gauge(c.windowLength, float64(s.WindowLength))
	gauge(c.windowCap, float64(s.WindowCapacity))
	gauge(c.windowStale, boolValue(s.WindowStale))
	gauge(c.notifications, float64(s.Notifications))
	gauge(c.unread, float64(s.Unread))
	gauge(c.uiClients, float64(s.UIClients))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
