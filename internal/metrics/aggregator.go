// Package metrics keeps the bounded telemetry window shown on the dashboard,
// merging periodic pull refreshes with pushed data_update frames.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"opsdash/internal/models"
	"opsdash/internal/utils"
)

const (
	DefaultCapacity        = 24
	DefaultRefreshInterval = 30 * time.Second
	defaultPullTimeout     = 15 * time.Second
)

// ErrPullInFlight is returned when a refresh is requested while another is running.
var ErrPullInFlight = errors.New("pull refresh already in flight")

// PullRefreshFailed wraps a failed pull; the previous window is kept.
type PullRefreshFailed struct {
	At  time.Time
	Err error
}

func (e *PullRefreshFailed) Error() string {
	return fmt.Sprintf("pull refresh failed: %v", e.Err)
}

func (e *PullRefreshFailed) Unwrap() error { return e.Err }

// Fetcher pulls a full telemetry history from the data API.
type Fetcher interface {
	FetchSamples(ctx context.Context) ([]models.MetricSample, error)
}

// Status describes the freshness of the window for display.
type Status struct {
	Length      int       `json:"length"`
	Capacity    int       `json:"capacity"`
	LastRefresh time.Time `json:"last_refresh,omitempty"`
	LastPush    time.Time `json:"last_push,omitempty"`
	Stale       bool      `json:"stale"`
	LastError   string    `json:"last_error,omitempty"`
	Pulling     bool      `json:"pulling"`
}

// Aggregator owns the sample window. The window slice is never mutated in
// place: every update swaps in a new slice under mu.
type Aggregator struct {
	capacity int
	interval time.Duration
	timeout  time.Duration
	fetcher  Fetcher
	logger   *utils.Logger

	mu          sync.RWMutex
	window      []models.MetricSample
	lastRefresh time.Time
	lastPush    time.Time
	lastErr     error
	listeners   []func([]models.MetricSample)

	pulling atomic.Bool

	runMu      sync.Mutex
	stop       chan struct{}
	pullCancel context.CancelFunc
	wg         sync.WaitGroup

	now func() time.Time
}

// NewAggregator creates an empty window. A nil fetcher disables pull refresh.
func NewAggregator(capacity int, interval time.Duration, fetcher Fetcher, logger *utils.Logger) *Aggregator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Aggregator{
		capacity: capacity,
		interval: interval,
		timeout:  defaultPullTimeout,
		fetcher:  fetcher,
		logger:   logger,
		now:      time.Now,
	}
}

// OnChange registers a listener that receives the new window after every update.
func (a *Aggregator) OnChange(fn func([]models.MetricSample)) {
	if fn == nil {
		return
	}
	a.mu.Lock()
	a.listeners = append(a.listeners, fn)
	a.mu.Unlock()
}

// Start launches the periodic refresh task and performs an initial pull.
func (a *Aggregator) Start() {
	a.runMu.Lock()
	if a.stop != nil {
		a.runMu.Unlock()
		return
	}
	stop := make(chan struct{})
	a.stop = stop
	ctx, cancel := context.WithCancel(context.Background())
	a.pullCancel = cancel
	a.runMu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		a.tick(ctx)
		for {
			select {
			case <-ticker.C:
				a.tick(ctx)
			case <-stop:
				return
			}
		}
	}()
}

// Stop cancels the refresh task and any in-flight pull, then waits for it.
func (a *Aggregator) Stop() {
	a.runMu.Lock()
	stop := a.stop
	cancel := a.pullCancel
	a.stop = nil
	a.pullCancel = nil
	a.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
	if stop != nil {
		close(stop)
	}
	a.wg.Wait()
}

func (a *Aggregator) tick(ctx context.Context) {
	if a.fetcher == nil {
		return
	}
	err := a.Refresh(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrPullInFlight):
		a.logf("Skipping scheduled refresh: previous pull still running")
	case errors.Is(err, context.Canceled):
	default:
		a.logf("%v", err)
	}
}

// Refresh replaces the window with a fresh pull. Only one pull runs at a time;
// a request while one is in flight returns ErrPullInFlight immediately. On
// failure the existing window is kept and a *PullRefreshFailed is returned.
func (a *Aggregator) Refresh(ctx context.Context) error {
	if a.fetcher == nil {
		return &PullRefreshFailed{At: a.now(), Err: errors.New("no fetcher configured")}
	}
	if !a.pulling.CompareAndSwap(false, true) {
		return ErrPullInFlight
	}
	defer a.pulling.Store(false)

	pctx, cancel := context.WithTimeout(ctx, a.timeout)
	samples, err := a.fetcher.FetchSamples(pctx)
	cancel()
	if err != nil {
		failure := &PullRefreshFailed{At: a.now(), Err: err}
		a.mu.Lock()
		a.lastErr = failure
		a.mu.Unlock()
		return failure
	}

	window := a.normalize(samples)
	a.mu.Lock()
	a.window = window
	a.lastRefresh = a.now()
	a.lastErr = nil
	listeners := append([]func([]models.MetricSample){}, a.listeners...)
	a.mu.Unlock()

	a.emit(listeners, window)
	return nil
}

// Push appends one sample, evicting the oldest when the window is full.
func (a *Aggregator) Push(sample models.MetricSample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = a.now()
	}
	sample = sample.Normalize()

	a.mu.Lock()
	start := 0
	if len(a.window) >= a.capacity {
		start = len(a.window) - a.capacity + 1
	}
	next := make([]models.MetricSample, 0, a.capacity)
	next = append(next, a.window[start:]...)
	next = append(next, sample)
	a.window = next
	a.lastPush = a.now()
	listeners := append([]func([]models.MetricSample){}, a.listeners...)
	a.mu.Unlock()

	a.emit(listeners, next)
}

// HandleFrame decodes a data_update payload into a pushed sample.
func (a *Aggregator) HandleFrame(f models.Frame) {
	payload := f.Payload()
	if len(payload) == 0 {
		a.logf("data_update without payload ignored")
		return
	}
	var sample models.MetricSample
	if err := json.Unmarshal(payload, &sample); err != nil {
		a.logf("Dropping data_update: %v", err)
		return
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = f.ReceivedAt
	}
	a.Push(sample)
}

// Window returns a copy of the current samples, oldest first.
func (a *Aggregator) Window() []models.MetricSample {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]models.MetricSample, len(a.window))
	copy(out, a.window)
	return out
}

// Latest returns the most recent sample.
func (a *Aggregator) Latest() (models.MetricSample, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.window) == 0 {
		return models.MetricSample{}, false
	}
	return a.window[len(a.window)-1], true
}

// Status reports freshness; Stale is set while the last pull failed.
func (a *Aggregator) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st := Status{
		Length:      len(a.window),
		Capacity:    a.capacity,
		LastRefresh: a.lastRefresh,
		LastPush:    a.lastPush,
		Stale:       a.lastErr != nil,
		Pulling:     a.pulling.Load(),
	}
	if a.lastErr != nil {
		st.LastError = a.lastErr.Error()
	}
	return st
}

// LastError returns the last pull failure, if the window is stale.
func (a *Aggregator) LastError() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastErr
}

// Reset empties the window.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.window = nil
	a.lastErr = nil
	a.lastRefresh = time.Time{}
	a.lastPush = time.Time{}
	a.mu.Unlock()
}

// normalize orders samples chronologically and keeps the newest capacity of them.
func (a *Aggregator) normalize(samples []models.MetricSample) []models.MetricSample {
	out := make([]models.MetricSample, 0, len(samples))
	for _, s := range samples {
		if s.Timestamp.IsZero() {
			continue
		}
		out = append(out, s.Normalize())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if len(out) > a.capacity {
		out = out[len(out)-a.capacity:]
	}
	return out
}

func (a *Aggregator) emit(listeners []func([]models.MetricSample), window []models.MetricSample) {
	for _, fn := range listeners {
		snapshot := make([]models.MetricSample, len(window))
		copy(snapshot, window)
		fn(snapshot)
	}
}

func (a *Aggregator) logf(format string, args ...interface{}) {
	if a.logger != nil {
		a.logger.Writef(format, args...)
	}
}
