// Package router classifies raw socket frames and dispatches them to
// subscribers from a single dispatch loop.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"opsdash/internal/models"
	"opsdash/internal/utils"
)

// ErrMalformedFrame is returned by Classify for input that is not a typed JSON frame.
var ErrMalformedFrame = errors.New("malformed frame")

const defaultQueueSize = 256

// Handler receives a classified frame.
type Handler func(models.Frame)

type subscription struct {
	id      uint64
	handler Handler
}

// Stats counts frames seen by the router.
type Stats struct {
	Received   uint64 `json:"received"`
	Dispatched uint64 `json:"dispatched"`
	Malformed  uint64 `json:"malformed"`
	Unhandled  uint64 `json:"unhandled"`
	Dropped    uint64 `json:"dropped"`
}

// Router is the single dispatch point for inbound frames.
type Router struct {
	mu       sync.RWMutex
	subs     map[models.FrameType][]subscription
	nextID   uint64
	fallback Handler
	stats    Stats

	inbox  chan []byte
	now    func() time.Time
	logger *utils.Logger
}

// New creates a router with a buffered inbox of queueSize frames.
func New(logger *utils.Logger, queueSize int) *Router {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Router{
		subs:   make(map[models.FrameType][]subscription),
		inbox:  make(chan []byte, queueSize),
		now:    time.Now,
		logger: logger,
	}
}

// Classify parses raw into a frame. Unknown tags classify as FrameUnknown.
func (r *Router) Classify(raw []byte) (models.Frame, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return models.Frame{}, fmt.Errorf("%w: not a JSON object", ErrMalformedFrame)
	}
	var env models.Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return models.Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	tag := strings.TrimSpace(env.Type)
	if tag == "" {
		return models.Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	ft := models.FrameType(tag)
	if !models.KnownFrameType(ft) {
		ft = models.FrameUnknown
	}
	return models.Frame{Type: ft, RawType: tag, Envelope: env, ReceivedAt: r.now()}, nil
}

// Subscribe registers handler for frames of type t. The returned function
// removes the registration.
func (r *Router) Subscribe(t models.FrameType, handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs[t] = append(r.subs[t], subscription{id: id, handler: handler})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.unsubscribe(t, id) })
	}
}

func (r *Router) unsubscribe(t models.FrameType, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.subs[t]
	for i, s := range list {
		if s.id == id {
			next := make([]subscription, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(r.subs, t)
			} else {
				r.subs[t] = next
			}
			return
		}
	}
}

// SetFallback replaces the catch-all sink for frames nobody subscribed to.
func (r *Router) SetFallback(handler Handler) {
	r.mu.Lock()
	r.fallback = handler
	r.mu.Unlock()
}

// Dispatch invokes every subscriber for the frame's type in registration order.
func (r *Router) Dispatch(frame models.Frame) {
	r.mu.Lock()
	handlers := make([]Handler, 0, len(r.subs[frame.Type]))
	for _, s := range r.subs[frame.Type] {
		handlers = append(handlers, s.handler)
	}
	fallback := r.fallback
	if len(handlers) == 0 {
		r.stats.Unhandled++
	} else {
		r.stats.Dispatched++
	}
	r.mu.Unlock()

	if len(handlers) == 0 {
		if fallback != nil {
			r.invoke(fallback, frame)
			return
		}
		r.logf("Unhandled frame type %q (%d bytes)", frame.RawType, len(frame.Envelope.Data))
		return
	}
	for _, h := range handlers {
		r.invoke(h, frame)
	}
}

func (r *Router) invoke(h Handler, frame models.Frame) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logf("Subscriber for %q panicked: %v", frame.RawType, rec)
		}
	}()
	h(frame)
}

// Process classifies and dispatches one raw frame synchronously. Malformed
// frames are logged and dropped.
func (r *Router) Process(raw []byte) error {
	r.mu.Lock()
	r.stats.Received++
	r.mu.Unlock()

	frame, err := r.Classify(raw)
	if err != nil {
		r.mu.Lock()
		r.stats.Malformed++
		r.mu.Unlock()
		r.logf("Dropping frame: %v", err)
		return err
	}
	r.Dispatch(frame)
	return nil
}

// Enqueue hands a raw frame to the dispatch loop. It blocks while the inbox is
// full unless ctx is done, in which case the frame is dropped.
func (r *Router) Enqueue(ctx context.Context, raw []byte) bool {
	select {
	case r.inbox <- raw:
		return true
	case <-ctx.Done():
		r.mu.Lock()
		r.stats.Dropped++
		r.mu.Unlock()
		return false
	}
}

// Run drains the inbox in receipt order until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw := <-r.inbox:
			_ = r.Process(raw)
		}
	}
}

// Stats returns a copy of the frame counters.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

func (r *Router) logf(format string, args ...interface{}) {
	if r.logger != nil {
		r.logger.Writef(format, args...)
	}
}
