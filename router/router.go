// Package router demultiplexes named channel events to typed handlers.
// It owns no state: handlers close over the components they feed.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/clinicdesk/realtime/logger"
	"github.com/clinicdesk/realtime/model"
)

// ErrMalformedEvent marks a payload that failed decoding or shape validation.
var ErrMalformedEvent = errors.New("malformed event")

// Handler consumes the raw params of one event.
type Handler func(ctx context.Context, params json.RawMessage) error

// Router holds at most one handler per event name.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	log      *slog.Logger
}

func New(log *slog.Logger) *Router {
	return &Router{
		handlers: make(map[string]Handler),
		log:      log.With("module", "router"),
	}
}

// Register associates h with event, replacing any previous handler.
func (r *Router) Register(event string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[event] = h
}

func (r *Router) Unregister(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, event)
}

// UnregisterAll detaches every handler. The channel owner calls it before
// reopening or closing so no handler runs against torn-down state.
func (r *Router) UnregisterAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.handlers)
}

func (r *Router) Registered(event string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[event]
	return ok
}

// Dispatch runs the handler for event. Unknown events are ignored, malformed
// payloads are logged and dropped, and a panicking handler is recovered.
// Callers invoke Dispatch sequentially in receipt order.
func (r *Router) Dispatch(ctx context.Context, event string, params json.RawMessage) {
	r.mu.RLock()
	h, ok := r.handlers[event]
	r.mu.RUnlock()

	if !ok {
		r.log.Debug("ignoring unknown event", "event", event)
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			logger.LogPanic(rec, "event handler panic", "event", event)
		}
	}()

	if err := h(ctx, params); err != nil {
		if errors.Is(err, ErrMalformedEvent) {
			r.log.Warn("dropping malformed event", "event", event, "error", err)
			return
		}
		r.log.Error("event handler failed", "event", event, "error", err)
	}
}

// Typed adapts fn into a Handler that decodes and validates params as T
// before calling it.
func Typed[T any](fn func(ctx context.Context, params T) error) Handler {
	return func(ctx context.Context, raw json.RawMessage) error {
		var params T
		if len(raw) == 0 {
			return fmt.Errorf("%w: params required", ErrMalformedEvent)
		}
		if err := json.Unmarshal(raw, &params); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if err := model.Validate(params); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return fn(ctx, params)
	}
}
