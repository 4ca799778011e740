// Package events fans pipeline notifications out to named handlers.
package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Class and event names dispatched by the mention recorder.
const (
	ClassWebmention = "webmention"
	EventInbound    = "inbound"
)

// Event is what handlers receive.
type Event struct {
	Class string    `json:"class"`
	Name  string    `json:"event"`
	Args  []string  `json:"args"`
	At    time.Time `json:"at"`
}

// Handler reacts to events of the classes it is registered for.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event Event) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

type namedHandler struct {
	name    string
	handler Handler
}

// Registry maps event classes to handlers. Classes are case-insensitive.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]namedHandler
	now      func() time.Time
	logger   *zap.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		handlers: make(map[string][]namedHandler),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// Register adds handler under name for class.
func (r *Registry) Register(class, name string, handler Handler) {
	class = strings.ToLower(class)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[class] = append(r.handlers[class], namedHandler{name: name, handler: handler})
}

// Names lists the handler names registered for class.
func (r *Registry) Names(class string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for _, h := range r.handlers[strings.ToLower(class)] {
		names = append(names, h.name)
	}
	sort.Strings(names)
	return names
}

// Handle dispatches event to every handler of class, in registration order.
// A class with no handlers is a no-op. Handler errors are collected and
// returned together after all handlers have run.
func (r *Registry) Handle(ctx context.Context, class, event string, args ...string) error {
	class = strings.ToLower(class)
	r.mu.RLock()
	handlers := append([]namedHandler(nil), r.handlers[class]...)
	r.mu.RUnlock()

	ev := Event{Class: class, Name: event, Args: args, At: r.now()}
	var errs []error
	for _, h := range handlers {
		if err := h.handler.Handle(ctx, ev); err != nil {
			r.logger.Warn("event handler failed",
				zap.String("handler", h.name),
				zap.String("class", class),
				zap.String("event", event),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("error during call %s.%s(%s): %w", h.name, event, strings.Join(args, ","), err))
		}
	}
	return errors.Join(errs...)
}
