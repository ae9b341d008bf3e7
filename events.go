// Package caddyjwtauth provides events for the JWT and token gates.
package caddyjwtauth

import (
	"net/http"
	"sync"
	"time"

	"github.com/caddyserver/caddy/v2"
	"go.uber.org/zap"
)

// Event names.
const (
	// EventDenied is emitted when a gate denies a request.
	EventDenied = "jwt_auth.denied"

	// EventAllowed is emitted when a gate allows a request.
	EventAllowed = "jwt_auth.allowed"

	// EventJWKSRefreshed is emitted after a successful key set refresh.
	EventJWKSRefreshed = "jwt_auth.jwks_refreshed"

	// EventJWKSRefreshFailed is emitted after a failed key set refresh.
	EventJWKSRefreshFailed = "jwt_auth.jwks_refresh_failed"
)

// DeniedEvent contains data for the denied event. It never carries token
// material or claim values.
type DeniedEvent struct {
	// Handler is the registry name of the handler that decided.
	Handler string `json:"handler"`

	// Gate is "jwt" or "token".
	Gate string `json:"gate"`

	// Reason is the denial reason.
	Reason string `json:"reason"`

	// KeyID is the token's kid, when the header could be decoded.
	KeyID string `json:"kid,omitempty"`

	// Claim names the first failing claim for claim mismatches.
	Claim string `json:"claim,omitempty"`

	// RequestPath is the request URI path.
	RequestPath string `json:"request_path"`

	// RequestMethod is the HTTP method.
	RequestMethod string `json:"request_method"`
}

// AllowedEvent contains data for the allowed event.
type AllowedEvent struct {
	Handler       string        `json:"handler"`
	Gate          string        `json:"gate"`
	KeyID         string        `json:"kid,omitempty"`
	Duration      time.Duration `json:"duration_ns"`
	RequestPath   string        `json:"request_path"`
	RequestMethod string        `json:"request_method"`
}

// JWKSRefreshEvent contains data for the jwks_refreshed and
// jwks_refresh_failed events.
type JWKSRefreshEvent struct {
	// Handler is the registry name of the owning handler.
	Handler string `json:"handler"`

	// Source is the key set source type.
	Source string `json:"source"`

	// Keys is the number of usable keys after a successful refresh.
	Keys int `json:"keys,omitempty"`

	// Error is the failure message.
	Error string `json:"error,omitempty"`

	// Duration is how long the fetch took.
	Duration time.Duration `json:"duration_ns"`

	// Timestamp is when the refresh finished.
	Timestamp time.Time `json:"timestamp"`
}

// EventEmitter provides methods to emit gate events.
type EventEmitter struct {
	enabled bool
}

// NewEventEmitter creates a new EventEmitter.
func NewEventEmitter(enabled bool) *EventEmitter {
	return &EventEmitter{enabled: enabled}
}

// EmitDenied emits a denied event.
func (e *EventEmitter) EmitDenied(handler, gate, reason, kid, claim string, r *http.Request) {
	if !e.enabled {
		return
	}

	event := DeniedEvent{
		Handler:       handler,
		Gate:          gate,
		Reason:        reason,
		KeyID:         kid,
		Claim:         claim,
		RequestPath:   r.URL.Path,
		RequestMethod: r.Method,
	}

	caddy.Log().Named("events").Debug("emitting denied event",
		zap.String("handler", handler),
		zap.String("reason", reason),
	)

	globalEventBus.Publish(EventDenied, event)
}

// EmitAllowed emits an allowed event.
func (e *EventEmitter) EmitAllowed(handler, gate, kid string, duration time.Duration, r *http.Request) {
	if !e.enabled {
		return
	}

	event := AllowedEvent{
		Handler:       handler,
		Gate:          gate,
		KeyID:         kid,
		Duration:      duration,
		RequestPath:   r.URL.Path,
		RequestMethod: r.Method,
	}

	globalEventBus.Publish(EventAllowed, event)
}

// EmitJWKSRefresh emits jwks_refreshed or jwks_refresh_failed depending on err.
func (e *EventEmitter) EmitJWKSRefresh(handler, source string, keys int, duration time.Duration, err error) {
	if !e.enabled {
		return
	}

	event := JWKSRefreshEvent{
		Handler:   handler,
		Source:    source,
		Keys:      keys,
		Duration:  duration,
		Timestamp: time.Now(),
	}
	name := EventJWKSRefreshed
	if err != nil {
		name = EventJWKSRefreshFailed
		event.Keys = 0
		event.Error = err.Error()
	}

	caddy.Log().Named("events").Debug("emitting jwks refresh event",
		zap.String("event", name),
		zap.String("handler", handler),
	)

	globalEventBus.Publish(name, event)
}

// EventHandler is a callback function for handling events.
type EventHandler func(eventName string, data interface{})

// EventBus is a simple in-process event bus for components to subscribe to events.
// It is safe for concurrent use.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

// NewEventBus creates a new EventBus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[string][]EventHandler),
	}
}

// Subscribe registers a handler for an event. "*" receives every event.
func (eb *EventBus) Subscribe(eventName string, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventName] = append(eb.handlers[eventName], handler)
}

// Publish sends an event to all registered handlers.
// Handlers are called synchronously in the order they were registered.
func (eb *EventBus) Publish(eventName string, data interface{}) {
	eb.mu.RLock()
	// Copy handlers to avoid holding lock during handler execution
	handlers := make([]EventHandler, 0, len(eb.handlers[eventName])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[eventName]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.RUnlock()

	for _, handler := range handlers {
		handler(eventName, data)
	}
}

// Global event bus for internal use
var globalEventBus = NewEventBus()

// GetEventBus returns the global event bus.
func GetEventBus() *EventBus {
	return globalEventBus
}
