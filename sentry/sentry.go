// Package sentry captures errors, messages and transactions, enriches them
// with scope data and delivers them to a Sentry-compatible collector as
// envelopes.
//
// A process keeps one current Hub in a registry. CurrentHub never returns
// nil: the first access creates a root hub without a client, which accepts
// captures and sends nothing until Init binds a client.
package sentry

import (
	"context"
	"sync"
	"time"
)

type registry struct {
	mu  sync.RWMutex
	hub *Hub
}

var hubs registry

// CurrentHub returns the process-wide hub, creating it on first use.
func CurrentHub() *Hub {
	hubs.mu.RLock()
	hub := hubs.hub
	hubs.mu.RUnlock()
	if hub != nil {
		return hub
	}

	hubs.mu.Lock()
	defer hubs.mu.Unlock()
	if hubs.hub == nil {
		hubs.hub = NewHub(nil, NewScope())
	}
	return hubs.hub
}

// SetCurrentHub replaces the process-wide hub. Nil resets it to a fresh root
// hub on next access.
func SetCurrentHub(hub *Hub) {
	hubs.mu.Lock()
	defer hubs.mu.Unlock()
	hubs.hub = hub
}

// Init creates a client from options and binds it to the current hub.
func Init(options ClientOptions) *Client {
	client := NewClient(options)
	CurrentHub().BindClient(client)
	return client
}

// Teardown closes the current client within its shutdown timeout and resets
// the registry.
func Teardown() bool {
	hub := CurrentHub()
	ok := true
	if client := hub.Client(); client != nil {
		ok = client.Close(client.options.ShutdownTimeout)
	}
	SetCurrentHub(nil)
	return ok
}

type hubContextKey struct{}

// SetHubOnContext returns a context carrying hub.
func SetHubOnContext(ctx context.Context, hub *Hub) context.Context {
	return context.WithValue(ctx, hubContextKey{}, hub)
}

// GetHubFromContext returns the hub stored in ctx, or nil.
func GetHubFromContext(ctx context.Context) *Hub {
	if hub, ok := ctx.Value(hubContextKey{}).(*Hub); ok {
		return hub
	}
	return nil
}

// CaptureException captures err on the current hub.
func CaptureException(err error) EventID {
	return CurrentHub().CaptureException(err, nil)
}

// CaptureMessage captures message at info level on the current hub.
func CaptureMessage(message string) EventID {
	return CurrentHub().CaptureMessage(message, LevelInfo, nil)
}

// CaptureEvent captures event on the current hub.
func CaptureEvent(event *Event) EventID {
	return CurrentHub().CaptureEvent(event, nil)
}

// AddBreadcrumb records a breadcrumb on the current hub.
func AddBreadcrumb(breadcrumb *Breadcrumb) {
	CurrentHub().AddBreadcrumb(breadcrumb, nil)
}

// ConfigureScope runs f with the current scope.
func ConfigureScope(f func(scope *Scope)) {
	CurrentHub().ConfigureScope(f)
}

// WithScope runs f with a temporary scope on the current hub.
func WithScope(f func(scope *Scope)) {
	CurrentHub().WithScope(f)
}

// LastEventID returns the last event id of the current hub.
func LastEventID() EventID {
	return CurrentHub().LastEventID()
}

// Flush waits for pending events of the current client.
func Flush(timeout time.Duration) bool {
	return CurrentHub().Flush(timeout)
}

// Close flushes and disables the current client.
func Close(timeout time.Duration) bool {
	client := CurrentHub().Client()
	if client == nil {
		return true
	}
	return client.Close(timeout)
}
