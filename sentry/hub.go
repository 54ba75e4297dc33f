package sentry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type layer struct {
	client *Client
	scope  *Scope
}

// Hub resolves the current client and scope. It holds a stack of layers
// that never becomes empty.
type Hub struct {
	mu          sync.RWMutex
	stack       []*layer
	lastEventID EventID
}

// NewHub creates a hub with one layer. A nil scope is replaced by an empty one.
func NewHub(client *Client, scope *Scope) *Hub {
	if scope == nil {
		scope = NewScope()
	}
	return &Hub{stack: []*layer{{client: client, scope: scope}}}
}

func (hub *Hub) top() *layer {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return hub.stack[len(hub.stack)-1]
}

// Client returns the client of the top layer, possibly nil.
func (hub *Hub) Client() *Client {
	return hub.top().client
}

// Scope returns the scope of the top layer.
func (hub *Hub) Scope() *Scope {
	return hub.top().scope
}

// BindClient replaces the client of the top layer.
func (hub *Hub) BindClient(client *Client) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	hub.stack[len(hub.stack)-1].client = client
}

// PushScope pushes a clone of the current scope sharing the current client.
func (hub *Hub) PushScope() *Scope {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	top := hub.stack[len(hub.stack)-1]
	scope := top.scope.Clone()
	hub.stack = append(hub.stack, &layer{client: top.client, scope: scope})
	return scope
}

// PopScope removes the top layer. The last layer is never removed.
func (hub *Hub) PopScope() bool {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if len(hub.stack) <= 1 {
		return false
	}
	hub.stack[len(hub.stack)-1] = nil
	hub.stack = hub.stack[:len(hub.stack)-1]
	return true
}

// StackDepth returns the number of layers.
func (hub *Hub) StackDepth() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.stack)
}

// WithScope runs f with a pushed scope that is popped however f returns.
func (hub *Hub) WithScope(f func(scope *Scope)) {
	scope := hub.PushScope()
	defer hub.PopScope()
	f(scope)
}

// ConfigureScope runs f with the current scope.
func (hub *Hub) ConfigureScope(f func(scope *Scope)) {
	f(hub.Scope())
}

// Clone returns a hub with one layer holding the current client and a clone
// of the current scope.
func (hub *Hub) Clone() *Hub {
	top := hub.top()
	return NewHub(top.client, top.scope.Clone())
}

// LastEventID returns the id of the last captured non-transaction event.
func (hub *Hub) LastEventID() EventID {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return hub.lastEventID
}

// CaptureException captures err and returns its id immediately. The
// pipeline runs on a goroutine that Flush waits for.
func (hub *Hub) CaptureException(err error, hint *EventHint) EventID {
	return hub.capture(hint, false, func(ctx context.Context, client *Client, hint *EventHint, scope *Scope) {
		client.CaptureException(ctx, err, hint, scope)
	})
}

// CaptureMessage captures message at level and returns its id immediately.
func (hub *Hub) CaptureMessage(message string, level Level, hint *EventHint) EventID {
	return hub.capture(hint, false, func(ctx context.Context, client *Client, hint *EventHint, scope *Scope) {
		client.CaptureMessage(ctx, message, level, hint, scope)
	})
}

// CaptureEvent captures event and returns its id immediately.
func (hub *Hub) CaptureEvent(event *Event, hint *EventHint) EventID {
	if event == nil {
		return ""
	}
	h := copyHint(hint)
	if h.EventID == "" {
		h.EventID = event.EventID
	}
	return hub.capture(h, event.isTransaction(), func(ctx context.Context, client *Client, hint *EventHint, scope *Scope) {
		client.CaptureEvent(ctx, event, hint, scope)
	})
}

func (hub *Hub) capture(hint *EventHint, transaction bool, run func(context.Context, *Client, *EventHint, *Scope)) EventID {
	hint = copyHint(hint)
	if hint.EventID == "" {
		hint.EventID = NewEventID()
	}
	id := hint.EventID

	if !transaction {
		hub.mu.Lock()
		hub.lastEventID = id
		hub.mu.Unlock()
	}

	top := hub.top()
	if top.client == nil {
		return id
	}

	// The pipeline sees the scope as it was at capture time.
	client, scope, ctx := top.client, top.scope.Clone(), hint.context()
	client.captureAsync(func() {
		defer func() {
			if r := recover(); r != nil {
				client.logger.Error("panic while capturing event", zap.String("event_id", string(id)), zap.Any("panic", r))
			}
		}()
		run(ctx, client, hint, scope)
	})

	return id
}

// AddBreadcrumb records a breadcrumb on the current scope after the
// BeforeBreadcrumb hook. Without a client the default limit applies.
func (hub *Hub) AddBreadcrumb(breadcrumb *Breadcrumb, hint BreadcrumbHint) {
	if breadcrumb == nil {
		return
	}
	top := hub.top()

	limit := defaultMaxBreadcrumbs
	if client := top.client; client != nil {
		opts := &client.options
		if opts.MaxBreadcrumbs < 0 {
			return
		}
		limit = opts.MaxBreadcrumbs

		if opts.BeforeBreadcrumb != nil {
			breadcrumb = safeBeforeBreadcrumb(client, opts.BeforeBreadcrumb, breadcrumb, hint)
			if breadcrumb == nil {
				client.logger.Debug("breadcrumb discarded by BeforeBreadcrumb")
				return
			}
		}
	}

	top.scope.AddBreadcrumb(breadcrumb, limit)
}

func safeBeforeBreadcrumb(client *Client, hook BeforeBreadcrumbFunc, breadcrumb *Breadcrumb, hint BreadcrumbHint) (result *Breadcrumb) {
	defer func() {
		if r := recover(); r != nil {
			client.logger.Error("panic in BeforeBreadcrumb", zap.Any("panic", r))
			result = nil
		}
	}()
	return hook(breadcrumb, hint)
}

// Flush waits for pending captures and sends of the current client.
func (hub *Hub) Flush(timeout time.Duration) bool {
	client := hub.Client()
	if client == nil {
		return true
	}
	return client.Flush(timeout)
}

// ContinueTrace sets the current scope's propagation context from incoming
// sentry-trace and baggage header values.
func (hub *Hub) ContinueTrace(sentryTrace, baggage string) {
	hub.Scope().SetPropagationContext(ContinueFromHeaders(sentryTrace, baggage))
}

// StartSession ends the current session and starts a new one on the
// current scope.
func (hub *Hub) StartSession() *Session {
	top := hub.top()
	if top.client == nil {
		return nil
	}

	hub.EndSession()
	session := newSession(&top.client.options, top.scope.User())
	top.scope.SetSession(session)
	return session
}

// EndSession closes and sends the current session, then removes it.
func (hub *Hub) EndSession() {
	top := hub.top()
	session := top.scope.Session()
	if session == nil {
		return
	}
	session.close("")
	if top.client != nil {
		top.client.CaptureSession(session)
	}
	top.scope.SetSession(nil)
}

// CaptureSession sends the current session, ending it first when end is set.
func (hub *Hub) CaptureSession(end bool) {
	if end {
		hub.EndSession()
		return
	}
	top := hub.top()
	if session := top.scope.Session(); session != nil && top.client != nil {
		top.client.CaptureSession(session)
	}
}

// StartRequestSession attaches a new request session to the current scope.
func (hub *Hub) StartRequestSession() *RequestSession {
	rs := NewRequestSession()
	hub.Scope().SetRequestSession(rs)
	return rs
}

// EndRequestSession counts the current request session and removes it.
func (hub *Hub) EndRequestSession() {
	top := hub.top()
	rs := top.scope.RequestSession()
	if rs == nil {
		return
	}
	if top.client != nil {
		top.client.IncrementRequestSession(rs.Status())
	}
	top.scope.SetRequestSession(nil)
}
