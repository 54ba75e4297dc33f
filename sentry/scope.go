package sentry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// EventProcessor may modify an event, drop it by returning nil, or fail with
// an error. ctx is the only suspension point processors should block on.
type EventProcessor func(ctx context.Context, event *Event, hint *EventHint) (*Event, error)

var (
	globalProcessorsMu sync.RWMutex
	globalProcessors   []EventProcessor
)

// AddGlobalEventProcessor registers a processor that runs for every event of
// every client, after client processors and before scope processors.
func AddGlobalEventProcessor(processor EventProcessor) {
	globalProcessorsMu.Lock()
	defer globalProcessorsMu.Unlock()
	globalProcessors = append(globalProcessors, processor)
}

func globalEventProcessors() []EventProcessor {
	globalProcessorsMu.RLock()
	defer globalProcessorsMu.RUnlock()
	return append([]EventProcessor(nil), globalProcessors...)
}

// Scope holds the ambient context merged into every captured event.
//
// Thread-safe: all methods may be called concurrently.
type Scope struct {
	mu                 sync.RWMutex
	user               User
	tags               map[string]string
	extra              map[string]any
	contexts           map[string]Context
	breadcrumbs        []*Breadcrumb
	attachments        []*Attachment
	fingerprint        []string
	level              Level
	transactionName    string
	request            *Request
	span               *Span
	session            *Session
	requestSession     *RequestSession
	propagationContext PropagationContext
	eventProcessors    []EventProcessor

	listeners []func(*Scope)
	notifying atomic.Bool
}

// NewScope creates an empty scope with a fresh propagation context.
func NewScope() *Scope {
	return &Scope{
		tags:               make(map[string]string),
		extra:              make(map[string]any),
		contexts:           make(map[string]Context),
		propagationContext: NewPropagationContext(),
	}
}

// Clone returns a copy that can diverge from scope. Maps, slices and the
// propagation context are copied; breadcrumbs, attachments, span and session
// are shared by reference. Listeners are not copied.
func (scope *Scope) Clone() *Scope {
	scope.mu.RLock()
	defer scope.mu.RUnlock()

	clone := &Scope{
		user:               scope.user,
		tags:               cloneStringMap(scope.tags),
		extra:              cloneAnyMap(scope.extra),
		contexts:           cloneContexts(scope.contexts),
		breadcrumbs:        append([]*Breadcrumb(nil), scope.breadcrumbs...),
		attachments:        append([]*Attachment(nil), scope.attachments...),
		fingerprint:        append([]string(nil), scope.fingerprint...),
		level:              scope.level,
		transactionName:    scope.transactionName,
		request:            scope.request,
		span:               scope.span,
		session:            scope.session,
		requestSession:     scope.requestSession,
		propagationContext: scope.propagationContext.clone(),
		eventProcessors:    append([]EventProcessor(nil), scope.eventProcessors...),
	}
	clone.user.Data = cloneStringMap(scope.user.Data)
	return clone
}

// AddScopeListener registers a callback invoked after every mutation.
func (scope *Scope) AddScopeListener(listener func(*Scope)) {
	scope.mu.Lock()
	defer scope.mu.Unlock()
	scope.listeners = append(scope.listeners, listener)
}

// notifyListeners runs the listeners outside the lock. Mutations made by a
// listener do not notify again.
func (scope *Scope) notifyListeners() {
	if !scope.notifying.CompareAndSwap(false, true) {
		return
	}
	defer scope.notifying.Store(false)

	scope.mu.RLock()
	listeners := append([]func(*Scope){}, scope.listeners...)
	scope.mu.RUnlock()

	for _, listener := range listeners {
		listener(scope)
	}
}

// mutate applies f under the write lock and notifies listeners.
func (scope *Scope) mutate(f func()) {
	scope.mu.Lock()
	f()
	scope.mu.Unlock()
	scope.notifyListeners()
}

// SetUser sets the user.
func (scope *Scope) SetUser(user User) {
	scope.mutate(func() { scope.user = user })
}

// User returns the current user.
func (scope *Scope) User() User {
	scope.mu.RLock()
	defer scope.mu.RUnlock()
	return scope.user
}

// SetTag sets one tag.
func (scope *Scope) SetTag(key, value string) {
	scope.mutate(func() { scope.tags[key] = value })
}

// SetTags merges tags into the scope.
func (scope *Scope) SetTags(tags map[string]string) {
	scope.mutate(func() {
		for k, v := range tags {
			scope.tags[k] = v
		}
	})
}

// RemoveTag removes one tag.
func (scope *Scope) RemoveTag(key string) {
	scope.mutate(func() { delete(scope.tags, key) })
}

// Tags returns a copy of the tags.
func (scope *Scope) Tags() map[string]string {
	scope.mu.RLock()
	defer scope.mu.RUnlock()
	return cloneStringMap(scope.tags)
}

// SetExtra sets one extra value.
func (scope *Scope) SetExtra(key string, value any) {
	scope.mutate(func() { scope.extra[key] = value })
}

// SetExtras merges extra values into the scope.
func (scope *Scope) SetExtras(extra map[string]any) {
	scope.mutate(func() {
		for k, v := range extra {
			scope.extra[k] = v
		}
	})
}

// RemoveExtra removes one extra value.
func (scope *Scope) RemoveExtra(key string) {
	scope.mutate(func() { delete(scope.extra, key) })
}

// Extra returns a copy of the extra values.
func (scope *Scope) Extra() map[string]any {
	scope.mu.RLock()
	defer scope.mu.RUnlock()
	return cloneAnyMap(scope.extra)
}

// SetContext sets a structured context. A nil context removes the key.
func (scope *Scope) SetContext(key string, value Context) {
	scope.mutate(func() {
		if value == nil {
			delete(scope.contexts, key)
			return
		}
		scope.contexts[key] = value
	})
}

// SetContexts merges structured contexts into the scope.
func (scope *Scope) SetContexts(contexts map[string]Context) {
	scope.mutate(func() {
		for k, v := range contexts {
			scope.contexts[k] = v
		}
	})
}

// RemoveContext removes a structured context.
func (scope *Scope) RemoveContext(key string) {
	scope.mutate(func() { delete(scope.contexts, key) })
}

// Contexts returns a copy of the structured contexts.
func (scope *Scope) Contexts() map[string]Context {
	scope.mu.RLock()
	defer scope.mu.RUnlock()
	return cloneContexts(scope.contexts)
}

// SetLevel overrides the level of captured events.
func (scope *Scope) SetLevel(level Level) {
	scope.mutate(func() { scope.level = level })
}

// Level returns the level override.
func (scope *Scope) Level() Level {
	scope.mu.RLock()
	defer scope.mu.RUnlock()
	return scope.level
}

// SetFingerprint sets the grouping fingerprint appended to events.
func (scope *Scope) SetFingerprint(fingerprint []string) {
	scope.mutate(func() { scope.fingerprint = append([]string(nil), fingerprint...) })
}

// Fingerprint returns a copy of the fingerprint.
func (scope *Scope) Fingerprint() []string {
	scope.mu.RLock()
	defer scope.mu.RUnlock()
	return append([]string(nil), scope.fingerprint...)
}

// SetTransactionName sets the transaction name used for non-transaction events.
func (scope *Scope) SetTransactionName(name string) {
	scope.mutate(func() { scope.transactionName = name })
}

// TransactionName returns the transaction name.
func (scope *Scope) TransactionName() string {
	scope.mu.RLock()
	defer scope.mu.RUnlock()
	return scope.transactionName
}

// SetRequest sets the request attached to events without one.
func (scope *Scope) SetRequest(request *Request) {
	scope.mutate(func() { scope.request = request })
}

// SetSpan sets the active span.
func (scope *Scope) SetSpan(span *Span) {
	scope.mutate(func() { scope.span = span })
}

// Span returns the active span, or nil.
func (scope *Scope) Span() *Span {
	scope.mu.RLock()
	defer scope.mu.RUnlock()
	return scope.span
}

// SetPropagationContext replaces the propagation context.
func (scope *Scope) SetPropagationContext(pc PropagationContext) {
	scope.mutate(func() { scope.propagationContext = pc.clone() })
}

// PropagationContext returns a copy of the propagation context.
func (scope *Scope) PropagationContext() PropagationContext {
	scope.mu.RLock()
	defer scope.mu.RUnlock()
	return scope.propagationContext.clone()
}

// SetSession sets the release-health session. Nil removes it.
func (scope *Scope) SetSession(session *Session) {
	scope.mutate(func() { scope.session = session })
}

// Session returns the release-health session, or nil.
func (scope *Scope) Session() *Session {
	scope.mu.RLock()
	defer scope.mu.RUnlock()
	return scope.session
}

// SetRequestSession sets the request-mode session. Nil removes it.
func (scope *Scope) SetRequestSession(rs *RequestSession) {
	scope.mutate(func() { scope.requestSession = rs })
}

// RequestSession returns the request-mode session, or nil.
func (scope *Scope) RequestSession() *RequestSession {
	scope.mu.RLock()
	defer scope.mu.RUnlock()
	return scope.requestSession
}

// AddBreadcrumb appends a breadcrumb, defaulting its timestamp to now, and
// keeps only the last maxBreadcrumbs entries. maxBreadcrumbs <= 0 is a no-op.
func (scope *Scope) AddBreadcrumb(breadcrumb *Breadcrumb, maxBreadcrumbs int) {
	if breadcrumb == nil || maxBreadcrumbs <= 0 {
		return
	}

	crumb := *breadcrumb
	if crumb.Timestamp.IsZero() {
		crumb.Timestamp = time.Now()
	}

	scope.mutate(func() {
		crumbs := append(scope.breadcrumbs, &crumb)
		if overflow := len(crumbs) - maxBreadcrumbs; overflow > 0 {
			crumbs = append([]*Breadcrumb(nil), crumbs[overflow:]...)
		}
		scope.breadcrumbs = crumbs
	})
}

// Breadcrumbs returns a copy of the breadcrumbs in insertion order.
func (scope *Scope) Breadcrumbs() []*Breadcrumb {
	scope.mu.RLock()
	defer scope.mu.RUnlock()
	return append([]*Breadcrumb(nil), scope.breadcrumbs...)
}

// ClearBreadcrumbs removes all breadcrumbs.
func (scope *Scope) ClearBreadcrumbs() {
	scope.mutate(func() { scope.breadcrumbs = nil })
}

// AddAttachment adds a file sent with every subsequent event.
func (scope *Scope) AddAttachment(attachment *Attachment) {
	scope.mutate(func() { scope.attachments = append(scope.attachments, attachment) })
}

// ClearAttachments removes all attachments.
func (scope *Scope) ClearAttachments() {
	scope.mutate(func() { scope.attachments = nil })
}

// AddEventProcessor registers a scope-local processor.
func (scope *Scope) AddEventProcessor(processor EventProcessor) {
	scope.mu.Lock()
	defer scope.mu.Unlock()
	scope.eventProcessors = append(scope.eventProcessors, processor)
}

// Clear resets all data. Listeners are kept and a new trace is started.
func (scope *Scope) Clear() {
	scope.mutate(func() {
		scope.user = User{}
		scope.tags = make(map[string]string)
		scope.extra = make(map[string]any)
		scope.contexts = make(map[string]Context)
		scope.breadcrumbs = nil
		scope.attachments = nil
		scope.fingerprint = nil
		scope.level = ""
		scope.transactionName = ""
		scope.request = nil
		scope.span = nil
		scope.session = nil
		scope.requestSession = nil
		scope.eventProcessors = nil
		scope.propagationContext = NewPropagationContext()
	})
}

// Update merges a capture context into the scope and returns the scope to
// use. Incoming non-empty values replace existing ones; empty values never
// overwrite.
func (scope *Scope) Update(captureContext CaptureContext) *Scope {
	switch cc := captureContext.(type) {
	case nil:
		return scope
	case ScopeUpdater:
		if updated := cc(scope); updated != nil {
			return updated
		}
		return scope
	case *Scope:
		if cc == nil || cc == scope {
			return scope
		}
		scope.merge(cc.data())
		return scope
	case ScopeContext:
		scope.merge(cc)
		return scope
	default:
		panic(fmt.Sprintf("sentry: unknown capture context %T", captureContext))
	}
}

// data snapshots the scope as a ScopeContext.
func (scope *Scope) data() ScopeContext {
	scope.mu.RLock()
	defer scope.mu.RUnlock()

	pc := scope.propagationContext.clone()
	return ScopeContext{
		User:               scope.user,
		Level:              scope.level,
		Tags:               cloneStringMap(scope.tags),
		Extra:              cloneAnyMap(scope.extra),
		Contexts:           cloneContexts(scope.contexts),
		Fingerprint:        append([]string(nil), scope.fingerprint...),
		PropagationContext: &pc,
	}
}

func (scope *Scope) merge(data ScopeContext) {
	scope.mutate(func() {
		for k, v := range data.Tags {
			scope.tags[k] = v
		}
		for k, v := range data.Extra {
			scope.extra[k] = v
		}
		for k, v := range data.Contexts {
			scope.contexts[k] = v
		}
		if !data.User.IsEmpty() {
			scope.user = data.User
		}
		if data.Level != "" {
			scope.level = data.Level
		}
		if len(data.Fingerprint) > 0 {
			scope.fingerprint = append([]string(nil), data.Fingerprint...)
		}
		if data.PropagationContext != nil {
			scope.propagationContext = data.PropagationContext.clone()
		}
	})
}

// ApplyToEvent merges the scope into event and runs extraProcessors, the
// global processors and the scope processors in that order. Values already
// set on the event win over scope values. A nil event with a nil error means
// a processor dropped it.
func (scope *Scope) ApplyToEvent(ctx context.Context, event *Event, hint *EventHint, extraProcessors []EventProcessor) (*Event, error) {
	scope.mu.RLock()
	scope.applyData(event)
	processors := make([]EventProcessor, 0, len(extraProcessors)+len(scope.eventProcessors))
	processors = append(processors, extraProcessors...)
	processors = append(processors, globalEventProcessors()...)
	processors = append(processors, scope.eventProcessors...)
	scope.mu.RUnlock()

	return runEventProcessors(ctx, processors, event, hint)
}

// applyData must be called with scope.mu held for reading.
func (scope *Scope) applyData(event *Event) {
	if len(scope.extra) > 0 {
		event.Extra = mergeMaps(scope.extra, event.Extra)
	}
	if len(scope.tags) > 0 {
		event.Tags = mergeMaps(scope.tags, event.Tags)
	}
	if len(scope.contexts) > 0 {
		event.Contexts = mergeMaps(scope.contexts, event.Contexts)
	}
	event.User = event.User.merge(scope.user)

	if scope.level != "" {
		event.Level = scope.level
	}
	if scope.transactionName != "" && !event.isTransaction() && event.Transaction == "" {
		event.Transaction = scope.transactionName
	}
	if event.Request == nil && scope.request != nil {
		event.Request = scope.request
	}

	if len(scope.fingerprint) > 0 {
		event.Fingerprint = append(append([]string(nil), event.Fingerprint...), scope.fingerprint...)
	}

	if len(scope.breadcrumbs) > 0 {
		event.Breadcrumbs = append(append([]*Breadcrumb(nil), event.Breadcrumbs...), scope.breadcrumbs...)
	}
	if len(scope.attachments) > 0 {
		event.Attachments = append(append([]*Attachment(nil), event.Attachments...), scope.attachments...)
	}

	if event.Contexts == nil {
		event.Contexts = make(map[string]Context)
	}
	if scope.span != nil {
		if _, ok := event.Contexts["trace"]; !ok {
			event.Contexts["trace"] = scope.span.traceContext()
		}
		if event.dynamicSamplingContext == nil {
			event.dynamicSamplingContext = scope.span.DynamicSamplingContext()
		}
		return
	}
	if _, ok := event.Contexts["trace"]; !ok {
		event.Contexts["trace"] = scope.propagationContext.traceContext()
	}
	if event.dynamicSamplingContext == nil && scope.propagationContext.DynamicSamplingContext != nil {
		event.dynamicSamplingContext = cloneStringMap(scope.propagationContext.DynamicSamplingContext)
	}
}

// mergeMaps returns base overlaid with top; keys in top win.
func mergeMaps[V any](base, top map[string]V) map[string]V {
	out := make(map[string]V, len(base)+len(top))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range top {
		out[k] = v
	}
	return out
}

// runEventProcessors runs processors in order and stops at the first drop
// or error. Panics are converted into errors.
func runEventProcessors(ctx context.Context, processors []EventProcessor, event *Event, hint *EventHint) (*Event, error) {
	for _, processor := range processors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		next, err := callProcessor(ctx, processor, event, hint)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, nil
		}
		event = next
	}
	return event, nil
}

func callProcessor(ctx context.Context, processor EventProcessor, event *Event, hint *EventHint) (result *Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, panicError(r)
		}
	}()
	return processor(ctx, event, hint)
}

// panicError converts a recovered value into an error.
func panicError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}
