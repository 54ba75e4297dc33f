package sentry

import (
	"context"
	stderrors "errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"

	"github.com/your-org/roadrunner-sentry/sentry/clientreport"
	"github.com/your-org/roadrunner-sentry/sentry/envelope"
	"github.com/your-org/roadrunner-sentry/sentry/internal/normalize"
	"github.com/your-org/roadrunner-sentry/sentry/ratelimit"
)

const platform = "go"

// DropError reports that an event was discarded on purpose. It never reaches
// callers of the capture methods.
type DropError struct {
	Reason   clientreport.DiscardReason
	Category ratelimit.Category
}

func (e *DropError) Error() string {
	return fmt.Sprintf("event dropped: %s (%s)", e.Reason, e.Category)
}

// Client runs the event pipeline and owns the transport.
type Client struct {
	options      ClientOptions
	dsn          *DSN
	logger       *zap.Logger
	transport    Transport
	integrations []Integration

	mu              sync.RWMutex
	eventProcessors []EventProcessor

	outcomes       *clientreport.Aggregator
	sessionFlusher *SessionFlusher
	// processing tracks detached pipelines started by hubs.
	processing *PromiseBuffer

	closed   atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewClient creates a client. It never fails: an empty or invalid DSN is
// logged and the client then runs the pipeline without sending anything.
func NewClient(options ClientOptions) *Client {
	opts := options.withDefaults()

	client := &Client{
		options:    opts,
		logger:     opts.Logger.Named("sentry"),
		outcomes:   clientreport.NewAggregator(),
		processing: NewPromiseBuffer(0),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	if opts.Dsn == "" {
		client.logger.Debug("no DSN configured, events will not be sent")
	} else if dsn, err := ParseDSN(opts.Dsn); err != nil {
		client.logger.Error("invalid DSN, events will not be sent", zap.Error(err))
	} else {
		client.dsn = dsn
	}

	client.transport = client.setupTransport()

	client.integrations = resolveIntegrations(&client.options)
	for _, integration := range client.integrations {
		integration.Setup(client)
	}

	if opts.Release != "" {
		client.sessionFlusher = NewSessionFlusher(opts.Release, opts.Environment, opts.SessionFlushInterval, client.sendSessionAggregates, client.logger)
	}

	if opts.DisableClientReports {
		close(client.done)
	} else {
		go client.reportLoop()
	}

	return client
}

func (client *Client) setupTransport() Transport {
	opts := &client.options
	if client.dsn == nil {
		return noopTransport{}
	}
	if opts.Transport != nil {
		return opts.Transport
	}

	execute := opts.RequestExecutor
	if execute == nil {
		executor, err := NewHTTPExecutor(HTTPExecutorOptions{
			DSN:                client.dsn,
			Tunnel:             opts.Tunnel,
			Client:             opts.HTTPClient,
			Proxy:              opts.HTTPProxy,
			InsecureSkipVerify: opts.InsecureSkipVerify,
			Timeout:            opts.HTTPTimeout,
			Compression:        opts.Compression,
			Logger:             client.logger,
		})
		if err != nil {
			client.logger.Error("failed to create HTTP executor, events will not be sent", zap.Error(err))
			return noopTransport{}
		}
		execute = executor.Execute
	}

	return NewEnvelopeTransport(TransportOptions{
		Logger:        client.logger,
		BufferSize:    opts.BufferSize,
		RecordDropped: client.RecordDroppedEvent,
		Observer:      opts.Observer,
	}, execute)
}

// Options returns the effective options.
func (client *Client) Options() ClientOptions {
	return client.options
}

// DSN returns the parsed DSN, or nil when sending is disabled.
func (client *Client) DSN() *DSN {
	return client.dsn
}

// Transport returns the transport in use.
func (client *Client) Transport() Transport {
	return client.transport
}

// Integration returns the installed integration with the given name, or nil.
func (client *Client) Integration(name string) Integration {
	for _, integration := range client.integrations {
		if integration.Name() == name {
			return integration
		}
	}
	return nil
}

// AddEventProcessor registers a processor that runs before global and scope
// processors.
func (client *Client) AddEventProcessor(processor EventProcessor) {
	client.mu.Lock()
	defer client.mu.Unlock()
	client.eventProcessors = append(client.eventProcessors, processor)
}

func (client *Client) processors() []EventProcessor {
	client.mu.RLock()
	defer client.mu.RUnlock()
	return append([]EventProcessor(nil), client.eventProcessors...)
}

// RecordDroppedEvent accounts quantity lost items of category for reason.
func (client *Client) RecordDroppedEvent(reason clientreport.DiscardReason, category ratelimit.Category, quantity int64) {
	if quantity <= 0 {
		return
	}
	client.logger.Debug("item dropped",
		zap.String("reason", string(reason)),
		zap.String("category", category.String()),
		zap.Int64("quantity", quantity))

	if !client.options.DisableClientReports {
		client.outcomes.Record(reason, category, quantity)
	}
	if client.options.Observer != nil {
		client.options.Observer.Discarded(reason, category, quantity)
	}
}

// recordEventDrop accounts a dropped event, including the spans of a
// transaction.
func (client *Client) recordEventDrop(reason clientreport.DiscardReason, event *Event) *DropError {
	if event.isTransaction() {
		client.RecordDroppedEvent(reason, ratelimit.CategoryTransaction, 1)
		client.RecordDroppedEvent(reason, ratelimit.CategorySpan, int64(len(event.Spans)+1))
		return &DropError{Reason: reason, Category: ratelimit.CategoryTransaction}
	}
	client.RecordDroppedEvent(reason, ratelimit.CategoryError, 1)
	return &DropError{Reason: reason, Category: ratelimit.CategoryError}
}

// CaptureException captures err. It returns the event id, or nil when the
// event was dropped or the pipeline failed.
func (client *Client) CaptureException(ctx context.Context, err error, hint *EventHint, scope *Scope) *EventID {
	hint = copyHint(hint)
	if hint.OriginalException == nil {
		hint.OriginalException = err
	}
	return client.CaptureEvent(ctx, client.eventFromException(err, hint), hint, scope)
}

// CaptureMessage captures a plain message at the given level, info when empty.
func (client *Client) CaptureMessage(ctx context.Context, message string, level Level, hint *EventHint, scope *Scope) *EventID {
	event := NewEvent()
	event.Message = message
	event.Level = level
	if event.Level == "" {
		event.Level = LevelInfo
	}
	return client.CaptureEvent(ctx, event, hint, scope)
}

// CaptureEvent runs the pipeline for event and hands it to the transport.
func (client *Client) CaptureEvent(ctx context.Context, event *Event, hint *EventHint, scope *Scope) (id *EventID) {
	if event == nil {
		return nil
	}
	hint = copyHint(hint)
	if ctx == nil {
		ctx = hint.context()
	}

	defer func() {
		if r := recover(); r != nil {
			client.logger.Error("panic in event pipeline", zap.Any("panic", r))
			id = nil
		}
	}()

	processed, err := client.processEvent(ctx, event, hint, scope)
	if err != nil {
		var drop *DropError
		if stderrors.As(err, &drop) {
			client.logger.Debug("event dropped",
				zap.String("event_id", string(event.EventID)),
				zap.String("reason", string(drop.Reason)))
			return nil
		}
		if ctx.Err() != nil {
			client.logger.Debug("event processing aborted",
				zap.String("event_id", string(event.EventID)),
				zap.Error(ctx.Err()))
			return nil
		}

		client.logger.Error("event processing failed",
			zap.String("event_id", string(event.EventID)),
			zap.Error(err))
		if !hint.internal {
			client.captureInternal(ctx, err, scope)
		}
		return nil
	}

	return &processed.EventID
}

// captureInternal reports a pipeline fault as its own event. Faults while
// processing it are only logged.
func (client *Client) captureInternal(ctx context.Context, err error, scope *Scope) {
	client.CaptureException(ctx, err, &EventHint{
		OriginalException: err,
		Mechanism:         &Mechanism{Type: "internal", Handled: boolPtr(true)},
		Data:              map[string]any{"__sentry__": true},
		Context:           ctx,
		internal:          true,
	}, scope)
}

// captureAsync runs fn on a goroutine tracked by Flush.
func (client *Client) captureAsync(fn func()) {
	_, _ = client.processing.Add(func(context.Context) error {
		fn()
		return nil
	})
}

func (client *Client) processEvent(ctx context.Context, event *Event, hint *EventHint, scope *Scope) (*Event, error) {
	const op = errors.Op("sentry_client_process")

	for _, integration := range client.integrations {
		if preprocessor, ok := integration.(EventPreprocessor); ok {
			preprocessor.PreprocessEvent(event, hint, client)
		}
	}

	client.prepareEvent(event, hint)

	effective := scope
	if hint.CaptureContext != nil {
		base := scope
		if base == nil {
			base = NewScope()
		}
		effective = base.Clone().Update(hint.CaptureContext)
	}

	var (
		processed *Event
		err       error
	)
	if effective != nil {
		processed, err = effective.ApplyToEvent(ctx, event, hint, client.processors())
	} else {
		processed, err = runEventProcessors(ctx, append(client.processors(), globalEventProcessors()...), event, hint)
	}
	if err != nil {
		return nil, errors.E(op, err)
	}
	if processed == nil {
		return nil, client.recordEventDrop(clientreport.ReasonEventProcessor, event)
	}
	event = processed

	applyDebugMeta(event)
	client.normalizeEvent(event)

	if !event.isTransaction() && !hint.internal && !sampleError(&client.options) {
		return nil, client.recordEventDrop(clientreport.ReasonSampleRate, event)
	}

	if !hint.internal {
		result, err := client.beforeSend(ctx, event, hint)
		if err != nil {
			return nil, errors.E(op, err)
		}
		if result == nil {
			return nil, client.recordEventDrop(clientreport.ReasonBeforeSend, event)
		}
		event = result
	}

	client.updateSessions(event, effective)
	client.trimSpans(event)
	client.sendEvent(ctx, event, hint)

	return event, nil
}

// prepareEvent stamps defaults without overwriting values already set.
func (client *Client) prepareEvent(event *Event, hint *EventHint) {
	opts := &client.options

	if event.EventID == "" {
		event.EventID = hint.EventID
		if event.EventID == "" {
			event.EventID = NewEventID()
		}
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Platform == "" {
		event.Platform = platform
	}
	if event.Environment == "" {
		event.Environment = opts.Environment
	}
	if event.Release == "" {
		event.Release = opts.Release
	}
	if event.Dist == "" {
		event.Dist = opts.Dist
	}
	if event.ServerName == "" {
		event.ServerName = opts.ServerName
	}

	event.Message = truncate(event.Message, opts.MaxValueLength)
	for i := range event.Exception {
		event.Exception[i].Value = truncate(event.Exception[i].Value, opts.MaxValueLength)
	}
	if event.Request != nil {
		request := *event.Request
		request.URL = truncate(request.URL, opts.MaxValueLength)
		event.Request = &request
	}

	if event.Sdk.Name == "" {
		event.Sdk.Name = SDKName
	}
	if event.Sdk.Version == "" {
		event.Sdk.Version = SDKVersion
	}
	for _, integration := range client.integrations {
		event.Sdk.Integrations = append(event.Sdk.Integrations, integration.Name())
	}

	if !event.isTransaction() && len(opts.DebugIDs) > 0 {
		for _, ex := range event.Exception {
			if ex.Stacktrace == nil {
				continue
			}
			for i := range ex.Stacktrace.Frames {
				frame := &ex.Stacktrace.Frames[i]
				if frame.DebugID != "" {
					continue
				}
				if id, ok := opts.DebugIDs[frame.Filename]; ok {
					frame.DebugID = id
				} else if id, ok := opts.DebugIDs[frame.AbsPath]; ok {
					frame.DebugID = id
				}
			}
		}
	}
}

// applyDebugMeta moves frame debug ids into debug_meta images.
func applyDebugMeta(event *Event) {
	seen := make(map[string]struct{})
	var images []DebugImage

	for _, ex := range event.Exception {
		if ex.Stacktrace == nil {
			continue
		}
		for i := range ex.Stacktrace.Frames {
			frame := &ex.Stacktrace.Frames[i]
			if frame.DebugID == "" {
				continue
			}
			codeFile := frame.AbsPath
			if codeFile == "" {
				codeFile = frame.Filename
			}
			if _, ok := seen[codeFile]; !ok {
				seen[codeFile] = struct{}{}
				images = append(images, DebugImage{Type: "sourcemap", CodeFile: codeFile, DebugID: frame.DebugID})
			}
			frame.DebugID = ""
		}
	}

	if len(images) == 0 {
		return
	}
	if event.DebugMeta == nil {
		event.DebugMeta = &DebugMeta{}
	}
	event.DebugMeta.Images = append(event.DebugMeta.Images, images...)
}

// normalizeEvent bounds breadcrumb data, contexts, extra and span data.
func (client *Client) normalizeEvent(event *Event) {
	depth, breadth := client.options.NormalizeDepth, client.options.NormalizeMaxBreadth

	if len(event.Breadcrumbs) > 0 {
		crumbs := make([]*Breadcrumb, len(event.Breadcrumbs))
		for i, b := range event.Breadcrumbs {
			crumb := *b
			crumb.Data = normalizeMap(b.Data, depth, breadth)
			crumbs[i] = &crumb
		}
		event.Breadcrumbs = crumbs
	}

	event.Extra = normalizeMap(event.Extra, depth, breadth)

	if len(event.Contexts) > 0 {
		contexts := make(map[string]Context, len(event.Contexts))
		for name, ctx := range event.Contexts {
			if name == "trace" {
				trace := cloneAnyMap(ctx)
				if data, ok := trace["data"].(map[string]any); ok {
					trace["data"] = normalizeMap(data, depth, breadth)
				}
				contexts[name] = trace
				continue
			}
			if normalized := normalizeMap(ctx, depth-1, breadth); normalized != nil {
				contexts[name] = normalized
			}
		}
		event.Contexts = contexts
	}

	for _, span := range event.Spans {
		span.mu.Lock()
		span.Data = normalizeMap(span.Data, depth, breadth)
		span.mu.Unlock()
	}
}

func normalizeMap(m map[string]any, depth, breadth int) map[string]any {
	if m == nil {
		return nil
	}
	if out, ok := normalize.Normalize(m, depth, breadth).(map[string]any); ok {
		return out
	}
	return nil
}

// beforeSend runs the hook matching the event kind. A panicking hook is a
// pipeline fault.
func (client *Client) beforeSend(ctx context.Context, event *Event, hint *EventHint) (result *Event, err error) {
	hook := client.options.BeforeSend
	if event.isTransaction() {
		hook = client.options.BeforeSendTransaction
	}
	if hook == nil {
		return event, nil
	}

	defer func() {
		if r := recover(); r != nil {
			result, err = nil, panicError(r)
		}
	}()
	return hook(ctx, event, hint)
}

// updateSessions marks the active session and request session as errored
// or crashed when the event carries an exception.
func (client *Client) updateSessions(event *Event, scope *Scope) {
	if scope == nil || event.isTransaction() || len(event.Exception) == 0 {
		return
	}

	if session := scope.Session(); session != nil && session.updateFromEvent(event) {
		client.CaptureSession(session)
	}
	if rs := scope.RequestSession(); rs != nil {
		rs.updateFromEvent(isCrash(event))
	}
}

func isCrash(event *Event) bool {
	for _, ex := range event.Exception {
		if ex.Mechanism != nil && ex.Mechanism.Handled != nil && !*ex.Mechanism.Handled {
			return true
		}
	}
	return false
}

// trimSpans keeps at most MaxSpans spans and accounts the rest.
func (client *Client) trimSpans(event *Event) {
	limit := client.options.MaxSpans
	if !event.isTransaction() || len(event.Spans) <= limit {
		return
	}
	dropped := len(event.Spans) - limit
	event.Spans = event.Spans[:limit]
	client.RecordDroppedEvent(clientreport.ReasonBufferOverflow, ratelimit.CategorySpan, int64(dropped))
}

func (client *Client) sendEvent(ctx context.Context, event *Event, hint *EventHint) {
	itemType := envelope.ItemTypeEvent
	if event.isTransaction() {
		itemType = envelope.ItemTypeTransaction
	}

	header := client.envelopeHeader(string(event.EventID))
	header.Trace = event.dynamicSamplingContext
	if header.Trace == nil {
		if trace, ok := event.Contexts["trace"]; ok {
			if traceID, ok := trace["trace_id"].(string); ok && traceID != "" {
				header.Trace = dscFromClient(client, traceID)
			}
		}
	}

	env := envelope.New(header, envelope.NewItem(itemType, event))
	for _, attachment := range append(append([]*Attachment(nil), event.Attachments...), hint.Attachments...) {
		if attachment == nil {
			continue
		}
		env.AddItem(envelope.NewAttachmentItem(attachment.Filename, attachment.ContentType, attachment.AttachmentType, attachment.Payload))
	}

	client.SendEnvelope(ctx, env)
}

func (client *Client) envelopeHeader(eventID string) envelope.Header {
	header := envelope.Header{
		EventID: eventID,
		SentAt:  time.Now(),
		Sdk:     &envelope.SdkInfo{Name: SDKName, Version: SDKVersion},
	}
	if client.options.Tunnel != "" && client.dsn != nil {
		header.Dsn = client.dsn.String()
	}
	return header
}

// SendEnvelope hands env to the transport. It is a no-op without a DSN or
// after Close.
func (client *Client) SendEnvelope(ctx context.Context, env *envelope.Envelope) {
	if client.dsn == nil || client.closed.Load() {
		return
	}
	if err := client.transport.Send(ctx, env); err != nil {
		client.logger.Error("failed to send envelope",
			zap.String("event_id", env.Header.EventID),
			zap.Error(err))
	}
}

// CaptureSession sends a session update. Sessions without a release are
// discarded.
func (client *Client) CaptureSession(session *Session) {
	if session == nil {
		return
	}
	session.mu.Lock()
	release := session.release
	session.mu.Unlock()
	if release == "" {
		client.logger.Debug("session discarded, no release configured")
		return
	}

	client.SendEnvelope(context.Background(), envelope.New(client.envelopeHeader(""), envelope.NewItem(envelope.ItemTypeSession, session)))
	session.markSent()
}

// IncrementRequestSession counts a finished request session.
func (client *Client) IncrementRequestSession(status RequestSessionStatus) {
	if client.sessionFlusher == nil {
		return
	}
	client.sessionFlusher.Increment(status)
}

func (client *Client) sendSessionAggregates(aggregates *SessionAggregates) {
	client.SendEnvelope(context.Background(), envelope.New(client.envelopeHeader(""), envelope.NewItem(envelope.ItemTypeSessions, aggregates)))
}

func (client *Client) reportLoop() {
	defer close(client.done)

	ticker := time.NewTicker(client.options.ClientReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			client.sendClientReport()
		case <-client.stop:
			return
		}
	}
}

// sendClientReport sends the outcomes collected since the previous report.
func (client *Client) sendClientReport() {
	if client.options.DisableClientReports || client.dsn == nil || client.closed.Load() {
		return
	}
	report := client.outcomes.TakeReport(time.Now())
	if report == nil {
		return
	}
	client.SendEnvelope(context.Background(), envelope.New(client.envelopeHeader(""), envelope.NewItem(envelope.ItemTypeClientReport, report)))
}

// Flush waits for running pipelines and in-flight sends. It returns false
// if timeout elapses first; zero waits indefinitely.
func (client *Client) Flush(timeout time.Duration) bool {
	start := time.Now()

	if !client.processing.Drain(timeout) {
		return false
	}

	if client.sessionFlusher != nil {
		client.sessionFlusher.Flush()
	}
	client.sendClientReport()

	if timeout <= 0 {
		return client.transport.Flush(0)
	}
	remaining := timeout - time.Since(start)
	if remaining <= 0 {
		return false
	}
	return client.transport.Flush(remaining)
}

// Close flushes and disables the client. Later captures still run the
// pipeline but send nothing.
func (client *Client) Close(timeout time.Duration) bool {
	if client.sessionFlusher != nil {
		client.sessionFlusher.Close()
	}

	ok := client.Flush(timeout)

	client.closed.Store(true)
	client.stopOnce.Do(func() {
		close(client.stop)
	})
	<-client.done
	client.transport.Close()

	return ok
}

// eventFromException builds an error event for err.
func (client *Client) eventFromException(err error, hint *EventHint) *Event {
	event := NewEvent()
	event.Level = LevelError

	var ex Exception
	if err == nil {
		ex = Exception{Type: "error", Value: "CaptureException called with nil error"}
	} else {
		ex = client.exceptionFromError(err)
	}

	ex.Mechanism = hint.Mechanism
	if ex.Mechanism == nil {
		ex.Mechanism = &Mechanism{Type: "generic", Handled: boolPtr(true)}
	}
	event.Exception = []Exception{ex}
	return event
}

func (client *Client) exceptionFromError(err error) Exception {
	ex := Exception{
		Type:  reflect.TypeOf(err).String(),
		Value: err.Error(),
	}
	if client.options.StackParser != nil {
		ex.Stacktrace = client.options.StackParser(err)
	}
	return ex
}
