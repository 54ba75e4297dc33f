package sentry

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/your-org/roadrunner-sentry/sentry/clientreport"
	"github.com/your-org/roadrunner-sentry/sentry/ratelimit"
)

// SpanStatus is the final state of a span.
type SpanStatus string

const (
	SpanStatusOK                 SpanStatus = "ok"
	SpanStatusCancelled          SpanStatus = "cancelled"
	SpanStatusUnknown            SpanStatus = "unknown_error"
	SpanStatusInvalidArgument    SpanStatus = "invalid_argument"
	SpanStatusDeadlineExceeded   SpanStatus = "deadline_exceeded"
	SpanStatusNotFound           SpanStatus = "not_found"
	SpanStatusAlreadyExists      SpanStatus = "already_exists"
	SpanStatusPermissionDenied   SpanStatus = "permission_denied"
	SpanStatusResourceExhausted  SpanStatus = "resource_exhausted"
	SpanStatusFailedPrecondition SpanStatus = "failed_precondition"
	SpanStatusAborted            SpanStatus = "aborted"
	SpanStatusOutOfRange         SpanStatus = "out_of_range"
	SpanStatusUnimplemented      SpanStatus = "unimplemented"
	SpanStatusInternalError      SpanStatus = "internal_error"
	SpanStatusUnavailable        SpanStatus = "unavailable"
	SpanStatusDataLoss           SpanStatus = "data_loss"
	SpanStatusUnauthenticated    SpanStatus = "unauthenticated"
)

// Span is a timed operation. The span without a parent in this process is
// the root; finishing a sampled root sends it as a transaction event.
type Span struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Op           string
	Name         string
	Source       TransactionSource
	Status       SpanStatus
	Tags         map[string]string
	Data         map[string]any
	StartTime    time.Time
	EndTime      time.Time

	mu       sync.Mutex
	finished bool
	// sampled is set once when the span is created.
	sampled bool

	ctx      context.Context
	hub      *Hub
	root     *Span
	recorder *spanRecorder

	// root-only state
	sampleRate     *float64
	frozenDSC      map[string]string
	customSampling map[string]any
	forcedSampled  *bool
	measurements   map[string]Measurement
}

// spanRecorder collects every span of one transaction.
type spanRecorder struct {
	mu    sync.Mutex
	spans []*Span
}

func (r *spanRecorder) record(span *Span) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = append(r.spans, span)
}

func (r *spanRecorder) children(root *Span) []*Span {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Span, 0, len(r.spans))
	for _, span := range r.spans {
		if span != root && span.isFinished() {
			out = append(out, span)
		}
	}
	return out
}

// SpanOption configures a span before it starts.
type SpanOption func(span *Span)

// WithOp sets the span operation.
func WithOp(op string) SpanOption {
	return func(span *Span) { span.Op = op }
}

// WithDescription sets the span name.
func WithDescription(name string) SpanOption {
	return func(span *Span) { span.Name = name }
}

// WithTransactionSource records where the transaction name came from.
func WithTransactionSource(source TransactionSource) SpanOption {
	return func(span *Span) { span.Source = source }
}

// WithSpanSampled forces the sampling decision of a transaction.
func WithSpanSampled(sampled bool) SpanOption {
	return func(span *Span) { span.forcedSampled = boolPtr(sampled) }
}

// WithCustomSamplingContext passes extra values to the TracesSampler.
func WithCustomSamplingContext(custom map[string]any) SpanOption {
	return func(span *Span) { span.customSampling = custom }
}

// WithSpanData sets span attributes, also visible to the TracesSampler.
func WithSpanData(data map[string]any) SpanOption {
	return func(span *Span) {
		for k, v := range data {
			span.Data[k] = v
		}
	}
}

type spanContextKey struct{}

// SpanFromContext returns the span stored in ctx, or nil.
func SpanFromContext(ctx context.Context) *Span {
	if span, ok := ctx.Value(spanContextKey{}).(*Span); ok {
		return span
	}
	return nil
}

// StartTransaction starts a root span on the hub found in ctx, or the current
// hub. A span already in ctx makes the new span its child instead.
func StartTransaction(ctx context.Context, name string, opts ...SpanOption) *Span {
	if parent := SpanFromContext(ctx); parent != nil {
		return parent.StartChild("", append([]SpanOption{WithDescription(name)}, opts...)...)
	}

	hub := GetHubFromContext(ctx)
	if hub == nil {
		hub = CurrentHub()
	}
	return hub.StartTransaction(ctx, name, opts...)
}

// StartTransaction starts a root span continuing the trace of the scope's
// propagation context and makes the sampling decision.
func (hub *Hub) StartTransaction(ctx context.Context, name string, opts ...SpanOption) *Span {
	client, scope := hub.Client(), hub.Scope()
	pc := scope.PropagationContext()

	span := &Span{
		TraceID:      pc.TraceID,
		SpanID:       newSpanID(),
		ParentSpanID: pc.ParentSpanID,
		Name:         name,
		Source:       SourceCustom,
		Tags:         make(map[string]string),
		Data:         make(map[string]any),
		StartTime:    time.Now(),
		hub:          hub,
		recorder:     &spanRecorder{},
	}
	span.root = span
	if pc.DynamicSamplingContext != nil {
		span.frozenDSC = cloneStringMap(pc.DynamicSamplingContext)
	}
	for _, opt := range opts {
		opt(span)
	}

	switch {
	case span.forcedSampled != nil:
		span.sampled = *span.forcedSampled
	case client != nil:
		decision := sampleTransaction(&client.options, SamplingContext{
			Name:          span.Name,
			Op:            span.Op,
			Source:        span.Source,
			Attributes:    cloneAnyMap(span.Data),
			ParentSampled: pc.Sampled,
			Custom:        span.customSampling,
		}, client.logger)
		span.sampled = decision.sampled
		span.sampleRate = decision.rate
	}

	span.recorder.record(span)
	span.ctx = context.WithValue(ctx, spanContextKey{}, span)
	return span
}

// StartChild starts a span under s sharing its trace and sampling decision.
func (s *Span) StartChild(op string, opts ...SpanOption) *Span {
	child := &Span{
		TraceID:      s.TraceID,
		SpanID:       newSpanID(),
		ParentSpanID: s.SpanID,
		Op:           op,
		Tags:         make(map[string]string),
		Data:         make(map[string]any),
		StartTime:    time.Now(),
		sampled:      s.sampled,
		hub:          s.hub,
		root:         s.root,
		recorder:     s.recorder,
	}
	for _, opt := range opts {
		opt(child)
	}

	child.recorder.record(child)
	child.ctx = context.WithValue(s.Context(), spanContextKey{}, child)
	return child
}

// Context returns a context carrying s.
func (s *Span) Context() context.Context {
	if s.ctx == nil {
		return context.WithValue(context.Background(), spanContextKey{}, s)
	}
	return s.ctx
}

// Sampled reports the sampling decision of the span's transaction.
func (s *Span) Sampled() bool {
	return s.sampled
}

// IsTransaction reports whether s is a root span.
func (s *Span) IsTransaction() bool {
	return s.root == s
}

// SetTag sets a span tag.
func (s *Span) SetTag(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Tags[key] = value
}

// SetData sets a span attribute.
func (s *Span) SetData(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Data[key] = value
}

// SetMeasurement records a numeric value on the transaction.
func (s *Span) SetMeasurement(name string, value float64, unit string) {
	root := s.root
	root.mu.Lock()
	defer root.mu.Unlock()
	if root.measurements == nil {
		root.measurements = make(map[string]Measurement)
	}
	root.measurements[name] = Measurement{Value: value, Unit: unit}
}

func (s *Span) isFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Finish ends the span. Finishing the root sends the transaction when it
// was sampled. Later calls are ignored.
func (s *Span) Finish() {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.EndTime = time.Now()
	if s.Status == "" {
		s.Status = SpanStatusOK
	}
	s.mu.Unlock()

	if s.root != s || s.hub == nil {
		return
	}

	client := s.hub.Client()
	if !s.sampled {
		if client != nil {
			client.RecordDroppedEvent(clientreport.ReasonSampleRate, ratelimit.CategoryTransaction, 1)
		}
		return
	}

	s.hub.CaptureEvent(s.toEvent(), &EventHint{Context: s.ctx})
}

// toEvent renders a finished root span and its finished children as a
// transaction event.
func (s *Span) toEvent() *Event {
	event := NewEvent()
	event.Type = eventTypeTransaction
	event.Transaction = s.Name
	event.TransactionInfo = &TransactionInfo{Source: s.Source}
	event.StartTime = s.StartTime
	event.Timestamp = s.EndTime
	event.Tags = cloneStringMap(s.Tags)
	event.Contexts["trace"] = s.traceContext()
	event.Spans = s.recorder.children(s)

	s.mu.Lock()
	if len(s.measurements) > 0 {
		event.Measurements = make(map[string]Measurement, len(s.measurements))
		for k, v := range s.measurements {
			event.Measurements[k] = v
		}
	}
	s.mu.Unlock()

	event.dynamicSamplingContext = s.DynamicSamplingContext()
	return event
}

// traceContext renders the span as the "trace" event context.
func (s *Span) traceContext() Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := Context{
		"trace_id": s.TraceID,
		"span_id":  s.SpanID,
	}
	if s.ParentSpanID != "" {
		ctx["parent_span_id"] = s.ParentSpanID
	}
	if s.Op != "" {
		ctx["op"] = s.Op
	}
	if s.Status != "" {
		ctx["status"] = string(s.Status)
	}
	if len(s.Data) > 0 {
		ctx["data"] = cloneAnyMap(s.Data)
	}
	return ctx
}

// ToSentryTrace renders the sentry-trace header value for outgoing requests.
func (s *Span) ToSentryTrace() string {
	return toSentryTrace(s.TraceID, s.SpanID, boolPtr(s.sampled))
}

// ToBaggage renders the baggage header value for outgoing requests.
func (s *Span) ToBaggage() string {
	return toBaggage(s.DynamicSamplingContext())
}

// DynamicSamplingContext returns the DSC of the span's transaction. An
// inherited DSC is returned verbatim.
func (s *Span) DynamicSamplingContext() map[string]string {
	root := s.root
	if root.frozenDSC != nil {
		return cloneStringMap(root.frozenDSC)
	}

	var client *Client
	if root.hub != nil {
		client = root.hub.Client()
	}

	dsc := dscFromClient(client, root.TraceID)
	if root.Name != "" && root.Source != SourceURL {
		dsc["transaction"] = root.Name
	}
	if root.sampleRate != nil {
		dsc["sample_rate"] = strconv.FormatFloat(*root.sampleRate, 'f', -1, 64)
	}
	dsc["sampled"] = strconv.FormatBool(root.sampled)
	return dsc
}

// dscFromClient derives the DSC fields known from client options.
func dscFromClient(client *Client, traceID string) map[string]string {
	dsc := map[string]string{"trace_id": traceID}
	if client == nil {
		return dsc
	}
	if client.dsn != nil {
		dsc["public_key"] = client.dsn.PublicKey
	}
	if client.options.Environment != "" {
		dsc["environment"] = client.options.Environment
	}
	if client.options.Release != "" {
		dsc["release"] = client.options.Release
	}
	return dsc
}

type spanJSON struct {
	TraceID      string            `json:"trace_id"`
	SpanID       string            `json:"span_id"`
	ParentSpanID string            `json:"parent_span_id,omitempty"`
	Op           string            `json:"op,omitempty"`
	Description  string            `json:"description,omitempty"`
	Status       SpanStatus        `json:"status,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	Data         map[string]any    `json:"data,omitempty"`
	StartTime    time.Time         `json:"start_timestamp"`
	EndTime      *time.Time        `json:"timestamp,omitempty"`
}

// MarshalJSON renders the span as a transaction child span.
func (s *Span) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wire := spanJSON{
		TraceID:      s.TraceID,
		SpanID:       s.SpanID,
		ParentSpanID: s.ParentSpanID,
		Op:           s.Op,
		Description:  s.Name,
		Status:       s.Status,
		Tags:         s.Tags,
		Data:         s.Data,
		StartTime:    s.StartTime,
	}
	if !s.EndTime.IsZero() {
		end := s.EndTime
		wire.EndTime = &end
	}
	return json.Marshal(wire)
}

// UnmarshalJSON reads a span rendered by MarshalJSON, e.g. one received from
// another SDK.
func (s *Span) UnmarshalJSON(data []byte) error {
	var wire spanJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.TraceID = wire.TraceID
	s.SpanID = wire.SpanID
	s.ParentSpanID = wire.ParentSpanID
	s.Op = wire.Op
	s.Name = wire.Description
	s.Status = wire.Status
	s.Tags = wire.Tags
	s.Data = wire.Data
	s.StartTime = wire.StartTime
	if wire.EndTime != nil {
		s.EndTime = *wire.EndTime
		s.finished = true
	}
	return nil
}
