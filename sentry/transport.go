package sentry

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"

	"github.com/your-org/roadrunner-sentry/sentry/clientreport"
	"github.com/your-org/roadrunner-sentry/sentry/envelope"
	"github.com/your-org/roadrunner-sentry/sentry/ratelimit"
)

// Transport delivers envelopes.
type Transport interface {
	// Send schedules delivery and returns without waiting for the network.
	Send(ctx context.Context, env *envelope.Envelope) error
	// Flush waits for in-flight deliveries, reporting false on timeout.
	Flush(timeout time.Duration) bool
	Close()
}

// TransportRequest is one serialized envelope ready for delivery.
type TransportRequest struct {
	Body []byte
}

// TransportResponse carries what the transport needs from the server answer.
type TransportResponse struct {
	StatusCode int
	Headers    http.Header
}

// RequestExecutor performs the network call for a request. An error means
// no response was received.
type RequestExecutor func(ctx context.Context, req *TransportRequest) (*TransportResponse, error)

// DeliveryObserver receives delivery accounting.
type DeliveryObserver interface {
	EnvelopeSent()
	EnvelopeFailed()
	Discarded(reason clientreport.DiscardReason, category ratelimit.Category, quantity int64)
}

// DropRecorder receives items lost inside the transport.
type DropRecorder func(reason clientreport.DiscardReason, category ratelimit.Category, quantity int64)

// TransportOptions configures an EnvelopeTransport.
type TransportOptions struct {
	Logger *zap.Logger
	// BufferSize bounds concurrent in-flight requests.
	BufferSize int
	// RecordDropped is called for every item lost to rate limits, overflow
	// or delivery failures.
	RecordDropped DropRecorder
	Observer      DeliveryObserver
}

// EnvelopeTransport filters envelopes through the current rate limits and
// delivers them with a RequestExecutor under a PromiseBuffer. Failed requests
// are not retried.
type EnvelopeTransport struct {
	logger   *zap.Logger
	execute  RequestExecutor
	buffer   *PromiseBuffer
	limiter  *ratelimit.RateLimiter
	record   DropRecorder
	observer DeliveryObserver
	closed   atomic.Bool
}

// NewEnvelopeTransport creates a transport sending through execute.
func NewEnvelopeTransport(opts TransportOptions, execute RequestExecutor) *EnvelopeTransport {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.RecordDropped == nil {
		opts.RecordDropped = func(clientreport.DiscardReason, ratelimit.Category, int64) {}
	}

	logger := opts.Logger.Named("transport")
	return &EnvelopeTransport{
		logger:   logger,
		execute:  execute,
		buffer:   NewPromiseBuffer(opts.BufferSize),
		limiter:  ratelimit.NewRateLimiter(logger),
		record:   opts.RecordDropped,
		observer: opts.Observer,
	}
}

// Send drops rate-limited items and schedules the rest. It returns nil when
// nothing is left to send or the buffer is full; both outcomes are recorded.
func (t *EnvelopeTransport) Send(_ context.Context, env *envelope.Envelope) error {
	const op = errors.Op("sentry_transport_send")

	if t.closed.Load() {
		return errors.E(op, errors.Disabled, errors.Str("transport is closed"))
	}

	kept := make([]*envelope.Item, 0, len(env.Items))
	for _, item := range env.Items {
		category := item.Category()
		if t.limiter.IsRateLimited(category) {
			t.logger.Debug("item dropped by rate limit",
				zap.String("event_id", env.Header.EventID),
				zap.String("category", category.String()),
				zap.Time("disabled_until", t.limiter.DisabledUntil(category)))
			t.recordItem(clientreport.ReasonRateLimitBackoff, item)
			continue
		}
		kept = append(kept, item)
	}

	if len(kept) == 0 {
		return nil
	}

	filtered := env.WithItems(kept)
	body, err := filtered.Serialize()
	if err != nil {
		return errors.E(op, errors.Encode, err)
	}

	_, err = t.buffer.Add(func(ctx context.Context) error {
		return t.deliver(ctx, filtered, body)
	})
	if err != nil {
		t.logger.Warn("transport buffer is full, dropping envelope",
			zap.String("event_id", env.Header.EventID),
			zap.Int("items", len(kept)))
		for _, item := range kept {
			t.recordItem(clientreport.ReasonQueueOverflow, item)
		}
	}

	return nil
}

func (t *EnvelopeTransport) deliver(ctx context.Context, env *envelope.Envelope, body []byte) error {
	const op = errors.Op("sentry_transport_deliver")

	resp, err := t.execute(ctx, &TransportRequest{Body: body})
	if err != nil {
		t.logger.Error("envelope delivery failed",
			zap.String("event_id", env.Header.EventID),
			zap.Error(err))
		for _, item := range env.Items {
			t.recordItem(clientreport.ReasonNetworkError, item)
		}
		if t.observer != nil {
			t.observer.EnvelopeFailed()
		}
		return errors.E(op, errors.Network, err)
	}

	t.limiter.HandleResponse(resp.StatusCode, resp.Headers)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		t.logger.Debug("envelope sent",
			zap.String("event_id", env.Header.EventID),
			zap.Int("status_code", resp.StatusCode))
		if t.observer != nil {
			t.observer.EnvelopeSent()
		}
	case resp.StatusCode == http.StatusTooManyRequests:
		t.logger.Warn("envelope rejected by rate limit",
			zap.String("event_id", env.Header.EventID))
		if t.observer != nil {
			t.observer.EnvelopeFailed()
		}
	default:
		t.logger.Error("envelope rejected",
			zap.String("event_id", env.Header.EventID),
			zap.Int("status_code", resp.StatusCode))
		for _, item := range env.Items {
			t.recordItem(clientreport.ReasonSendError, item)
		}
		if t.observer != nil {
			t.observer.EnvelopeFailed()
		}
	}

	return nil
}

// recordItem accounts a lost item. Transactions also account their spans.
func (t *EnvelopeTransport) recordItem(reason clientreport.DiscardReason, item *envelope.Item) {
	category := item.Category()
	t.record(reason, category, 1)
	if category == ratelimit.CategoryTransaction {
		if event, ok := item.Payload.(*Event); ok {
			t.record(reason, ratelimit.CategorySpan, int64(len(event.Spans)+1))
		}
	}
}

// Flush waits for in-flight requests.
func (t *EnvelopeTransport) Flush(timeout time.Duration) bool {
	return t.buffer.Drain(timeout)
}

// Close stops accepting envelopes. In-flight requests are not cancelled.
func (t *EnvelopeTransport) Close() {
	t.closed.Store(true)
}

// RateLimits returns a copy of the current limits.
func (t *EnvelopeTransport) RateLimits() ratelimit.Map {
	return t.limiter.Status()
}

// CleanupRateLimits forgets limits that have already expired.
func (t *EnvelopeTransport) CleanupRateLimits() {
	t.limiter.CleanupExpired()
}

// BufferLen returns the number of in-flight requests.
func (t *EnvelopeTransport) BufferLen() int {
	return t.buffer.Len()
}

// noopTransport is used when no DSN is configured.
type noopTransport struct{}

func (noopTransport) Send(context.Context, *envelope.Envelope) error { return nil }
func (noopTransport) Flush(time.Duration) bool                       { return true }
func (noopTransport) Close()                                         {}
