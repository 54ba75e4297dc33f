package rrsentry

import (
	"time"

	"go.uber.org/zap"

	"github.com/your-org/roadrunner-sentry/sentry"
)

// RPC provides RPC methods for PHP communication
type RPC struct {
	plugin *Plugin
	logger *zap.Logger
}

// NewRPC creates a new RPC instance
func NewRPC(plugin *Plugin, logger *zap.Logger) *RPC {
	return &RPC{
		plugin: plugin,
		logger: logger,
	}
}

// SendEvent captures a single serialized event
func (r *RPC) SendEvent(event *EventPayload, result *SendResult) error {
	r.logger.Debug("received single event via RPC",
		zap.String("event_id", event.ID),
		zap.String("type", event.Type))

	*result = r.send(event)
	return nil
}

// SendBatch captures a batch of serialized events
func (r *RPC) SendBatch(events []*EventPayload, result *[]*SendResult) error {
	if len(events) == 0 {
		*result = []*SendResult{}
		return nil
	}

	r.logger.Debug("received batch of events via RPC",
		zap.Int("count", len(events)))

	results := make([]*SendResult, len(events))
	for i, event := range events {
		res := r.send(event)
		results[i] = &res
	}

	*result = results
	return nil
}

func (r *RPC) send(event *EventPayload) SendResult {
	id, limited, err := r.plugin.SendEvent(event)
	if err != nil {
		r.logger.Error("failed to capture event",
			zap.String("event_id", event.ID),
			zap.Error(err))
		return SendResult{
			Success: false,
			EventID: event.ID,
			Error:   err.Error(),
		}
	}

	return SendResult{
		Success:   !limited,
		EventID:   string(id),
		RateLimit: limited,
	}
}

// CaptureMessage captures a plain message with optional tags
func (r *RPC) CaptureMessage(message *MessagePayload, result *SendResult) error {
	var hint *sentry.EventHint
	if len(message.Tags) > 0 {
		hint = &sentry.EventHint{CaptureContext: sentry.ScopeContext{Tags: message.Tags}}
	}

	id := r.plugin.hub.CaptureMessage(message.Message, sentry.Level(message.Level), hint)
	*result = SendResult{
		Success: true,
		EventID: string(id),
	}
	return nil
}

// AddBreadcrumb records a breadcrumb attached to subsequent events
func (r *RPC) AddBreadcrumb(breadcrumb *BreadcrumbPayload, result *bool) error {
	r.plugin.hub.AddBreadcrumb(&sentry.Breadcrumb{
		Type:     breadcrumb.Type,
		Category: breadcrumb.Category,
		Message:  breadcrumb.Message,
		Level:    sentry.Level(breadcrumb.Level),
		Data:     breadcrumb.Data,
	}, nil)

	*result = true
	return nil
}

// Flush waits for pending events, reporting false on timeout
func (r *RPC) Flush(request *FlushRequest, result *bool) error {
	timeout := time.Duration(request.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = r.plugin.config.ShutdownTimeout
	}

	*result = r.plugin.Flush(timeout)
	if !*result {
		r.logger.Warn("flush timed out", zap.Duration("timeout", timeout))
	}
	return nil
}

// Metrics returns delivery counters
func (r *RPC) Metrics(_ bool, result *TransportMetrics) error {
	*result = *r.plugin.GetMetrics()
	return nil
}
