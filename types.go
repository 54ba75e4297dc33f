package rrsentry

// EventPayload is an event produced by a worker, serialized as Sentry JSON
type EventPayload struct {
	ID      string `json:"event_id"`
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// MessagePayload captures a plain message
type MessagePayload struct {
	Message string            `json:"message"`
	Level   string            `json:"level"`
	Tags    map[string]string `json:"tags,omitempty"`
}

// BreadcrumbPayload records a breadcrumb on the plugin scope
type BreadcrumbPayload struct {
	Type     string         `json:"type"`
	Category string         `json:"category"`
	Message  string         `json:"message"`
	Level    string         `json:"level"`
	Data     map[string]any `json:"data,omitempty"`
}

// FlushRequest bounds a flush, zero waits for the configured shutdown timeout
type FlushRequest struct {
	TimeoutMs int64 `json:"timeout_ms"`
}

// SendResult represents the result of a send operation
type SendResult struct {
	Success bool   `json:"success"`
	EventID string `json:"event_id"`
	Error   string `json:"error,omitempty"`
	// RateLimit reports that the event's category is currently rate limited
	RateLimit bool `json:"rate_limit,omitempty"`
}

// TransportMetrics represents plugin metrics
type TransportMetrics struct {
	EnvelopesSent   uint64 `json:"envelopes_sent"`
	EnvelopesFailed uint64 `json:"envelopes_failed"`
	BufferLength    int    `json:"buffer_length"`
}
