package clientreport

// DiscardReason represents why an item was discarded.
type DiscardReason string

const (
	// ReasonQueueOverflow indicates the transport buffer was full.
	ReasonQueueOverflow DiscardReason = "queue_overflow"

	// ReasonBufferOverflow indicates that an internal buffer was full.
	ReasonBufferOverflow DiscardReason = "buffer_overflow"

	// ReasonRateLimitBackoff indicates the item was dropped due to rate limiting.
	ReasonRateLimitBackoff DiscardReason = "ratelimit_backoff"

	// ReasonBeforeSend indicates the item was dropped by a BeforeSend callback.
	ReasonBeforeSend DiscardReason = "before_send"

	// ReasonEventProcessor indicates the item was dropped by an event processor.
	ReasonEventProcessor DiscardReason = "event_processor"

	// ReasonSampleRate indicates the item was dropped due to sampling.
	ReasonSampleRate DiscardReason = "sample_rate"

	// ReasonNetworkError indicates the request failed before a response arrived.
	ReasonNetworkError DiscardReason = "network_error"

	// ReasonSendError indicates the server answered with an error status other
	// than 429, which the server accounts for itself.
	ReasonSendError DiscardReason = "send_error"
)
