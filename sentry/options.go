package sentry

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	// SDKName and SDKVersion identify this SDK in events and envelopes.
	SDKName    = "sentry.go.roadrunner"
	SDKVersion = "1.0.0"

	defaultEnvironment          = "production"
	defaultMaxBreadcrumbs       = 100
	maxBreadcrumbsLimit         = 100
	defaultNormalizeDepth       = 3
	defaultNormalizeMaxBreadth  = 1000
	defaultMaxValueLength       = 250
	defaultMaxSpans             = 1000
	defaultBufferSize           = 64
	defaultShutdownTimeout      = 2 * time.Second
	defaultClientReportInterval = 60 * time.Second
	defaultSessionFlushInterval = 60 * time.Second
)

// BeforeSendFunc inspects or replaces an event right before it is sent.
// Returning a nil event drops it; returning an error is a pipeline fault.
type BeforeSendFunc func(ctx context.Context, event *Event, hint *EventHint) (*Event, error)

// BeforeBreadcrumbFunc inspects or replaces a breadcrumb before it is recorded.
// Returning nil discards it.
type BeforeBreadcrumbFunc func(breadcrumb *Breadcrumb, hint BreadcrumbHint) *Breadcrumb

// StackParser turns an error into a stack trace. Nil results are allowed.
type StackParser func(err error) *Stacktrace

// ClientOptions configures a Client.
type ClientOptions struct {
	// Dsn locates the collector. An empty or invalid DSN disables sending.
	Dsn string
	// Debug enables a development logger when Logger is nil.
	Debug  bool
	Logger *zap.Logger

	Environment string
	Release     string
	Dist        string
	ServerName  string

	// SampleRate keeps error events with this probability. Nil keeps all.
	SampleRate *float64
	// EnableTracing turns on tracing with a default rate of 1.0 when neither
	// TracesSampleRate nor TracesSampler is set.
	EnableTracing    bool
	TracesSampleRate *float64
	TracesSampler    TracesSampler

	MaxBreadcrumbs      int
	NormalizeDepth      int
	NormalizeMaxBreadth int
	MaxValueLength      int
	MaxSpans            int

	BeforeSend            BeforeSendFunc
	BeforeSendTransaction BeforeSendFunc
	BeforeBreadcrumb      BeforeBreadcrumbFunc

	// IgnoreErrors and IgnoreTransactions are regular expressions matched
	// by the inbound filters integration.
	IgnoreErrors       []string
	IgnoreTransactions []string

	Integrations               []Integration
	DisableDefaultIntegrations bool

	StackParser StackParser
	// DebugIDs maps a frame filename or abs path to its debug identifier.
	DebugIDs map[string]string

	// Tunnel overrides the envelope endpoint; the DSN is then sent in the
	// envelope header.
	Tunnel string

	// Transport replaces the default envelope transport entirely.
	Transport Transport
	// RequestExecutor replaces the default HTTP executor used by the default
	// transport.
	RequestExecutor RequestExecutor
	HTTPClient      *http.Client
	HTTPProxy       string
	HTTPTimeout     time.Duration
	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool
	Compression        bool
	// BufferSize bounds the number of concurrent in-flight sends.
	BufferSize int

	ShutdownTimeout time.Duration

	DisableClientReports bool
	ClientReportInterval time.Duration
	SessionFlushInterval time.Duration

	// Observer receives delivery accounting, e.g. for metrics.
	Observer DeliveryObserver

	// random returns a uniform value in [0, 1). Overridden in tests.
	random func() float64
}

// withDefaults returns a copy of o with zero values replaced by defaults.
func (o ClientOptions) withDefaults() ClientOptions {
	if o.Logger == nil {
		if o.Debug {
			o.Logger, _ = zap.NewDevelopment()
		}
		if o.Logger == nil {
			o.Logger = zap.NewNop()
		}
	}
	if o.Environment == "" {
		o.Environment = defaultEnvironment
	}
	if o.MaxBreadcrumbs == 0 {
		o.MaxBreadcrumbs = defaultMaxBreadcrumbs
	}
	if o.MaxBreadcrumbs > maxBreadcrumbsLimit {
		o.MaxBreadcrumbs = maxBreadcrumbsLimit
	}
	if o.NormalizeDepth <= 0 {
		o.NormalizeDepth = defaultNormalizeDepth
	}
	if o.NormalizeMaxBreadth <= 0 {
		o.NormalizeMaxBreadth = defaultNormalizeMaxBreadth
	}
	if o.MaxValueLength <= 0 {
		o.MaxValueLength = defaultMaxValueLength
	}
	if o.MaxSpans <= 0 {
		o.MaxSpans = defaultMaxSpans
	}
	if o.BufferSize <= 0 {
		o.BufferSize = defaultBufferSize
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = defaultShutdownTimeout
	}
	if o.ClientReportInterval <= 0 {
		o.ClientReportInterval = defaultClientReportInterval
	}
	if o.SessionFlushInterval <= 0 {
		o.SessionFlushInterval = defaultSessionFlushInterval
	}
	if o.random == nil {
		o.random = randomFloat
	}
	return o
}

// tracingEnabled reports whether any tracing option is set.
func (o *ClientOptions) tracingEnabled() bool {
	return o.EnableTracing || o.TracesSampleRate != nil || o.TracesSampler != nil
}
