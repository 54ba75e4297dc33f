package rrsentry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/roadrunner-server/endure/v2/dep"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"

	"github.com/your-org/roadrunner-sentry/sentry"
	"github.com/your-org/roadrunner-sentry/sentry/ratelimit"
)

const (
	PluginName = "sentry"

	transactionType = "transaction"
)

// Plugin represents the main plugin structure
type Plugin struct {
	config  *Config
	logger  *zap.Logger
	client  *sentry.Client
	hub     *sentry.Hub
	metrics *metricsCollector

	// Lifecycle
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Configurer interface for config plugin
type Configurer interface {
	UnmarshalKey(name string, out any) error
	Has(name string) bool
}

// Logger interface for logger plugin
type Logger interface {
	NamedLogger(name string) *zap.Logger
}

// Reporter is provided to other plugins
type Reporter interface {
	CaptureException(err error) sentry.EventID
	CaptureMessage(message string, level sentry.Level) sentry.EventID
	Hub() *sentry.Hub
	Flush(timeout time.Duration) bool
}

// Init initializes the plugin
func (p *Plugin) Init(cfg Configurer, log Logger) error {
	const op = errors.Op("sentry_plugin_init")

	if !cfg.Has(PluginName) {
		return errors.E(op, errors.Disabled)
	}

	config := &Config{}
	if err := cfg.UnmarshalKey(PluginName, config); err != nil {
		return errors.E(op, err)
	}

	config.InitDefaults()
	if err := config.Validate(); err != nil {
		return errors.E(op, err)
	}

	if !config.Enabled {
		return errors.E(op, errors.Disabled)
	}

	p.config = config
	p.logger = newLogger(log.NamedLogger(PluginName), &config.Logging)
	p.metrics = newMetricsCollector()

	p.client = sentry.NewClient(config.clientOptions(p.logger, p.metrics))
	if transport, ok := p.client.Transport().(*sentry.EnvelopeTransport); ok {
		p.metrics.setBufferLength(transport.BufferLen)
	}
	p.hub = sentry.NewHub(p.client, sentry.NewScope())
	sentry.SetCurrentHub(p.hub)

	if config.DSN == "" {
		p.logger.Warn("no DSN configured, events will be processed but not transmitted")
	}

	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	p.logger.Info("sentry plugin initialized",
		zap.Bool("dsn_configured", config.DSN != ""),
		zap.String("environment", config.Environment),
		zap.String("release", config.Release),
		zap.Int("buffer_size", config.Transport.BufferSize))

	return nil
}

// newLogger applies the configured level unless debug logging is on.
func newLogger(logger *zap.Logger, cfg *LoggingConfig) *zap.Logger {
	if cfg.Debug {
		return logger
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return logger
	}
	return logger.WithOptions(zap.IncreaseLevel(level))
}

// Serve starts the plugin
func (p *Plugin) Serve() chan error {
	errCh := make(chan error, 1)

	if p.config == nil {
		errCh <- errors.E(errors.Op("sentry_plugin_serve"), errors.Str("plugin not initialized"))
		return errCh
	}

	if p.config.Sessions.Enabled {
		p.hub.StartSession()
	}

	go func() {
		defer close(p.doneCh)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go p.cleanupRoutine(ctx)

		p.logger.Info("sentry plugin started")

		<-p.stopCh
		p.logger.Info("sentry plugin stopping")

		p.hub.EndSession()
		if !p.client.Close(p.config.ShutdownTimeout) {
			p.logger.Warn("pending events were not delivered before shutdown",
				zap.Duration("shutdown_timeout", p.config.ShutdownTimeout))
		}

		p.logger.Info("sentry plugin stopped")
	}()

	return errCh
}

// Stop stops the plugin
func (p *Plugin) Stop(ctx context.Context) error {
	if p.stopCh == nil {
		return nil
	}
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})

	select {
	case <-p.doneCh:
		return nil
	case <-ctx.Done():
		p.logger.Warn("plugin stop timed out")
		return ctx.Err()
	}
}

// Name returns the plugin name
func (p *Plugin) Name() string {
	return PluginName
}

// RPC returns the RPC interface
func (p *Plugin) RPC() any {
	return NewRPC(p, p.logger)
}

// MetricsCollector returns the collectors exposed to the metrics plugin
func (p *Plugin) MetricsCollector() []prometheus.Collector {
	return []prometheus.Collector{p.metrics}
}

// Provides returns the dependencies this plugin provides
func (p *Plugin) Provides() []*dep.Out {
	return []*dep.Out{
		dep.Bind((*Reporter)(nil), p.Reporter),
	}
}

// Reporter returns the reporting interface
func (p *Plugin) Reporter() Reporter {
	return p
}

// Hub returns the plugin hub
func (p *Plugin) Hub() *sentry.Hub {
	return p.hub
}

// CaptureException implements Reporter
func (p *Plugin) CaptureException(err error) sentry.EventID {
	return p.hub.CaptureException(err, nil)
}

// CaptureMessage implements Reporter
func (p *Plugin) CaptureMessage(message string, level sentry.Level) sentry.EventID {
	return p.hub.CaptureMessage(message, level, nil)
}

// Flush implements Reporter
func (p *Plugin) Flush(timeout time.Duration) bool {
	return p.hub.Flush(timeout)
}

// SendEvent decodes a serialized event and captures it
func (p *Plugin) SendEvent(payload *EventPayload) (sentry.EventID, bool, error) {
	const op = errors.Op("sentry_plugin_send_event")

	if p.hub == nil {
		return "", false, errors.E(op, errors.Str("plugin not initialized"))
	}

	event := sentry.NewEvent()
	if err := json.Unmarshal([]byte(payload.Payload), event); err != nil {
		return "", false, errors.E(op, errors.Decode, err)
	}
	if event.EventID == "" {
		event.EventID = sentry.EventID(payload.ID)
	}
	if event.Type == "" && payload.Type == transactionType {
		event.Type = transactionType
	}

	category := ratelimit.CategoryError
	if event.Type == transactionType {
		category = ratelimit.CategoryTransaction
	}
	limited := p.rateLimited(category)

	return p.hub.CaptureEvent(event, nil), limited, nil
}

// GetMetrics returns a snapshot of delivery counters
func (p *Plugin) GetMetrics() *TransportMetrics {
	if p.metrics == nil {
		return &TransportMetrics{}
	}
	return p.metrics.snapshot()
}

func (p *Plugin) rateLimited(category ratelimit.Category) bool {
	transport, ok := p.client.Transport().(*sentry.EnvelopeTransport)
	if !ok {
		return false
	}
	return transport.RateLimits().IsRateLimited(category, time.Now())
}

// cleanupRoutine performs periodic cleanup tasks
func (p *Plugin) cleanupRoutine(ctx context.Context) {
	transport, ok := p.client.Transport().(*sentry.EnvelopeTransport)
	if !ok {
		return
	}

	ticker := time.NewTicker(p.config.Transport.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			transport.CleanupRateLimits()
		}
	}
}
