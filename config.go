package rrsentry

import (
	"fmt"
	"time"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"

	"github.com/your-org/roadrunner-sentry/sentry"
)

// Config represents the plugin configuration
type Config struct {
	// Enable/disable the plugin
	Enabled bool `mapstructure:"enabled"`

	// Sentry DSN, empty disables transmission
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
	Release     string `mapstructure:"release"`
	Dist        string `mapstructure:"dist"`
	ServerName  string `mapstructure:"server_name"`

	// Sampling, nil keeps the SDK defaults
	SampleRate       *float64 `mapstructure:"sample_rate"`
	TracesSampleRate *float64 `mapstructure:"traces_sample_rate"`
	EnableTracing    bool     `mapstructure:"enable_tracing"`

	MaxBreadcrumbs      int `mapstructure:"max_breadcrumbs"`
	NormalizeDepth      int `mapstructure:"normalize_depth"`
	NormalizeMaxBreadth int `mapstructure:"normalize_max_breadth"`
	MaxValueLength      int `mapstructure:"max_value_length"`

	IgnoreErrors       []string `mapstructure:"ignore_errors"`
	IgnoreTransactions []string `mapstructure:"ignore_transactions"`

	// Tunnel replaces the envelope endpoint derived from the DSN
	Tunnel          string        `mapstructure:"tunnel"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	Transport     TransportConfig     `mapstructure:"transport"`
	ClientReports ClientReportsConfig `mapstructure:"client_reports"`
	Sessions      SessionsConfig      `mapstructure:"sessions"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// TransportConfig contains HTTP transport settings
type TransportConfig struct {
	// Request timeout
	Timeout time.Duration `mapstructure:"timeout"`
	// Enable gzip compression
	Compression *bool `mapstructure:"compression"`
	// SSL verification
	SSLVerify *bool  `mapstructure:"ssl_verify"`
	Proxy     string `mapstructure:"proxy"`
	// Maximum number of concurrent requests
	BufferSize int `mapstructure:"buffer_size"`
	// How often expired rate limits are forgotten
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// ClientReportsConfig controls reporting of discarded events
type ClientReportsConfig struct {
	Enabled  *bool         `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// SessionsConfig controls release health tracking
type SessionsConfig struct {
	// Track a session for the lifetime of the plugin
	Enabled       bool          `mapstructure:"enabled"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	// Log level for plugin operations
	Level string `mapstructure:"level"`
	// Debug logs every pipeline decision
	Debug bool `mapstructure:"debug"`
}

// InitDefaults initializes default configuration values
func (cfg *Config) InitDefaults() {
	if cfg.Environment == "" {
		cfg.Environment = "production"
	}
	if cfg.MaxBreadcrumbs == 0 {
		cfg.MaxBreadcrumbs = 100
	}
	if cfg.NormalizeDepth == 0 {
		cfg.NormalizeDepth = 3
	}
	if cfg.NormalizeMaxBreadth == 0 {
		cfg.NormalizeMaxBreadth = 1000
	}
	if cfg.MaxValueLength == 0 {
		cfg.MaxValueLength = 250
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 2 * time.Second
	}

	if cfg.Transport.Timeout == 0 {
		cfg.Transport.Timeout = 30 * time.Second
	}
	if cfg.Transport.Compression == nil {
		cfg.Transport.Compression = ptrTo(true)
	}
	if cfg.Transport.SSLVerify == nil {
		cfg.Transport.SSLVerify = ptrTo(true)
	}
	if cfg.Transport.BufferSize == 0 {
		cfg.Transport.BufferSize = 64
	}
	if cfg.Transport.CleanupInterval == 0 {
		cfg.Transport.CleanupInterval = 5 * time.Minute
	}

	if cfg.ClientReports.Enabled == nil {
		cfg.ClientReports.Enabled = ptrTo(true)
	}
	if cfg.ClientReports.Interval == 0 {
		cfg.ClientReports.Interval = 60 * time.Second
	}

	if cfg.Sessions.FlushInterval == 0 {
		cfg.Sessions.FlushInterval = 60 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate validates the configuration
func (cfg *Config) Validate() error {
	const op = errors.Op("sentry_config_validate")

	if cfg.DSN != "" {
		if _, err := sentry.ParseDSN(cfg.DSN); err != nil {
			return errors.E(op, err)
		}
	}

	for name, rate := range map[string]*float64{"sample_rate": cfg.SampleRate, "traces_sample_rate": cfg.TracesSampleRate} {
		if rate != nil && (*rate < 0 || *rate > 1) {
			return errors.E(op, fmt.Errorf("%s must be between 0 and 1, got %v", name, *rate))
		}
	}

	if cfg.MaxBreadcrumbs > 100 {
		cfg.MaxBreadcrumbs = 100
	}
	if cfg.Transport.BufferSize < 0 {
		return errors.E(op, errors.Str("transport.buffer_size must not be negative"))
	}
	if cfg.Sessions.Enabled && cfg.Release == "" {
		return errors.E(op, errors.Str("sessions require a release"))
	}

	if _, err := zap.ParseAtomicLevel(cfg.Logging.Level); err != nil {
		return errors.E(op, err)
	}

	return nil
}

// clientOptions maps the configuration onto SDK options.
func (cfg *Config) clientOptions(logger *zap.Logger, observer sentry.DeliveryObserver) sentry.ClientOptions {
	return sentry.ClientOptions{
		Dsn:                  cfg.DSN,
		Debug:                cfg.Logging.Debug,
		Logger:               logger,
		Environment:          cfg.Environment,
		Release:              cfg.Release,
		Dist:                 cfg.Dist,
		ServerName:           cfg.ServerName,
		SampleRate:           cfg.SampleRate,
		EnableTracing:        cfg.EnableTracing,
		TracesSampleRate:     cfg.TracesSampleRate,
		MaxBreadcrumbs:       cfg.MaxBreadcrumbs,
		NormalizeDepth:       cfg.NormalizeDepth,
		NormalizeMaxBreadth:  cfg.NormalizeMaxBreadth,
		MaxValueLength:       cfg.MaxValueLength,
		IgnoreErrors:         cfg.IgnoreErrors,
		IgnoreTransactions:   cfg.IgnoreTransactions,
		Tunnel:               cfg.Tunnel,
		HTTPProxy:            cfg.Transport.Proxy,
		HTTPTimeout:          cfg.Transport.Timeout,
		InsecureSkipVerify:   !*cfg.Transport.SSLVerify,
		Compression:          *cfg.Transport.Compression,
		BufferSize:           cfg.Transport.BufferSize,
		ShutdownTimeout:      cfg.ShutdownTimeout,
		DisableClientReports: !*cfg.ClientReports.Enabled,
		ClientReportInterval: cfg.ClientReports.Interval,
		SessionFlushInterval: cfg.Sessions.FlushInterval,
		Observer:             observer,
	}
}

func ptrTo[T any](v T) *T {
	return &v
}
