package rrsentry

import (
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestConfigDefaults(t *testing.T) {
	cfg := &Config{Enabled: true}
	cfg.InitDefaults()

	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	opts := cfg.clientOptions(zaptest.NewLogger(t), nil)
	if opts.Environment != "production" || opts.MaxBreadcrumbs != 100 || opts.NormalizeDepth != 3 {
		t.Errorf("unexpected options: %+v", opts)
	}
	if !opts.Compression || opts.InsecureSkipVerify || opts.DisableClientReports {
		t.Errorf("transport defaults: compression=%v insecure=%v no-reports=%v", opts.Compression, opts.InsecureSkipVerify, opts.DisableClientReports)
	}
	if opts.HTTPTimeout != 30*time.Second || opts.ShutdownTimeout != 2*time.Second || opts.BufferSize != 64 {
		t.Errorf("timeouts: %v %v %d", opts.HTTPTimeout, opts.ShutdownTimeout, opts.BufferSize)
	}
	if opts.SampleRate != nil || opts.TracesSampleRate != nil {
		t.Error("unset rates must stay nil")
	}
}

func TestConfigKeepsExplicitFalse(t *testing.T) {
	cfg := &Config{
		Transport:     TransportConfig{SSLVerify: ptrTo(false), Compression: ptrTo(false)},
		ClientReports: ClientReportsConfig{Enabled: ptrTo(false)},
	}
	cfg.InitDefaults()

	opts := cfg.clientOptions(zaptest.NewLogger(t), nil)
	if opts.Compression || !opts.InsecureSkipVerify || !opts.DisableClientReports {
		t.Errorf("explicit false overwritten: %+v", opts)
	}
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "empty dsn disables sending", cfg: Config{}},
		{name: "valid dsn", cfg: Config{DSN: "https://key@example.com/1"}},
		{name: "invalid dsn", cfg: Config{DSN: "ftp://key@example.com/1"}, wantErr: true},
		{name: "sample rate too high", cfg: Config{SampleRate: ptrTo(1.5)}, wantErr: true},
		{name: "negative traces rate", cfg: Config{TracesSampleRate: ptrTo(-0.1)}, wantErr: true},
		{name: "sessions without release", cfg: Config{Sessions: SessionsConfig{Enabled: true}}, wantErr: true},
		{name: "unknown log level", cfg: Config{Logging: LoggingConfig{Level: "loud"}}, wantErr: true},
		{name: "negative buffer", cfg: Config{Transport: TransportConfig{BufferSize: -1}}, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			cfg.InitDefaults()
			if err := cfg.Validate(); (err != nil) != tc.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestConfigCapsBreadcrumbs(t *testing.T) {
	cfg := &Config{MaxBreadcrumbs: 500}
	cfg.InitDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.MaxBreadcrumbs != 100 {
		t.Errorf("max breadcrumbs = %d", cfg.MaxBreadcrumbs)
	}
}
