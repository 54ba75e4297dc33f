package sentry

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"

	"github.com/your-org/roadrunner-sentry/sentry/envelope"
)

const (
	headerSentryAuth = "X-Sentry-Auth"
	defaultTimeout   = 30 * time.Second
)

// HTTPExecutorOptions configures the HTTP request executor.
type HTTPExecutorOptions struct {
	DSN *DSN
	// Tunnel, when set, receives every envelope instead of the DSN endpoint.
	Tunnel string
	// Client replaces the HTTP client built from the remaining options.
	Client             *http.Client
	Proxy              string
	InsecureSkipVerify bool
	Timeout            time.Duration
	Compression        bool
	Logger             *zap.Logger
}

// HTTPExecutor posts serialized envelopes to the collector.
type HTTPExecutor struct {
	endpoint    string
	tunnel      bool
	dsn         *DSN
	client      *http.Client
	compression bool
	logger      *zap.Logger
}

// NewHTTPExecutor builds an executor for the DSN envelope endpoint or the
// configured tunnel.
func NewHTTPExecutor(opts HTTPExecutorOptions) (*HTTPExecutor, error) {
	const op = errors.Op("sentry_http_executor_init")

	if opts.DSN == nil && opts.Tunnel == "" {
		return nil, errors.E(op, errors.Disabled, errors.Str("no DSN or tunnel configured"))
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	client := opts.Client
	if client == nil {
		transport := &http.Transport{
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec
			},
		}

		if opts.Proxy != "" {
			proxyURL, err := url.Parse(opts.Proxy)
			if err != nil {
				return nil, errors.E(op, err)
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		}

		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Transport: transport, Timeout: timeout}
	}

	endpoint := opts.Tunnel
	if endpoint == "" {
		endpoint = opts.DSN.EnvelopeEndpointURL()
	}

	return &HTTPExecutor{
		endpoint:    endpoint,
		tunnel:      opts.Tunnel != "",
		dsn:         opts.DSN,
		client:      client,
		compression: opts.Compression,
		logger:      opts.Logger.Named("http"),
	}, nil
}

// Execute sends one request. It matches the RequestExecutor signature.
func (e *HTTPExecutor) Execute(ctx context.Context, req *TransportRequest) (*TransportResponse, error) {
	const op = errors.Op("sentry_http_execute")

	httpReq, err := e.newRequest(ctx, req.Body)
	if err != nil {
		return nil, errors.E(op, err)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, errors.E(op, errors.Network, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		e.logger.Warn("failed to read response body", zap.Error(err))
	}
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusTooManyRequests {
		e.logger.Debug("collector error response",
			zap.Int("status_code", resp.StatusCode),
			zap.String("response", string(body)))
	}

	return &TransportResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
	}, nil
}

func (e *HTTPExecutor) newRequest(ctx context.Context, payload []byte) (*http.Request, error) {
	var body io.Reader = bytes.NewReader(payload)
	var contentEncoding string

	if e.compression {
		var buf bytes.Buffer
		gzipWriter := gzip.NewWriter(&buf)
		if _, err := gzipWriter.Write(payload); err != nil {
			return nil, errors.E(errors.Encode, err)
		}
		if err := gzipWriter.Close(); err != nil {
			return nil, errors.E(errors.Encode, err)
		}
		body = &buf
		contentEncoding = "gzip"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", envelope.ContentType)
	req.Header.Set("User-Agent", SDKName+"/"+SDKVersion)
	if !e.tunnel {
		req.Header.Set(headerSentryAuth, e.dsn.AuthHeader(SDKName+"/"+SDKVersion))
	}
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
	}

	return req, nil
}
