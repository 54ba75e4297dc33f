package sentry

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/your-org/roadrunner-sentry/sentry/envelope"
)

const testDSN = "https://public@example.com/42"

// fakeExecutor records every request and answers with a fixed response.
type fakeExecutor struct {
	mu       sync.Mutex
	requests []*envelope.Envelope
	status   int
	headers  http.Header
	err      error
	// block, when set, holds every request until closed.
	block chan struct{}
}

func (f *fakeExecutor) execute(_ context.Context, req *TransportRequest) (*TransportResponse, error) {
	if f.block != nil {
		<-f.block
	}

	env, err := envelope.Parse(req.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, env)
	if f.err != nil {
		return nil, f.err
	}

	status := f.status
	if status == 0 {
		status = http.StatusOK
	}
	return &TransportResponse{StatusCode: status, Headers: f.headers}, nil
}

func (f *fakeExecutor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// itemsOfType returns the decoded JSON payloads of all items of type t.
func (f *fakeExecutor) itemsOfType(t *testing.T, itemType envelope.ItemType) []map[string]any {
	t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()

	var out []map[string]any
	for _, env := range f.requests {
		for _, item := range env.Items {
			if item.Header.Type != itemType {
				continue
			}
			var payload map[string]any
			if err := json.Unmarshal(item.Payload.([]byte), &payload); err != nil {
				t.Fatalf("decode %s payload: %v", itemType, err)
			}
			out = append(out, payload)
		}
	}
	return out
}

func (f *fakeExecutor) envelopes() []*envelope.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*envelope.Envelope(nil), f.requests...)
}

// newTestClient creates a client sending through exec and closes it when
// the test ends.
func newTestClient(t *testing.T, opts ClientOptions, exec *fakeExecutor) *Client {
	t.Helper()

	if opts.Dsn == "" {
		opts.Dsn = testDSN
	}
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	if opts.RequestExecutor == nil && exec != nil {
		opts.RequestExecutor = exec.execute
	}
	if opts.ClientReportInterval == 0 {
		opts.ClientReportInterval = time.Hour
	}

	client := NewClient(opts)
	t.Cleanup(func() {
		client.Close(time.Second)
	})
	return client
}

// sequence returns a random source yielding values in order, counting calls.
func sequence(values ...float64) (func() float64, *int) {
	calls := 0
	return func() float64 {
		v := values[calls%len(values)]
		calls++
		return v
	}, &calls
}
