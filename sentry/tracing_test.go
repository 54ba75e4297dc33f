package sentry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/your-org/roadrunner-sentry/sentry/clientreport"
	"github.com/your-org/roadrunner-sentry/sentry/envelope"
	"github.com/your-org/roadrunner-sentry/sentry/ratelimit"
)

func TestTransactionFinishSendsSpans(t *testing.T) {
	exec := &fakeExecutor{}
	client := newTestClient(t, ClientOptions{TracesSampleRate: Rate(1), Release: "app@3"}, exec)
	hub := NewHub(client, nil)

	tx := hub.StartTransaction(context.Background(), "GET /users/:id", WithOp("http.server"), WithTransactionSource(SourceRoute))
	child := StartTransaction(tx.Context(), "SELECT users")
	child.SetData("db.system", "postgresql")
	child.Finish()
	unfinished := tx.StartChild("cache.get")
	tx.SetMeasurement("ttfb", 12.5, "millisecond")
	tx.Finish()

	if !hub.Flush(time.Second) {
		t.Fatal("flush timed out")
	}

	transactions := exec.itemsOfType(t, envelope.ItemTypeTransaction)
	if len(transactions) != 1 {
		t.Fatalf("transactions = %d", len(transactions))
	}
	event := transactions[0]
	if event["transaction"] != "GET /users/:id" {
		t.Errorf("transaction = %v", event["transaction"])
	}
	trace := event["contexts"].(map[string]any)["trace"].(map[string]any)
	if trace["op"] != "http.server" || trace["status"] != "ok" || trace["span_id"] != tx.SpanID {
		t.Errorf("trace = %v", trace)
	}
	spans := event["spans"].([]any)
	if len(spans) != 1 {
		t.Fatalf("spans = %d, unfinished children must be left out", len(spans))
	}
	span := spans[0].(map[string]any)
	if span["parent_span_id"] != tx.SpanID || span["description"] != "SELECT users" {
		t.Errorf("span = %v", span)
	}
	if event["measurements"].(map[string]any)["ttfb"].(map[string]any)["value"] != 12.5 {
		t.Errorf("measurements = %v", event["measurements"])
	}

	header := exec.envelopes()[0].Header
	if header.Trace["transaction"] != "GET /users/:id" || header.Trace["sampled"] != "true" || header.Trace["release"] != "app@3" {
		t.Errorf("dsc = %v", header.Trace)
	}
	unfinished.Finish()
}

func TestUnsampledTransactionIsAccounted(t *testing.T) {
	exec := &fakeExecutor{}
	client := newTestClient(t, ClientOptions{TracesSampleRate: Rate(0)}, exec)
	hub := NewHub(client, nil)

	tx := hub.StartTransaction(context.Background(), "job")
	if tx.Sampled() {
		t.Fatal("transaction sampled at rate 0")
	}
	tx.Finish()
	tx.Finish()
	hub.Flush(time.Second)

	if len(exec.itemsOfType(t, envelope.ItemTypeTransaction)) != 0 {
		t.Error("unsampled transaction sent")
	}
	report := exec.itemsOfType(t, envelope.ItemTypeClientReport)[0]
	discarded := report["discarded_events"].([]any)[0].(map[string]any)
	if discarded["reason"] != string(clientreport.ReasonSampleRate) || discarded["category"] != string(ratelimit.CategoryTransaction) || discarded["quantity"] != 1.0 {
		t.Errorf("discarded = %v", discarded)
	}
}

func TestDynamicSamplingContext(t *testing.T) {
	client := newTestClient(t, ClientOptions{TracesSampleRate: Rate(1), Environment: "staging"}, &fakeExecutor{})

	t.Run("url source omits the name", func(t *testing.T) {
		tx := NewHub(client, nil).StartTransaction(context.Background(), "/users/42", WithTransactionSource(SourceURL))
		dsc := tx.DynamicSamplingContext()
		if _, ok := dsc["transaction"]; ok {
			t.Errorf("dsc = %v", dsc)
		}
		if dsc["public_key"] != "public" || dsc["environment"] != "staging" || dsc["sample_rate"] != "1" {
			t.Errorf("dsc = %v", dsc)
		}
	})

	t.Run("inherited dsc is frozen", func(t *testing.T) {
		hub := NewHub(client, nil)
		hub.ContinueTrace("0123456789abcdef0123456789abcdef-0123456789abcdef-1", "sentry-trace_id=0123456789abcdef0123456789abcdef,sentry-release=upstream,other=x")

		tx := hub.StartTransaction(context.Background(), "downstream")
		dsc := tx.StartChild("db").DynamicSamplingContext()
		if len(dsc) != 2 || dsc["release"] != "upstream" {
			t.Errorf("dsc = %v", dsc)
		}
		if tx.TraceID != "0123456789abcdef0123456789abcdef" || tx.ParentSpanID != "0123456789abcdef" {
			t.Errorf("trace not continued: %s %s", tx.TraceID, tx.ParentSpanID)
		}
		if !tx.Sampled() {
			t.Error("parent decision not inherited")
		}
	})
}

func TestContinueFromHeaders(t *testing.T) {
	testCases := []struct {
		name        string
		sentryTrace string
		baggage     string
		wantTraceID string
		wantSampled *bool
		wantDSC     map[string]string
	}{
		{
			name:        "full header",
			sentryTrace: "0123456789abcdef0123456789abcdef-0123456789abcdef-0",
			baggage:     "sentry-environment=prod%20eu",
			wantTraceID: "0123456789abcdef0123456789abcdef",
			wantSampled: boolPtr(false),
			wantDSC:     map[string]string{"environment": "prod eu"},
		},
		{
			name:        "no sampling flag and no baggage",
			sentryTrace: "0123456789abcdef0123456789abcdef-0123456789abcdef",
			wantTraceID: "0123456789abcdef0123456789abcdef",
			wantDSC:     map[string]string{},
		},
		{
			name:        "malformed starts a new trace",
			sentryTrace: "not-a-trace",
		},
		{
			name: "empty starts a new trace",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pc := ContinueFromHeaders(tc.sentryTrace, tc.baggage)

			if tc.wantTraceID == "" {
				if len(pc.TraceID) != 32 || pc.DynamicSamplingContext != nil || pc.Sampled != nil {
					t.Errorf("expected a fresh context, got %+v", pc)
				}
				return
			}
			if pc.TraceID != tc.wantTraceID || pc.ParentSpanID != "0123456789abcdef" {
				t.Errorf("ids = %s %s", pc.TraceID, pc.ParentSpanID)
			}
			if (pc.Sampled == nil) != (tc.wantSampled == nil) || (pc.Sampled != nil && *pc.Sampled != *tc.wantSampled) {
				t.Errorf("sampled = %v", pc.Sampled)
			}
			if len(pc.DynamicSamplingContext) != len(tc.wantDSC) {
				t.Fatalf("dsc = %v", pc.DynamicSamplingContext)
			}
			for k, v := range tc.wantDSC {
				if pc.DynamicSamplingContext[k] != v {
					t.Errorf("dsc[%s] = %q", k, pc.DynamicSamplingContext[k])
				}
			}
		})
	}
}

func TestOutgoingHeaders(t *testing.T) {
	client := newTestClient(t, ClientOptions{TracesSampleRate: Rate(1), Release: "v 1"}, &fakeExecutor{})
	tx := NewHub(client, nil).StartTransaction(context.Background(), "job", WithSpanSampled(false))
	child := tx.StartChild("step")

	if want := tx.TraceID + "-" + child.SpanID + "-0"; child.ToSentryTrace() != want {
		t.Errorf("sentry-trace = %q, want %q", child.ToSentryTrace(), want)
	}

	baggage := child.ToBaggage()
	if !strings.HasPrefix(baggage, "sentry-environment=production,sentry-public_key=public,sentry-release=v%201,") {
		t.Errorf("baggage = %q", baggage)
	}
	if !strings.Contains(baggage, "sentry-sampled=false") {
		t.Errorf("baggage = %q", baggage)
	}
}

func TestStartTransactionUsesHubFromContext(t *testing.T) {
	hub := NewHub(nil, nil)
	ctx := SetHubOnContext(context.Background(), hub)

	tx := StartTransaction(ctx, "background")
	if !tx.IsTransaction() || tx.TraceID != hub.Scope().PropagationContext().TraceID {
		t.Error("transaction not started on the context hub")
	}
	if SpanFromContext(tx.Context()) != tx {
		t.Error("span not stored on its context")
	}

	child := StartTransaction(tx.Context(), "nested")
	if child.IsTransaction() || child.ParentSpanID != tx.SpanID {
		t.Error("span in context must produce a child")
	}
}
