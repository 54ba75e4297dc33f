package sentry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/your-org/roadrunner-sentry/sentry/envelope"
)

type namedIntegration struct {
	name  string
	setup int
}

func (n *namedIntegration) Name() string   { return n.name }
func (n *namedIntegration) Setup(*Client) { n.setup++ }

func TestResolveIntegrations(t *testing.T) {
	custom := &namedIntegration{name: "Dedupe"}
	extra := &namedIntegration{name: "Extra"}

	client := newTestClient(t, ClientOptions{Integrations: []Integration{custom, extra}}, &fakeExecutor{})

	if client.Integration("Dedupe") != custom {
		t.Error("user integration must replace the default with the same name")
	}
	if client.Integration("InboundFilters") == nil || client.Integration("LinkedErrors") == nil {
		t.Error("defaults missing")
	}
	if custom.setup != 1 || extra.setup != 1 {
		t.Errorf("setup calls = %d, %d", custom.setup, extra.setup)
	}

	bare := newTestClient(t, ClientOptions{DisableDefaultIntegrations: true}, &fakeExecutor{})
	if bare.Integration("Dedupe") != nil {
		t.Error("defaults installed although disabled")
	}
}

func TestInboundFilters(t *testing.T) {
	testCases := []struct {
		name  string
		event func() *Event
		drop  bool
	}{
		{
			name:  "matching message",
			event: func() *Event { e := NewEvent(); e.Message = "context canceled by client"; return e },
			drop:  true,
		},
		{
			name: "matching exception type and value",
			event: func() *Event {
				e := NewEvent()
				e.Exception = []Exception{{Type: "*net.OpError", Value: "dial tcp"}}
				return e
			},
			drop: true,
		},
		{
			name:  "other message",
			event: func() *Event { e := NewEvent(); e.Message = "disk full"; return e },
		},
		{
			name: "ignored transaction",
			event: func() *Event {
				e := NewEvent()
				e.Type = eventTypeTransaction
				e.Transaction = "GET /health"
				return e
			},
			drop: true,
		},
		{
			name: "transactions skip error patterns",
			event: func() *Event {
				e := NewEvent()
				e.Type = eventTypeTransaction
				e.Transaction = "context canceled"
				return e
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, ClientOptions{
				IgnoreErrors:       []string{"^context canceled", `^\*net\.OpError: `, "[invalid"},
				IgnoreTransactions: []string{"/health$"},
			}, &fakeExecutor{})

			filters := client.Integration("InboundFilters").(*InboundFilters)
			got, err := filters.process(context.Background(), tc.event(), &EventHint{})
			if err != nil {
				t.Fatal(err)
			}
			if (got == nil) != tc.drop {
				t.Errorf("dropped = %v, want %v", got == nil, tc.drop)
			}
		})
	}
}

type codedError struct {
	code  int
	cause error
}

func (e *codedError) Error() string { return fmt.Sprintf("code %d: %v", e.code, e.cause) }
func (e *codedError) Unwrap() error { return e.cause }

func TestLinkedErrors(t *testing.T) {
	root := errors.New("root")
	err := error(root)
	for i := 0; i < 7; i++ {
		err = &codedError{code: i, cause: err}
	}

	testCases := []struct {
		name      string
		limit     int
		want      int
		wantFirst string
	}{
		{name: "default limit", want: 6, wantFirst: "code 1: code 0: root"},
		{name: "explicit limit", limit: 2, want: 3, wantFirst: "code 4: code 3: code 2: code 1: code 0: root"},
		{name: "whole chain", limit: 10, want: 8, wantFirst: "root"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, ClientOptions{}, &fakeExecutor{})
			event := client.eventFromException(err, &EventHint{})

			(&LinkedErrors{Limit: tc.limit}).PreprocessEvent(event, &EventHint{OriginalException: err}, client)

			if len(event.Exception) != tc.want {
				t.Fatalf("exceptions = %d, want %d", len(event.Exception), tc.want)
			}
			if got := event.Exception[0].Value; got != tc.wantFirst {
				t.Errorf("first = %q, want %q", got, tc.wantFirst)
			}
			last := event.Exception[len(event.Exception)-1]
			if last.Value != err.Error() || last.Mechanism.Type != "generic" {
				t.Errorf("captured error must stay last, got %+v", last)
			}
			if event.Exception[0].Mechanism.Type != "chained" {
				t.Errorf("cause mechanism = %q", event.Exception[0].Mechanism.Type)
			}
		})
	}
}

func TestDedupe(t *testing.T) {
	exception := func(value string) *Event {
		e := NewEvent()
		e.Exception = []Exception{{Type: "*errors.errorString", Value: value, Stacktrace: &Stacktrace{Frames: []Frame{{Function: "main", Lineno: 10}}}}}
		return e
	}

	dedupe := &Dedupe{}
	steps := []struct {
		event *Event
		drop  bool
	}{
		{event: exception("a")},
		{event: exception("a"), drop: true},
		{event: exception("b")},
		{event: exception("a")},
		{event: func() *Event { e := NewEvent(); e.Type = eventTypeTransaction; return e }()},
		{event: exception("a"), drop: true},
	}

	for i, step := range steps {
		got, _ := dedupe.process(context.Background(), step.event, &EventHint{})
		if (got == nil) != step.drop {
			t.Errorf("step %d: dropped = %v, want %v", i, got == nil, step.drop)
		}
	}
}

func TestGlobalEventProcessor(t *testing.T) {
	exec := &fakeExecutor{}
	client := newTestClient(t, ClientOptions{}, exec)

	AddGlobalEventProcessor(func(_ context.Context, event *Event, _ *EventHint) (*Event, error) {
		if event.Message == "global drop" {
			return nil, nil
		}
		return event, nil
	})

	client.CaptureMessage(context.Background(), "global drop", LevelInfo, nil, NewScope())
	client.CaptureMessage(context.Background(), "global keep", LevelInfo, nil, NewScope())
	client.Flush(time.Second)

	events := exec.itemsOfType(t, envelope.ItemTypeEvent)
	if len(events) != 1 || events[0]["message"] != "global keep" {
		t.Errorf("events = %v", events)
	}
}
