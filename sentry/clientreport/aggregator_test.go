package clientreport

import (
	"sync"
	"testing"
	"time"

	"github.com/your-org/roadrunner-sentry/sentry/ratelimit"
)

func TestAggregatorTakeReport(t *testing.T) {
	a := NewAggregator()
	a.Record(ReasonSampleRate, ratelimit.CategoryError, 1)
	a.Record(ReasonSampleRate, ratelimit.CategoryError, 2)
	a.Record(ReasonRateLimitBackoff, ratelimit.CategoryTransaction, 1)
	a.Record(ReasonBeforeSend, ratelimit.CategoryError, 0)

	now := time.Unix(1700000000, 500000000)
	report := a.TakeReport(now)
	if report == nil {
		t.Fatal("expected a report")
	}
	if report.Timestamp != 1700000000.5 {
		t.Fatalf("unexpected timestamp %v", report.Timestamp)
	}

	want := []DiscardedEvent{
		{Reason: ReasonRateLimitBackoff, Category: ratelimit.CategoryTransaction, Quantity: 1},
		{Reason: ReasonSampleRate, Category: ratelimit.CategoryError, Quantity: 3},
	}
	if len(report.DiscardedEvents) != len(want) {
		t.Fatalf("got %v, want %v", report.DiscardedEvents, want)
	}
	for i := range want {
		if report.DiscardedEvents[i] != want[i] {
			t.Errorf("entry %d: got %v, want %v", i, report.DiscardedEvents[i], want[i])
		}
	}

	if again := a.TakeReport(now); again != nil {
		t.Fatalf("expected outcomes to be cleared, got %v", again)
	}
}

func TestAggregatorConcurrentRecord(t *testing.T) {
	a := NewAggregator()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Record(ReasonQueueOverflow, ratelimit.CategoryError, 1)
		}()
	}
	wg.Wait()

	report := a.TakeReport(time.Now())
	if report == nil || report.DiscardedEvents[0].Quantity != 50 {
		t.Fatalf("expected 50 outcomes, got %+v", report)
	}
}
