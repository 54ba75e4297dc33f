package clientreport

import (
	"sort"
	"sync"
	"time"

	"github.com/your-org/roadrunner-sentry/sentry/ratelimit"
)

// Aggregator accumulates outcomes between client report flushes.
//
// Thread-safe: Record and TakeReport may be called concurrently.
type Aggregator struct {
	mu       sync.Mutex
	outcomes map[OutcomeKey]int64
}

// NewAggregator creates an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{outcomes: make(map[OutcomeKey]int64)}
}

// Record adds quantity discarded items for the (reason, category) pair.
// Non-positive quantities are ignored.
func (a *Aggregator) Record(reason DiscardReason, category ratelimit.Category, quantity int64) {
	if quantity <= 0 {
		return
	}

	a.mu.Lock()
	a.outcomes[OutcomeKey{Reason: reason, Category: category}] += quantity
	a.mu.Unlock()
}

// Len returns the number of distinct outcome buckets pending.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.outcomes)
}

// TakeReport returns the pending outcomes as a Report and clears them. It
// returns nil when nothing was recorded since the last call.
func (a *Aggregator) TakeReport(now time.Time) *Report {
	a.mu.Lock()
	pending := a.outcomes
	a.outcomes = make(map[OutcomeKey]int64)
	a.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	discarded := make([]DiscardedEvent, 0, len(pending))
	for key, quantity := range pending {
		discarded = append(discarded, DiscardedEvent{
			Reason:   key.Reason,
			Category: key.Category,
			Quantity: quantity,
		})
	}
	sort.Slice(discarded, func(i, j int) bool {
		if discarded[i].Reason != discarded[j].Reason {
			return discarded[i].Reason < discarded[j].Reason
		}
		return discarded[i].Category < discarded[j].Category
	})

	return &Report{
		Timestamp:       float64(now.UnixNano()) / float64(time.Second),
		DiscardedEvents: discarded,
	}
}
