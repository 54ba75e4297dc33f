package sentry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SessionAggregate counts request outcomes that started in one minute.
type SessionAggregate struct {
	Started time.Time `json:"started"`
	Exited  int       `json:"exited,omitempty"`
	Errored int       `json:"errored,omitempty"`
	Crashed int       `json:"crashed,omitempty"`
}

// SessionAggregates is the payload of a "sessions" envelope item.
type SessionAggregates struct {
	Aggregates []SessionAggregate `json:"aggregates"`
	Attrs      sessionAttrs       `json:"attrs"`
}

// SessionFlusher aggregates request sessions per minute and periodically
// hands them to a send function.
type SessionFlusher struct {
	mu      sync.Mutex
	buckets map[time.Time]*SessionAggregate
	attrs   sessionAttrs

	send     func(*SessionAggregates)
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewSessionFlusher starts a flusher that calls send every interval with the
// aggregates collected since the previous call.
func NewSessionFlusher(release, environment string, interval time.Duration, send func(*SessionAggregates), logger *zap.Logger) *SessionFlusher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = defaultSessionFlushInterval
	}

	f := &SessionFlusher{
		buckets:  make(map[time.Time]*SessionAggregate),
		attrs:    sessionAttrs{Release: release, Environment: environment},
		send:     send,
		interval: interval,
		logger:   logger.Named("sessions"),
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go f.loop()
	return f
}

func (f *SessionFlusher) loop() {
	defer close(f.done)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.Flush()
		case <-f.stop:
			return
		}
	}
}

// Increment counts one finished request session in the current minute.
func (f *SessionFlusher) Increment(status RequestSessionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()

	started := f.now().UTC().Truncate(time.Minute)
	bucket, ok := f.buckets[started]
	if !ok {
		bucket = &SessionAggregate{Started: started}
		f.buckets[started] = bucket
	}

	switch status {
	case RequestSessionErrored:
		bucket.Errored++
	case RequestSessionCrashed:
		bucket.Crashed++
	default:
		bucket.Exited++
	}
}

// take returns the collected aggregates ordered by minute and clears them.
func (f *SessionFlusher) take() *SessionAggregates {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.buckets) == 0 {
		return nil
	}

	aggregates := make([]SessionAggregate, 0, len(f.buckets))
	for _, bucket := range f.buckets {
		aggregates = append(aggregates, *bucket)
	}
	sort.Slice(aggregates, func(i, j int) bool {
		return aggregates[i].Started.Before(aggregates[j].Started)
	})
	f.buckets = make(map[time.Time]*SessionAggregate)

	return &SessionAggregates{Aggregates: aggregates, Attrs: f.attrs}
}

// Flush sends the collected aggregates, if any.
func (f *SessionFlusher) Flush() {
	aggregates := f.take()
	if aggregates == nil {
		return
	}
	f.logger.Debug("flushing session aggregates", zap.Int("buckets", len(aggregates.Aggregates)))
	f.send(aggregates)
}

// Close stops the periodic flush and sends what is left.
func (f *SessionFlusher) Close() {
	f.stopOnce.Do(func() {
		close(f.stop)
		<-f.done
		f.Flush()
	})
}
