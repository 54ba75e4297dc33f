package sentry

import (
	"context"
	"sync"
	"time"

	"github.com/roadrunner-server/errors"
)

// ErrBufferFull is returned by PromiseBuffer.Add when the buffer is at capacity.
var ErrBufferFull = errors.E(errors.Op("promise_buffer_add"), errors.Str("promise buffer is full"))

// PromiseBuffer bounds the number of concurrently running tasks and lets
// callers wait for all of them to settle.
type PromiseBuffer struct {
	limit int

	mu      sync.Mutex
	pending int
	// idle is closed whenever pending drops to zero.
	idle chan struct{}
}

// NewPromiseBuffer creates a buffer admitting at most limit tasks. A limit
// of zero or less means unbounded.
func NewPromiseBuffer(limit int) *PromiseBuffer {
	idle := make(chan struct{})
	close(idle)
	return &PromiseBuffer{limit: limit, idle: idle}
}

// Add starts task on its own goroutine and tracks it until it settles.
// At capacity the task is not started and ErrBufferFull is returned.
func (b *PromiseBuffer) Add(task func(ctx context.Context) error) (*Promise, error) {
	b.mu.Lock()
	if b.limit > 0 && b.pending >= b.limit {
		b.mu.Unlock()
		return nil, ErrBufferFull
	}
	b.pending++
	if b.pending == 1 {
		b.idle = make(chan struct{})
	}
	b.mu.Unlock()

	promise := newPromise()
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = panicError(r)
			}
			promise.settle(err)
			b.release()
		}()
		err = task(context.Background())
	}()

	return promise, nil
}

func (b *PromiseBuffer) release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending--
	if b.pending == 0 {
		close(b.idle)
	}
}

// Len returns the number of tasks not yet settled.
func (b *PromiseBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Drain waits until every tracked task settles. It returns false if timeout
// elapses first; a timeout of zero or less waits indefinitely. Running tasks
// are never cancelled.
func (b *PromiseBuffer) Drain(timeout time.Duration) bool {
	b.mu.Lock()
	idle := b.idle
	b.mu.Unlock()

	if timeout <= 0 {
		<-idle
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-idle:
		return true
	case <-timer.C:
		return false
	}
}
