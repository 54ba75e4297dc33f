package sentry

import (
	"context"
	"sync"
)

// Promise is the eventual result of a task tracked by a PromiseBuffer.
type Promise struct {
	done chan struct{}

	mu       sync.Mutex
	settled  bool
	err      error
	handlers []func(error)
}

func newPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// settle records the result and runs pending handlers in registration order.
// Later calls are ignored.
func (p *Promise) settle(err error) {
	p.mu.Lock()
	if p.settled {
		p.mu.Unlock()
		return
	}
	p.settled = true
	p.err = err
	handlers := p.handlers
	p.handlers = nil
	close(p.done)
	p.mu.Unlock()

	for _, handler := range handlers {
		handler(err)
	}
}

// Then registers a handler called with the task result. A handler registered
// after the promise settled runs immediately on the calling goroutine.
func (p *Promise) Then(handler func(error)) *Promise {
	p.mu.Lock()
	if !p.settled {
		p.handlers = append(p.handlers, handler)
		p.mu.Unlock()
		return p
	}
	err := p.err
	p.mu.Unlock()

	handler(err)
	return p
}

// Done is closed once the task settles.
func (p *Promise) Done() <-chan struct{} {
	return p.done
}

// Err returns the task result. It is nil until the promise settles.
func (p *Promise) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Wait blocks until the task settles or ctx is done.
func (p *Promise) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
