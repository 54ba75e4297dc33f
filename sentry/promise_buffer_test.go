package sentry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPromiseBufferAdmission(t *testing.T) {
	buffer := NewPromiseBuffer(1)
	release := make(chan struct{})

	first, err := buffer.Add(func(context.Context) error {
		<-release
		return nil
	})
	if err != nil {
		t.Fatalf("first add: %v", err)
	}

	if _, err := buffer.Add(func(context.Context) error { return nil }); err != ErrBufferFull {
		t.Fatalf("second add: got %v, want ErrBufferFull", err)
	}
	if got := buffer.Len(); got != 1 {
		t.Errorf("Len = %d, want 1", got)
	}

	close(release)
	if err := first.Wait(context.Background()); err != nil {
		t.Fatalf("first task: %v", err)
	}
	if !buffer.Drain(time.Second) {
		t.Fatal("drain timed out")
	}

	third, err := buffer.Add(func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("third add: %v", err)
	}
	<-third.Done()
}

func TestPromiseBufferDrain(t *testing.T) {
	t.Run("empty buffer drains immediately", func(t *testing.T) {
		if !NewPromiseBuffer(1).Drain(time.Millisecond) {
			t.Error("drain of empty buffer failed")
		}
	})

	t.Run("times out on a task that never settles", func(t *testing.T) {
		buffer := NewPromiseBuffer(2)
		block := make(chan struct{})
		defer close(block)

		if _, err := buffer.Add(func(context.Context) error {
			<-block
			return nil
		}); err != nil {
			t.Fatal(err)
		}

		if buffer.Drain(20 * time.Millisecond) {
			t.Error("drain reported success with a pending task")
		}
	})

	t.Run("succeeds when tasks settle before the timeout", func(t *testing.T) {
		buffer := NewPromiseBuffer(2)
		for i := 0; i < 2; i++ {
			if _, err := buffer.Add(func(context.Context) error {
				time.Sleep(5 * time.Millisecond)
				return errors.New("failed tasks still settle")
			}); err != nil {
				t.Fatal(err)
			}
		}

		if !buffer.Drain(time.Second) {
			t.Error("drain timed out")
		}
		if got := buffer.Len(); got != 0 {
			t.Errorf("Len = %d after drain", got)
		}
	})

	t.Run("zero timeout waits indefinitely", func(t *testing.T) {
		buffer := NewPromiseBuffer(1)
		if _, err := buffer.Add(func(context.Context) error {
			time.Sleep(10 * time.Millisecond)
			return nil
		}); err != nil {
			t.Fatal(err)
		}
		if !buffer.Drain(0) {
			t.Error("indefinite drain returned false")
		}
	})
}

func TestPromiseBufferRecoversPanics(t *testing.T) {
	buffer := NewPromiseBuffer(1)
	promise, err := buffer.Add(func(context.Context) error {
		panic("task panic")
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := promise.Wait(context.Background()); err == nil {
		t.Error("panic not reported as error")
	}
	if !buffer.Drain(time.Second) {
		t.Error("panicking task not released")
	}
}

func TestPromiseThenOrder(t *testing.T) {
	p := newPromise()
	var order []int

	p.Then(func(error) { order = append(order, 1) })
	p.Then(func(error) { order = append(order, 2) })
	p.settle(nil)
	p.Then(func(error) { order = append(order, 3) })
	p.settle(errors.New("ignored"))

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("order = %v", order)
	}
	if p.Err() != nil {
		t.Errorf("second settle changed the result: %v", p.Err())
	}
}
