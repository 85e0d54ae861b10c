package qpubsub

import (
	"context"
	"sync"
)

// Notifier is a single-producer, multi-consumer one-shot signal.
//
// The first call to [*Notifier.Fire] stores a value and closes
// the ready channel, waking every goroutine blocked on a [Waiter].
// Subsequent calls to Fire are no-ops.
//
// The zero value is not usable; create one with [NewNotifier].
type Notifier[T any] struct {
	once  sync.Once
	ready chan struct{}

	// Only written inside once, before ready is closed.
	val T
}

// NewNotifier returns an unfired Notifier.
func NewNotifier[T any]() *Notifier[T] {
	return &Notifier[T]{
		ready: make(chan struct{}),
	}
}

// Fire delivers v to every current and future subscriber.
// It reports whether this call was the one that fired n.
func (n *Notifier[T]) Fire(v T) bool {
	fired := false
	n.once.Do(func() {
		n.val = v
		close(n.ready)
		fired = true
	})
	return fired
}

// Fired reports whether Fire has been called.
func (n *Notifier[T]) Fired() bool {
	select {
	case <-n.ready:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed once n fires.
func (n *Notifier[T]) Done() <-chan struct{} {
	return n.ready
}

// Subscribe returns a handle for observing n.
// Subscribing is free; there is nothing to unsubscribe.
func (n *Notifier[T]) Subscribe() Waiter[T] {
	return Waiter[T]{n: n}
}

// Value returns the fired value and true,
// or the zero value and false if n has not fired yet.
func (n *Notifier[T]) Value() (T, bool) {
	select {
	case <-n.ready:
		return n.val, true
	default:
		var zero T
		return zero, false
	}
}

// Waiter observes a single [Notifier].
type Waiter[T any] struct {
	n *Notifier[T]
}

// Done returns a channel that is closed once the notifier fires.
func (w Waiter[T]) Done() <-chan struct{} {
	return w.n.ready
}

// Value returns the fired value.
// It must only be called after Done is closed;
// otherwise it panics.
func (w Waiter[T]) Value() T {
	v, ok := w.n.Value()
	if !ok {
		panic("BUG: Waiter.Value called before notifier fired")
	}
	return v
}

// Wait blocks until the notifier fires or ctx is done.
func (w Waiter[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-w.n.ready:
		return w.n.val, nil
	case <-ctx.Done():
		var zero T
		return zero, context.Cause(ctx)
	}
}
