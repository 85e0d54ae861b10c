// Package qlock contains the fair, cancellable mutex
// that serializes access to a single connection's protocol engine.
package qlock

import (
	"container/list"
	"context"
	"sync"
)

// Mutex is a first-in-first-out mutual exclusion lock
// whose Lock method can be abandoned through a context.
//
// Unlike [sync.Mutex], ownership is handed directly to the
// longest-waiting goroutine on Unlock,
// so a tight loop of Lock/Unlock by one goroutine
// cannot starve the others.
//
// Mutex is not re-entrant.
// The zero value is an unlocked Mutex.
type Mutex struct {
	mu sync.Mutex

	locked bool

	// Elements are chan struct{}.
	// Closing the channel transfers ownership to that waiter.
	waiters list.List
}

// TryLock acquires m if it is free and nobody is queued for it.
// It never blocks.
func (m *Mutex) TryLock() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locked || m.waiters.Len() > 0 {
		return false
	}
	m.locked = true
	return true
}

// Lock acquires m, waiting in arrival order behind other callers.
//
// If ctx is done before the lock is granted,
// Lock returns the context's cause and the caller does not hold m.
func (m *Mutex) Lock(ctx context.Context) error {
	m.mu.Lock()
	if !m.locked && m.waiters.Len() == 0 {
		m.locked = true
		m.mu.Unlock()
		return nil
	}

	ready := make(chan struct{})
	el := m.waiters.PushBack(ready)
	m.mu.Unlock()

	select {
	case <-ready:
		return nil

	case <-ctx.Done():
		m.mu.Lock()
		select {
		case <-ready:
			// Unlock handed us ownership concurrently with the cancellation.
			// We are not going to use it, so pass it along.
			m.mu.Unlock()
			m.Unlock()
		default:
			m.waiters.Remove(el)
			m.mu.Unlock()
		}
		return context.Cause(ctx)
	}
}

// Unlock releases m, granting it to the oldest waiter if there is one.
// Unlocking an unlocked Mutex panics.
func (m *Mutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.locked {
		panic("BUG: Unlock of unlocked qlock.Mutex")
	}

	front := m.waiters.Front()
	if front == nil {
		m.locked = false
		return
	}

	// m.locked stays true; ownership moves to the waiter.
	m.waiters.Remove(front)
	close(front.Value.(chan struct{}))
}

// Waiters reports how many goroutines are queued in Lock.
func (m *Mutex) Waiters() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiters.Len()
}
