package qdrive

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/qdrive/qengine"
)

// waitTable tracks goroutines parked on per-stream readiness.
//
// Every stream with at least one parked goroutine owns a slot.
// Readiness events mark the slot in a bitset during a driver turn,
// and the turn ends by waking every marked slot at once,
// so a stream is woken at most once per turn.
//
// A waitTable is guarded by its connection's qlock.Mutex.
type waitTable struct {
	byStream map[qengine.StreamID]*streamWaiter
	slots    []*streamWaiter
	free     []uint

	ready *bitset.BitSet
}

type streamWaiter struct {
	id   qengine.StreamID
	slot uint

	// Closed on wake.
	ch chan struct{}

	// Number of goroutines parked on ch.
	refs int
}

func newWaitTable() *waitTable {
	return &waitTable{
		byStream: make(map[qengine.StreamID]*streamWaiter),
		ready:    bitset.New(8),
	}
}

// Add registers one more goroutine waiting on id.
func (t *waitTable) Add(id qengine.StreamID) *streamWaiter {
	if w, ok := t.byStream[id]; ok {
		w.refs++
		return w
	}

	w := &streamWaiter{
		id:   id,
		ch:   make(chan struct{}),
		refs: 1,
	}
	if n := len(t.free); n > 0 {
		w.slot = t.free[n-1]
		t.free = t.free[:n-1]
		t.slots[w.slot] = w
	} else {
		w.slot = uint(len(t.slots))
		t.slots = append(t.slots, w)
	}
	t.byStream[id] = w
	return w
}

// Release deregisters one goroutine from w,
// freeing its slot once nobody is left.
// Releasing an already woken waiter is a no-op.
func (t *waitTable) Release(w *streamWaiter) {
	if t.byStream[w.id] != w {
		return
	}
	w.refs--
	if w.refs <= 0 {
		t.remove(w)
	}
}

func (t *waitTable) remove(w *streamWaiter) {
	delete(t.byStream, w.id)
	t.slots[w.slot] = nil
	t.free = append(t.free, w.slot)
	t.ready.Clear(w.slot)
}

// Mark flags id as ready for this turn.
// It has no effect if nothing waits on id.
func (t *waitTable) Mark(id qengine.StreamID) {
	if w, ok := t.byStream[id]; ok {
		t.ready.Set(w.slot)
	}
}

// WakeMarked wakes every marked stream in slot order
// and reports how many were woken.
func (t *waitTable) WakeMarked() int {
	n := 0
	for i, ok := t.ready.NextSet(0); ok; i, ok = t.ready.NextSet(i + 1) {
		w := t.slots[i]
		close(w.ch)
		t.remove(w)
		n++
	}
	t.ready.ClearAll()
	return n
}

// WakeAll wakes every waiter regardless of readiness.
func (t *waitTable) WakeAll() {
	for _, w := range t.byStream {
		close(w.ch)
		t.remove(w)
	}
	t.ready.ClearAll()
}

// Len reports the number of streams with parked goroutines.
func (t *waitTable) Len() int {
	return len(t.byStream)
}
