package qdrive

import (
	"github.com/eapache/queue"
	"github.com/gordian-engine/qdrive/qengine"
)

// txRing is the round-robin schedule of connections with queued transmits.
// It is guarded by the owning endpoint's mutex;
// Conn.inRing is only read or written under that same mutex.
type txRing struct {
	q *queue.Queue // of *Conn
}

func newTxRing() *txRing {
	return &txRing{q: queue.New()}
}

// Add schedules c unless it is already scheduled.
func (r *txRing) Add(c *Conn) {
	if c.inRing {
		return
	}
	c.inRing = true
	r.q.Add(c)
}

func (r *txRing) Len() int {
	return r.q.Length()
}

// Collect appends up to limit transmits to dst,
// taking one transmit from each scheduled connection per visit.
// Connections that still have transmits queued go to the back of the ring.
func (r *txRing) Collect(dst []qengine.Transmit, limit int) []qengine.Transmit {
	for len(dst) < limit && r.q.Length() > 0 {
		c := r.q.Remove().(*Conn)

		t, ok, more := c.popTransmit()
		if ok {
			dst = append(dst, t)
		}
		if more {
			r.q.Add(c)
		} else {
			c.inRing = false
		}
	}
	return dst
}
