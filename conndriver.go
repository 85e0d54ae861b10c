package qdrive

import (
	"context"
	"time"

	"github.com/gordian-engine/qdrive/qengine"
)

// run is the connection's driver goroutine.
// It returns once the engine drains, c is aborted, or ctx ends.
func (c *Conn) run(ctx context.Context) {
	defer c.drainedN.Fire(struct{}{})

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		if err := c.lock.Lock(ctx); err != nil {
			c.abort(context.Cause(ctx))
			return
		}
		res := c.turn(time.Now())
		c.lock.Unlock()

		if res.Drained {
			c.log.Debug("Connection drained")
			c.sink.drained(c)
			return
		}

		if res.HasDeadline {
			timer.Reset(time.Until(res.Deadline))
		} else {
			timer.Stop()
		}

		if res.More {
			// Let other connections run before finishing the backlog.
			c.wake()
			c.yield()
		}

		select {
		case <-ctx.Done():
			c.abort(context.Cause(ctx))
			return
		case <-c.quit:
			return
		case <-c.poke:
		case <-timer.C:
		}
	}
}

type turnResult struct {
	// Work was left behind because of the I/O bound.
	More bool

	// The engine reached its terminal state.
	Drained bool

	Deadline    time.Time
	HasDeadline bool
}

// turn runs one pass of the driver. The lock must be held.
func (c *Conn) turn(now time.Time) turnResult {
	var res turnResult

	// Inbound datagrams, in arrival order.
	c.inMu.Lock()
	n := min(c.inbound.Length(), c.ioLoopBound)
	batch := make([]qengine.Datagram, n)
	for i := range batch {
		batch[i] = c.inbound.Remove().(qengine.Datagram)
	}
	res.More = c.inbound.Length() > 0
	c.inMu.Unlock()

	for _, d := range batch {
		c.eng.HandleDatagram(now, d)
	}

	if deadline, ok := c.eng.PollTimeout(); ok && !now.Before(deadline) {
		c.eng.HandleTimeout(now)
	}

	for {
		ev, ok := c.eng.PollEvent()
		if !ok {
			break
		}
		c.dispatch(ev)
	}
	c.readers.WakeMarked()
	c.writers.WakeMarked()

	for {
		ev, ok := c.eng.PollEndpointEvent()
		if !ok {
			break
		}
		switch ev.Kind {
		case qengine.IssueID:
			c.sink.issueID(c, ev.ID)
		case qengine.RetireID:
			c.sink.retireID(c, ev.ID)
		case qengine.Drained:
			c.isDrained = true
		default:
			c.log.Warn("Ignoring unknown endpoint event", "kind", ev.Kind)
		}
	}
	if c.isDrained {
		if !c.closed.Fired() {
			// Drained without a ConnectionLost event.
			c.lose(qengine.ErrConnectionClosed)
		}
		res.Drained = true
		return res
	}

	queued := 0
	for queued < c.ioLoopBound {
		t, ok := c.eng.PollTransmit(now, c.maxSegments)
		if !ok {
			break
		}
		c.txMu.Lock()
		c.outbound.Add(t)
		c.txMu.Unlock()
		queued++
	}
	if queued > 0 {
		c.sink.transmitReady(c)
	}
	if queued == c.ioLoopBound {
		// The engine may have more to send.
		res.More = true
	}

	res.Deadline, res.HasDeadline = c.eng.PollTimeout()
	return res
}

// dispatch applies one engine event to the connection's waiters.
func (c *Conn) dispatch(ev qengine.Event) {
	if c.observe != nil {
		c.observe(ev)
	}

	switch ev.Kind {
	case qengine.HandshakeConfirmed:
		if c.established.Fire(struct{}{}) {
			c.log.Info("Handshake confirmed")
		}
	case qengine.PathValidated:
		c.log.Info("Peer address changed", "remote", c.eng.RemoteAddr())
	case qengine.StreamOpened:
		c.wakeAccepters(ev.Dir)
	case qengine.StreamsAvailable:
		c.wakeOpeners(ev.Dir)
	case qengine.StreamReadable:
		c.readers.Mark(ev.Stream)
	case qengine.StreamWritable:
		c.writers.Mark(ev.Stream)
	case qengine.StreamStopped:
		c.stopped[ev.Stream] = ev.Code
		c.writers.Mark(ev.Stream)
	case qengine.ConnectionLost:
		c.lose(ev.Err)
	case qengine.DatagramReceived:
		c.wakeDatagramReaders()
	default:
		c.log.Warn("Ignoring unknown event", "event", ev)
	}
}
