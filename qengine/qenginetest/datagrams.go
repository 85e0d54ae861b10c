package qenginetest

import (
	"github.com/gordian-engine/qdrive/qengine"
)

// MaxDatagramPayload is the largest payload [*Engine.SendDatagram] accepts.
func (e *Engine) MaxDatagramPayload() int {
	return e.cfg.MaxDatagramSize - maxShortHeaderLen - maxDatagramFrameOverhead
}

// SendDatagram implements [qengine.Datagrams].
// Datagrams queued during the handshake go out once it completes.
func (e *Engine) SendDatagram(p []byte) error {
	switch {
	case e.state >= stateClosing:
		return qengine.ErrConnectionClosed
	case e.cfg.DatagramQueueLen <= 0:
		return qengine.ErrDatagramsDisabled
	case len(p) > e.MaxDatagramPayload():
		return qengine.ErrDatagramTooLarge
	}

	e.sendDatagrams = appendBounded(e.sendDatagrams, append([]byte(nil), p...), e.cfg.DatagramQueueLen)
	return nil
}

// PollDatagram implements [qengine.Datagrams].
func (e *Engine) PollDatagram() ([]byte, bool) {
	if len(e.recvDatagrams) == 0 {
		return nil, false
	}
	p := e.recvDatagrams[0]
	e.recvDatagrams[0] = nil
	e.recvDatagrams = e.recvDatagrams[1:]
	return p, true
}

func (e *Engine) handleDatagramFrame(f frame) {
	if e.cfg.DatagramQueueLen <= 0 {
		return
	}
	e.recvDatagrams = appendBounded(e.recvDatagrams, f.Data, e.cfg.DatagramQueueLen)
	e.pushEvent(qengine.Event{Kind: qengine.DatagramReceived})
}

// appendBounded appends p to q, dropping the oldest entries beyond limit.
func appendBounded(q [][]byte, p []byte, limit int) [][]byte {
	q = append(q, p)
	if over := len(q) - limit; over > 0 {
		clear(q[:over])
		q = q[over:]
	}
	return q
}
