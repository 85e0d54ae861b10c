package qenginetest

import (
	"fmt"
	"net"
	"time"

	"github.com/gordian-engine/qdrive/qengine"
	"github.com/quic-go/quic-go"
)

type state uint8

const (
	stateHandshaking state = iota
	stateEstablished
	stateClosing  // we sent or are about to send CLOSE
	stateDraining // the peer sent CLOSE
	stateDrained
)

// Engine is a toy [qengine.Engine]. Create one with a [Factory].
//
// An Engine is not safe for concurrent use.
type Engine struct {
	cfg  Config
	side qengine.Side

	localID   quic.ConnectionID
	remoteID  quic.ConnectionID
	initialID quic.ConnectionID // client only: destination of the first flight
	remote    net.Addr

	state state

	// Set once the peer's HELLO or HELLO_ACK arrives.
	peerWindow uint64

	needHello    bool
	needHelloAck bool

	streams   map[qengine.StreamID]*stream
	nextLocal [2]uint64
	accept    [2][]qengine.StreamID
	txStreams []*stream
	control   []frame

	sendDatagrams [][]byte
	recvDatagrams [][]byte

	closeFrame *frame
	lostErr    error

	events         []qengine.Event
	endpointEvents []qengine.EndpointEvent

	idleDeadline      time.Time
	handshakeDeadline time.Time
	drainDeadline     time.Time
}

var _ qengine.Engine = (*Engine)(nil)

func newEngine(now time.Time, cfg Config, side qengine.Side, remote net.Addr) (*Engine, error) {
	id, err := cfg.idGenerator().GenerateConnectionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate connection ID: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		side:    side,
		localID: id,
		remote:  remote,
		streams: make(map[qengine.StreamID]*stream),
	}
	if cfg.HandshakeTimeout > 0 {
		e.handshakeDeadline = now.Add(cfg.HandshakeTimeout)
	}
	e.touch(now)
	e.endpointEvents = append(e.endpointEvents, qengine.EndpointEvent{
		Kind: qengine.IssueID, ID: id,
	})
	return e, nil
}

// LocalID is the connection ID the peer addresses this engine with.
func (e *Engine) LocalID() quic.ConnectionID {
	return e.localID
}

// Side implements [qengine.Engine].
func (e *Engine) Side() qengine.Side {
	return e.side
}

// RemoteAddr implements [qengine.Engine].
func (e *Engine) RemoteAddr() net.Addr {
	return e.remote
}

func (e *Engine) touch(now time.Time) {
	if e.cfg.IdleTimeout > 0 {
		e.idleDeadline = now.Add(e.cfg.IdleTimeout)
	}
}

func (e *Engine) pushEvent(ev qengine.Event) {
	e.events = append(e.events, ev)
}

func (e *Engine) queueFrame(f frame) {
	e.control = append(e.control, f)
}

// HandleDatagram implements [qengine.Engine].
func (e *Engine) HandleDatagram(now time.Time, d qengine.Datagram) {
	if e.state >= stateDraining {
		return
	}

	h, payload, err := parseHeader(d.Data, e.cfg.IDLen)
	if err != nil {
		// Unparseable headers are dropped, as QUIC does.
		return
	}
	frames, err := parseFrames(payload)
	if err != nil {
		e.closeTransport(now, errProtocol(err.Error()))
		return
	}

	if e.state == stateClosing {
		// Only the peer's CLOSE matters now.
		for _, f := range frames {
			if f.Type == frameClose {
				e.state = stateDraining
			}
		}
		return
	}

	if e.state == stateHandshaking && !h.long {
		// Nothing to decrypt this with yet.
		return
	}
	e.touch(now)

	if e.state == stateEstablished && d.Remote != nil && d.Remote.String() != e.remote.String() {
		e.remote = d.Remote
		e.pushEvent(qengine.Event{Kind: qengine.PathValidated})
	}

	for _, f := range frames {
		if err := e.handleFrame(now, h, f); err != nil {
			if terr, ok := err.(*quic.TransportError); ok {
				e.closeTransport(now, terr)
			}
			return
		}
		if e.state >= stateClosing {
			return
		}
	}
}

func (e *Engine) handleFrame(now time.Time, h header, f frame) error {
	switch f.Type {
	case frameHello:
		if e.side != qengine.Server || e.state != stateHandshaking {
			// Duplicate first flight.
			return nil
		}
		e.remoteID = h.scid
		e.peerWindow = f.Value
		e.needHelloAck = true
		e.establish()

	case frameHelloAck:
		if e.side != qengine.Client || e.state != stateHandshaking {
			return nil
		}
		e.remoteID = h.scid
		e.peerWindow = f.Value
		e.establish()

	case frameStream:
		return e.handleStreamFrame(f)

	case frameDatagram:
		e.handleDatagramFrame(f)

	case frameMaxStreamData:
		id := qengine.StreamID(f.Stream)
		if !id.CanSend(e.side) {
			return errProtocol("MAX_STREAM_DATA for receive-only stream")
		}
		s, _, err := e.peerStream(id)
		if err != nil {
			return errProtocol("MAX_STREAM_DATA for unopened stream")
		}
		if f.Value > s.sendMax {
			s.sendMax = f.Value
			e.pushEvent(qengine.Event{Kind: qengine.StreamWritable, Stream: id})
		}

	case frameResetStream:
		id := qengine.StreamID(f.Stream)
		if !id.CanReceive(e.side) {
			return errProtocol("RESET_STREAM for send-only stream")
		}
		s, _, err := e.peerStream(id)
		if err != nil {
			return errProtocol("RESET_STREAM for unopened stream")
		}
		if f.Final < s.recvEnd {
			return errProtocol("RESET_STREAM final size below received data")
		}
		if s.finRecv || s.resetBy != nil {
			return nil
		}
		code := f.Value
		s.resetBy = &code
		s.recvBuf = nil
		s.recvEnd = f.Final
		if !s.stoppedLocal {
			e.pushEvent(qengine.Event{Kind: qengine.StreamReadable, Stream: id})
		}

	case frameStopSending:
		id := qengine.StreamID(f.Stream)
		if !id.CanSend(e.side) {
			return errProtocol("STOP_SENDING for receive-only stream")
		}
		s, _, err := e.peerStream(id)
		if err != nil {
			return errProtocol("STOP_SENDING for unopened stream")
		}
		if s.stoppedBy != nil {
			return nil
		}
		code := f.Value
		s.stoppedBy = &code
		if !s.resetLocal && !(s.finSent && len(s.sendBuf) == 0) {
			e.resetStream(s, code)
		}
		e.pushEvent(qengine.Event{Kind: qengine.StreamStopped, Stream: id, Code: code})
		e.pushEvent(qengine.Event{Kind: qengine.StreamWritable, Stream: id})

	case frameClose:
		var err error
		if f.App {
			err = &quic.ApplicationError{
				Remote:       true,
				ErrorCode:    quic.ApplicationErrorCode(f.Value),
				ErrorMessage: string(f.Data),
			}
		} else {
			err = &quic.TransportError{
				Remote:       true,
				ErrorCode:    quic.TransportErrorCode(f.Value),
				ErrorMessage: string(f.Data),
			}
		}
		e.lose(err)
		e.state = stateDraining
		e.drainDeadline = now.Add(e.cfg.DrainTimeout)
		e.dropPending()
	}
	return nil
}

func (e *Engine) establish() {
	e.state = stateEstablished
	e.pushEvent(qengine.Event{Kind: qengine.HandshakeConfirmed})
	e.pushEvent(qengine.Event{Kind: qengine.StreamsAvailable, Dir: qengine.Bi})
	e.pushEvent(qengine.Event{Kind: qengine.StreamsAvailable, Dir: qengine.Uni})
}

func (e *Engine) lose(err error) {
	if e.lostErr != nil {
		return
	}
	e.lostErr = err
	e.pushEvent(qengine.Event{Kind: qengine.ConnectionLost, Err: err})
}

func (e *Engine) dropPending() {
	e.control = nil
	for _, s := range e.txStreams {
		s.queuedToTx = false
	}
	e.txStreams = nil
	e.sendDatagrams = nil
	e.needHello = false
	e.needHelloAck = false
}

// closeTransport closes the connection because the peer misbehaved.
func (e *Engine) closeTransport(now time.Time, err *quic.TransportError) {
	if e.state >= stateClosing {
		return
	}
	e.lose(err)
	e.startClosing(now, frame{
		Type:  frameClose,
		Value: uint64(err.ErrorCode),
		Data:  []byte(err.ErrorMessage),
	})
}

func (e *Engine) startClosing(now time.Time, f frame) {
	wasHandshaking := e.state == stateHandshaking
	e.state = stateClosing
	e.drainDeadline = now.Add(e.cfg.DrainTimeout)
	e.dropPending()
	if !wasHandshaking {
		// Without the peer's ID there is nowhere to send it.
		e.closeFrame = &f
	}
}

// Close implements [qengine.Engine].
func (e *Engine) Close(now time.Time, code uint64, reason []byte) {
	if e.state >= stateClosing {
		return
	}
	e.lose(&quic.ApplicationError{
		ErrorCode:    quic.ApplicationErrorCode(code),
		ErrorMessage: string(reason),
	})
	e.startClosing(now, frame{
		Type:  frameClose,
		App:   true,
		Value: code,
		Data:  reason,
	})
}

// PollTimeout implements [qengine.Engine].
func (e *Engine) PollTimeout() (time.Time, bool) {
	var t time.Time
	consider := func(d time.Time) {
		if d.IsZero() {
			return
		}
		if t.IsZero() || d.Before(t) {
			t = d
		}
	}

	switch e.state {
	case stateHandshaking:
		consider(e.handshakeDeadline)
		consider(e.idleDeadline)
	case stateEstablished:
		consider(e.idleDeadline)
	case stateClosing, stateDraining:
		consider(e.drainDeadline)
	}
	return t, !t.IsZero()
}

// HandleTimeout implements [qengine.Engine].
func (e *Engine) HandleTimeout(now time.Time) {
	switch e.state {
	case stateClosing, stateDraining:
		if !now.Before(e.drainDeadline) {
			e.drain()
		}
		return
	case stateDrained:
		return
	}

	if e.state == stateHandshaking && !e.handshakeDeadline.IsZero() && !now.Before(e.handshakeDeadline) {
		e.lose(&quic.HandshakeTimeoutError{})
		e.dropPending()
		e.drain()
		return
	}
	if !e.idleDeadline.IsZero() && !now.Before(e.idleDeadline) {
		e.lose(&quic.IdleTimeoutError{})
		e.dropPending()
		e.drain()
	}
}

func (e *Engine) drain() {
	e.state = stateDrained
	e.closeFrame = nil
	e.endpointEvents = append(e.endpointEvents, qengine.EndpointEvent{Kind: qengine.Drained})
}

// PollEvent implements [qengine.Engine].
func (e *Engine) PollEvent() (qengine.Event, bool) {
	if len(e.events) == 0 {
		return qengine.Event{}, false
	}
	ev := e.events[0]
	e.events = e.events[1:]
	return ev, true
}

// PollEndpointEvent implements [qengine.Engine].
func (e *Engine) PollEndpointEvent() (qengine.EndpointEvent, bool) {
	if len(e.endpointEvents) == 0 {
		return qengine.EndpointEvent{}, false
	}
	ev := e.endpointEvents[0]
	e.endpointEvents = e.endpointEvents[1:]
	return ev, true
}

// PollTransmit implements [qengine.Engine].
func (e *Engine) PollTransmit(now time.Time, maxSegments int) (qengine.Transmit, bool) {
	maxSegments = max(maxSegments, 1)

	var out []byte
	n := 0
	for n < maxSegments {
		p, ok := e.nextPacket()
		if !ok {
			break
		}
		if n > 0 {
			// Every segment but the last must be exactly the segment size.
			pad := (e.cfg.MaxDatagramSize - len(out)%e.cfg.MaxDatagramSize) % e.cfg.MaxDatagramSize
			out = append(out, make([]byte, pad)...)
		}
		out = append(out, p...)
		n++
	}
	if n == 0 {
		return qengine.Transmit{}, false
	}

	t := qengine.Transmit{
		Destination: e.remote,
		Contents:    out,
	}
	if n > 1 {
		t.SegmentSize = e.cfg.MaxDatagramSize
	}
	return t, true
}

// nextPacket builds one datagram, or reports false if there is nothing to send.
func (e *Engine) nextPacket() ([]byte, bool) {
	switch {
	case e.needHello:
		e.needHello = false
		b := appendLongHeader(nil, flagsClientInitial, e.initialID, e.localID)
		b = frame{Type: frameHello, Value: e.cfg.InitialStreamWindow}.append(b)
		if len(b) < minInitialSize {
			b = append(b, make([]byte, minInitialSize-len(b))...)
		}
		return b, true

	case e.needHelloAck:
		e.needHelloAck = false
		b := appendLongHeader(nil, flagsServerHandshake, e.remoteID, e.localID)
		return frame{Type: frameHelloAck, Value: e.cfg.InitialStreamWindow}.append(b), true
	}

	switch e.state {
	case stateClosing:
		if e.closeFrame == nil {
			return nil, false
		}
		b := appendShortHeader(nil, e.remoteID)
		b = e.closeFrame.append(b)
		e.closeFrame = nil
		return b, true
	case stateEstablished:
		// Handled below.
	default:
		return nil, false
	}

	b := appendShortHeader(nil, e.remoteID)
	hdrLen := len(b)
	limit := e.cfg.MaxDatagramSize

	for len(e.control) > 0 {
		next := e.control[0].append(b)
		if len(next) > limit {
			break
		}
		b = next
		e.control = e.control[1:]
	}

	for len(e.sendDatagrams) > 0 {
		next := frame{Type: frameDatagram, Data: e.sendDatagrams[0]}.append(b)
		if len(next) > limit {
			break
		}
		b = next
		e.sendDatagrams = e.sendDatagrams[1:]
	}

	for len(e.txStreams) > 0 {
		room := limit - len(b) - maxStreamFrameOverhead
		if room <= 0 {
			break
		}

		s := e.txStreams[0]
		if s.resetLocal {
			s.queuedToTx = false
			e.txStreams = e.txStreams[1:]
			continue
		}

		n := min(room, len(s.sendBuf))
		fin := s.finished && !s.finSent && n == len(s.sendBuf)
		if n == 0 && !fin && s.announced {
			s.queuedToTx = false
			e.txStreams = e.txStreams[1:]
			continue
		}

		b = frame{
			Type:   frameStream,
			Stream: uint64(s.id),
			Offset: s.sentOff,
			Fin:    fin,
			Data:   s.sendBuf[:n],
		}.append(b)
		s.announced = true
		s.sendBuf = s.sendBuf[n:]
		s.sentOff += uint64(n)
		if fin {
			s.finSent = true
		}

		e.txStreams = e.txStreams[1:]
		if len(s.sendBuf) > 0 || (s.finished && !s.finSent) {
			// Packet is full; let other streams go first next time.
			e.txStreams = append(e.txStreams, s)
			break
		}
		s.queuedToTx = false
	}

	if len(b) == hdrLen {
		return nil, false
	}
	return b, true
}

func errProtocol(msg string) *quic.TransportError {
	return &quic.TransportError{
		ErrorCode:    quic.ProtocolViolation,
		ErrorMessage: msg,
	}
}

func errFlowControl(id qengine.StreamID) *quic.TransportError {
	return &quic.TransportError{
		ErrorCode:    quic.FlowControlError,
		ErrorMessage: fmt.Sprintf("peer exceeded flow control limit on %s", id),
	}
}
