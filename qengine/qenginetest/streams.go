package qenginetest

import (
	"io"

	"github.com/gordian-engine/qdrive/qengine"
)

type stream struct {
	id qengine.StreamID

	// Send half.
	sendBuf     []byte // written but not yet packetized
	sendOff     uint64 // total bytes accepted by Write
	sentOff     uint64 // total bytes packetized
	sendMax     uint64 // peer's flow control limit
	finished    bool
	finSent     bool
	resetLocal  bool
	stoppedBy   *uint64 // STOP_SENDING code from the peer
	queuedToTx  bool
	announced   bool // at least one STREAM frame was sent

	// Receive half.
	recvBuf       []byte
	recvEnd       uint64 // total bytes received
	readOff       uint64 // total bytes consumed by Read
	maxAdvertised uint64 // limit we granted the peer
	finRecv       bool
	resetBy       *uint64 // RESET_STREAM code from the peer
	stoppedLocal  bool
}

// peerStream returns the stream for id,
// creating it if the peer is allowed to have opened it.
// The second result reports whether the stream is new.
func (e *Engine) peerStream(id qengine.StreamID) (*stream, bool, error) {
	if s, ok := e.streams[id]; ok {
		return s, false, nil
	}
	if id.Initiator() == e.side {
		// We never opened it.
		return nil, false, qengine.ErrUnknownStream
	}

	s := &stream{
		id:            id,
		sendMax:       e.peerWindow,
		maxAdvertised: e.cfg.InitialStreamWindow,
	}
	e.streams[id] = s
	e.accept[id.Dir()] = append(e.accept[id.Dir()], id)
	e.pushEvent(qengine.Event{Kind: qengine.StreamOpened, Dir: id.Dir()})
	return s, true, nil
}

func (e *Engine) localStream(id qengine.StreamID, send bool) (*stream, error) {
	if e.state >= stateClosing {
		return nil, qengine.ErrConnectionClosed
	}
	s, ok := e.streams[id]
	if !ok {
		return nil, qengine.ErrUnknownStream
	}
	if send && !id.CanSend(e.side) {
		return nil, qengine.ErrUnknownStream
	}
	if !send && !id.CanReceive(e.side) {
		return nil, qengine.ErrUnknownStream
	}
	return s, nil
}

// OpenStream implements [qengine.Streams].
func (e *Engine) OpenStream(dir qengine.Dir) (qengine.StreamID, error) {
	if e.state >= stateClosing {
		return 0, qengine.ErrConnectionClosed
	}
	if e.state == stateHandshaking {
		// Stream limits are unknown until the handshake completes.
		return 0, qengine.ErrBlocked
	}

	id := qengine.NewStreamID(e.side, dir, e.nextLocal[dir])
	e.nextLocal[dir]++
	e.streams[id] = &stream{
		id:            id,
		sendMax:       e.peerWindow,
		maxAdvertised: e.cfg.InitialStreamWindow,
	}
	return id, nil
}

// AcceptStream implements [qengine.Streams].
func (e *Engine) AcceptStream(dir qengine.Dir) (qengine.StreamID, error) {
	if q := e.accept[dir]; len(q) > 0 {
		id := q[0]
		e.accept[dir] = q[1:]
		return id, nil
	}
	if e.state >= stateClosing {
		return 0, qengine.ErrConnectionClosed
	}
	return 0, qengine.ErrBlocked
}

// Write implements [qengine.Streams].
func (e *Engine) Write(id qengine.StreamID, p []byte) (int, error) {
	s, err := e.localStream(id, true)
	if err != nil {
		return 0, err
	}
	if s.stoppedBy != nil {
		return 0, &qengine.StreamStoppedError{Code: *s.stoppedBy}
	}
	if s.resetLocal || s.finished {
		return 0, qengine.ErrStreamClosed
	}

	avail := s.sendMax - s.sendOff
	if avail == 0 {
		if !s.announced {
			// An empty STREAM frame opens the stream at the peer,
			// whose reader can then extend credit.
			e.queueStream(s)
		}
		return 0, qengine.ErrBlocked
	}
	n := int(min(avail, uint64(len(p))))
	s.sendBuf = append(s.sendBuf, p[:n]...)
	s.sendOff += uint64(n)
	e.queueStream(s)
	return n, nil
}

// Finish implements [qengine.Streams].
func (e *Engine) Finish(id qengine.StreamID) error {
	s, err := e.localStream(id, true)
	if err != nil {
		return err
	}
	if s.resetLocal {
		return qengine.ErrStreamClosed
	}
	if s.stoppedBy != nil {
		return &qengine.StreamStoppedError{Code: *s.stoppedBy}
	}
	if s.finished {
		return nil
	}
	s.finished = true
	e.queueStream(s)
	return nil
}

// Reset implements [qengine.Streams].
func (e *Engine) Reset(id qengine.StreamID, code uint64) error {
	s, err := e.localStream(id, true)
	if err != nil {
		return err
	}
	if s.resetLocal {
		return nil
	}
	if s.finished && s.finSent && len(s.sendBuf) == 0 {
		// Everything was already sent; there is nothing left to abandon.
		return qengine.ErrStreamClosed
	}
	e.resetStream(s, code)
	return nil
}

func (e *Engine) resetStream(s *stream, code uint64) {
	s.resetLocal = true
	s.sendBuf = nil
	e.queueFrame(frame{
		Type:   frameResetStream,
		Stream: uint64(s.id),
		Value:  code,
		Final:  s.sentOff,
	})
}

// Read implements [qengine.Streams].
func (e *Engine) Read(id qengine.StreamID, max int) (qengine.Chunk, error) {
	s, ok := e.streams[id]
	if !ok || !id.CanReceive(e.side) {
		return qengine.Chunk{}, qengine.ErrUnknownStream
	}
	if s.stoppedLocal {
		return qengine.Chunk{}, qengine.ErrStreamClosed
	}
	if s.resetBy != nil {
		return qengine.Chunk{}, &qengine.StreamResetError{Code: *s.resetBy}
	}

	if len(s.recvBuf) > 0 {
		n := len(s.recvBuf)
		if max > 0 {
			n = min(n, max)
		}
		c := qengine.Chunk{Offset: s.readOff, Data: s.recvBuf[:n:n]}
		s.recvBuf = s.recvBuf[n:]
		s.readOff += uint64(n)
		e.maybeGrant(s)
		return c, nil
	}

	if s.finRecv {
		return qengine.Chunk{}, io.EOF
	}
	if e.state >= stateClosing {
		return qengine.Chunk{}, qengine.ErrConnectionClosed
	}

	// The reader is waiting; make sure the peer is allowed to send.
	e.maybeGrant(s)
	return qengine.Chunk{}, qengine.ErrBlocked
}

// maybeGrant extends the peer's credit once half of it was consumed.
func (e *Engine) maybeGrant(s *stream) {
	if s.finRecv || s.stoppedLocal || s.resetBy != nil || e.state >= stateClosing {
		return
	}
	if s.maxAdvertised-s.readOff > e.cfg.StreamWindow/2 {
		return
	}
	next := s.readOff + e.cfg.StreamWindow
	if next <= s.maxAdvertised {
		return
	}
	s.maxAdvertised = next
	e.queueFrame(frame{Type: frameMaxStreamData, Stream: uint64(s.id), Value: next})
}

// Stop implements [qengine.Streams].
func (e *Engine) Stop(id qengine.StreamID, code uint64) error {
	s, err := e.localStream(id, false)
	if err != nil {
		return err
	}
	if s.stoppedLocal {
		return nil
	}
	s.stoppedLocal = true
	s.recvBuf = nil
	if s.finRecv || s.resetBy != nil {
		// The peer is done sending anyway.
		return nil
	}
	e.queueFrame(frame{Type: frameStopSending, Stream: uint64(s.id), Value: code})
	return nil
}

func (e *Engine) queueStream(s *stream) {
	if s.queuedToTx {
		return
	}
	s.queuedToTx = true
	e.txStreams = append(e.txStreams, s)
}

// handleStreamFrame applies a STREAM frame from the peer.
func (e *Engine) handleStreamFrame(f frame) error {
	id := qengine.StreamID(f.Stream)
	if !id.CanReceive(e.side) {
		return errProtocol("STREAM frame for send-only stream")
	}
	s, _, err := e.peerStream(id)
	if err != nil {
		return errProtocol("STREAM frame for unopened stream")
	}

	end := f.Offset + uint64(len(f.Data))
	if end > s.maxAdvertised {
		return errFlowControl(id)
	}
	if s.resetBy != nil || s.finRecv && end > s.recvEnd {
		return nil
	}

	// The network is ordered, so data only ever extends recvEnd.
	if f.Offset > s.recvEnd {
		return errProtocol("STREAM frame leaves a gap")
	}
	if end > s.recvEnd {
		fresh := f.Data[s.recvEnd-f.Offset:]
		if !s.stoppedLocal {
			s.recvBuf = append(s.recvBuf, fresh...)
		}
		s.recvEnd = end
	}
	if f.Fin {
		s.finRecv = true
	}

	if !s.stoppedLocal {
		e.pushEvent(qengine.Event{Kind: qengine.StreamReadable, Stream: id})
	}
	return nil
}
