package qengine

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// Engine is the sans-I/O state machine for one QUIC connection.
type Engine interface {
	// HandleDatagram processes one received datagram.
	HandleDatagram(now time.Time, d Datagram)

	// PollTimeout returns the next instant HandleTimeout must be called,
	// or false if no timer is armed.
	PollTimeout() (time.Time, bool)

	// HandleTimeout advances clock-driven logic
	// such as retransmission, loss probes, and idle timeout.
	HandleTimeout(now time.Time)

	// PollEvent returns the next application-visible event.
	PollEvent() (Event, bool)

	// PollEndpointEvent returns the next event for the owning endpoint.
	PollEndpointEvent() (EndpointEvent, bool)

	// PollTransmit returns the next outgoing datagram.
	// If maxSegments is greater than one, the engine may coalesce
	// up to that many datagrams into a single [Transmit].
	PollTransmit(now time.Time, maxSegments int) (Transmit, bool)

	// Close starts an application-initiated close.
	// The engine emits its close frame through PollTransmit
	// and eventually reports [Drained].
	Close(now time.Time, code uint64, reason []byte)

	// Side reports whether this engine is the client or the server.
	Side() Side

	// RemoteAddr is the peer's current address.
	RemoteAddr() net.Addr

	Streams
	Datagrams
}

// Streams is the stream-level surface of an [Engine].
// Operations that cannot make progress return [ErrBlocked];
// the engine later emits an [Event] when retrying may succeed.
type Streams interface {
	// OpenStream opens a locally initiated stream,
	// or returns ErrBlocked if the peer's stream limit is reached.
	OpenStream(dir Dir) (StreamID, error)

	// AcceptStream returns the next peer-initiated stream,
	// or ErrBlocked if there is none.
	AcceptStream(dir Dir) (StreamID, error)

	// Write buffers as much of p as flow control allows.
	// It returns ErrBlocked if no bytes could be accepted,
	// and *StreamStoppedError if the peer stopped the stream.
	Write(id StreamID, p []byte) (int, error)

	// Finish marks the end of the stream's data.
	Finish(id StreamID) error

	// Reset abandons the stream's send side,
	// discarding any unsent data.
	Reset(id StreamID, code uint64) error

	// Read returns up to max bytes of in-order data.
	// At the end of the stream it returns io.EOF;
	// if the peer reset the stream it returns *StreamResetError.
	Read(id StreamID, max int) (Chunk, error)

	// Stop asks the peer to stop sending on the stream
	// and discards any data received from now on.
	Stop(id StreamID, code uint64) error
}

// Datagrams is the unreliable datagram surface of an [Engine].
type Datagrams interface {
	// SendDatagram queues p to be sent once, without retransmission.
	// It returns ErrDatagramTooLarge if p cannot fit in one packet,
	// and ErrDatagramsDisabled if the engine does not carry datagrams.
	SendDatagram(p []byte) error

	// PollDatagram returns the oldest received datagram not yet polled.
	// The engine emits [DatagramReceived] when one arrives.
	PollDatagram() ([]byte, bool)
}

// Factory creates engines for new connections.
type Factory interface {
	// NewClient creates an engine for an outgoing connection.
	// Its initial identifiers are reported through IssueID endpoint events.
	NewClient(now time.Time, remote net.Addr, serverName string) (Engine, error)

	// NewServer creates an engine for an incoming connection,
	// given the datagram that started it.
	// The datagram is not consumed; the caller delivers it
	// through HandleDatagram afterwards.
	NewServer(now time.Time, first Datagram) (Engine, error)
}

// Route is the routing decision for one datagram.
type Route struct {
	// ID is the destination connection identifier.
	ID quic.ConnectionID

	// Initial reports whether the datagram may start a new connection.
	Initial bool
}

// Router extracts routing information from raw datagrams.
type Router interface {
	Route(b []byte) (Route, error)
}

var (
	// ErrBlocked means the operation cannot make progress yet.
	// It is a suspension signal, not a failure.
	ErrBlocked = errors.New("qengine: operation blocked")

	// ErrUnknownStream is returned for streams that were never opened
	// or have already been retired.
	ErrUnknownStream = errors.New("qengine: unknown stream")

	// ErrStreamClosed is returned when using a stream half
	// that was already finished, reset, or stopped locally.
	ErrStreamClosed = errors.New("qengine: stream closed")

	// ErrConnectionClosed is returned from stream operations
	// after the connection was lost.
	ErrConnectionClosed = errors.New("qengine: connection closed")

	// ErrDatagramTooLarge is returned by [Datagrams.SendDatagram]
	// for payloads that do not fit in a single packet.
	ErrDatagramTooLarge = errors.New("qengine: datagram too large")

	// ErrDatagramsDisabled is returned by [Datagrams.SendDatagram]
	// when datagram support is turned off.
	ErrDatagramsDisabled = errors.New("qengine: datagrams disabled")
)

// StreamResetError is returned by [Streams.Read]
// when the peer abandoned the stream.
type StreamResetError struct {
	Code uint64
}

func (e *StreamResetError) Error() string {
	return fmt.Sprintf("stream reset by peer with code %d", e.Code)
}

// StreamStoppedError is returned by [Streams.Write]
// when the peer asked us to stop sending.
type StreamStoppedError struct {
	Code uint64
}

func (e *StreamStoppedError) Error() string {
	return fmt.Sprintf("stream stopped by peer with code %d", e.Code)
}
