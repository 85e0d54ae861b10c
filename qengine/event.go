package qengine

import (
	"fmt"

	"github.com/quic-go/quic-go"
)

// EventKind discriminates [Event] values.
type EventKind uint8

const (
	_ EventKind = iota

	// The handshake completed and the peer confirmed it.
	HandshakeConfirmed

	// A new network path finished validation.
	PathValidated

	// The peer opened a stream of direction Event.Dir,
	// which can now be returned from [Streams.AcceptStream].
	StreamOpened

	// Event.Stream has data or a terminal condition to read.
	StreamReadable

	// Event.Stream gained flow control credit.
	StreamWritable

	// The peer asked us to stop sending on Event.Stream,
	// with application error Event.Code.
	StreamStopped

	// The peer raised its limit for streams of direction Event.Dir,
	// so [Streams.OpenStream] may now succeed.
	StreamsAvailable

	// The connection was lost; Event.Err says why.
	// The engine keeps producing transmits until it drains.
	ConnectionLost

	// An unreliable datagram can be taken from [Datagrams.PollDatagram].
	DatagramReceived
)

func (k EventKind) String() string {
	switch k {
	case HandshakeConfirmed:
		return "HandshakeConfirmed"
	case PathValidated:
		return "PathValidated"
	case StreamOpened:
		return "StreamOpened"
	case StreamReadable:
		return "StreamReadable"
	case StreamWritable:
		return "StreamWritable"
	case StreamStopped:
		return "StreamStopped"
	case StreamsAvailable:
		return "StreamsAvailable"
	case ConnectionLost:
		return "ConnectionLost"
	case DatagramReceived:
		return "DatagramReceived"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event is an application-visible change in connection state.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind

	Stream StreamID
	Dir    Dir
	Code   uint64

	// For ConnectionLost, a quic-go error type such as
	// [*quic.ApplicationError] or [*quic.IdleTimeoutError].
	Err error
}

func (e Event) String() string {
	switch e.Kind {
	case StreamReadable, StreamWritable:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Stream)
	case StreamStopped:
		return fmt.Sprintf("%s(%s, %d)", e.Kind, e.Stream, e.Code)
	case StreamOpened, StreamsAvailable:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Dir)
	case ConnectionLost:
		return fmt.Sprintf("%s(%v)", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

// EndpointEventKind discriminates [EndpointEvent] values.
type EndpointEventKind uint8

const (
	_ EndpointEventKind = iota

	// The engine handed EndpointEvent.ID to the peer;
	// datagrams addressed to it must be routed to this connection.
	IssueID

	// EndpointEvent.ID is no longer in use.
	RetireID

	// The connection reached its terminal state.
	// All of its identifiers may be retired,
	// and the engine will produce no further output.
	// Engines normally emit ConnectionLost first;
	// if one does not, the connection is reported closed anyway.
	Drained
)

func (k EndpointEventKind) String() string {
	switch k {
	case IssueID:
		return "IssueID"
	case RetireID:
		return "RetireID"
	case Drained:
		return "Drained"
	default:
		return fmt.Sprintf("EndpointEventKind(%d)", uint8(k))
	}
}

// EndpointEvent is consumed by the endpoint that owns the connection,
// never by the connection itself.
type EndpointEvent struct {
	Kind EndpointEventKind
	ID   quic.ConnectionID
}
