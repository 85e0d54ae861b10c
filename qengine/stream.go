package qengine

import "fmt"

// Side identifies which end of a connection initiated something.
type Side uint8

const (
	Client Side = 0
	Server Side = 1
)

// Peer returns the opposite side.
func (s Side) Peer() Side {
	return s ^ 1
}

func (s Side) String() string {
	switch s {
	case Client:
		return "client"
	case Server:
		return "server"
	default:
		return fmt.Sprintf("Side(%d)", uint8(s))
	}
}

// Dir is the directionality of a stream.
type Dir uint8

const (
	Bi  Dir = 0
	Uni Dir = 1
)

func (d Dir) String() string {
	switch d {
	case Bi:
		return "bi"
	case Uni:
		return "uni"
	default:
		return fmt.Sprintf("Dir(%d)", uint8(d))
	}
}

// StreamID is a QUIC stream identifier.
// The low bit encodes the initiator and the next bit the direction,
// as in RFC 9000 section 2.1.
type StreamID uint64

// MaxStreamIndex is the largest per-type stream sequence number
// that still fits in a 62-bit stream ID.
const MaxStreamIndex = 1<<60 - 1

// NewStreamID returns the ID of the index'th stream of the given type.
func NewStreamID(initiator Side, dir Dir, index uint64) StreamID {
	if index > MaxStreamIndex {
		panic(fmt.Errorf("BUG: stream index %d exceeds maximum", index))
	}
	return StreamID(index<<2 | uint64(dir)<<1 | uint64(initiator))
}

// Initiator returns the side that opened the stream.
func (id StreamID) Initiator() Side {
	return Side(id & 1)
}

// Dir returns whether the stream is bidirectional or unidirectional.
func (id StreamID) Dir() Dir {
	return Dir(id >> 1 & 1)
}

// Index returns the sequence number of the stream among streams
// of the same initiator and direction.
func (id StreamID) Index() uint64 {
	return uint64(id >> 2)
}

// CanSend reports whether side may write to the stream.
func (id StreamID) CanSend(side Side) bool {
	return id.Dir() == Bi || id.Initiator() == side
}

// CanReceive reports whether side may read from the stream.
func (id StreamID) CanReceive(side Side) bool {
	return id.Dir() == Bi || id.Initiator() != side
}

func (id StreamID) String() string {
	return fmt.Sprintf("%s-%s-%d", id.Initiator(), id.Dir(), id.Index())
}

// Chunk is a contiguous piece of received stream data.
// Data is owned by the caller once returned from [Streams.Read].
type Chunk struct {
	Offset uint64
	Data   []byte
}
