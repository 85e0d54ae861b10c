package qengine

import (
	"net"
	"net/netip"
	"time"
)

// ECN is an Explicit Congestion Notification codepoint,
// using the values carried in the IP header.
type ECN uint8

const (
	NotECT ECN = 0b00
	ECT1   ECN = 0b01
	ECT0   ECN = 0b10
	CE     ECN = 0b11
)

func (e ECN) String() string {
	switch e {
	case NotECT:
		return "Not-ECT"
	case ECT1:
		return "ECT(1)"
	case ECT0:
		return "ECT(0)"
	case CE:
		return "CE"
	default:
		return "invalid ECN"
	}
}

// Datagram is a single received UDP payload with its metadata.
type Datagram struct {
	Remote net.Addr

	// Local destination address the datagram arrived on, if known.
	Local netip.Addr

	ECN ECN

	Data []byte

	Received time.Time
}

// Transmit is an outgoing datagram, or a run of equally sized datagrams
// to the same destination when SegmentSize is set.
type Transmit struct {
	Destination net.Addr

	// Source address to send from, if the engine cares.
	Source netip.Addr

	ECN ECN

	Contents []byte

	// If nonzero, Contents is a concatenation of datagrams of this size,
	// the last of which may be shorter.
	// Engines only coalesce when asked for more than one segment.
	SegmentSize int
}

// Segments returns how many datagrams t represents on the wire.
func (t Transmit) Segments() int {
	if t.SegmentSize <= 0 || len(t.Contents) <= t.SegmentSize {
		return 1
	}
	return (len(t.Contents) + t.SegmentSize - 1) / t.SegmentSize
}
