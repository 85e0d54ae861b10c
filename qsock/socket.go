// Package qsock abstracts the datagram socket beneath a qdrive endpoint.
//
// A [Socket] moves batches of datagrams with per-datagram metadata
// and advertises what the platform can do through [Capabilities],
// so that drivers can coalesce many datagrams into few system calls.
package qsock

import (
	"errors"
	"net"
	"net/netip"

	"github.com/gordian-engine/qdrive/qengine"
)

// MaxDatagramSize is large enough for any UDP payload,
// including GRO-coalesced receives.
const MaxDatagramSize = 64 * 1024

// ErrWouldBlock may be returned by non-blocking Socket implementations
// when no progress is possible right now.
// Callers treat it as a signal to yield and retry, never as a failure.
var ErrWouldBlock = errors.New("qsock: operation would block")

// Capabilities describes what a Socket can do per system call.
type Capabilities struct {
	// Maximum number of equally sized datagrams
	// that a single transmit may carry (generic segmentation offload).
	// Without offload this is 1.
	MaxGSOSegments int

	// Maximum number of transmits or receive buffers
	// handled by one Send or Receive call.
	BatchSize int
}

// DefaultCapabilities are the capabilities of a socket
// with no batching and no offload.
func DefaultCapabilities() Capabilities {
	return Capabilities{MaxGSOSegments: 1, BatchSize: 1}
}

// RecvMeta describes one buffer filled by [Socket.Receive].
type RecvMeta struct {
	// Sender of the datagram.
	Addr net.Addr

	// Number of bytes written into the buffer.
	Len int

	// Size of each datagram within the buffer.
	// When Stride < Len, the buffer holds several coalesced datagrams.
	Stride int

	ECN qengine.ECN

	// Local address the datagram was sent to, if known.
	DstIP netip.Addr
}

// Socket is a datagram socket with batched I/O.
//
// Send and Receive may be called concurrently with each other.
type Socket interface {
	// Send transmits a prefix of ts and returns its length.
	// Partial sends are legal; the caller retries the remainder.
	Send(ts []qengine.Transmit) (int, error)

	// Receive fills a prefix of bufs, describing each in meta,
	// and returns the number of buffers filled.
	Receive(bufs [][]byte, meta []RecvMeta) (int, error)

	LocalAddr() net.Addr

	Capabilities() Capabilities

	Close() error
}

// Split calls fn for every datagram in a received buffer,
// honoring m.Stride for coalesced receives.
func Split(buf []byte, m RecvMeta, fn func([]byte)) {
	data := buf[:m.Len]
	stride := m.Stride
	if stride <= 0 || stride >= len(data) {
		fn(data)
		return
	}
	for len(data) > 0 {
		n := min(stride, len(data))
		fn(data[:n])
		data = data[n:]
	}
}
