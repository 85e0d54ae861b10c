// Package qenginetest provides a small deterministic protocol engine
// that satisfies [qengine.Engine].
//
// It speaks a toy framing over QUIC-shaped headers:
// long headers during the handshake, short headers afterwards,
// so that [qroute.Invariants] routes it like real QUIC.
// It has stream flow control, reset and stop-sending,
// application close with draining, and idle timeouts,
// but no loss recovery or encryption.
// It assumes a lossless, ordered network such as [qsocktest.Network].
package qenginetest

import (
	"crypto/rand"
	"time"

	"github.com/quic-go/quic-go"
)

// Config configures engines created by a [Factory].
// Fields are used literally; start from [DefaultConfig].
type Config struct {
	// Length of locally issued connection IDs.
	IDLen int

	// Generates local connection IDs.
	// If nil, random IDs of IDLen bytes are used.
	IDs quic.ConnectionIDGenerator

	// Flow control credit a peer gets on each new stream.
	// This is advertised to the peer during the handshake.
	InitialStreamWindow uint64

	// Credit extended whenever the reader drains half of it.
	StreamWindow uint64

	// Upper bound on the size of one datagram.
	// Must be at least 1200 so the client's first flight fits.
	MaxDatagramSize int

	// Zero disables the idle timeout.
	IdleTimeout time.Duration

	// Zero disables the handshake timeout.
	HandshakeTimeout time.Duration

	// How long a closed connection lingers before it drains.
	DrainTimeout time.Duration

	// How many unreliable datagrams are buffered in each direction.
	// The oldest is dropped when the buffer is full.
	// Zero disables datagrams; received ones are then ignored.
	DatagramQueueLen int
}

// DefaultConfig returns a Config suitable for most tests.
func DefaultConfig() Config {
	return Config{
		IDLen:               8,
		InitialStreamWindow: 16 * 1024,
		StreamWindow:        16 * 1024,
		MaxDatagramSize:     1350,
		HandshakeTimeout:    5 * time.Second,
		DrainTimeout:        20 * time.Millisecond,
		DatagramQueueLen:    64,
	}
}

func (c Config) idGenerator() quic.ConnectionIDGenerator {
	if c.IDs != nil {
		return c.IDs
	}
	return RandomIDs{Len: c.IDLen}
}

// RandomIDs is a [quic.ConnectionIDGenerator] producing random IDs.
type RandomIDs struct {
	Len int
}

// GenerateConnectionID implements [quic.ConnectionIDGenerator].
func (g RandomIDs) GenerateConnectionID() (quic.ConnectionID, error) {
	b := make([]byte, g.Len)
	if _, err := rand.Read(b); err != nil {
		return quic.ConnectionID{}, err
	}
	return quic.ConnectionIDFromBytes(b), nil
}

// ConnectionIDLen implements [quic.ConnectionIDGenerator].
func (g RandomIDs) ConnectionIDLen() int {
	return g.Len
}
