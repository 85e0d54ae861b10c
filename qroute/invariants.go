// Package qroute extracts connection identifiers from QUIC datagrams
// using only the version-independent header layout of RFC 8999.
package qroute

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/gordian-engine/qdrive/qengine"
	"github.com/quic-go/quic-go"
)

// MaxConnectionIDLen is the longest connection ID in QUIC versions 1 and 2.
const MaxConnectionIDLen = 20

// DefaultMinInitialSize is the smallest datagram a client may use
// to carry its first Initial packet (RFC 9000 section 14.1).
const DefaultMinInitialSize = 1200

var (
	// ErrEmpty is returned for a zero-length datagram.
	ErrEmpty = errors.New("qroute: empty datagram")

	// ErrTruncatedHeader is returned when a datagram ends
	// before its header does.
	ErrTruncatedHeader = errors.New("qroute: truncated header")

	// ErrIDTooLong is returned for long headers carrying a connection ID
	// longer than [MaxConnectionIDLen].
	ErrIDTooLong = errors.New("qroute: connection ID too long")
)

// UnsupportedVersionError is returned for long header packets
// whose version is not in [Invariants.Versions].
type UnsupportedVersionError struct {
	Version quic.Version
}

func (e UnsupportedVersionError) Error() string {
	return fmt.Sprintf("qroute: unsupported version 0x%x", uint32(e.Version))
}

// Invariants is a [qengine.Router] for QUIC versions 1 and 2.
type Invariants struct {
	// Length of the connection IDs this endpoint issues,
	// which short header packets carry without a length prefix.
	ShortHeaderIDLen int

	// Versions accepted for new connections.
	// Defaults to QUIC v1 and v2.
	Versions []quic.Version

	// Datagrams smaller than this cannot start a connection.
	// Zero means [DefaultMinInitialSize]; negative disables the check.
	MinInitialSize int
}

var _ qengine.Router = Invariants{}

// Route implements [qengine.Router].
func (r Invariants) Route(b []byte) (qengine.Route, error) {
	if len(b) == 0 {
		return qengine.Route{}, ErrEmpty
	}

	if b[0]&0x80 == 0 {
		// Short header: flags byte then a fixed-length destination ID.
		end := 1 + r.ShortHeaderIDLen
		if len(b) < end {
			return qengine.Route{}, ErrTruncatedHeader
		}
		return qengine.Route{ID: quic.ConnectionIDFromBytes(b[1:end])}, nil
	}

	// Long header: flags, 32-bit version, length-prefixed destination ID.
	if len(b) < 6 {
		return qengine.Route{}, ErrTruncatedHeader
	}
	v := quic.Version(binary.BigEndian.Uint32(b[1:5]))
	idLen := int(b[5])
	if idLen > MaxConnectionIDLen {
		return qengine.Route{}, ErrIDTooLong
	}
	if len(b) < 6+idLen {
		return qengine.Route{}, ErrTruncatedHeader
	}
	id := quic.ConnectionIDFromBytes(b[6 : 6+idLen])

	if v == 0 {
		// Version negotiation is only meaningful to an existing client connection.
		return qengine.Route{ID: id}, nil
	}

	versions := r.Versions
	if len(versions) == 0 {
		versions = []quic.Version{quic.Version1, quic.Version2}
	}
	if !slices.Contains(versions, v) {
		return qengine.Route{ID: id}, UnsupportedVersionError{Version: v}
	}

	return qengine.Route{
		ID:      id,
		Initial: isInitialType(v, b[0]) && len(b) >= r.minInitialSize(),
	}, nil
}

func (r Invariants) minInitialSize() int {
	switch {
	case r.MinInitialSize == 0:
		return DefaultMinInitialSize
	case r.MinInitialSize < 0:
		return 0
	default:
		return r.MinInitialSize
	}
}

// isInitialType checks the version-specific long packet type bits.
func isInitialType(v quic.Version, flags byte) bool {
	typ := flags >> 4 & 0b11
	if v == quic.Version2 {
		// RFC 9369 section 3.2.
		return typ == 0b01
	}
	return typ == 0b00
}
