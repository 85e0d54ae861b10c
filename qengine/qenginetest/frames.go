package qenginetest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"
)

const (
	flagsClientInitial   = 0xc0
	flagsServerHandshake = 0xe0
	flagsShort           = 0x40

	// Clients pad their first datagram to this size,
	// mirroring QUIC's anti-amplification rule.
	minInitialSize = 1200
)

type frameType uint64

const (
	framePadding       frameType = 0x00
	frameHello         frameType = 0x01
	frameHelloAck      frameType = 0x02
	frameStream        frameType = 0x03
	frameMaxStreamData frameType = 0x04
	frameResetStream   frameType = 0x05
	frameStopSending   frameType = 0x06
	frameClose         frameType = 0x07
	frameDatagram      frameType = 0x08
)

// Upper bound on a STREAM frame's fields other than its data.
const maxStreamFrameOverhead = 1 + 3*8 + 1

// Upper bounds on a DATAGRAM frame's fields and on a short header,
// whatever the peer's connection ID length.
const (
	maxDatagramFrameOverhead = 1 + 8
	maxShortHeaderLen        = 1 + 20
)

var errMalformed = errors.New("malformed packet")

// header is the parsed routing part of a packet.
type header struct {
	long bool
	dcid quic.ConnectionID
	scid quic.ConnectionID
}

func appendLongHeader(b []byte, flags byte, dcid, scid quic.ConnectionID) []byte {
	b = append(b, flags)
	b = binary.BigEndian.AppendUint32(b, uint32(quic.Version1))
	b = append(b, byte(dcid.Len()))
	b = append(b, dcid.Bytes()...)
	b = append(b, byte(scid.Len()))
	b = append(b, scid.Bytes()...)
	return b
}

func appendShortHeader(b []byte, dcid quic.ConnectionID) []byte {
	b = append(b, flagsShort)
	return append(b, dcid.Bytes()...)
}

// parseHeader splits a packet into its header and frame payload.
func parseHeader(b []byte, shortIDLen int) (header, []byte, error) {
	if len(b) == 0 {
		return header{}, nil, errMalformed
	}
	if b[0]&0x80 == 0 {
		if len(b) < 1+shortIDLen {
			return header{}, nil, errMalformed
		}
		return header{dcid: quic.ConnectionIDFromBytes(b[1 : 1+shortIDLen])}, b[1+shortIDLen:], nil
	}

	if len(b) < 6 {
		return header{}, nil, errMalformed
	}
	// Skip flags and version.
	r := b[5:]
	h := header{long: true}

	var ok bool
	if h.dcid, r, ok = cutID(r); !ok {
		return header{}, nil, errMalformed
	}
	if h.scid, r, ok = cutID(r); !ok {
		return header{}, nil, errMalformed
	}
	return h, r, nil
}

func cutID(b []byte) (quic.ConnectionID, []byte, bool) {
	if len(b) < 1 {
		return quic.ConnectionID{}, nil, false
	}
	n := int(b[0])
	if n > 20 || len(b) < 1+n {
		return quic.ConnectionID{}, nil, false
	}
	return quic.ConnectionIDFromBytes(b[1 : 1+n]), b[1+n:], true
}

// frame is one decoded frame. Only the fields for Type are set.
type frame struct {
	Type   frameType
	Stream uint64
	Offset uint64
	Fin    bool
	Data   []byte
	Value  uint64 // MAX_STREAM_DATA limit, HELLO window, or error code
	Final  uint64 // RESET_STREAM final size
	App    bool   // CLOSE: application rather than transport error
}

func (f frame) append(b []byte) []byte {
	b = quicvarint.Append(b, uint64(f.Type))
	switch f.Type {
	case frameHello, frameHelloAck:
		b = quicvarint.Append(b, f.Value)
	case frameStream:
		b = quicvarint.Append(b, f.Stream)
		b = quicvarint.Append(b, f.Offset)
		if f.Fin {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
		b = quicvarint.Append(b, uint64(len(f.Data)))
		b = append(b, f.Data...)
	case frameMaxStreamData:
		b = quicvarint.Append(b, f.Stream)
		b = quicvarint.Append(b, f.Value)
	case frameResetStream:
		b = quicvarint.Append(b, f.Stream)
		b = quicvarint.Append(b, f.Value)
		b = quicvarint.Append(b, f.Final)
	case frameStopSending:
		b = quicvarint.Append(b, f.Stream)
		b = quicvarint.Append(b, f.Value)
	case frameClose:
		if f.App {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
		b = quicvarint.Append(b, f.Value)
		b = quicvarint.Append(b, uint64(len(f.Data)))
		b = append(b, f.Data...)
	case frameDatagram:
		b = quicvarint.Append(b, uint64(len(f.Data)))
		b = append(b, f.Data...)
	default:
		panic(fmt.Errorf("BUG: cannot encode frame type %d", f.Type))
	}
	return b
}

// parseFrames decodes every frame in a packet payload,
// skipping padding.
func parseFrames(p []byte) ([]frame, error) {
	r := bytes.NewReader(p)
	var out []frame
	for r.Len() > 0 {
		t, err := quicvarint.Read(r)
		if err != nil {
			return nil, errMalformed
		}
		f := frame{Type: frameType(t)}

		switch f.Type {
		case framePadding:
			continue
		case frameHello, frameHelloAck:
			f.Value, err = quicvarint.Read(r)
		case frameStream:
			if f.Stream, err = quicvarint.Read(r); err != nil {
				break
			}
			if f.Offset, err = quicvarint.Read(r); err != nil {
				break
			}
			if f.Fin, err = readBool(r); err != nil {
				break
			}
			f.Data, err = readBytes(r)
		case frameMaxStreamData, frameStopSending:
			if f.Stream, err = quicvarint.Read(r); err != nil {
				break
			}
			f.Value, err = quicvarint.Read(r)
		case frameResetStream:
			if f.Stream, err = quicvarint.Read(r); err != nil {
				break
			}
			if f.Value, err = quicvarint.Read(r); err != nil {
				break
			}
			f.Final, err = quicvarint.Read(r)
		case frameClose:
			if f.App, err = readBool(r); err != nil {
				break
			}
			if f.Value, err = quicvarint.Read(r); err != nil {
				break
			}
			f.Data, err = readBytes(r)
		case frameDatagram:
			f.Data, err = readBytes(r)
		default:
			return nil, fmt.Errorf("unknown frame type 0x%x", t)
		}
		if err != nil {
			return nil, errMalformed
		}
		out = append(out, f)
	}
	return out, nil
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Len()) {
		return nil, io.ErrUnexpectedEOF
	}
	b := make([]byte, n)
	_, err = io.ReadFull(r, b)
	return b, err
}
