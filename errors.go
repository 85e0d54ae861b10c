package qdrive

import (
	"errors"
	"fmt"

	"github.com/gordian-engine/qdrive/qengine"
	"github.com/quic-go/quic-go"
)

var (
	// ErrEndpointClosed is returned from operations on a closed [*Endpoint],
	// and is the close cause of its connections when the endpoint shuts down.
	ErrEndpointClosed = errors.New("qdrive: endpoint closed")

	// ErrStreamClosed is returned when writing to a send stream
	// after calling its Close method.
	ErrStreamClosed = errors.New("qdrive: write to closed stream")

	// ErrNoClientFactory is returned from [*Endpoint.Connect]
	// when the endpoint was not configured to dial out.
	ErrNoClientFactory = errors.New("qdrive: endpoint has no client factory")
)

// SocketError is the close cause of every connection on an endpoint
// whose socket failed.
type SocketError struct {
	Err error
}

func (e *SocketError) Error() string {
	return "socket failure: " + e.Err.Error()
}

func (e *SocketError) Unwrap() error {
	return e.Err
}

// ReadToEndTooLongError is returned from [*ReceiveStream.ReadToEnd]
// when the stream carries more than the allowed number of bytes.
type ReadToEndTooLongError struct {
	Max int
}

func (e *ReadToEndTooLongError) Error() string {
	return fmt.Sprintf("stream exceeded %d bytes", e.Max)
}

// maxErrorCode is the largest value a QUIC varint can carry.
const maxErrorCode = (1 << 62) - 1

func checkCode(code uint64) {
	if code > maxErrorCode {
		panic(fmt.Errorf(
			"BUG: error code must fit in 62 bits (got %d)", code,
		))
	}
}

// streamError converts an engine error on stream id
// into the error returned to callers.
func (c *Conn) streamError(id qengine.StreamID, err error) error {
	var reset *qengine.StreamResetError
	var stopped *qengine.StreamStoppedError
	switch {
	case errors.As(err, &reset):
		return &quic.StreamError{
			StreamID:  quic.StreamID(id),
			ErrorCode: quic.StreamErrorCode(reset.Code),
			Remote:    true,
		}
	case errors.As(err, &stopped):
		return &quic.StreamError{
			StreamID:  quic.StreamID(id),
			ErrorCode: quic.StreamErrorCode(stopped.Code),
			Remote:    true,
		}
	case errors.Is(err, qengine.ErrConnectionClosed):
		if cause, ok := c.closed.Value(); ok {
			return cause
		}
	}
	return err
}

func localStreamError(id qengine.StreamID, code uint64) error {
	return &quic.StreamError{
		StreamID:  quic.StreamID(id),
		ErrorCode: quic.StreamErrorCode(code),
	}
}
