package qdrive

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/gordian-engine/qdrive/qengine"
)

// SendStream is the sending half of a stream.
type SendStream struct {
	c  *Conn
	id qengine.StreamID

	mu        sync.Mutex
	finished  bool
	reset     bool
	resetCode uint64
	deadline  time.Time
}

var _ io.WriteCloser = (*SendStream)(nil)

func newSendStream(c *Conn, id qengine.StreamID) *SendStream {
	return &SendStream{c: c, id: id}
}

// StreamID returns the QUIC stream ID.
func (s *SendStream) StreamID() qengine.StreamID {
	return s.id
}

// SetWriteDeadline sets the deadline for future Write calls.
// A zero value means Write never times out.
func (s *SendStream) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadline = t
	return nil
}

// Write writes all of p, blocking while the stream's flow control window
// is exhausted. It honors the write deadline.
func (s *SendStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	dl := s.deadline
	s.mu.Unlock()

	ctx, cancel := deadlineContext(dl)
	defer cancel()
	return s.WriteContext(ctx, p)
}

// WriteContext is like Write but gives up when ctx ends,
// returning the number of bytes already committed to the stream.
func (s *SendStream) WriteContext(ctx context.Context, p []byte) (int, error) {
	if err := s.usable(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	c := s.c
	written := 0
	for written < len(p) {
		if err := c.lock.Lock(ctx); err != nil {
			return written, err
		}
		if err, ok := c.closed.Value(); ok {
			c.lock.Unlock()
			return written, err
		}

		n, err := c.eng.Write(s.id, p[written:])
		written += n

		if errors.Is(err, qengine.ErrBlocked) {
			w := c.writers.Add(s.id)
			c.lock.Unlock()
			c.wake()
			if err := c.park(ctx, c.writers, w); err != nil {
				return written, err
			}
			continue
		}

		c.lock.Unlock()
		if err != nil {
			return written, s.writeError(err)
		}
		c.wake()
	}
	return written, nil
}

func (s *SendStream) usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reset {
		return localStreamError(s.id, s.resetCode)
	}
	if s.finished {
		return ErrStreamClosed
	}
	return nil
}

func (s *SendStream) writeError(err error) error {
	if errors.Is(err, qengine.ErrStreamClosed) {
		if uerr := s.usable(); uerr != nil {
			return uerr
		}
	}
	return s.c.streamError(s.id, err)
}

// Close finishes the stream: the peer reads io.EOF
// after everything written so far.
// Closing twice is a no-op.
func (s *SendStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return nil
	}
	if s.reset {
		return localStreamError(s.id, s.resetCode)
	}

	c := s.c
	_ = c.lock.Lock(context.Background())
	if err, ok := c.closed.Value(); ok {
		c.lock.Unlock()
		return err
	}
	err := c.eng.Finish(s.id)
	c.lock.Unlock()

	if err != nil {
		return c.streamError(s.id, err)
	}
	s.finished = true
	c.wake()
	return nil
}

// CancelWrite abandons the stream, discarding unsent data,
// and tells the peer the given error code.
// Code must fit in 62 bits.
func (s *SendStream) CancelWrite(code uint64) error {
	checkCode(code)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reset {
		return nil
	}

	c := s.c
	_ = c.lock.Lock(context.Background())
	if err, ok := c.closed.Value(); ok {
		c.lock.Unlock()
		return err
	}
	err := c.eng.Reset(s.id, code)
	c.lock.Unlock()

	if err != nil {
		return c.streamError(s.id, err)
	}
	s.reset = true
	s.resetCode = code
	c.wake()
	return nil
}

// Stopped blocks until the peer asks us to stop sending,
// and returns the error code it gave.
func (s *SendStream) Stopped(ctx context.Context) (uint64, error) {
	c := s.c
	for {
		if err := c.lock.Lock(ctx); err != nil {
			return 0, err
		}
		if code, ok := c.stopped[s.id]; ok {
			c.lock.Unlock()
			return code, nil
		}
		if err, ok := c.closed.Value(); ok {
			c.lock.Unlock()
			return 0, err
		}
		w := c.writers.Add(s.id)
		c.lock.Unlock()

		if err := c.park(ctx, c.writers, w); err != nil {
			return 0, err
		}
	}
}

// ReceiveStream is the receiving half of a stream.
type ReceiveStream struct {
	c  *Conn
	id qengine.StreamID

	mu       sync.Mutex
	stopped  bool
	stopCode uint64
	deadline time.Time
}

var _ io.Reader = (*ReceiveStream)(nil)

func newReceiveStream(c *Conn, id qengine.StreamID) *ReceiveStream {
	return &ReceiveStream{c: c, id: id}
}

// StreamID returns the QUIC stream ID.
func (s *ReceiveStream) StreamID() qengine.StreamID {
	return s.id
}

// SetReadDeadline sets the deadline for future Read calls.
// A zero value means Read never times out.
func (s *ReceiveStream) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadline = t
	return nil
}

// Read reads available data into p, blocking until some arrives.
// It returns io.EOF once the peer finished the stream.
// It honors the read deadline.
func (s *ReceiveStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	dl := s.deadline
	s.mu.Unlock()

	ctx, cancel := deadlineContext(dl)
	defer cancel()
	return s.ReadContext(ctx, p)
}

// ReadContext is like Read but gives up when ctx ends.
func (s *ReceiveStream) ReadContext(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	chunk, err := s.ReadChunk(ctx, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, chunk.Data), nil
}

// ReadChunk returns the next in-order chunk of at most max bytes
// (or any size, if max is zero) without copying it.
// The chunk's data belongs to the caller but must not be appended to.
func (s *ReceiveStream) ReadChunk(ctx context.Context, max int) (qengine.Chunk, error) {
	if err := s.usable(); err != nil {
		return qengine.Chunk{}, err
	}

	c := s.c
	for {
		if err := c.lock.Lock(ctx); err != nil {
			return qengine.Chunk{}, err
		}
		if err, ok := c.closed.Value(); ok {
			c.lock.Unlock()
			return qengine.Chunk{}, err
		}

		chunk, err := c.eng.Read(s.id, max)
		if errors.Is(err, qengine.ErrBlocked) {
			w := c.readers.Add(s.id)
			c.lock.Unlock()

			// A blocked read may have extended the peer's credit.
			c.wake()
			if err := c.park(ctx, c.readers, w); err != nil {
				return qengine.Chunk{}, err
			}
			continue
		}
		c.lock.Unlock()

		switch {
		case err == nil:
			c.wake()
			return chunk, nil
		case errors.Is(err, io.EOF):
			return qengine.Chunk{}, io.EOF
		case errors.Is(err, qengine.ErrStreamClosed):
			if uerr := s.usable(); uerr != nil {
				return qengine.Chunk{}, uerr
			}
		}
		return qengine.Chunk{}, c.streamError(s.id, err)
	}
}

// ReadExact fills p completely.
// If the stream ends first, it returns io.ErrUnexpectedEOF
// along with the number of bytes read.
func (s *ReceiveStream) ReadExact(ctx context.Context, p []byte) (int, error) {
	read := 0
	for read < len(p) {
		n, err := s.ReadContext(ctx, p[read:])
		read += n
		if errors.Is(err, io.EOF) {
			return read, io.ErrUnexpectedEOF
		}
		if err != nil {
			return read, err
		}
	}
	return read, nil
}

// ReadToEnd reads the whole stream.
// It fails with [*ReadToEndTooLongError] as soon as more than max bytes arrive,
// never buffering more than max+1 bytes.
func (s *ReceiveStream) ReadToEnd(ctx context.Context, max int) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := s.ReadChunk(ctx, max-len(buf)+1)
		if errors.Is(err, io.EOF) {
			return buf, nil
		}
		if err != nil {
			return nil, err
		}

		buf = append(buf, chunk.Data...)
		if len(buf) > max {
			return nil, &ReadToEndTooLongError{Max: max}
		}
	}
}

// CancelRead tells the peer to stop sending,
// and discards anything it sends from now on.
// Code must fit in 62 bits.
func (s *ReceiveStream) CancelRead(code uint64) error {
	checkCode(code)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}

	c := s.c
	_ = c.lock.Lock(context.Background())
	if err, ok := c.closed.Value(); ok {
		c.lock.Unlock()
		return err
	}
	err := c.eng.Stop(s.id, code)
	c.lock.Unlock()

	if err != nil {
		return c.streamError(s.id, err)
	}
	s.stopped = true
	s.stopCode = code
	c.wake()
	return nil
}

func (s *ReceiveStream) usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return localStreamError(s.id, s.stopCode)
	}
	return nil
}

// Stream is a bidirectional stream.
type Stream struct {
	*SendStream
	*ReceiveStream
}

var _ io.ReadWriteCloser = (*Stream)(nil)

func newStream(c *Conn, id qengine.StreamID) *Stream {
	return &Stream{
		SendStream:    newSendStream(c, id),
		ReceiveStream: newReceiveStream(c, id),
	}
}

// StreamID returns the QUIC stream ID.
func (s *Stream) StreamID() qengine.StreamID {
	return s.SendStream.id
}

// SetDeadline sets both the read and write deadlines.
func (s *Stream) SetDeadline(t time.Time) error {
	_ = s.SetReadDeadline(t)
	return s.SetWriteDeadline(t)
}

// deadlineContext returns a context ending at dl,
// whose cause is os.ErrDeadlineExceeded as for net.Conn.
func deadlineContext(dl time.Time) (context.Context, context.CancelFunc) {
	if dl.IsZero() {
		return context.Background(), func() {}
	}
	return context.WithDeadlineCause(context.Background(), dl, os.ErrDeadlineExceeded)
}
