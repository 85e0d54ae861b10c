package qdrive

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/gordian-engine/qdrive/internal/qlock"
	"github.com/gordian-engine/qdrive/qengine"
	"github.com/gordian-engine/qdrive/qpubsub"
	"github.com/quic-go/quic-go"
)

// endpointSink is the connection's view of its owning endpoint.
// It does not own the endpoint.
type endpointSink interface {
	issueID(c *Conn, id quic.ConnectionID)
	retireID(c *Conn, id quic.ConnectionID)
	transmitReady(c *Conn)
	drained(c *Conn)
}

// Conn is a QUIC connection driven by its own goroutine.
//
// Every method is safe for concurrent use.
type Conn struct {
	log *slog.Logger

	sink      endpointSink
	localAddr net.Addr

	ioLoopBound int
	maxSegments int
	yield       func()

	// Everything in the block below is guarded by lock.
	lock      qlock.Mutex
	eng       qengine.Engine
	readers   *waitTable
	writers   *waitTable
	accepters [2]chan struct{}
	openers   [2]chan struct{}
	datagrams chan struct{}
	stopped   map[qengine.StreamID]uint64
	isDrained bool

	inMu    sync.Mutex
	inbound *queue.Queue // of qengine.Datagram

	txMu     sync.Mutex
	outbound *queue.Queue // of qengine.Transmit

	// Guarded by the endpoint's mutex.
	inRing bool
	ids    []quic.ConnectionID

	// Wakes the driver goroutine.
	poke chan struct{}

	// Closed to stop the driver without waiting for the engine to drain.
	quit     chan struct{}
	quitOnce sync.Once

	ctx    context.Context
	cancel context.CancelCauseFunc

	closed      *qpubsub.Notifier[error]
	established *qpubsub.Notifier[struct{}]
	drainedN    *qpubsub.Notifier[struct{}]

	// Test hook called with each event the driver dispatches.
	observe func(qengine.Event)
}

type connConfig struct {
	LocalAddr   net.Addr
	IOLoopBound int
	MaxSegments int
	Yield       func()
}

func newConn(log *slog.Logger, sink endpointSink, eng qengine.Engine, cfg connConfig) *Conn {
	ctx, cancel := context.WithCancelCause(context.Background())
	if cfg.Yield == nil {
		cfg.Yield = runtime.Gosched
	}
	return &Conn{
		log: log,

		sink:      sink,
		localAddr: cfg.LocalAddr,

		ioLoopBound: cfg.IOLoopBound,
		maxSegments: max(cfg.MaxSegments, 1),
		yield:       cfg.Yield,

		eng:     eng,
		readers: newWaitTable(),
		writers: newWaitTable(),
		stopped: make(map[qengine.StreamID]uint64),

		inbound:  queue.New(),
		outbound: queue.New(),

		poke: make(chan struct{}, 1),
		quit: make(chan struct{}),

		ctx:    ctx,
		cancel: cancel,

		closed:      qpubsub.NewNotifier[error](),
		established: qpubsub.NewNotifier[struct{}](),
		drainedN:    qpubsub.NewNotifier[struct{}](),
	}
}

// wake asks the driver goroutine to run a turn soon.
func (c *Conn) wake() {
	select {
	case c.poke <- struct{}{}:
	default:
	}
}

// deliver queues a received datagram for the driver.
func (c *Conn) deliver(d qengine.Datagram) {
	c.inMu.Lock()
	c.inbound.Add(d)
	c.inMu.Unlock()
	c.wake()
}

// popTransmit removes the oldest queued transmit.
// It also reports whether more transmits remain.
func (c *Conn) popTransmit() (t qengine.Transmit, ok, more bool) {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	if c.outbound.Length() == 0 {
		return qengine.Transmit{}, false, false
	}
	t = c.outbound.Remove().(qengine.Transmit)
	return t, true, c.outbound.Length() > 0
}

// abort closes c with err without involving the engine,
// and stops the driver.
func (c *Conn) abort(err error) {
	_ = c.lock.Lock(context.Background())
	c.lose(err)
	c.lock.Unlock()

	c.quitOnce.Do(func() { close(c.quit) })
}

// lose records err as the close cause and wakes every parked goroutine.
// Only the first cause is kept. The lock must be held.
func (c *Conn) lose(err error) {
	if c.closed.Fire(err) {
		c.cancel(err)
		c.log.Info("Connection closed", "cause", err)
	}
	c.readers.WakeAll()
	c.writers.WakeAll()
	for dir := range c.accepters {
		c.wakeAccepters(qengine.Dir(dir))
		c.wakeOpeners(qengine.Dir(dir))
	}
	c.wakeDatagramReaders()
}

func (c *Conn) wakeAccepters(dir qengine.Dir) {
	if ch := c.accepters[dir]; ch != nil {
		close(ch)
		c.accepters[dir] = nil
	}
}

func (c *Conn) wakeOpeners(dir qengine.Dir) {
	if ch := c.openers[dir]; ch != nil {
		close(ch)
		c.openers[dir] = nil
	}
}

func (c *Conn) wakeDatagramReaders() {
	if c.datagrams != nil {
		close(c.datagrams)
		c.datagrams = nil
	}
}

// CloseWithError closes the connection with an application error code.
// Pending and future operations fail with a local [*quic.ApplicationError].
// The peer is notified, and the connection drains in the background.
//
// Code must fit in 62 bits.
func (c *Conn) CloseWithError(code uint64, reason string) error {
	checkCode(code)

	_ = c.lock.Lock(context.Background())
	if c.closed.Fired() {
		c.lock.Unlock()
		return nil
	}
	c.lose(&quic.ApplicationError{
		ErrorCode:    quic.ApplicationErrorCode(code),
		ErrorMessage: reason,
	})
	c.eng.Close(time.Now(), code, []byte(reason))
	c.lock.Unlock()

	c.wake()
	return nil
}

// Context returns a context that is cancelled when the connection closes.
// Its cause is the close cause.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// Closed returns a channel that is closed once the connection is lost,
// for whatever reason. See [*Conn.Err].
func (c *Conn) Closed() <-chan struct{} {
	return c.closed.Done()
}

// Err returns the reason the connection closed, or nil if it is still open.
func (c *Conn) Err() error {
	err, _ := c.closed.Value()
	return err
}

// HandshakeComplete returns a channel that is closed
// once the handshake is confirmed.
func (c *Conn) HandshakeComplete() <-chan struct{} {
	return c.established.Done()
}

// WaitHandshake blocks until the handshake is confirmed,
// the connection closes, or ctx ends.
func (c *Conn) WaitHandshake(ctx context.Context) error {
	select {
	case <-c.established.Done():
		return nil
	case <-c.closed.Done():
		// Prefer success if both happened.
		if c.established.Fired() {
			return nil
		}
		return c.Err()
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Drained returns a channel that is closed once the connection
// has fully terminated and its driver stopped.
func (c *Conn) Drained() <-chan struct{} {
	return c.drainedN.Done()
}

// RemoteAddr returns the peer's current address.
func (c *Conn) RemoteAddr() net.Addr {
	_ = c.lock.Lock(context.Background())
	defer c.lock.Unlock()
	return c.eng.RemoteAddr()
}

// LocalAddr returns the address of the endpoint's socket.
func (c *Conn) LocalAddr() net.Addr {
	return c.localAddr
}

// OpenStream opens a bidirectional stream,
// blocking while the peer's stream limit is reached.
func (c *Conn) OpenStream(ctx context.Context) (*Stream, error) {
	id, err := c.open(ctx, qengine.Bi)
	if err != nil {
		return nil, err
	}
	return newStream(c, id), nil
}

// OpenUniStream opens a unidirectional stream,
// blocking while the peer's stream limit is reached.
func (c *Conn) OpenUniStream(ctx context.Context) (*SendStream, error) {
	id, err := c.open(ctx, qengine.Uni)
	if err != nil {
		return nil, err
	}
	return newSendStream(c, id), nil
}

// AcceptStream blocks until the peer opens a bidirectional stream.
func (c *Conn) AcceptStream(ctx context.Context) (*Stream, error) {
	id, err := c.accept(ctx, qengine.Bi)
	if err != nil {
		return nil, err
	}
	return newStream(c, id), nil
}

// AcceptUniStream blocks until the peer opens a unidirectional stream.
func (c *Conn) AcceptUniStream(ctx context.Context) (*ReceiveStream, error) {
	id, err := c.accept(ctx, qengine.Uni)
	if err != nil {
		return nil, err
	}
	return newReceiveStream(c, id), nil
}

// SendDatagram sends p as an unreliable datagram.
// It never blocks: p is queued in the engine and may be lost.
//
// It returns [qengine.ErrDatagramTooLarge] if p cannot fit in one packet,
// and the close cause once the connection is lost.
func (c *Conn) SendDatagram(p []byte) error {
	_ = c.lock.Lock(context.Background())
	if err, ok := c.closed.Value(); ok {
		c.lock.Unlock()
		return err
	}
	err := c.eng.SendDatagram(p)
	c.lock.Unlock()

	if err != nil {
		if errors.Is(err, qengine.ErrConnectionClosed) {
			return c.closedErr(err)
		}
		return err
	}
	c.wake()
	return nil
}

// ReceiveDatagram blocks until the peer sends an unreliable datagram.
// Datagrams already received are still returned after the connection closes.
func (c *Conn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	for {
		if err := c.lock.Lock(ctx); err != nil {
			return nil, err
		}
		if p, ok := c.eng.PollDatagram(); ok {
			c.lock.Unlock()
			return p, nil
		}
		if err, ok := c.closed.Value(); ok {
			c.lock.Unlock()
			return nil, err
		}

		if c.datagrams == nil {
			c.datagrams = make(chan struct{})
		}
		ch := c.datagrams
		c.lock.Unlock()

		select {
		case <-ch:
		case <-c.closed.Done():
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
}

// closedErr returns the close cause, or fallback if none was recorded.
func (c *Conn) closedErr(fallback error) error {
	if err, ok := c.closed.Value(); ok {
		return err
	}
	return fallback
}

func (c *Conn) open(ctx context.Context, dir qengine.Dir) (qengine.StreamID, error) {
	return c.untilReady(ctx, &c.openers[dir], func() (qengine.StreamID, error) {
		return c.eng.OpenStream(dir)
	})
}

func (c *Conn) accept(ctx context.Context, dir qengine.Dir) (qengine.StreamID, error) {
	return c.untilReady(ctx, &c.accepters[dir], func() (qengine.StreamID, error) {
		return c.eng.AcceptStream(dir)
	})
}

// untilReady retries fn, parking on *waiter whenever fn reports ErrBlocked.
func (c *Conn) untilReady(
	ctx context.Context, waiter *chan struct{}, fn func() (qengine.StreamID, error),
) (qengine.StreamID, error) {
	for {
		if err := c.lock.Lock(ctx); err != nil {
			return 0, err
		}
		if err, ok := c.closed.Value(); ok {
			c.lock.Unlock()
			return 0, err
		}

		id, err := fn()
		if err == nil {
			c.lock.Unlock()
			return id, nil
		}
		if !errors.Is(err, qengine.ErrBlocked) {
			c.lock.Unlock()
			return 0, c.streamError(id, err)
		}

		if *waiter == nil {
			*waiter = make(chan struct{})
		}
		ch := *waiter
		c.lock.Unlock()

		select {
		case <-ch:
		case <-c.closed.Done():
		case <-ctx.Done():
			// The shared channel stays registered;
			// the next dispatch closes it harmlessly.
			return 0, context.Cause(ctx)
		}
	}
}

// park blocks until w is woken, the connection closes, or ctx ends.
// On cancellation it deregisters from w.
func (c *Conn) park(ctx context.Context, t *waitTable, w *streamWaiter) error {
	select {
	case <-w.ch:
		return nil
	case <-c.closed.Done():
		return nil
	case <-ctx.Done():
		_ = c.lock.Lock(context.Background())
		t.Release(w)
		c.lock.Unlock()
		return context.Cause(ctx)
	}
}
