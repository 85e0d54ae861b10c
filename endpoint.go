package qdrive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordian-engine/qdrive/qengine"
	"github.com/gordian-engine/qdrive/qsock"
	"github.com/quic-go/quic-go"
)

// Endpoint drives every QUIC connection sharing one socket.
//
// It runs one goroutine receiving datagrams and routing them to connections,
// one goroutine sending the connections' transmits,
// and one driver goroutine per connection.
type Endpoint struct {
	log *slog.Logger

	sock qsock.Socket
	caps qsock.Capabilities
	cfg  EndpointConfig

	ctx    context.Context
	cancel context.CancelCauseFunc

	wg sync.WaitGroup

	mu      sync.Mutex
	conns   map[quic.ConnectionID]*Conn
	live    map[*Conn]struct{}
	retired *retiredSet
	ring    *txRing
	closed  bool
	serial  uint64

	acceptCh chan *Conn

	// Signals the transmit goroutine that the ring is not empty.
	txReady chan struct{}

	dropped atomic.Uint64
	refused atomic.Uint64
}

// EndpointStats is a snapshot of an endpoint's counters.
type EndpointStats struct {
	// Connections not yet drained.
	Conns int

	// Identifiers of drained connections still being swallowed.
	RetiredIDs int

	// Datagrams that were unroutable, malformed,
	// or addressed to a retired identifier.
	DroppedDatagrams uint64

	// Connection attempts dropped because the accept queue was full.
	RefusedConnections uint64
}

// NewEndpoint starts driving cfg.Socket.
// The endpoint closes when ctx is cancelled or Close is called.
func NewEndpoint(ctx context.Context, log *slog.Logger, cfg EndpointConfig) (*Endpoint, error) {
	cfg.validate(log)
	cfg = cfg.withDefaults()
	if cfg.onYield == nil {
		cfg.onYield = runtime.Gosched
	}

	ctx, cancel := context.WithCancelCause(ctx)
	e := &Endpoint{
		log: log,

		sock: cfg.Socket,
		caps: cfg.Socket.Capabilities(),
		cfg:  cfg,

		ctx:    ctx,
		cancel: cancel,

		conns:   make(map[quic.ConnectionID]*Conn),
		live:    make(map[*Conn]struct{}),
		retired: newRetiredSet(cfg.RetiredIDLifetime),
		ring:    newTxRing(),

		acceptCh: make(chan *Conn, cfg.AcceptQueueLimit),
		txReady:  make(chan struct{}, 1),
	}
	e.caps.BatchSize = max(e.caps.BatchSize, 1)
	e.caps.MaxGSOSegments = max(e.caps.MaxGSOSegments, 1)

	e.wg.Add(2)
	go e.receiveLoop()
	go e.transmitLoop()

	context.AfterFunc(ctx, func() {
		e.shutdown(context.Cause(ctx))
	})

	e.log.Info(
		"Endpoint started",
		"local_addr", e.sock.LocalAddr(),
		"gso_segments", e.caps.MaxGSOSegments,
		"batch_size", e.caps.BatchSize,
	)
	return e, nil
}

// Bind opens a UDP socket on addr and starts an endpoint on it.
// The Socket field of cfg is ignored.
func Bind(ctx context.Context, log *slog.Logger, addr string, cfg EndpointConfig) (*Endpoint, error) {
	sock, err := qsock.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	cfg.Socket = sock
	return NewEndpoint(ctx, log, cfg)
}

// LocalAddr returns the socket's local address.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.sock.LocalAddr()
}

// Stats returns a snapshot of the endpoint's counters.
func (e *Endpoint) Stats() EndpointStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EndpointStats{
		Conns:              len(e.live),
		RetiredIDs:         e.retired.Len(),
		DroppedDatagrams:   e.dropped.Load(),
		RefusedConnections: e.refused.Load(),
	}
}

// Connect starts a connection to remote.
// The returned connection is still handshaking;
// use [*Conn.WaitHandshake] to wait for it to be established.
// Stream operations on it block until then.
func (e *Endpoint) Connect(ctx context.Context, remote net.Addr, serverName string) (*Conn, error) {
	if e.cfg.ClientFactory == nil {
		return nil, ErrNoClientFactory
	}
	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}

	eng, err := e.cfg.ClientFactory.NewClient(time.Now(), remote, serverName)
	if err != nil {
		return nil, fmt.Errorf("failed to create client engine: %w", err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEndpointClosed
	}
	c := e.newConnLocked(eng, "client", remote)
	e.mu.Unlock()

	c.log.Info("Connecting", "server_name", serverName)
	e.startConn(c)
	return c, nil
}

// Accept blocks until a peer starts a connection, ctx ends,
// or the endpoint closes.
func (e *Endpoint) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-e.acceptCh:
		return c, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case <-e.ctx.Done():
		return nil, ErrEndpointClosed
	}
}

// Close stops the endpoint immediately.
// Live connections fail with [ErrEndpointClosed] without notifying peers;
// close them first with [*Conn.CloseWithError] for a graceful shutdown.
func (e *Endpoint) Close() error {
	e.shutdown(ErrEndpointClosed)
	e.wg.Wait()
	return nil
}

// Wait blocks until every goroutine started by the endpoint has returned.
func (e *Endpoint) Wait() {
	e.wg.Wait()
}

func (e *Endpoint) shutdown(cause error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	conns := make([]*Conn, 0, len(e.live))
	for c := range e.live {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	e.log.Info("Endpoint shutting down", "cause", cause, "conns", len(conns))

	for _, c := range conns {
		c.abort(cause)
	}
	e.cancel(cause)
	if err := e.sock.Close(); err != nil {
		e.log.Warn("Failed to close socket", "err", err)
	}
}

// fail shuts the endpoint down after a fatal socket error.
func (e *Endpoint) fail(err error) {
	e.log.Error("Socket failed; closing endpoint", "err", err)
	e.shutdown(&SocketError{Err: err})
}

func (e *Endpoint) newConnLocked(eng qengine.Engine, side string, remote net.Addr) *Conn {
	e.serial++
	c := newConn(
		e.log.With("conn", e.serial, "side", side, "remote", remote),
		e,
		eng,
		connConfig{
			LocalAddr:   e.sock.LocalAddr(),
			IOLoopBound: e.cfg.IOLoopBound,
			MaxSegments: e.caps.MaxGSOSegments,
			Yield:       e.cfg.onYield,
		},
	)
	e.live[c] = struct{}{}

	// Added under the lock so that it cannot race with Close's Wait.
	e.wg.Add(1)
	return c
}

// startConn launches the driver for a connection from newConnLocked.
func (e *Endpoint) startConn(c *Conn) {
	go func() {
		defer e.wg.Done()
		c.run(e.ctx)
	}()
	c.wake()
}

func (e *Endpoint) receiveLoop() {
	defer e.wg.Done()

	n := e.caps.BatchSize
	bufs := make([][]byte, n)
	for i := range bufs {
		bufs[i] = make([]byte, qsock.MaxDatagramSize)
	}
	meta := make([]qsock.RecvMeta, n)

	calls := 0
	for {
		got, err := e.sock.Receive(bufs, meta)
		calls++
		if err != nil {
			if e.ctx.Err() != nil {
				return
			}
			if errors.Is(err, qsock.ErrWouldBlock) {
				e.cfg.onYield()
				calls = 0
				continue
			}
			e.fail(err)
			return
		}

		now := time.Now()
		for i := range got {
			qsock.Split(bufs[i], meta[i], func(b []byte) {
				e.handleDatagram(now, meta[i], b)
			})
		}

		if calls >= e.cfg.IOLoopBound {
			calls = 0
			e.cfg.onYield()
		}
	}
}

// handleDatagram routes one received datagram.
// The bytes of b are copied before b is retained.
func (e *Endpoint) handleDatagram(now time.Time, m qsock.RecvMeta, b []byte) {
	route, err := e.cfg.Router.Route(b)
	if err != nil {
		e.dropped.Add(1)
		e.log.Debug("Dropping unroutable datagram", "from", m.Addr, "err", err)
		return
	}

	d := qengine.Datagram{
		Remote:   m.Addr,
		Local:    m.DstIP,
		ECN:      m.ECN,
		Data:     bytes.Clone(b),
		Received: now,
	}

	e.mu.Lock()
	if c, ok := e.conns[route.ID]; ok {
		e.mu.Unlock()
		c.deliver(d)
		return
	}

	if e.retired.Contains(route.ID, now) {
		e.mu.Unlock()
		e.dropped.Add(1)
		e.log.Debug("Dropping datagram for retired connection", "from", m.Addr, "id", route.ID)
		return
	}

	if !route.Initial || e.cfg.ServerFactory == nil || e.closed {
		e.mu.Unlock()
		e.dropped.Add(1)
		e.log.Debug("Dropping datagram for unknown connection", "from", m.Addr, "id", route.ID)
		return
	}

	// Only this goroutine sends to acceptCh,
	// so a free slot now is still free below.
	if len(e.acceptCh) >= cap(e.acceptCh) {
		e.mu.Unlock()
		e.refused.Add(1)
		e.log.Debug("Accept queue full; dropping connection attempt", "from", m.Addr)
		return
	}

	eng, err := e.cfg.ServerFactory.NewServer(now, d)
	if err != nil {
		e.mu.Unlock()
		e.dropped.Add(1)
		e.log.Debug("Engine rejected connection attempt", "from", m.Addr, "err", err)
		return
	}

	c := e.newConnLocked(eng, "server", m.Addr)
	e.conns[route.ID] = c
	c.ids = append(c.ids, route.ID)
	e.mu.Unlock()

	c.log.Info("Accepted connection attempt")
	c.deliver(d)
	e.startConn(c)
	e.acceptCh <- c
}

func (e *Endpoint) transmitLoop() {
	defer e.wg.Done()

	batch := make([]qengine.Transmit, 0, e.caps.BatchSize)
	calls := 0
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.txReady:
		}

		for {
			e.mu.Lock()
			batch = e.ring.Collect(batch[:0], e.caps.BatchSize)
			e.mu.Unlock()
			if len(batch) == 0 {
				break
			}

			// Partial sends are legal; retry the remainder.
			pending := batch
			for len(pending) > 0 {
				n, err := e.sock.Send(pending)
				calls++
				if err != nil {
					if e.ctx.Err() != nil {
						return
					}
					if errors.Is(err, qsock.ErrWouldBlock) {
						e.cfg.onYield()
						calls = 0
						continue
					}
					e.fail(err)
					return
				}
				if n == 0 {
					// No progress and no error: the socket is full.
					e.cfg.onYield()
					calls = 0
					continue
				}
				pending = pending[n:]

				if calls >= e.cfg.IOLoopBound {
					calls = 0
					e.cfg.onYield()
				}
			}
		}
	}
}

// issueID implements endpointSink.
func (e *Endpoint) issueID(c *Conn, id quic.ConnectionID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if other, ok := e.conns[id]; ok && other != c {
		c.log.Warn("Engine issued an identifier already in use; ignoring", "id", id)
		return
	}
	e.conns[id] = c
	c.ids = append(c.ids, id)
}

// retireID implements endpointSink.
func (e *Endpoint) retireID(c *Conn, id quic.ConnectionID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conns[id] != c {
		return
	}
	delete(e.conns, id)
	e.retired.Add(id, time.Now())
	for i, have := range c.ids {
		if have == id {
			c.ids = append(c.ids[:i], c.ids[i+1:]...)
			break
		}
	}
}

// transmitReady implements endpointSink.
func (e *Endpoint) transmitReady(c *Conn) {
	e.mu.Lock()
	e.ring.Add(c)
	e.mu.Unlock()

	select {
	case e.txReady <- struct{}{}:
	default:
	}
}

// drained implements endpointSink.
func (e *Endpoint) drained(c *Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	for _, id := range c.ids {
		if e.conns[id] == c {
			delete(e.conns, id)
			e.retired.Add(id, now)
		}
	}
	c.ids = nil
	delete(e.live, c)
}
