// Package qsocktest provides an in-memory datagram network
// whose sockets satisfy [qsock.Socket].
package qsocktest

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/gordian-engine/qdrive/qengine"
	"github.com/gordian-engine/qdrive/qsock"
)

// Network connects in-memory sockets.
// Delivery is lossless and ordered unless a Filter drops datagrams.
type Network struct {
	// Capabilities reported by sockets created after this is set.
	Caps qsock.Capabilities

	mu       sync.Mutex
	sockets  map[string]*Socket
	nextPort int

	// If set, called for every datagram on the wire;
	// returning false drops the datagram.
	filter func(from, to net.Addr, b []byte) bool
}

// NewNetwork returns an empty network with a modest batch size
// and no segmentation offload.
func NewNetwork() *Network {
	return &Network{
		Caps: qsock.Capabilities{
			MaxGSOSegments: 1,
			BatchSize:      8,
		},
		sockets:  make(map[string]*Socket),
		nextPort: 10000,
	}
}

// SetFilter installs fn as the network's drop filter.
func (n *Network) SetFilter(fn func(from, to net.Addr, b []byte) bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = fn
}

// NewSocket attaches a new socket to n with a unique loopback address.
func (n *Network) NewSocket() *Socket {
	n.mu.Lock()
	defer n.mu.Unlock()

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: n.nextPort}
	n.nextPort++

	s := &Socket{
		net:      n,
		addr:     addr,
		caps:     n.Caps,
		ready:    make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
	n.sockets[addr.String()] = s
	return s
}

func (n *Network) deliver(from net.Addr, to net.Addr, d packet) {
	n.mu.Lock()
	dst := n.sockets[to.String()]
	filter := n.filter
	n.mu.Unlock()

	if dst == nil {
		return
	}
	if filter != nil && !filter(from, to, d.data) {
		return
	}
	dst.push(d)
}

type packet struct {
	from net.Addr
	data []byte
	ecn  qengine.ECN
}

// Socket is an in-memory [qsock.Socket].
type Socket struct {
	net  *Network
	addr *net.UDPAddr
	caps qsock.Capabilities

	mu     sync.Mutex
	queue  []packet
	closed bool

	ready    chan struct{}
	closedCh chan struct{}

	sendCalls atomic.Int64
	recvCalls atomic.Int64
	sentPkts  atomic.Int64

	// Fail the next Send or Receive with this error, if set.
	failWith atomic.Pointer[error]

	// Send calls left that accept nothing.
	stalls atomic.Int32

	// If positive, the most transmits one Send accepts.
	sendLimit atomic.Int32
}

var _ qsock.Socket = (*Socket)(nil)

func (s *Socket) push(p packet) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, p)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Inject queues b as if it had been sent to s from the given address.
func (s *Socket) Inject(from net.Addr, b []byte) {
	s.push(packet{from: from, data: append([]byte(nil), b...)})
}

// Send implements [qsock.Socket].
func (s *Socket) Send(ts []qengine.Transmit) (int, error) {
	s.sendCalls.Add(1)
	if errp := s.failWith.Swap(nil); errp != nil {
		return 0, *errp
	}
	if s.isClosed() {
		return 0, net.ErrClosed
	}
	if takeOne(&s.stalls) {
		return 0, nil
	}

	n := min(len(ts), s.caps.BatchSize)
	if limit := int(s.sendLimit.Load()); limit > 0 {
		n = min(n, limit)
	}
	for _, t := range ts[:n] {
		data := t.Contents
		seg := t.SegmentSize
		if seg <= 0 {
			seg = len(data)
		}
		for len(data) > 0 {
			m := min(seg, len(data))
			s.net.deliver(s.addr, t.Destination, packet{
				from: s.addr,
				data: append([]byte(nil), data[:m]...),
				ecn:  t.ECN,
			})
			s.sentPkts.Add(1)
			data = data[m:]
		}
	}
	return n, nil
}

// Receive implements [qsock.Socket].
// It blocks until at least one datagram is queued or s is closed.
func (s *Socket) Receive(bufs [][]byte, meta []qsock.RecvMeta) (int, error) {
	s.recvCalls.Add(1)
	for {
		if errp := s.failWith.Swap(nil); errp != nil {
			return 0, *errp
		}

		s.mu.Lock()
		if len(s.queue) > 0 {
			n := min(len(bufs), len(meta), len(s.queue))
			for i := range n {
				p := s.queue[i]
				c := copy(bufs[i], p.data)
				meta[i] = qsock.RecvMeta{
					Addr:   p.from,
					Len:    c,
					Stride: c,
					ECN:    p.ecn,
				}
			}
			s.queue = s.queue[n:]
			s.mu.Unlock()
			return n, nil
		}
		if s.closed {
			s.mu.Unlock()
			return 0, net.ErrClosed
		}
		s.mu.Unlock()

		select {
		case <-s.ready:
		case <-s.closedCh:
		}
	}
}

// FailNext makes the next Send or Receive call return err.
// A blocked Receive is woken to observe it.
func (s *Socket) FailNext(err error) {
	s.failWith.Store(&err)
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// StallSends makes the next n Send calls accept nothing
// and return no error, like a socket whose buffer stays full.
func (s *Socket) StallSends(n int) {
	s.stalls.Store(int32(n))
}

// LimitSends caps how many transmits each Send accepts,
// forcing partial sends. Zero removes the cap.
func (s *Socket) LimitSends(n int) {
	s.sendLimit.Store(int32(n))
}

func takeOne(v *atomic.Int32) bool {
	for {
		n := v.Load()
		if n <= 0 {
			return false
		}
		if v.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// LocalAddr implements [qsock.Socket].
func (s *Socket) LocalAddr() net.Addr {
	return s.addr
}

// Capabilities implements [qsock.Socket].
func (s *Socket) Capabilities() qsock.Capabilities {
	return s.caps
}

// Close implements [qsock.Socket].
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.closedCh)

	s.net.mu.Lock()
	delete(s.net.sockets, s.addr.String())
	s.net.mu.Unlock()
	return nil
}

func (s *Socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SendCalls reports how many times Send was called.
func (s *Socket) SendCalls() int64 { return s.sendCalls.Load() }

// ReceiveCalls reports how many times Receive was called.
func (s *Socket) ReceiveCalls() int64 { return s.recvCalls.Load() }

// SentDatagrams reports how many datagrams s put on the network.
func (s *Socket) SentDatagrams() int64 { return s.sentPkts.Load() }
