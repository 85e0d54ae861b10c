package qsock

import (
	"fmt"
	"net"
	"sync"

	"github.com/gordian-engine/qdrive/qengine"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// batchConn is satisfied by both *ipv4.PacketConn and *ipv6.PacketConn;
// their Message types are the same underlying type.
type batchConn interface {
	ReadBatch(ms []ipv4.Message, flags int) (int, error)
	WriteBatch(ms []ipv4.Message, flags int) (int, error)
}

// oobSize fits every control message we enable on any platform.
const oobSize = 128

// UDPSocket is a [Socket] over a *net.UDPConn.
// On Linux it uses recvmmsg/sendmmsg, segmentation offload and ECN;
// elsewhere it degrades to one datagram per call.
type UDPSocket struct {
	conn *net.UDPConn
	bc   batchConn
	ipv6 bool

	caps Capabilities

	recvMu   sync.Mutex
	recvMsgs []ipv4.Message
	recvOOB  [][]byte

	sendMu   sync.Mutex
	sendMsgs []ipv4.Message
	sendIdx  []int
	sendOOB  []byte
}

var _ Socket = (*UDPSocket)(nil)

// ListenUDP binds a new UDP socket and wraps it with [NewUDPSocket].
func ListenUDP(network, addr string) (*UDPSocket, error) {
	ua, err := net.ResolveUDPAddr(network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %q: %w", addr, err)
	}
	c, err := net.ListenUDP(network, ua)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %q: %w", addr, err)
	}
	s, err := NewUDPSocket(c)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return s, nil
}

// NewUDPSocket wraps c. The UDPSocket takes ownership of c.
func NewUDPSocket(c *net.UDPConn) (*UDPSocket, error) {
	la, ok := c.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("unexpected local address type %T", c.LocalAddr())
	}
	isV6 := la.IP.To4() == nil

	s := &UDPSocket{
		conn: c,
		ipv6: isV6,
	}
	if isV6 {
		s.bc = ipv6.NewPacketConn(c)
	} else {
		s.bc = ipv4.NewPacketConn(c)
	}

	pc, err := setupPlatform(c, isV6)
	if err != nil {
		return nil, fmt.Errorf("failed to configure socket: %w", err)
	}
	s.caps = pc

	s.recvMsgs = make([]ipv4.Message, s.caps.BatchSize)
	s.recvOOB = make([][]byte, s.caps.BatchSize)
	for i := range s.recvMsgs {
		s.recvOOB[i] = make([]byte, oobSize)
		s.recvMsgs[i].Buffers = make([][]byte, 1)
	}
	s.sendMsgs = make([]ipv4.Message, 0, s.caps.BatchSize)
	s.sendOOB = make([]byte, 0, oobSize*s.caps.BatchSize)

	return s, nil
}

// Send implements [Socket].
func (s *UDPSocket) Send(ts []qengine.Transmit) (int, error) {
	if len(ts) == 0 {
		return 0, nil
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	// Build at most one batch worth of messages.
	// sendIdx maps each message back to its transmit,
	// because transmits are split when offload is unavailable.
	msgs := s.sendMsgs[:0]
	idx := s.sendIdx[:0]
	oob := s.sendOOB[:0]
	for i, t := range ts {
		parts := s.split(t)
		if len(msgs)+len(parts) > s.caps.BatchSize && len(msgs) > 0 {
			break
		}
		for _, p := range parts {
			start := len(oob)
			oob = appendSendOOB(oob, t, p, s.ipv6)
			msgs = append(msgs, ipv4.Message{
				Buffers: [][]byte{p.Contents},
				OOB:     oob[start:len(oob):len(oob)],
				Addr:    t.Destination,
			})
			idx = append(idx, i)
		}
	}
	s.sendMsgs, s.sendIdx, s.sendOOB = msgs, idx, oob

	// The kernel may take fewer messages than offered.
	// Keep going until the batch is out, so that a split transmit
	// is never reported as half sent.
	off := 0
	for off < len(msgs) {
		n, err := s.bc.WriteBatch(msgs[off:], 0)
		if n > 0 {
			off += n
		}
		if err != nil {
			return completedTransmits(idx, off), err
		}
		if n <= 0 {
			break
		}
	}
	return completedTransmits(idx, off), nil
}

// completedTransmits reports how many transmits were fully covered
// by the first n messages.
func completedTransmits(idx []int, n int) int {
	if n <= 0 {
		return 0
	}
	if n == len(idx) || idx[n] != idx[n-1] {
		return idx[n-1] + 1
	}
	return idx[n-1]
}

// split breaks t into wire datagrams the kernel can take in one message each.
func (s *UDPSocket) split(t qengine.Transmit) []qengine.Transmit {
	segs := t.Segments()
	if segs == 1 || segs <= s.caps.MaxGSOSegments {
		return []qengine.Transmit{t}
	}

	// More segments than offload allows: send one datagram per message.
	out := make([]qengine.Transmit, 0, segs)
	data := t.Contents
	for len(data) > 0 {
		n := min(t.SegmentSize, len(data))
		p := t
		p.Contents = data[:n]
		p.SegmentSize = 0
		out = append(out, p)
		data = data[n:]
	}
	return out
}

// Receive implements [Socket].
func (s *UDPSocket) Receive(bufs [][]byte, meta []RecvMeta) (int, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	n := min(len(bufs), len(meta), len(s.recvMsgs))
	msgs := s.recvMsgs[:n]
	for i := range msgs {
		msgs[i].Buffers[0] = bufs[i]
		msgs[i].OOB = s.recvOOB[i]
	}

	got, err := s.bc.ReadBatch(msgs, 0)
	if got <= 0 {
		return 0, err
	}

	for i := range got {
		m := msgs[i]
		meta[i] = RecvMeta{
			Addr:   m.Addr,
			Len:    m.N,
			Stride: m.N,
		}
		parseRecvOOB(m.OOB[:m.NN], &meta[i])
	}
	return got, nil
}

// LocalAddr implements [Socket].
func (s *UDPSocket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Capabilities implements [Socket].
func (s *UDPSocket) Capabilities() Capabilities {
	return s.caps
}

// Close implements [Socket].
func (s *UDPSocket) Close() error {
	return s.conn.Close()
}
