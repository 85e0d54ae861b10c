package qdrive

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eapache/queue"
	"github.com/gordian-engine/qdrive/internal/qtest"
	"github.com/gordian-engine/qdrive/qengine"
	"github.com/gordian-engine/qdrive/qengine/qenginetest"
	"github.com/gordian-engine/qdrive/qroute"
	"github.com/gordian-engine/qdrive/qsock"
	"github.com/gordian-engine/qdrive/qsock/qsocktest"
	"github.com/stretchr/testify/require"
)

func TestEndpoint_receiveYieldsAtBound(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := qsocktest.NewNetwork()
	n.Caps.BatchSize = 1
	sock := n.NewSocket()
	peer := n.NewSocket()

	// Short headers too small to hold a connection ID.
	for range 25 {
		sock.Inject(peer.LocalAddr(), []byte{0x40, 1, 2})
	}

	var yields atomic.Int32
	e, err := NewEndpoint(ctx, qtest.NewLogger(t), EndpointConfig{
		Socket:        sock,
		Router:        qroute.Invariants{ShortHeaderIDLen: 8},
		ServerFactory: qenginetest.NewFactory(),
		IOLoopBound:   10,
		onYield: func() {
			yields.Add(1)
		},
	})
	require.NoError(t, err)
	defer e.Close()

	require.Eventually(t, func() bool {
		return e.Stats().DroppedDatagrams == 25
	}, qtest.ScaleDuration, time.Millisecond)

	// The 26th receive call blocks; it must not add a yield.
	require.Eventually(t, func() bool {
		return sock.ReceiveCalls() == 26
	}, qtest.ScaleDuration, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, int32(2), yields.Load())
}

// queuedConn returns a bare connection holding n transmits to dst,
// tagged with name and their sequence number.
func queuedConn(name byte, n int, dst net.Addr) *Conn {
	c := &Conn{outbound: queue.New()}
	for i := range n {
		c.outbound.Add(qengine.Transmit{Destination: dst, Contents: []byte{name, byte(i)}})
	}
	return c
}

// collectSent reads want datagrams from s in the background.
func collectSent(s *qsocktest.Socket, want int) <-chan []string {
	out := make(chan []string, 1)
	go func() {
		var got []string
		for len(got) < want {
			bufs := [][]byte{make([]byte, 16)}
			meta := make([]qsock.RecvMeta, 1)
			if _, err := s.Receive(bufs, meta); err != nil {
				return
			}
			got = append(got, fmt.Sprintf("%c%d", bufs[0][0], bufs[0][1]))
		}
		out <- got
	}()
	return out
}

// newTransmitEndpoint starts an endpoint on sock whose yields are counted.
func newTransmitEndpoint(t *testing.T, ctx context.Context, sock *qsocktest.Socket, bound int) (*Endpoint, *atomic.Int32) {
	t.Helper()

	yields := new(atomic.Int32)
	e, err := NewEndpoint(ctx, qtest.NewLogger(t), EndpointConfig{
		Socket:        sock,
		Router:        qroute.Invariants{ShortHeaderIDLen: 8},
		ServerFactory: qenginetest.NewFactory(),
		IOLoopBound:   bound,
		onYield: func() {
			yields.Add(1)
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, yields
}

// schedule puts every conn in the ring at once, then wakes the transmit loop.
func (e *Endpoint) schedule(conns ...*Conn) {
	e.mu.Lock()
	for _, c := range conns {
		e.ring.Add(c)
	}
	e.mu.Unlock()

	select {
	case e.txReady <- struct{}{}:
	default:
	}
}

func TestEndpoint_transmitYieldsAtBound(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := qsocktest.NewNetwork()
	n.Caps.BatchSize = 4
	sock := n.NewSocket()
	peer := n.NewSocket()

	// Every Send accepts one of the four offered transmits,
	// so each batch needs three retries.
	sock.LimitSends(1)

	e, yields := newTransmitEndpoint(t, ctx, sock, 3)
	got := collectSent(peer, 12)
	e.schedule(
		queuedConn('a', 4, peer.LocalAddr()),
		queuedConn('b', 4, peer.LocalAddr()),
		queuedConn('c', 4, peer.LocalAddr()),
	)

	require.Equal(t, []string{
		"a0", "b0", "c0", "a1",
		"b1", "c1", "a2", "b2",
		"c2", "a3", "b3", "c3",
	}, qtest.ReceiveSoon(t, got))
	require.Equal(t, int64(12), sock.SendCalls())

	// One yield per three Send calls.
	require.Eventually(t, func() bool {
		return yields.Load() == 4
	}, qtest.ScaleDuration, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, int32(4), yields.Load())
}

func TestEndpoint_transmitYieldsWhenSocketMakesNoProgress(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := qsocktest.NewNetwork()
	sock := n.NewSocket()
	peer := n.NewSocket()
	sock.StallSends(2)

	e, yields := newTransmitEndpoint(t, ctx, sock, DefaultIOLoopBound)
	got := collectSent(peer, 2)
	e.schedule(queuedConn('a', 2, peer.LocalAddr()))

	require.Equal(t, []string{"a0", "a1"}, qtest.ReceiveSoon(t, got))
	require.Equal(t, int64(3), sock.SendCalls())
	require.Equal(t, int32(2), yields.Load())
}

func TestEndpointConfig_validate(t *testing.T) {
	t.Parallel()

	n := qsocktest.NewNetwork()
	valid := EndpointConfig{
		Socket:        n.NewSocket(),
		Router:        qroute.Invariants{ShortHeaderIDLen: 8},
		ServerFactory: qenginetest.NewFactory(),
	}
	log := qtest.NewLogger(t)

	require.NotPanics(t, func() { valid.validate(log) })

	for name, mutate := range map[string]func(*EndpointConfig){
		"no socket":          func(c *EndpointConfig) { c.Socket = nil },
		"no router":          func(c *EndpointConfig) { c.Router = nil },
		"no factories":       func(c *EndpointConfig) { c.ServerFactory = nil },
		"negative queue":     func(c *EndpointConfig) { c.AcceptQueueLimit = -1 },
		"negative bound":     func(c *EndpointConfig) { c.IOLoopBound = -1 },
		"negative retention": func(c *EndpointConfig) { c.RetiredIDLifetime = -time.Second },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			require.Panics(t, func() { cfg.validate(log) })
		})
	}
}

func TestEndpointConfig_withDefaults(t *testing.T) {
	t.Parallel()

	cfg := EndpointConfig{}.withDefaults()
	require.Equal(t, DefaultAcceptQueueLimit, cfg.AcceptQueueLimit)
	require.Equal(t, DefaultIOLoopBound, cfg.IOLoopBound)
	require.Equal(t, DefaultRetiredIDLifetime, cfg.RetiredIDLifetime)

	cfg = EndpointConfig{IOLoopBound: 3}.withDefaults()
	require.Equal(t, 3, cfg.IOLoopBound)
}
