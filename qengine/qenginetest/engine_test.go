package qenginetest_test

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/gordian-engine/qdrive/internal/qtest"
	"github.com/gordian-engine/qdrive/qengine"
	"github.com/gordian-engine/qdrive/qengine/qenginetest"
	"github.com/gordian-engine/qdrive/qroute"
	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"
)

var (
	clientAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1111}
	serverAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2222}
)

// pair is a client and server engine joined by a perfect wire.
type pair struct {
	t *testing.T

	now time.Time

	client, server qengine.Engine

	// Every datagram that crossed the wire, for inspection.
	wire [][]byte
}

func newPair(t *testing.T, clientCfg, serverCfg qenginetest.Config) *pair {
	t.Helper()

	p := &pair{t: t, now: time.Unix(1_000_000, 0)}

	var err error
	p.client, err = qenginetest.Factory{Config: clientCfg}.NewClient(p.now, serverAddr, "server")
	require.NoError(t, err)

	first, ok := p.client.PollTransmit(p.now, 1)
	require.True(t, ok)
	d := qengine.Datagram{Remote: clientAddr, Data: first.Contents, Received: p.now}
	p.wire = append(p.wire, first.Contents)

	p.server, err = qenginetest.Factory{Config: serverCfg}.NewServer(p.now, d)
	require.NoError(t, err)
	p.server.HandleDatagram(p.now, d)
	p.pump()

	return p
}

// pump moves datagrams in both directions until both engines are quiet.
func (p *pair) pump() {
	p.t.Helper()
	for range 1000 {
		moved := p.move(p.client, p.server, clientAddr)
		moved = p.move(p.server, p.client, serverAddr) || moved
		if !moved {
			return
		}
	}
	p.t.Fatal("engines never went quiet")
}

func (p *pair) move(from, to qengine.Engine, src net.Addr) bool {
	moved := false
	for {
		tx, ok := from.PollTransmit(p.now, 4)
		if !ok {
			return moved
		}
		moved = true

		data := tx.Contents
		seg := tx.SegmentSize
		if seg == 0 {
			seg = len(data)
		}
		for len(data) > 0 {
			n := min(seg, len(data))
			p.wire = append(p.wire, data[:n])
			to.HandleDatagram(p.now, qengine.Datagram{Remote: src, Data: data[:n], Received: p.now})
			data = data[n:]
		}
	}
}

func (p *pair) advance(d time.Duration) {
	p.now = p.now.Add(d)
	for _, e := range []qengine.Engine{p.client, p.server} {
		if deadline, ok := e.PollTimeout(); ok && !p.now.Before(deadline) {
			e.HandleTimeout(p.now)
		}
	}
}

func events(e qengine.Engine) []qengine.Event {
	var out []qengine.Event
	for {
		ev, ok := e.PollEvent()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func kinds(evs []qengine.Event) []qengine.EventKind {
	out := make([]qengine.EventKind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

func endpointEvents(e qengine.Engine) []qengine.EndpointEvent {
	var out []qengine.EndpointEvent
	for {
		ev, ok := e.PollEndpointEvent()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func readAll(t *testing.T, e qengine.Engine, id qengine.StreamID) ([]byte, error) {
	t.Helper()
	var buf []byte
	for {
		c, err := e.Read(id, 0)
		if err != nil {
			return buf, err
		}
		buf = append(buf, c.Data...)
	}
}

func TestEngine_handshake(t *testing.T) {
	t.Parallel()

	cfg := qenginetest.DefaultConfig()
	p := newPair(t, cfg, cfg)

	want := []qengine.EventKind{
		qengine.HandshakeConfirmed, qengine.StreamsAvailable, qengine.StreamsAvailable,
	}
	require.Equal(t, want, kinds(events(p.client)))
	require.Equal(t, want, kinds(events(p.server)))

	// Each side issued exactly one ID.
	cev := endpointEvents(p.client)
	require.Len(t, cev, 1)
	require.Equal(t, qengine.IssueID, cev[0].Kind)
	require.Equal(t, cfg.IDLen, cev[0].ID.Len())

	sev := endpointEvents(p.server)
	require.Len(t, sev, 1)
	require.Equal(t, qengine.IssueID, sev[0].Kind)

	require.Equal(t, qengine.Client, p.client.Side())
	require.Equal(t, qengine.Server, p.server.Side())
}

func TestEngine_datagramsRouteLikeQUIC(t *testing.T) {
	t.Parallel()

	cfg := qenginetest.DefaultConfig()
	p := newPair(t, cfg, cfg)

	r := qroute.Invariants{ShortHeaderIDLen: cfg.IDLen}

	// First flight: a padded initial.
	require.GreaterOrEqual(t, len(p.wire[0]), 1200)
	route, err := r.Route(p.wire[0])
	require.NoError(t, err)
	require.True(t, route.Initial)

	// Server's reply: long header, not initial, addressed to the client's issued ID.
	route, err = r.Route(p.wire[1])
	require.NoError(t, err)
	require.False(t, route.Initial)
	require.Equal(t, p.client.(*qenginetest.Engine).LocalID(), route.ID)

	// Established traffic uses short headers.
	id, err := p.client.OpenStream(qengine.Uni)
	require.NoError(t, err)
	_, err = p.client.Write(id, []byte("hi"))
	require.NoError(t, err)
	p.pump()

	route, err = r.Route(p.wire[len(p.wire)-1])
	require.NoError(t, err)
	require.False(t, route.Initial)
	require.Equal(t, p.server.(*qenginetest.Engine).LocalID(), route.ID)
}

func TestEngine_openBlockedDuringHandshake(t *testing.T) {
	t.Parallel()

	c, err := qenginetest.NewFactory().NewClient(time.Now(), serverAddr, "")
	require.NoError(t, err)

	_, err = c.OpenStream(qengine.Bi)
	require.ErrorIs(t, err, qengine.ErrBlocked)
}

func TestEngine_flowControlAcrossWindows(t *testing.T) {
	t.Parallel()

	cfg := qenginetest.DefaultConfig()
	p := newPair(t, cfg, cfg)
	_ = events(p.server)

	id, err := p.client.OpenStream(qengine.Bi)
	require.NoError(t, err)
	require.Equal(t, qengine.Client, id.Initiator())

	// Larger than one datagram and several windows.
	msg := qtest.RandomDataForTest(t, 5*int(cfg.InitialStreamWindow)/2)
	var got []byte
	sent := 0
	for sent < len(msg) {
		n, err := p.client.Write(id, msg[sent:])
		if errors.Is(err, qengine.ErrBlocked) {
			p.pump()
			part, err := readAll(t, p.server, id)
			require.ErrorIs(t, err, qengine.ErrBlocked)
			got = append(got, part...)
			p.pump()
			continue
		}
		require.NoError(t, err)
		sent += n
	}
	require.NoError(t, p.client.Finish(id))
	p.pump()

	part, err := readAll(t, p.server, id)
	require.ErrorIs(t, err, io.EOF)
	got = append(got, part...)
	require.True(t, bytes.Equal(msg, got))

	evs := events(p.server)
	require.Equal(t, qengine.StreamOpened, evs[0].Kind)
	require.Equal(t, qengine.Bi, evs[0].Dir)
	require.Contains(t, kinds(evs), qengine.StreamReadable)

	accepted, err := p.server.AcceptStream(qengine.Bi)
	require.NoError(t, err)
	require.Equal(t, id, accepted)
	_, err = p.server.AcceptStream(qengine.Bi)
	require.ErrorIs(t, err, qengine.ErrBlocked)
}

func TestEngine_streamDataArrivesInOrder(t *testing.T) {
	t.Parallel()

	cfg := qenginetest.DefaultConfig()
	p := newPair(t, cfg, cfg)

	id, err := p.client.OpenStream(qengine.Uni)
	require.NoError(t, err)

	msg := qtest.RandomDataForTest(t, 10_000)
	n, err := p.client.Write(id, msg)
	require.NoError(t, err)
	require.Equal(t, len(msg), n)
	require.NoError(t, p.client.Finish(id))
	p.pump()

	got, err := p.server.AcceptStream(qengine.Uni)
	require.NoError(t, err)
	require.Equal(t, id, got)

	data, err := readAll(t, p.server, id)
	require.ErrorIs(t, err, io.EOF)
	require.True(t, bytes.Equal(msg, data))

	// Writes after finishing are rejected.
	_, err = p.client.Write(id, []byte("x"))
	require.ErrorIs(t, err, qengine.ErrStreamClosed)
}

func TestEngine_zeroWindowWaitsForReader(t *testing.T) {
	t.Parallel()

	clientCfg := qenginetest.DefaultConfig()
	serverCfg := qenginetest.DefaultConfig()
	serverCfg.InitialStreamWindow = 0
	serverCfg.StreamWindow = 4

	p := newPair(t, clientCfg, serverCfg)
	_ = events(p.client)

	id, err := p.client.OpenStream(qengine.Uni)
	require.NoError(t, err)

	_, err = p.client.Write(id, []byte("abcdef"))
	require.ErrorIs(t, err, qengine.ErrBlocked)
	p.pump()

	// The stream was announced even though no data could go out.
	got, err := p.server.AcceptStream(qengine.Uni)
	require.NoError(t, err)
	require.Equal(t, id, got)

	// A blocked read grants credit.
	_, err = p.server.Read(id, 0)
	require.ErrorIs(t, err, qengine.ErrBlocked)
	p.pump()

	require.Contains(t, events(p.client), qengine.Event{Kind: qengine.StreamWritable, Stream: id})

	n, err := p.client.Write(id, []byte("abcdef"))
	require.NoError(t, err)
	require.Equal(t, 4, n)
	p.pump()

	c, err := p.server.Read(id, 0)
	require.NoError(t, err)
	require.Equal(t, "abcd", string(c.Data))
	require.Zero(t, c.Offset)
}

func TestEngine_stopSending(t *testing.T) {
	t.Parallel()

	cfg := qenginetest.DefaultConfig()
	p := newPair(t, cfg, cfg)
	_ = events(p.client)

	id, err := p.client.OpenStream(qengine.Uni)
	require.NoError(t, err)
	_, err = p.client.Write(id, []byte("hello"))
	require.NoError(t, err)
	p.pump()

	_, err = p.server.AcceptStream(qengine.Uni)
	require.NoError(t, err)
	require.NoError(t, p.server.Stop(id, 7))
	p.pump()

	require.Equal(t, []qengine.Event{
		{Kind: qengine.StreamStopped, Stream: id, Code: 7},
		{Kind: qengine.StreamWritable, Stream: id},
	}, events(p.client))

	_, err = p.client.Write(id, []byte("more"))
	var stopped *qengine.StreamStoppedError
	require.ErrorAs(t, err, &stopped)
	require.Equal(t, uint64(7), stopped.Code)

	_, err = p.server.Read(id, 0)
	require.ErrorIs(t, err, qengine.ErrStreamClosed)
}

func TestEngine_reset(t *testing.T) {
	t.Parallel()

	cfg := qenginetest.DefaultConfig()
	p := newPair(t, cfg, cfg)

	id, err := p.client.OpenStream(qengine.Uni)
	require.NoError(t, err)
	_, err = p.client.Write(id, []byte("hello"))
	require.NoError(t, err)
	p.pump()
	require.NoError(t, p.client.Reset(id, 9))
	p.pump()

	_, err = p.server.Read(id, 0)
	var reset *qengine.StreamResetError
	require.ErrorAs(t, err, &reset)
	require.Equal(t, uint64(9), reset.Code)
}

func TestEngine_closePropagatesApplicationError(t *testing.T) {
	t.Parallel()

	cfg := qenginetest.DefaultConfig()
	p := newPair(t, cfg, cfg)
	_ = events(p.client)
	_ = events(p.server)
	_ = endpointEvents(p.client)
	_ = endpointEvents(p.server)

	p.client.Close(p.now, 42, []byte("bye"))
	p.pump()

	cev := events(p.client)
	require.Len(t, cev, 1)
	var local *quic.ApplicationError
	require.ErrorAs(t, cev[0].Err, &local)
	require.False(t, local.Remote)

	sev := events(p.server)
	require.Len(t, sev, 1)
	require.Equal(t, qengine.ConnectionLost, sev[0].Kind)
	var remote *quic.ApplicationError
	require.ErrorAs(t, sev[0].Err, &remote)
	require.True(t, remote.Remote)
	require.Equal(t, quic.ApplicationErrorCode(42), remote.ErrorCode)
	require.Equal(t, "bye", remote.ErrorMessage)

	// Stream operations fail once closed.
	_, err := p.server.OpenStream(qengine.Bi)
	require.ErrorIs(t, err, qengine.ErrConnectionClosed)

	// Both sides drain after the drain timeout.
	require.Empty(t, endpointEvents(p.client))
	p.advance(cfg.DrainTimeout)
	require.Equal(t, []qengine.EndpointEvent{{Kind: qengine.Drained}}, endpointEvents(p.client))
	require.Equal(t, []qengine.EndpointEvent{{Kind: qengine.Drained}}, endpointEvents(p.server))

	_, ok := p.client.PollTimeout()
	require.False(t, ok)
	_, ok = p.client.PollTransmit(p.now, 1)
	require.False(t, ok)
}

func TestEngine_idleTimeout(t *testing.T) {
	t.Parallel()

	cfg := qenginetest.DefaultConfig()
	cfg.IdleTimeout = time.Second
	p := newPair(t, cfg, cfg)
	_ = events(p.client)
	_ = endpointEvents(p.client)

	deadline, ok := p.client.PollTimeout()
	require.True(t, ok)
	require.Equal(t, p.now.Add(time.Second), deadline)

	p.advance(time.Second)

	evs := events(p.client)
	require.Len(t, evs, 1)
	var idle *quic.IdleTimeoutError
	require.ErrorAs(t, evs[0].Err, &idle)
	require.Equal(t, []qengine.EndpointEvent{{Kind: qengine.Drained}}, endpointEvents(p.client))
}

func TestEngine_handshakeTimeout(t *testing.T) {
	t.Parallel()

	cfg := qenginetest.DefaultConfig()
	now := time.Now()
	c, err := qenginetest.Factory{Config: cfg}.NewClient(now, serverAddr, "")
	require.NoError(t, err)

	deadline, ok := c.PollTimeout()
	require.True(t, ok)
	c.HandleTimeout(deadline)

	ev, ok := c.PollEvent()
	require.True(t, ok)
	var hs *quic.HandshakeTimeoutError
	require.ErrorAs(t, ev.Err, &hs)
}

func TestEngine_coalescesSegments(t *testing.T) {
	t.Parallel()

	cfg := qenginetest.DefaultConfig()
	p := newPair(t, cfg, cfg)

	id, err := p.client.OpenStream(qengine.Uni)
	require.NoError(t, err)
	_, err = p.client.Write(id, qtest.RandomDataForTest(t, 3*cfg.MaxDatagramSize))
	require.NoError(t, err)

	tx, ok := p.client.PollTransmit(p.now, 2)
	require.True(t, ok)
	require.Equal(t, cfg.MaxDatagramSize, tx.SegmentSize)
	require.Equal(t, 2, tx.Segments())
	require.Greater(t, len(tx.Contents), cfg.MaxDatagramSize)

	// Without offload, one datagram per transmit.
	tx, ok = p.client.PollTransmit(p.now, 1)
	require.True(t, ok)
	require.Zero(t, tx.SegmentSize)
	require.LessOrEqual(t, len(tx.Contents), cfg.MaxDatagramSize)
}

func TestEngine_pathChange(t *testing.T) {
	t.Parallel()

	cfg := qenginetest.DefaultConfig()
	p := newPair(t, cfg, cfg)
	_ = events(p.server)

	id, err := p.client.OpenStream(qengine.Uni)
	require.NoError(t, err)
	_, err = p.client.Write(id, []byte("moved"))
	require.NoError(t, err)

	tx, ok := p.client.PollTransmit(p.now, 1)
	require.True(t, ok)

	moved := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 3333}
	p.server.HandleDatagram(p.now, qengine.Datagram{Remote: moved, Data: tx.Contents})

	require.Equal(t, qengine.PathValidated, events(p.server)[0].Kind)
	require.Equal(t, moved.String(), p.server.RemoteAddr().String())
}

func TestEngine_malformedFramesCloseConnection(t *testing.T) {
	t.Parallel()

	cfg := qenginetest.DefaultConfig()
	p := newPair(t, cfg, cfg)
	_ = events(p.server)

	// A short header to the server followed by an unknown frame type.
	b := append([]byte{0x40}, p.server.(*qenginetest.Engine).LocalID().Bytes()...)
	b = append(b, 0x3f)
	p.server.HandleDatagram(p.now, qengine.Datagram{Remote: clientAddr, Data: b})

	evs := events(p.server)
	require.Len(t, evs, 1)
	var terr *quic.TransportError
	require.ErrorAs(t, evs[0].Err, &terr)
	require.Equal(t, quic.ProtocolViolation, terr.ErrorCode)

	// The peer learns about it.
	p.pump()
	cev := events(p.client)
	require.NotEmpty(t, cev)
	lost := cev[len(cev)-1]
	require.Equal(t, qengine.ConnectionLost, lost.Kind)
	require.ErrorAs(t, lost.Err, &terr)
	require.True(t, terr.Remote)
}

func TestEngine_datagrams(t *testing.T) {
	t.Parallel()

	cfg := qenginetest.DefaultConfig()
	p := newPair(t, cfg, cfg)
	_ = events(p.server)

	for i := range 3 {
		require.NoError(t, p.client.SendDatagram([]byte{byte(i)}))
	}
	p.pump()

	require.Equal(t, []qengine.EventKind{
		qengine.DatagramReceived, qengine.DatagramReceived, qengine.DatagramReceived,
	}, kinds(events(p.server)))
	for i := range 3 {
		d, ok := p.server.PollDatagram()
		require.True(t, ok)
		require.Equal(t, []byte{byte(i)}, d)
	}
	_, ok := p.server.PollDatagram()
	require.False(t, ok)

	// The largest payload still fits in one packet.
	limit := p.client.(*qenginetest.Engine).MaxDatagramPayload()
	require.NoError(t, p.client.SendDatagram(make([]byte, limit)))
	require.ErrorIs(t, p.client.SendDatagram(make([]byte, limit+1)), qengine.ErrDatagramTooLarge)
	p.pump()
	d, ok := p.server.PollDatagram()
	require.True(t, ok)
	require.Len(t, d, limit)
}

func TestEngine_datagramQueuesDropOldest(t *testing.T) {
	t.Parallel()

	clientCfg := qenginetest.DefaultConfig()
	clientCfg.DatagramQueueLen = 8
	serverCfg := qenginetest.DefaultConfig()
	serverCfg.DatagramQueueLen = 3
	p := newPair(t, clientCfg, serverCfg)

	for i := range 10 {
		require.NoError(t, p.client.SendDatagram([]byte{byte(i)}))
	}
	p.pump()

	// The client kept 2 through 9; the server kept the last three of those.
	var got []byte
	for {
		d, ok := p.server.PollDatagram()
		if !ok {
			break
		}
		got = append(got, d...)
	}
	require.Equal(t, []byte{7, 8, 9}, got)
}

func TestEngine_datagramsDisabled(t *testing.T) {
	t.Parallel()

	clientCfg := qenginetest.DefaultConfig()
	serverCfg := qenginetest.DefaultConfig()
	serverCfg.DatagramQueueLen = 0
	p := newPair(t, clientCfg, serverCfg)
	_ = events(p.server)

	require.ErrorIs(t, p.server.SendDatagram([]byte("x")), qengine.ErrDatagramsDisabled)

	// Datagrams to a disabled peer are ignored.
	require.NoError(t, p.client.SendDatagram([]byte("x")))
	p.pump()
	require.Empty(t, events(p.server))
	_, ok := p.server.PollDatagram()
	require.False(t, ok)
}

func TestEngine_datagramsAfterClose(t *testing.T) {
	t.Parallel()

	cfg := qenginetest.DefaultConfig()
	p := newPair(t, cfg, cfg)

	require.NoError(t, p.client.SendDatagram([]byte("lost")))
	p.client.Close(p.now, 0, nil)
	require.ErrorIs(t, p.client.SendDatagram([]byte("x")), qengine.ErrConnectionClosed)

	// The queued datagram was dropped with the rest of the pending data.
	p.pump()
	_, ok := p.server.PollDatagram()
	require.False(t, ok)
}
