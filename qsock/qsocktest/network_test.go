package qsocktest_test

import (
	"errors"
	"net"
	"testing"

	"github.com/gordian-engine/qdrive/internal/qtest"
	"github.com/gordian-engine/qdrive/qengine"
	"github.com/gordian-engine/qdrive/qsock"
	"github.com/gordian-engine/qdrive/qsock/qsocktest"
	"github.com/stretchr/testify/require"
)

func TestSocket_deliversSegmentsInOrder(t *testing.T) {
	t.Parallel()

	n := qsocktest.NewNetwork()
	a, b := n.NewSocket(), n.NewSocket()

	sent, err := a.Send([]qengine.Transmit{
		{Destination: b.LocalAddr(), Contents: []byte("aabbc"), SegmentSize: 2},
	})
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	require.Equal(t, int64(3), a.SentDatagrams())

	bufs := [][]byte{make([]byte, 10), make([]byte, 10), make([]byte, 10), make([]byte, 10)}
	meta := make([]qsock.RecvMeta, len(bufs))

	got, err := b.Receive(bufs, meta)
	require.NoError(t, err)
	require.Equal(t, 3, got)
	require.Equal(t, "aa", string(bufs[0][:meta[0].Len]))
	require.Equal(t, "bb", string(bufs[1][:meta[1].Len]))
	require.Equal(t, "c", string(bufs[2][:meta[2].Len]))
	require.Equal(t, a.LocalAddr(), meta[0].Addr)
}

func TestSocket_partialSendRespectsBatchSize(t *testing.T) {
	t.Parallel()

	n := qsocktest.NewNetwork()
	n.Caps.BatchSize = 2
	a, b := n.NewSocket(), n.NewSocket()

	ts := make([]qengine.Transmit, 5)
	for i := range ts {
		ts[i] = qengine.Transmit{Destination: b.LocalAddr(), Contents: []byte{byte(i)}}
	}
	sent, err := a.Send(ts)
	require.NoError(t, err)
	require.Equal(t, 2, sent)
}

func TestSocket_receiveUnblocksOnClose(t *testing.T) {
	t.Parallel()

	s := qsocktest.NewNetwork().NewSocket()

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Receive([][]byte{make([]byte, 10)}, make([]qsock.RecvMeta, 1))
		errCh <- err
	}()

	qtest.NotSending(t, errCh)
	require.NoError(t, s.Close())
	require.ErrorIs(t, qtest.ReceiveSoon(t, errCh), net.ErrClosed)
}

func TestSocket_failNext(t *testing.T) {
	t.Parallel()

	s := qsocktest.NewNetwork().NewSocket()
	boom := errors.New("boom")

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Receive([][]byte{make([]byte, 10)}, make([]qsock.RecvMeta, 1))
		errCh <- err
	}()

	s.FailNext(boom)
	require.ErrorIs(t, qtest.ReceiveSoon(t, errCh), boom)
}

func TestNetwork_filterDrops(t *testing.T) {
	t.Parallel()

	n := qsocktest.NewNetwork()
	a, b := n.NewSocket(), n.NewSocket()
	n.SetFilter(func(_, _ net.Addr, p []byte) bool {
		return p[0] != 'x'
	})

	_, err := a.Send([]qengine.Transmit{
		{Destination: b.LocalAddr(), Contents: []byte("x")},
		{Destination: b.LocalAddr(), Contents: []byte("y")},
	})
	require.NoError(t, err)

	bufs := [][]byte{make([]byte, 10), make([]byte, 10)}
	meta := make([]qsock.RecvMeta, 2)
	got, err := b.Receive(bufs, meta)
	require.NoError(t, err)
	require.Equal(t, 1, got)
	require.Equal(t, "y", string(bufs[0][:meta[0].Len]))
}

func TestSocket_stallAndLimitSends(t *testing.T) {
	t.Parallel()

	n := qsocktest.NewNetwork()
	n.Caps.BatchSize = 8
	a, b := n.NewSocket(), n.NewSocket()

	ts := make([]qengine.Transmit, 5)
	for i := range ts {
		ts[i] = qengine.Transmit{Destination: b.LocalAddr(), Contents: []byte{byte(i)}}
	}

	a.StallSends(2)
	for range 2 {
		sent, err := a.Send(ts)
		require.NoError(t, err)
		require.Zero(t, sent)
	}

	a.LimitSends(3)
	sent, err := a.Send(ts)
	require.NoError(t, err)
	require.Equal(t, 3, sent)

	a.LimitSends(0)
	sent, err = a.Send(ts)
	require.NoError(t, err)
	require.Equal(t, 5, sent)

	require.Equal(t, int64(8), a.SentDatagrams())
}
