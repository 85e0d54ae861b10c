package qsock_test

import (
	"testing"

	"github.com/gordian-engine/qdrive/qengine"
	"github.com/gordian-engine/qdrive/qsock"
	"github.com/stretchr/testify/require"
)

func TestUDPSocket_roundTrip(t *testing.T) {
	t.Parallel()

	a, err := qsock.ListenUDP("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()

	b, err := qsock.ListenUDP("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	caps := a.Capabilities()
	require.GreaterOrEqual(t, caps.MaxGSOSegments, 1)
	require.GreaterOrEqual(t, caps.BatchSize, 1)

	ts := []qengine.Transmit{
		{Destination: b.LocalAddr(), Contents: []byte("one")},
		{Destination: b.LocalAddr(), Contents: []byte("two")},
		{Destination: b.LocalAddr(), Contents: []byte("three"), ECN: qengine.ECT0},
	}
	for len(ts) > 0 {
		n, err := a.Send(ts)
		require.NoError(t, err)
		require.Positive(t, n)
		ts = ts[n:]
	}

	bufs := make([][]byte, b.Capabilities().BatchSize)
	for i := range bufs {
		bufs[i] = make([]byte, qsock.MaxDatagramSize)
	}
	meta := make([]qsock.RecvMeta, len(bufs))

	var got []string
	for len(got) < 3 {
		n, err := b.Receive(bufs, meta)
		require.NoError(t, err)
		for i := range n {
			require.Equal(t, a.LocalAddr().String(), meta[i].Addr.String())
			qsock.Split(bufs[i], meta[i], func(d []byte) {
				got = append(got, string(d))
			})
		}
	}
	require.Equal(t, []string{"one", "two", "three"}, got)
}

func TestUDPSocket_splitsSegmentsWithoutOffload(t *testing.T) {
	t.Parallel()

	a, err := qsock.ListenUDP("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()

	b, err := qsock.ListenUDP("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	// More segments than any kernel allows in one GSO send,
	// so the socket has to fall back to one message per datagram.
	const segs = 70
	contents := make([]byte, 0, segs*10)
	for i := range segs {
		for range 10 {
			contents = append(contents, byte(i))
		}
	}
	ts := []qengine.Transmit{{
		Destination: b.LocalAddr(),
		Contents:    contents,
		SegmentSize: 10,
	}}

	for len(ts) > 0 {
		n, err := a.Send(ts)
		require.NoError(t, err)
		ts = ts[n:]
	}

	bufs := make([][]byte, b.Capabilities().BatchSize)
	for i := range bufs {
		bufs[i] = make([]byte, qsock.MaxDatagramSize)
	}
	meta := make([]qsock.RecvMeta, len(bufs))

	seen := 0
	for seen < segs {
		n, err := b.Receive(bufs, meta)
		require.NoError(t, err)
		for i := range n {
			qsock.Split(bufs[i], meta[i], func(d []byte) {
				require.Len(t, d, 10)
				require.Equal(t, byte(seen), d[0])
				seen++
			})
		}
	}
}

func TestSplit(t *testing.T) {
	t.Parallel()

	buf := []byte("aaabbbcc-ignored")

	var parts []string
	qsock.Split(buf, qsock.RecvMeta{Len: 8, Stride: 3}, func(d []byte) {
		parts = append(parts, string(d))
	})
	require.Equal(t, []string{"aaa", "bbb", "cc"}, parts)

	parts = nil
	qsock.Split(buf, qsock.RecvMeta{Len: 8, Stride: 8}, func(d []byte) {
		parts = append(parts, string(d))
	})
	require.Equal(t, []string{"aaabbbcc"}, parts)
}
