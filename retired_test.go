package qdrive

import (
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"
)

func TestRetiredSet_expires(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_000_000, 0)
	s := newRetiredSet(time.Minute)

	a := quic.ConnectionIDFromBytes([]byte{1, 2, 3, 4})
	b := quic.ConnectionIDFromBytes([]byte{5, 6, 7, 8})

	s.Add(a, now)
	s.Add(b, now.Add(30*time.Second))
	require.True(t, s.Contains(a, now.Add(59*time.Second)))
	require.Equal(t, 2, s.Len())

	require.False(t, s.Contains(a, now.Add(time.Minute)))
	require.True(t, s.Contains(b, now.Add(time.Minute)))
	require.Equal(t, 1, s.Len())

	require.False(t, s.Contains(b, now.Add(90*time.Second)))
	require.Zero(t, s.Len())
}

func TestRetiredSet_readdExtendsLifetime(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_000_000, 0)
	s := newRetiredSet(time.Minute)
	id := quic.ConnectionIDFromBytes([]byte{9, 9})

	s.Add(id, now)
	s.Add(id, now.Add(45*time.Second))

	// The first entry expiring must not forget the second.
	require.True(t, s.Contains(id, now.Add(time.Minute)))
	require.False(t, s.Contains(id, now.Add(105*time.Second)))
}
