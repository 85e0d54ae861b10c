package qdrive

import (
	"time"

	"github.com/eapache/queue"
	"github.com/quic-go/quic-go"
)

// retiredSet remembers identifiers of drained connections for a while,
// so that late datagrams addressed to them are dropped
// instead of being mistaken for new connections.
//
// Entries expire in insertion order because every entry has the same lifetime.
type retiredSet struct {
	lifetime time.Duration

	// FIFO of retiredEntry values.
	fifo *queue.Queue

	// The latest expiry for each identifier.
	until map[quic.ConnectionID]time.Time
}

type retiredEntry struct {
	id    quic.ConnectionID
	until time.Time
}

func newRetiredSet(lifetime time.Duration) *retiredSet {
	return &retiredSet{
		lifetime: lifetime,
		fifo:     queue.New(),
		until:    make(map[quic.ConnectionID]time.Time),
	}
}

func (s *retiredSet) Add(id quic.ConnectionID, now time.Time) {
	s.Expire(now)

	until := now.Add(s.lifetime)
	s.until[id] = until
	s.fifo.Add(retiredEntry{id: id, until: until})
}

func (s *retiredSet) Contains(id quic.ConnectionID, now time.Time) bool {
	s.Expire(now)
	_, ok := s.until[id]
	return ok
}

// Expire forgets identifiers whose lifetime ended at or before now.
func (s *retiredSet) Expire(now time.Time) {
	for s.fifo.Length() > 0 {
		e := s.fifo.Peek().(retiredEntry)
		if now.Before(e.until) {
			return
		}
		s.fifo.Remove()

		// The identifier may have been retired again since.
		if s.until[e.id].Equal(e.until) {
			delete(s.until, e.id)
		}
	}
}

func (s *retiredSet) Len() int {
	return len(s.until)
}
