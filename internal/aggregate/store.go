package aggregate

import (
	"sync/atomic"
)

// Store publishes the current collection to concurrent readers. The writer
// builds a complete new collection and swaps the reference in one step, so a
// reader always observes a fully-built collection, never a partial one.
// There is exactly one writer (the aggregation pipeline).
type Store struct {
	current atomic.Pointer[Collection]
	changed chan struct{}
}

func NewStore() *Store {
	s := &Store{
		changed: make(chan struct{}, 1),
	}
	empty := Collection{}
	s.current.Store(&empty)
	return s
}

// Current returns the most recently published collection. Safe from any
// goroutine; the returned slice is never mutated after publication.
func (s *Store) Current() Collection {
	return *s.current.Load()
}

// Publish atomically replaces the visible collection and signals subscribers.
// The signal is coalescing: a subscriber that has not drained yet will see a
// single pending notification no matter how many publishes occurred.
func (s *Store) Publish(c Collection) {
	s.current.Store(&c)
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// Changed is the "collection changed" subscription point. Receive from it to
// learn that Current may have a new value.
func (s *Store) Changed() <-chan struct{} {
	return s.changed
}
