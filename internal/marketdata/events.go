package marketdata

import "sync"

// Update is emitted for every applied tick: the field key with its new and
// previous value (nil when the field was unset).
type Update struct {
	Key      string
	NewValue any
	OldValue any
}

type listener[T any] struct {
	id int
	fn func(T)
}

// listenerSet is an ordered set of callbacks. emit calls them in registration
// order on the caller's goroutine.
type listenerSet[T any] struct {
	mu      sync.RWMutex
	seq     int
	entries []listener[T]
}

func (s *listenerSet[T]) add(fn func(T)) (remove func()) {
	s.mu.Lock()
	s.seq++
	id := s.seq
	s.entries = append(s.entries, listener[T]{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.entries {
			if l.id == id {
				s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
				return
			}
		}
	}
}

func (s *listenerSet[T]) emit(v T) {
	s.mu.RLock()
	entries := s.entries
	s.mu.RUnlock()

	for _, l := range entries {
		l.fn(v)
	}
}
