package authsession

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Listener receives every committed snapshot in commit order. It runs on
// the committing goroutine while the store's write lock is held, so it must
// not call back into methods that mutate the session.
type Listener func(State)

type listenerEntry struct {
	id uint64
	fn Listener
}

// Store is the single mutable session snapshot.
type Store struct {
	writeMu sync.Mutex // serializes Update and delivery

	mu        sync.RWMutex
	state     State
	listeners []listenerEntry
	nextID    uint64

	observers []func(prev, next State)
	logger    zerolog.Logger
}

// NewStore seeds the store with initial.
func NewStore(initial State, logger zerolog.Logger) *Store {
	return &Store{
		state:  initial.normalize(),
		logger: logger,
	}
}

// Snapshot returns a detached copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Subscribe registers l and returns an idempotent unsubscribe function.
func (s *Store) Subscribe(l Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: l})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, e := range s.listeners {
				if e.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// observe registers a hook that sees every (prev, next) pair under the
// write lock, before the snapshot is published. Hooks must not call Update.
func (s *Store) observe(fn func(prev, next State)) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.observers = append(s.observers, fn)
}

// Update computes the next steps from the current state and commits them
// one by one. No other writer can interleave between the steps of a single
// Update. Returning no steps leaves the state untouched. The state after
// the last step is returned.
func (s *Store) Update(fn func(current State) []State) State {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	current := s.state
	s.mu.RUnlock()

	for _, step := range fn(current) {
		next := step.normalize()

		// Observers run before next is published.
		for _, obs := range s.observers {
			obs(current, next)
		}

		s.mu.Lock()
		s.state = next
		listeners := make([]listenerEntry, len(s.listeners))
		copy(listeners, s.listeners)
		s.mu.Unlock()

		for _, l := range listeners {
			s.deliver(l, next)
		}
		current = next
	}
	return current.clone()
}

func (s *Store) deliver(l listenerEntry, st State) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Err(fmt.Errorf("%v", r)).Uint64("listener", l.id).Msg("Session listener panicked")
		}
	}()
	l.fn(st.clone())
}
