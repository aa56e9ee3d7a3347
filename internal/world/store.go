package world

import (
	"errors"
	"sync"
)

// ErrStateUnavailable is returned once the store has been closed for shutdown.
var ErrStateUnavailable = errors.New("world state unavailable")

// Store owns the single WorldState. Readers share access; Mutate is exclusive.
type Store struct {
	mu     sync.RWMutex
	state  *State
	closed bool
}

// NewStore takes ownership of initial; a nil initial starts an empty world.
func NewStore(initial *State) *Store {
	if initial == nil {
		initial = NewState()
	}
	return &Store{state: initial}
}

// Read runs fn against a read-only view under the shared lock.
func (s *Store) Read(fn func(View) error) error {
	if s == nil {
		return ErrStateUnavailable
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStateUnavailable
	}
	return fn(View{state: s.state})
}

// Mutate runs fn with exclusive access. No reader or writer runs concurrently.
func (s *Store) Mutate(fn func(*State) error) error {
	if s == nil {
		return ErrStateUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStateUnavailable
	}
	return fn(s.state)
}

// Tick returns the current tick counter.
func (s *Store) Tick() (uint64, error) {
	var tick uint64
	err := s.Read(func(v View) error {
		tick = v.Tick()
		return nil
	})
	return tick, err
}

// Snapshot deep-copies the current state.
func (s *Store) Snapshot() (*State, error) {
	var out *State
	err := s.Read(func(v View) error {
		out = v.state.Clone()
		return nil
	})
	return out, err
}

// Close waits for any in-flight Read or Mutate and rejects all later calls.
func (s *Store) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
