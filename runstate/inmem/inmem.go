// Package inmem provides an in-memory implementation of runstate.Slot for
// tests and single-process tooling. Values do not survive a restart, which
// is acceptable for the run-id slot: a lost slot only means an in-flight run
// goes undetected after reload.
package inmem

import (
	"context"
	"sync"
)

// Slot implements runstate.Slot in memory. All operations are thread-safe
// and never fail (the error returns exist only to satisfy the interface).
type Slot struct {
	mu     sync.RWMutex
	values map[string]string
}

// New constructs an empty Slot.
func New() *Slot {
	return &Slot{values: make(map[string]string)}
}

// Get returns the stored value for key, or "" when absent.
func (s *Slot) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key], nil
}

// Set stores value under key.
func (s *Slot) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// Clear removes key.
func (s *Slot) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}
