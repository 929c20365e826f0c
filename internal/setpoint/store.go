package setpoint

import (
	"sync"

	"github.com/roman-kulish/offboard-control/internal/geometry"
)

// Default is the setpoint held before any observation is composed: hover two
// metres above the origin.
var Default = geometry.NewVector(0, 0, 2)

// Store holds the single current target position. It is safe for
// concurrent use; readers never observe a partially written vector.
type Store struct {
	mu      sync.RWMutex
	current geometry.Vector
}

// NewStore creates a Store primed with the initial setpoint
func NewStore(initial geometry.Vector) *Store {
	return &Store{current: initial}
}

// Set overwrites the current setpoint
func (s *Store) Set(v geometry.Vector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = v
}

// Get returns the current setpoint
func (s *Store) Get() geometry.Vector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}
