package telemetry

import (
	"sync/atomic"
	"time"
)

// Provider gives access to the latest value of a telemetry stream
type Provider[T any] interface {
	Current() T
}

type sample[T any] struct {
	value     T
	updatedAt time.Time
}

// Tracker keeps the latest value of a telemetry stream. Updates replace the
// value atomically, readers always observe a complete value. No history is
// retained.
type Tracker[T any] struct {
	latest atomic.Pointer[sample[T]]
}

// NewTracker creates an empty Tracker; Current returns the zero value of T
// until the first update.
func NewTracker[T any]() *Tracker[T] {
	return &Tracker[T]{}
}

// Update replaces the current value
func (t *Tracker[T]) Update(v T) {
	t.latest.Store(&sample[T]{value: v, updatedAt: time.Now()})
}

// Swap replaces the current value and returns the previous one. The boolean
// is false when no value had been stored before.
func (t *Tracker[T]) Swap(v T) (T, bool) {
	prev := t.latest.Swap(&sample[T]{value: v, updatedAt: time.Now()})
	if prev == nil {
		var zero T
		return zero, false
	}
	return prev.value, true
}

// Current returns the latest value
func (t *Tracker[T]) Current() T {
	s := t.latest.Load()
	if s == nil {
		var zero T
		return zero
	}
	return s.value
}

// Updated returns the time of the latest update and false if there was none
func (t *Tracker[T]) Updated() (time.Time, bool) {
	s := t.latest.Load()
	if s == nil {
		return time.Time{}, false
	}
	return s.updatedAt, true
}
