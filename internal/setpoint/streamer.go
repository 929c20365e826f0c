package setpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/roman-kulish/offboard-control/internal/geometry"
)

const (
	// DefaultRate is the setpoint publishing cadence in Hz
	DefaultRate = 20.0

	// MinRate is the floor below which the flight controller drops out of
	// offboard mode. Publishing rates must be strictly above it.
	MinRate = 2.0

	// DefaultWarmUpCount is the number of setpoints streamed before any mode
	// switch is attempted.
	DefaultWarmUpCount = 100
)

// ErrRateTooLow is returned when the configured rate does not exceed MinRate
var ErrRateTooLow = errors.New("setpoint rate must exceed 2Hz")

// Publisher sends a setpoint to the flight controller
type Publisher interface {
	PublishSetpoint(v geometry.Vector) error
}

// WithLogger sets the logger for the streamer
func WithLogger(logger *slog.Logger) func(*Streamer) {
	return func(s *Streamer) {
		s.logger = logger.With(slog.String("component", "setpoint"))
	}
}

// WithMetrics registers the streamer meters in the registry
func WithMetrics(registry metrics.Registry) func(*Streamer) {
	return func(s *Streamer) {
		s.published = metrics.NewRegisteredMeter("setpoint.published", registry)
		s.failures = metrics.NewRegisteredCounter("setpoint.failures", registry)
	}
}

// WithWarmUpCount sets the number of warm-up publications
func WithWarmUpCount(n int) func(*Streamer) {
	return func(s *Streamer) {
		s.warmUpCount = n
	}
}

// WithObserver registers a callback invoked with every published setpoint.
// It runs on the streaming goroutine and must not block.
func WithObserver(fn func(time.Time, geometry.Vector)) func(*Streamer) {
	return func(s *Streamer) {
		s.observers = append(s.observers, fn)
	}
}

// Streamer publishes the current setpoint at a fixed cadence regardless of
// how often the setpoint changes.
type Streamer struct {
	store     *Store
	publisher Publisher
	interval  time.Duration

	warmUpCount int
	observers   []func(time.Time, geometry.Vector)

	published metrics.Meter
	failures  metrics.Counter
	logger    *slog.Logger
}

// NewStreamer creates a Streamer publishing at rate Hz
func NewStreamer(store *Store, publisher Publisher, rate float64, options ...func(*Streamer)) (*Streamer, error) {
	if rate <= MinRate {
		return nil, fmt.Errorf("%w: %.1fHz given", ErrRateTooLow, rate)
	}

	s := Streamer{
		store:       store,
		publisher:   publisher,
		interval:    time.Duration(float64(time.Second) / rate),
		warmUpCount: DefaultWarmUpCount,
		published:   metrics.NewMeter(),
		failures:    metrics.NewCounter(),
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&s)
	}

	return &s, nil
}

// Interval returns the time between two publications
func (s *Streamer) Interval() time.Duration {
	return s.interval
}

// WarmUp publishes the current setpoint a fixed number of times at the
// streaming cadence, so that the flight controller has a stream of setpoints
// before a mode switch is requested. It returns early only when ctx is done.
func (s *Streamer) WarmUp(ctx context.Context) error {
	s.logger.Info("streaming warm-up setpoints", slog.Int("count", s.warmUpCount))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for i := 0; i < s.warmUpCount; i++ {
		s.publish()

		if i == s.warmUpCount-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	return nil
}

// Run publishes the current setpoint every tick until ctx is done
func (s *Streamer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.publish()
		}
	}
}

// Rate returns the one-minute moving average publishing rate in Hz
func (s *Streamer) Rate() float64 {
	return s.published.Rate1()
}

// Published returns the number of setpoints published so far
func (s *Streamer) Published() int64 {
	return s.published.Count()
}

func (s *Streamer) publish() {
	v := s.store.Get()

	if err := s.publisher.PublishSetpoint(v); err != nil {
		s.failures.Inc(1)
		s.logger.Warn(fmt.Sprintf("publishing setpoint: %s", err.Error()))
		return
	}

	s.published.Mark(1)

	now := time.Now()
	for _, fn := range s.observers {
		fn(now, v)
	}
}
