package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/roman-kulish/offboard-control/internal/telemetry"
)

// reportInterval is how often a still-waiting gate logs progress
const reportInterval = 5 * time.Second

// ErrNotConnected is the cause attached to the context error when the gate is
// left without a live link.
var ErrNotConnected = errors.New("flight controller not connected")

// WithLogger sets the logger for the gate
func WithLogger(logger *slog.Logger) func(*Gate) {
	return func(g *Gate) {
		g.logger = logger.With(slog.String("component", "link"))
	}
}

// Gate blocks startup until the flight controller reports a live link.
type Gate struct {
	tick   time.Duration
	logger *slog.Logger
}

// NewGate creates a Gate polling once per tick
func NewGate(tick time.Duration, options ...func(*Gate)) *Gate {
	g := Gate{
		tick:   tick,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&g)
	}

	return &g
}

// AwaitConnection polls the controller state once per tick until it reports
// a connection. There is no timeout: a vehicle without a link must never
// start streaming setpoints or arming. The context only carries process
// shutdown.
func (g *Gate) AwaitConnection(ctx context.Context, poll func() telemetry.ControllerState) error {
	if poll().Connected {
		return nil
	}

	ticker := time.NewTicker(g.tick)
	defer ticker.Stop()

	start := time.Now()
	lastReport := start

	g.logger.Info("waiting for flight controller connection")

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrNotConnected, ctx.Err())

		case now := <-ticker.C:
			if poll().Connected {
				g.logger.Info("flight controller connected",
					slog.String("waited", humanize.RelTime(start, now, "", "")))
				return nil
			}

			if now.Sub(lastReport) >= reportInterval {
				lastReport = now
				g.logger.Info("still waiting for flight controller connection",
					slog.String("since", humanize.RelTime(start, now, "ago", "")))
			}
		}
	}
}

// AwaitConnection is the functional form of Gate.AwaitConnection
func AwaitConnection(ctx context.Context, poll func() telemetry.ControllerState, tick time.Duration) error {
	return NewGate(tick).AwaitConnection(ctx, poll)
}
