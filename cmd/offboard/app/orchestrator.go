package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rcrowley/go-metrics"

	"github.com/roman-kulish/offboard-control/internal/geometry"
	"github.com/roman-kulish/offboard-control/internal/link"
	"github.com/roman-kulish/offboard-control/internal/monitor"
	"github.com/roman-kulish/offboard-control/internal/sequencer"
	"github.com/roman-kulish/offboard-control/internal/setpoint"
	"github.com/roman-kulish/offboard-control/internal/telemetry"
	"github.com/roman-kulish/offboard-control/internal/vision"
)

// FlightController is the link to the autopilot
type FlightController interface {
	setpoint.Publisher
	sequencer.Commander
	Run(ctx context.Context) error
}

// Trackers hold the latest telemetry received from the flight controller
type Trackers struct {
	State     *telemetry.StateTracker
	Attitude  *telemetry.AttitudeTracker
	Reference *telemetry.ReferenceTracker
}

// WithJournal sets the flight journal
func WithJournal(j *Journal) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.journal = j
	}
}

// WithVisionSource sets the observation source
func WithVisionSource(s vision.Source) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.source = s
	}
}

// WithMonitor serves the status monitor on addr
func WithMonitor(m *monitor.Monitor, addr string) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.monitor = m
		o.monitorAddr = addr
	}
}

// WithSequencerOptions sets the options the sequencer is created with
func WithSequencerOptions(options ...func(*sequencer.Sequencer)) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.sequencerOptions = append(o.sequencerOptions, options...)
	}
}

// WithMetricsLog logs the registry contents every interval
func WithMetricsLog(registry metrics.Registry, interval time.Duration) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.registry = registry
		o.metricsLogInterval = interval
	}
}

// WithInitialSetpoint sets the setpoint streamed once the flight controller
// is connected
func WithInitialSetpoint(v geometry.Vector) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.initial = v
	}
}

// WithFlight sets the flight identifier shown by the monitor
func WithFlight(id string) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.flight = id
	}
}

// Orchestrator brings the vehicle under offboard control: it waits for the
// flight controller, streams warm-up setpoints, then runs the setpoint stream
// and the command sequencer side by side until shutdown.
type Orchestrator struct {
	fc       FlightController
	trackers Trackers
	store    *setpoint.Store
	initial  geometry.Vector
	streamer *setpoint.Streamer
	gate     *link.Gate

	journal     *Journal
	source      vision.Source
	monitor     *monitor.Monitor
	monitorAddr string

	sequencerOptions []func(*sequencer.Sequencer)
	sequencer        atomic.Pointer[sequencer.Sequencer]

	registry           metrics.Registry
	metricsLogInterval time.Duration
	flight             string

	logger *slog.Logger

	wg       sync.WaitGroup
	cancel   context.CancelFunc
	fatalMu  sync.Mutex
	fatalErr error
}

// NewOrchestrator creates a new Orchestrator
func NewOrchestrator(fc FlightController, trackers Trackers, store *setpoint.Store, streamer *setpoint.Streamer, gate *link.Gate, logger *slog.Logger, options ...func(*Orchestrator)) *Orchestrator {
	o := Orchestrator{
		fc:       fc,
		trackers: trackers,
		store:    store,
		initial:  setpoint.Default,
		streamer: streamer,
		gate:     gate,
		logger:   logger,
	}

	for _, option := range options {
		option(&o)
	}

	return &o
}

// Run starts every component and blocks until ctx is done or the flight
// controller link fails. A shutdown requested through ctx is not an error.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, o.cancel = context.WithCancel(ctx)
	defer o.cancel()

	o.spawn(ctx, "mavlink", o.fc.Run, true)

	if o.journal != nil {
		o.spawn(ctx, "journal", o.journal.Run, false)
	}
	if o.source != nil {
		o.spawn(ctx, "vision", o.source.Run, false)
	}
	if o.monitor != nil {
		o.spawn(ctx, "monitor", func(ctx context.Context) error {
			return o.monitor.ListenAndServe(ctx, o.monitorAddr)
		}, false)
	}
	if o.registry != nil && o.metricsLogInterval > 0 {
		o.spawn(ctx, "metrics", o.logMetrics, false)
	}

	if err := o.control(ctx); err != nil && ctx.Err() == nil {
		o.fail(err)
	}

	o.cancel()
	o.wg.Wait()

	o.fatalMu.Lock()
	defer o.fatalMu.Unlock()
	return o.fatalErr
}

// Sequencer returns the command sequencer once the warm-up is over
func (o *Orchestrator) Sequencer() *sequencer.Sequencer {
	return o.sequencer.Load()
}

// Snapshot reports the current status for the monitor
func (o *Orchestrator) Snapshot() monitor.Snapshot {
	s := monitor.Snapshot{
		Timestamp:   time.Now(),
		Flight:      o.flight,
		Controller:  o.trackers.State.Current(),
		Sequencer:   "WARMING_UP",
		Setpoint:    monitor.FromVector(o.store.Get()),
		Attitude:    monitor.FromOrientation(o.trackers.Attitude.Current()),
		Reference:   monitor.FromVector(o.trackers.Reference.Current()),
		PublishRate: o.streamer.Rate(),
	}

	if seq := o.sequencer.Load(); seq != nil {
		s.Sequencer = seq.State().String()
	}

	return s
}

func (o *Orchestrator) control(ctx context.Context) error {
	if err := o.gate.AwaitConnection(ctx, o.trackers.State.Current); err != nil {
		return fmt.Errorf("awaiting connection: %w", err)
	}

	// observations composed while waiting are stale
	o.store.Set(o.initial)

	if err := o.streamer.WarmUp(ctx); err != nil {
		return fmt.Errorf("streaming warm-up setpoints: %w", err)
	}

	// created only now so that the first request waits a full retry interval
	seq := sequencer.New(o.fc, o.sequencerOptions...)
	o.sequencer.Store(seq)

	o.logger.Info("offboard control started",
		slog.String("setpoint", o.store.Get().String()),
		slog.Duration("interval", o.streamer.Interval()))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		_ = o.streamer.Run(ctx)
	}()

	go func() {
		defer wg.Done()
		_ = seq.Run(ctx, o.streamer.Interval(), o.trackers.State.Current)
	}()

	wg.Wait()
	return nil
}

// spawn runs fn on its own goroutine. A failing critical component stops
// the whole node.
func (o *Orchestrator) spawn(ctx context.Context, name string, fn func(context.Context) error, critical bool) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		err := fn(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}

		if !critical {
			o.logger.Error(fmt.Sprintf("%s stopped: %s", name, err.Error()))
			return
		}

		o.fail(fmt.Errorf("%s: %w", name, err))
	}()
}

func (o *Orchestrator) fail(err error) {
	o.fatalMu.Lock()
	o.fatalErr = errors.Join(o.fatalErr, err)
	o.fatalMu.Unlock()

	o.cancel()
}

func (o *Orchestrator) logMetrics(ctx context.Context) error {
	ticker := time.NewTicker(o.metricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.logger.Info("metrics", metricsAttrs(o.registry)...)
		}
	}
}

func metricsAttrs(registry metrics.Registry) []any {
	var names []string
	values := make(map[string]string)

	registry.Each(func(name string, i interface{}) {
		switch m := i.(type) {
		case metrics.Counter:
			values[name] = humanize.Comma(m.Count())
		case metrics.Meter:
			ms := m.Snapshot()
			values[name] = fmt.Sprintf("%s (%.1f/s)", humanize.Comma(ms.Count()), ms.Rate1())
		default:
			return
		}
		names = append(names, name)
	})

	slices.Sort(names)

	attrs := make([]any, 0, len(names))
	for _, name := range names {
		attrs = append(attrs, slog.String(name, values[name]))
	}
	return attrs
}
