package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/roman-kulish/offboard-control/internal/geometry"
	"github.com/roman-kulish/offboard-control/internal/sequencer"
	"github.com/roman-kulish/offboard-control/internal/storage"
	"github.com/roman-kulish/offboard-control/internal/telemetry"
)

const (
	flushInterval   = time.Second
	shutdownTimeout = 5 * time.Second
)

// WithJournalLogger sets the logger for the journal
func WithJournalLogger(logger *slog.Logger) func(*Journal) {
	return func(j *Journal) {
		j.logger = logger.With(slog.String("component", "journal"))
	}
}

// WithJournalMetrics registers the journal counters in the registry
func WithJournalMetrics(registry metrics.Registry) func(*Journal) {
	return func(j *Journal) {
		j.dropped = metrics.NewRegisteredCounter("journal.dropped", registry)
		j.failures = metrics.NewRegisteredCounter("journal.failures", registry)
	}
}

// WithMaxBatchSize sets the maximum number of setpoints stored within a
// single database transaction.
func WithMaxBatchSize(size int) func(*Journal) {
	return func(j *Journal) {
		j.maxBatchSize = size
	}
}

// WithSampleInterval sets the minimum time between two journaled setpoints
func WithSampleInterval(d time.Duration) func(*Journal) {
	return func(j *Journal) {
		j.sampleInterval = d
	}
}

// WithBufferSize sets the number of events held while the database is busy
func WithBufferSize(n int) func(*Journal) {
	return func(j *Journal) {
		j.bufferSize = n
	}
}

type journalEvent struct {
	command  *storage.CommandRecord
	state    *storage.StateRecord
	setpoint *storage.SetpointRecord
}

// Journal writes flight events to the store from its own goroutine. Record
// calls never block: when the buffer is full the event is dropped.
type Journal struct {
	store    storage.Store
	flightID int64
	events   chan journalEvent

	sampleInterval time.Duration
	maxBatchSize   int
	bufferSize     int

	sampleMu   sync.Mutex
	lastSample time.Time

	dropped  metrics.Counter
	failures metrics.Counter
	logger   *slog.Logger
}

// NewJournal creates a Journal appending to the given flight
func NewJournal(store storage.Store, flightID int64, options ...func(*Journal)) *Journal {
	j := Journal{
		store:          store,
		flightID:       flightID,
		sampleInterval: defaultSampleInterval,
		maxBatchSize:   defaultMaxBatchSize,
		bufferSize:     defaultJournalBufferSize,
		dropped:        metrics.NewCounter(),
		failures:       metrics.NewCounter(),
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&j)
	}

	j.events = make(chan journalEvent, j.bufferSize)
	return &j
}

// RecordAttempt implements sequencer.Recorder
func (j *Journal) RecordAttempt(a sequencer.Attempt) {
	c := storage.CommandRecord{
		FlightID: j.flightID,
		Kind:     a.Action.String(),
		Argument: a.Argument,
		IssuedAt: a.IssuedAt,
		Accepted: a.Reply.Accepted,
	}
	if !a.RepliedAt.IsZero() {
		c.RepliedAt = sql.NullTime{Time: a.RepliedAt, Valid: true}
	}
	if a.Reply.Err != nil {
		c.Error = sql.NullString{String: a.Reply.Err.Error(), Valid: true}
	}

	j.enqueue(journalEvent{command: &c})
}

// RecordState stores a controller state change
func (j *Journal) RecordState(s telemetry.ControllerState) {
	j.enqueue(journalEvent{state: &storage.StateRecord{
		FlightID:     j.flightID,
		Timestamp:    s.Timestamp,
		Connected:    s.Connected,
		Mode:         s.Mode,
		Armed:        s.Armed,
		SystemStatus: s.SystemStatus,
	}})
}

// ObserveSetpoint samples published setpoints, keeping at most one per
// sample interval.
func (j *Journal) ObserveSetpoint(at time.Time, v geometry.Vector) {
	j.sampleMu.Lock()
	if !j.lastSample.IsZero() && at.Sub(j.lastSample) < j.sampleInterval {
		j.sampleMu.Unlock()
		return
	}
	j.lastSample = at
	j.sampleMu.Unlock()

	j.enqueue(journalEvent{setpoint: &storage.SetpointRecord{
		FlightID:  j.flightID,
		Timestamp: at,
		X:         v.X,
		Y:         v.Y,
		Z:         v.Z,
	}})
}

// Dropped returns the number of events lost to a full buffer
func (j *Journal) Dropped() int64 {
	return j.dropped.Count()
}

func (j *Journal) enqueue(e journalEvent) {
	select {
	case j.events <- e:
	default:
		j.dropped.Inc(1)
		j.logger.Warn("journal buffer full, event dropped")
	}
}

// Run writes events until ctx is done, then drains what is already buffered
func (j *Journal) Run(ctx context.Context) error {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	// writes already dequeued must not fail because of the shutdown
	writeCtx := context.WithoutCancel(ctx)

	var setpoints []storage.SetpointRecord

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			for {
				select {
				case e := <-j.events:
					setpoints = j.write(drainCtx, e, setpoints)
				default:
					j.flush(drainCtx, setpoints)
					return ctx.Err()
				}
			}

		case e := <-j.events:
			setpoints = j.write(writeCtx, e, setpoints)
			if len(setpoints) >= j.maxBatchSize {
				j.flush(writeCtx, setpoints)
				setpoints = setpoints[:0]
			}

		case <-ticker.C:
			j.flush(writeCtx, setpoints)
			setpoints = setpoints[:0]
		}
	}
}

func (j *Journal) write(ctx context.Context, e journalEvent, setpoints []storage.SetpointRecord) []storage.SetpointRecord {
	switch {
	case e.command != nil:
		if _, err := j.store.InsertCommand(ctx, *e.command); err != nil {
			j.fail(fmt.Errorf("storing command: %w", err))
		}

	case e.state != nil:
		if _, err := j.store.InsertState(ctx, *e.state); err != nil {
			j.fail(fmt.Errorf("storing state: %w", err))
		}

	case e.setpoint != nil:
		setpoints = append(setpoints, *e.setpoint)
	}

	return setpoints
}

func (j *Journal) flush(ctx context.Context, setpoints []storage.SetpointRecord) {
	for chunk := range slices.Chunk(setpoints, j.maxBatchSize) {
		if err := j.store.BatchInsertSetpoints(ctx, chunk); err != nil {
			j.fail(fmt.Errorf("storing setpoints: %w", err))
		}
	}
}

func (j *Journal) fail(err error) {
	j.failures.Inc(1)
	j.logger.Error(err.Error())
}
