package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/roman-kulish/offboard-control/internal/geometry"
	"github.com/roman-kulish/offboard-control/internal/link"
	"github.com/roman-kulish/offboard-control/internal/mavlink"
	"github.com/roman-kulish/offboard-control/internal/monitor"
	"github.com/roman-kulish/offboard-control/internal/pose"
	"github.com/roman-kulish/offboard-control/internal/sequencer"
	"github.com/roman-kulish/offboard-control/internal/setpoint"
	"github.com/roman-kulish/offboard-control/internal/storage"
	"github.com/roman-kulish/offboard-control/internal/telemetry"
	"github.com/roman-kulish/offboard-control/internal/vision"
)

func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	registry := metrics.NewRegistry()

	trackers := Trackers{
		State:     telemetry.NewTracker[telemetry.ControllerState](),
		Attitude:  telemetry.NewTracker[geometry.Orientation](),
		Reference: telemetry.NewTracker[geometry.Vector](),
	}

	setpoints := setpoint.NewStore(config.InitialSetpoint())
	composer := pose.NewComposer(trackers.Attitude, trackers.Reference, setpoints,
		pose.WithLogger(logger),
		pose.WithMetrics(registry))

	var options []func(*Orchestrator)
	sequencerOptions := []func(*sequencer.Sequencer){
		sequencer.WithLogger(logger),
		sequencer.WithTargetMode(config.Control.TargetMode),
		sequencer.WithRetryInterval(config.Control.RetryInterval.Duration()),
		sequencer.WithMetrics(registry),
	}

	var journal *Journal
	if config.Storage.Enabled {
		store, err := createStorage(&config.Storage)
		if err != nil {
			return fmt.Errorf("failed to create storage: %w", err)
		}
		defer store.Close()

		flight, err := store.CreateFlight(ctx, config.Control.TargetMode, config)
		if err != nil {
			return fmt.Errorf("failed to create flight: %w", err)
		}
		logger.Info("flight journal opened", slog.String("flight", flight.UUID.String()))

		journal = NewJournal(store, flight.ID,
			WithJournalLogger(logger),
			WithJournalMetrics(registry),
			WithMaxBatchSize(config.Storage.MaxBatchSize),
			WithSampleInterval(config.Storage.SampleInterval.Duration()),
			WithBufferSize(config.Storage.BufferSize))

		sequencerOptions = append(sequencerOptions, sequencer.WithRecorder(journal))
		options = append(options, WithJournal(journal), WithFlight(flight.UUID.String()))
	}

	sinks := mavlink.Sinks{
		State:     trackers.State,
		Attitude:  trackers.Attitude,
		Reference: trackers.Reference,
	}
	if journal != nil {
		sinks.StateChanges = journal.RecordState
	}
	if config.Vision.Source == VisionSourceMAVLink {
		sinks.Observations = func(v geometry.Vector) { composer.Handle(v) }
	}

	fc, err := mavlink.Dial(config.MAVLink.Config, sinks,
		mavlink.WithLogger(logger),
		mavlink.WithMetrics(registry),
		mavlink.WithHeartbeatTimeout(config.MAVLink.HeartbeatTimeout.Duration()),
		mavlink.WithAckTimeout(config.MAVLink.AckTimeout.Duration()))
	if err != nil {
		return fmt.Errorf("failed to open flight controller link: %w", err)
	}
	defer fc.Close()

	streamerOptions := []func(*setpoint.Streamer){
		setpoint.WithLogger(logger),
		setpoint.WithMetrics(registry),
		setpoint.WithWarmUpCount(config.Control.WarmUpCount),
	}
	if journal != nil {
		streamerOptions = append(streamerOptions, setpoint.WithObserver(journal.ObserveSetpoint))
	}

	streamer, err := setpoint.NewStreamer(setpoints, fc, config.Control.Rate, streamerOptions...)
	if err != nil {
		return fmt.Errorf("failed to create setpoint streamer: %w", err)
	}

	source, err := createVisionSource(&config.Vision, composer, registry, logger)
	if err != nil {
		return fmt.Errorf("failed to create vision source: %w", err)
	}
	if source != nil {
		options = append(options, WithVisionSource(source))
	}

	options = append(options,
		WithInitialSetpoint(config.InitialSetpoint()),
		WithSequencerOptions(sequencerOptions...),
		WithMetricsLog(registry, config.Settings.MetricsLogInterval.Duration()))

	gate := link.NewGate(config.Control.PollInterval.Duration(), link.WithLogger(logger))
	orchestrator := NewOrchestrator(fc, trackers, setpoints, streamer, gate, logger, options...)

	if config.Monitor.Enabled {
		m := monitor.New(orchestrator.Snapshot,
			monitor.WithLogger(logger),
			monitor.WithInterval(config.Monitor.Interval.Duration()),
			monitor.WithMetrics(registry))
		WithMonitor(m, config.Monitor.Address)(orchestrator)
	}

	return orchestrator.Run(ctx)
}

func createVisionSource(config *VisionConfig, composer *pose.Composer, registry metrics.Registry, logger *slog.Logger) (vision.Source, error) {
	handler := func(v geometry.Vector) { composer.Handle(v) }

	switch config.Source {
	case VisionSourceUDP:
		return vision.ListenUDP(config.Address, handler,
			vision.WithUDPLogger(logger),
			vision.WithUDPMetrics(registry))

	case VisionSourceProcess:
		return vision.NewProcess(config.Command, config.Args, handler,
			vision.WithProcessLogger(logger),
			vision.WithParseErrorsThreshold(config.ParseErrorsThreshold))

	case VisionSourceMAVLink:
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown vision source '%s'", config.Source)
	}
}

func createStorage(config *StorageConfig) (*storage.SqliteStore, error) {
	dir := config.DataDirectory
	if dir == "" {
		dir = defaultStorageDir
	}

	if !filepath.IsAbs(dir) {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current working directory: %w", err)
		}
		dir = filepath.Join(wd, dir)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage directory '%s': %w", dir, err)
	}

	dbPath := filepath.Join(dir, fmt.Sprintf("flight_%s.sqlite", time.Now().UTC().Format("20060102_150405")))
	return storage.NewSqliteStore(dbPath), nil
}
