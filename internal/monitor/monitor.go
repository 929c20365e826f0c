package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/roman-kulish/offboard-control/internal/geometry"
	"github.com/roman-kulish/offboard-control/internal/telemetry"
)

// DefaultInterval is how often a status snapshot is broadcast
const DefaultInterval = time.Second

// Vector is a JSON friendly position
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Quaternion is a JSON friendly orientation
type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// Snapshot is the status broadcast to monitor clients
type Snapshot struct {
	Timestamp   time.Time                         `json:"timestamp"`
	Flight      string                            `json:"flight,omitempty"`
	Controller  telemetry.ControllerState         `json:"controller"`
	Sequencer   string                            `json:"sequencer"`
	Setpoint    Vector                            `json:"setpoint"`
	Attitude    Quaternion                        `json:"attitude"`
	Reference   Vector                            `json:"reference"`
	PublishRate float64                           `json:"publishRate"`
	Metrics     map[string]map[string]interface{} `json:"metrics,omitempty"`
}

// FromVector converts a world frame vector
func FromVector(v geometry.Vector) Vector {
	return Vector{X: v.X, Y: v.Y, Z: v.Z}
}

// FromOrientation converts an orientation
func FromOrientation(o geometry.Orientation) Quaternion {
	x, y, z, w := o.Components()
	return Quaternion{X: x, Y: y, Z: z, W: w}
}

// WithLogger sets the logger for the monitor and its room
func WithLogger(logger *slog.Logger) func(*Monitor) {
	return func(m *Monitor) {
		m.logger = logger.With(slog.String("component", "monitor"))
		m.roomOptions = append(m.roomOptions, WithRoomLogger(logger))
	}
}

// WithInterval sets the broadcast interval
func WithInterval(d time.Duration) func(*Monitor) {
	return func(m *Monitor) {
		m.interval = d
	}
}

// WithMetrics adds the registry contents to every snapshot
func WithMetrics(registry metrics.Registry) func(*Monitor) {
	return func(m *Monitor) {
		m.registry = registry
	}
}

// Monitor serves a websocket endpoint at /status broadcasting a status
// snapshot once per interval.
type Monitor struct {
	snapshot func() Snapshot
	interval time.Duration
	registry metrics.Registry

	room        *Room
	roomOptions []func(*Room)
	logger      *slog.Logger
}

// New creates a Monitor taking its snapshots from fn
func New(fn func() Snapshot, options ...func(*Monitor)) *Monitor {
	m := Monitor{
		snapshot: fn,
		interval: DefaultInterval,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&m)
	}

	m.room = NewRoom(m.roomOptions...)
	return &m
}

// Handler returns the HTTP handler of the monitor
func (m *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/status", m.room)
	return mux
}

// Serve broadcasts snapshots to clients connected through l until ctx is done
func (m *Monitor) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go m.room.Run(ctx)
	go m.broadcast(ctx)

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	m.logger.Info("monitor listening", slog.String("addr", l.Addr().String()))

	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("monitor server: %w", err)
	}
	return ctx.Err()
}

// ListenAndServe binds addr and calls Serve
func (m *Monitor) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return m.Serve(ctx, l)
}

func (m *Monitor) broadcast(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			s := m.snapshot()
			if m.registry != nil {
				s.Metrics = m.registry.GetAll()
			}

			msg, err := json.Marshal(s)
			if err != nil {
				m.logger.Warn(fmt.Sprintf("error encoding status: %s", err.Error()))
				continue
			}

			m.room.Broadcast(ctx, msg)
		}
	}
}
