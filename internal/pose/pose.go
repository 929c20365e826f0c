package pose

import (
	"io"
	"log/slog"

	"github.com/rcrowley/go-metrics"

	"github.com/roman-kulish/offboard-control/internal/geometry"
	"github.com/roman-kulish/offboard-control/internal/telemetry"
)

// HoverOffset is the height, in metres, kept above the visual target.
const HoverOffset = 2.0

// Compose converts an observation of the target, relative to the vehicle and
// expressed in the camera frame, into a world frame setpoint.
//
// The camera axes are mapped onto body axes as (-y, -x, -z), rotated into the
// world frame with the attitude and offset by the reference position. A
// computed world altitude of exactly zero is treated as "no valid position
// yet" and the result is discarded (false is returned). Otherwise the setpoint
// is the world position raised by HoverOffset.
//
// Zero is also a legitimate ground-level altitude, so such readings are
// dropped as well.
func Compose(observation geometry.Vector, attitude geometry.Orientation, reference geometry.Vector) (geometry.Vector, bool) {
	body := geometry.Vector{
		X: -observation.Y,
		Y: -observation.X,
		Z: -observation.Z,
	}

	world := attitude.Rotate(body).Add(reference)

	// NOTE: zero doubles as the "uninitialised" sentinel and collides with a
	// legitimate ground level reading.
	if world.Z == 0 {
		return geometry.Vector{}, false
	}

	return geometry.Vector{X: world.X, Y: world.Y, Z: world.Z + HoverOffset}, true
}

// SetpointWriter receives composed setpoints
type SetpointWriter interface {
	Set(geometry.Vector)
}

// WithLogger sets the logger for the composer
func WithLogger(logger *slog.Logger) func(*Composer) {
	return func(c *Composer) {
		c.logger = logger.With(slog.String("component", "pose"))
	}
}

// WithMetrics registers the composer counters in the registry
func WithMetrics(registry metrics.Registry) func(*Composer) {
	return func(c *Composer) {
		c.composed = metrics.NewRegisteredCounter("pose.composed", registry)
		c.discarded = metrics.NewRegisteredCounter("pose.discarded", registry)
	}
}

// Composer turns incoming observations into setpoints using the latest
// attitude and reference position.
type Composer struct {
	attitude  telemetry.Provider[geometry.Orientation]
	reference telemetry.Provider[geometry.Vector]
	setpoints SetpointWriter

	composed  metrics.Counter
	discarded metrics.Counter
	logger    *slog.Logger
}

// NewComposer creates a Composer with a discard logger
func NewComposer(attitude telemetry.Provider[geometry.Orientation], reference telemetry.Provider[geometry.Vector], setpoints SetpointWriter, options ...func(*Composer)) *Composer {
	c := Composer{
		attitude:  attitude,
		reference: reference,
		setpoints: setpoints,
		composed:  metrics.NewCounter(),
		discarded: metrics.NewCounter(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&c)
	}

	return &c
}

// Handle composes the observation and overwrites the setpoint. It returns
// false when the observation was discarded and the setpoint left unchanged.
func (c *Composer) Handle(observation geometry.Vector) bool {
	setpoint, ok := Compose(observation, c.attitude.Current(), c.reference.Current())
	if !ok {
		c.discarded.Inc(1)
		c.logger.Debug("observation discarded: zero world altitude",
			slog.Group("observation",
				slog.Float64("x", observation.X),
				slog.Float64("y", observation.Y),
				slog.Float64("z", observation.Z),
			))
		return false
	}

	c.setpoints.Set(setpoint)
	c.composed.Inc(1)
	return true
}
