package mavlink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rcrowley/go-metrics"

	"github.com/roman-kulish/offboard-control/internal/geometry"
	"github.com/roman-kulish/offboard-control/internal/sequencer"
	"github.com/roman-kulish/offboard-control/internal/telemetry"
)

const (
	// DefaultHeartbeatTimeout is how long the link stays connected without a heartbeat
	DefaultHeartbeatTimeout = 10 * time.Second

	// DefaultAckTimeout is how long a command waits for its COMMAND_ACK
	DefaultAckTimeout = 3 * time.Second

	livenessTick = 500 * time.Millisecond
)

// positionOnly makes the autopilot ignore every field of
// SET_POSITION_TARGET_LOCAL_NED except the position.
const positionOnly = common.POSITION_TARGET_TYPEMASK_VX_IGNORE |
	common.POSITION_TARGET_TYPEMASK_VY_IGNORE |
	common.POSITION_TARGET_TYPEMASK_VZ_IGNORE |
	common.POSITION_TARGET_TYPEMASK_AX_IGNORE |
	common.POSITION_TARGET_TYPEMASK_AY_IGNORE |
	common.POSITION_TARGET_TYPEMASK_AZ_IGNORE |
	common.POSITION_TARGET_TYPEMASK_YAW_IGNORE |
	common.POSITION_TARGET_TYPEMASK_YAW_RATE_IGNORE

var (
	// ErrAckTimeout is replied when a command is not acknowledged in time
	ErrAckTimeout = errors.New("command not acknowledged")

	// ErrSuperseded is replied when a newer request of the same command is sent
	ErrSuperseded = errors.New("command superseded")

	// ErrNoAutopilot is returned before any autopilot heartbeat was received
	ErrNoAutopilot = errors.New("no autopilot heartbeat received")

	// ErrCommandRejected is replied when the autopilot refuses a command
	ErrCommandRejected = errors.New("command rejected")
)

// Writer sends a message to every connected endpoint
type Writer interface {
	WriteMessageAll(m message.Message) error
}

// Sinks are the destinations of inbound telemetry. Nil members are skipped.
type Sinks struct {
	State     *telemetry.StateTracker
	Attitude  *telemetry.AttitudeTracker
	Reference *telemetry.ReferenceTracker

	// Observations receives LANDING_TARGET positions in the sensor frame
	Observations func(geometry.Vector)

	// StateChanges receives the controller state whenever it changes
	StateChanges func(telemetry.ControllerState)
}

// WithLogger sets the logger for the link
func WithLogger(logger *slog.Logger) func(*Link) {
	return func(l *Link) {
		l.logger = logger.With(slog.String("component", "mavlink"))
	}
}

// WithMetrics registers the link counters in the registry
func WithMetrics(registry metrics.Registry) func(*Link) {
	return func(l *Link) {
		l.received = metrics.NewRegisteredMeter("mavlink.received", registry)
		l.sent = metrics.NewRegisteredMeter("mavlink.sent", registry)
		l.ackTimeouts = metrics.NewRegisteredCounter("mavlink.ack_timeouts", registry)
	}
}

// WithHeartbeatTimeout sets how long the link stays connected without a heartbeat
func WithHeartbeatTimeout(d time.Duration) func(*Link) {
	return func(l *Link) {
		l.heartbeatTimeout = d
	}
}

// WithAckTimeout sets how long a command waits for its acknowledgement
func WithAckTimeout(d time.Duration) func(*Link) {
	return func(l *Link) {
		l.ackTimeout = d
	}
}

type pendingCommand struct {
	reply func(sequencer.Reply)
}

type target struct {
	systemID    byte
	componentID byte
}

// Link is the MAVLink adapter between the control loop and a PX4 autopilot.
// It keeps the telemetry trackers current, streams setpoints and issues
// mode and arming commands.
type Link struct {
	writer Writer
	node   *gomavlib.Node
	sinks  Sinks
	start  time.Time

	heartbeatTimeout time.Duration
	ackTimeout       time.Duration

	mu            sync.Mutex
	target        *target
	lastHeartbeat time.Time

	pending  *ttlcache.Cache[common.MAV_CMD, *pendingCommand]
	stopOnce sync.Once

	received    metrics.Meter
	sent        metrics.Meter
	ackTimeouts metrics.Counter
	logger      *slog.Logger
}

// New creates a Link writing through w. Inbound messages are fed with
// HandleMessage.
func New(w Writer, sinks Sinks, options ...func(*Link)) *Link {
	l := Link{
		writer:           w,
		sinks:            sinks,
		start:            time.Now(),
		heartbeatTimeout: DefaultHeartbeatTimeout,
		ackTimeout:       DefaultAckTimeout,
		received:         metrics.NewMeter(),
		sent:             metrics.NewMeter(),
		ackTimeouts:      metrics.NewCounter(),
		logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&l)
	}

	l.pending = ttlcache.New[common.MAV_CMD, *pendingCommand](
		ttlcache.WithTTL[common.MAV_CMD, *pendingCommand](l.ackTimeout),
		ttlcache.WithDisableTouchOnHit[common.MAV_CMD, *pendingCommand](),
	)
	l.pending.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[common.MAV_CMD, *pendingCommand]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		l.ackTimeouts.Inc(1)
		item.Value().reply(sequencer.Reply{Err: fmt.Errorf("%w: %s", ErrAckTimeout, commandName(item.Key()))})
	})
	go l.pending.Start()

	return &l
}

// Dial opens the endpoint described by conf and returns a Link bound to it.
// Run must be called to process inbound traffic.
func Dial(conf Config, sinks Sinks, options ...func(*Link)) (*Link, error) {
	endpoint, err := conf.endpoint()
	if err != nil {
		return nil, err
	}

	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints:      []gomavlib.EndpointConf{endpoint},
		Dialect:        common.Dialect,
		OutVersion:     gomavlib.V2,
		OutSystemID:    conf.SystemID,
		OutComponentID: conf.ComponentID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open mavlink endpoint: %w", err)
	}

	l := New(node, sinks, options...)
	l.node = node
	return l, nil
}

// Run processes node events and tracks the link liveness until ctx is done
func (l *Link) Run(ctx context.Context) error {
	var events chan gomavlib.Event
	if l.node != nil {
		events = l.node.Events()
	}

	ticker := time.NewTicker(livenessTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case now := <-ticker.C:
			l.CheckLiveness(now)

		case evt, ok := <-events:
			if !ok {
				return errors.New("mavlink node closed")
			}

			switch e := evt.(type) {
			case *gomavlib.EventChannelOpen:
				l.logger.Info("channel open", slog.String("channel", e.Channel.String()))

			case *gomavlib.EventChannelClose:
				l.logger.Info("channel closed", slog.String("channel", e.Channel.String()))

			case *gomavlib.EventParseError:
				l.logger.Debug("parse error", slog.String("error", e.Error.Error()))

			case *gomavlib.EventFrame:
				l.HandleMessage(time.Now(), e.SystemID(), e.ComponentID(), e.Message())
			}
		}
	}
}

// Close releases the endpoint and drops pending commands without replying
func (l *Link) Close() error {
	l.stopOnce.Do(func() {
		l.pending.Stop()
		l.pending.DeleteAll()
		if l.node != nil {
			l.node.Close()
		}
	})
	return nil
}

// HandleMessage applies one inbound message received at now
func (l *Link) HandleMessage(now time.Time, systemID, componentID byte, msg message.Message) {
	l.received.Mark(1)

	if hb, ok := msg.(*common.MessageHeartbeat); ok {
		l.handleHeartbeat(now, systemID, componentID, hb)
		return
	}

	if !l.fromTarget(systemID) {
		return
	}

	switch m := msg.(type) {
	case *common.MessageAttitudeQuaternion:
		if l.sinks.Attitude != nil {
			q := geometry.NewOrientation(float64(m.Q2), float64(m.Q3), float64(m.Q4), float64(m.Q1))
			l.sinks.Attitude.Update(geometry.AircraftToBaselink(q))
		}

	case *common.MessageLocalPositionNed:
		if l.sinks.Reference != nil {
			ned := geometry.NewVector(float64(m.X), float64(m.Y), float64(m.Z))
			l.sinks.Reference.Update(geometry.NEDToENU(ned))
		}

	case *common.MessageLandingTarget:
		if l.sinks.Observations != nil && m.PositionValid != 0 {
			l.sinks.Observations(geometry.NewVector(float64(m.X), float64(m.Y), float64(m.Z)))
		}

	case *common.MessageCommandAck:
		l.handleAck(m)
	}
}

// CheckLiveness marks the link disconnected once the last heartbeat is older
// than the heartbeat timeout.
func (l *Link) CheckLiveness(now time.Time) {
	l.mu.Lock()
	last := l.lastHeartbeat
	l.mu.Unlock()

	if last.IsZero() || now.Sub(last) < l.heartbeatTimeout || l.sinks.State == nil {
		return
	}

	state := l.sinks.State.Current()
	if !state.Connected {
		return
	}

	state.Connected = false
	state.Timestamp = now
	l.logger.Warn("heartbeat lost", slog.Duration("silence", now.Sub(last)))
	l.updateState(state)
}

// PublishSetpoint sends an ENU position setpoint to the autopilot
func (l *Link) PublishSetpoint(v geometry.Vector) error {
	t, ok := l.currentTarget()
	if !ok {
		return ErrNoAutopilot
	}

	ned := geometry.ENUToNED(v)
	err := l.write(&common.MessageSetPositionTargetLocalNed{
		TimeBootMs:      uint32(time.Since(l.start).Milliseconds()),
		TargetSystem:    t.systemID,
		TargetComponent: t.componentID,
		CoordinateFrame: common.MAV_FRAME_LOCAL_NED,
		TypeMask:        positionOnly,
		X:               float32(ned.X),
		Y:               float32(ned.Y),
		Z:               float32(ned.Z),
	})
	if err != nil {
		return fmt.Errorf("failed to publish setpoint: %w", err)
	}
	return nil
}

// SetMode requests a PX4 flight mode. The reply is Accepted once the
// autopilot acknowledges the command.
func (l *Link) SetMode(_ context.Context, mode string, reply func(sequencer.Reply)) {
	m, err := lookupMode(mode)
	if err != nil {
		reply(sequencer.Reply{Err: err})
		return
	}

	l.command(common.MAV_CMD_DO_SET_MODE, reply,
		float32(common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED), float32(m.main), float32(m.sub))
}

// Arm requests arming or disarming of the vehicle
func (l *Link) Arm(_ context.Context, arm bool, reply func(sequencer.Reply)) {
	var param float32
	if arm {
		param = 1
	}
	l.command(common.MAV_CMD_COMPONENT_ARM_DISARM, reply, param)
}

func (l *Link) command(cmd common.MAV_CMD, reply func(sequencer.Reply), params ...float32) {
	t, ok := l.currentTarget()
	if !ok {
		reply(sequencer.Reply{Err: ErrNoAutopilot})
		return
	}

	if prev, found := l.pending.GetAndDelete(cmd); found {
		prev.Value().reply(sequencer.Reply{Err: fmt.Errorf("%w: %s", ErrSuperseded, commandName(cmd))})
	}

	var p [7]float32
	copy(p[:], params)

	l.pending.Set(cmd, &pendingCommand{reply: reply}, ttlcache.DefaultTTL)

	err := l.write(&common.MessageCommandLong{
		TargetSystem:    t.systemID,
		TargetComponent: t.componentID,
		Command:         cmd,
		Param1:          p[0],
		Param2:          p[1],
		Param3:          p[2],
		Param4:          p[3],
		Param5:          p[4],
		Param6:          p[5],
		Param7:          p[6],
	})
	if err == nil {
		return
	}

	if item, found := l.pending.GetAndDelete(cmd); found {
		item.Value().reply(sequencer.Reply{Err: fmt.Errorf("failed to send %s: %w", commandName(cmd), err)})
	}
}

func (l *Link) write(m message.Message) error {
	if err := l.writer.WriteMessageAll(m); err != nil {
		return err
	}
	l.sent.Mark(1)
	return nil
}

func (l *Link) handleHeartbeat(now time.Time, systemID, componentID byte, hb *common.MessageHeartbeat) {
	if hb.Autopilot == common.MAV_AUTOPILOT_INVALID {
		return
	}

	l.mu.Lock()
	if l.target == nil {
		l.logger.Info("autopilot discovered",
			slog.Int("system", int(systemID)),
			slog.Int("component", int(componentID)))
		l.target = &target{systemID: systemID, componentID: componentID}
	} else if l.target.systemID != systemID {
		l.mu.Unlock()
		return
	}
	l.lastHeartbeat = now
	l.mu.Unlock()

	l.updateState(telemetry.ControllerState{
		Timestamp:    now,
		Connected:    true,
		Mode:         modeName(hb.BaseMode, hb.CustomMode),
		Armed:        hb.BaseMode&common.MAV_MODE_FLAG_SAFETY_ARMED != 0,
		SystemStatus: systemStatus(hb.SystemStatus),
	})
}

func (l *Link) handleAck(ack *common.MessageCommandAck) {
	if ack.Result == common.MAV_RESULT_IN_PROGRESS {
		return
	}

	item, found := l.pending.GetAndDelete(ack.Command)
	if !found {
		l.logger.Debug("unexpected command ack", slog.String("command", commandName(ack.Command)))
		return
	}

	if ack.Result == common.MAV_RESULT_ACCEPTED {
		item.Value().reply(sequencer.Reply{Accepted: true})
		return
	}

	item.Value().reply(sequencer.Reply{
		Err: fmt.Errorf("%w: %s result %d", ErrCommandRejected, commandName(ack.Command), int(ack.Result)),
	})
}

func (l *Link) updateState(state telemetry.ControllerState) {
	if l.sinks.State == nil {
		return
	}

	prev, _ := l.sinks.State.Swap(state)
	if prev.Equal(state) {
		return
	}

	l.logger.Info("controller state",
		slog.Bool("connected", state.Connected),
		slog.String("mode", state.Mode),
		slog.Bool("armed", state.Armed),
		slog.String("status", state.SystemStatus))

	if l.sinks.StateChanges != nil {
		l.sinks.StateChanges(state)
	}
}

func (l *Link) fromTarget(systemID byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.target == nil || l.target.systemID == systemID
}

func (l *Link) currentTarget() (target, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.target == nil {
		return target{}, false
	}
	return *l.target, true
}

func commandName(cmd common.MAV_CMD) string {
	switch cmd {
	case common.MAV_CMD_DO_SET_MODE:
		return "DO_SET_MODE"
	case common.MAV_CMD_COMPONENT_ARM_DISARM:
		return "COMPONENT_ARM_DISARM"
	default:
		return fmt.Sprintf("MAV_CMD(%d)", int(cmd))
	}
}
