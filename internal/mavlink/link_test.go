package mavlink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/offboard-control/internal/geometry"
	"github.com/roman-kulish/offboard-control/internal/sequencer"
	"github.com/roman-kulish/offboard-control/internal/telemetry"
)

const (
	autopilotSystem    = 1
	autopilotComponent = 1
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []message.Message
	err      error
}

func (w *fakeWriter) WriteMessageAll(m message.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, m)
	return nil
}

func (w *fakeWriter) last() message.Message {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.messages) == 0 {
		return nil
	}
	return w.messages[len(w.messages)-1]
}

type replies struct {
	mu  sync.Mutex
	got []sequencer.Reply
}

func (r *replies) handler(reply sequencer.Reply) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, reply)
}

func (r *replies) all() []sequencer.Reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sequencer.Reply(nil), r.got...)
}

type fixture struct {
	writer    *fakeWriter
	link      *Link
	state     *telemetry.StateTracker
	attitude  *telemetry.AttitudeTracker
	reference *telemetry.ReferenceTracker
	changes   []telemetry.ControllerState
	observed  []geometry.Vector
}

func newFixture(t *testing.T, options ...func(*Link)) *fixture {
	t.Helper()

	f := fixture{
		writer:    &fakeWriter{},
		state:     telemetry.NewTracker[telemetry.ControllerState](),
		attitude:  telemetry.NewTracker[geometry.Orientation](),
		reference: telemetry.NewTracker[geometry.Vector](),
	}

	f.link = New(f.writer, Sinks{
		State:        f.state,
		Attitude:     f.attitude,
		Reference:    f.reference,
		Observations: func(v geometry.Vector) { f.observed = append(f.observed, v) },
		StateChanges: func(s telemetry.ControllerState) { f.changes = append(f.changes, s) },
	}, options...)
	t.Cleanup(func() { _ = f.link.Close() })

	return &f
}

func heartbeat(mode string, armed bool) *common.MessageHeartbeat {
	m := px4Modes[mode]

	base := common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED
	if armed {
		base |= common.MAV_MODE_FLAG_SAFETY_ARMED
	}

	return &common.MessageHeartbeat{
		Type:         common.MAV_TYPE_QUADROTOR,
		Autopilot:    common.MAV_AUTOPILOT_PX4,
		BaseMode:     base,
		CustomMode:   m.customMode(),
		SystemStatus: common.MAV_STATE_STANDBY,
	}
}

func (f *fixture) connect(now time.Time, mode string, armed bool) {
	f.link.HandleMessage(now, autopilotSystem, autopilotComponent, heartbeat(mode, armed))
}

func TestHeartbeatUpdatesState(t *testing.T) {
	f := newFixture(t)
	now := time.Now()

	f.connect(now, "POSCTL", false)

	state := f.state.Current()
	assert.True(t, state.Connected)
	assert.Equal(t, "POSCTL", state.Mode)
	assert.False(t, state.Armed)
	assert.Equal(t, "STANDBY", state.SystemStatus)
	assert.Equal(t, now, state.Timestamp)

	f.connect(now.Add(time.Second), "POSCTL", false)
	f.connect(now.Add(2*time.Second), "OFFBOARD", true)

	require.Len(t, f.changes, 2, "repeated heartbeats must not be reported as changes")
	assert.Equal(t, "OFFBOARD", f.changes[1].Mode)
	assert.True(t, f.changes[1].Armed)
}

func TestHeartbeatFromNonAutopilotIgnored(t *testing.T) {
	f := newFixture(t)

	hb := heartbeat("OFFBOARD", true)
	hb.Autopilot = common.MAV_AUTOPILOT_INVALID
	f.link.HandleMessage(time.Now(), 255, 190, hb)

	assert.False(t, f.state.Current().Connected)
	assert.ErrorIs(t, f.link.PublishSetpoint(geometry.NewVector(0, 0, 2)), ErrNoAutopilot)
}

func TestLivenessTimeout(t *testing.T) {
	f := newFixture(t, WithHeartbeatTimeout(time.Second))
	now := time.Now()

	f.connect(now, "OFFBOARD", true)

	f.link.CheckLiveness(now.Add(500 * time.Millisecond))
	assert.True(t, f.state.Current().Connected)

	f.link.CheckLiveness(now.Add(time.Second))
	state := f.state.Current()
	assert.False(t, state.Connected)
	assert.Equal(t, "OFFBOARD", state.Mode)
	require.Len(t, f.changes, 2)
	assert.False(t, f.changes[1].Connected)

	f.connect(now.Add(2*time.Second), "OFFBOARD", true)
	assert.True(t, f.state.Current().Connected)
}

func TestAttitudeAndPosition(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.connect(now, "POSCTL", false)

	f.link.HandleMessage(now, autopilotSystem, autopilotComponent, &common.MessageAttitudeQuaternion{Q1: 1})
	f.link.HandleMessage(now, autopilotSystem, autopilotComponent, &common.MessageLocalPositionNed{X: 10, Y: 20, Z: -5})

	// level, nose north: body forward is world north (+Y in ENU)
	forward := f.attitude.Current().Rotate(geometry.NewVector(1, 0, 0))
	assert.InDelta(t, 0, forward.X, 1e-6)
	assert.InDelta(t, 1, forward.Y, 1e-6)
	assert.InDelta(t, 0, forward.Z, 1e-6)

	assert.Equal(t, geometry.NewVector(20, 10, 5), f.reference.Current())
}

func TestMessagesFromOtherSystemsIgnored(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.connect(now, "POSCTL", false)

	f.link.HandleMessage(now, 42, 1, &common.MessageLocalPositionNed{X: 10, Y: 20, Z: -5})
	assert.Equal(t, geometry.Vector{}, f.reference.Current())
}

func TestLandingTarget(t *testing.T) {
	f := newFixture(t)
	now := time.Now()

	f.link.HandleMessage(now, autopilotSystem, autopilotComponent, &common.MessageLandingTarget{X: 1, Y: 2, Z: 3, PositionValid: 1})
	f.link.HandleMessage(now, autopilotSystem, autopilotComponent, &common.MessageLandingTarget{X: 4, Y: 5, Z: 6})

	require.Len(t, f.observed, 1)
	assert.Equal(t, geometry.NewVector(1, 2, 3), f.observed[0])
}

func TestPublishSetpoint(t *testing.T) {
	f := newFixture(t)

	require.ErrorIs(t, f.link.PublishSetpoint(geometry.NewVector(0, 0, 2)), ErrNoAutopilot)

	f.connect(time.Now(), "POSCTL", false)
	require.NoError(t, f.link.PublishSetpoint(geometry.NewVector(1, 2, 3)))

	msg, ok := f.writer.last().(*common.MessageSetPositionTargetLocalNed)
	require.True(t, ok)
	assert.Equal(t, uint8(autopilotSystem), msg.TargetSystem)
	assert.Equal(t, uint8(autopilotComponent), msg.TargetComponent)
	assert.Equal(t, common.MAV_FRAME_LOCAL_NED, msg.CoordinateFrame)
	assert.Equal(t, positionOnly, msg.TypeMask)
	assert.Equal(t, float32(2), msg.X)
	assert.Equal(t, float32(1), msg.Y)
	assert.Equal(t, float32(-3), msg.Z)

	f.writer.err = errors.New("broken pipe")
	assert.Error(t, f.link.PublishSetpoint(geometry.NewVector(1, 2, 3)))
}

func TestSetModeAccepted(t *testing.T) {
	f := newFixture(t)
	f.connect(time.Now(), "POSCTL", false)

	var r replies
	f.link.SetMode(context.Background(), "OFFBOARD", r.handler)

	cmd, ok := f.writer.last().(*common.MessageCommandLong)
	require.True(t, ok)
	assert.Equal(t, common.MAV_CMD_DO_SET_MODE, cmd.Command)
	assert.Equal(t, float32(common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED), cmd.Param1)
	assert.Equal(t, float32(px4MainOffboard), cmd.Param2)
	assert.Equal(t, float32(0), cmd.Param3)
	assert.Empty(t, r.all())

	f.link.HandleMessage(time.Now(), autopilotSystem, autopilotComponent, &common.MessageCommandAck{
		Command: common.MAV_CMD_DO_SET_MODE,
		Result:  common.MAV_RESULT_IN_PROGRESS,
	})
	assert.Empty(t, r.all())

	f.link.HandleMessage(time.Now(), autopilotSystem, autopilotComponent, &common.MessageCommandAck{
		Command: common.MAV_CMD_DO_SET_MODE,
		Result:  common.MAV_RESULT_ACCEPTED,
	})
	require.Len(t, r.all(), 1)
	assert.True(t, r.all()[0].Accepted)
	assert.NoError(t, r.all()[0].Err)
}

func TestSetModeUnknown(t *testing.T) {
	f := newFixture(t)
	f.connect(time.Now(), "POSCTL", false)

	var r replies
	f.link.SetMode(context.Background(), "WARP", r.handler)

	require.Len(t, r.all(), 1)
	assert.ErrorIs(t, r.all()[0].Err, ErrUnknownMode)
	assert.Nil(t, f.writer.last(), "nothing must be sent")
}

func TestArmRejected(t *testing.T) {
	f := newFixture(t)
	f.connect(time.Now(), "OFFBOARD", false)

	var r replies
	f.link.Arm(context.Background(), true, r.handler)

	cmd, ok := f.writer.last().(*common.MessageCommandLong)
	require.True(t, ok)
	assert.Equal(t, common.MAV_CMD_COMPONENT_ARM_DISARM, cmd.Command)
	assert.Equal(t, float32(1), cmd.Param1)

	f.link.HandleMessage(time.Now(), autopilotSystem, autopilotComponent, &common.MessageCommandAck{
		Command: common.MAV_CMD_COMPONENT_ARM_DISARM,
		Result:  common.MAV_RESULT_TEMPORARILY_REJECTED,
	})

	require.Len(t, r.all(), 1)
	assert.False(t, r.all()[0].Accepted)
	assert.ErrorIs(t, r.all()[0].Err, ErrCommandRejected)
}

func TestCommandSuperseded(t *testing.T) {
	f := newFixture(t)
	f.connect(time.Now(), "OFFBOARD", false)

	var first, second replies
	f.link.Arm(context.Background(), true, first.handler)
	f.link.Arm(context.Background(), true, second.handler)

	require.Len(t, first.all(), 1)
	assert.ErrorIs(t, first.all()[0].Err, ErrSuperseded)
	assert.Empty(t, second.all())
}

func TestCommandAckTimeout(t *testing.T) {
	f := newFixture(t, WithAckTimeout(50*time.Millisecond))
	f.connect(time.Now(), "POSCTL", false)

	var r replies
	f.link.SetMode(context.Background(), "OFFBOARD", r.handler)

	require.Eventually(t, func() bool { return len(r.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, r.all()[0].Err, ErrAckTimeout)
}

func TestCommandWithoutAutopilot(t *testing.T) {
	f := newFixture(t)

	var r replies
	f.link.Arm(context.Background(), true, r.handler)

	require.Len(t, r.all(), 1)
	assert.ErrorIs(t, r.all()[0].Err, ErrNoAutopilot)
	assert.Nil(t, f.writer.last())
}

func TestCommandWriteFailure(t *testing.T) {
	f := newFixture(t)
	f.connect(time.Now(), "POSCTL", false)
	f.writer.err = errors.New("broken pipe")

	var r replies
	f.link.SetMode(context.Background(), "OFFBOARD", r.handler)

	require.Len(t, r.all(), 1)
	assert.Error(t, r.all()[0].Err)
	assert.False(t, r.all()[0].Accepted)
}
