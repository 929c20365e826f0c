package sequencer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/offboard-control/internal/telemetry"
)

type request struct {
	action   Action
	argument string
	at       time.Time
}

type fakeCommander struct {
	mu       sync.Mutex
	requests []request
	reply    Reply
	clock    func() time.Time
}

func (c *fakeCommander) SetMode(_ context.Context, mode string, reply func(Reply)) {
	c.mu.Lock()
	c.requests = append(c.requests, request{ActionSetMode, mode, c.clock()})
	r := c.reply
	c.mu.Unlock()
	reply(r)
}

func (c *fakeCommander) Arm(_ context.Context, arm bool, reply func(Reply)) {
	c.mu.Lock()
	arg := "false"
	if arm {
		arg = "true"
	}
	c.requests = append(c.requests, request{ActionArm, arg, c.clock()})
	r := c.reply
	c.mu.Unlock()
	reply(r)
}

func (c *fakeCommander) count(a Action) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int
	for _, r := range c.requests {
		if r.action == a {
			n++
		}
	}
	return n
}

type fakeRecorder struct {
	attempts []Attempt
}

func (r *fakeRecorder) RecordAttempt(a Attempt) {
	r.attempts = append(r.attempts, a)
}

// manualClock is advanced explicitly by the tests
type manualClock struct {
	t time.Time
}

func (c *manualClock) now() time.Time { return c.t }

func (c *manualClock) advance(d time.Duration) time.Time {
	c.t = c.t.Add(d)
	return c.t
}

const tick = 50 * time.Millisecond

func newTestSequencer(reply Reply, options ...func(*Sequencer)) (*Sequencer, *fakeCommander, *manualClock) {
	clock := &manualClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	commander := &fakeCommander{reply: reply, clock: clock.now}

	options = append([]func(*Sequencer){WithClock(clock.now)}, options...)
	return New(commander, options...), commander, clock
}

func TestStateOf(t *testing.T) {
	testCases := []struct {
		name     string
		state    telemetry.ControllerState
		expected State
	}{
		{"other mode disarmed", telemetry.ControllerState{Mode: "POSCTL"}, AwaitingMode},
		{"other mode armed", telemetry.ControllerState{Mode: "POSCTL", Armed: true}, AwaitingMode},
		{"target disarmed", telemetry.ControllerState{Mode: "OFFBOARD"}, AwaitingArm},
		{"target armed", telemetry.ControllerState{Mode: "OFFBOARD", Armed: true}, Ready},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, StateOf(tc.state, DefaultTargetMode))
		})
	}
}

func TestDecide(t *testing.T) {
	deadline := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	testCases := []struct {
		name     string
		state    State
		elapsed  time.Duration
		expected Action
	}{
		{"mode before retry", AwaitingMode, 4 * time.Second, ActionNone},
		{"mode exactly at retry", AwaitingMode, 5 * time.Second, ActionNone},
		{"mode after retry", AwaitingMode, 5*time.Second + time.Millisecond, ActionSetMode},
		{"arm before retry", AwaitingArm, time.Second, ActionNone},
		{"arm after retry", AwaitingArm, 6 * time.Second, ActionArm},
		{"ready", Ready, time.Minute, ActionNone},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := Decide(tc.state, deadline.Add(tc.elapsed), deadline, DefaultRetryInterval)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestSequencer_ModeSwitchAtMostOncePerWindow(t *testing.T) {
	s, commander, clock := newTestSequencer(Reply{Accepted: false})
	observed := telemetry.ControllerState{Connected: true, Mode: "POSCTL"}

	for i := 0; i < 20*20; i++ { // 20 seconds of ticks
		s.Step(context.Background(), clock.advance(tick), observed)
	}

	require.Equal(t, 0, commander.count(ActionArm))
	require.Equal(t, 3, commander.count(ActionSetMode))

	for i := 1; i < len(commander.requests); i++ {
		gap := commander.requests[i].at.Sub(commander.requests[i-1].at)
		assert.Greater(t, gap, DefaultRetryInterval)
	}
	assert.Equal(t, DefaultTargetMode, commander.requests[0].argument)
}

func TestSequencer_ArmsOnceThenStops(t *testing.T) {
	recorder := &fakeRecorder{}
	s, commander, clock := newTestSequencer(Reply{Accepted: true}, WithRecorder(recorder))
	observed := telemetry.ControllerState{Connected: true, Mode: DefaultTargetMode}

	// just under the retry interval: nothing happens
	for i := 0; i < 100; i++ {
		require.Equal(t, ActionNone, s.Step(context.Background(), clock.advance(tick), observed))
	}
	require.Equal(t, 0, commander.count(ActionArm))

	// crossing the interval issues exactly one arm request
	for i := 0; i < 10; i++ {
		s.Step(context.Background(), clock.advance(tick), observed)
	}
	require.Equal(t, 1, commander.count(ActionArm))
	require.Equal(t, 0, commander.count(ActionSetMode))
	assert.Equal(t, AwaitingArm, s.State())

	// the controller reports armed: no further requests, ever
	observed.Armed = true
	for i := 0; i < 20*60; i++ {
		require.Equal(t, ActionNone, s.Step(context.Background(), clock.advance(tick), observed))
	}
	assert.Equal(t, 1, commander.count(ActionArm))
	assert.Equal(t, Ready, s.State())

	require.Len(t, recorder.attempts, 1)
	assert.Equal(t, ActionArm, recorder.attempts[0].Action)
	assert.True(t, recorder.attempts[0].Reply.Accepted)
}

func TestSequencer_ModeThenArm(t *testing.T) {
	s, commander, clock := newTestSequencer(Reply{Accepted: true})
	observed := telemetry.ControllerState{Connected: true, Mode: "POSCTL"}

	var actions []Action
	step := func() {
		if a := s.Step(context.Background(), clock.advance(tick), observed); a != ActionNone {
			actions = append(actions, a)
		}
	}

	for i := 0; i < 110; i++ {
		step()
	}
	require.Equal(t, []Action{ActionSetMode}, actions)

	// the mode switch lands right away; arming still waits for the interval
	observed.Mode = DefaultTargetMode
	for i := 0; i < 50; i++ {
		step()
	}
	require.Equal(t, []Action{ActionSetMode}, actions)

	for i := 0; i < 60; i++ {
		step()
	}
	require.Equal(t, []Action{ActionSetMode, ActionArm}, actions)
	assert.Equal(t, 1, commander.count(ActionArm))
}

func TestSequencer_FailedRepliesStillResetDeadline(t *testing.T) {
	s, commander, clock := newTestSequencer(Reply{Err: errors.New("ack timeout")})
	observed := telemetry.ControllerState{Connected: true, Mode: DefaultTargetMode}

	at := clock.advance(DefaultRetryInterval + time.Millisecond)
	require.Equal(t, ActionArm, s.Step(context.Background(), at, observed))
	assert.Equal(t, at, s.Deadline())

	require.Equal(t, ActionNone, s.Step(context.Background(), clock.advance(time.Second), observed))
	assert.Equal(t, 1, commander.count(ActionArm))
}

func TestSequencer_ManualOverrideReopensGuard(t *testing.T) {
	s, commander, clock := newTestSequencer(Reply{Accepted: true})
	observed := telemetry.ControllerState{Connected: true, Mode: DefaultTargetMode, Armed: true}

	for i := 0; i < 200; i++ {
		s.Step(context.Background(), clock.advance(tick), observed)
	}
	require.Empty(t, commander.requests)

	// pilot switches back to position control
	observed.Mode = "POSCTL"
	s.Step(context.Background(), clock.advance(tick), observed)
	assert.Equal(t, 1, commander.count(ActionSetMode))
}

func TestSequencer_Run(t *testing.T) {
	commander := &fakeCommander{reply: Reply{Accepted: true}, clock: time.Now}
	s := New(commander, WithRetryInterval(20*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	poll := func() telemetry.ControllerState {
		return telemetry.ControllerState{Connected: true, Mode: "POSCTL"}
	}

	require.ErrorIs(t, s.Run(ctx, 5*time.Millisecond, poll), context.DeadlineExceeded)
	assert.GreaterOrEqual(t, commander.count(ActionSetMode), 2)
	assert.Equal(t, 0, commander.count(ActionArm))
}

func TestStateAndActionStrings(t *testing.T) {
	assert.Equal(t, "UNKNOWN", Unknown.String())
	assert.Equal(t, "AWAITING_ARM", AwaitingArm.String())
	assert.Equal(t, "State(42)", State(42).String())
	assert.Equal(t, "set-mode", ActionSetMode.String())
}
