package sequencer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/roman-kulish/offboard-control/internal/telemetry"
)

const (
	// DefaultTargetMode is the autonomous mode the vehicle is brought into
	DefaultTargetMode = "OFFBOARD"

	// DefaultRetryInterval is the minimum time between two requests
	DefaultRetryInterval = 5 * time.Second
)

// State is the sequencer view of the vehicle
type State int

const (
	// Unknown is the state before the first evaluation
	Unknown State = iota

	// AwaitingMode means the controller is not in the target mode
	AwaitingMode

	// AwaitingArm means the controller is in the target mode but disarmed
	AwaitingArm

	// Ready means the controller is in the target mode and armed
	Ready
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "UNKNOWN"
	case AwaitingMode:
		return "AWAITING_MODE"
	case AwaitingArm:
		return "AWAITING_ARM"
	case Ready:
		return "READY"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Action is the request issued on a tick
type Action int

const (
	ActionNone Action = iota
	ActionSetMode
	ActionArm
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionSetMode:
		return "set-mode"
	case ActionArm:
		return "arm"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// StateOf classifies the controller state against the target mode
func StateOf(s telemetry.ControllerState, target string) State {
	switch {
	case s.Mode != target:
		return AwaitingMode
	case !s.Armed:
		return AwaitingArm
	default:
		return Ready
	}
}

// Decide returns the request to issue for the given state. A request is only
// allowed once more than retry has elapsed since the deadline; a mode switch
// always takes priority, so at most one action is produced per tick.
func Decide(state State, now, deadline time.Time, retry time.Duration) Action {
	if now.Sub(deadline) <= retry {
		return ActionNone
	}

	switch state {
	case AwaitingMode:
		return ActionSetMode
	case AwaitingArm:
		return ActionArm
	default:
		return ActionNone
	}
}

// Reply is the outcome of a request. Accepted carries "mode sent" for mode
// changes and "success" for arming; Err explains a failed or refused request.
type Reply struct {
	Accepted bool
	Err      error
}

// Commander issues requests to the flight controller. Calls must not block:
// the reply callback is invoked later, from any goroutine.
type Commander interface {
	SetMode(ctx context.Context, mode string, reply func(Reply))
	Arm(ctx context.Context, arm bool, reply func(Reply))
}

// Attempt describes one issued request and its reply
type Attempt struct {
	Action    Action
	Argument  string
	IssuedAt  time.Time
	RepliedAt time.Time
	Reply     Reply
}

// Recorder receives every attempt once its reply is known
type Recorder interface {
	RecordAttempt(a Attempt)
}

// WithLogger sets the logger for the sequencer
func WithLogger(logger *slog.Logger) func(*Sequencer) {
	return func(s *Sequencer) {
		s.logger = logger.With(slog.String("component", "sequencer"))
	}
}

// WithTargetMode sets the mode the sequencer brings the vehicle into
func WithTargetMode(mode string) func(*Sequencer) {
	return func(s *Sequencer) {
		s.target = mode
	}
}

// WithRetryInterval sets the minimum time between two requests
func WithRetryInterval(d time.Duration) func(*Sequencer) {
	return func(s *Sequencer) {
		s.retry = d
	}
}

// WithRecorder sets the attempt recorder
func WithRecorder(r Recorder) func(*Sequencer) {
	return func(s *Sequencer) {
		s.recorder = r
	}
}

// WithMetrics registers the sequencer counters in the registry
func WithMetrics(registry metrics.Registry) func(*Sequencer) {
	return func(s *Sequencer) {
		s.modeRequests = metrics.NewRegisteredCounter("sequencer.mode_requests", registry)
		s.armRequests = metrics.NewRegisteredCounter("sequencer.arm_requests", registry)
		s.rejected = metrics.NewRegisteredCounter("sequencer.rejected", registry)
	}
}

// WithClock replaces the time source
func WithClock(now func() time.Time) func(*Sequencer) {
	return func(s *Sequencer) {
		s.now = now
	}
}

// Sequencer drives the vehicle into the target mode and arms it, retrying
// forever at a fixed interval for as long as the observed state requires.
type Sequencer struct {
	commander Commander
	target    string
	retry     time.Duration
	recorder  Recorder
	now       func() time.Time

	mu       sync.Mutex
	deadline time.Time
	state    State

	modeRequests metrics.Counter
	armRequests  metrics.Counter
	rejected     metrics.Counter
	logger       *slog.Logger
}

// New creates a Sequencer. The command deadline starts at creation time, so
// the first request is issued one retry interval later.
func New(commander Commander, options ...func(*Sequencer)) *Sequencer {
	s := Sequencer{
		commander:    commander,
		target:       DefaultTargetMode,
		retry:        DefaultRetryInterval,
		now:          time.Now,
		modeRequests: metrics.NewCounter(),
		armRequests:  metrics.NewCounter(),
		rejected:     metrics.NewCounter(),
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&s)
	}

	s.deadline = s.now()
	return &s
}

// Step evaluates the guards against the observed controller state and issues
// at most one request. The deadline is reset whenever a request goes out,
// whatever its reply turns out to be.
func (s *Sequencer) Step(ctx context.Context, now time.Time, observed telemetry.ControllerState) Action {
	state := StateOf(observed, s.target)

	s.mu.Lock()
	if state != s.state {
		s.logger.Info("sequencer state changed",
			slog.String("from", s.state.String()),
			slog.String("to", state.String()),
			slog.String("mode", observed.Mode),
			slog.Bool("armed", observed.Armed))
		s.state = state
	}

	action := Decide(state, now, s.deadline, s.retry)
	if action != ActionNone {
		s.deadline = now
	}
	s.mu.Unlock()

	switch action {
	case ActionSetMode:
		s.modeRequests.Inc(1)
		s.logger.Debug("requesting mode change", slog.String("mode", s.target))
		s.commander.SetMode(ctx, s.target, s.replyHandler(action, s.target, now))

	case ActionArm:
		s.armRequests.Inc(1)
		s.logger.Debug("requesting arming")
		s.commander.Arm(ctx, true, s.replyHandler(action, "true", now))
	}

	return action
}

// Run evaluates the sequencer once per tick until ctx is done
func (s *Sequencer) Run(ctx context.Context, tick time.Duration, poll func() telemetry.ControllerState) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Step(ctx, s.now(), poll())
		}
	}
}

// State returns the state observed on the latest step
func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Deadline returns the time the latest request was issued
func (s *Sequencer) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline
}

func (s *Sequencer) replyHandler(action Action, argument string, issuedAt time.Time) func(Reply) {
	return func(r Reply) {
		switch {
		case r.Err != nil:
			s.rejected.Inc(1)
			s.logger.Warn(fmt.Sprintf("%s request failed: %s", action, r.Err.Error()))

		case !r.Accepted:
			s.rejected.Inc(1)
			s.logger.Warn(fmt.Sprintf("%s request rejected", action))

		case action == ActionSetMode:
			s.logger.Info("mode enabled", slog.String("mode", argument))

		case action == ActionArm:
			s.logger.Info("vehicle armed")
		}

		if s.recorder != nil {
			s.recorder.RecordAttempt(Attempt{
				Action:    action,
				Argument:  argument,
				IssuedAt:  issuedAt,
				RepliedAt: s.now(),
				Reply:     r,
			})
		}
	}
}
