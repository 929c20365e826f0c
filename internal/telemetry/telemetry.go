package telemetry

import (
	"time"

	"github.com/roman-kulish/offboard-control/internal/geometry"
)

type (
	// AttitudeTracker holds the latest body-to-world orientation
	AttitudeTracker = Tracker[geometry.Orientation]

	// ReferenceTracker holds the latest absolute position in the world frame
	ReferenceTracker = Tracker[geometry.Vector]

	// StateTracker holds the latest flight controller state snapshot
	StateTracker = Tracker[ControllerState]
)

// ControllerState is the flight controller state as last reported over the link
type ControllerState struct {
	Timestamp    time.Time `json:"timestamp"`              // Time of the heartbeat the state was derived from
	Connected    bool      `json:"connected"`              // Link is alive (heartbeat within timeout)
	Mode         string    `json:"mode"`                   // Flight mode name, e.g. "OFFBOARD"
	Armed        bool      `json:"armed"`                  // Motors armed
	SystemStatus string    `json:"systemStatus,omitempty"` // Autopilot system status, e.g. "STANDBY"
}

// Equal reports whether two states describe the same controller condition,
// ignoring the timestamp.
func (s ControllerState) Equal(other ControllerState) bool {
	return s.Connected == other.Connected &&
		s.Mode == other.Mode &&
		s.Armed == other.Armed &&
		s.SystemStatus == other.SystemStatus
}
