package storage

import (
	"database/sql"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Flight is one run of the control node
type Flight struct {
	ID         int64
	UUID       uuid.UUID
	StartTime  time.Time
	TargetMode string
	Config     sql.NullString
}

// CommandRecord is one mode or arming request and its reply
type CommandRecord struct {
	ID        int64
	FlightID  int64
	Kind      string
	Argument  string
	IssuedAt  time.Time
	RepliedAt sql.NullTime
	Accepted  bool
	Error     sql.NullString
}

// StateRecord is a flight controller state change
type StateRecord struct {
	ID           int64
	FlightID     int64
	Timestamp    time.Time
	Connected    bool
	Mode         string
	Armed        bool
	SystemStatus string
}

// SetpointRecord is a sampled published setpoint, world frame
type SetpointRecord struct {
	ID        int64
	FlightID  int64
	Timestamp time.Time
	X         float64
	Y         float64
	Z         float64
}
