package storage

import (
	"context"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the flight journal. It records every run of the control node
// together with the commands it issued, the controller state changes it
// observed and a sample of the setpoints it streamed.
type Store interface {
	// CreateFlight opens a new flight record.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - targetMode: Mode the sequencer brings the vehicle into
	//   - config: Optional run configuration. Can be string, []byte, or JSON-serializable object
	//
	// Returns:
	//   - flight: The stored flight, with its ID and UUID assigned
	//   - error: If the flight cannot be created or context is cancelled
	CreateFlight(ctx context.Context, targetMode string, config any) (flight *Flight, err error)

	// InsertCommand stores a command attempt and returns its ID
	InsertCommand(ctx context.Context, c CommandRecord) (int64, error)

	// InsertState stores a controller state change and returns its ID
	InsertState(ctx context.Context, s StateRecord) (int64, error)

	// BatchInsertSetpoints stores setpoint samples in a single transaction
	BatchInsertSetpoints(ctx context.Context, setpoints []SetpointRecord) error

	// Flight returns a flight by its ID
	Flight(ctx context.Context, id int64) (*Flight, error)

	// Flights returns all flights ordered by start time
	Flights(ctx context.Context) ([]*Flight, error)

	// Commands returns the command attempts of a flight in issue order
	Commands(ctx context.Context, flightID int64) ([]*CommandRecord, error)

	// States returns the controller state changes of a flight in time order
	States(ctx context.Context, flightID int64) ([]*StateRecord, error)

	// Setpoints returns the setpoint samples of a flight in time order
	Setpoints(ctx context.Context, flightID int64) ([]*SetpointRecord, error)

	// Close releases all database connections and resources.
	// It is safe to call Close multiple times.
	Close() error
}
