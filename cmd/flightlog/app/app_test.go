package app

import (
	"bytes"
	"context"
	"database/sql"
	"flag"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/offboard-control/internal/storage"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("flightlog", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestParseArgs(t *testing.T) {
	c, err := ParseArgs(newFlagSet(), []string{"-db", "journal.db", "-f", "3", "-states"})
	require.NoError(t, err)
	assert.Equal(t, "journal.db", c.DBPath)
	assert.Equal(t, int64(3), c.FlightID)
	assert.True(t, c.ShowStates)
	assert.False(t, c.ShowSetpoints)

	_, err = ParseArgs(newFlagSet(), nil)
	assert.Error(t, err)

	_, err = ParseArgs(newFlagSet(), []string{"-db", "journal.db", "-f", "-1"})
	assert.Error(t, err)
}

func seedJournal(t *testing.T) (string, *storage.Flight) {
	t.Helper()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "journal.db")
	store := storage.NewSqliteStore(path)
	defer store.Close()

	flight, err := store.CreateFlight(ctx, "OFFBOARD", nil)
	require.NoError(t, err)

	issued := flight.StartTime.Add(5 * time.Second)
	_, err = store.InsertCommand(ctx, storage.CommandRecord{
		FlightID:  flight.ID,
		Kind:      "set-mode",
		Argument:  "OFFBOARD",
		IssuedAt:  issued,
		RepliedAt: sql.NullTime{Time: issued.Add(25 * time.Millisecond), Valid: true},
		Accepted:  true,
	})
	require.NoError(t, err)

	_, err = store.InsertCommand(ctx, storage.CommandRecord{
		FlightID: flight.ID,
		Kind:     "arm",
		Argument: "true",
		IssuedAt: issued.Add(5 * time.Second),
		Error:    sql.NullString{String: "command not acknowledged: COMPONENT_ARM_DISARM", Valid: true},
	})
	require.NoError(t, err)

	_, err = store.InsertState(ctx, storage.StateRecord{
		FlightID: flight.ID, Timestamp: issued, Connected: true, Mode: "OFFBOARD", SystemStatus: "STANDBY",
	})
	require.NoError(t, err)

	require.NoError(t, store.BatchInsertSetpoints(ctx, []storage.SetpointRecord{
		{FlightID: flight.ID, Timestamp: issued, X: 1.25, Y: -0.5, Z: 2},
	}))

	return path, flight
}

func TestRun_ListsFlights(t *testing.T) {
	path, flight := seedJournal(t)

	var out bytes.Buffer
	err := Run(context.Background(), &Config{DBPath: path, Output: &out}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	assert.Contains(t, out.String(), flight.UUID.String())
	assert.Contains(t, out.String(), "OFFBOARD")
}

func TestRun_PrintsFlight(t *testing.T) {
	path, flight := seedJournal(t)

	var out bytes.Buffer
	config := &Config{DBPath: path, FlightID: flight.ID, ShowStates: true, ShowSetpoints: true, Output: &out}
	require.NoError(t, Run(context.Background(), config, slog.New(slog.NewTextHandler(io.Discard, nil))))

	s := out.String()
	assert.Contains(t, s, "2 command attempts, 1 accepted")
	assert.Contains(t, s, "+5s")
	assert.Contains(t, s, "25ms")
	assert.Contains(t, s, "command not acknowledged")
	assert.Contains(t, s, "1 state changes")
	assert.Contains(t, s, "STANDBY")
	assert.Contains(t, s, "1 setpoint samples")
	assert.Contains(t, s, "1.25m")
	assert.Contains(t, s, "-0.5m")
}

func TestRun_MissingDatabase(t *testing.T) {
	config := &Config{DBPath: filepath.Join(t.TempDir(), "missing.db"), Output: io.Discard}
	assert.Error(t, Run(context.Background(), config, slog.New(slog.NewTextHandler(io.Discard, nil))))
}
