package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
)

var _ Store = (*SqliteStore)(nil)

// SqliteStore handles database operations
type SqliteStore struct {
	dbPath string

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	readDB     *sql.DB
	readDBOnce sync.Once
	readDBErr  error

	closeOnce sync.Once
	closeErr  error
}

// NewSqliteStore creates a flight journal backed by the Sqlite database at
// dbPath. Connections are opened lazily; the schema is created with the
// first write.
func NewSqliteStore(dbPath string) *SqliteStore {
	return &SqliteStore{dbPath: dbPath}
}

func runSQLCommand(db *sql.DB, sql string) error {
	_, err := db.Exec(sql)
	return err
}

func (s *SqliteStore) getWriteDB() (*sql.DB, error) {
	s.writeDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on"))
		if err != nil {
			s.writeDBErr = fmt.Errorf("opening write connection: %w", err)
			return
		}
		db.SetMaxOpenConns(1)

		if err = runSQLCommand(db, initSchemaSQL); err != nil {
			_ = db.Close()
			s.writeDBErr = fmt.Errorf("initializing schema: %w", err)
			return
		}

		s.writeDB = db
	})

	return s.writeDB, s.writeDBErr
}

func (s *SqliteStore) getReadDB() (*sql.DB, error) {
	s.readDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "mode=ro"))
		if err != nil {
			s.readDBErr = fmt.Errorf("opening read connection: %w", err)
			return
		}
		s.readDB = db
	})

	return s.readDB, s.readDBErr
}

func (s *SqliteStore) CreateFlight(ctx context.Context, targetMode string, config any) (flight *Flight, err error) {
	configData, err := toConfigData(config)
	if err != nil {
		return
	}

	id, err := uuid.NewV7()
	if err != nil {
		err = fmt.Errorf("generating flight UUID: %w", err)
		return
	}

	db, err := s.getWriteDB()
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, insertFlightSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	f := Flight{
		UUID:       id,
		StartTime:  time.Now().UTC(),
		TargetMode: targetMode,
		Config:     configData,
	}

	result, err := stmt.ExecContext(ctx, f.UUID, f.StartTime, f.TargetMode, f.Config)
	if err != nil {
		err = fmt.Errorf("inserting flight: %w", err)
		return
	}

	if f.ID, err = result.LastInsertId(); err != nil {
		err = fmt.Errorf("getting flight ID: %w", err)
		return
	}

	return &f, nil
}

func (s *SqliteStore) InsertCommand(ctx context.Context, c CommandRecord) (commandID int64, err error) {
	db, err := s.getWriteDB()
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, insertCommandSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	repliedAt := c.RepliedAt
	if repliedAt.Valid {
		repliedAt.Time = repliedAt.Time.UTC()
	}

	result, err := stmt.ExecContext(ctx,
		c.FlightID,
		c.Kind,
		c.Argument,
		c.IssuedAt.UTC(),
		repliedAt,
		c.Accepted,
		c.Error,
	)
	if err != nil {
		err = fmt.Errorf("inserting command: %w", err)
		return
	}

	commandID, err = result.LastInsertId()
	if err != nil {
		err = fmt.Errorf("getting command ID: %w", err)
	}
	return
}

func (s *SqliteStore) InsertState(ctx context.Context, st StateRecord) (stateID int64, err error) {
	db, err := s.getWriteDB()
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, insertStateSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	result, err := stmt.ExecContext(ctx,
		st.FlightID,
		st.Timestamp.UTC(),
		st.Connected,
		st.Mode,
		st.Armed,
		st.SystemStatus,
	)
	if err != nil {
		err = fmt.Errorf("inserting state: %w", err)
		return
	}

	stateID, err = result.LastInsertId()
	if err != nil {
		err = fmt.Errorf("getting state ID: %w", err)
	}
	return
}

func (s *SqliteStore) BatchInsertSetpoints(ctx context.Context, setpoints []SetpointRecord) (err error) {
	if len(setpoints) == 0 {
		return
	}

	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollbackWithError(tx, &err)

	values := make([]any, 0, len(setpoints)*5)
	valuesPlaceholder := "(?, ?, ?, ?, ?)"

	var sb strings.Builder

	sb.WriteString(insertSetpointSQL)

	for i, sp := range setpoints {
		values = append(values,
			sp.FlightID,
			sp.Timestamp.UTC(),
			sp.X,
			sp.Y,
			sp.Z,
		)

		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(valuesPlaceholder)
	}

	if _, err = tx.ExecContext(ctx, sb.String(), values...); err != nil {
		return fmt.Errorf("batch inserting setpoints: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

func (s *SqliteStore) Flight(ctx context.Context, id int64) (flight *Flight, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, selectFlightSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	var f Flight
	if err = stmt.QueryRowContext(ctx, id).Scan(&f.ID, &f.UUID, &f.StartTime, &f.TargetMode, &f.Config); err != nil {
		err = fmt.Errorf("scanning flight: %w", err)
		return
	}

	return &f, nil
}

func (s *SqliteStore) Flights(ctx context.Context) (flights []*Flight, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectFlightsSQL)
	if err != nil {
		err = fmt.Errorf("querying flights: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var f Flight
		if err = rows.Scan(&f.ID, &f.UUID, &f.StartTime, &f.TargetMode, &f.Config); err != nil {
			err = fmt.Errorf("scanning flight: %w", err)
			return
		}
		flights = append(flights, &f)
	}
	err = rows.Err()
	return
}

func (s *SqliteStore) Commands(ctx context.Context, flightID int64) (commands []*CommandRecord, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectCommandsSQL, flightID)
	if err != nil {
		err = fmt.Errorf("querying commands: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var c CommandRecord
		if err = rows.Scan(&c.ID, &c.FlightID, &c.Kind, &c.Argument, &c.IssuedAt, &c.RepliedAt, &c.Accepted, &c.Error); err != nil {
			err = fmt.Errorf("scanning command: %w", err)
			return
		}
		commands = append(commands, &c)
	}
	err = rows.Err()
	return
}

func (s *SqliteStore) States(ctx context.Context, flightID int64) (states []*StateRecord, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectStatesSQL, flightID)
	if err != nil {
		err = fmt.Errorf("querying states: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var st StateRecord
		if err = rows.Scan(&st.ID, &st.FlightID, &st.Timestamp, &st.Connected, &st.Mode, &st.Armed, &st.SystemStatus); err != nil {
			err = fmt.Errorf("scanning state: %w", err)
			return
		}
		states = append(states, &st)
	}
	err = rows.Err()
	return
}

func (s *SqliteStore) Setpoints(ctx context.Context, flightID int64) (setpoints []*SetpointRecord, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectSetpointsSQL, flightID)
	if err != nil {
		err = fmt.Errorf("querying setpoints: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var sp SetpointRecord
		if err = rows.Scan(&sp.ID, &sp.FlightID, &sp.Timestamp, &sp.X, &sp.Y, &sp.Z); err != nil {
			err = fmt.Errorf("scanning setpoint: %w", err)
			return
		}
		setpoints = append(setpoints, &sp)
	}
	err = rows.Err()
	return
}

func (s *SqliteStore) Close() error {
	s.closeOnce.Do(func() {
		var writeErr, readErr error

		if s.writeDB != nil {
			_ = runSQLCommand(s.writeDB, initIndexesSQL)

			writeErr = s.writeDB.Close()
			s.writeDB = nil
		}

		if s.readDB != nil {
			readErr = s.readDB.Close()
			s.readDB = nil
		}

		s.closeErr = errors.Join(writeErr, readErr)
	})

	return s.closeErr
}
