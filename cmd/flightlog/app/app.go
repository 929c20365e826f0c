package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/roman-kulish/offboard-control/internal/storage"
)

func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	if _, err := os.Stat(config.DBPath); err != nil && os.IsNotExist(err) {
		return fmt.Errorf("database file '%s' does not exist: %w", config.DBPath, err)
	}

	store := storage.NewSqliteStore(config.DBPath)
	defer store.Close()

	if config.FlightID == 0 {
		return printFlights(ctx, store, config.Output)
	}

	logger.Debug("reading flight", slog.Int64("flight", config.FlightID))
	return printFlight(ctx, store, config)
}

func printFlights(ctx context.Context, store storage.Store, out io.Writer) error {
	flights, err := store.Flights(ctx)
	if err != nil {
		return fmt.Errorf("reading flights: %w", err)
	}

	if len(flights) == 0 {
		_, err = fmt.Fprintln(out, "no flights recorded")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUUID\tSTARTED\tTARGET MODE")
	for _, f := range flights {
		fmt.Fprintf(w, "%d\t%s\t%s (%s)\t%s\n",
			f.ID, f.UUID, f.StartTime.UTC().Format(time.DateTime), humanize.Time(f.StartTime), f.TargetMode)
	}
	return w.Flush()
}

func printFlight(ctx context.Context, store storage.Store, config *Config) error {
	flight, err := store.Flight(ctx, config.FlightID)
	if err != nil {
		return fmt.Errorf("reading flight %d: %w", config.FlightID, err)
	}

	commands, err := store.Commands(ctx, flight.ID)
	if err != nil {
		return fmt.Errorf("reading commands: %w", err)
	}

	out := config.Output
	fmt.Fprintf(out, "flight %d (%s)\n", flight.ID, flight.UUID)
	fmt.Fprintf(out, "started %s (%s), target mode %s\n",
		flight.StartTime.UTC().Format(time.DateTime), humanize.Time(flight.StartTime), flight.TargetMode)

	var accepted int64
	for _, c := range commands {
		if c.Accepted {
			accepted++
		}
	}
	fmt.Fprintf(out, "\n%s command attempts, %s accepted\n", humanize.Comma(int64(len(commands))), humanize.Comma(accepted))

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ISSUED\tKIND\tARGUMENT\tRESULT\tLATENCY")
	for _, c := range commands {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			offset(flight.StartTime, c.IssuedAt), c.Kind, c.Argument, commandResult(c), latency(c))
	}
	if err = w.Flush(); err != nil {
		return err
	}

	if config.ShowStates {
		if err = printStates(ctx, store, flight, out); err != nil {
			return err
		}
	}

	if config.ShowSetpoints {
		if err = printSetpoints(ctx, store, flight, out); err != nil {
			return err
		}
	}

	return nil
}

func printStates(ctx context.Context, store storage.Store, flight *storage.Flight, out io.Writer) error {
	states, err := store.States(ctx, flight.ID)
	if err != nil {
		return fmt.Errorf("reading states: %w", err)
	}

	fmt.Fprintf(out, "\n%s state changes\n", humanize.Comma(int64(len(states))))

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AT\tCONNECTED\tMODE\tARMED\tSTATUS")
	for _, s := range states {
		fmt.Fprintf(w, "%s\t%t\t%s\t%t\t%s\n",
			offset(flight.StartTime, s.Timestamp), s.Connected, s.Mode, s.Armed, s.SystemStatus)
	}
	return w.Flush()
}

func printSetpoints(ctx context.Context, store storage.Store, flight *storage.Flight, out io.Writer) error {
	setpoints, err := store.Setpoints(ctx, flight.ID)
	if err != nil {
		return fmt.Errorf("reading setpoints: %w", err)
	}

	fmt.Fprintf(out, "\n%s setpoint samples\n", humanize.Comma(int64(len(setpoints))))

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AT\tX\tY\tZ")
	for _, sp := range setpoints {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			offset(flight.StartTime, sp.Timestamp), metres(sp.X), metres(sp.Y), metres(sp.Z))
	}
	return w.Flush()
}

func offset(start, t time.Time) string {
	return "+" + t.Sub(start).Round(time.Millisecond).String()
}

func metres(v float64) string {
	return humanize.FtoaWithDigits(v, 2) + "m"
}

func commandResult(c *storage.CommandRecord) string {
	switch {
	case c.Accepted:
		return "accepted"
	case c.Error.Valid:
		return c.Error.String
	default:
		return "rejected"
	}
}

func latency(c *storage.CommandRecord) string {
	if !c.RepliedAt.Valid {
		return "-"
	}
	return c.RepliedAt.Time.Sub(c.IssuedAt).Round(time.Millisecond).String()
}
