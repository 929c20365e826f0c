package app

import (
	"errors"
	"flag"
	"io"
	"os"
)

type Config struct {
	DBPath        string
	FlightID      int64
	ShowStates    bool
	ShowSetpoints bool
	Output        io.Writer
}

func NewConfig() *Config {
	return &Config{
		Output: os.Stdout,
	}
}

func NewConfigFromCLI() (*Config, error) {
	return ParseArgs(flag.CommandLine, os.Args[1:])
}

// ParseArgs reads the command line into a Config
func ParseArgs(fs *flag.FlagSet, args []string) (*Config, error) {
	c := NewConfig()

	fs.StringVar(&c.DBPath, "db", "", "Path to the flight journal database file")
	fs.Int64Var(&c.FlightID, "f", 0, "Flight ID. Lists all flights when omitted")
	fs.BoolVar(&c.ShowStates, "states", false, "Print flight controller state changes")
	fs.BoolVar(&c.ShowSetpoints, "setpoints", false, "Print sampled setpoints")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var err error
	if c.DBPath == "" {
		err = errors.New("db path is required")
	} else if c.FlightID < 0 {
		err = errors.New("flight id must be positive")
	}

	if err != nil {
		fs.Usage()
		return nil, err
	}

	return c, nil
}
