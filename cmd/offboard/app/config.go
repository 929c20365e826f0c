package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roman-kulish/offboard-control/internal/geometry"
	"github.com/roman-kulish/offboard-control/internal/mavlink"
	"github.com/roman-kulish/offboard-control/internal/monitor"
	"github.com/roman-kulish/offboard-control/internal/sequencer"
	"github.com/roman-kulish/offboard-control/internal/setpoint"
	"github.com/roman-kulish/offboard-control/internal/vision"
)

const (
	VisionSourceUDP     VisionSource = "udp"
	VisionSourceProcess VisionSource = "process"
	VisionSourceMAVLink VisionSource = "mavlink"
)

type VisionSource string

const (
	defaultVisionAddress       = "127.0.0.1:5005"
	defaultStorageDir          = "data"
	defaultMaxBatchSize        = 100
	defaultSampleInterval      = time.Second
	defaultJournalBufferSize   = 256
	defaultMonitorAddress      = "127.0.0.1:8080"
	defaultMetricsLogInterval  = time.Minute
	defaultConnectionPollDelay = 50 * time.Millisecond
)

// Config represents the main application configuration
type Config struct {
	Settings Settings      `yaml:"settings" json:"settings"`
	MAVLink  MAVLinkConfig `yaml:"mavlink" json:"mavlink"`
	Control  ControlConfig `yaml:"control" json:"control"`
	Vision   VisionConfig  `yaml:"vision" json:"vision"`
	Storage  StorageConfig `yaml:"storage" json:"storage"`
	Monitor  MonitorConfig `yaml:"monitor" json:"monitor"`
}

// Settings represents global application settings
type Settings struct {
	LogLevel           string   `yaml:"logLevel" json:"logLevel"`
	MetricsLogInterval Duration `yaml:"metricsLogInterval" json:"metricsLogInterval"`
}

// Level returns the configured log level, info when unset
func (s Settings) Level() (slog.Level, error) {
	var level slog.Level
	if s.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s.LogLevel, err)
	}
	return level, nil
}

// MAVLinkConfig represents the flight controller link settings
type MAVLinkConfig struct {
	mavlink.Config   `yaml:",inline"`
	HeartbeatTimeout Duration `yaml:"heartbeatTimeout" json:"heartbeatTimeout"`
	AckTimeout       Duration `yaml:"ackTimeout" json:"ackTimeout"`
}

// Point is a world frame position, metres
type Point struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
	Z float64 `yaml:"z" json:"z"`
}

func (p Point) Vector() geometry.Vector {
	return geometry.NewVector(p.X, p.Y, p.Z)
}

// ControlConfig represents the setpoint stream and command sequencing settings
type ControlConfig struct {
	Rate            float64  `yaml:"rate" json:"rate"`                       // Setpoint publishing rate, Hz
	WarmUpCount     int      `yaml:"warmUpCount" json:"warmUpCount"`         // Setpoints streamed before the first request
	RetryInterval   Duration `yaml:"retryInterval" json:"retryInterval"`     // Minimum time between two requests
	TargetMode      string   `yaml:"targetMode" json:"targetMode"`           // Mode the vehicle is brought into
	InitialSetpoint *Point   `yaml:"initialSetpoint" json:"initialSetpoint"` // Setpoint held until the first observation
	PollInterval    Duration `yaml:"pollInterval" json:"pollInterval"`       // Connection gate polling interval
}

// VisionConfig represents the observation source settings
type VisionConfig struct {
	Source               VisionSource `yaml:"source" json:"source"`
	Address              string       `yaml:"address,omitempty" json:"address,omitempty"`
	Command              string       `yaml:"command,omitempty" json:"command,omitempty"`
	Args                 []string     `yaml:"args,omitempty" json:"args,omitempty"`
	ParseErrorsThreshold uint8        `yaml:"parseErrorsThreshold,omitempty" json:"parseErrorsThreshold,omitempty"`
}

// StorageConfig represents flight journal settings
type StorageConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	DataDirectory  string   `yaml:"dataDirectory" json:"dataDirectory"`
	MaxBatchSize   int      `yaml:"maxBatchSize" json:"maxBatchSize"`
	SampleInterval Duration `yaml:"sampleInterval" json:"sampleInterval"` // Minimum time between two journaled setpoints
	BufferSize     int      `yaml:"bufferSize" json:"bufferSize"`
}

// MonitorConfig represents the websocket status endpoint settings
type MonitorConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Address  string   `yaml:"address" json:"address"`
	Interval Duration `yaml:"interval" json:"interval"`
}

// NewConfig returns a configuration holding every default
func NewConfig() *Config {
	c := Config{
		Settings: Settings{
			LogLevel:           "info",
			MetricsLogInterval: NewDuration(defaultMetricsLogInterval),
		},
		MAVLink: MAVLinkConfig{
			HeartbeatTimeout: NewDuration(mavlink.DefaultHeartbeatTimeout),
			AckTimeout:       NewDuration(mavlink.DefaultAckTimeout),
		},
		Control: ControlConfig{
			Rate:          setpoint.DefaultRate,
			WarmUpCount:   setpoint.DefaultWarmUpCount,
			RetryInterval: NewDuration(sequencer.DefaultRetryInterval),
			TargetMode:    sequencer.DefaultTargetMode,
			PollInterval:  NewDuration(defaultConnectionPollDelay),
		},
		Vision: VisionConfig{
			Source:               VisionSourceUDP,
			Address:              defaultVisionAddress,
			ParseErrorsThreshold: vision.ParseErrorsThreshold,
		},
		Storage: StorageConfig{
			Enabled:        true,
			DataDirectory:  defaultStorageDir,
			MaxBatchSize:   defaultMaxBatchSize,
			SampleInterval: NewDuration(defaultSampleInterval),
			BufferSize:     defaultJournalBufferSize,
		},
		Monitor: MonitorConfig{
			Address:  defaultMonitorAddress,
			Interval: NewDuration(monitor.DefaultInterval),
		},
	}
	c.MAVLink.SetDefaults()

	return &c
}

// LoadConfig reads the YAML configuration at path over the defaults and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig decodes a YAML configuration over the defaults and validates it
func ParseConfig(data []byte) (*Config, error) {
	c := NewConfig()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}

	c.MAVLink.SetDefaults()
	c.Control.TargetMode = strings.ToUpper(c.Control.TargetMode)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// InitialSetpoint returns the setpoint held before the first observation
func (c *Config) InitialSetpoint() geometry.Vector {
	if c.Control.InitialSetpoint == nil {
		return setpoint.Default
	}
	return c.Control.InitialSetpoint.Vector()
}

// Validate checks the whole configuration and reports every problem found
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.Settings.Level(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Settings.MetricsLogInterval.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("settings.metricsLogInterval: %w", err))
	}

	if err := c.MAVLink.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.MAVLink.HeartbeatTimeout.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("mavlink.heartbeatTimeout: %w", err))
	}
	if err := c.MAVLink.AckTimeout.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("mavlink.ackTimeout: %w", err))
	}

	if c.Control.Rate <= setpoint.MinRate {
		errs = append(errs, fmt.Errorf("control.rate: %w: %.1fHz given", setpoint.ErrRateTooLow, c.Control.Rate))
	}
	if c.Control.WarmUpCount < 1 {
		errs = append(errs, fmt.Errorf("control.warmUpCount: must be at least 1: %d given", c.Control.WarmUpCount))
	}
	if err := c.Control.RetryInterval.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("control.retryInterval: %w", err))
	}
	if err := c.Control.PollInterval.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("control.pollInterval: %w", err))
	}
	if !mavlink.ValidMode(c.Control.TargetMode) {
		errs = append(errs, fmt.Errorf("control.targetMode: %w: %s", mavlink.ErrUnknownMode, c.Control.TargetMode))
	}

	switch c.Vision.Source {
	case VisionSourceUDP:
		if c.Vision.Address == "" {
			errs = append(errs, errors.New("vision.address is required for the udp source"))
		}
	case VisionSourceProcess:
		if c.Vision.Command == "" {
			errs = append(errs, errors.New("vision.command is required for the process source"))
		}
		if c.Vision.ParseErrorsThreshold == 0 {
			errs = append(errs, errors.New("vision.parseErrorsThreshold must be at least 1"))
		}
	case VisionSourceMAVLink:
	default:
		errs = append(errs, fmt.Errorf("vision.source: unknown source '%s'", c.Vision.Source))
	}

	if c.Storage.Enabled {
		if c.Storage.MaxBatchSize < 1 {
			errs = append(errs, fmt.Errorf("storage.maxBatchSize: must be at least 1: %d given", c.Storage.MaxBatchSize))
		}
		if c.Storage.BufferSize < 1 {
			errs = append(errs, fmt.Errorf("storage.bufferSize: must be at least 1: %d given", c.Storage.BufferSize))
		}
		if err := c.Storage.SampleInterval.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("storage.sampleInterval: %w", err))
		}
	}

	if c.Monitor.Enabled {
		if c.Monitor.Address == "" {
			errs = append(errs, errors.New("monitor.address is required"))
		}
		if err := c.Monitor.Interval.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("monitor.interval: %w", err))
		}
	}

	return errors.Join(errs...)
}
