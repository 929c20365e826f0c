package app

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/offboard-control/internal/geometry"
	"github.com/roman-kulish/offboard-control/internal/mavlink"
	"github.com/roman-kulish/offboard-control/internal/setpoint"
)

func TestParseConfig_Defaults(t *testing.T) {
	c, err := ParseConfig([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, 20.0, c.Control.Rate)
	assert.Equal(t, 100, c.Control.WarmUpCount)
	assert.Equal(t, 5*time.Second, c.Control.RetryInterval.Duration())
	assert.Equal(t, "OFFBOARD", c.Control.TargetMode)
	assert.Equal(t, 10*time.Second, c.MAVLink.HeartbeatTimeout.Duration())
	assert.Equal(t, 3*time.Second, c.MAVLink.AckTimeout.Duration())
	assert.Equal(t, mavlink.EndpointUDPServer, c.MAVLink.Endpoint)
	assert.Equal(t, geometry.NewVector(0, 0, 2), c.InitialSetpoint())
	assert.Equal(t, VisionSourceUDP, c.Vision.Source)
	assert.True(t, c.Storage.Enabled)
	assert.False(t, c.Monitor.Enabled)

	level, err := c.Settings.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestLoadConfig(t *testing.T) {
	data := `
settings:
  logLevel: debug
mavlink:
  endpoint: serial
  device: /dev/ttyACM0
  baud: 921600
  heartbeatTimeout: 2s
control:
  rate: 30
  warmUpCount: 60
  retryInterval: 2500ms
  targetMode: offboard
  initialSetpoint: {x: 1, y: -1, z: 3}
vision:
  source: process
  command: detector
  args: ["--camera", "/dev/video0"]
monitor:
  enabled: true
  address: 0.0.0.0:9090
  interval: 250ms
`
	path := filepath.Join(t.TempDir(), "offboard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	c, err := LoadConfig(path)
	require.NoError(t, err)

	level, err := c.Settings.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	assert.Equal(t, mavlink.EndpointSerial, c.MAVLink.Endpoint)
	assert.Equal(t, "/dev/ttyACM0", c.MAVLink.Device)
	assert.Equal(t, 921600, c.MAVLink.Baud)
	assert.Equal(t, 2*time.Second, c.MAVLink.HeartbeatTimeout.Duration())
	assert.Equal(t, 3*time.Second, c.MAVLink.AckTimeout.Duration())

	assert.Equal(t, 30.0, c.Control.Rate)
	assert.Equal(t, 60, c.Control.WarmUpCount)
	assert.Equal(t, 2500*time.Millisecond, c.Control.RetryInterval.Duration())
	assert.Equal(t, "OFFBOARD", c.Control.TargetMode)
	assert.Equal(t, geometry.NewVector(1, -1, 3), c.InitialSetpoint())

	assert.Equal(t, VisionSourceProcess, c.Vision.Source)
	assert.Equal(t, []string{"--camera", "/dev/video0"}, c.Vision.Args)

	assert.True(t, c.Monitor.Enabled)
	assert.Equal(t, 250*time.Millisecond, c.Monitor.Interval.Duration())
}

func TestParseConfig_Invalid(t *testing.T) {
	testCases := []struct {
		name string
		data string
	}{
		{"rate at floor", "control: {rate: 2}"},
		{"rate below floor", "control: {rate: 1}"},
		{"no warm-up", "control: {warmUpCount: 0}"},
		{"negative retry", "control: {retryInterval: -1s}"},
		{"unknown mode", "control: {targetMode: WARP}"},
		{"bad duration", "control: {retryInterval: soon}"},
		{"unknown endpoint", "mavlink: {endpoint: carrier-pigeon}"},
		{"serial without device", "mavlink: {endpoint: serial}"},
		{"process without command", "vision: {source: process}"},
		{"unknown vision source", "vision: {source: radar}"},
		{"bad log level", "settings: {logLevel: loud}"},
		{"monitor without address", "monitor: {enabled: true, address: ''}"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tc.data))
			assert.Error(t, err)
		})
	}
}

func TestParseConfig_RateTooLow(t *testing.T) {
	_, err := ParseConfig([]byte("control: {rate: 2}"))
	assert.ErrorIs(t, err, setpoint.ErrRateTooLow)
}

func TestDuration_JSON(t *testing.T) {
	p, err := json.Marshal(struct {
		D Duration `json:"d"`
	}{NewDuration(1500 * time.Millisecond)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"d":"1.5s"}`, string(p))

	var v struct {
		D Duration `json:"d"`
	}
	require.NoError(t, json.Unmarshal(p, &v))
	assert.Equal(t, 1500*time.Millisecond, v.D.Duration())
}
