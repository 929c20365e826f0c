package mavlink

import (
	"errors"
	"fmt"

	"github.com/bluenviron/gomavlib/v3"
)

// Endpoint kinds
const (
	EndpointUDPServer = "udp-server"
	EndpointUDPClient = "udp-client"
	EndpointTCPClient = "tcp-client"
	EndpointSerial    = "serial"
)

const (
	defaultSystemID    = 255
	defaultComponentID = 191 // MAV_COMP_ID_ONBOARD_COMPUTER
	defaultBaud        = 57600
)

// Config describes the MAVLink endpoint and the identity of this node
type Config struct {
	Endpoint    string `yaml:"endpoint" json:"endpoint"`                     // One of udp-server, udp-client, tcp-client, serial
	Address     string `yaml:"address,omitempty" json:"address,omitempty"`   // host:port for network endpoints
	Device      string `yaml:"device,omitempty" json:"device,omitempty"`     // Serial device path
	Baud        int    `yaml:"baud,omitempty" json:"baud,omitempty"`         // Serial baud rate
	SystemID    byte   `yaml:"systemId,omitempty" json:"systemId,omitempty"` // Outgoing system id
	ComponentID byte   `yaml:"componentId,omitempty" json:"componentId,omitempty"`
}

// SetDefaults fills the zero fields
func (c *Config) SetDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = EndpointUDPServer
	}
	if c.Address == "" && c.Endpoint != EndpointSerial {
		c.Address = "0.0.0.0:14540"
	}
	if c.Baud == 0 {
		c.Baud = defaultBaud
	}
	if c.SystemID == 0 {
		c.SystemID = defaultSystemID
	}
	if c.ComponentID == 0 {
		c.ComponentID = defaultComponentID
	}
}

// Validate checks the endpoint description
func (c Config) Validate() error {
	_, err := c.endpoint()
	return err
}

func (c Config) endpoint() (gomavlib.EndpointConf, error) {
	switch c.Endpoint {
	case EndpointUDPServer, EndpointUDPClient, EndpointTCPClient:
		if c.Address == "" {
			return nil, fmt.Errorf("mavlink %s endpoint: address is required", c.Endpoint)
		}
	case EndpointSerial:
		if c.Device == "" {
			return nil, errors.New("mavlink serial endpoint: device is required")
		}
	}

	switch c.Endpoint {
	case EndpointUDPServer:
		return gomavlib.EndpointUDPServer{Address: c.Address}, nil
	case EndpointUDPClient:
		return gomavlib.EndpointUDPClient{Address: c.Address}, nil
	case EndpointTCPClient:
		return gomavlib.EndpointTCPClient{Address: c.Address}, nil
	case EndpointSerial:
		return gomavlib.EndpointSerial{Device: c.Device, Baud: c.Baud}, nil
	default:
		return nil, fmt.Errorf("unknown mavlink endpoint %q", c.Endpoint)
	}
}
