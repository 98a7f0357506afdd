package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	DefaultPort        = 5672
	DefaultVirtualHost = "/"
	DefaultLocale      = "en_US"
	DefaultLogin       = "guest"
	DefaultPassword    = "guest"
	// DefaultFrameMax is used when the server tunes frame_max to zero.
	DefaultFrameMax = 131072
)

// ClientConfig holds everything a connection needs before it dials.
type ClientConfig struct {
	Host        string      `toml:"host"`
	Port        int         `toml:"port"`
	VirtualHost string      `toml:"virtual_host"`
	Credentials Credentials `toml:"credentials"`
	Mechanism   Mechanism   `toml:"mechanism"`
	Locale      string      `toml:"locale"`

	// Product and Version are advertised in the StartOk client properties.
	Product string `toml:"product"`
	Version string `toml:"version"`

	DefaultFrameMax uint32 `toml:"default_frame_max"`

	Logging LoggingConfig `toml:"logging"`
	Storage StorageConfig `toml:"storage"`
}

// Default returns a configuration for a local broker with guest access.
func Default() ClientConfig {
	return ClientConfig{
		Host:        "localhost",
		Port:        DefaultPort,
		VirtualHost: DefaultVirtualHost,
		Credentials: Credentials{Login: DefaultLogin, Password: DefaultPassword},
		Mechanism:   MechanismAMQPlain,
		Locale:      DefaultLocale,
		Product:     "carrot-client",
		Version:     "0.1",

		DefaultFrameMax: DefaultFrameMax,
		Storage:         StorageConfig{Type: StorageTypeNone},
	}
}

// Address joins host and port for net.Dial.
func (c ClientConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SetAddress accepts "host" or "host:port"; the port defaults to 5672.
func (c *ClientConfig) SetAddress(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return errors.New("empty address")
	}
	if !strings.Contains(addr, ":") {
		c.Host = addr
		c.Port = DefaultPort
		return nil
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("parse address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port in address %q", addr)
	}
	c.Host = host
	c.Port = port
	return nil
}

// Validate reports the first invalid field.
func (c ClientConfig) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return errors.New("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.VirtualHost == "" {
		return errors.New("virtual host is required")
	}
	if c.Mechanism != MechanismAMQPlain {
		return fmt.Errorf("unsupported mechanism: %s", c.Mechanism)
	}
	if c.Logging.DisableLogging && c.Logging.CustomLogger != nil {
		return errors.New("custom logger cannot be combined with disabled logging")
	}
	if c.Storage.Type != "" {
		if err := c.Storage.Validate(); err != nil {
			return fmt.Errorf("storage: %w", err)
		}
	}
	return nil
}
