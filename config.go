package main

import (
	"errors"
	"flag"
	"io/fs"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	// BindAddress is the address the server listens on (e.g. "0.0.0.0:8080")
	BindAddress string `env:"BIND_ADDRESS"`
	// SerialPort is the path to the modem's serial port (e.g. "/dev/ttyUSB0")
	SerialPort string `env:"SERIAL_PORT"`
	// BaudRate is the baud rate for serial communication with the modem (e.g. 115200)
	BaudRate int `env:"BAUD_RATE"`
	// LogLevel sets the logging level (e.g. "debug", "info", "warn", "error")
	LogLevel string `env:"LOG_LEVEL"`
	// VerboseErrors makes the module report categorised error text
	VerboseErrors bool `env:"VERBOSE_ERRORS"`
	// MaintainInterval is how often the idle link is pumped for notifications
	MaintainInterval time.Duration `env:"MAINTAIN_INTERVAL"`

	// MQTTBroker enables the MQTT intake when set (e.g. "tcp://localhost:1883")
	MQTTBroker   string `env:"MQTT_BROKER"`
	MQTTClientID string `env:"MQTT_CLIENT_ID"`
	// MQTTTopic receives fetch jobs; results go to MQTTTopic + "/result"
	MQTTTopic    string `env:"MQTT_TOPIC"`
	MQTTUsername string `env:"MQTT_USERNAME"`
	MQTTPassword string `env:"MQTT_PASSWORD"`
}

// ConfigOption is a function that modifies a Config
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.BindAddress = "0.0.0.0:8080"
		c.SerialPort = "/dev/ttyUSB0"
		c.BaudRate = 115200
		c.LogLevel = "info"
		c.MaintainInterval = 250 * time.Millisecond
		c.MQTTClientID = "nbgw"
		c.MQTTTopic = "nbgw/fetch"
		return nil
	}
}

// WithDotEnv loads variables from the given files into the environment.
// Missing files are skipped.
func WithDotEnv(files ...string) ConfigOption {
	return func(c *Config) error {
		for _, f := range files {
			if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
		}
		return nil
	}
}

// WithEnv loads configuration from environment variables. Unset variables
// leave the current value untouched.
func WithEnv() ConfigOption {
	return func(c *Config) error {
		return env.Parse(c)
	}
}

// WithFlags loads configuration from command-line flags
func WithFlags(fSet *flag.FlagSet) ConfigOption {
	return func(c *Config) error {
		var err error
		fSet.Visit(func(f *flag.Flag) {
			v := f.Value.String()
			switch f.Name {
			case "bind-address":
				c.BindAddress = v
			case "serial-port":
				c.SerialPort = v
			case "baud-rate":
				if b, perr := strconv.Atoi(v); perr == nil {
					c.BaudRate = b
				}
			case "log-level":
				c.LogLevel = v
			case "verbose-errors":
				c.VerboseErrors = v == "true"
			case "maintain-interval":
				if d, perr := time.ParseDuration(v); perr == nil {
					c.MaintainInterval = d
				} else {
					err = perr
				}
			case "mqtt-broker":
				c.MQTTBroker = v
			case "mqtt-topic":
				c.MQTTTopic = v
			}
		})
		return err
	}
}
