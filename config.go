package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	// BindAddress is the address the server listens on (e.g. "0.0.0.0:8080")
	BindAddress string `yaml:"bind_address"`
	// SerialPort is the path to the modem's serial port (e.g. "/dev/ttyUSB0")
	SerialPort string `yaml:"serial_port"`
	// BaudRate is the baud rate for serial communication with the modem (e.g. 115200)
	BaudRate int `yaml:"baud_rate"`
	// SimPIN is the SIM card PIN code
	SimPIN string `yaml:"sim_pin"`
	// Echo leaves command echo on after bring-up
	Echo bool `yaml:"echo"`
	// ATTimeout is the default deadline of one AT command
	ATTimeout time.Duration `yaml:"at_timeout"`
	// MaxRetries bounds the retries of a timed out command
	MaxRetries int `yaml:"max_retries"`
	// RxBufferSize is the receive buffer capacity in bytes
	RxBufferSize int `yaml:"rx_buffer_size"`

	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type LogConfig struct {
	// Level sets the logging level (e.g. "debug", "info", "warn", "error")
	Level string `yaml:"level"`
	// File is the log file path; empty logs to stdout
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
	// Console also writes to stdout when File is set
	Console bool `yaml:"console"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
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
		c.ATTimeout = 5 * time.Second
		c.MaxRetries = 3
		c.RxBufferSize = 1024
		c.Log = LogConfig{
			Level:      "info",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
		}
		c.Metrics.Enabled = true
		return nil
	}
}

// WithFile overlays the YAML file at path. An empty path is ignored.
func WithFile(path string) ConfigOption {
	return func(c *Config) error {
		if path == "" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse config file: %w", err)
		}
		return nil
	}
}

// WithEnv loads configuration from environment variables
func WithEnv() ConfigOption {
	return func(c *Config) error {
		if addr := os.Getenv("BIND_ADDRESS"); addr != "" {
			c.BindAddress = addr
		}

		if serial := os.Getenv("SERIAL_PORT"); serial != "" {
			c.SerialPort = serial
		}

		if baud := os.Getenv("BAUD_RATE"); baud != "" {
			if b, err := strconv.Atoi(baud); err == nil {
				c.BaudRate = b
			}
		}

		if timeout := os.Getenv("AT_TIMEOUT"); timeout != "" {
			d, err := time.ParseDuration(timeout)
			if err != nil {
				return fmt.Errorf("AT_TIMEOUT: %w", err)
			}
			c.ATTimeout = d
		}

		if level := os.Getenv("LOG_LEVEL"); level != "" {
			c.Log.Level = level
		}

		if file := os.Getenv("LOG_FILE"); file != "" {
			c.Log.File = file
		}

		if simPIN := os.Getenv("SIM_PIN"); simPIN != "" {
			c.SimPIN = simPIN
		}

		return nil
	}
}

// WithFlags loads configuration from command-line flags
func WithFlags(fSet *flag.FlagSet) ConfigOption {
	return func(c *Config) error {
		var err error
		fSet.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "bind-address":
				c.BindAddress = f.Value.String()
			case "serial-port":
				c.SerialPort = f.Value.String()
			case "baud-rate":
				if b, err := strconv.Atoi(f.Value.String()); err == nil {
					c.BaudRate = b
				}
			case "at-timeout":
				d, perr := time.ParseDuration(f.Value.String())
				if perr != nil {
					err = fmt.Errorf("at-timeout: %w", perr)
					return
				}
				c.ATTimeout = d
			case "log-level":
				c.Log.Level = f.Value.String()
			case "log-file":
				c.Log.File = f.Value.String()
			case "sim-pin":
				c.SimPIN = f.Value.String()
			case "echo":
				c.Echo = f.Value.String() == "true"
			}
		})
		return err
	}
}
