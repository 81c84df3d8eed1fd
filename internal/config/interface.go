package config

import (
	"fmt"

	"codeberg.org/mutker/gasmeterd/internal/errors"
)

// Option defines a configuration option that can be passed to Load
type Option func(*options) error

type options struct {
	configPath string
	envPrefix  string
	args       []string
	argsSet    bool
}

// WithConfigFile specifies an explicit configuration file path
func WithConfigFile(path string) Option {
	return func(o *options) error {
		o.configPath = path
		return nil
	}
}

// WithEnvPrefix specifies a custom environment variable prefix
// Default is "GASMETERD"
func WithEnvPrefix(prefix string) Option {
	return func(o *options) error {
		if prefix == "" {
			return errors.New().WithMessage(errors.ErrInvalidArgument, "empty environment prefix")
		}
		o.envPrefix = prefix
		return nil
	}
}

// WithArgs replaces os.Args[1:] as the command-line source.
func WithArgs(args []string) Option {
	return func(o *options) error {
		o.args = args
		o.argsSet = true
		return nil
	}
}

// LogLevel represents valid logging levels
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// IsValid returns whether the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		return true
	default:
		return false
	}
}

// String implements the Stringer interface
func (l LogLevel) String() string {
	return string(l)
}

// ConnectionMode selects how the publisher talks to the broker.
type ConnectionMode string

const (
	// ConnectionPerCall opens and closes a broker connection for every message.
	ConnectionPerCall ConnectionMode = "per_call"
	// ConnectionPersistent keeps one managed connection with automatic reconnect.
	ConnectionPersistent ConnectionMode = "persistent"
)

// IsValid returns whether the connection mode is known
func (m ConnectionMode) IsValid() bool {
	return m == ConnectionPerCall || m == ConnectionPersistent
}

// BrokerAddress returns host:port for dialing.
func (c *Config) BrokerAddress() string {
	return fmt.Sprintf("%s:%d", c.BrokerHost, c.BrokerPort)
}

// DecoderCommandArgs returns the full decoder argument list: JSON line output,
// message type and meter filters, then any extra configured arguments.
func (c *Config) DecoderCommandArgs() []string {
	args := []string{
		"-format=json",
		"-msgtype=" + c.MessageType,
		"-filterid=" + c.MeterID,
	}

	return append(args, c.DecoderArgs...)
}
