package telemetry

import (
	"net"

	"codeberg.org/mutker/gasmeterd/internal/errors"
)

const defaultNamespace = "gasmeterd"

type Config struct {
	// Listen is the host:port of the HTTP endpoint. Empty disables it.
	Listen    string
	Namespace string
}

func DefaultConfig() Config {
	return Config{
		Namespace: defaultNamespace,
	}
}

func (c Config) Validate() error {
	if c.Listen == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return errors.New().Wrap(ErrInvalidListen, err).WithData(c.Listen)
	}

	return nil
}

// Enabled reports whether the HTTP endpoint should run.
func (c Config) Enabled() bool {
	return c.Listen != ""
}
