package logger

import "codeberg.org/mutker/gasmeterd/internal/errors"

// Logger defines the interface for logging operations. Components take a
// Logger instead of the package functions so tests can capture output.
type Logger interface {
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	ErrorWithCode(err errors.Error) *LogEvent
	With(component string) Logger
}
