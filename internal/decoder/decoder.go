// Package decoder classifies rtlamr output lines. Lines that start with
// '{' are decoded as JSON readings; everything else (banner text, tuner
// diagnostics, blank lines) is noise.
package decoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"codeberg.org/mutker/gasmeterd/internal/errors"
	"codeberg.org/mutker/gasmeterd/internal/logger"
)

// Marker is the first byte of every structured decoder line.
const Marker = '{'

// ErrNotStructured marks a line that is not reading data.
var ErrNotStructured = errors.New().New(errors.ErrNotStructured)

// Reading is one decoded meter message. Raw holds the exact line bytes and
// is what gets published. Fields is the decoded object, used for logging
// only; its shape belongs to the decoder and is not validated.
type Reading struct {
	Raw    json.RawMessage
	Fields map[string]any
}

// MeterID returns Message.ID when present.
func (r Reading) MeterID() string {
	return r.messageField("ID")
}

// Consumption returns Message.Consumption when present.
func (r Reading) Consumption() string {
	return r.messageField("Consumption")
}

// Time returns the decoder timestamp when present.
func (r Reading) Time() string {
	if v, ok := r.Fields["Time"]; ok && v != nil {
		return fmt.Sprint(v)
	}

	return ""
}

func (r Reading) messageField(name string) string {
	msg, ok := r.Fields["Message"].(map[string]any)
	if !ok {
		return ""
	}
	if v, ok := msg[name]; ok && v != nil {
		return fmt.Sprint(v)
	}

	return ""
}

// Classify decodes a single line. It returns ErrNotStructured for lines
// without the marker and a parse_failed error for marker lines that are not
// exactly one valid JSON object.
func Classify(line string) (Reading, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || trimmed[0] != Marker {
		return Reading{}, ErrNotStructured
	}

	raw := []byte(trimmed)

	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return Reading{}, errors.New().Wrap(errors.ErrParse, err).WithData(trimmed)
	}
	if dec.More() {
		return Reading{}, errors.New().WithData(errors.ErrParse, trimmed)
	}

	return Reading{Raw: raw, Fields: fields}, nil
}

// Observer is notified of discarded lines. Telemetry implements it.
type Observer interface {
	LineDiscarded(reason string)
}

// Classifier turns a stream of raw lines into a stream of readings.
type Classifier struct {
	log      logger.Logger
	observer Observer
}

func NewClassifier(log logger.Logger, observer Observer) *Classifier {
	return &Classifier{log: log, observer: observer}
}

// Records yields one Reading per structured line, in input order. The
// returned channel closes when lines closes or ctx is done. Malformed lines
// are logged and skipped.
func (c *Classifier) Records(ctx context.Context, lines <-chan string) <-chan Reading {
	out := make(chan Reading)

	go func() {
		defer close(out)

		for {
			var (
				line string
				ok   bool
			)
			select {
			case <-ctx.Done():
				return
			case line, ok = <-lines:
				if !ok {
					return
				}
			}

			r, ok := c.accept(line)
			if !ok {
				continue
			}

			select {
			case <-ctx.Done():
				return
			case out <- r:
			}
		}
	}()

	return out
}

func (c *Classifier) accept(line string) (Reading, bool) {
	r, err := Classify(line)
	if err == nil {
		return r, true
	}

	if errors.Is(err, ErrNotStructured) {
		c.log.Debug().Str("line", line).Msg("Ignoring non-JSON data")
		c.discarded("not_structured")
		return Reading{}, false
	}

	var coded errors.Error
	if errors.As(err, &coded) {
		c.log.ErrorWithCode(coded).Str("line", line).Msg("Error decoding JSON")
	} else {
		c.log.Error().Err(err).Str("line", line).Msg("Error decoding JSON")
	}
	c.discarded("parse_error")

	return Reading{}, false
}

func (c *Classifier) discarded(reason string) {
	if c.observer != nil {
		c.observer.LineDiscarded(reason)
	}
}
