// Package discovery builds and publishes the Home Assistant MQTT discovery
// descriptors for the gas meter and the host it runs on.
package discovery

import (
	"context"
	"encoding/json"

	"codeberg.org/mutker/gasmeterd/internal/errors"
	"codeberg.org/mutker/gasmeterd/internal/logger"
)

const (
	DefaultPrefix       = "homeassistant"
	DefaultReadingTopic = "xcel_gas_usage_cubic_feet"

	availabilityTemplate = "{{ 'online' if value_json.status == 'online' else 'offline' }}"

	readingAttributesTemplate = "{{ {'last_reading_time': value_json.Time, " +
		"'meter_id': value_json.Message.ID, " +
		"'tamper_phy': value_json.Message.TamperPhy, " +
		"'tamper_enc': value_json.Message.TamperEnc} | tojson }}"

	statusAttributesTemplate = "{{ {'last_seen': value_json.timestamp, " +
		"'gas_readings_count': value_json.gas_readings_count, " +
		"'script_version': value_json.script_version} | tojson }}"
)

type Config struct {
	Prefix       string
	DeviceID     string
	DeviceName   string
	ReadingTopic string
	Version      string
}

// Topics groups the state topics every descriptor points at.
type Topics struct {
	Reading string
	Status  string
	Health  string
}

// Topics returns the state topics derived from the device id.
func (c Config) Topics() Topics {
	base := c.Prefix + "/sensor/" + c.DeviceID

	return Topics{
		Reading: c.ReadingTopic,
		Status:  base + "/status",
		Health:  base + "/system_health",
	}
}

// ConfigTopic returns the discovery topic for a descriptor.
func (c Config) ConfigTopic(uniqueID string) string {
	return c.Prefix + "/sensor/" + uniqueID + "/config"
}

// Publisher is the subset of the MQTT publisher discovery needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
}

type message struct {
	name    string
	topic   string
	payload []byte
}

// Set is the immutable list of descriptors, serialized once.
type Set struct {
	descriptors []Descriptor
	messages    []message
	log         logger.Logger
}

// New builds and serializes the descriptor set.
func New(cfg Config, log logger.Logger) (*Set, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.ReadingTopic == "" {
		cfg.ReadingTopic = DefaultReadingTopic
	}
	if cfg.DeviceID == "" {
		return nil, errors.New().WithMessage(errors.ErrMissingConfig, "device_id is required")
	}

	descriptors := Build(cfg)
	s := &Set{
		descriptors: descriptors,
		messages:    make([]message, 0, len(descriptors)),
		log:         log,
	}

	for _, d := range descriptors {
		payload, err := json.Marshal(d)
		if err != nil {
			return nil, errors.New().Wrap(errors.ErrInternal, err).WithData(d.UniqueID)
		}
		s.messages = append(s.messages, message{
			name:    d.Name,
			topic:   cfg.ConfigTopic(d.UniqueID),
			payload: payload,
		})
	}

	return s, nil
}

// Build returns the seven descriptors: gas consumption, device status and
// five host health sensors.
func Build(cfg Config) []Descriptor {
	t := cfg.Topics()
	device := newDeviceInfo(cfg.DeviceID, cfg.DeviceName, cfg.Version)

	health := func(suffix, name, field, unit, class string) Descriptor {
		return Descriptor{
			Name:                 name,
			UniqueID:             cfg.DeviceID + "_" + suffix,
			StateTopic:           t.Health,
			AvailabilityTopic:    t.Status,
			AvailabilityTemplate: availabilityTemplate,
			ValueTemplate:        "{{ value_json." + field + " }}",
			UnitOfMeasurement:    unit,
			DeviceClass:          class,
			Device:               device,
		}
	}

	return []Descriptor{
		{
			Name:                   "Gas Consumption",
			UniqueID:               cfg.DeviceID + "_gas_consumption",
			StateTopic:             t.Reading,
			AvailabilityTopic:      t.Status,
			AvailabilityTemplate:   availabilityTemplate,
			ValueTemplate:          "{{ value_json.Message.Consumption }}",
			UnitOfMeasurement:      "ft³",
			DeviceClass:            "gas",
			StateClass:             "total_increasing",
			Device:                 device,
			JSONAttributesTopic:    t.Reading,
			JSONAttributesTemplate: readingAttributesTemplate,
		},
		{
			Name:                   "Device Status",
			UniqueID:               cfg.DeviceID + "_status",
			StateTopic:             t.Status,
			ValueTemplate:          "{{ value_json.status }}",
			Icon:                   "mdi:router-wireless",
			Device:                 device,
			JSONAttributesTopic:    t.Status,
			JSONAttributesTemplate: statusAttributesTemplate,
		},
		health("cpu_usage", "CPU Usage", "cpu_percent", "%", "power_factor"),
		health("memory_usage", "Memory Usage", "memory_percent", "%", "power_factor"),
		health("disk_usage", "Disk Usage", "disk_percent", "%", "power_factor"),
		health("cpu_temp", "CPU Temperature", "cpu_temp", "°C", "temperature"),
		health("uptime", "Uptime", "uptime_hours", "h", ""),
	}
}

// Descriptors returns a copy of the descriptor list.
func (s *Set) Descriptors() []Descriptor {
	return append([]Descriptor(nil), s.descriptors...)
}

// Payloads returns the serialized descriptors keyed by discovery topic.
func (s *Set) Payloads() map[string][]byte {
	out := make(map[string][]byte, len(s.messages))
	for _, m := range s.messages {
		out[m.topic] = m.payload
	}

	return out
}

// Publish sends every descriptor retained and returns how many were
// accepted. A failed descriptor is logged by the publisher and the rest are
// still sent.
func (s *Set) Publish(ctx context.Context, pub Publisher) int {
	sent := 0
	for _, m := range s.messages {
		if err := pub.Publish(ctx, m.topic, m.payload, true); err != nil {
			continue
		}
		sent++
		s.log.Info().Str("sensor", m.name).Str("topic", m.topic).Msg("Published HA discovery")
	}

	if sent < len(s.messages) {
		s.log.Warn().
			Int("published", sent).
			Int("total", len(s.messages)).
			Msg("HA discovery incomplete")
	}

	return sent
}
