package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/gasmeterd/internal/config"
	"codeberg.org/mutker/gasmeterd/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "gasmeterd.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad(t *testing.T) {
	configPath := writeConfig(t, `
broker_host = "mqtt.local"
broker_port = 8883
broker_username = "meter"
broker_password = "secret"
broker_tls = true
meter_id = "12345678"
health_interval = "30s"
settle_delay = "2s"
connection_mode = "persistent"
tuner_args = ["-a", "127.0.0.1"]
log_level = "debug"
history_enabled = true
history_db = "/path/to/history.db"
`)
	t.Setenv("GASMETERD_CONFIG", configPath)

	cfg, err := config.Load(config.WithArgs(nil))
	require.NoError(t, err)

	assert.Equal(t, "mqtt.local", cfg.BrokerHost)
	assert.Equal(t, 8883, cfg.BrokerPort)
	assert.Equal(t, "meter", cfg.BrokerUsername)
	assert.Equal(t, "secret", cfg.BrokerPassword)
	assert.True(t, cfg.BrokerTLS)
	assert.Equal(t, "12345678", cfg.MeterID)
	assert.Equal(t, 30*time.Second, cfg.HealthInterval)
	assert.Equal(t, 2*time.Second, cfg.SettleDelay)
	assert.Equal(t, config.ConnectionPersistent, cfg.ConnectionMode)
	assert.Equal(t, []string{"-a", "127.0.0.1"}, cfg.TunerArgs)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.HistoryEnabled)
	assert.Equal(t, "/path/to/history.db", cfg.HistoryDB)
	assert.Equal(t, configPath, cfg.ConfigFile)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GASMETERD_CONFIG", "")
	t.Setenv("GASMETERD_METER_ID", "55555")

	cfg, err := config.Load(config.WithArgs(nil))
	require.NoError(t, err, "Failed to load config")

	assert.Equal(t, "localhost", cfg.BrokerHost)
	assert.Equal(t, 1883, cfg.BrokerPort)
	assert.Equal(t, "xcel_gas_usage_cubic_feet", cfg.ReadingTopic)
	assert.Equal(t, "scm", cfg.MessageType)
	assert.Equal(t, "rtl_tcp", cfg.TunerCommand)
	assert.Equal(t, "rtlamr", cfg.DecoderCommand)
	assert.Equal(t, config.DefaultHealthInterval, cfg.HealthInterval)
	assert.Equal(t, config.DefaultSettleDelay, cfg.SettleDelay)
	assert.Equal(t, config.DefaultPublishTimeout, cfg.PublishTimeout)
	assert.Equal(t, config.ConnectionPerCall, cfg.ConnectionMode)
	assert.Equal(t, "raspberrypi_gas_meter", cfg.DeviceID)
	assert.Equal(t, "homeassistant", cfg.DiscoveryPrefix)
	assert.Equal(t, 0, cfg.QoS)
	assert.False(t, cfg.HistoryEnabled)
	assert.Empty(t, cfg.MetricsListen)
	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel)
}

func TestLoadConfigFileInvalidFormat(t *testing.T) {
	configPath := writeConfig(t, `
This is not a valid TOML file
`)
	t.Setenv("GASMETERD_CONFIG", configPath)

	_, err := config.Load(config.WithArgs(nil))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
}

func TestInvalidLogLevel(t *testing.T) {
	configPath := writeConfig(t, `
meter_id = "1"
log_level = "invalid"
`)
	t.Setenv("GASMETERD_CONFIG", configPath)

	_, err := config.Load(config.WithArgs(nil))
	require.Error(t, err)
	assert.Equal(t, errors.ErrInvalidLogLevel, errors.CodeOf(err))
}

func TestMissingMeterID(t *testing.T) {
	configPath := writeConfig(t, `broker_host = "mqtt.local"`)

	_, err := config.Load(config.WithConfigFile(configPath), config.WithArgs(nil))
	require.Error(t, err)
	assert.Equal(t, errors.ErrMissingConfig, errors.CodeOf(err))
	assert.Contains(t, err.Error(), "meter_id")
}

func TestFlagsOverrideFileAndEnv(t *testing.T) {
	configPath := writeConfig(t, `
meter_id = "1"
broker_host = "from-file"
log_level = "warning"
`)
	t.Setenv("GASMETERD_CONFIG", configPath)
	t.Setenv("GASMETERD_BROKER_HOST", "from-env")

	cfg, err := config.Load(config.WithArgs([]string{
		"--log-level", "debug",
		"--health-interval", "15s",
		"--meter-id", "99",
	}))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.BrokerHost, "environment beats file")
	assert.Equal(t, "debug", cfg.LogLevel, "flag beats file")
	assert.Equal(t, 15*time.Second, cfg.HealthInterval)
	assert.Equal(t, "99", cfg.MeterID)
}

func TestConfigFlagSelectsFile(t *testing.T) {
	configPath := writeConfig(t, `meter_id = "from-flag-file"`)
	t.Setenv("GASMETERD_CONFIG", "")

	cfg, err := config.Load(config.WithArgs([]string{"--config", configPath}))
	require.NoError(t, err)
	assert.Equal(t, "from-flag-file", cfg.MeterID)
}

func TestValidate(t *testing.T) {
	valid := func() *config.Config {
		return &config.Config{
			BrokerHost:     "localhost",
			BrokerPort:     1883,
			ConnectionMode: config.ConnectionPerCall,
			ReadingTopic:   "readings",
			MeterID:        "1",
			TunerCommand:   "rtl_tcp",
			DecoderCommand: "rtlamr",
			HealthInterval: time.Minute,
			PublishTimeout: time.Second,
			LogLevel:       "info",
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*config.Config)
		code   errors.ErrorCode
	}{
		{"zero interval", func(c *config.Config) { c.HealthInterval = 0 }, errors.ErrInvalidInterval},
		{"zero publish timeout", func(c *config.Config) { c.PublishTimeout = 0 }, errors.ErrInvalidInterval},
		{"bad port", func(c *config.Config) { c.BrokerPort = 70000 }, errors.ErrInvalidConfig},
		{"bad qos", func(c *config.Config) { c.QoS = 3 }, errors.ErrInvalidConfig},
		{"bad mode", func(c *config.Config) { c.ConnectionMode = "pooled" }, errors.ErrInvalidConfig},
		{"no decoder", func(c *config.Config) { c.DecoderCommand = "" }, errors.ErrMissingConfig},
		{"history without db", func(c *config.Config) { c.HistoryEnabled = true }, errors.ErrMissingConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Equal(t, tt.code, errors.CodeOf(cfg.Validate()))
		})
	}
}

func TestDecoderCommandArgs(t *testing.T) {
	cfg := &config.Config{MeterID: "12345678", MessageType: "scm", DecoderArgs: []string{"-unique=true"}}

	assert.Equal(t, []string{"-format=json", "-msgtype=scm", "-filterid=12345678", "-unique=true"}, cfg.DecoderCommandArgs())
	assert.Equal(t, "broker:1883", (&config.Config{BrokerHost: "broker", BrokerPort: 1883}).BrokerAddress())
}
