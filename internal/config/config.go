// Package config loads gasmeterd settings from defaults, an optional TOML
// file, GASMETERD_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/gasmeterd/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultEnvPrefix      = "GASMETERD"
	DefaultLogLevel       = "info"
	DefaultHealthInterval = 60 * time.Second
	DefaultSettleDelay    = 5 * time.Second
	DefaultPublishTimeout = 10 * time.Second
	DefaultShutdownGrace  = 5 * time.Second

	configName = "gasmeterd"
	configType = "toml"
)

type Config struct {
	// Broker
	BrokerHost     string         `mapstructure:"broker_host"`
	BrokerPort     int            `mapstructure:"broker_port"`
	BrokerUsername string         `mapstructure:"broker_username"`
	BrokerPassword string         `mapstructure:"broker_password"`
	BrokerTLS      bool           `mapstructure:"broker_tls"`
	KeepAlive      int            `mapstructure:"keep_alive"`
	QoS            int            `mapstructure:"qos"`
	PublishTimeout time.Duration  `mapstructure:"publish_timeout"`
	ConnectionMode ConnectionMode `mapstructure:"connection_mode"`
	ReadingTopic   string         `mapstructure:"reading_topic"`

	// Receiver pipeline
	MeterID        string        `mapstructure:"meter_id"`
	MessageType    string        `mapstructure:"message_type"`
	TunerCommand   string        `mapstructure:"tuner_command"`
	TunerArgs      []string      `mapstructure:"tuner_args"`
	DecoderCommand string        `mapstructure:"decoder_command"`
	DecoderArgs    []string      `mapstructure:"decoder_args"`
	SettleDelay    time.Duration `mapstructure:"settle_delay"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`

	// Health and discovery
	HealthInterval    time.Duration `mapstructure:"health_interval"`
	DeviceID          string        `mapstructure:"device_id"`
	DeviceName        string        `mapstructure:"device_name"`
	DiscoveryPrefix   string        `mapstructure:"discovery_prefix"`
	DiskPath          string        `mapstructure:"disk_path"`
	ThermalZone       string        `mapstructure:"thermal_zone"`
	CPUSampleInterval time.Duration `mapstructure:"cpu_sample_interval"`

	// Health history
	HistoryEnabled       bool          `mapstructure:"history_enabled"`
	HistoryDB            string        `mapstructure:"history_db"`
	HistoryBatchSize     int           `mapstructure:"history_batch_size"`
	HistoryFlushInterval time.Duration `mapstructure:"history_flush_interval"`

	// Instrumentation
	MetricsListen string `mapstructure:"metrics_listen"`

	LogLevel   string `mapstructure:"log_level"`
	ConfigFile string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker_host", "localhost")
	v.SetDefault("broker_port", 1883)
	v.SetDefault("broker_username", "")
	v.SetDefault("broker_password", "")
	v.SetDefault("broker_tls", false)
	v.SetDefault("keep_alive", 60)
	v.SetDefault("qos", 0)
	v.SetDefault("publish_timeout", DefaultPublishTimeout)
	v.SetDefault("connection_mode", string(ConnectionPerCall))
	v.SetDefault("reading_topic", "xcel_gas_usage_cubic_feet")

	v.SetDefault("meter_id", "")
	v.SetDefault("message_type", "scm")
	v.SetDefault("tuner_command", "rtl_tcp")
	v.SetDefault("tuner_args", []string{})
	v.SetDefault("decoder_command", "rtlamr")
	v.SetDefault("decoder_args", []string{})
	v.SetDefault("settle_delay", DefaultSettleDelay)
	v.SetDefault("shutdown_grace", DefaultShutdownGrace)

	v.SetDefault("health_interval", DefaultHealthInterval)
	v.SetDefault("device_id", "raspberrypi_gas_meter")
	v.SetDefault("device_name", "Raspberry Pi Gas Meter")
	v.SetDefault("discovery_prefix", "homeassistant")
	v.SetDefault("disk_path", "/")
	v.SetDefault("thermal_zone", "/sys/class/thermal/thermal_zone0/temp")
	v.SetDefault("cpu_sample_interval", time.Second)

	v.SetDefault("history_enabled", false)
	v.SetDefault("history_db", "/var/lib/gasmeterd/history.db")
	v.SetDefault("history_batch_size", 10)
	v.SetDefault("history_flush_interval", 5*time.Minute)

	v.SetDefault("metrics_listen", "")
	v.SetDefault("log_level", DefaultLogLevel)
}

// flag name -> config key
var flagKeys = map[string]string{
	"broker-host":     "broker_host",
	"broker-port":     "broker_port",
	"broker-username": "broker_username",
	"broker-password": "broker_password",
	"broker-tls":      "broker_tls",
	"connection-mode": "connection_mode",
	"reading-topic":   "reading_topic",
	"meter-id":        "meter_id",
	"decoder-command": "decoder_command",
	"tuner-command":   "tuner_command",
	"health-interval": "health_interval",
	"settle-delay":    "settle_delay",
	"publish-timeout": "publish_timeout",
	"metrics-listen":  "metrics_listen",
	"log-level":       "log_level",
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet(configName, pflag.ContinueOnError)
	fs.String("config", "", "Path to configuration file")
	fs.String("broker-host", "", "MQTT broker host")
	fs.Int("broker-port", 0, "MQTT broker port")
	fs.String("broker-username", "", "MQTT username")
	fs.String("broker-password", "", "MQTT password")
	fs.Bool("broker-tls", false, "Use TLS for the broker connection")
	fs.String("connection-mode", "", "Broker connection mode: per_call or persistent")
	fs.String("reading-topic", "", "Topic for raw meter readings")
	fs.String("meter-id", "", "Meter ID passed to the decoder filter")
	fs.String("decoder-command", "", "Decoder executable (rtlamr)")
	fs.String("tuner-command", "", "Tuner server executable (rtl_tcp)")
	fs.Duration("health-interval", 0, "Interval between health/status publications")
	fs.Duration("settle-delay", 0, "Delay between tuner and decoder start")
	fs.Duration("publish-timeout", 0, "Timeout for a single publish")
	fs.String("metrics-listen", "", "Address for the Prometheus endpoint (empty disables)")
	fs.String("log-level", "", "Log level: debug, info, warning, error")

	return fs
}

// Load reads configuration from every source and validates it.
func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidArgument, err)
		}
	}
	if !o.argsSet {
		o.args = os.Args[1:]
	}

	fs := newFlagSet()
	if err := fs.Parse(o.args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	path := o.configPath
	if flagPath, _ := fs.GetString("config"); flagPath != "" {
		path = flagPath
	}
	if path == "" {
		path = os.Getenv(o.envPrefix + "_CONFIG")
	}

	if err := readConfigFile(v, path); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}
	cfg.ConfigFile = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readConfigFile(v *viper.Viper, path string) error {
	errFactory := errors.New()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType(configType)
		if err := v.ReadInConfig(); err != nil {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}

		return nil
	}

	v.SetConfigName(configName)
	v.SetConfigType(configType)
	v.AddConfigPath("/etc")
	v.AddConfigPath("/etc/gasmeterd")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	return nil
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(strings.ToLower(c.LogLevel)).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.MeterID == "" {
		return errFactory.WithData(errors.ErrMissingConfig, "meter_id")
	}
	if c.BrokerHost == "" {
		return errFactory.WithData(errors.ErrMissingConfig, "broker_host")
	}
	if c.BrokerPort <= 0 || c.BrokerPort > 65535 {
		return errFactory.WithData(errors.ErrInvalidConfig, "broker_port out of range")
	}
	if c.QoS < 0 || c.QoS > 2 {
		return errFactory.WithData(errors.ErrInvalidConfig, "qos must be 0, 1 or 2")
	}
	if c.KeepAlive < 0 || c.KeepAlive > 65535 {
		return errFactory.WithData(errors.ErrInvalidConfig, "keep_alive out of range")
	}
	if !c.ConnectionMode.IsValid() {
		return errFactory.WithData(errors.ErrInvalidConfig, "connection_mode "+string(c.ConnectionMode))
	}
	if c.ReadingTopic == "" {
		return errFactory.WithData(errors.ErrMissingConfig, "reading_topic")
	}
	if c.TunerCommand == "" || c.DecoderCommand == "" {
		return errFactory.WithData(errors.ErrMissingConfig, "tuner_command/decoder_command")
	}
	if c.HealthInterval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.HealthInterval.String())
	}
	if c.PublishTimeout <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, "publish_timeout "+c.PublishTimeout.String())
	}
	if c.SettleDelay < 0 || c.ShutdownGrace < 0 || c.CPUSampleInterval < 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, "negative duration")
	}
	if c.HistoryEnabled && c.HistoryDB == "" {
		return errFactory.WithData(errors.ErrMissingConfig, "history_db")
	}

	return nil
}
