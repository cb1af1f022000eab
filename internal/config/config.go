package config

import (
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"codeberg.org/mutker/picogov/internal/errors"
	"codeberg.org/mutker/picogov/internal/governor"
	"codeberg.org/mutker/picogov/internal/profile"
)

// DefaultLogLevel is used when no log level is configured
const DefaultLogLevel = "info"

const (
	defaultInterval     = 10 // milliseconds
	defaultDatabase     = "/var/lib/picogov/telemetry.db"
	defaultSnapshotSecs = 1
	defaultMQTTTopic    = "picogov"
	defaultMQTTInterval = 5 // seconds
)

// LogLevel represents valid logging levels
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// IsValid returns whether the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}

// Config carries the daemon configuration merged from defaults, the
// config file, PICOGOV_* environment variables and command line flags
type Config struct {
	Chip     string `mapstructure:"chip"`
	Interval int    `mapstructure:"interval"`

	LogLevel string `mapstructure:"log_level"`
	Debug    bool   `mapstructure:"debug"`
	Verbose  bool   `mapstructure:"verbose"`
	Service  bool   `mapstructure:"service"`

	ThrottleTemp float64 `mapstructure:"throttle_temp"`
	CriticalTemp float64 `mapstructure:"critical_temp"`
	ReleaseTemp  float64 `mapstructure:"release_temp"`
	TurboMaxSecs int     `mapstructure:"turbo_max"`
	BoostMillis  int     `mapstructure:"boost_ms"`

	Telemetry    bool   `mapstructure:"telemetry"`
	TelemetryDB  string `mapstructure:"database"`
	SnapshotSecs int    `mapstructure:"snapshot_interval"`

	MetricsListen string `mapstructure:"metrics_listen"`

	MQTTBroker   string `mapstructure:"mqtt_broker"`
	MQTTTopic    string `mapstructure:"mqtt_topic"`
	MQTTUsername string `mapstructure:"mqtt_username"`
	MQTTPassword string `mapstructure:"mqtt_password"`
	MQTTInterval int    `mapstructure:"mqtt_interval"`
}

// Load merges configuration in ascending precedence: defaults, TOML
// file, environment, explicitly set flags. PICOGOV_CONFIG or --config
// point at an explicit file; otherwise picogov.toml is searched in
// /etc/picogov and the working directory.
func Load() (*Config, error) {
	errFactory := errors.New()

	flags := pflag.NewFlagSet("picogov", pflag.ContinueOnError)
	flags.String("config", "", "path to a config file")
	flags.String("chip", "", "target chip (rp2040 or rp2350)")
	flags.Int("interval", 0, "tick interval in milliseconds")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Bool("debug", false, "enable debug logging")
	flags.Bool("verbose", false, "enable verbose logging")
	flags.Bool("service", false, "run without the interactive console")
	flags.Bool("telemetry", false, "record snapshots to the telemetry database")
	flags.String("database", "", "telemetry database path")
	flags.String("metrics-listen", "", "prometheus listen address, empty disables")
	flags.String("mqtt-broker", "", "mqtt broker url, empty disables")

	if err := flags.Parse(os.Args[1:]); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PICOGOV")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigType("toml")
	configFile := os.Getenv("PICOGOV_CONFIG")
	if explicit, err := flags.GetString("config"); err == nil && explicit != "" {
		configFile = explicit
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("picogov")
		v.AddConfigPath("/etc/picogov")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	// Only flags the user actually set override file and environment
	flags.Visit(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		v.Set(strings.ReplaceAll(f.Name, "-", "_"), f.Value.String())
	})

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("chip", "rp2040")
	v.SetDefault("interval", defaultInterval)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("debug", false)
	v.SetDefault("verbose", false)
	v.SetDefault("service", false)
	v.SetDefault("throttle_temp", governor.DefaultThrottleTemp)
	v.SetDefault("critical_temp", governor.DefaultCriticalTemp)
	v.SetDefault("release_temp", governor.DefaultReleaseTemp)
	v.SetDefault("turbo_max", int(governor.DefaultTurboMaxTime/time.Second))
	v.SetDefault("boost_ms", int(governor.DefaultBoostDuration/time.Millisecond))
	v.SetDefault("telemetry", false)
	v.SetDefault("database", defaultDatabase)
	v.SetDefault("snapshot_interval", defaultSnapshotSecs)
	v.SetDefault("metrics_listen", "")
	v.SetDefault("mqtt_broker", "")
	v.SetDefault("mqtt_topic", defaultMQTTTopic)
	v.SetDefault("mqtt_username", "")
	v.SetDefault("mqtt_password", "")
	v.SetDefault("mqtt_interval", defaultMQTTInterval)
}

func (c *Config) validate() error {
	errFactory := errors.New()

	if _, err := profile.ParseChip(c.Chip); err != nil {
		return err
	}

	if !LogLevel(strings.ToLower(c.LogLevel)).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	if c.Interval < 1 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval)
	}
	if c.SnapshotSecs < 1 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.SnapshotSecs)
	}
	if c.MQTTInterval < 1 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.MQTTInterval)
	}

	if c.MetricsListen != "" {
		if _, _, err := net.SplitHostPort(c.MetricsListen); err != nil {
			return errFactory.WithData(errors.ErrInvalidConfig, c.MetricsListen)
		}
	}

	// Threshold overrides must keep the hysteresis ordering
	return c.GovernorConfig().Validate()
}

// TickInterval returns the driving loop interval
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Interval) * time.Millisecond
}

// SnapshotInterval returns the telemetry recording interval
func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotSecs) * time.Second
}

// MQTTPublishInterval returns the MQTT status publishing interval
func (c *Config) MQTTPublishInterval() time.Duration {
	return time.Duration(c.MQTTInterval) * time.Second
}

// GovernorConfig maps the configured protection limits onto the
// governor's config
func (c *Config) GovernorConfig() governor.Config {
	return governor.Config{
		ThrottleTemp:  c.ThrottleTemp,
		CriticalTemp:  c.CriticalTemp,
		ReleaseTemp:   c.ReleaseTemp,
		TurboMaxTime:  time.Duration(c.TurboMaxSecs) * time.Second,
		BoostDuration: time.Duration(c.BoostMillis) * time.Millisecond,
	}
}
