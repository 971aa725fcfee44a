// Package config loads jobflow settings from defaults, an optional config
// file, JOBFLOW_* environment variables and bound command-line flags.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	DB        DBConfig        `mapstructure:"db"`
	Workers   int             `mapstructure:"workers"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Outcome   OutcomeConfig   `mapstructure:"outcome"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Schedules SchedulesConfig `mapstructure:"schedules"`
	Sample    SampleConfig    `mapstructure:"sample"`
	Log       LogConfig       `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr        string  `mapstructure:"addr"`
	SubmitRate  float64 `mapstructure:"submit_rate"`
	SubmitBurst int     `mapstructure:"submit_burst"`
	Debug       bool    `mapstructure:"debug"`
}

// DBConfig points at the SQLite checkpoint. An empty path keeps every job
// in memory only.
type DBConfig struct {
	Path string `mapstructure:"path"`
}

type DispatchConfig struct {
	PollCeiling time.Duration `mapstructure:"poll_ceiling"`
}

type OutcomeConfig struct {
	Retention time.Duration `mapstructure:"retention"`
	Capacity  int           `mapstructure:"capacity"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Initial     time.Duration `mapstructure:"initial"`
	Max         time.Duration `mapstructure:"max"`
}

type SchedulesConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Lookahead time.Duration `mapstructure:"lookahead"`
}

type SampleConfig struct {
	Work time.Duration `mapstructure:"work"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.submit_rate", 0.0) // unlimited
	v.SetDefault("http.submit_burst", 10)
	v.SetDefault("http.debug", false)

	v.SetDefault("db.path", "")

	v.SetDefault("workers", 8)
	v.SetDefault("dispatch.poll_ceiling", time.Second)

	v.SetDefault("outcome.retention", time.Hour)
	v.SetDefault("outcome.capacity", 10000)

	v.SetDefault("retry.max_attempts", 0) // no automatic retry
	v.SetDefault("retry.initial", time.Second)
	v.SetDefault("retry.max", time.Minute)

	v.SetDefault("schedules.interval", time.Second)
	v.SetDefault("schedules.lookahead", 5*time.Second)

	v.SetDefault("sample.work", 500*time.Millisecond)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

// New returns a viper instance with defaults and environment binding. A
// non-empty configFile is read on Load.
func New(configFile string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("JOBFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	if configFile != "" {
		v.SetConfigFile(configFile)
	}
	return v
}

// Load reads the config file, if one was set, and decodes and validates the
// merged settings.
func Load(v *viper.Viper) (*Config, error) {
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", v.ConfigFileUsed())
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Workers <= 0:
		return errors.Newf("workers must be positive, got %d", c.Workers)
	case c.Dispatch.PollCeiling <= 0:
		return errors.Newf("dispatch.poll_ceiling must be positive, got %s", c.Dispatch.PollCeiling)
	case c.Outcome.Retention < 0:
		return errors.Newf("outcome.retention must not be negative, got %s", c.Outcome.Retention)
	case c.Outcome.Capacity < 0:
		return errors.Newf("outcome.capacity must not be negative, got %d", c.Outcome.Capacity)
	case c.Retry.MaxAttempts < 0:
		return errors.Newf("retry.max_attempts must not be negative, got %d", c.Retry.MaxAttempts)
	case c.Retry.Initial < 0 || c.Retry.Max < 0:
		return errors.New("retry intervals must not be negative")
	case c.Schedules.Interval <= 0:
		return errors.Newf("schedules.interval must be positive, got %s", c.Schedules.Interval)
	case c.Schedules.Lookahead < 0:
		return errors.Newf("schedules.lookahead must not be negative, got %s", c.Schedules.Lookahead)
	case c.Sample.Work < 0:
		return errors.Newf("sample.work must not be negative, got %s", c.Sample.Work)
	case c.HTTP.SubmitRate < 0:
		return errors.Newf("http.submit_rate must not be negative, got %v", c.HTTP.SubmitRate)
	}
	return nil
}
