// Package config loads natsbeat configuration from a YAML file and NATSBEAT_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/t77yq/natsbeat/internal/model"
)

// Schedule source kinds.
const (
	SourceSQLite = "sqlite"
	SourceFile   = "file"
	SourceNone   = "none"
)

var (
	// ErrInvalidConfig is wrapped by every validation failure
	ErrInvalidConfig = errors.New("invalid configuration")
)

type Config struct {
	App        AppConfig                     `mapstructure:"app"`
	Log        LogConfig                     `mapstructure:"log"`
	NATS       NATSConfig                    `mapstructure:"nats"`
	Beat       BeatConfig                    `mapstructure:"beat"`
	Store      StoreConfig                   `mapstructure:"store"`
	FileSource FileSourceConfig              `mapstructure:"file_source"`
	Metrics    MetricsConfig                 `mapstructure:"metrics"`
	Schedules  map[string]model.PeriodicTask `mapstructure:"schedules"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Stream         string        `mapstructure:"stream"`
	Subject        string        `mapstructure:"subject"`
}

type BeatConfig struct {
	MaxInterval    time.Duration `mapstructure:"max_interval"`
	Timezone       string        `mapstructure:"timezone"`
	SyncEvery      time.Duration `mapstructure:"sync_every"`
	ResultExpires  time.Duration `mapstructure:"result_expires"`
	DispatchBuffer int           `mapstructure:"dispatch_buffer"`
	Source         string        `mapstructure:"source"`
	Control        bool          `mapstructure:"control"`
	// HistoryRetention bounds the dispatch history kept in the store. Zero
	// keeps everything.
	HistoryRetention time.Duration `mapstructure:"history_retention"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type FileSourceConfig struct {
	Path string `mapstructure:"path"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "natsbeat")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.stream", "TASKS")
	v.SetDefault("nats.subject", "task.submit")
	v.SetDefault("beat.max_interval", 5*time.Second)
	v.SetDefault("beat.timezone", "UTC")
	v.SetDefault("beat.sync_every", 3*time.Minute)
	v.SetDefault("beat.result_expires", 24*time.Hour)
	v.SetDefault("beat.dispatch_buffer", 256)
	v.SetDefault("beat.source", SourceSQLite)
	v.SetDefault("beat.control", true)
	v.SetDefault("beat.history_retention", 7*24*time.Hour)
	v.SetDefault("store.path", "natsbeat.db")
	v.SetDefault("file_source.path", "./config/schedules.yaml")
	v.SetDefault("metrics.addr", "")
}

// Load reads configuration from path. With an empty path it looks for
// config.yaml in ./config and falls back to defaults when none exists.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("NATSBEAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// decodeHook extends viper's default hooks so schedule expiries accept
// seconds as well as duration strings.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		modelDurationHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func modelDurationHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(model.Duration(0)) {
		return data, nil
	}
	return model.ParseDuration(data)
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Beat.MaxInterval <= 0 {
		return fmt.Errorf("%w: beat.max_interval must be positive", ErrInvalidConfig)
	}
	if c.Beat.DispatchBuffer <= 0 {
		return fmt.Errorf("%w: beat.dispatch_buffer must be positive", ErrInvalidConfig)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("%w: beat.timezone: %w", ErrInvalidConfig, err)
	}

	switch c.Beat.Source {
	case SourceSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("%w: store.path is required for the sqlite source", ErrInvalidConfig)
		}
	case SourceFile:
		if c.FileSource.Path == "" {
			return fmt.Errorf("%w: file_source.path is required for the file source", ErrInvalidConfig)
		}
	case SourceNone:
	default:
		return fmt.Errorf("%w: unknown beat.source %q", ErrInvalidConfig, c.Beat.Source)
	}
	return nil
}

// Location returns the timezone crontab entries are evaluated in.
func (c *Config) Location() (*time.Location, error) {
	if c.Beat.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Beat.Timezone)
}

// StaticSchedules returns the schedules from the config file keyed by name.
func (c *Config) StaticSchedules() map[string]model.PeriodicTask {
	out := make(map[string]model.PeriodicTask, len(c.Schedules))
	for name, def := range c.Schedules {
		def.Name = name
		out[name] = def
	}
	return out
}
