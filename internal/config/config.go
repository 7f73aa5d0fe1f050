// Package config loads devsync settings from defaults, an optional config
// file, DEVSYNC_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DEVSYNC_SERVER_ADDR.
const EnvPrefix = "DEVSYNC"

// Config is the full runtime configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server" toml:"server"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store" toml:"store"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit" yaml:"ratelimit" toml:"ratelimit"`
	Realtime  RealtimeConfig  `mapstructure:"realtime" yaml:"realtime" toml:"realtime"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth" toml:"auth"`
	Log       LogConfig       `mapstructure:"log" yaml:"log" toml:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr" toml:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path" toml:"path"`
}

type RateLimitConfig struct {
	WindowMax int           `mapstructure:"window_max" yaml:"window_max" toml:"window_max"`
	BurstMax  int           `mapstructure:"burst_max" yaml:"burst_max" toml:"burst_max"`
	Window    time.Duration `mapstructure:"window" yaml:"window" toml:"window"`
	Burst     time.Duration `mapstructure:"burst" yaml:"burst" toml:"burst"`
	IdleTTL   time.Duration `mapstructure:"idle_ttl" yaml:"idle_ttl" toml:"idle_ttl"`
}

type RealtimeConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	ReapInterval      time.Duration `mapstructure:"reap_interval" yaml:"reap_interval" toml:"reap_interval"`
	LivenessTimeout   time.Duration `mapstructure:"liveness_timeout" yaml:"liveness_timeout" toml:"liveness_timeout"`
	BatchSize         int           `mapstructure:"batch_size" yaml:"batch_size" toml:"batch_size"`
	BatchDelay        time.Duration `mapstructure:"batch_delay" yaml:"batch_delay" toml:"batch_delay"`
}

type AuthConfig struct {
	// JWTSecret enables device token checks on register_device when set.
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret" toml:"jwt_secret"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" toml:"level"`
	Format string `mapstructure:"format" yaml:"format" toml:"format"` // console or json

	// File switches output to a rotated file.
	File       string `mapstructure:"file" yaml:"file" toml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days" toml:"max_age_days"`
}

var defaults = map[string]any{
	"server.addr":             "127.0.0.1:8080",
	"server.allowed_origins":  []string{},
	"server.shutdown_timeout": 5 * time.Second,

	"store.path": "devsync.db",

	"ratelimit.window_max": 60,
	"ratelimit.burst_max":  10,
	"ratelimit.window":     60 * time.Second,
	"ratelimit.burst":      time.Second,
	"ratelimit.idle_ttl":   time.Hour,

	"realtime.heartbeat_interval": 30 * time.Second,
	"realtime.reap_interval":      30 * time.Second,
	"realtime.liveness_timeout":   60 * time.Second,
	"realtime.batch_size":         50,
	"realtime.batch_delay":        10 * time.Millisecond,

	"auth.jwt_secret": "",

	"log.level":        "info",
	"log.format":       "console",
	"log.file":         "",
	"log.max_size_mb":  100,
	"log.max_backups":  3,
	"log.max_age_days": 28,
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := NewLoader("").Load()
	if err != nil {
		panic(fmt.Sprintf("config: defaults do not validate: %v", err))
	}
	return cfg
}

// Loader resolves configuration from all sources.
type Loader struct {
	v    *viper.Viper
	file string
}

// NewLoader creates a loader. file may be empty; when set it must exist.
func NewLoader(file string) *Loader {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
	}
	return &Loader{v: v, file: file}
}

// File returns the config file path, or "" when none is used.
func (l *Loader) File() string { return l.file }

// BindFlag makes flag override key when it was set on the command line.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("config: no flag for %s", key)
	}
	return l.v.BindPFlag(key, flag)
}

// Load reads every source and returns a validated Config.
func (l *Loader) Load() (*Config, error) {
	if l.file != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.file, err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that every setting is usable.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Addr != "", "server.addr is required")
	check(c.Server.ShutdownTimeout > 0, "server.shutdown_timeout must be positive")
	check(c.Store.Path != "", "store.path is required")

	check(c.RateLimit.WindowMax > 0, "ratelimit.window_max must be positive (got %d)", c.RateLimit.WindowMax)
	check(c.RateLimit.BurstMax > 0, "ratelimit.burst_max must be positive (got %d)", c.RateLimit.BurstMax)
	check(c.RateLimit.Window > 0, "ratelimit.window must be positive")
	check(c.RateLimit.Burst > 0 && c.RateLimit.Burst <= c.RateLimit.Window, "ratelimit.burst must be positive and at most ratelimit.window")
	check(c.RateLimit.IdleTTL > 0, "ratelimit.idle_ttl must be positive")

	check(c.Realtime.HeartbeatInterval > 0, "realtime.heartbeat_interval must be positive")
	check(c.Realtime.ReapInterval > 0, "realtime.reap_interval must be positive")
	check(c.Realtime.LivenessTimeout > 0, "realtime.liveness_timeout must be positive")
	check(c.Realtime.BatchSize > 0, "realtime.batch_size must be positive (got %d)", c.Realtime.BatchSize)
	check(c.Realtime.BatchDelay >= 0, "realtime.batch_delay must not be negative")

	_, err := zerolog.ParseLevel(c.Log.Level)
	check(err == nil, "log.level %q is not a valid level", c.Log.Level)
	check(c.Log.Format == "console" || c.Log.Format == "json", "log.format must be console or json (got %q)", c.Log.Format)

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
