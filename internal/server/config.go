// Package server provides configuration helpers that define runtime defaults,
// file and environment loading, and validation for the relay.
package server

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultPort is the TCP port the relay binds when nothing else is configured.
const DefaultPort = 5126

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "LINECHAT_"

// RateLimitConfig defines the parameters for per-participant message rate
// limiting. A Burst of 0 disables the limiter.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst" env:"BURST" validate:"gte=0"`
	RefillInterval time.Duration `yaml:"refill_interval" env:"REFILL_INTERVAL" validate:"gte=0"`
}

// Enabled reports whether chat lines are throttled at all.
func (c RateLimitConfig) Enabled() bool {
	return c.Burst > 0
}

// Config holds the relay settings. Zero values are replaced by defaults in
// Sanitize.
type Config struct {
	Host             string          `yaml:"host" env:"HOST" validate:"omitempty,ip|hostname"`
	Port             int             `yaml:"port" env:"PORT" validate:"gte=0,lte=65535"`
	HTTPPort         int             `yaml:"http_port" env:"HTTP_PORT" validate:"gte=0,lte=65535"`
	BannedIPs        []string        `yaml:"banned_ips" env:"BANNED_IPS" envSeparator:"," validate:"dive,ip|cidr"`
	AllowedOrigins   []string        `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	MaxNameSize      int             `yaml:"max_name_size" env:"MAX_NAME_SIZE" validate:"gte=0"`
	MaxMessageSize   int             `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE" validate:"gte=0"`
	RateLimit        RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	HandshakeTimeout time.Duration   `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT" validate:"gte=0"`
	SendTimeout      time.Duration   `yaml:"send_timeout" env:"SEND_TIMEOUT" validate:"gte=0"`
	ShutdownTimeout  time.Duration   `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" validate:"gte=0"`
	LogLevel         string          `yaml:"log_level" env:"LOG_LEVEL" validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR"`
}

func defaultConfig() Config {
	return Config{
		Host: "0.0.0.0",
		Port: DefaultPort,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxNameSize:    1024,
		MaxMessageSize: 4096,
		RateLimit: RateLimitConfig{
			Burst:          0,
			RefillInterval: time.Second,
		},
		HandshakeTimeout: 30 * time.Second,
		SendTimeout:      5 * time.Second,
		ShutdownTimeout:  5 * time.Second,
		LogLevel:         "info",
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// Sanitize replaces unset or out-of-range values with defaults and trims
// list entries.
func Sanitize(cfg Config) Config {
	def := defaultConfig()

	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.MaxNameSize <= 0 {
		cfg.MaxNameSize = def.MaxNameSize
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimit.Burst < 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}

	cfg.BannedIPs = trimEntries(cfg.BannedIPs)
	cfg.AllowedOrigins = trimEntries(cfg.AllowedOrigins)
	return cfg
}

func trimEntries(entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if trimmed := strings.TrimSpace(entry); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// LoadConfigFile overlays the YAML file at path onto cfg. A missing file is
// not an error and reports found == false.
func LoadConfigFile(path string, cfg *Config) (found bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return true, fmt.Errorf("parse config %s: %w", path, err)
	}
	return true, nil
}

// ApplyEnv overlays LINECHAT_* environment variables onto cfg. Unset
// variables leave the current values untouched.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

var validate = validator.New()

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// LoadConfig builds a Config from defaults, the YAML file at path and the
// environment, in that order, then sanitizes and validates it.
func LoadConfig(path string) (Config, bool, error) {
	cfg := defaultConfig()

	found, err := LoadConfigFile(path, &cfg)
	if err != nil {
		return Config{}, found, err
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, found, err
	}

	cfg = Sanitize(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, found, err
	}
	return cfg, found, nil
}

// Level returns the slog level named by LogLevel, defaulting to info.
func (c Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
