// Package config loads and validates application configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	env "github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix is the prefix for environment variable overrides. A double
// underscore separates nesting levels, so key names can themselves
// contain underscores: SMSCOURIER_DATABASE__MAX_OPEN_CONNS.
const envPrefix = "SMSCOURIER_"

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Log        LogConfig        `koanf:"log"`
	Database   DatabaseConfig   `koanf:"database"`
	Redis      RedisConfig      `koanf:"redis"`
	Gateway    GatewayConfig    `koanf:"gateway"`
	Dispatcher DispatcherConfig `koanf:"dispatcher"`
	Feed       FeedConfig       `koanf:"feed"`
	Retention  RetentionConfig  `koanf:"retention"`
	Phone      PhoneConfig      `koanf:"phone"`
	Auth       AuthConfig       `koanf:"auth"`
	CORS       CORSConfig       `koanf:"cors"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// LogConfig contains logging configuration.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// DatabaseConfig contains PostgreSQL configuration.
type DatabaseConfig struct {
	URL             string        `koanf:"url" validate:"required"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"gt=0"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts" validate:"gt=0"`
}

// RedisConfig contains Redis configuration.
type RedisConfig struct {
	URL string `koanf:"url" validate:"required"`
}

// GatewayConfig contains SMS gateway client configuration.
type GatewayConfig struct {
	BaseURL   string        `koanf:"base_url" validate:"required,url"`
	APIKey    string        `koanf:"api_key" validate:"required"`
	SenderID  string        `koanf:"sender_id" validate:"required"`
	Timeout   time.Duration `koanf:"timeout"`
	BulkLimit int           `koanf:"bulk_limit" validate:"gt=0"`
}

// DispatcherConfig contains campaign dispatcher configuration.
type DispatcherConfig struct {
	BatchSize    int           `koanf:"batch_size" validate:"gt=0"`
	BatchDelay   time.Duration `koanf:"batch_delay"`
	SendRate     float64       `koanf:"send_rate" validate:"gt=0"`
	PollInterval time.Duration `koanf:"poll_interval" validate:"gt=0"`
	Lease        time.Duration `koanf:"lease" validate:"gt=0"`
}

// FeedConfig contains progress feed configuration.
type FeedConfig struct {
	PollInterval      time.Duration `koanf:"poll_interval" validate:"gt=0"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" validate:"gt=0"`
	CloseGrace        time.Duration `koanf:"close_grace"`
}

// RetentionConfig controls purging of terminal campaign jobs.
type RetentionConfig struct {
	Interval time.Duration `koanf:"interval" validate:"gt=0"`
	MaxAge   time.Duration `koanf:"max_age" validate:"gt=0"`
}

// PhoneConfig contains phone normalization configuration.
type PhoneConfig struct {
	// CountryCode is the international prefix canonical numbers carry,
	// without the plus sign.
	CountryCode string `koanf:"country_code" validate:"required,numeric"`
	// TrunkPrefix is the domestic dialing prefix stripped during
	// normalization.
	TrunkPrefix string `koanf:"trunk_prefix" validate:"required,numeric"`
}

// AuthConfig contains API authentication configuration.
type AuthConfig struct {
	// APIToken protects the campaign API. Empty disables auth, which is
	// only sensible behind a trusted proxy.
	APIToken string `koanf:"api_token"`
}

// CORSConfig contains CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// Default returns the configuration defaults. File and environment
// values are merged on top.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
		},
		Gateway: GatewayConfig{
			Timeout:   30 * time.Second,
			BulkLimit: 100,
		},
		Dispatcher: DispatcherConfig{
			BatchSize:    100,
			BatchDelay:   5 * time.Second,
			SendRate:     2,
			PollInterval: 2 * time.Second,
			Lease:        30 * time.Minute,
		},
		Feed: FeedConfig{
			PollInterval:      500 * time.Millisecond,
			HeartbeatInterval: 30 * time.Second,
			CloseGrace:        time.Second,
		},
		Retention: RetentionConfig{
			Interval: time.Hour,
			MaxAge:   30 * 24 * time.Hour,
		},
		Phone: PhoneConfig{
			CountryCode: "234",
			TrunkPrefix: "0",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
	}
}

// Load reads configuration from the optional YAML file at path and
// SMSCOURIER_* environment variables, environment winning, and returns
// a validated Config.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	err := k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
			return strings.ReplaceAll(key, "__", "."), value
		},
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	// A batch larger than the gateway's bulk cap can never be sent.
	if c.Dispatcher.BatchSize > c.Gateway.BulkLimit {
		return fmt.Errorf("dispatcher batch_size %d exceeds gateway bulk_limit %d",
			c.Dispatcher.BatchSize, c.Gateway.BulkLimit)
	}

	return nil
}
