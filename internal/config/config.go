// Package config loads server settings from defaults, an optional YAML
// file and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atmx/paper-ledger/internal/assistant"
	"github.com/atmx/paper-ledger/internal/ledger"
	"github.com/atmx/paper-ledger/internal/quote"
	"github.com/atmx/paper-ledger/internal/session"
)

// Session backends.
const (
	SessionMemory = "memory"
	SessionRedis  = "redis"
)

// Config is the full server configuration.
type Config struct {
	Port            string          `mapstructure:"port"`
	DatabaseURL     string          `mapstructure:"database_url"`
	SQLitePath      string          `mapstructure:"sqlite_path"`
	RedisURL        string          `mapstructure:"redis_url"`
	CacheTTL        time.Duration   `mapstructure:"cache_ttl"`
	StartingBalance decimal.Decimal `mapstructure:"starting_balance"`
	GeminiAPIKey    string          `mapstructure:"gemini_api_key"`
	GeminiModel     string          `mapstructure:"gemini_model"`
	BotUsername     string          `mapstructure:"bot_username"`
	LogLevel        string          `mapstructure:"log_level"`

	Ledger  LedgerConfig  `mapstructure:"ledger"`
	Session SessionConfig `mapstructure:"session"`
	Quote   QuoteConfig   `mapstructure:"quote"`
}

type LedgerConfig struct {
	ScopeMode string `mapstructure:"scope_mode"`
}

type SessionConfig struct {
	Backend   string        `mapstructure:"backend"`
	Capacity  int           `mapstructure:"capacity"`
	MaxScopes int           `mapstructure:"max_scopes"`
	IdleTTL   time.Duration `mapstructure:"idle_ttl"`
}

type QuoteConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("database_url", "")
	v.SetDefault("sqlite_path", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("cache_ttl", "30s")
	v.SetDefault("starting_balance", "100000")
	v.SetDefault("gemini_api_key", "")
	v.SetDefault("gemini_model", assistant.DefaultModel)
	v.SetDefault("bot_username", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("ledger.scope_mode", string(ledger.ScopeConversation))
	v.SetDefault("session.backend", SessionMemory)
	v.SetDefault("session.capacity", session.DefaultCapacity)
	v.SetDefault("session.max_scopes", 10000)
	v.SetDefault("session.idle_ttl", "24h")
	v.SetDefault("quote.base_url", quote.DefaultBaseURL)
	v.SetDefault("quote.timeout", "5s")
}

// Load reads the configuration. A YAML file named by CONFIG_FILE is merged
// over the defaults; environment variables win over both, with nested keys
// spelled SESSION_CAPACITY and so on.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			decimalHook,
			mapstructure.StringToTimeDurationHookFunc(),
		)
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Session.Capacity < 1 {
		errs = append(errs, fmt.Errorf("session.capacity must be at least 1, got %d", c.Session.Capacity))
	}
	if !c.StartingBalance.IsPositive() {
		errs = append(errs, fmt.Errorf("starting_balance must be positive, got %s", c.StartingBalance))
	}
	if _, err := ledger.ParseScopeMode(c.Ledger.ScopeMode); err != nil {
		errs = append(errs, err)
	}
	switch c.Session.Backend {
	case SessionMemory:
	case SessionRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("session.backend redis requires redis_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown session.backend %q", c.Session.Backend))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ScopeMode returns the parsed ledger scope mode.
func (c *Config) ScopeMode() ledger.ScopeMode {
	m, _ := ledger.ParseScopeMode(c.Ledger.ScopeMode)
	return m
}

// SlogLevel parses log_level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return l, nil
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

func decimalHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return decimal.NewFromString(strings.TrimSpace(v))
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case float64:
		return decimal.NewFromFloat(v), nil
	default:
		return data, nil
	}
}
