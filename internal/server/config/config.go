// Package config загружает настройки relay из умолчаний, файла и LEDGERRELAY_*.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/iudanet/ledgerkeeper/internal/server/handlers"
)

// EnvPrefix префикс переменных окружения relay
const EnvPrefix = "LEDGERRELAY"

// minSecretLen минимальная длина секрета подписи JWT
const minSecretLen = 32

// Config represents the relay configuration
type Config struct {
	Address         string          `mapstructure:"address"`
	DBPath          string          `mapstructure:"db"`
	LogLevel        string          `mapstructure:"log_level"`
	JWTSecret       string          `mapstructure:"jwt_secret"`
	Sync            SyncConfig      `mapstructure:"sync"`
	Auth            AuthConfig      `mapstructure:"auth"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
}

// AuthConfig время жизни токенов
type AuthConfig struct {
	AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// SyncConfig ограничения обмена изменениями
type SyncConfig struct {
	MaxPushBatch     int `mapstructure:"max_push_batch"`
	PullLimit        int `mapstructure:"pull_limit"`
	MaxPullLimit     int `mapstructure:"max_pull_limit"`
	IdempotencyCache int `mapstructure:"idempotency_cache"`
}

// RateLimitConfig лимит запросов к auth маршрутам с одного IP
type RateLimitConfig struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// New создает viper с умолчаниями и привязкой к окружению
// (auth.access_token_ttl -> LEDGERRELAY_AUTH_ACCESS_TOKEN_TTL).
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	d := handlers.DefaultSyncConfig()

	v.SetDefault("address", ":8080")
	v.SetDefault("db", "ledgerrelay.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("shutdown_timeout", "10s")

	v.SetDefault("auth.access_token_ttl", "15m")
	v.SetDefault("auth.refresh_token_ttl", "720h")
	v.SetDefault("auth.cleanup_interval", "1h")

	v.SetDefault("sync.max_push_batch", d.MaxPushBatch)
	v.SetDefault("sync.pull_limit", d.DefaultPullLimit)
	v.SetDefault("sync.max_pull_limit", d.MaxPullLimit)
	v.SetDefault("sync.idempotency_cache", d.IdempotencyCache)

	v.SetDefault("rate_limit.requests", 20)
	v.SetDefault("rate_limit.window", "1m")
}

// Load читает файл настроек (если задан) и собирает Config
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.Address == "" {
		errs = append(errs, errors.New("address is required"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db is required"))
	}
	if len(c.JWTSecret) < minSecretLen {
		errs = append(errs, fmt.Errorf("jwt_secret must be at least %d characters", minSecretLen))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Auth.AccessTokenTTL <= 0 || c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("auth: refresh_token_ttl must exceed a positive access_token_ttl"))
	}
	if c.Sync.MaxPushBatch <= 0 || c.Sync.PullLimit <= 0 || c.Sync.MaxPullLimit < c.Sync.PullLimit {
		errs = append(errs, errors.New("sync: limits must be positive and max_pull_limit >= pull_limit"))
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit: requests and window must be positive"))
	}
	return errors.Join(errs...)
}

// Handlers переводит настройки в ограничения sync handler
func (s SyncConfig) Handlers() handlers.SyncConfig {
	return handlers.SyncConfig{
		MaxPushBatch:     s.MaxPushBatch,
		DefaultPullLimit: s.PullLimit,
		MaxPullLimit:     s.MaxPullLimit,
		IdempotencyCache: s.IdempotencyCache,
	}
}

// ParseLevel разбирает уровень логирования
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", level)
	}
	return l, nil
}
