// Package config загружает настройки клиента: значения по умолчанию,
// необязательный YAML файл и переменные окружения LEDGERKEEPER_*.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/iudanet/ledgerkeeper/internal/client/sync"
	"github.com/iudanet/ledgerkeeper/internal/schema"
)

// EnvPrefix префикс переменных окружения клиента
const EnvPrefix = "LEDGERKEEPER"

// Config represents the complete client configuration
type Config struct {
	Server     string     `mapstructure:"server"`
	DBPath     string     `mapstructure:"db"`
	LogLevel   string     `mapstructure:"log_level"`
	SchemaFile string     `mapstructure:"schema_file"`
	Sync       SyncConfig `mapstructure:"sync"`
}

// SyncConfig настройки фоновой синхронизации
type SyncConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AttemptTimeout  time.Duration `mapstructure:"attempt_timeout"`
	InitialBackoff  time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
	BatchSize       int           `mapstructure:"batch_size"`
	PullLimit       int           `mapstructure:"pull_limit"`
	MaxRetries      uint64        `mapstructure:"max_retries"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
}

// New создает viper с умолчаниями и привязкой к окружению
// (sync.batch_size -> LEDGERKEEPER_SYNC_BATCH_SIZE).
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	d := sync.DefaultConfig()

	v.SetDefault("server", "http://localhost:8080")
	v.SetDefault("db", "ledgerkeeper.db")
	v.SetDefault("log_level", "warn")
	v.SetDefault("schema_file", "")

	v.SetDefault("sync.interval", "30s")
	v.SetDefault("sync.batch_size", d.BatchSize)
	v.SetDefault("sync.pull_limit", d.PullLimit)
	v.SetDefault("sync.attempt_timeout", d.AttemptTimeout)
	v.SetDefault("sync.max_retries", d.MaxRetries)
	v.SetDefault("sync.initial_backoff", d.InitialBackoff)
	v.SetDefault("sync.max_backoff", d.MaxBackoff)
	v.SetDefault("sync.breaker_failures", d.BreakerFailures)
	v.SetDefault("sync.breaker_timeout", d.BreakerTimeout)
}

// Load читает файл настроек (если задан) и собирает Config.
// Пустой configFile означает только умолчания и окружение.
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
	if c.Server == "" {
		errs = append(errs, errors.New("server is required"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db is required"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Sync.Interval < time.Second {
		errs = append(errs, fmt.Errorf("sync.interval must be at least 1s, got %s", c.Sync.Interval))
	}
	if c.Sync.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize))
	}
	return errors.Join(errs...)
}

// Manager переводит настройки в конфигурацию сессии синхронизации
func (s SyncConfig) Manager() sync.Config {
	return sync.Config{
		Endpoint:        sync.DefaultEndpoint,
		BatchSize:       s.BatchSize,
		PullLimit:       s.PullLimit,
		AttemptTimeout:  s.AttemptTimeout,
		MaxRetries:      s.MaxRetries,
		InitialBackoff:  s.InitialBackoff,
		MaxBackoff:      s.MaxBackoff,
		BreakerFailures: s.BreakerFailures,
		BreakerTimeout:  s.BreakerTimeout,
	}
}

// Schemas возвращает реестр схем: встроенный или из файла
func (c *Config) Schemas() (*schema.Registry, error) {
	if c.SchemaFile == "" {
		return schema.Builtin(), nil
	}
	return schema.LoadFile(c.SchemaFile)
}

// ParseLevel разбирает уровень логирования
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", level)
	}
	return l, nil
}
