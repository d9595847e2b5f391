package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full process configuration.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	DB       DBConfig       `yaml:"db"`
	Index    IndexConfig    `yaml:"index"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Sync     SyncConfig     `yaml:"sync"`
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
}

// LogConfig controls logger output.
type LogConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	File       string `yaml:"file" env:"LOG_FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"gte=0"`
}

// DBConfig selects and configures the report store.
type DBConfig struct {
	Driver   string `yaml:"driver" env:"DB_DRIVER" validate:"oneof=sqlite postgres"`
	Path     string `yaml:"path" env:"DB_PATH" validate:"required_if=Driver sqlite"`
	DSN      string `yaml:"dsn" env:"DATABASE_URL" validate:"required_if=Driver postgres"`
	MaxConns int    `yaml:"max_conns" env:"DB_MAX_CONNS" validate:"gte=0"`
}

// IndexConfig locates the keyword index.
type IndexConfig struct {
	Path string `yaml:"path" env:"INDEX_PATH"`
}

// UpstreamConfig describes the report provider endpoints.
type UpstreamConfig struct {
	ListBaseURL    string        `yaml:"list_base_url" env:"UPSTREAM_LIST_BASE_URL" validate:"required,url"`
	DetailBaseURL  string        `yaml:"detail_base_url" env:"UPSTREAM_DETAIL_BASE_URL" validate:"required,url"`
	UserAgent      string        `yaml:"user_agent" env:"UPSTREAM_USER_AGENT" validate:"required"`
	PageSize       int           `yaml:"page_size" env:"SYNC_PAGE_SIZE" validate:"min=1,max=100"`
	MaxPages       int           `yaml:"max_pages" validate:"min=1"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`
	RequestRPS     float64       `yaml:"request_rps" env:"UPSTREAM_REQUEST_RPS" validate:"gte=0"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" validate:"gte=0"`
	DetailRetryGap time.Duration `yaml:"detail_retry_delay" validate:"gte=0"`
}

// SyncConfig holds the ingestion tuning knobs.
type SyncConfig struct {
	Concurrency    int           `yaml:"concurrency" env:"SYNC_CONCURRENCY" validate:"min=1,max=64"`
	RecordTimeout  time.Duration `yaml:"record_timeout" env:"SYNC_RECORD_TIMEOUT" validate:"gt=0"`
	SkipExisting   bool          `yaml:"skip_existing" env:"SYNC_SKIP_EXISTING"`
	LookbackDays   int           `yaml:"lookback_days" env:"SYNC_LOOKBACK_DAYS" validate:"min=1"`
	Categories     []string      `yaml:"categories" env:"SYNC_CATEGORIES" validate:"dive,oneof=strategy macro industry stock"`
	FailureLogDir  string        `yaml:"failure_log_dir" env:"SYNC_FAILURE_LOG_DIR"`
	WriteFailures  bool          `yaml:"write_failure_log" env:"SYNC_WRITE_FAILURE_LOG"`
	IndexOnPersist bool          `yaml:"index_on_persist"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr        string   `yaml:"addr" env:"SERVER_ADDR" validate:"required"`
	SyncSecret  string   `yaml:"sync_secret" env:"SYNC_SECRET"`
	CORSOrigins []string `yaml:"cors_origins" env:"CORS_ORIGINS"`
}

// RedisConfig enables the shared sync lock when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"REDIS_ADDRESS"`
	Password string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"REDIS_DB"`
	LockTTL  time.Duration `yaml:"lock_ttl" validate:"gte=0"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		DB: DBConfig{
			Driver:   "sqlite",
			Path:     "./data/reports.db",
			MaxConns: 4,
		},
		Index: IndexConfig{Path: "./data/bleve"},
		Upstream: UpstreamConfig{
			ListBaseURL:    "https://reportapi.eastmoney.com/",
			DetailBaseURL:  "https://data.eastmoney.com",
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
			PageSize:       40,
			MaxPages:       200,
			RequestTimeout: 15 * time.Second,
			RetryBaseDelay: time.Second,
			DetailRetryGap: 500 * time.Millisecond,
		},
		Sync: SyncConfig{
			Concurrency:    4,
			RecordTimeout:  90 * time.Second,
			SkipExisting:   true,
			LookbackDays:   30,
			FailureLogDir:  "./error-logs",
			WriteFailures:  true,
			IndexOnPersist: true,
		},
		Server: ServerConfig{
			Addr:        "localhost:6893",
			CORSOrigins: []string{"*"},
		},
		Redis: RedisConfig{LockTTL: 2 * time.Hour},
	}
}

// LoadConfig layers defaults, the YAML file at path (if it exists), a .env
// file (if any) and environment variables, then validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
