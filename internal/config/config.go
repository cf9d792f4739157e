// Package config loads the rulebox configuration: defaults, then an optional
// YAML file, then RULEBOX_* environment variables, then validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g.
// RULEBOX_STORAGE_BACKEND or RULEBOX_LISTENER_BATCH_SIZE.
const EnvPrefix = "RULEBOX_"

// FileName is the config file looked up in a program directory.
const FileName = "rulebox.yaml"

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
	BackendMongo  = "mongo"
)

// Checkpoint backends.
const (
	CheckpointStore  = "store"
	CheckpointMemory = "memory"
	CheckpointRedis  = "redis"
)

// Config holds the complete configuration.
type Config struct {
	Storage    StorageConfig    `yaml:"storage" envPrefix:"STORAGE_"`
	Streams    StreamsConfig    `yaml:"streams" envPrefix:"STREAMS_"`
	Dispatch   DispatchConfig   `yaml:"dispatch" envPrefix:"DISPATCH_"`
	Listener   ListenerConfig   `yaml:"listener" envPrefix:"LISTENER_"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" envPrefix:"CHECKPOINT_"`
	Metrics    MetricsConfig    `yaml:"metrics" envPrefix:"METRICS_"`
	Backup     BackupConfig     `yaml:"backup" envPrefix:"BACKUP_"`
	Log        LogConfig        `yaml:"log" envPrefix:"LOG_"`
}

// StorageConfig selects the persistence backend.
//
//nolint:golines // Struct tags require longer lines for readability
type StorageConfig struct {
	Backend       string        `yaml:"backend" env:"BACKEND"` // sqlite | memory | mongo
	SQLitePath    string        `yaml:"sqlite_path" env:"SQLITE_PATH"`
	MongoURI      string        `yaml:"mongo_uri" env:"MONGO_URI"`
	MongoDatabase string        `yaml:"mongo_database" env:"MONGO_DATABASE"`
	MongoTimeout  time.Duration `yaml:"mongo_timeout" env:"MONGO_TIMEOUT"`
}

// StreamsConfig names shared streams.
type StreamsConfig struct {
	Public string `yaml:"public" env:"PUBLIC"`
}

// DispatchConfig controls command execution.
type DispatchConfig struct {
	Mode       string `yaml:"mode" env:"MODE"` // inline | stream
	MaxRetries int    `yaml:"max_retries" env:"MAX_RETRIES"`
	MaxCascade int    `yaml:"max_cascade" env:"MAX_CASCADE"`
}

// ListenerConfig applies to every stream listener.
//
//nolint:golines // Struct tags require longer lines for readability
type ListenerConfig struct {
	Name           string        `yaml:"name" env:"NAME"`
	PollInterval   time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	BatchSize      int           `yaml:"batch_size" env:"BATCH_SIZE"`
	MaxAttempts    int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	OnExhausted    string        `yaml:"on_exhausted" env:"ON_EXHAUSTED"` // park | halt
}

// CheckpointConfig selects where listener positions are kept.
type CheckpointConfig struct {
	Backend    string `yaml:"backend" env:"BACKEND"` // store | memory | redis
	Collection string `yaml:"collection" env:"COLLECTION"`
	RedisAddr  string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisDB    int    `yaml:"redis_db" env:"REDIS_DB"`
	KeyPrefix  string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// MetricsConfig controls the Prometheus endpoint of listen.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" env:"ADDR"`
}

// BackupConfig locates snapshots. S3 is used when S3Bucket is set.
//
//nolint:golines // Struct tags require longer lines for readability
type BackupConfig struct {
	Dir         string `yaml:"dir" env:"DIR"`
	S3Bucket    string `yaml:"s3_bucket" env:"S3_BUCKET"`
	S3Prefix    string `yaml:"s3_prefix" env:"S3_PREFIX"`
	S3Region    string `yaml:"s3_region" env:"S3_REGION"`
	S3Endpoint  string `yaml:"s3_endpoint" env:"S3_ENDPOINT"`
	S3PathStyle bool   `yaml:"s3_path_style" env:"S3_PATH_STYLE"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug | info | warn | error
	Format string `yaml:"format" env:"FORMAT"` // json | text
}

// SlogLevel maps Level to a slog level. Unknown levels are info.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Configuration errors.
var (
	ErrNotFound = errors.New("configuration file not found")
	ErrInvalid  = errors.New("invalid configuration")
)

// Default returns a Config with every default filled in.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:       BackendSQLite,
			SQLitePath:    "rulebox.db",
			MongoDatabase: "rulebox",
			MongoTimeout:  10 * time.Second,
		},
		Streams: StreamsConfig{Public: "public_stream"},
		Dispatch: DispatchConfig{
			Mode:       "inline",
			MaxRetries: 3,
			MaxCascade: 100,
		},
		Listener: ListenerConfig{
			Name:           "rulebox",
			PollInterval:   500 * time.Millisecond,
			BatchSize:      100,
			MaxAttempts:    5,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			OnExhausted:    "park",
		},
		Checkpoint: CheckpointConfig{
			Backend:    CheckpointStore,
			Collection: "listener_checkpoints",
			RedisAddr:  "localhost:6379",
			KeyPrefix:  "rulebox:checkpoint:",
		},
		Metrics: MetricsConfig{Addr: ":9090"},
		Backup:  BackupConfig{Dir: "backups"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOptional is Load for a file that may be absent.
func LoadOptional(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Load("")
	}
	return Load(path)
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalid, path, err)
	}
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	switch c.Storage.Backend {
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			add("storage.sqlite_path is required for the sqlite backend")
		}
	case BackendMemory:
	case BackendMongo:
		if c.Storage.MongoURI == "" {
			add("storage.mongo_uri is required for the mongo backend")
		}
		if c.Storage.MongoDatabase == "" {
			add("storage.mongo_database is required for the mongo backend")
		}
	default:
		add("storage.backend must be sqlite, memory or mongo, got %q", c.Storage.Backend)
	}

	if c.Streams.Public == "" {
		add("streams.public is required")
	}

	if c.Dispatch.Mode != "inline" && c.Dispatch.Mode != "stream" {
		add("dispatch.mode must be inline or stream, got %q", c.Dispatch.Mode)
	}
	if c.Dispatch.MaxRetries < 0 {
		add("dispatch.max_retries must not be negative")
	}
	if c.Dispatch.MaxCascade < 0 {
		add("dispatch.max_cascade must not be negative")
	}

	l := c.Listener
	if l.Name == "" {
		add("listener.name is required")
	}
	if l.PollInterval <= 0 || l.BatchSize <= 0 || l.MaxAttempts <= 0 {
		add("listener.poll_interval, batch_size and max_attempts must be positive")
	}
	if l.InitialBackoff < 0 || l.MaxBackoff < l.InitialBackoff {
		add("listener.max_backoff must be at least initial_backoff")
	}
	if l.OnExhausted != "park" && l.OnExhausted != "halt" {
		add("listener.on_exhausted must be park or halt, got %q", l.OnExhausted)
	}

	switch c.Checkpoint.Backend {
	case CheckpointStore, CheckpointMemory:
	case CheckpointRedis:
		if c.Checkpoint.RedisAddr == "" {
			add("checkpoint.redis_addr is required for the redis backend")
		}
	default:
		add("checkpoint.backend must be store, memory or redis, got %q", c.Checkpoint.Backend)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		add("metrics.addr is required when metrics are enabled")
	}
	if c.Backup.Dir == "" && c.Backup.S3Bucket == "" {
		add("backup.dir or backup.s3_bucket is required")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		add("log.format must be json or text, got %q", c.Log.Format)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(problems...))
	}
	return nil
}
