// Package config loads graphsync settings.
//
// Values are layered: built-in defaults, then an optional YAML file named by
// GRAPHSYNC_CONFIG_FILE, then GRAPHSYNC_* environment variables. A .env file
// in the working directory is loaded into the environment first and never
// overrides variables that are already set.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FileEnv names the YAML config file.
const FileEnv = "GRAPHSYNC_CONFIG_FILE"

// Config holds all configuration settings for a graphsync process.
type Config struct {
	Graph  GraphConfig  `yaml:"graph"`
	Store  StoreConfig  `yaml:"store"`
	Sync   SyncConfig   `yaml:"sync"`
	Notify NotifyConfig `yaml:"notify"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
}

// GraphConfig selects and tunes the graph adapter.
type GraphConfig struct {
	URI      string `yaml:"uri" validate:"required_if=Adapter neo4j"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Database is empty for the server default.
	Database        string `yaml:"database"`
	Dialect         string `yaml:"dialect" validate:"oneof=auto neo4j memgraph"`
	Adapter         string `yaml:"adapter" validate:"oneof=neo4j memory"`
	MaxPoolSize     int    `yaml:"max_pool_size" validate:"gte=1"`
	BreakerFailures uint32 `yaml:"breaker_failures" validate:"gte=1"`
}

// StoreConfig selects the system of record.
type StoreConfig struct {
	Engine string `yaml:"engine" validate:"oneof=sqlite postgres"`
	// DSN is a file path for sqlite and a connection string for postgres.
	DSN string `yaml:"dsn" validate:"required"`
}

// SyncConfig tunes the worker.
type SyncConfig struct {
	OrphanCleanup   bool          `yaml:"orphan_cleanup"`
	AutoStart       bool          `yaml:"auto_start"`
	BatchSize       int           `yaml:"batch_size" validate:"gte=1,lte=1000"`
	RetryAttempts   int           `yaml:"retry_attempts" validate:"gte=1"`
	BackoffBase     time.Duration `yaml:"backoff_base" validate:"gt=0"`
	BackoffMax      time.Duration `yaml:"backoff_max" validate:"gtefield=BackoffBase"`
	MaxHops         int           `yaml:"max_hops" validate:"gte=1"`
	StaleAfter      time.Duration `yaml:"stale_after" validate:"gt=0"`
	WritesPerSecond float64       `yaml:"writes_per_second" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// NotifyConfig selects how workers are woken. The postgres store always
// listens on its queue channel and treats "local" as "postgres".
type NotifyConfig struct {
	Mode string `yaml:"mode" validate:"oneof=local file postgres"`
	Dir  string `yaml:"dir" validate:"required_if=Mode file"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"gte=0,lte=65535"`
}

// LogConfig selects the logger flavour.
type LogConfig struct {
	Env   string `yaml:"env" validate:"oneof=development production"`
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Graph: GraphConfig{
			URI:             "bolt://localhost:7687",
			Username:        "neo4j",
			Password:        "password",
			Dialect:         "auto",
			Adapter:         "neo4j",
			MaxPoolSize:     50,
			BreakerFailures: 5,
		},
		Store: StoreConfig{
			Engine: "sqlite",
			DSN:    "./data/graphsync.db",
		},
		Sync: SyncConfig{
			OrphanCleanup:   true,
			AutoStart:       true,
			BatchSize:       50,
			RetryAttempts:   3,
			BackoffBase:     time.Second,
			BackoffMax:      time.Minute,
			MaxHops:         10,
			StaleAfter:      5 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Notify: NotifyConfig{
			Mode: "local",
			Dir:  "./data/events",
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 7370,
		},
		Log: LogConfig{
			Env:   "development",
			Level: "info",
		},
	}
}

// Load builds the configuration. dotenv names the .env files to read;
// when none are given ".env" is tried. Missing .env files are ignored.
func Load(dotenv ...string) (*Config, error) {
	if len(dotenv) == 0 {
		dotenv = []string{".env"}
	}
	for _, f := range dotenv {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	cfg := Default()
	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

// env overlays environment variables, collecting parse errors.
type env struct {
	errs []error
}

func (e *env) str(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func (e *env) int(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *env) uint32(key string, dst *uint32) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = uint32(n)
	}
}

func (e *env) float(key string, dst *float64) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
}

func (e *env) bool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			*dst = true
		case "false", "0", "no":
			*dst = false
		default:
			e.errs = append(e.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		}
	}
}

func (e *env) duration(key string, dst *time.Duration) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}

func (c *Config) applyEnv() error {
	var e env

	e.str("GRAPHSYNC_GRAPH_URI", &c.Graph.URI)
	e.str("GRAPHSYNC_GRAPH_USERNAME", &c.Graph.Username)
	e.str("GRAPHSYNC_GRAPH_PASSWORD", &c.Graph.Password)
	e.str("GRAPHSYNC_GRAPH_DATABASE", &c.Graph.Database)
	e.str("GRAPHSYNC_GRAPH_DIALECT", &c.Graph.Dialect)
	e.str("GRAPHSYNC_GRAPH_ADAPTER", &c.Graph.Adapter)
	e.int("GRAPHSYNC_GRAPH_MAX_POOL_SIZE", &c.Graph.MaxPoolSize)
	e.uint32("GRAPHSYNC_GRAPH_BREAKER_FAILURES", &c.Graph.BreakerFailures)

	e.str("GRAPHSYNC_STORE_ENGINE", &c.Store.Engine)
	e.str("GRAPHSYNC_STORE_DSN", &c.Store.DSN)

	e.bool("GRAPHSYNC_ORPHAN_CLEANUP", &c.Sync.OrphanCleanup)
	e.bool("GRAPHSYNC_AUTO_START", &c.Sync.AutoStart)
	e.int("GRAPHSYNC_BATCH_SIZE", &c.Sync.BatchSize)
	e.int("GRAPHSYNC_RETRY_ATTEMPTS", &c.Sync.RetryAttempts)
	e.duration("GRAPHSYNC_BACKOFF_BASE", &c.Sync.BackoffBase)
	e.duration("GRAPHSYNC_BACKOFF_MAX", &c.Sync.BackoffMax)
	e.int("GRAPHSYNC_MAX_HOPS", &c.Sync.MaxHops)
	e.duration("GRAPHSYNC_STALE_AFTER", &c.Sync.StaleAfter)
	e.float("GRAPHSYNC_WRITES_PER_SECOND", &c.Sync.WritesPerSecond)
	e.duration("GRAPHSYNC_SHUTDOWN_TIMEOUT", &c.Sync.ShutdownTimeout)

	e.str("GRAPHSYNC_NOTIFY_MODE", &c.Notify.Mode)
	e.str("GRAPHSYNC_NOTIFY_DIR", &c.Notify.Dir)

	e.str("GRAPHSYNC_HOST", &c.Server.Host)
	e.int("GRAPHSYNC_PORT", &c.Server.Port)

	e.str("GRAPHSYNC_ENV", &c.Log.Env)
	e.str("GRAPHSYNC_LOG_LEVEL", &c.Log.Level)

	if len(e.errs) > 0 {
		return fmt.Errorf("config: environment: %w", errors.Join(e.errs...))
	}
	return nil
}
