package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rendis/flowpilot/internal/engine"
	"github.com/rendis/flowpilot/internal/nodes"
	"github.com/rendis/flowpilot/internal/scheduler"
	"github.com/rendis/flowpilot/pkg/schema"
)

// Store backends.
const (
	storeLibSQL = "libsql"
	storeRedis  = "redis"
	storeMemory = "memory"
)

// HTTPSettings configures the HttpRequest executor.
type HTTPSettings struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
}

// RecoverySettings configures the stale-instance sweep.
type RecoverySettings struct {
	Schedule   string        `yaml:"schedule"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// Config holds all flowpilot configuration.
// Priority: env vars > .env > settings.yaml > defaults.
type Config struct {
	ListenAddr  string              `yaml:"listen_addr"`
	BaseURL     string              `yaml:"base_url"`
	Store       string              `yaml:"store"`
	DBPath      string              `yaml:"db_path"`
	RedisURL    string              `yaml:"redis_url"`
	RedisPrefix string              `yaml:"redis_prefix"`
	LogLevel    string              `yaml:"log_level"`
	LogJSON     bool                `yaml:"log_json"`
	PoolSize    int                 `yaml:"pool_size"`
	LoopGuard   int                 `yaml:"loop_guard"`
	HTTP        HTTPSettings        `yaml:"http"`
	Recovery    RecoverySettings    `yaml:"recovery"`
	Triggers    []scheduler.Trigger `yaml:"triggers"`
	MCP         bool                `yaml:"mcp"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:  ":4200",
		Store:       storeLibSQL,
		DBPath:      filepath.Join(flowpilotDir(), "flowpilot.db"),
		RedisPrefix: "flowpilot:",
		LogLevel:    "info",
		PoolSize:    engine.DefaultPoolSize,
		LoopGuard:   engine.DefaultLoopGuard,
		HTTP: HTTPSettings{
			DefaultTimeout: 30 * time.Second,
			MaxRetries:     2,
			BackoffBase:    500 * time.Millisecond,
		},
		Recovery: RecoverySettings{
			Schedule:   scheduler.DefaultRecoverySchedule,
			StaleAfter: scheduler.DefaultStaleAfter,
		},
	}
}

// flowpilotDir is ~/.flowpilot unless FLOWPILOT_HOME says otherwise.
func flowpilotDir() string {
	if v := os.Getenv("FLOWPILOT_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowpilot"
	}
	return filepath.Join(home, ".flowpilot")
}

func settingsPath() string {
	return filepath.Join(flowpilotDir(), "settings.yaml")
}

func pidPath() string {
	return filepath.Join(flowpilotDir(), "flowpilot.pid")
}

// lockPath sits beside the database file so two servers never share one.
func (c Config) lockPath() string {
	if c.Store == storeLibSQL {
		return c.DBPath + ".lock"
	}
	return filepath.Join(flowpilotDir(), "flowpilot.lock")
}

// loadConfig layers defaults, the settings file, a .env file in the working
// directory and FLOWPILOT_* variables. An empty path means settingsPath();
// a missing default settings file is not an error, a missing explicit one is.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		path = settingsPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var file Config
		if err := yaml.Unmarshal(data, &file); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := mergo.Merge(&cfg, file, mergo.WithOverride); err != nil {
			return cfg, fmt.Errorf("merge %s: %w", path, err)
		}
	case explicit || !errors.Is(err, fs.ErrNotExist):
		return cfg, fmt.Errorf("read config: %w", err)
	}

	// .env never overrides variables already set in the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}
	return cfg, cfg.validate()
}

func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"FLOWPILOT_LISTEN_ADDR":       &cfg.ListenAddr,
		"FLOWPILOT_BASE_URL":          &cfg.BaseURL,
		"FLOWPILOT_STORE":             &cfg.Store,
		"FLOWPILOT_DB_PATH":           &cfg.DBPath,
		"FLOWPILOT_REDIS_URL":         &cfg.RedisURL,
		"FLOWPILOT_REDIS_PREFIX":      &cfg.RedisPrefix,
		"FLOWPILOT_LOG_LEVEL":         &cfg.LogLevel,
		"FLOWPILOT_RECOVERY_SCHEDULE": &cfg.Recovery.Schedule,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"FLOWPILOT_POOL_SIZE":        &cfg.PoolSize,
		"FLOWPILOT_LOOP_GUARD":       &cfg.LoopGuard,
		"FLOWPILOT_HTTP_MAX_RETRIES": &cfg.HTTP.MaxRetries,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"FLOWPILOT_HTTP_DEFAULT_TIMEOUT": &cfg.HTTP.DefaultTimeout,
		"FLOWPILOT_HTTP_BACKOFF_BASE":    &cfg.HTTP.BackoffBase,
		"FLOWPILOT_RECOVERY_STALE_AFTER": &cfg.Recovery.StaleAfter,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}

	bools := map[string]*bool{
		"FLOWPILOT_LOG_JSON": &cfg.LogJSON,
		"FLOWPILOT_MCP":      &cfg.MCP,
	}
	for key, dst := range bools {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}
	return nil
}

func (c Config) validate() error {
	switch c.Store {
	case storeLibSQL:
		if c.DBPath == "" {
			return schema.NewError(schema.ErrCodeValidation, "db_path is required for the libsql store")
		}
	case storeRedis:
		if c.RedisURL == "" {
			return schema.NewError(schema.ErrCodeValidation, "redis_url is required for the redis store")
		}
	case storeMemory:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown store %q (want libsql, redis or memory)", c.Store)
	}
	if c.PoolSize <= 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "pool_size must be positive, got %d", c.PoolSize)
	}
	if c.LoopGuard <= 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "loop_guard must be positive, got %d", c.LoopGuard)
	}
	return scheduler.ValidateTriggers(c.Triggers)
}

// httpConfig maps the settings onto the executor config. The executor reads
// zero retries as "use the default", so an explicit 0 becomes -1.
func (c Config) httpConfig() nodes.HTTPConfig {
	retries := c.HTTP.MaxRetries
	if retries <= 0 {
		retries = -1
	}
	return nodes.HTTPConfig{
		DefaultTimeout: c.HTTP.DefaultTimeout,
		MaxRetries:     retries,
		BackoffBase:    c.HTTP.BackoffBase,
	}
}

func (c Config) schedulerConfig() scheduler.Config {
	return scheduler.Config{
		RecoverySchedule: c.Recovery.Schedule,
		StaleAfter:       c.Recovery.StaleAfter,
		Triggers:         c.Triggers,
	}
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.Store != new.Store {
		d.RestartNeeded = append(d.RestartNeeded, "store")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.RedisURL != new.RedisURL {
		d.RestartNeeded = append(d.RestartNeeded, "redis_url")
	}
	if old.PoolSize != new.PoolSize {
		d.RestartNeeded = append(d.RestartNeeded, "pool_size")
	}
	if old.LoopGuard != new.LoopGuard {
		d.RestartNeeded = append(d.RestartNeeded, "loop_guard")
	}
	if old.HTTP != new.HTTP {
		d.RestartNeeded = append(d.RestartNeeded, "http")
	}
	if old.Recovery != new.Recovery || len(old.Triggers) != len(new.Triggers) {
		d.RestartNeeded = append(d.RestartNeeded, "recovery/triggers")
	}
	if old.MCP != new.MCP {
		d.RestartNeeded = append(d.RestartNeeded, "mcp")
	}
	return d
}
