// Package config loads the settings of a caldora server from YAML.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cyp0633/caldora/server/recurrence"
	"github.com/cyp0633/caldora/server/storage"
)

// Config is the top-level server configuration.
type Config struct {
	Listen     string           `yaml:"listen"`
	Prefix     string           `yaml:"prefix"`
	Realm      string           `yaml:"realm"`
	Storage    StorageConfig    `yaml:"storage"`
	Locks      LockConfig       `yaml:"locks"`
	Tickets    TicketConfig     `yaml:"tickets"`
	Recurrence RecurrenceConfig `yaml:"recurrence"`
	Query      QueryConfig      `yaml:"query"`
	Reaper     ReaperConfig     `yaml:"reaper"`
	Users      []User           `yaml:"users"`
	LogLevel   string           `yaml:"log_level"`
}

// StorageConfig selects the backend.
type StorageConfig struct {
	Driver   string `yaml:"driver"` // memory or sqlite
	DSN      string `yaml:"dsn"`
	PoolSize int    `yaml:"pool_size"`
}

type LockConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
	WaitTimeout    time.Duration `yaml:"wait_timeout"`
}

type TicketConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

type RecurrenceConfig struct {
	MaxInstances int           `yaml:"max_instances"`
	CacheEnabled bool          `yaml:"cache_enabled"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	CacheMaxSize int           `yaml:"cache_max_size"`
}

type QueryConfig struct {
	Parallelism int `yaml:"parallelism"`
}

type ReaperConfig struct {
	Schedule string `yaml:"schedule"`
}

// User is a development credential for the in-memory authenticator.
type User struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Default returns the configuration used when no file is given.
func Default() Config {
	locks := storage.DefaultLockConfig
	rec := recurrence.DefaultEngineConfig
	return Config{
		Listen: ":8080",
		Prefix: "/caldav/",
		Realm:  "caldora",
		Storage: StorageConfig{
			Driver: DriverMemory,
		},
		Locks: LockConfig{
			DefaultTimeout: locks.DefaultTimeout,
			MaxTimeout:     locks.MaxTimeout,
			WaitTimeout:    locks.WaitTimeout,
		},
		Tickets: TicketConfig{DefaultTimeout: time.Hour},
		Recurrence: RecurrenceConfig{
			MaxInstances: rec.MaxInstances,
			CacheEnabled: rec.CacheEnabled,
			CacheTTL:     rec.CacheConfig.TTL,
			CacheMaxSize: rec.CacheConfig.MaxEntries,
		},
		Query:    QueryConfig{Parallelism: 8},
		Reaper:   ReaperConfig{Schedule: storage.DefaultReaperSchedule},
		LogLevel: "info",
	}
}

// Load reads path over the defaults. Keys missing from the file keep
// their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Storage.DSN == "" {
			return fmt.Errorf("config: storage.dsn is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	if c.Locks.DefaultTimeout <= 0 || c.Locks.MaxTimeout < c.Locks.DefaultTimeout {
		return fmt.Errorf("config: locks.max_timeout must be at least locks.default_timeout")
	}
	if c.Query.Parallelism < 0 {
		return fmt.Errorf("config: query.parallelism must not be negative")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return c.EngineConfig().Validate()
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return level, fmt.Errorf("config: log_level: %w", err)
	}
	return level, nil
}

// LockConfig converts the lock section for storage.Open.
func (c Config) LockConfig() storage.LockConfig {
	return storage.LockConfig{
		DefaultTimeout: c.Locks.DefaultTimeout,
		MaxTimeout:     c.Locks.MaxTimeout,
		WaitTimeout:    c.Locks.WaitTimeout,
	}
}

// EngineConfig converts the recurrence section, starting from the
// default preset.
func (c Config) EngineConfig() recurrence.EngineConfig {
	ec := recurrence.DefaultEngineConfig
	ec.MaxInstances = c.Recurrence.MaxInstances
	ec.CacheEnabled = c.Recurrence.CacheEnabled
	if c.Recurrence.CacheTTL > 0 {
		ec.CacheConfig.TTL = c.Recurrence.CacheTTL
	}
	if c.Recurrence.CacheMaxSize > 0 {
		ec.CacheConfig.MaxEntries = c.Recurrence.CacheMaxSize
	}
	return ec
}
