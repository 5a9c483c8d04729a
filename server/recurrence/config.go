package recurrence

import (
	"fmt"
	"io"
	"log/slog"
	"time"
)

// EngineConfig holds configuration options for the recurrence engine
type EngineConfig struct {
	// Cache configuration
	CacheEnabled bool
	CacheConfig  CacheConfig

	// MaxInstances caps the occurrences produced by one expansion.
	MaxInstances int
	// MaxScan caps the rule instances examined before the window starts.
	// It only matters for COUNT rules, which cannot be fast-forwarded.
	MaxScan int
}

// DefaultEngineConfig provides sensible defaults for production use
var DefaultEngineConfig = EngineConfig{
	CacheEnabled: true,
	CacheConfig:  DefaultCacheConfig,

	MaxInstances: 5000,
	MaxScan:      1_000_000,
}

// HighPerformanceConfig is optimized for high-traffic scenarios
var HighPerformanceConfig = EngineConfig{
	CacheEnabled: true,
	CacheConfig: CacheConfig{
		TTL:             30 * time.Minute,
		MaxEntries:      5000,
		CleanupInterval: 10 * time.Minute,
	},

	MaxInstances: 2000,
	MaxScan:      250_000,
}

// LowMemoryConfig is optimized for memory-constrained environments
var LowMemoryConfig = EngineConfig{
	CacheEnabled: true,
	CacheConfig: CacheConfig{
		TTL:             5 * time.Minute,
		MaxEntries:      100,
		CleanupInterval: 2 * time.Minute,
	},

	MaxInstances: 1000,
	MaxScan:      100_000,
}

// DisabledCacheConfig turns off caching entirely
var DisabledCacheConfig = EngineConfig{
	CacheEnabled: false,

	MaxInstances: 5000,
	MaxScan:      1_000_000,
}

// Validate checks the limits of c.
func (c EngineConfig) Validate() error {
	if c.MaxInstances <= 0 {
		return fmt.Errorf("recurrence: MaxInstances must be positive, got %d", c.MaxInstances)
	}
	if c.MaxScan <= 0 {
		return fmt.Errorf("recurrence: MaxScan must be positive, got %d", c.MaxScan)
	}
	if c.CacheEnabled && (c.CacheConfig.TTL <= 0 || c.CacheConfig.MaxEntries <= 0 || c.CacheConfig.CleanupInterval <= 0) {
		return fmt.Errorf("recurrence: cache enabled with incomplete cache config")
	}
	return nil
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngineWithConfig creates a new recurrence engine with custom configuration
func NewEngineWithConfig(config EngineConfig, opts ...Option) *Engine {
	var cache *RecurrenceCache
	if config.CacheEnabled {
		cache = NewRecurrenceCache(config.CacheConfig)
	}

	e := &Engine{
		cache:  cache,
		config: config,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}
