package cache

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// statusClass buckets HTTP status codes for TTL resolution.
type statusClass string

const (
	classSuccess     statusClass = "success"
	classRateLimited statusClass = "rate_limited"
	classServerError statusClass = "server_error"
	classClientError statusClass = "client_error"
)

// classifyStatus maps an upstream status code to its TTL class.
// 429 gets its own class so rate-limit responses can be cached briefly
// without hammering an already throttling provider.
func classifyStatus(code int) statusClass {
	switch {
	case code == 429:
		return classRateLimited
	case code >= 500:
		return classServerError
	case code >= 400:
		return classClientError
	default:
		return classSuccess
	}
}

// TTLBounds holds the default and the clamp range for one status class,
// in seconds.
type TTLBounds struct {
	Default int `mapstructure:"default" validate:"gt=0"`
	Min     int `mapstructure:"min" validate:"gte=0"`
	Max     int `mapstructure:"max" validate:"gtefield=Min"`
}

// clamp resolves a requested TTL against the bounds. A zero request takes
// the class default; the result always lands inside [Min, Max].
func (b TTLBounds) clamp(requested time.Duration) time.Duration {
	ttl := requested
	if ttl == 0 {
		ttl = time.Duration(b.Default) * time.Second
	}
	min := time.Duration(b.Min) * time.Second
	max := time.Duration(b.Max) * time.Second
	if ttl < min {
		return min
	}
	if ttl > max {
		return max
	}
	return ttl
}

// TTLConfig holds per-status-class TTL bounds.
type TTLConfig struct {
	Success     TTLBounds `mapstructure:"success"`
	RateLimited TTLBounds `mapstructure:"rate_limited"`
	ServerError TTLBounds `mapstructure:"server_error"`
	ClientError TTLBounds `mapstructure:"client_error"`
}

// boundsFor returns the TTL bounds for a status code.
func (c TTLConfig) boundsFor(code int) TTLBounds {
	switch classifyStatus(code) {
	case classRateLimited:
		return c.RateLimited
	case classServerError:
		return c.ServerError
	case classClientError:
		return c.ClientError
	default:
		return c.Success
	}
}

// SWRConfig controls stale-while-revalidate bookkeeping.
type SWRConfig struct {
	// Enabled turns SWR windows on globally.
	Enabled bool `mapstructure:"enabled"`

	// TTLMultiplier scales the resolved TTL into the extra stale window.
	TTLMultiplier float64 `mapstructure:"ttl_multiplier" validate:"gte=0"`

	// MaxTTLSeconds caps the stale window regardless of the multiplier.
	MaxTTLSeconds int `mapstructure:"max_ttl_seconds" validate:"gte=0"`
}

// StorageConfig selects and sizes the storage backend.
type StorageConfig struct {
	// Type is "memory" or "redis".
	Type string `mapstructure:"type" validate:"oneof=memory redis"`

	// MaxEntries bounds the entry count; inserting beyond it evicts the
	// oldest entry first.
	MaxEntries int `mapstructure:"max_entries" validate:"gt=0"`

	// CleanupIntervalSeconds is the background sweep period.
	CleanupIntervalSeconds int `mapstructure:"cleanup_interval_seconds" validate:"gt=0"`
}

// Config is the EdgeCache configuration. It is immutable after construction
// and owned by the service that built it; nothing here is global.
type Config struct {
	TTL     TTLConfig     `mapstructure:"ttl"`
	SWR     SWRConfig     `mapstructure:"swr"`
	Storage StorageConfig `mapstructure:"storage"`
}

// DefaultConfig returns production-safe defaults: fresh success responses
// for five minutes, short negative caching for provider errors, SWR on.
func DefaultConfig() Config {
	return Config{
		TTL: TTLConfig{
			Success:     TTLBounds{Default: 300, Min: 60, Max: 3600},
			RateLimited: TTLBounds{Default: 60, Min: 30, Max: 300},
			ServerError: TTLBounds{Default: 30, Min: 10, Max: 120},
			ClientError: TTLBounds{Default: 120, Min: 30, Max: 600},
		},
		SWR: SWRConfig{
			Enabled:       true,
			TTLMultiplier: 2.0,
			MaxTTLSeconds: 3600,
		},
		Storage: StorageConfig{
			Type:                   "memory",
			MaxEntries:             10000,
			CleanupIntervalSeconds: 60,
		},
	}
}

// Validate checks the configuration invariants.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("cache config: %w", err)
	}
	return nil
}
