package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// defaultOpTimeout bounds every Redis call. A cache lookup that is
	// slower than this is worse than a miss.
	defaultOpTimeout = 50 * time.Millisecond

	// sweepScanCount is the SCAN page size used by Scan.
	sweepScanCount = 256
)

// RedisBackend stores entries as JSON blobs in Redis. Every call carries a
// short bounded timeout; failures surface as ErrBackendUnavailable and the
// cache degrades to a miss, never failing the request.
type RedisBackend struct {
	client    *redis.Client
	opTimeout time.Duration
	logger    zerolog.Logger
}

// RedisOption customizes a RedisBackend.
type RedisOption func(*RedisBackend)

// WithOpTimeout overrides the per-call timeout.
func WithOpTimeout(d time.Duration) RedisOption {
	return func(b *RedisBackend) {
		b.opTimeout = d
	}
}

// WithRedisLogger sets the backend logger.
func WithRedisLogger(logger zerolog.Logger) RedisOption {
	return func(b *RedisBackend) {
		b.logger = logger
	}
}

// NewRedisBackend creates a Redis-backed storage backend.
func NewRedisBackend(client *redis.Client, opts ...RedisOption) *RedisBackend {
	if client == nil {
		panic("redis client cannot be nil")
	}
	b := &RedisBackend{
		client:    client,
		opTimeout: defaultOpTimeout,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Get retrieves and decodes the entry stored under key.
func (b *RedisBackend) Get(ctx context.Context, key string) (*Entry, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	data, err := b.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		BackendErrors.WithLabelValues("get").Inc()
		return nil, false, fmt.Errorf("%w: redis get: %v", ErrBackendUnavailable, err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		BackendErrors.WithLabelValues("get").Inc()
		return nil, false, fmt.Errorf("%w: decode entry: %v", ErrBackendUnavailable, err)
	}
	return &entry, true, nil
}

// Set stores the entry with a Redis expiration at its purge deadline, so
// Redis reclaims entries even if the sweep never runs.
func (b *RedisBackend) Set(ctx context.Context, key string, entry *Entry) error {
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	data, err := json.Marshal(entry)
	if err != nil {
		BackendErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("%w: encode entry: %v", ErrBackendUnavailable, err)
	}

	expiration := time.Until(entry.PurgeDeadline())
	if expiration <= 0 {
		// Already past its window, nothing to store.
		return nil
	}

	if err := b.client.Set(ctx, key, data, expiration).Err(); err != nil {
		BackendErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("%w: redis set: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Delete removes the entry under key.
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	if err := b.client.Del(ctx, key).Err(); err != nil {
		BackendErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("%w: redis del: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Scan walks all edge cache keys in pages. The sweep tolerates partial
// results, so decode failures are logged and skipped rather than aborting.
func (b *RedisBackend) Scan(ctx context.Context, fn func(key string, entry *Entry) bool) error {
	iter := b.client.Scan(ctx, 0, "edge:*", sweepScanCount).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()

		entry, found, err := b.Get(ctx, key)
		if err != nil {
			b.logger.Warn().Err(err).Str("key", key).Msg("Scan skipping unreadable entry")
			continue
		}
		if !found {
			continue
		}
		if !fn(key, entry) {
			return nil
		}
	}
	if err := iter.Err(); err != nil {
		BackendErrors.WithLabelValues("scan").Inc()
		return fmt.Errorf("%w: redis scan: %v", ErrBackendUnavailable, err)
	}
	return nil
}
