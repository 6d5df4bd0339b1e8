package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// GetOptions control one cache lookup.
type GetOptions struct {
	// IfNoneMatch is the client's ETag validator, if any.
	IfNoneMatch string

	// IfModifiedSince is the client's Last-Modified validator, if any.
	IfModifiedSince time.Time

	// ForceRefresh bypasses the stored entry entirely.
	ForceRefresh bool
}

// GetResult is the outcome of one cache lookup.
type GetResult struct {
	// Hit is true when a stored entry is being served, stale or not.
	Hit bool

	// Entry is the served entry; nil on a miss.
	Entry *Entry

	// Stale is true when the entry is past its TTL but inside its SWR window.
	Stale bool

	// BackgroundRefresh signals the caller that a revalidation is due. The
	// cache never performs the refresh itself.
	BackgroundRefresh bool

	// ValidatorMatch is true when the client's conditional validator matches
	// the entry. The caller decides whether that becomes a 304; the cache
	// still returns the full entry.
	ValidatorMatch bool
}

// SetOptions control how one response is stored.
type SetOptions struct {
	// TTL overrides the status-class default. It is still clamped to the
	// class bounds. Zero means "use the class default".
	TTL time.Duration

	// ETag is the upstream validator, if any.
	ETag string

	// LastModified is the upstream Last-Modified validator, if any.
	LastModified time.Time

	// ContentType tags the opaque payload.
	ContentType string

	// DisableSWR suppresses the stale window for this entry even when SWR is
	// globally enabled.
	DisableSWR bool
}

// Stats is a read-only snapshot of cache counters. All counters are
// cumulative since construction; there is no reset.
type Stats struct {
	Entries       int     `json:"entries"`
	Hits          uint64  `json:"hits"`
	StaleHits     uint64  `json:"stale_hits"`
	Misses        uint64  `json:"misses"`
	HitRate       float64 `json:"hit_rate"`
	Evictions     uint64  `json:"evictions"`
	SweepRemovals uint64  `json:"sweep_removals"`
	SizeBytes     int64   `json:"size_bytes"`
}

// orderRec is the per-entry record kept in the insertion-order list.
type orderRec struct {
	key  string
	size int64
}

// EdgeCache is the status-aware response cache fronting upstream content
// providers. It owns TTL resolution, stale-while-revalidate bookkeeping,
// FIFO capacity eviction and the background sweep; the actual storage is
// delegated to a Backend.
//
// All state is owned by the instance. Construct one per service and pass it
// by reference; there are no package-level singletons.
type EdgeCache struct {
	backend Backend
	cfg     Config
	logger  zerolog.Logger
	clock   func() time.Time

	mu    sync.Mutex
	order *list.List               // insertion order, front = oldest
	index map[string]*list.Element // storage key -> order element

	hits          uint64
	staleHits     uint64
	misses        uint64
	evictions     uint64
	sweepRemovals uint64
	sizeBytes     int64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option customizes an EdgeCache.
type Option func(*EdgeCache)

// WithLogger sets the cache logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *EdgeCache) {
		c.logger = logger
	}
}

// WithClock injects the time source. Tests use this to control TTL math.
func WithClock(clock func() time.Time) Option {
	return func(c *EdgeCache) {
		c.clock = clock
	}
}

// New creates an EdgeCache over the given backend and starts its background
// sweep. Callers must Stop the cache at shutdown.
func New(backend Backend, cfg Config, opts ...Option) (*EdgeCache, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &EdgeCache{
		backend: backend,
		cfg:     cfg,
		logger:  zerolog.Nop(),
		clock:   time.Now,
		order:   list.New(),
		index:   make(map[string]*list.Element),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.runSweeper()

	return c, nil
}

// Get looks up the entry for key. Expired entries inside their SWR window
// are served stale with BackgroundRefresh set; fully expired entries are
// removed opportunistically and reported as a miss. Backend failures degrade
// to a miss, never to an error on the request path.
func (c *EdgeCache) Get(ctx context.Context, key Key, opts GetOptions) GetResult {
	now := c.clock()
	sk := key.StorageKey()

	c.mu.Lock()
	defer c.mu.Unlock()

	if opts.ForceRefresh {
		return c.missLocked()
	}

	entry, found, err := c.backend.Get(ctx, sk)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", sk).Msg("Backend get failed, degrading to miss")
		return c.missLocked()
	}
	if !found {
		return c.missLocked()
	}

	stale := false
	switch {
	case entry.IsFresh(now):
		// Fresh hit.
	case c.cfg.SWR.Enabled && entry.IsServableStale(now):
		stale = true
	default:
		// Fully expired. Reclaim opportunistically rather than waiting for
		// the sweep.
		c.removeLocked(ctx, sk)
		return c.missLocked()
	}

	entry.AccessCount++
	entry.LastAccessed = now
	if err := c.backend.Set(ctx, sk, entry); err != nil {
		c.logger.Warn().Err(err).Str("key", sk).Msg("Failed to persist access bookkeeping")
	}

	if stale {
		c.staleHits++
		Hits.WithLabelValues("stale").Inc()
	} else {
		c.hits++
		Hits.WithLabelValues("fresh").Inc()
	}

	return GetResult{
		Hit:               true,
		Entry:             entry,
		Stale:             stale,
		BackgroundRefresh: stale,
		ValidatorMatch:    validatorMatch(entry, opts),
	}
}

// Set stores a response under key. The TTL is resolved from the status class
// and clamped to its bounds; when SWR applies, the stale window extends the
// entry by min(ttl*multiplier, max_ttl). Inserting a new key at capacity
// evicts exactly one entry, the oldest by insertion order.
func (c *EdgeCache) Set(ctx context.Context, key Key, value []byte, statusCode int, opts SetOptions) error {
	now := c.clock()
	ttl := c.cfg.TTL.boundsFor(statusCode).clamp(opts.TTL)

	sk := key.StorageKey()
	entry := &Entry{
		Key:          sk,
		Value:        value,
		ContentType:  opts.ContentType,
		StatusCode:   statusCode,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		LastAccessed: now,
		Provider:     key.Provider,
		RequestType:  key.RequestType,
		ETag:         opts.ETag,
		LastModified: opts.LastModified,
	}

	if c.cfg.SWR.Enabled && !opts.DisableSWR {
		extra := time.Duration(float64(ttl) * c.cfg.SWR.TTLMultiplier)
		maxTTL := time.Duration(c.cfg.SWR.MaxTTLSeconds) * time.Second
		if extra > maxTTL {
			extra = maxTTL
		}
		if extra > 0 {
			entry.StaleUntil = entry.ExpiresAt.Add(extra)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.index[sk]

	// Capacity is enforced before inserting a new key so the store never
	// exceeds MaxEntries, even transiently.
	if !exists && len(c.index) >= c.cfg.Storage.MaxEntries {
		c.evictOldestLocked(ctx)
	}

	if err := c.backend.Set(ctx, sk, entry); err != nil {
		c.logger.Warn().Err(err).Str("key", sk).Msg("Backend set failed")
		return err
	}

	size := entry.approxSize()
	if exists {
		rec := elem.Value.(*orderRec)
		c.sizeBytes += size - rec.size
		rec.size = size
	} else {
		c.index[sk] = c.order.PushBack(&orderRec{key: sk, size: size})
		c.sizeBytes += size
	}
	Entries.Set(float64(len(c.index)))
	SizeBytes.Set(float64(c.sizeBytes))

	c.logger.Debug().
		Str("key", sk).
		Str("provider", key.Provider).
		Int("status_code", statusCode).
		Dur("ttl", ttl).
		Bool("swr", !entry.StaleUntil.IsZero()).
		Msg("Cached response")

	return nil
}

// Delete removes the entry for key.
func (c *EdgeCache) Delete(ctx context.Context, key Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(ctx, key.StorageKey())
}

// Stats returns a snapshot of the cache counters.
func (c *EdgeCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.staleHits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.hits+c.staleHits) / float64(total)
	}

	return Stats{
		Entries:       len(c.index),
		Hits:          c.hits,
		StaleHits:     c.staleHits,
		Misses:        c.misses,
		HitRate:       hitRate,
		Evictions:     c.evictions,
		SweepRemovals: c.sweepRemovals,
		SizeBytes:     c.sizeBytes,
	}
}

// Sweep removes every entry whose purge deadline has passed. It runs on the
// cleanup interval but may also be invoked directly. Returns the number of
// entries removed.
func (c *EdgeCache) Sweep(ctx context.Context) int {
	now := c.clock()

	var expired []string
	err := c.backend.Scan(ctx, func(key string, entry *Entry) bool {
		select {
		case <-c.stop:
			return false
		default:
		}
		if !now.Before(entry.PurgeDeadline()) {
			expired = append(expired, key)
		}
		return true
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("Sweep scan failed")
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range expired {
		if err := c.removeLocked(ctx, key); err != nil {
			continue
		}
		removed++
	}
	c.sweepRemovals += uint64(removed)
	SweepRemovals.Add(float64(removed))

	if removed > 0 {
		c.logger.Debug().Int("removed", removed).Msg("Sweep reclaimed expired entries")
	}
	return removed
}

// Stop shuts down the background sweep. Idempotent; blocks until the sweeper
// goroutine has exited.
func (c *EdgeCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	<-c.done
}

// runSweeper drives the periodic sweep until Stop is called.
func (c *EdgeCache) runSweeper() {
	defer close(c.done)

	interval := time.Duration(c.cfg.Storage.CleanupIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Sweep(context.Background())
		}
	}
}

// missLocked counts a miss. Callers hold c.mu.
func (c *EdgeCache) missLocked() GetResult {
	c.misses++
	Misses.Inc()
	return GetResult{}
}

// evictOldestLocked removes the entry at the front of the insertion-order
// list. Callers hold c.mu.
func (c *EdgeCache) evictOldestLocked(ctx context.Context) {
	front := c.order.Front()
	if front == nil {
		return
	}
	rec := front.Value.(*orderRec)
	if err := c.removeLocked(ctx, rec.key); err != nil {
		c.logger.Warn().Err(err).Str("key", rec.key).Msg("Eviction delete failed")
		return
	}
	c.evictions++
	Evictions.Inc()
	c.logger.Debug().Str("key", rec.key).Msg("Evicted oldest entry")
}

// removeLocked deletes an entry from the backend and the order index.
// Callers hold c.mu.
func (c *EdgeCache) removeLocked(ctx context.Context, key string) error {
	if err := c.backend.Delete(ctx, key); err != nil {
		return err
	}
	if elem, ok := c.index[key]; ok {
		rec := elem.Value.(*orderRec)
		c.sizeBytes -= rec.size
		c.order.Remove(elem)
		delete(c.index, key)
	}
	Entries.Set(float64(len(c.index)))
	SizeBytes.Set(float64(c.sizeBytes))
	return nil
}

// validatorMatch reports whether the client's conditional validators match
// the stored entry. ETag wins over Last-Modified when both are present.
func validatorMatch(entry *Entry, opts GetOptions) bool {
	if opts.IfNoneMatch != "" && entry.ETag != "" {
		return opts.IfNoneMatch == entry.ETag
	}
	if !opts.IfModifiedSince.IsZero() && !entry.LastModified.IsZero() {
		return !entry.LastModified.After(opts.IfModifiedSince)
	}
	return false
}
