// Package refresh revalidates stale cache entries in the background. The
// cache itself never fetches; it only signals that a refresh is due. This
// package owns the worker pool that acts on those signals.
package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/contentedge/provider-edge/pkg/cache"
)

var refreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "edge_refresh_total",
	Help: "Background revalidations by result (completed, failed, dropped)",
}, []string{"result"})

// Result is one revalidated upstream response, ready to store.
type Result struct {
	Value      []byte
	StatusCode int
	Options    cache.SetOptions
}

// Fetcher retrieves a fresh upstream response for a cache key.
type Fetcher func(ctx context.Context, key cache.Key) (Result, error)

// Config holds the worker pool configuration.
type Config struct {
	// Workers is the number of concurrent revalidations.
	Workers int `mapstructure:"workers"`

	// QueueSize bounds the pending refresh queue. A full queue drops new
	// signals; the entry simply stays stale until the next request.
	QueueSize int `mapstructure:"queue_size"`

	// FetchTimeout bounds one upstream revalidation.
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

// DefaultConfig returns the default worker pool configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		QueueSize:    256,
		FetchTimeout: 15 * time.Second,
	}
}

// Refresher runs a bounded worker pool that refetches stale entries and
// writes them back through the cache.
type Refresher struct {
	cache  *cache.EdgeCache
	fetch  Fetcher
	cfg    Config
	logger zerolog.Logger

	queue chan cache.Key
	stop  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	mu       sync.Mutex
	inflight map[string]struct{}
}

// RefresherOption customizes a Refresher.
type RefresherOption func(*Refresher)

// WithRefresherLogger sets the refresher logger.
func WithRefresherLogger(logger zerolog.Logger) RefresherOption {
	return func(r *Refresher) {
		r.logger = logger
	}
}

// New creates the refresher and starts its workers.
func New(edge *cache.EdgeCache, fetch Fetcher, cfg Config, opts ...RefresherOption) *Refresher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 15 * time.Second
	}

	r := &Refresher{
		cache:    edge,
		fetch:    fetch,
		cfg:      cfg,
		logger:   zerolog.Nop(),
		queue:    make(chan cache.Key, cfg.QueueSize),
		stop:     make(chan struct{}),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	for i := 0; i < cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Schedule enqueues a key for background revalidation. Duplicate signals for
// a key already queued or in flight are ignored, as are signals that do not
// fit in the queue. Returns whether the key was accepted.
func (r *Refresher) Schedule(key cache.Key) bool {
	storageKey := key.StorageKey()

	r.mu.Lock()
	if _, dup := r.inflight[storageKey]; dup {
		r.mu.Unlock()
		return false
	}
	r.inflight[storageKey] = struct{}{}
	r.mu.Unlock()

	select {
	case <-r.stop:
		r.release(storageKey)
		return false
	default:
	}

	select {
	case r.queue <- key:
		return true
	default:
		r.release(storageKey)
		refreshesTotal.WithLabelValues("dropped").Inc()
		r.logger.Debug().Str("key", storageKey).Msg("Refresh queue full, dropping signal")
		return false
	}
}

// Stop shuts the worker pool down and waits for in-flight revalidations.
func (r *Refresher) Stop() {
	r.once.Do(func() {
		close(r.stop)
	})
	r.wg.Wait()
}

func (r *Refresher) worker() {
	defer r.wg.Done()

	for {
		select {
		case <-r.stop:
			return
		case key := <-r.queue:
			r.revalidate(key)
		}
	}
}

func (r *Refresher) revalidate(key cache.Key) {
	storageKey := key.StorageKey()
	defer r.release(storageKey)

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.FetchTimeout)
	defer cancel()

	result, err := r.fetch(ctx, key)
	if err != nil {
		refreshesTotal.WithLabelValues("failed").Inc()
		r.logger.Warn().Err(err).Str("key", storageKey).Msg("Background refresh failed")
		return
	}

	if err := r.cache.Set(ctx, key, result.Value, result.StatusCode, result.Options); err != nil {
		refreshesTotal.WithLabelValues("failed").Inc()
		r.logger.Warn().Err(err).Str("key", storageKey).Msg("Failed to store refreshed entry")
		return
	}

	refreshesTotal.WithLabelValues("completed").Inc()
	r.logger.Debug().
		Str("key", storageKey).
		Int("status_code", result.StatusCode).
		Msg("Entry revalidated")
}

func (r *Refresher) release(storageKey string) {
	r.mu.Lock()
	delete(r.inflight, storageKey)
	r.mu.Unlock()
}
