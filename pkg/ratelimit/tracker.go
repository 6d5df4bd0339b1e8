package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for quota tracking.
var (
	quotaRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edge_quota_remaining",
		Help: "Requests remaining in the provider's current rate limit window",
	}, []string{"provider"})

	quotaBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_quota_blocks_total",
		Help: "Upstream fetches blocked because the provider quota was exhausted",
	}, []string{"provider"})
)

// stateTTL bounds how long persisted quota state outlives its window. Stale
// state must never block a provider indefinitely.
const stateTTL = 2 * time.Hour

// Tracker persists per-provider quota state in Redis and gates upstream
// fetches. All edge instances sharing the Redis see the same quota.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger
	clock  func() time.Time
}

// TrackerOption customizes a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerClock injects the time source.
func WithTrackerClock(clock func() time.Time) TrackerOption {
	return func(t *Tracker) {
		t.clock = clock
	}
}

// NewTracker creates a quota tracker. Panics if redisClient is nil.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger, opts ...TrackerOption) *Tracker {
	if redisClient == nil {
		panic("ratelimit: redis client is required")
	}
	t := &Tracker{
		redis:  redisClient,
		logger: logger,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// State returns the provider's current quota state. A provider with no
// recorded state is assumed healthy.
func (t *Tracker) State(ctx context.Context, provider string) (*QuotaState, error) {
	raw, err := t.redis.Get(ctx, quotaKeyPrefix+provider).Result()
	if err == redis.Nil {
		return &QuotaState{
			Provider:  provider,
			Remaining: ThresholdWarning * 2, // assume healthy until headers arrive
			UpdatedAt: t.clock(),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get quota state: %w", err)
	}

	var state QuotaState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("decode quota state: %w", err)
	}
	return &state, nil
}

// UpdateFromHeaders records the provider's quota from a live response. A
// response without X-RateLimit-Remaining leaves the state untouched.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, provider string, headers http.Header) error {
	remainStr := headers.Get("X-RateLimit-Remaining")
	if remainStr == "" {
		return nil
	}
	remaining, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse X-RateLimit-Remaining: %w", err)
	}

	now := t.clock()
	state := &QuotaState{
		Provider:  provider,
		Remaining: remaining,
		ResetAt:   t.parseReset(headers, now),
		UpdatedAt: now,
	}
	if limitStr := headers.Get("X-RateLimit-Limit"); limitStr != "" {
		if limit, perr := strconv.Atoi(limitStr); perr == nil {
			state.Limit = limit
		}
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode quota state: %w", err)
	}
	if err := t.redis.Set(ctx, quotaKeyPrefix+provider, raw, stateTTL).Err(); err != nil {
		return fmt.Errorf("store quota state: %w", err)
	}

	quotaRemaining.WithLabelValues(provider).Set(float64(remaining))

	event := t.logger.Debug()
	if state.Blocked(now) {
		event = t.logger.Error()
	} else if state.Degraded() {
		event = t.logger.Warn()
	}
	event.
		Str("provider", provider).
		Int("remaining", remaining).
		Time("reset_at", state.ResetAt).
		Msg("Provider quota updated")

	return nil
}

// Allow reports whether an upstream fetch for the provider may proceed. It
// fails open: quota state being unreadable must not take the edge down.
func (t *Tracker) Allow(ctx context.Context, provider string) bool {
	state, err := t.State(ctx, provider)
	if err != nil {
		t.logger.Warn().Err(err).Str("provider", provider).Msg("Quota state unavailable, allowing request")
		return true
	}

	now := t.clock()
	if state.Stale(now, stateTTL) {
		return true
	}
	if state.Blocked(now) {
		quotaBlocksTotal.WithLabelValues(provider).Inc()
		t.logger.Warn().
			Str("provider", provider).
			Int("remaining", state.Remaining).
			Dur("retry_in", state.TimeUntilReset(now)).
			Msg("Provider quota exhausted, blocking upstream fetch")
		return false
	}
	return true
}

// parseReset derives the window reset time from X-RateLimit-Reset (unix
// seconds or delta-seconds) or Retry-After, defaulting to one minute out.
func (t *Tracker) parseReset(headers http.Header, now time.Time) time.Time {
	if resetStr := headers.Get("X-RateLimit-Reset"); resetStr != "" {
		if v, err := strconv.ParseInt(resetStr, 10, 64); err == nil {
			// Values that look like unix timestamps are absolute; small
			// values are seconds-until-reset.
			if v > now.Unix()/2 {
				return time.Unix(v, 0)
			}
			return now.Add(time.Duration(v) * time.Second)
		}
	}
	if retryStr := headers.Get("Retry-After"); retryStr != "" {
		if v, err := strconv.Atoi(retryStr); err == nil {
			return now.Add(time.Duration(v) * time.Second)
		}
		if at, err := http.ParseTime(retryStr); err == nil {
			return at
		}
	}
	return now.Add(time.Minute)
}
