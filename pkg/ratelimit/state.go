// Package ratelimit tracks per-provider request quotas from standard
// X-RateLimit response headers and gates upstream fetches before a provider
// starts rejecting us outright.
package ratelimit

import (
	"time"
)

// quotaKeyPrefix namespaces per-provider quota state in Redis.
const quotaKeyPrefix = "edge:quota:"

// Thresholds for quota decisions.
const (
	// ThresholdCritical blocks upstream fetches when the remaining quota
	// falls below this value. Cached entries keep being served.
	ThresholdCritical = 5

	// ThresholdWarning marks the provider as degraded; callers may prefer
	// stale cache entries over fresh fetches.
	ThresholdWarning = 20
)

// QuotaState is one provider's current request-quota state, shared across
// edge instances via Redis.
type QuotaState struct {
	// Provider is the upstream provider this state belongs to.
	Provider string `json:"provider"`

	// Remaining is the number of requests left in the current window,
	// from the X-RateLimit-Remaining header.
	Remaining int `json:"remaining"`

	// Limit is the window's total request budget, from X-RateLimit-Limit.
	// Zero when the provider does not advertise it.
	Limit int `json:"limit,omitempty"`

	// ResetAt is when the quota window resets, from X-RateLimit-Reset or
	// Retry-After.
	ResetAt time.Time `json:"reset_at"`

	// UpdatedAt is when this state was last refreshed from live headers.
	UpdatedAt time.Time `json:"updated_at"`
}

// Blocked reports whether upstream fetches should stop until the window
// resets.
func (s *QuotaState) Blocked(now time.Time) bool {
	if s.Remaining >= ThresholdCritical {
		return false
	}
	return now.Before(s.ResetAt)
}

// Degraded reports whether the provider is close to exhaustion.
func (s *QuotaState) Degraded() bool {
	return s.Remaining < ThresholdWarning
}

// TimeUntilReset returns how long until the window resets, floored at zero.
func (s *QuotaState) TimeUntilReset(now time.Time) time.Duration {
	d := s.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Stale reports whether the state is older than maxAge and should not be
// trusted for gating decisions.
func (s *QuotaState) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.UpdatedAt) > maxAge
}
