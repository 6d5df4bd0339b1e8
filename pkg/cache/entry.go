package cache

import (
	"time"
)

// Entry is one cached upstream response. The value is an opaque byte payload
// plus a content-type tag; (de)serialization belongs to the caller.
type Entry struct {
	// Key is the serialized storage key this entry was stored under.
	Key string `json:"key"`

	// Value is the opaque response payload.
	Value []byte `json:"value"`

	// ContentType tags the payload encoding (e.g. "application/json").
	ContentType string `json:"content_type,omitempty"`

	// StatusCode is the upstream HTTP status this payload was served with.
	StatusCode int `json:"status_code"`

	// CreatedAt is when the entry was stored.
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is when the entry stops being fresh. Always after CreatedAt.
	ExpiresAt time.Time `json:"expires_at"`

	// StaleUntil is the end of the stale-while-revalidate window. Zero when
	// SWR was disabled for this entry. When set, it never precedes ExpiresAt.
	StaleUntil time.Time `json:"stale_until,omitempty"`

	// AccessCount is incremented on every hit, stale hits included.
	AccessCount int64 `json:"access_count"`

	// LastAccessed is updated on every hit.
	LastAccessed time.Time `json:"last_accessed"`

	// Provider is the upstream content provider this entry belongs to.
	Provider string `json:"provider"`

	// RequestType classifies the call that produced this entry.
	RequestType string `json:"request_type"`

	// ETag is the upstream validator for conditional requests, if any.
	ETag string `json:"etag,omitempty"`

	// LastModified is the upstream Last-Modified validator, if any.
	LastModified time.Time `json:"last_modified,omitempty"`
}

// IsFresh reports whether the entry is within its TTL at the given instant.
func (e *Entry) IsFresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// IsServableStale reports whether the entry is expired but still inside its
// stale-while-revalidate window.
func (e *Entry) IsServableStale(now time.Time) bool {
	if e.StaleUntil.IsZero() {
		return false
	}
	return !now.Before(e.ExpiresAt) && now.Before(e.StaleUntil)
}

// PurgeDeadline returns the instant after which the entry may be reclaimed:
// StaleUntil when set, otherwise ExpiresAt.
func (e *Entry) PurgeDeadline() time.Time {
	if !e.StaleUntil.IsZero() {
		return e.StaleUntil
	}
	return e.ExpiresAt
}

// RemainingTTL returns the freshness remaining at the given instant.
// Returns 0 if already expired.
func (e *Entry) RemainingTTL(now time.Time) time.Duration {
	ttl := e.ExpiresAt.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Age returns the time since the entry was stored.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// approxSize is the byte size accounted against the cache size gauge.
func (e *Entry) approxSize() int64 {
	return int64(len(e.Value) + len(e.Key) + len(e.ETag) + len(e.ContentType))
}
