package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Key identifies one cached upstream response. Two requests that differ only
// in header or query-parameter ordering produce the same Key.
type Key struct {
	// Provider is the upstream content provider (e.g. "getty", "shutterstock").
	Provider string

	// RequestType classifies the call (e.g. "search", "asset", "license").
	RequestType string

	// Method is the HTTP method.
	Method string

	// URL is the full request path.
	URL string

	// Headers is the cache-relevant request header subset.
	Headers map[string]string

	// Params is the cache-relevant query parameter subset.
	Params url.Values

	// TenantID scopes the entry to one customer account. Must be a canonical
	// UUID or empty; use NormalizeTenant before setting it.
	TenantID string
}

// NormalizeTenant validates a raw tenant identifier. Malformed values
// (anything that does not parse as a UUID) collapse to the anonymous scope
// rather than rejecting the request.
func NormalizeTenant(raw string) string {
	if raw == "" {
		return ""
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return ""
	}
	return id.String()
}

// HeadersHash returns a digest over the sorted cache-relevant headers.
func (k Key) HeadersHash() string {
	pairs := make([]string, 0, len(k.Headers))
	for name, value := range k.Headers {
		pairs = append(pairs, strings.ToLower(name)+"="+value)
	}
	return hashPairs(pairs)
}

// ParamsHash returns a digest over the sorted cache-relevant query parameters.
func (k Key) ParamsHash() string {
	pairs := make([]string, 0, len(k.Params))
	for name, values := range k.Params {
		for _, v := range values {
			pairs = append(pairs, name+"="+v)
		}
	}
	return hashPairs(pairs)
}

// StorageKey serializes the key tuple into one opaque, deterministic storage
// key string.
//
// Format: edge:provider:request_type:METHOD:urlhash:headershash:paramshash[:tenant]
func (k Key) StorageKey() string {
	parts := []string{
		"edge",
		k.Provider,
		k.RequestType,
		strings.ToUpper(k.Method),
		fmt.Sprintf("%016x", xxhash.Sum64String(k.URL)),
		k.HeadersHash(),
		k.ParamsHash(),
	}
	if k.TenantID != "" {
		parts = append(parts, "tenant="+k.TenantID)
	}
	return strings.Join(parts, ":")
}

// hashPairs digests a set of name=value pairs order-independently by sorting
// before hashing.
func hashPairs(pairs []string) string {
	sort.Strings(pairs)
	h := xxhash.New()
	for _, p := range pairs {
		_, _ = h.WriteString(p)
		_, _ = h.WriteString("\n")
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
