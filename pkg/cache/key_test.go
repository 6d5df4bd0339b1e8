package cache

import (
	"net/url"
	"testing"
)

func TestKey_StorageKey_Deterministic(t *testing.T) {
	a := Key{
		Provider:    "getty",
		RequestType: "search",
		Method:      "get",
		URL:         "/getty/search",
		Headers:     map[string]string{"accept": "application/json", "accept-language": "en"},
		Params:      url.Values{"q": {"sunset"}, "page": {"2"}},
	}
	b := Key{
		Provider:    "getty",
		RequestType: "search",
		Method:      "GET",
		URL:         "/getty/search",
		Headers:     map[string]string{"accept-language": "en", "accept": "application/json"},
		Params:      url.Values{"page": {"2"}, "q": {"sunset"}},
	}

	if a.StorageKey() != b.StorageKey() {
		t.Errorf("keys differ despite identical content:\n%s\n%s", a.StorageKey(), b.StorageKey())
	}
}

func TestKey_StorageKey_DiffersByComponent(t *testing.T) {
	base := Key{
		Provider:    "getty",
		RequestType: "search",
		Method:      "GET",
		URL:         "/getty/search",
		Params:      url.Values{"q": {"sunset"}},
	}

	tests := []struct {
		name   string
		mutate func(k Key) Key
	}{
		{
			name: "different provider",
			mutate: func(k Key) Key {
				k.Provider = "shutterstock"
				return k
			},
		},
		{
			name: "different request type",
			mutate: func(k Key) Key {
				k.RequestType = "asset"
				return k
			},
		},
		{
			name: "different query param",
			mutate: func(k Key) Key {
				k.Params = url.Values{"q": {"sunrise"}}
				return k
			},
		},
		{
			name: "different header subset",
			mutate: func(k Key) Key {
				k.Headers = map[string]string{"accept": "image/webp"}
				return k
			},
		},
		{
			name: "different tenant",
			mutate: func(k Key) Key {
				k.TenantID = "2f5b0b3e-8c4f-4e07-9f0a-6f1a37a6a001"
				return k
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mutated := tt.mutate(base)
			if mutated.StorageKey() == base.StorageKey() {
				t.Errorf("expected different storage keys, both %s", base.StorageKey())
			}
		})
	}
}

func TestNormalizeTenant(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected string
	}{
		{
			name:     "valid uuid",
			raw:      "2f5b0b3e-8c4f-4e07-9f0a-6f1a37a6a001",
			expected: "2f5b0b3e-8c4f-4e07-9f0a-6f1a37a6a001",
		},
		{
			name:     "uppercase uuid canonicalized",
			raw:      "2F5B0B3E-8C4F-4E07-9F0A-6F1A37A6A001",
			expected: "2f5b0b3e-8c4f-4e07-9f0a-6f1a37a6a001",
		},
		{
			name:     "empty",
			raw:      "",
			expected: "",
		},
		{
			name:     "garbage",
			raw:      "not-a-uuid",
			expected: "",
		},
		{
			name:     "sql injection attempt",
			raw:      "'; DROP TABLE tenants; --",
			expected: "",
		},
		{
			name:     "truncated uuid",
			raw:      "2f5b0b3e-8c4f-4e07",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeTenant(tt.raw); got != tt.expected {
				t.Errorf("NormalizeTenant(%q) = %q, want %q", tt.raw, got, tt.expected)
			}
		})
	}
}

func TestKey_MalformedTenantNeverCollidesWithValidTenant(t *testing.T) {
	valid := Key{
		Provider: "getty",
		Method:   "GET",
		URL:      "/getty/asset/123",
		TenantID: NormalizeTenant("2f5b0b3e-8c4f-4e07-9f0a-6f1a37a6a001"),
	}
	malformed := valid
	malformed.TenantID = NormalizeTenant("' OR 1=1 --")

	if valid.StorageKey() == malformed.StorageKey() {
		t.Error("malformed tenant collapsed onto a valid tenant's key")
	}
	if malformed.TenantID != "" {
		t.Errorf("malformed tenant should scope to anonymous, got %q", malformed.TenantID)
	}
}
