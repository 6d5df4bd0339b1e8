package ratelimit

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// setupTestRedis creates a test Redis client, skipping when no local Redis is
// available.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func TestNewTracker_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewTracker should panic with nil client")
		}
	}()
	NewTracker(nil, zerolog.Nop())
}

func TestTracker_DefaultStateIsHealthy(t *testing.T) {
	client := setupTestRedis(t)
	tracker := NewTracker(client, zerolog.Nop())
	ctx := context.Background()

	state, err := tracker.State(ctx, "getty")
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state.Blocked(time.Now()) {
		t.Error("provider with no recorded state should not be blocked")
	}
	if !tracker.Allow(ctx, "getty") {
		t.Error("Allow should default to true without state")
	}
}

func TestTracker_UpdateFromHeaders(t *testing.T) {
	client := setupTestRedis(t)
	tracker := NewTracker(client, zerolog.Nop())
	ctx := context.Background()

	headers := http.Header{}
	headers.Set("X-RateLimit-Remaining", "42")
	headers.Set("X-RateLimit-Limit", "500")
	headers.Set("X-RateLimit-Reset", "30")

	if err := tracker.UpdateFromHeaders(ctx, "getty", headers); err != nil {
		t.Fatalf("UpdateFromHeaders failed: %v", err)
	}

	state, err := tracker.State(ctx, "getty")
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state.Remaining != 42 {
		t.Errorf("Remaining = %d, want 42", state.Remaining)
	}
	if state.Limit != 500 {
		t.Errorf("Limit = %d, want 500", state.Limit)
	}
	until := state.TimeUntilReset(time.Now())
	if until <= 0 || until > 31*time.Second {
		t.Errorf("TimeUntilReset = %v, want about 30s", until)
	}
}

func TestTracker_MissingHeadersLeaveStateUntouched(t *testing.T) {
	client := setupTestRedis(t)
	tracker := NewTracker(client, zerolog.Nop())
	ctx := context.Background()

	headers := http.Header{}
	headers.Set("X-RateLimit-Remaining", "3")
	headers.Set("X-RateLimit-Reset", "60")
	if err := tracker.UpdateFromHeaders(ctx, "getty", headers); err != nil {
		t.Fatalf("UpdateFromHeaders failed: %v", err)
	}

	// A response without quota headers must not reset the exhausted state.
	if err := tracker.UpdateFromHeaders(ctx, "getty", http.Header{}); err != nil {
		t.Fatalf("UpdateFromHeaders without headers failed: %v", err)
	}

	state, err := tracker.State(ctx, "getty")
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state.Remaining != 3 {
		t.Errorf("Remaining = %d, want 3 preserved", state.Remaining)
	}
}

func TestTracker_BlocksWhenExhausted(t *testing.T) {
	client := setupTestRedis(t)
	tracker := NewTracker(client, zerolog.Nop())
	ctx := context.Background()

	headers := http.Header{}
	headers.Set("X-RateLimit-Remaining", "2")
	headers.Set("X-RateLimit-Reset", "60")
	if err := tracker.UpdateFromHeaders(ctx, "getty", headers); err != nil {
		t.Fatalf("UpdateFromHeaders failed: %v", err)
	}

	if tracker.Allow(ctx, "getty") {
		t.Error("Allow = true, want false below the critical threshold")
	}

	// Other providers are unaffected.
	if !tracker.Allow(ctx, "pexels") {
		t.Error("Allow = false for an unrelated provider")
	}
}

func TestTracker_UnblocksAfterReset(t *testing.T) {
	client := setupTestRedis(t)

	clk := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewTracker(client, zerolog.Nop(), WithTrackerClock(func() time.Time { return clk }))
	ctx := context.Background()

	headers := http.Header{}
	headers.Set("X-RateLimit-Remaining", "0")
	headers.Set("X-RateLimit-Reset", "30")
	if err := tracker.UpdateFromHeaders(ctx, "getty", headers); err != nil {
		t.Fatalf("UpdateFromHeaders failed: %v", err)
	}

	if tracker.Allow(ctx, "getty") {
		t.Error("Allow = true, want false before the window resets")
	}

	clk = clk.Add(31 * time.Second)
	if !tracker.Allow(ctx, "getty") {
		t.Error("Allow = false, want true after the window reset")
	}
}

func TestTracker_ParseReset(t *testing.T) {
	tracker := &Tracker{clock: time.Now}
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		headers  map[string]string
		expected time.Time
	}{
		{
			name:     "delta seconds",
			headers:  map[string]string{"X-RateLimit-Reset": "45"},
			expected: now.Add(45 * time.Second),
		},
		{
			name:     "absolute unix timestamp",
			headers:  map[string]string{"X-RateLimit-Reset": "1785679245"}, // 2026-08-02
			expected: time.Unix(1785679245, 0),
		},
		{
			name:     "retry-after seconds",
			headers:  map[string]string{"Retry-After": "90"},
			expected: now.Add(90 * time.Second),
		},
		{
			name:     "no headers defaults a minute out",
			headers:  map[string]string{},
			expected: now.Add(time.Minute),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := http.Header{}
			for name, value := range tt.headers {
				headers.Set(name, value)
			}
			got := tracker.parseReset(headers, now)
			if !got.Equal(tt.expected) {
				t.Errorf("parseReset() = %v, want %v", got, tt.expected)
			}
		})
	}
}
