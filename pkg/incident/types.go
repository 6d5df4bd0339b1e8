package incident

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-playground/validator/v10"
)

// Type classifies what kind of provider outage an incident records.
type Type string

const (
	// TypeServerErrorSpike is a 5xx error-rate spike, absolute or relative
	// to the provider's baseline.
	TypeServerErrorSpike Type = "5xx_spike"

	// TypeRateLimitSpike is a storm of 429 responses.
	TypeRateLimitSpike Type = "rate_limit_spike"

	// TypeTimeoutSpike is an elevated share of request timeouts.
	TypeTimeoutSpike Type = "timeout_spike"

	// TypeConnectionError is an elevated share of connection failures.
	TypeConnectionError Type = "connection_error"
)

// Severity grades an incident.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// rank orders severities so merges can take the maximum.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

// maxSeverity returns the higher of two severities.
func maxSeverity(a, b Severity) Severity {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// ProviderMetrics is one windowed aggregate sample for a provider, produced
// by the middleware (one per request, or one per minute bucket when the
// aggregator is in use) and fed to the detector.
type ProviderMetrics struct {
	Provider            string           `json:"provider"`
	Timestamp           time.Time        `json:"timestamp"`
	TotalRequests       int64            `json:"total_requests"`
	SuccessfulRequests  int64            `json:"successful_requests"`
	ErrorRequests       int64            `json:"error_requests"`
	RateLimitedRequests int64            `json:"rate_limited_requests"`
	TimeoutRequests     int64            `json:"timeout_requests"`
	ConnectionErrors    int64            `json:"connection_errors"`
	ErrorRate           float64          `json:"error_rate"`
	AvgResponseTimeMS   float64          `json:"average_response_time_ms"`
	P95ResponseTimeMS   float64          `json:"p95_response_time_ms"`
	StatusCodes         map[int]int64    `json:"status_codes,omitempty"`
	Endpoints           map[string]int64 `json:"endpoints,omitempty"`
}

// Record is one incident. Its ID is deterministic over (provider, type,
// calendar date) so repeated detections of the same outage merge instead of
// piling up duplicates; Version distinguishes same-day recurrences after a
// resolution.
type Record struct {
	ID                string            `json:"id"`
	Version           int               `json:"version"`
	Provider          string            `json:"provider"`
	Type              Type              `json:"incident_type"`
	Severity          Severity          `json:"severity"`
	StartedAt         time.Time         `json:"started_at"`
	ResolvedAt        *time.Time        `json:"resolved_at,omitempty"`
	DurationMinutes   float64           `json:"duration_minutes,omitempty"`
	ErrorRate         float64           `json:"error_rate"`
	ErrorCount        int64             `json:"error_count"`
	TotalRequests     int64             `json:"total_requests"`
	AffectedEndpoints []string          `json:"affected_endpoints,omitempty"`
	Description       string            `json:"description"`
	ResolutionNotes   string            `json:"resolution_notes,omitempty"`
	SpikeDetected     bool              `json:"spike_detected"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Active reports whether the incident is still open.
func (r *Record) Active() bool {
	return r.ResolvedAt == nil
}

// recordID derives the deterministic date-scoped incident id.
func recordID(provider string, typ Type, day time.Time) string {
	seed := provider + "|" + string(typ) + "|" + day.UTC().Format("2006-01-02")
	return fmt.Sprintf("inc-%016x", xxhash.Sum64String(seed))
}

// EventKind tags incident lifecycle events.
type EventKind string

const (
	EventCreated  EventKind = "created"
	EventMerged   EventKind = "merged"
	EventResolved EventKind = "resolved"
)

// Event is emitted to the injected sink on every lifecycle transition.
// External alerting consumes these; the detector performs no I/O itself.
type Event struct {
	Kind   EventKind `json:"kind"`
	Record Record    `json:"record"`
}

// Sink receives incident lifecycle events. Called synchronously from
// RecordMetrics, outside the detector lock; implementations must not block.
type Sink func(Event)

// Config holds the detection thresholds. Immutable after construction.
type Config struct {
	// ErrorRateThreshold is the absolute error rate that opens a 5xx
	// incident on its own.
	ErrorRateThreshold float64 `mapstructure:"error_rate_threshold" validate:"gt=0,lte=1"`

	// WindowSizeMinutes bounds the retained per-provider sample history.
	WindowSizeMinutes int `mapstructure:"window_size_minutes" validate:"gt=0"`

	// MinRequests gates detection; samples below it are ingested but never
	// trigger.
	MinRequests int64 `mapstructure:"min_requests" validate:"gte=0"`

	// SpikeMultiplier is the current/baseline error-rate ratio that
	// classifies a relative spike.
	SpikeMultiplier float64 `mapstructure:"spike_multiplier" validate:"gte=1"`
}

// DefaultConfig returns the default detection thresholds.
func DefaultConfig() Config {
	return Config{
		ErrorRateThreshold: 0.10,
		WindowSizeMinutes:  15,
		MinRequests:        5,
		SpikeMultiplier:    3.0,
	}
}

// Validate checks the threshold invariants.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("incident config: %w", err)
	}
	return nil
}

// Fixed secondary trigger ratios. These are intentionally not configurable;
// they mirror how the providers actually fail.
const (
	// rateLimitTriggerRatio opens a rate_limit_spike incident.
	rateLimitTriggerRatio = 0.20

	// rateLimitHighRatio upgrades it to high severity.
	rateLimitHighRatio = 0.50

	// timeoutTriggerRatio opens a timeout_spike incident.
	timeoutTriggerRatio = 0.10

	// timeoutHighRatio upgrades it to high severity.
	timeoutHighRatio = 0.30

	// connectionTriggerRatio opens a connection_error incident.
	connectionTriggerRatio = 0.05

	// connectionHighRatio upgrades it to high severity.
	connectionHighRatio = 0.15

	// baselineFloor keeps the spike ratio finite when the baseline error
	// rate is zero.
	baselineFloor = 0.01

	// recoveryStabilityRange is the maximum spread across the samples
	// consulted by the recovery check.
	recoveryStabilityRange = 0.05

	// recoverySamples is how many most-recent samples must sit below the
	// recovery limit before an incident auto-resolves.
	recoverySamples = 3
)
