package incident

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// eventRecorder collects sink events in arrival order.
type eventRecorder struct {
	events []Event
}

func (r *eventRecorder) sink(ev Event) {
	r.events = append(r.events, ev)
}

func (r *eventRecorder) kinds() []EventKind {
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func newTestDetector(t *testing.T) (*Detector, *fakeClock, *eventRecorder) {
	t.Helper()

	clk := newFakeClock()
	rec := &eventRecorder{}
	d, err := NewDetector(DefaultConfig(), rec.sink, WithDetectorClock(clk.Now))
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}
	return d, clk, rec
}

// sample builds a 5xx-only sample; the error rate follows from the counts.
func sample(provider string, total, errors int64) ProviderMetrics {
	s := ProviderMetrics{
		Provider:           provider,
		TotalRequests:      total,
		ErrorRequests:      errors,
		SuccessfulRequests: total - errors,
	}
	if total > 0 {
		s.ErrorRate = float64(errors) / float64(total)
	}
	return s
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"zero threshold", func(c *Config) { c.ErrorRateThreshold = 0 }, true},
		{"threshold above one", func(c *Config) { c.ErrorRateThreshold = 1.5 }, true},
		{"zero window", func(c *Config) { c.WindowSizeMinutes = 0 }, true},
		{"spike multiplier below one", func(c *Config) { c.SpikeMultiplier = 0.5 }, true},
		{"zero min requests is allowed", func(c *Config) { c.MinRequests = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDetector_AbsoluteThreshold(t *testing.T) {
	// 10 requests with 5 server errors against a 10% threshold must open
	// exactly one critical 5xx incident.
	d, _, rec := newTestDetector(t)

	d.RecordMetrics(sample("getty", 10, 5))

	active := d.ActiveIncidentRecords()
	if len(active) != 1 {
		t.Fatalf("active incidents = %d, want 1", len(active))
	}
	inc := active[0]
	if inc.Type != TypeServerErrorSpike {
		t.Errorf("Type = %s, want %s", inc.Type, TypeServerErrorSpike)
	}
	if inc.Severity != SeverityCritical {
		t.Errorf("Severity = %s, want %s", inc.Severity, SeverityCritical)
	}
	if inc.Version != 1 {
		t.Errorf("Version = %d, want 1", inc.Version)
	}
	if !inc.Active() {
		t.Error("incident should be active")
	}
	if len(rec.events) != 1 || rec.events[0].Kind != EventCreated {
		t.Errorf("events = %v, want one created", rec.kinds())
	}
}

func TestDetector_ThresholdBoundary(t *testing.T) {
	// Exactly at the threshold fires; exactly at MinRequests passes the gate.
	d, _, _ := newTestDetector(t)

	d.RecordMetrics(sample("getty", 10, 1)) // rate 0.10 == threshold

	if got := len(d.ActiveIncidentRecords()); got != 1 {
		t.Errorf("active incidents = %d, want 1 at exact threshold", got)
	}

	d2, _, _ := newTestDetector(t)
	d2.RecordMetrics(sample("getty", 5, 1)) // total == MinRequests, rate 0.20

	if got := len(d2.ActiveIncidentRecords()); got != 1 {
		t.Errorf("active incidents = %d, want 1 at exact MinRequests", got)
	}
}

func TestDetector_MinRequestsGate(t *testing.T) {
	d, _, rec := newTestDetector(t)

	// 4 requests, all failing. Below MinRequests=5 nothing may trigger.
	d.RecordMetrics(sample("getty", 4, 4))

	if got := len(d.ActiveIncidentRecords()); got != 0 {
		t.Errorf("active incidents = %d, want 0 below MinRequests", got)
	}
	if len(rec.events) != 0 {
		t.Errorf("events = %v, want none", rec.kinds())
	}
}

func TestDetector_EmptyProviderIgnored(t *testing.T) {
	d, _, _ := newTestDetector(t)

	d.RecordMetrics(sample("", 100, 100))

	if got := len(d.AllIncidents()); got != 0 {
		t.Errorf("incidents = %d, want 0 for empty provider", got)
	}
}

func TestDetector_SpikeAgainstZeroBaseline(t *testing.T) {
	// A clean history gives a zero baseline, which is floored at 1% for the
	// ratio. 5% current / 1% floor = 5x: a spike even though the absolute
	// threshold is not met, upgraded to high severity by the >=5x ratio.
	d, clk, _ := newTestDetector(t)

	d.RecordMetrics(sample("getty", 10, 0))
	clk.Advance(time.Minute)
	d.RecordMetrics(sample("getty", 20, 1)) // rate 0.05 < threshold 0.10

	active := d.ActiveIncidentRecords()
	if len(active) != 1 {
		t.Fatalf("active incidents = %d, want 1", len(active))
	}
	inc := active[0]
	if !inc.SpikeDetected {
		t.Error("SpikeDetected = false, want true")
	}
	if inc.Severity != SeverityHigh {
		t.Errorf("Severity = %s, want %s for a 5x spike", inc.Severity, SeverityHigh)
	}
}

func TestDetector_SpikeModerateRatio(t *testing.T) {
	// 2% baseline, 7% current: a 3.5x spike. Below the absolute threshold,
	// below the 5x ladder rung, so medium severity.
	d, clk, _ := newTestDetector(t)

	d.RecordMetrics(sample("getty", 100, 2))
	clk.Advance(time.Minute)
	d.RecordMetrics(sample("getty", 100, 7))

	active := d.ActiveIncidentRecords()
	if len(active) != 1 {
		t.Fatalf("active incidents = %d, want 1", len(active))
	}
	if active[0].Severity != SeverityMedium {
		t.Errorf("Severity = %s, want %s", active[0].Severity, SeverityMedium)
	}
	if !active[0].SpikeDetected {
		t.Error("SpikeDetected = false, want true")
	}
}

func TestDetector_NoSpikeWhenProportional(t *testing.T) {
	// Error rate doubles but stays under both the absolute threshold and the
	// 3x spike multiplier: no incident.
	d, clk, _ := newTestDetector(t)

	d.RecordMetrics(sample("getty", 100, 3))
	clk.Advance(time.Minute)
	d.RecordMetrics(sample("getty", 100, 6))

	if got := len(d.ActiveIncidentRecords()); got != 0 {
		t.Errorf("active incidents = %d, want 0", got)
	}
}

func TestDetector_SecondaryTriggers(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(s *ProviderMetrics)
		typ      Type
		severity Severity
	}{
		{
			name:     "rate limit at trigger ratio",
			mutate:   func(s *ProviderMetrics) { s.RateLimitedRequests = 2 },
			typ:      TypeRateLimitSpike,
			severity: SeverityMedium,
		},
		{
			name:     "rate limit at high ratio",
			mutate:   func(s *ProviderMetrics) { s.RateLimitedRequests = 5 },
			typ:      TypeRateLimitSpike,
			severity: SeverityHigh,
		},
		{
			name:     "timeouts at trigger ratio",
			mutate:   func(s *ProviderMetrics) { s.TimeoutRequests = 1 },
			typ:      TypeTimeoutSpike,
			severity: SeverityMedium,
		},
		{
			name:     "timeouts at high ratio",
			mutate:   func(s *ProviderMetrics) { s.TimeoutRequests = 3 },
			typ:      TypeTimeoutSpike,
			severity: SeverityHigh,
		},
		{
			name:     "connection errors at trigger ratio",
			mutate:   func(s *ProviderMetrics) { s.ConnectionErrors = 1 },
			typ:      TypeConnectionError,
			severity: SeverityMedium,
		},
		{
			name:     "connection errors at high ratio",
			mutate:   func(s *ProviderMetrics) { s.ConnectionErrors = 2 },
			typ:      TypeConnectionError,
			severity: SeverityHigh,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _, _ := newTestDetector(t)

			s := sample("getty", 10, 0)
			tt.mutate(&s)
			d.RecordMetrics(s)

			active := d.ActiveIncidentRecords()
			if len(active) != 1 {
				t.Fatalf("active incidents = %d, want 1", len(active))
			}
			if active[0].Type != tt.typ {
				t.Errorf("Type = %s, want %s", active[0].Type, tt.typ)
			}
			if active[0].Severity != tt.severity {
				t.Errorf("Severity = %s, want %s", active[0].Severity, tt.severity)
			}
		})
	}
}

func TestDetector_IndependentTriggersOpenSeparateIncidents(t *testing.T) {
	d, _, _ := newTestDetector(t)

	s := sample("getty", 10, 5)
	s.RateLimitedRequests = 5
	s.TimeoutRequests = 2
	s.ConnectionErrors = 1
	d.RecordMetrics(s)

	active := d.ActiveIncidentRecords()
	if len(active) != 4 {
		t.Fatalf("active incidents = %d, want 4 distinct types", len(active))
	}
	seen := make(map[Type]bool)
	for _, inc := range active {
		seen[inc.Type] = true
	}
	for _, typ := range []Type{TypeServerErrorSpike, TypeRateLimitSpike, TypeTimeoutSpike, TypeConnectionError} {
		if !seen[typ] {
			t.Errorf("missing incident type %s", typ)
		}
	}
}

func TestDetector_SameDayDetectionsMerge(t *testing.T) {
	d, clk, rec := newTestDetector(t)

	s1 := sample("getty", 10, 5) // critical
	s1.Endpoints = map[string]int64{"/search": 5}
	d.RecordMetrics(s1)

	clk.Advance(time.Minute)
	s2 := sample("getty", 10, 3) // high on its own
	s2.Endpoints = map[string]int64{"/images": 3}
	d.RecordMetrics(s2)

	active := d.ActiveIncidentRecords()
	if len(active) != 1 {
		t.Fatalf("active incidents = %d, want 1 merged record", len(active))
	}
	inc := active[0]
	if inc.Severity != SeverityCritical {
		t.Errorf("merged Severity = %s, want max %s", inc.Severity, SeverityCritical)
	}
	if inc.ErrorCount != 8 {
		t.Errorf("merged ErrorCount = %d, want 8", inc.ErrorCount)
	}
	if inc.TotalRequests != 20 {
		t.Errorf("merged TotalRequests = %d, want 20", inc.TotalRequests)
	}
	if len(inc.AffectedEndpoints) != 2 {
		t.Errorf("AffectedEndpoints = %v, want union of both samples", inc.AffectedEndpoints)
	}

	kinds := rec.kinds()
	if len(kinds) != 2 || kinds[0] != EventCreated || kinds[1] != EventMerged {
		t.Errorf("events = %v, want [created merged]", kinds)
	}
}

func TestDetector_Recovery(t *testing.T) {
	d, clk, rec := newTestDetector(t)

	d.RecordMetrics(sample("getty", 10, 5))
	clk.Advance(time.Minute)

	// Two quiet samples are not enough: the last-3 window still contains the
	// failing sample.
	d.RecordMetrics(sample("getty", 10, 0))
	clk.Advance(time.Minute)
	d.RecordMetrics(sample("getty", 10, 0))
	if got := len(d.ActiveIncidentRecords()); got != 1 {
		t.Fatalf("active incidents after 2 quiet samples = %d, want 1", got)
	}

	clk.Advance(time.Minute)
	d.RecordMetrics(sample("getty", 10, 0))

	if got := len(d.ActiveIncidentRecords()); got != 0 {
		t.Fatalf("active incidents after 3 quiet samples = %d, want 0", got)
	}

	all := d.AllIncidents()
	if len(all) != 1 {
		t.Fatalf("total incidents = %d, want 1", len(all))
	}
	resolved := all[0]
	if resolved.ResolvedAt == nil {
		t.Fatal("ResolvedAt not set")
	}
	if resolved.DurationMinutes != 3 {
		t.Errorf("DurationMinutes = %v, want 3", resolved.DurationMinutes)
	}
	if resolved.ResolutionNotes == "" {
		t.Error("ResolutionNotes empty")
	}

	kinds := rec.kinds()
	if kinds[len(kinds)-1] != EventResolved {
		t.Errorf("last event = %s, want resolved", kinds[len(kinds)-1])
	}
}

func TestDetector_RecoveryRequiresStability(t *testing.T) {
	// All samples are under the recovery limit, but the spread across the
	// last three meets the stability range, so the incident stays open.
	cfg := DefaultConfig()
	cfg.ErrorRateThreshold = 0.20 // recovery limit 0.10

	clk := newFakeClock()
	d, err := NewDetector(cfg, nil, WithDetectorClock(clk.Now))
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}

	d.RecordMetrics(sample("getty", 10, 5))
	for _, errors := range []int64{0, 9, 0} { // rates 0, 0.09, 0: spread 0.09
		clk.Advance(time.Minute)
		d.RecordMetrics(sample("getty", 100, errors))
	}

	if got := len(d.ActiveIncidentRecords()); got != 1 {
		t.Errorf("active incidents = %d, want 1 with unstable recovery window", got)
	}
}

func TestDetector_SameDayRecurrenceVersions(t *testing.T) {
	d, clk, _ := newTestDetector(t)

	// First outage, then full recovery.
	d.RecordMetrics(sample("getty", 10, 5))
	for i := 0; i < 3; i++ {
		clk.Advance(time.Minute)
		d.RecordMetrics(sample("getty", 10, 0))
	}

	// Same provider fails again the same day: a new version of the same
	// date-scoped ID, with the resolved record archived intact.
	clk.Advance(time.Minute)
	d.RecordMetrics(sample("getty", 10, 5))

	active := d.ActiveIncidentRecords()
	if len(active) != 1 {
		t.Fatalf("active incidents = %d, want 1", len(active))
	}
	if active[0].Version != 2 {
		t.Errorf("Version = %d, want 2", active[0].Version)
	}
	if active[0].ResolvedAt != nil {
		t.Error("new version should be unresolved")
	}

	all := d.AllIncidents()
	if len(all) != 2 {
		t.Fatalf("total incidents = %d, want 2 (archived + current)", len(all))
	}
	archived := all[0]
	if archived.ID != active[0].ID {
		t.Errorf("archived ID = %s, want same date-scoped ID %s", archived.ID, active[0].ID)
	}
	if archived.Version != 1 || archived.ResolvedAt == nil {
		t.Errorf("archived record = v%d resolved=%v, want v1 resolved", archived.Version, archived.ResolvedAt != nil)
	}
	if archived.DurationMinutes != 3 {
		t.Errorf("archived DurationMinutes = %v, want 3 preserved", archived.DurationMinutes)
	}
}

func TestDetector_ProvidersAreIndependent(t *testing.T) {
	d, _, _ := newTestDetector(t)

	d.RecordMetrics(sample("getty", 10, 5))
	d.RecordMetrics(sample("pexels", 10, 0))

	if got := len(d.IncidentsByProvider("getty")); got != 1 {
		t.Errorf("getty incidents = %d, want 1", got)
	}
	if got := len(d.IncidentsByProvider("pexels")); got != 0 {
		t.Errorf("pexels incidents = %d, want 0", got)
	}
}

func TestDetector_Baseline(t *testing.T) {
	d, clk, _ := newTestDetector(t)

	if _, ok := d.Baseline("getty"); ok {
		t.Error("baseline should not exist before the second sample")
	}

	d.RecordMetrics(sample("getty", 100, 4))
	clk.Advance(time.Minute)
	d.RecordMetrics(sample("getty", 100, 0))

	rate, ok := d.Baseline("getty")
	if !ok {
		t.Fatal("baseline missing after two samples")
	}
	if rate != 0.04 {
		t.Errorf("baseline error rate = %v, want 0.04", rate)
	}
}

func TestDetector_HistoryTrimming(t *testing.T) {
	// Samples older than the window must drop out of the baseline.
	cfg := DefaultConfig()
	cfg.WindowSizeMinutes = 5

	clk := newFakeClock()
	d, err := NewDetector(cfg, nil, WithDetectorClock(clk.Now))
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}

	d.RecordMetrics(sample("getty", 100, 50))
	clk.Advance(10 * time.Minute)
	d.RecordMetrics(sample("getty", 100, 0))
	clk.Advance(time.Minute)
	d.RecordMetrics(sample("getty", 100, 0))

	rate, ok := d.Baseline("getty")
	if !ok {
		t.Fatal("baseline missing")
	}
	if rate != 0 {
		t.Errorf("baseline error rate = %v, want 0 after old sample aged out", rate)
	}
}

func TestDetector_IncidentSummary(t *testing.T) {
	d, clk, _ := newTestDetector(t)

	d.RecordMetrics(sample("getty", 10, 5)) // critical, will resolve
	for i := 0; i < 3; i++ {
		clk.Advance(time.Minute)
		d.RecordMetrics(sample("getty", 10, 0))
	}
	d.RecordMetrics(sample("pexels", 10, 2)) // medium, stays open

	s := d.IncidentSummary()
	if s.Total != 2 {
		t.Errorf("Total = %d, want 2", s.Total)
	}
	if s.Active != 1 || s.Resolved != 1 {
		t.Errorf("Active/Resolved = %d/%d, want 1/1", s.Active, s.Resolved)
	}
	if s.ByProvider["getty"] != 1 || s.ByProvider["pexels"] != 1 {
		t.Errorf("ByProvider = %v", s.ByProvider)
	}
	if s.ByType[TypeServerErrorSpike] != 2 {
		t.Errorf("ByType[5xx_spike] = %d, want 2", s.ByType[TypeServerErrorSpike])
	}
	if s.AvgResolutionMinutes != 3 || s.MaxResolutionMinutes != 3 {
		t.Errorf("resolution minutes avg/max = %v/%v, want 3/3", s.AvgResolutionMinutes, s.MaxResolutionMinutes)
	}
}

func TestRecordID_Deterministic(t *testing.T) {
	day := time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC)
	later := time.Date(2026, 8, 1, 23, 59, 0, 0, time.UTC)
	nextDay := time.Date(2026, 8, 2, 0, 1, 0, 0, time.UTC)

	if recordID("getty", TypeServerErrorSpike, day) != recordID("getty", TypeServerErrorSpike, later) {
		t.Error("same provider/type/date should share an ID")
	}
	if recordID("getty", TypeServerErrorSpike, day) == recordID("getty", TypeServerErrorSpike, nextDay) {
		t.Error("different dates should produce different IDs")
	}
	if recordID("getty", TypeServerErrorSpike, day) == recordID("getty", TypeRateLimitSpike, day) {
		t.Error("different types should produce different IDs")
	}
	if recordID("getty", TypeServerErrorSpike, day) == recordID("pexels", TypeServerErrorSpike, day) {
		t.Error("different providers should produce different IDs")
	}
}

func TestMaxSeverity(t *testing.T) {
	if got := maxSeverity(SeverityLow, SeverityCritical); got != SeverityCritical {
		t.Errorf("maxSeverity = %s, want critical", got)
	}
	if got := maxSeverity(SeverityHigh, SeverityMedium); got != SeverityHigh {
		t.Errorf("maxSeverity = %s, want high", got)
	}
}
