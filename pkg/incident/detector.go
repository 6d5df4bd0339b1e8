package incident

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// baseline is the rolling aggregate of a provider's retained samples
// excluding the newest one. It is the reference for relative spike math.
type baseline struct {
	errorRate     float64
	avgResponseMS float64
	samples       int
	totalRequests int64
}

// trigger is one fired detection rule for the current sample.
type trigger struct {
	typ           Type
	severity      Severity
	spikeDetected bool
	description   string
}

// Detector ingests per-provider metric samples, classifies outages and
// manages the incident lifecycle. It performs no I/O; lifecycle events go to
// the injected sink.
type Detector struct {
	cfg    Config
	logger zerolog.Logger
	clock  func() time.Time
	sink   Sink

	mu        sync.Mutex
	history   map[string][]ProviderMetrics
	baselines map[string]baseline
	incidents map[string]*Record // id -> current version
	archive   []Record           // superseded same-day versions
}

// DetectorOption customizes a Detector.
type DetectorOption func(*Detector)

// WithDetectorLogger sets the detector logger.
func WithDetectorLogger(logger zerolog.Logger) DetectorOption {
	return func(d *Detector) {
		d.logger = logger
	}
}

// WithDetectorClock injects the time source.
func WithDetectorClock(clock func() time.Time) DetectorOption {
	return func(d *Detector) {
		d.clock = clock
	}
}

// NewDetector creates a detector with the given thresholds and event sink.
// A nil sink is allowed; events are then dropped.
func NewDetector(cfg Config, sink Sink, opts ...DetectorOption) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Detector{
		cfg:       cfg,
		logger:    zerolog.Nop(),
		clock:     time.Now,
		sink:      sink,
		history:   make(map[string][]ProviderMetrics),
		baselines: make(map[string]baseline),
		incidents: make(map[string]*Record),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// RecordMetrics ingests one sample. It never returns an error: zero-valued
// or partial samples simply fail to trigger anything. Synchronous; emits
// lifecycle events to the sink after internal state is settled.
func (d *Detector) RecordMetrics(sample ProviderMetrics) {
	if sample.Provider == "" {
		return
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = d.clock()
	}

	SamplesIngested.WithLabelValues(sample.Provider).Inc()

	d.mu.Lock()

	retained := d.appendAndTrimLocked(sample)
	d.updateBaselineLocked(sample.Provider, retained)

	var events []Event
	if sample.TotalRequests >= d.cfg.MinRequests && sample.TotalRequests > 0 {
		triggers := d.evaluate(sample)
		if len(triggers) > 0 {
			events = d.upsertLocked(sample, triggers)
		} else {
			events = d.checkRecoveryLocked(sample, retained)
		}
	}

	d.mu.Unlock()

	for _, ev := range events {
		d.emit(ev)
	}
}

// appendAndTrimLocked appends the sample to the provider history and drops
// samples older than the window. Arrival order is preserved; the recovery
// check depends on it.
func (d *Detector) appendAndTrimLocked(sample ProviderMetrics) []ProviderMetrics {
	hist := append(d.history[sample.Provider], sample)

	cutoff := sample.Timestamp.Add(-time.Duration(d.cfg.WindowSizeMinutes) * time.Minute)
	start := 0
	for start < len(hist)-1 && hist[start].Timestamp.Before(cutoff) {
		start++
	}
	if start > 0 {
		hist = append(hist[:0], hist[start:]...)
	}

	d.history[sample.Provider] = hist
	return hist
}

// updateBaselineLocked recomputes the provider baseline from all retained
// samples except the newest. Needs at least two samples; otherwise the
// previous baseline stands.
func (d *Detector) updateBaselineLocked(provider string, retained []ProviderMetrics) {
	if len(retained) < 2 {
		return
	}
	prior := retained[:len(retained)-1]

	var total, errors int64
	var weightedLatency float64
	for _, s := range prior {
		total += s.TotalRequests
		errors += s.ErrorRequests
		weightedLatency += s.AvgResponseTimeMS * float64(s.TotalRequests)
	}
	b := baseline{samples: len(prior), totalRequests: total}
	if total > 0 {
		b.errorRate = float64(errors) / float64(total)
		b.avgResponseMS = weightedLatency / float64(total)
	}
	d.baselines[provider] = b
}

// evaluate runs all detection rules independently against the sample.
func (d *Detector) evaluate(sample ProviderMetrics) []trigger {
	var triggers []trigger

	// 5xx spikes: absolute threshold and relative-to-baseline, folded into
	// one trigger with the maximum severity.
	absolute := sample.ErrorRate >= d.cfg.ErrorRateThreshold

	spike := false
	spikeRatio := 0.0
	if b, ok := d.baselines[sample.Provider]; ok && b.samples > 0 {
		ref := b.errorRate
		if ref < baselineFloor {
			ref = baselineFloor
		}
		spikeRatio = sample.ErrorRate / ref
		spike = spikeRatio >= d.cfg.SpikeMultiplier
	}

	if absolute || spike {
		sev := severityForErrorRate(sample.ErrorRate)
		if spike {
			switch {
			case spikeRatio >= 5:
				sev = maxSeverity(sev, SeverityHigh)
			case spikeRatio >= 3:
				sev = maxSeverity(sev, SeverityMedium)
			}
		}
		desc := fmt.Sprintf("5xx error rate %.1f%% across %d requests", sample.ErrorRate*100, sample.TotalRequests)
		if spike {
			desc = fmt.Sprintf("%s (%.1fx baseline)", desc, spikeRatio)
		}
		triggers = append(triggers, trigger{
			typ:           TypeServerErrorSpike,
			severity:      sev,
			spikeDetected: spike,
			description:   desc,
		})
	}

	total := float64(sample.TotalRequests)

	if ratio := float64(sample.RateLimitedRequests) / total; ratio >= rateLimitTriggerRatio {
		sev := SeverityMedium
		if ratio >= rateLimitHighRatio {
			sev = SeverityHigh
		}
		triggers = append(triggers, trigger{
			typ:         TypeRateLimitSpike,
			severity:    sev,
			description: fmt.Sprintf("%.0f%% of requests rate limited", ratio*100),
		})
	}

	if ratio := float64(sample.TimeoutRequests) / total; ratio >= timeoutTriggerRatio {
		sev := SeverityMedium
		if ratio >= timeoutHighRatio {
			sev = SeverityHigh
		}
		triggers = append(triggers, trigger{
			typ:         TypeTimeoutSpike,
			severity:    sev,
			description: fmt.Sprintf("%.0f%% of requests timed out", ratio*100),
		})
	}

	if ratio := float64(sample.ConnectionErrors) / total; ratio >= connectionTriggerRatio {
		sev := SeverityMedium
		if ratio >= connectionHighRatio {
			sev = SeverityHigh
		}
		triggers = append(triggers, trigger{
			typ:         TypeConnectionError,
			severity:    sev,
			description: fmt.Sprintf("%.0f%% of requests failed to connect", ratio*100),
		})
	}

	return triggers
}

// upsertLocked merges each fired trigger into the date-scoped incident
// record, creating or versioning as needed. Returns the events to emit.
func (d *Detector) upsertLocked(sample ProviderMetrics, triggers []trigger) []Event {
	var events []Event
	endpoints := endpointNames(sample.Endpoints)

	for _, tr := range triggers {
		id := recordID(sample.Provider, tr.typ, sample.Timestamp)

		if rec, ok := d.incidents[id]; ok && rec.Active() {
			rec.Severity = maxSeverity(rec.Severity, tr.severity)
			rec.ErrorRate = sample.ErrorRate
			rec.ErrorCount += sample.ErrorRequests
			rec.TotalRequests += sample.TotalRequests
			rec.SpikeDetected = rec.SpikeDetected || tr.spikeDetected
			rec.AffectedEndpoints = mergeEndpoints(rec.AffectedEndpoints, endpoints)
			rec.Description = tr.description
			events = append(events, Event{Kind: EventMerged, Record: *rec})

			d.logger.Debug().
				Str("incident_id", id).
				Str("provider", sample.Provider).
				Str("severity", string(rec.Severity)).
				Msg("Merged detection into open incident")
			continue
		}

		version := 1
		if prior, ok := d.incidents[id]; ok {
			// Same-day recurrence after resolution: the resolved record is
			// archived, never overwritten.
			d.archive = append(d.archive, *prior)
			version = prior.Version + 1
		}

		rec := &Record{
			ID:                id,
			Version:           version,
			Provider:          sample.Provider,
			Type:              tr.typ,
			Severity:          tr.severity,
			StartedAt:         sample.Timestamp,
			ErrorRate:         sample.ErrorRate,
			ErrorCount:        sample.ErrorRequests,
			TotalRequests:     sample.TotalRequests,
			AffectedEndpoints: endpoints,
			Description:       tr.description,
			SpikeDetected:     tr.spikeDetected,
			Metadata:          map[string]string{},
		}
		d.incidents[id] = rec
		events = append(events, Event{Kind: EventCreated, Record: *rec})

		IncidentsTotal.WithLabelValues(sample.Provider, string(tr.typ), string(tr.severity)).Inc()
		d.logger.Warn().
			Str("incident_id", id).
			Str("provider", sample.Provider).
			Str("type", string(tr.typ)).
			Str("severity", string(tr.severity)).
			Int("version", version).
			Msg("Incident opened")
	}

	d.updateActiveGaugeLocked()
	return events
}

// checkRecoveryLocked resolves the provider's active incidents once the
// error rate has been stably low: the current sample and the most recent
// recoverySamples all at or below half the threshold, spread under
// recoveryStabilityRange.
func (d *Detector) checkRecoveryLocked(sample ProviderMetrics, retained []ProviderMetrics) []Event {
	limit := d.cfg.ErrorRateThreshold * 0.5
	if sample.ErrorRate > limit {
		return nil
	}
	if len(retained) < recoverySamples {
		return nil
	}

	recent := retained[len(retained)-recoverySamples:]
	lo, hi := recent[0].ErrorRate, recent[0].ErrorRate
	for _, s := range recent {
		if s.ErrorRate > limit {
			return nil
		}
		if s.ErrorRate < lo {
			lo = s.ErrorRate
		}
		if s.ErrorRate > hi {
			hi = s.ErrorRate
		}
	}
	if hi-lo >= recoveryStabilityRange {
		return nil
	}

	now := d.clock()
	var events []Event
	for _, rec := range d.incidents {
		if rec.Provider != sample.Provider || !rec.Active() {
			continue
		}
		resolvedAt := now
		rec.ResolvedAt = &resolvedAt
		rec.DurationMinutes = resolvedAt.Sub(rec.StartedAt).Minutes()
		rec.ResolutionNotes = fmt.Sprintf(
			"error rate stable at or below %.1f%% across last %d samples",
			limit*100, recoverySamples,
		)
		events = append(events, Event{Kind: EventResolved, Record: *rec})

		IncidentsResolved.WithLabelValues(rec.Provider, string(rec.Type)).Inc()
		d.logger.Info().
			Str("incident_id", rec.ID).
			Str("provider", rec.Provider).
			Float64("duration_minutes", rec.DurationMinutes).
			Msg("Incident resolved")
	}

	d.updateActiveGaugeLocked()
	return events
}

// emit delivers one event to the sink, if any.
func (d *Detector) emit(ev Event) {
	if d.sink != nil {
		d.sink(ev)
	}
}

// updateActiveGaugeLocked refreshes the active-incident gauge.
func (d *Detector) updateActiveGaugeLocked() {
	active := 0
	for _, rec := range d.incidents {
		if rec.Active() {
			active++
		}
	}
	ActiveIncidents.Set(float64(active))
}

// severityForErrorRate grades a 5xx error rate.
func severityForErrorRate(rate float64) Severity {
	switch {
	case rate >= 0.5:
		return SeverityCritical
	case rate >= 0.3:
		return SeverityHigh
	case rate >= 0.15:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// endpointNames flattens the per-endpoint breakdown into a sorted name list.
func endpointNames(endpoints map[string]int64) []string {
	if len(endpoints) == 0 {
		return nil
	}
	names := make([]string, 0, len(endpoints))
	for name := range endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// mergeEndpoints unions two sorted endpoint lists.
func mergeEndpoints(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, e := range existing {
		seen[e] = struct{}{}
	}
	for _, e := range incoming {
		seen[e] = struct{}{}
	}
	merged := make([]string, 0, len(seen))
	for e := range seen {
		merged = append(merged, e)
	}
	sort.Strings(merged)
	return merged
}
