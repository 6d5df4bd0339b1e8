// Package incident detects provider outages from request metrics and tracks
// incident lifecycles.
//
// The detector keeps a per-provider rolling history of metric samples, a
// baseline aggregate of everything but the newest sample, and an incident
// table keyed by deterministic date-scoped ids. Detection rules run
// independently on each ingested sample:
//
//   - absolute 5xx error rate at or above the configured threshold
//   - error rate a configured multiple above the provider baseline
//   - rate-limited share of requests at or above 20%
//   - timeout share at or above 10%
//   - connection-failure share at or above 5%
//
// Repeated detections of the same type on the same provider on the same day
// merge into one record (severity takes the maximum, counts accumulate).
// Once the error rate has been stably low - the three most recent samples at
// or below half the threshold with a spread under 0.05 - open incidents
// resolve automatically. A same-day recurrence after resolution archives the
// resolved record and opens a new version under the same id; history is
// never overwritten.
//
// Lifecycle transitions (created, merged, resolved) are delivered to an
// injected Sink. The detector performs no I/O and never pages anyone itself.
//
// # Usage
//
//	det, err := incident.NewDetector(incident.DefaultConfig(), func(ev incident.Event) {
//		log.Info().Str("kind", string(ev.Kind)).Str("id", ev.Record.ID).Msg("incident event")
//	})
//	if err != nil {
//		return err
//	}
//
//	det.RecordMetrics(sample)
//	open := det.ActiveIncidentRecords()
//
// The optional Aggregator folds per-request observations into fixed
// one-minute buckets before they reach the detector, so baseline and spike
// math operate on true time-bucketed aggregates.
package incident
