package incident

import (
	"sort"
)

// Summary aggregates the current incident table for dashboards and the
// status endpoint.
type Summary struct {
	Total                int                `json:"total"`
	Active               int                `json:"active"`
	Resolved             int                `json:"resolved"`
	BySeverity           map[Severity]int   `json:"by_severity"`
	ByType               map[Type]int       `json:"by_type"`
	ByProvider           map[string]int     `json:"by_provider"`
	AvgResolutionMinutes float64            `json:"avg_resolution_minutes"`
	MaxResolutionMinutes float64            `json:"max_resolution_minutes"`
}

// ActiveIncidentRecords returns copies of all unresolved incidents, ordered
// by start time.
func (d *Detector) ActiveIncidentRecords() []Record {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Record
	for _, rec := range d.incidents {
		if rec.Active() {
			out = append(out, *rec)
		}
	}
	sortByStart(out)
	return out
}

// AllIncidents returns copies of every incident the detector knows about,
// including resolved records and archived same-day prior versions, ordered
// by start time.
func (d *Detector) AllIncidents() []Record {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Record, 0, len(d.incidents)+len(d.archive))
	out = append(out, d.archive...)
	for _, rec := range d.incidents {
		out = append(out, *rec)
	}
	sortByStart(out)
	return out
}

// IncidentsByProvider returns copies of the provider's incidents, current
// and archived, ordered by start time.
func (d *Detector) IncidentsByProvider(provider string) []Record {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Record
	for _, rec := range d.archive {
		if rec.Provider == provider {
			out = append(out, rec)
		}
	}
	for _, rec := range d.incidents {
		if rec.Provider == provider {
			out = append(out, *rec)
		}
	}
	sortByStart(out)
	return out
}

// IncidentSummary computes counts by severity, type and provider plus
// resolution-duration stats over all known incidents.
func (d *Detector) IncidentSummary() Summary {
	all := d.AllIncidents()

	s := Summary{
		BySeverity: make(map[Severity]int),
		ByType:     make(map[Type]int),
		ByProvider: make(map[string]int),
	}

	var durationSum float64
	for _, rec := range all {
		s.Total++
		if rec.Active() {
			s.Active++
		} else {
			s.Resolved++
			durationSum += rec.DurationMinutes
			if rec.DurationMinutes > s.MaxResolutionMinutes {
				s.MaxResolutionMinutes = rec.DurationMinutes
			}
		}
		s.BySeverity[rec.Severity]++
		s.ByType[rec.Type]++
		s.ByProvider[rec.Provider]++
	}
	if s.Resolved > 0 {
		s.AvgResolutionMinutes = durationSum / float64(s.Resolved)
	}
	return s
}

// Baseline returns the provider's current baseline error rate and whether
// one exists yet.
func (d *Detector) Baseline(provider string) (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.baselines[provider]
	if !ok || b.samples == 0 {
		return 0, false
	}
	return b.errorRate, true
}

func sortByStart(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].StartedAt.Equal(records[j].StartedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].StartedAt.Before(records[j].StartedAt)
	})
}
