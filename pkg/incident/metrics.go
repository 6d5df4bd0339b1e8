package incident

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SamplesIngested tracks metric samples fed to the detector.
	SamplesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_incident_samples_total",
			Help: "Total number of provider metric samples ingested",
		},
		[]string{"provider"},
	)

	// IncidentsTotal tracks incidents opened, by provider, type and severity.
	IncidentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_incidents_total",
			Help: "Total number of incidents opened",
		},
		[]string{"provider", "type", "severity"},
	)

	// IncidentsResolved tracks incidents auto-resolved by the recovery check.
	IncidentsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_incidents_resolved_total",
			Help: "Total number of incidents resolved",
		},
		[]string{"provider", "type"},
	)

	// ActiveIncidents tracks the current number of open incidents.
	ActiveIncidents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edge_incidents_active",
			Help: "Current number of unresolved incidents",
		},
	)
)
