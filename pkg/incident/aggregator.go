package incident

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Observation is one request outcome as seen by the middleware.
type Observation struct {
	Provider        string
	Endpoint        string
	StatusCode      int
	Duration        time.Duration
	Timeout         bool
	ConnectionError bool
}

// bucketAgg accumulates observations for one provider inside one minute
// bucket.
type bucketAgg struct {
	minute      time.Time
	total       int64
	success     int64
	errors      int64
	rateLimited int64
	timeouts    int64
	connErrors  int64
	latenciesMS []float64
	statusCodes map[int]int64
	endpoints   map[string]int64
}

// Aggregator folds per-request observations into real fixed time buckets
// (floor(now/60s)) and flushes each completed bucket to the detector as one
// ProviderMetrics sample. This replaces labelling every request as its own
// nominal "1-minute window", which made baseline and spike math ambiguous.
type Aggregator struct {
	detector *Detector
	clock    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucketAgg
}

// NewAggregator creates an aggregator in front of the detector.
func NewAggregator(detector *Detector, clock func() time.Time) *Aggregator {
	if clock == nil {
		clock = time.Now
	}
	return &Aggregator{
		detector: detector,
		clock:    clock,
		buckets:  make(map[string]*bucketAgg),
	}
}

// Observe records one request outcome. When the observation lands in a new
// minute bucket, the provider's previous bucket is flushed to the detector.
func (a *Aggregator) Observe(o Observation) {
	if o.Provider == "" {
		return
	}
	minute := a.clock().Truncate(time.Minute)

	a.mu.Lock()

	var flush *bucketAgg
	b := a.buckets[o.Provider]
	if b == nil || !b.minute.Equal(minute) {
		flush = b
		b = &bucketAgg{
			minute:      minute,
			statusCodes: make(map[int]int64),
			endpoints:   make(map[string]int64),
		}
		a.buckets[o.Provider] = b
	}

	b.total++
	b.latenciesMS = append(b.latenciesMS, float64(o.Duration.Milliseconds()))
	if o.Endpoint != "" {
		b.endpoints[o.Endpoint]++
	}

	switch {
	case o.Timeout:
		b.timeouts++
		b.errors++
	case o.ConnectionError:
		b.connErrors++
		b.errors++
	case o.StatusCode == 429:
		b.rateLimited++
		b.statusCodes[o.StatusCode]++
	case o.StatusCode >= 500:
		b.errors++
		b.statusCodes[o.StatusCode]++
	case o.StatusCode >= 200 && o.StatusCode < 400:
		b.success++
		b.statusCodes[o.StatusCode]++
	default:
		b.statusCodes[o.StatusCode]++
	}

	a.mu.Unlock()

	if flush != nil {
		a.detector.RecordMetrics(flush.toSample(o.Provider))
	}
}

// Flush pushes every open bucket to the detector. Call at shutdown so the
// trailing partial minute is not lost.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	pending := make(map[string]*bucketAgg, len(a.buckets))
	for provider, b := range a.buckets {
		pending[provider] = b
		delete(a.buckets, provider)
	}
	a.mu.Unlock()

	for provider, b := range pending {
		a.detector.RecordMetrics(b.toSample(provider))
	}
}

// toSample converts the accumulated bucket into a ProviderMetrics sample.
func (b *bucketAgg) toSample(provider string) ProviderMetrics {
	sample := ProviderMetrics{
		Provider:            provider,
		Timestamp:           b.minute,
		TotalRequests:       b.total,
		SuccessfulRequests:  b.success,
		ErrorRequests:       b.errors,
		RateLimitedRequests: b.rateLimited,
		TimeoutRequests:     b.timeouts,
		ConnectionErrors:    b.connErrors,
		StatusCodes:         b.statusCodes,
		Endpoints:           b.endpoints,
	}
	if b.total > 0 {
		sample.ErrorRate = float64(b.errors) / float64(b.total)
	}
	if len(b.latenciesMS) > 0 {
		sum := 0.0
		for _, l := range b.latenciesMS {
			sum += l
		}
		sample.AvgResponseTimeMS = sum / float64(len(b.latenciesMS))
		sample.P95ResponseTimeMS = percentile(b.latenciesMS, 0.95)
	}
	return sample
}

// percentile computes the pth percentile (0 < p <= 1) of values.
func percentile(values []float64, p float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
