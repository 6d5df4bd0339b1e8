package middleware

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/contentedge/provider-edge/pkg/cache"
	"github.com/contentedge/provider-edge/pkg/incident"
)

// Request is the abstract inbound request the middleware operates on.
// Header names are canonical (http.CanonicalHeaderKey form).
type Request struct {
	Method   string
	Path     string
	Header   map[string]string
	Query    url.Values
	TenantID string
}

// Response is the abstract response, replayed from cache or produced live.
type Response struct {
	StatusCode int
	Body       []byte
	Header     map[string]string
}

// Handler is the downstream fetch the middleware wraps. It is invoked only
// on cache misses.
type Handler func(ctx context.Context, req Request) (Response, error)

// Outcome classifies how a request was satisfied.
type Outcome string

const (
	// OutcomeHit means a fresh cached entry was replayed.
	OutcomeHit Outcome = "hit"

	// OutcomeStaleHit means an expired entry inside its SWR window was
	// replayed; a revalidation is due.
	OutcomeStaleHit Outcome = "stale-hit"

	// OutcomeNotModified means the client's validator matched the cached
	// entry; the caller maps this to a 304 without replaying the body.
	OutcomeNotModified Outcome = "not-modified"

	// OutcomeMiss means the downstream handler produced the response.
	OutcomeMiss Outcome = "miss"
)

// Result is the outcome of one orchestrated request.
type Result struct {
	Response Response
	Outcome  Outcome

	// RefreshDue signals the caller that a background revalidation should be
	// scheduled for this key. The middleware never fetches.
	RefreshDue bool
}

// Config holds the middleware allow-lists and header conventions.
type Config struct {
	// Providers is the allow-list of recognized provider names. Anything
	// else maps to "unknown" so arbitrary header/path content cannot mint
	// unbounded cache keyspace.
	Providers []string `mapstructure:"providers"`

	// RequestTypes is the allow-list of recognized request types.
	RequestTypes []string `mapstructure:"request_types"`

	// CacheHeaders are the request headers folded into the cache key.
	CacheHeaders []string `mapstructure:"cache_headers"`

	// IgnoreParams are query parameters excluded from the cache key
	// (cache busters, tracking noise).
	IgnoreParams []string `mapstructure:"ignore_params"`

	// ProviderHeader overrides path-based provider extraction when present.
	ProviderHeader string `mapstructure:"provider_header"`

	// RequestTypeHeader overrides path-based request-type extraction.
	RequestTypeHeader string `mapstructure:"request_type_header"`
}

// DefaultConfig returns the standard header conventions and an empty
// provider allow-list (everything maps to "unknown" until configured).
func DefaultConfig() Config {
	return Config{
		CacheHeaders:      []string{"Accept", "Accept-Language"},
		ProviderHeader:    "X-Provider",
		RequestTypeHeader: "X-Request-Type",
	}
}

// unknownScope is where unrecognized providers and request types land.
const unknownScope = "unknown"

// Middleware orchestrates one request lifecycle: key derivation, cache
// consult, downstream invocation on miss, storing the result, and
// unconditional metrics reporting to the incident detector.
type Middleware struct {
	cache      *cache.EdgeCache
	detector   *incident.Detector
	aggregator *incident.Aggregator
	cfg        Config
	logger     zerolog.Logger
	clock      func() time.Time

	providers    map[string]struct{}
	requestTypes map[string]struct{}
	ignoreParams map[string]struct{}

	// refreshHook, when set, receives every key whose stale entry was just
	// served; implementations schedule the background revalidation.
	refreshHook func(key cache.Key)
}

// MiddlewareOption customizes a Middleware.
type MiddlewareOption func(*Middleware)

// WithMiddlewareLogger sets the middleware logger.
func WithMiddlewareLogger(logger zerolog.Logger) MiddlewareOption {
	return func(m *Middleware) {
		m.logger = logger
	}
}

// WithMiddlewareClock injects the time source.
func WithMiddlewareClock(clock func() time.Time) MiddlewareOption {
	return func(m *Middleware) {
		m.clock = clock
	}
}

// WithAggregator routes metric reporting through a time-bucketing aggregator
// instead of submitting one sample per request.
func WithAggregator(agg *incident.Aggregator) MiddlewareOption {
	return func(m *Middleware) {
		m.aggregator = agg
	}
}

// WithRefreshHook registers a callback for refresh-due signals. The hook is
// called synchronously on the request path and must only enqueue.
func WithRefreshHook(hook func(key cache.Key)) MiddlewareOption {
	return func(m *Middleware) {
		m.refreshHook = hook
	}
}

// New creates the middleware over an EdgeCache and an incident detector.
func New(edge *cache.EdgeCache, detector *incident.Detector, cfg Config, opts ...MiddlewareOption) (*Middleware, error) {
	if edge == nil {
		return nil, fmt.Errorf("edge cache is required")
	}
	if detector == nil {
		return nil, fmt.Errorf("incident detector is required")
	}
	if cfg.ProviderHeader == "" {
		cfg.ProviderHeader = "X-Provider"
	}
	if cfg.RequestTypeHeader == "" {
		cfg.RequestTypeHeader = "X-Request-Type"
	}

	m := &Middleware{
		cache:        edge,
		detector:     detector,
		cfg:          cfg,
		logger:       zerolog.Nop(),
		clock:        time.Now,
		providers:    toSet(cfg.Providers),
		requestTypes: toSet(cfg.RequestTypes),
		ignoreParams: toSet(cfg.IgnoreParams),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Handle runs one request through the cache. On a hit the downstream handler
// is never invoked; on a miss its response is stored when cacheable. One
// metrics sample is reported per request regardless of the path taken.
func (m *Middleware) Handle(ctx context.Context, req Request, next Handler) (Result, error) {
	start := m.clock()
	key := m.deriveKey(req)

	res := m.cache.Get(ctx, key, m.getOptions(req))
	if res.Hit {
		elapsed := m.clock().Sub(start)
		m.report(key, req.Path, res.Entry.StatusCode, elapsed, nil)

		result := Result{
			Response: Response{
				StatusCode: res.Entry.StatusCode,
				Body:       res.Entry.Value,
				Header:     m.hitHeaders(res),
			},
			Outcome:    OutcomeHit,
			RefreshDue: res.BackgroundRefresh,
		}
		if res.Stale {
			result.Outcome = OutcomeStaleHit
		}
		if res.ValidatorMatch {
			// The validator matched; the caller maps this to a 304. The
			// body stays out of the result.
			result.Outcome = OutcomeNotModified
			result.Response.Body = nil
		}
		if result.RefreshDue && m.refreshHook != nil {
			m.refreshHook(key)
		}

		m.logger.Debug().
			Str("provider", key.Provider).
			Str("path", req.Path).
			Str("outcome", string(result.Outcome)).
			Bool("refresh_due", result.RefreshDue).
			Msg("Cache hit")
		return result, nil
	}

	resp, err := next(ctx, req)
	elapsed := m.clock().Sub(start)
	if err != nil {
		m.report(key, req.Path, 0, elapsed, err)
		return Result{}, fmt.Errorf("downstream handler: %w", err)
	}

	if cacheable(req.Method, resp.StatusCode) {
		setOpts := cache.SetOptions{
			ETag:        headerGet(resp.Header, "ETag"),
			ContentType: headerGet(resp.Header, "Content-Type"),
		}
		if lm := headerGet(resp.Header, "Last-Modified"); lm != "" {
			if t, perr := http.ParseTime(lm); perr == nil {
				setOpts.LastModified = t
			}
		}
		if serr := m.cache.Set(ctx, key, resp.Body, resp.StatusCode, setOpts); serr != nil {
			m.logger.Warn().Err(serr).Str("path", req.Path).Msg("Failed to cache response")
		}
	}

	if resp.Header == nil {
		resp.Header = make(map[string]string)
	}
	resp.Header["X-Cache"] = "MISS"

	m.report(key, req.Path, resp.StatusCode, elapsed, nil)
	return Result{Response: resp, Outcome: OutcomeMiss}, nil
}

// deriveKey builds the cache key. Provider and request type are constrained
// to the allow-lists; anything unrecognized maps to "unknown". A malformed
// tenant id collapses to the anonymous scope.
func (m *Middleware) deriveKey(req Request) cache.Key {
	provider := headerGet(req.Header, m.cfg.ProviderHeader)
	if provider == "" {
		provider = pathSegment(req.Path, 0)
	}
	requestType := headerGet(req.Header, m.cfg.RequestTypeHeader)
	if requestType == "" {
		requestType = pathSegment(req.Path, 1)
	}

	headers := make(map[string]string, len(m.cfg.CacheHeaders))
	for _, name := range m.cfg.CacheHeaders {
		if v := headerGet(req.Header, name); v != "" {
			headers[strings.ToLower(name)] = v
		}
	}

	params := make(url.Values, len(req.Query))
	for name, values := range req.Query {
		if _, skip := m.ignoreParams[strings.ToLower(name)]; skip {
			continue
		}
		params[name] = values
	}

	return cache.Key{
		Provider:    allow(m.providers, provider),
		RequestType: allow(m.requestTypes, requestType),
		Method:      req.Method,
		URL:         req.Path,
		Headers:     headers,
		Params:      params,
		TenantID:    cache.NormalizeTenant(req.TenantID),
	}
}

// getOptions maps conditional request headers onto cache lookup options.
func (m *Middleware) getOptions(req Request) cache.GetOptions {
	opts := cache.GetOptions{
		IfNoneMatch: headerGet(req.Header, "If-None-Match"),
	}
	if ims := headerGet(req.Header, "If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil {
			opts.IfModifiedSince = t
		}
	}
	if cc := headerGet(req.Header, "Cache-Control"); strings.Contains(cc, "no-cache") {
		opts.ForceRefresh = true
	}
	return opts
}

// hitHeaders builds the cache-observability response headers for a hit.
func (m *Middleware) hitHeaders(res cache.GetResult) map[string]string {
	now := m.clock()
	entry := res.Entry

	hdr := map[string]string{
		"X-Cache":     "HIT",
		"X-Cache-Age": strconv.Itoa(int(entry.Age(now).Seconds())),
	}
	if res.Stale {
		hdr["X-Cache"] = "HIT-STALE"
	}
	hdr["Cache-Control"] = "max-age=" + strconv.Itoa(int(entry.RemainingTTL(now).Seconds()))
	if entry.ETag != "" {
		hdr["ETag"] = entry.ETag
	}
	if !entry.LastModified.IsZero() {
		hdr["Last-Modified"] = entry.LastModified.UTC().Format(http.TimeFormat)
	}
	if entry.ContentType != "" {
		hdr["Content-Type"] = entry.ContentType
	}
	return hdr
}

// report submits this request's outcome and latency, either as one detector
// sample or as an observation into the minute-bucket aggregator.
func (m *Middleware) report(key cache.Key, endpoint string, statusCode int, elapsed time.Duration, err error) {
	timeout, connErr := classifyTransportError(err)

	if m.aggregator != nil {
		m.aggregator.Observe(incident.Observation{
			Provider:        key.Provider,
			Endpoint:        endpoint,
			StatusCode:      statusCode,
			Duration:        elapsed,
			Timeout:         timeout,
			ConnectionError: connErr,
		})
		return
	}

	ms := float64(elapsed.Milliseconds())
	sample := incident.ProviderMetrics{
		Provider:          key.Provider,
		Timestamp:         m.clock(),
		TotalRequests:     1,
		AvgResponseTimeMS: ms,
		P95ResponseTimeMS: ms,
		Endpoints:         map[string]int64{endpoint: 1},
	}

	switch {
	case timeout:
		sample.TimeoutRequests = 1
		sample.ErrorRequests = 1
		sample.ErrorRate = 1
	case connErr:
		sample.ConnectionErrors = 1
		sample.ErrorRequests = 1
		sample.ErrorRate = 1
	default:
		sample.StatusCodes = map[int]int64{statusCode: 1}
		switch {
		case statusCode == 429:
			sample.RateLimitedRequests = 1
		case statusCode >= 500:
			sample.ErrorRequests = 1
			sample.ErrorRate = 1
		case statusCode >= 200 && statusCode < 400:
			sample.SuccessfulRequests = 1
		}
	}

	m.detector.RecordMetrics(sample)
}

// cacheable reports whether a downstream response may be stored: GET only,
// and essentially every terminal status class. Transport failures never get
// here.
func cacheable(method string, statusCode int) bool {
	if !strings.EqualFold(method, http.MethodGet) {
		return false
	}
	return (statusCode >= 200 && statusCode < 300) || (statusCode >= 400 && statusCode < 600)
}

// classifyTransportError splits a downstream error into timeout vs
// connection failure.
func classifyTransportError(err error) (timeout, connection bool) {
	if err == nil {
		return false, false
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return true, false
	}
	return false, true
}

// headerGet looks up a header by its canonical name.
func headerGet(header map[string]string, name string) string {
	if header == nil {
		return ""
	}
	if v, ok := header[http.CanonicalHeaderKey(name)]; ok {
		return v
	}
	return header[name]
}

// pathSegment returns the nth slash-separated path segment, or "".
func pathSegment(path string, n int) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if n >= len(segments) {
		return ""
	}
	return segments[n]
}

// allow constrains a value to the allow-list, mapping misses to "unknown".
func allow(set map[string]struct{}, value string) string {
	if value == "" {
		return unknownScope
	}
	if _, ok := set[strings.ToLower(value)]; ok {
		return strings.ToLower(value)
	}
	return unknownScope
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToLower(v)] = struct{}{}
	}
	return set
}
