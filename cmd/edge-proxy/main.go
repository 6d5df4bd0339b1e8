// Command edge-proxy runs the provider edge as a standalone HTTP proxy:
// inbound requests are served through the cache middleware and forwarded to
// the configured upstream provider APIs on misses.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/contentedge/provider-edge/pkg/cache"
	"github.com/contentedge/provider-edge/pkg/incident"
	"github.com/contentedge/provider-edge/pkg/logging"
	edgemw "github.com/contentedge/provider-edge/pkg/middleware"
	"github.com/contentedge/provider-edge/pkg/ratelimit"
	"github.com/contentedge/provider-edge/pkg/refresh"
)

// proxyConfig is the full edge-proxy configuration, loaded by viper from
// edge-proxy.yaml and EDGE_* environment variables. The core packages never
// read config themselves; they receive these structs at construction.
type proxyConfig struct {
	Server struct {
		Addr            string `mapstructure:"addr"`
		ShutdownTimeout int    `mapstructure:"shutdown_timeout_seconds"`
	} `mapstructure:"server"`
	Log struct {
		Level  string `mapstructure:"level"`
		Pretty bool   `mapstructure:"pretty"`
	} `mapstructure:"log"`
	Redis struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"redis"`
	Cache      cache.Config      `mapstructure:"cache"`
	Incidents  incident.Config   `mapstructure:"incidents"`
	Middleware edgemw.Config     `mapstructure:"middleware"`
	Refresh    refresh.Config    `mapstructure:"refresh"`
	Upstreams  map[string]string `mapstructure:"upstreams"`

	// AggregateSamples folds per-request metrics into minute buckets before
	// they reach the incident detector.
	AggregateSamples bool `mapstructure:"aggregate_samples"`

	// UpstreamTimeout bounds one forwarded request.
	UpstreamTimeoutSeconds int `mapstructure:"upstream_timeout_seconds"`
}

func loadConfig() (proxyConfig, error) {
	v := viper.New()
	v.SetConfigName("edge-proxy")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/edge-proxy")
	v.SetEnvPrefix("EDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("upstream_timeout_seconds", 30)
	v.SetDefault("aggregate_samples", true)

	cfg := proxyConfig{
		Cache:      cache.DefaultConfig(),
		Incidents:  incident.DefaultConfig(),
		Middleware: edgemw.DefaultConfig(),
		Refresh:    refresh.DefaultConfig(),
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
		Output: os.Stderr,
	}).With().Str("component", "edge-proxy").Logger()

	backend, redisClient, err := buildBackend(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize storage backend")
	}

	// Quota gating needs the shared Redis; with the in-memory backend the
	// proxy runs ungated.
	var tracker *ratelimit.Tracker
	if redisClient != nil {
		tracker = ratelimit.NewTracker(redisClient, logging.NewLogger("quota-tracker"))
	}

	detector, err := incident.NewDetector(cfg.Incidents, incidentLogSink(logger),
		incident.WithDetectorLogger(logging.NewLogger("incident-detector")))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create incident detector")
	}

	edge, err := cache.New(backend, cfg.Cache,
		cache.WithLogger(logging.NewLogger("edge-cache")))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create edge cache")
	}
	defer edge.Stop()

	upstreamClient := &http.Client{
		Timeout: time.Duration(cfg.UpstreamTimeoutSeconds) * time.Second,
	}

	refresher := refresh.New(edge, newRefreshFetcher(cfg, upstreamClient), cfg.Refresh,
		refresh.WithRefresherLogger(logging.NewLogger("refresher")))
	defer refresher.Stop()

	var mwOpts []edgemw.MiddlewareOption
	mwOpts = append(mwOpts, edgemw.WithMiddlewareLogger(logging.NewLogger("cache-middleware")))
	mwOpts = append(mwOpts, edgemw.WithRefreshHook(func(key cache.Key) {
		refresher.Schedule(key)
	}))

	var aggregator *incident.Aggregator
	if cfg.AggregateSamples {
		aggregator = incident.NewAggregator(detector, nil)
		mwOpts = append(mwOpts, edgemw.WithAggregator(aggregator))
	}

	mw, err := edgemw.New(edge, detector, cfg.Middleware, mwOpts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create cache middleware")
	}

	router := chi.NewRouter()
	router.Use(chimw.Recoverer)
	router.Get("/healthz", healthHandler)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	router.Get("/incidents", incidentsHandler(detector))
	router.Get("/incidents/active", activeIncidentsHandler(detector))
	router.Get("/incidents/summary", summaryHandler(detector))
	router.Get("/cache/stats", statsHandler(edge))

	upstream := newUpstreamProxy(cfg, upstreamClient, tracker, logger)
	router.Handle("/*", mw.HTTP(upstream))

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("Starting edge proxy")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if aggregator != nil {
			aggregator.Flush()
		}
		refresher.Stop()
		edge.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
	logger.Info().Msg("Stopped")
}

// buildBackend selects the storage backend from config. The Redis client is
// also returned so other components (quota tracking) can share it.
func buildBackend(cfg proxyConfig, logger zerolog.Logger) (cache.Backend, *redis.Client, error) {
	switch cfg.Cache.Storage.Type {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Using Redis storage backend")
		return cache.NewRedisBackend(client,
			cache.WithRedisLogger(logging.NewLogger("redis-backend"))), client, nil
	default:
		logger.Info().Msg("Using in-memory storage backend")
		return cache.NewMemoryBackend(), nil, nil
	}
}

// incidentLogSink logs incident lifecycle events. A real deployment would
// also forward them to alerting.
func incidentLogSink(logger zerolog.Logger) incident.Sink {
	return func(ev incident.Event) {
		event := logger.Warn()
		if ev.Kind == incident.EventResolved {
			event = logger.Info()
		}
		event.
			Str("kind", string(ev.Kind)).
			Str("incident_id", ev.Record.ID).
			Str("provider", ev.Record.Provider).
			Str("type", string(ev.Record.Type)).
			Str("severity", string(ev.Record.Severity)).
			Msg("Incident event")
	}
}

// newUpstreamProxy forwards misses to the provider API configured for the
// request's first path segment, gated by the provider's quota state.
func newUpstreamProxy(cfg proxyConfig, client *http.Client, tracker *ratelimit.Tracker, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		segments := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
		provider := segments[0]
		base, ok := cfg.Upstreams[provider]
		if !ok {
			http.Error(w, "unknown provider", http.StatusNotFound)
			return
		}

		if tracker != nil && !tracker.Allow(r.Context(), provider) {
			http.Error(w, "provider quota exhausted", http.StatusTooManyRequests)
			return
		}

		rest := ""
		if len(segments) > 1 {
			rest = "/" + segments[1]
		}

		target := base + rest
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}

		req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
		if err != nil {
			http.Error(w, "bad upstream request", http.StatusBadGateway)
			return
		}
		req.Header.Set("Accept", r.Header.Get("Accept"))

		resp, err := client.Do(req)
		if err != nil {
			logger.Warn().Err(err).Str("target", target).Msg("Upstream request failed")
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()

		if tracker != nil {
			if uerr := tracker.UpdateFromHeaders(r.Context(), provider, resp.Header); uerr != nil {
				logger.Warn().Err(uerr).Str("provider", provider).Msg("Failed to update quota state")
			}
		}

		for name, values := range resp.Header {
			for _, v := range values {
				w.Header().Add(name, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	})
}

// newRefreshFetcher revalidates a stale cache key against its upstream. The
// key carries everything needed to rebuild the request.
func newRefreshFetcher(cfg proxyConfig, client *http.Client) refresh.Fetcher {
	return func(ctx context.Context, key cache.Key) (refresh.Result, error) {
		segments := strings.SplitN(strings.TrimPrefix(key.URL, "/"), "/", 2)
		base, ok := cfg.Upstreams[segments[0]]
		if !ok {
			return refresh.Result{}, fmt.Errorf("no upstream for provider %q", segments[0])
		}
		target := base
		if len(segments) > 1 {
			target += "/" + segments[1]
		}
		if q := key.Params.Encode(); q != "" {
			target += "?" + q
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return refresh.Result{}, err
		}
		if accept, ok := key.Headers["accept"]; ok {
			req.Header.Set("Accept", accept)
		}

		resp, err := client.Do(req)
		if err != nil {
			return refresh.Result{}, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return refresh.Result{}, err
		}

		result := refresh.Result{
			Value:      body,
			StatusCode: resp.StatusCode,
			Options: cache.SetOptions{
				ETag:        resp.Header.Get("ETag"),
				ContentType: resp.Header.Get("Content-Type"),
			},
		}
		if lm := resp.Header.Get("Last-Modified"); lm != "" {
			if t, perr := http.ParseTime(lm); perr == nil {
				result.Options.LastModified = t
			}
		}
		return result, nil
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func incidentsHandler(detector *incident.Detector) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, detector.AllIncidents())
	}
}

func activeIncidentsHandler(detector *incident.Detector) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, detector.ActiveIncidentRecords())
	}
}

func summaryHandler(detector *incident.Detector) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, detector.IncidentSummary())
	}
}

func statsHandler(edge *cache.EdgeCache) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, edge.Stats())
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
