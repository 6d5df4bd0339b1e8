// Package middleware wires the edge cache and the incident detector into
// the request path.
//
// One request flows one way: key derivation, cache lookup, then either a
// replay from cache or a downstream fetch whose result is stored, and in
// every case exactly one metrics sample reported to the incident detector.
// The middleware never performs revalidation fetches itself; a stale hit
// carries RefreshDue so the caller can schedule one.
//
// Provider and request-type values are constrained to explicit allow-lists;
// anything unrecognized collapses to "unknown" so header or path content
// cannot mint unbounded cache keyspace. Tenant ids must be UUIDs; malformed
// values fall back to the anonymous scope.
//
// The abstract Request/Response/Handler boundary keeps the orchestration
// independent of any router. HTTP is the net/http adapter, usable directly
// in a chi middleware chain:
//
//	r := chi.NewRouter()
//	r.Use(mw.HTTP)
//	r.Handle("/*", upstreamProxy)
package middleware
