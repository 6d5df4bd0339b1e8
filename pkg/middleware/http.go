package middleware

import (
	"bytes"
	"context"
	"net/http"
)

// HTTP adapts the middleware onto net/http so it can sit in a chi (or any
// stdlib-compatible) middleware chain. The wrapped handler only runs on
// cache misses; hits and validator matches are answered from the cache.
func (m *Middleware) HTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := m.fromHTTP(r)

		downstream := func(ctx context.Context, _ Request) (Response, error) {
			capture := newResponseCapture()
			next.ServeHTTP(capture, r.WithContext(ctx))
			return capture.response(), nil
		}

		result, err := m.Handle(r.Context(), req, downstream)
		if err != nil {
			http.Error(w, "upstream request failed", http.StatusBadGateway)
			return
		}
		writeResult(w, result)
	})
}

// fromHTTP converts an *http.Request into the abstract Request. Only the
// first value of multi-valued headers participates in key derivation.
func (m *Middleware) fromHTTP(r *http.Request) Request {
	header := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			header[name] = values[0]
		}
	}
	return Request{
		Method:   r.Method,
		Path:     r.URL.Path,
		Header:   header,
		Query:    r.URL.Query(),
		TenantID: r.Header.Get("X-Tenant-ID"),
	}
}

// writeResult maps the abstract result back onto the wire. A not-modified
// outcome becomes a bodyless 304; everything else replays status and body.
func writeResult(w http.ResponseWriter, result Result) {
	for name, value := range result.Response.Header {
		w.Header().Set(name, value)
	}
	if result.Outcome == OutcomeNotModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.WriteHeader(result.Response.StatusCode)
	_, _ = w.Write(result.Response.Body)
}

// responseCapture buffers a downstream handler's response so the middleware
// can inspect and cache it before anything reaches the client.
type responseCapture struct {
	status int
	header http.Header
	body   bytes.Buffer
}

func newResponseCapture() *responseCapture {
	return &responseCapture{
		status: http.StatusOK,
		header: make(http.Header),
	}
}

func (c *responseCapture) Header() http.Header {
	return c.header
}

func (c *responseCapture) WriteHeader(status int) {
	c.status = status
}

func (c *responseCapture) Write(p []byte) (int, error) {
	return c.body.Write(p)
}

func (c *responseCapture) response() Response {
	header := make(map[string]string, len(c.header))
	for name, values := range c.header {
		if len(values) > 0 {
			header[name] = values[0]
		}
	}
	return Response{
		StatusCode: c.status,
		Body:       c.body.Bytes(),
		Header:     header,
	}
}
