// Package router resolves (method, path) pairs to request handlers for the
// HTTP/2 front door, with a fallback for prefix-based forwarding.
package router

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"tunnel-proxy-go/internal/metrics"
	"tunnel-proxy-go/internal/model"
)

// ResponseSender delivers one buffered response on the stream identified by
// streamID. It must be invoked exactly once per dispatched request.
type ResponseSender func(streamID uint32, resp model.HTTPResponse)

// HandlerFunc services one complete request.
type HandlerFunc func(method, path string, body []byte, streamID uint32, send ResponseSender)

type routeKey struct {
	method string
	path   string
}

// Router maps exact (method, path) pairs to handlers. The table is built at
// startup and read-only afterwards, so lookups take no lock. Requests not
// matched by an explicit route go to the fallback (prefix forwarding); a
// path that has routes but none for the request's method is answered 405
// rather than forwarded.
type Router struct {
	routes   map[routeKey]HandlerFunc
	paths    map[string]bool
	fallback HandlerFunc
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a Router with no routes and no fallback.
func New(logger *slog.Logger) *Router {
	return &Router{
		routes: make(map[routeKey]HandlerFunc),
		paths:  make(map[string]bool),
		logger: logger.With("component", "router"),
	}
}

// Register installs a handler for an exact method and path. Not safe to call
// once the server has started serving.
func (r *Router) Register(method, path string, h HandlerFunc) {
	r.routes[routeKey{method: method, path: path}] = h
	r.paths[path] = true
	r.logger.Info("registered route", "method", method, "path", path)
}

// SetFallback installs the handler used when no exact route matches.
func (r *Router) SetFallback(h HandlerFunc) {
	r.fallback = h
}

// SetMetrics installs the collectors every dispatched request is recorded
// against. Not safe to call once the server has started serving.
func (r *Router) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Handle dispatches one complete request. A panic escaping a handler is
// answered with a 500 so the session survives.
func (r *Router) Handle(method, path string, body []byte, streamID uint32, send ResponseSender) {
	if r.metrics != nil {
		send = r.instrument(method, send)
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panicked",
				"method", method,
				"path", path,
				"panic", fmt.Sprint(rec),
			)
			send(streamID, errorResponse(http.StatusInternalServerError, "Internal server error"))
		}
	}()

	if h, ok := r.routes[routeKey{method: method, path: path}]; ok {
		h(method, path, body, streamID, send)
		return
	}

	// A routed path reached with the wrong method is a 405, never a forward.
	if r.paths[path] {
		send(streamID, model.NewJSONResponse(http.StatusMethodNotAllowed, `{"error": "Method not allowed"}`))
		return
	}

	// The health probe answers regardless of registrations, so it is resolved
	// before the forwarding fallback.
	if method == http.MethodGet && path == "/health" {
		send(streamID, model.NewJSONResponse(http.StatusOK, `{"status":"ok"}`))
		return
	}

	if r.fallback != nil {
		r.fallback(method, path, body, streamID, send)
		return
	}

	send(streamID, errorResponse(http.StatusNotFound, "Route not found"))
}

// instrument wraps a sender so the emitted response is counted and timed
// under the h2 front door's labels.
func (r *Router) instrument(method string, send ResponseSender) ResponseSender {
	start := time.Now()
	normMethod := metrics.NormalizeMethod(method)

	return func(streamID uint32, resp model.HTTPResponse) {
		status := strconv.Itoa(resp.StatusCode)
		r.metrics.RequestsTotal.WithLabelValues("h2", normMethod, status).Inc()
		r.metrics.RequestDuration.WithLabelValues("h2", normMethod, status).Observe(time.Since(start).Seconds())
		send(streamID, resp)
	}
}

func errorResponse(code int, message string) model.HTTPResponse {
	return model.NewJSONResponse(code, fmt.Sprintf(`{"error":%q}`, message))
}
