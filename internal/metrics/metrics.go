// Package metrics provides Prometheus instrumentation for the Tool
// Registry (C7) and the remote Backend Abstraction / MCP Bridge (C10/C11)
// HTTP surfaces.
//
// Grounded on kadirpekel-hector's pkg/observability/metrics.go, trimmed
// from its agent/LLM/RAG-wide metric set down to the two subsystems
// opencoach actually exposes over the network: tool dispatch and HTTP.
package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector opencoach registers. A nil
// *Metrics is safe to call methods on — every Record/Observe method is a
// no-op — so instrumentation can be threaded through optionally without a
// nil check at every call site.
type Metrics struct {
	registry *prometheus.Registry

	toolCalls        *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
	toolErrors       *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	sessionsActive prometheus.Gauge
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opencoach",
		Subsystem: "tool",
		Name:      "calls_total",
		Help:      "Total number of tool invocations dispatched through the Tool Registry.",
	}, []string{"tool_name"})

	m.toolCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "opencoach",
		Subsystem: "tool",
		Name:      "call_duration_seconds",
		Help:      "Tool dispatch duration in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
	}, []string{"tool_name"})

	m.toolErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opencoach",
		Subsystem: "tool",
		Name:      "errors_total",
		Help:      "Total number of tool invocations that returned an error result.",
	}, []string{"tool_name"})

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opencoach",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests served by the remote backend and MCP bridge.",
	}, []string{"method", "path", "status"})

	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "opencoach",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	m.sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "opencoach",
		Subsystem: "session",
		Name:      "active",
		Help:      "Number of sessions currently registered with the remote backend.",
	})

	m.registry.MustRegister(m.toolCalls, m.toolCallDuration, m.toolErrors,
		m.httpRequests, m.httpDuration, m.sessionsActive)
	return m
}

// RecordToolCall records one dispatch of tool name, its duration, and
// whether the result was an error.
func (m *Metrics) RecordToolCall(name string, duration time.Duration, isError bool) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(name).Inc()
	m.toolCallDuration.WithLabelValues(name).Observe(duration.Seconds())
	if isError {
		m.toolErrors.WithLabelValues(name).Inc()
	}
}

// SetSessionsActive sets the active-session gauge.
func (m *Metrics) SetSessionsActive(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

// Middleware wraps h, recording request count and duration per method and
// route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		path := routePattern(r)
		m.httpRequests.WithLabelValues(r.Method, path, statusClass(sw.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// Handler returns the Prometheus scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// routePattern extracts chi's matched route pattern when available,
// falling back to the raw path so unmatched requests still get a label.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
		return rc.RoutePattern()
	}
	return r.URL.Path
}
