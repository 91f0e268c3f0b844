// Package metrics exposes Prometheus instrumentation for the HTTP surface and
// the recurring catch-up engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recurring holds the catch-up engine collectors. A nil *Recurring is valid
// and records nothing.
type Recurring struct {
	entriesCreated   prometheus.Counter
	entriesExisting  prometheus.Counter
	templateFailures prometheus.Counter
	runs             *prometheus.CounterVec
	runDuration      prometheus.Histogram
}

// NewRecurring creates the engine collectors and registers them on reg.
func NewRecurring(reg prometheus.Registerer) *Recurring {
	m := &Recurring{
		entriesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recurring_entries_created_total",
			Help: "Ledger entries materialized from recurring templates.",
		}),
		entriesExisting: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recurring_entries_existing_total",
			Help: "Pending periods that already had an entry and only advanced the marker.",
		}),
		templateFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recurring_template_failures_total",
			Help: "Templates whose catch-up pass stopped on an error.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recurring_runs_total",
			Help: "Catch-up invocations by outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "recurring_run_duration_seconds",
			Help:    "Wall time of a catch-up invocation.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.entriesCreated, m.entriesExisting, m.templateFailures, m.runs, m.runDuration)
	return m
}

// EntryCreated counts one materialized entry.
func (m *Recurring) EntryCreated() {
	if m != nil {
		m.entriesCreated.Inc()
	}
}

// EntryExisting counts one period that was already materialized.
func (m *Recurring) EntryExisting() {
	if m != nil {
		m.entriesExisting.Inc()
	}
}

// TemplateFailed counts one isolated template failure.
func (m *Recurring) TemplateFailed() {
	if m != nil {
		m.templateFailures.Inc()
	}
}

// RunFinished records the outcome ("ok", "partial" or "error") and duration of an invocation.
func (m *Recurring) RunFinished(outcome string, elapsed time.Duration) {
	if m != nil {
		m.runs.WithLabelValues(outcome).Inc()
		m.runDuration.Observe(elapsed.Seconds())
	}
}

// HTTP holds request collectors for the gin router.
type HTTP struct {
	inFlight prometheus.Gauge
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewHTTP creates the HTTP collectors and registers them on reg.
func NewHTTP(reg prometheus.Registerer) *HTTP {
	m := &HTTP{
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	reg.MustRegister(m.inFlight, m.requests, m.duration)
	return m
}

// Middleware records RPS, latency and in-flight requests. Routes are labeled
// by their registered pattern so ids do not explode cardinality.
func (m *HTTP) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		m.inFlight.Inc()
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.duration.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
		m.requests.WithLabelValues(c.Request.Method, route, status).Inc()
		m.inFlight.Dec()
	}
}

// Handler serves the collectors gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
