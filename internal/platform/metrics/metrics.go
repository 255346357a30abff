// Package metrics provides Prometheus metrics for the terminology server.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	// HTTP request metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Expansion metrics
	RecomputesTotal      *prometheus.CounterVec
	RecomputeDuration    *prometheus.HistogramVec
	CoalescedTotal       prometheus.Counter
	MemberChangesTotal   *prometheus.CounterVec
	ExpansionsProcessing prometheus.Gauge

	// Reference metrics
	ReferencesAddedTotal    prometheus.Counter
	ReferencesRejectedTotal *prometheus.CounterVec

	// Index signal metrics
	IndexEventsTotal *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics creates all collectors and registers them with reg. A nil reg
// uses a fresh registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	m := &Metrics{gatherer: reg}

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocl_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	m.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ocl_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	m.RecomputesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocl_expansion_recomputes_total",
			Help: "Total number of expansion materialization passes",
		},
		[]string{"mode", "status"},
	)

	m.RecomputeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ocl_expansion_recompute_duration_seconds",
			Help:    "Duration of expansion materialization passes in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"mode"},
	)

	m.CoalescedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "ocl_expansion_coalesced_total",
			Help: "Total number of materialization triggers coalesced into an in-flight pass",
		},
	)

	m.MemberChangesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocl_expansion_member_changes_total",
			Help: "Total number of expansion members added or removed",
		},
		[]string{"kind", "op"},
	)

	m.ExpansionsProcessing = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "ocl_expansions_processing",
			Help: "Number of expansions currently being materialized",
		},
	)

	m.ReferencesAddedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "ocl_references_added_total",
			Help: "Total number of references added to repository versions",
		},
	)

	m.ReferencesRejectedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocl_references_rejected_total",
			Help: "Total number of reference expressions rejected",
		},
		[]string{"reason"},
	)

	m.IndexEventsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocl_index_events_total",
			Help: "Total number of index refresh signals",
		},
		[]string{"status"},
	)

	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
}

// Middleware records request counts and latencies by route template.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if status < 400 {
					status = 500
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.HTTPRequestsTotal.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(c.Request().Method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// RecordRecompute records a materialization pass and its member delta.
func (m *Metrics) RecordRecompute(mode, status string, duration time.Duration, added, removed int) {
	if m == nil {
		return
	}
	m.RecomputesTotal.WithLabelValues(mode, status).Inc()
	m.RecomputeDuration.WithLabelValues(mode).Observe(duration.Seconds())
	if added > 0 {
		m.MemberChangesTotal.WithLabelValues("all", "add").Add(float64(added))
	}
	if removed > 0 {
		m.MemberChangesTotal.WithLabelValues("all", "remove").Add(float64(removed))
	}
}

// RecordCoalesced counts a trigger that found a pass already running.
func (m *Metrics) RecordCoalesced() {
	if m == nil {
		return
	}
	m.CoalescedTotal.Inc()
}

// ProcessingStarted and ProcessingFinished track in-flight passes.
func (m *Metrics) ProcessingStarted() {
	if m == nil {
		return
	}
	m.ExpansionsProcessing.Inc()
}

func (m *Metrics) ProcessingFinished() {
	if m == nil {
		return
	}
	m.ExpansionsProcessing.Dec()
}

// RecordReferences counts added references and rejections by reason.
func (m *Metrics) RecordReferences(added int, rejected map[string]int) {
	if m == nil {
		return
	}
	m.ReferencesAddedTotal.Add(float64(added))
	for reason, n := range rejected {
		m.ReferencesRejectedTotal.WithLabelValues(reason).Add(float64(n))
	}
}

// RecordIndexEvent counts an index signal by publish outcome.
func (m *Metrics) RecordIndexEvent(err error) {
	if m == nil {
		return
	}
	status := "published"
	if err != nil {
		status = "failed"
	}
	m.IndexEventsTotal.WithLabelValues(status).Inc()
}
