// Package metrics provides Prometheus metrics for moniwatch.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "moniwatch"

// Metrics holds all Prometheus metrics for moniwatch. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Scheduler metrics
	ScheduledJobs  prometheus.Gauge
	FiringsTotal   *prometheus.CounterVec
	FiringsSkipped *prometheus.CounterVec
	FiringDuration *prometheus.HistogramVec

	// Alert metrics
	AlertsTotal *prometheus.CounterVec

	// Webhook metrics
	WebhookRequestsTotal *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates a Metrics instance registered with reg. A nil reg uses the
// default Prometheus registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		ScheduledJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduled_jobs",
			Help:      "Number of job keys registered with the scheduler.",
		}),
		FiringsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "firings_total",
			Help:      "Total number of job firings by final status.",
		}, []string{"kind", "status"}),
		FiringsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "firings_skipped_total",
			Help:      "Firings skipped because the previous firing of the same key was still running.",
		}, []string{"kind"}),
		FiringDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "firing_duration_seconds",
			Help:      "Job firing duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7min
		}, []string{"kind"}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alert decisions by outcome.",
		}, []string{"outcome"}),
		WebhookRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_requests_total",
			Help:      "Webhook gateway requests by route and result.",
		}, []string{"route", "result"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	reg.MustRegister(
		m.ScheduledJobs,
		m.FiringsTotal,
		m.FiringsSkipped,
		m.FiringDuration,
		m.AlertsTotal,
		m.WebhookRequestsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// Handler returns the Prometheus HTTP handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a handler exposing the metrics gathered by g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordFiring records a completed firing.
func (m *Metrics) RecordFiring(kind, status string, seconds float64) {
	if m == nil {
		return
	}
	m.FiringsTotal.WithLabelValues(kind, status).Inc()
	m.FiringDuration.WithLabelValues(kind).Observe(seconds)
}

// RecordSkipped records a firing dropped because its key was busy.
func (m *Metrics) RecordSkipped(kind string) {
	if m == nil {
		return
	}
	m.FiringsSkipped.WithLabelValues(kind).Inc()
}

// RecordAlert records an alert decision.
func (m *Metrics) RecordAlert(outcome string) {
	if m == nil || outcome == "" {
		return
	}
	m.AlertsTotal.WithLabelValues(outcome).Inc()
}

// RecordWebhook records a webhook request.
func (m *Metrics) RecordWebhook(route, result string) {
	if m == nil {
		return
	}
	m.WebhookRequestsTotal.WithLabelValues(route, result).Inc()
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// SetScheduledJobs sets the scheduled job gauge.
func (m *Metrics) SetScheduledJobs(n int) {
	if m == nil {
		return
	}
	m.ScheduledJobs.Set(float64(n))
}
