// Package metrics exposes Prometheus instrumentation for the requisition
// workflow on a private registry, served at /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates workflow counters and request timings.
type Collector struct {
	registry        *prometheus.Registry
	transitions     *prometheus.CounterVec
	workflowErrors  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewCollector creates a collector with its own registry, keeping the default
// registry's Go runtime collectors out of the scrape.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	return &Collector{
		registry: registry,
		transitions: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "pr_workflow_transitions_total",
			Help: "Total number of committed requisition workflow actions",
		}, []string{"action"}),
		workflowErrors: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "pr_workflow_errors_total",
			Help: "Total number of rejected workflow operations by error code",
		}, []string{"code"}),
		requestDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pr_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
}

// RecordTransition counts a committed workflow action.
func (c *Collector) RecordTransition(action string) {
	c.transitions.WithLabelValues(action).Inc()
}

// RecordError counts a rejected workflow operation.
func (c *Collector) RecordError(code string) {
	c.workflowErrors.WithLabelValues(code).Inc()
}

// ObserveRequest records an HTTP request's latency.
func (c *Collector) ObserveRequest(route, status string, duration time.Duration) {
	c.requestDuration.WithLabelValues(route, status).Observe(duration.Seconds())
}

// Handler serves the registry in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
