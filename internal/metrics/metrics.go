// Package metrics exposes Prometheus counters for the records API.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lecsa/api/internal/archive"
)

type Metrics struct {
	registry *prometheus.Registry

	Transitions       *prometheus.CounterVec
	ArchiveEntries    *prometheus.CounterVec
	AuthzDenials      *prometheus.CounterVec
	ActionLogFailures prometheus.Counter
	Requests          *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
}

// New registers every collector on a fresh registry so tests and multiple
// servers in one process do not collide on the default one.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lecsa_transitions_total",
			Help: "committed record transitions by action",
		}, []string{"action"}),
		ArchiveEntries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lecsa_archive_entries_created_total",
			Help: "archive entries created by record type",
		}, []string{"record_type"}),
		AuthzDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lecsa_authz_denials_total",
			Help: "rejected capability checks",
		}, []string{"capability", "reason"}),
		ActionLogFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "lecsa_action_log_failures_total",
			Help: "action log entries that could not be written",
		}),
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lecsa_http_requests_total",
			Help: "HTTP requests by method and status",
		}, []string{"method", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lecsa_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"method"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Hook counts committed archive engine events.
func (m *Metrics) Hook(_ context.Context, ev archive.Event) {
	m.Transitions.WithLabelValues(ev.Action).Inc()
	for _, entry := range ev.Archived {
		m.ArchiveEntries.WithLabelValues(string(entry.RecordType)).Inc()
	}
}

func (m *Metrics) ObserveRequest(method string, status int, elapsed time.Duration) {
	m.Requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) Denied(capability, reason string) {
	m.AuthzDenials.WithLabelValues(capability, reason).Inc()
}
