// Package metrics exposes Prometheus collectors for ETL and notify runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "listingwatcher"

// Metrics holds the pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Units         *prometheus.CounterVec
	Posts         *prometheus.CounterVec
	Notifications *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
}

// New registers collectors on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		Units: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_total",
			Help:      "Work units processed per phase and outcome",
		}, []string{"phase", "outcome"}),
		Posts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_total",
			Help:      "Fetched posts by classification",
		}, []string{"outcome"}),
		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification entries by delivery outcome",
		}, []string{"outcome"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of pipeline runs",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"phase"}),
	}
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Unit counts one finished unit.
func (m *Metrics) Unit(phase, outcome string) {
	if m == nil {
		return
	}
	m.Units.WithLabelValues(phase, outcome).Inc()
}

// AddPosts counts posts with the given classification.
func (m *Metrics) AddPosts(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Posts.WithLabelValues(outcome).Add(float64(n))
}

// AddNotifications counts notification entries with the given outcome.
func (m *Metrics) AddNotifications(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Notifications.WithLabelValues(outcome).Add(float64(n))
}

// ObserveRun records how long a phase took.
func (m *Metrics) ObserveRun(phase string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RunDuration.WithLabelValues(phase).Observe(elapsed.Seconds())
}
