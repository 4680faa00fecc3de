// Package metrics exposes engine counters on a private prometheus registry.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"bytes"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const namespace = "cloak"

// Metrics holds the engine collectors.
type Metrics struct {
	registry *prometheus.Registry

	sessions prometheus.Gauge
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	duration prometheus.Histogram
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently registered.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Completed request exchanges by negotiated protocol.",
		}, []string{"proto"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_errors_total",
			Help:      "Failed requests by error kind.",
		}, []string{"kind"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Wall time of Execute, redirects included.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
	m.registry.MustRegister(m.sessions, m.requests, m.errors, m.duration)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

// ObserveRequest records one finished request. An empty kind means success.
func (m *Metrics) ObserveRequest(proto, kind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.duration.Observe(elapsed.Seconds())
	if kind != "" {
		m.errors.WithLabelValues(kind).Inc()
		return
	}
	m.requests.WithLabelValues(proto).Inc()
}

// WriteText writes every metric family in the prometheus text format.
func (m *Metrics) WriteText(w io.Writer) error {
	if m == nil {
		return nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// Text returns WriteText output as a string.
func (m *Metrics) Text() (string, error) {
	var buf bytes.Buffer
	if err := m.WriteText(&buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
