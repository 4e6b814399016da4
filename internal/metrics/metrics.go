// Package metrics exposes Prometheus collectors for harness runs.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dura"

// Directions for Transferred.
const (
	Upload   = "upload"
	Download = "download"
)

// Metrics groups the harness collectors. A nil *Metrics records nothing.
type Metrics struct {
	scenarios *prometheus.CounterVec
	duration  prometheus.Histogram
	parts     *prometheus.CounterVec
	bytes     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		scenarios: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scenarios_total",
			Help:      "Durability scenarios finished, by verdict.",
		}, []string{"verdict"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scenario_duration_seconds",
			Help:      "Wall time of a durability scenario including teardown.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		parts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "part_uploads_total",
			Help:      "Multipart part upload attempts, by result.",
		}, []string{"result"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Payload bytes moved to or from the store.",
		}, []string{"direction"}),
	}
	reg.MustRegister(m.scenarios, m.duration, m.parts, m.bytes)
	return m
}

// ScenarioFinished records one scenario verdict.
func (m *Metrics) ScenarioFinished(verdict string, d time.Duration) {
	if m == nil {
		return
	}
	m.scenarios.WithLabelValues(verdict).Inc()
	m.duration.Observe(d.Seconds())
}

// PartUploaded records one part upload attempt.
func (m *Metrics) PartUploaded(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.parts.WithLabelValues(result).Inc()
}

// Transferred adds n payload bytes in the given direction.
func (m *Metrics) Transferred(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytes.WithLabelValues(direction).Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Sandbox groups the collectors of the sandbox target. A nil *Sandbox records
// nothing.
type Sandbox struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewSandbox creates the sandbox collectors and registers them with reg.
func NewSandbox(reg prometheus.Registerer) *Sandbox {
	s := &Sandbox{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "requests_total",
			Help:      "Requests served by the sandbox target, by method and status code.",
		}, []string{"method", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "request_duration_seconds",
			Help:      "Sandbox request latency, by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
	reg.MustRegister(s.requests, s.latency)
	return s
}

// Observe records one served request.
func (s *Sandbox) Observe(method string, status int, d time.Duration) {
	if s == nil {
		return
	}
	s.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	s.latency.WithLabelValues(method).Observe(d.Seconds())
}
