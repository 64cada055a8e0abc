package infra

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors shared by the fetch client, the pull engine
// and the API server. Each instance owns its registry so tests can create
// as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	Requests     *prometheus.CounterVec
	Retries      *prometheus.CounterVec
	FetchSeconds *prometheus.HistogramVec
	CacheHits    *prometheus.CounterVec
	Rows         *prometheus.CounterVec
	PullFailures *prometheus.CounterVec
	Served       *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "macropanel",
			Name:      "http_requests_total",
			Help:      "Outgoing HTTP requests by host and status class.",
		}, []string{"host", "status"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "macropanel",
			Name:      "http_retries_total",
			Help:      "Retried requests by host and reason.",
		}, []string{"host", "reason"}),
		FetchSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "macropanel",
			Name:      "fetch_duration_seconds",
			Help:      "Wall time of a fetch including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"host"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "macropanel",
			Name:      "structure_cache_total",
			Help:      "Structure cache lookups by layer (memory, disk, miss).",
		}, []string{"layer"}),
		Rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "macropanel",
			Name:      "pull_rows_total",
			Help:      "Rows produced by pull.",
		}, []string{"pull"}),
		PullFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "macropanel",
			Name:      "pull_failures_total",
			Help:      "Requests that failed inside a pull and were recorded.",
		}, []string{"pull"}),
		Served: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "macropanel",
			Name:      "api_requests_total",
			Help:      "Requests served by the API by route and status code.",
		}, []string{"route", "code"}),
	}
	m.Registry.MustRegister(m.Requests, m.Retries, m.FetchSeconds, m.CacheHits, m.Rows, m.PullFailures, m.Served)
	return m
}

// The helpers below accept a nil receiver so components can run without
// metrics.

func (m *Metrics) IncRequest(host, status string) {
	if m != nil {
		m.Requests.WithLabelValues(host, status).Inc()
	}
}

func (m *Metrics) IncRetry(host, reason string) {
	if m != nil {
		m.Retries.WithLabelValues(host, reason).Inc()
	}
}

func (m *Metrics) ObserveFetch(host string, seconds float64) {
	if m != nil {
		m.FetchSeconds.WithLabelValues(host).Observe(seconds)
	}
}

func (m *Metrics) IncCache(layer string) {
	if m != nil {
		m.CacheHits.WithLabelValues(layer).Inc()
	}
}

func (m *Metrics) AddRows(pull string, n int) {
	if m != nil {
		m.Rows.WithLabelValues(pull).Add(float64(n))
	}
}

func (m *Metrics) IncPullFailure(pull string) {
	if m != nil {
		m.PullFailures.WithLabelValues(pull).Inc()
	}
}

func (m *Metrics) IncServed(route string, code int) {
	if m != nil {
		m.Served.WithLabelValues(route, strconv.Itoa(code)).Inc()
	}
}
