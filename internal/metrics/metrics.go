// Package metrics exposes engine counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/TobiSchelling/smallrss/internal/failure"
)

const namespace = "smallrss"

// Metrics holds the engine's collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	FeedFetches        *prometheus.CounterVec
	FetchDuration      prometheus.Histogram
	ArticlesInserted   prometheus.Counter
	Cycles             prometheus.Counter
	EnrichmentRequests *prometheus.CounterVec
	Admissions         prometheus.Counter
	Resolutions        *prometheus.CounterVec
	QueueDepth         *prometheus.GaugeVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		FeedFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_fetches_total",
			Help:      "Feed fetches by outcome (ok or failure kind)",
		}, []string{"outcome"}),
		FetchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "feed_fetch_duration_seconds",
			Help:      "Time from fetch submission to merge",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		ArticlesInserted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "articles_inserted_total",
			Help:      "Articles stored for the first time",
		}),
		Cycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_cycles_total",
			Help:      "Completed fetch cycles",
		}),
		EnrichmentRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichment_requests_total",
			Help:      "Enrichment requests by path (cached, coalesced, queued, rejected)",
		}, []string{"path"}),
		Admissions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichment_admissions_total",
			Help:      "Lookups released to the enrichment pool",
		}),
		Resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichment_resolutions_total",
			Help:      "Resolved lookups by outcome (ok or failure kind)",
		}, []string{"outcome"}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Pending jobs per queue",
		}, []string{"queue"}),
	}
}

// Outcome turns a failure kind into a label value.
func Outcome(kind failure.Kind) string {
	if kind == "" {
		return "ok"
	}
	return string(kind)
}

// ObserveFetch records one finished feed fetch.
func (m *Metrics) ObserveFetch(kind failure.Kind, took time.Duration) {
	if m == nil {
		return
	}
	m.FeedFetches.WithLabelValues(Outcome(kind)).Inc()
	m.FetchDuration.Observe(took.Seconds())
}

// EnrichmentRequest counts a dispatcher request by path.
func (m *Metrics) EnrichmentRequest(path string) {
	if m == nil {
		return
	}
	m.EnrichmentRequests.WithLabelValues(path).Inc()
}

// Admitted counts one dispatcher admission.
func (m *Metrics) Admitted(string, time.Time) {
	if m == nil {
		return
	}
	m.Admissions.Inc()
}

// Resolved counts one lookup resolution.
func (m *Metrics) Resolved(_ string, kind failure.Kind) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(Outcome(kind)).Inc()
}

// SetQueueDepth sets the pending gauge of a queue.
func (m *Metrics) SetQueueDepth(queue string, n int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue).Set(float64(n))
}
