package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/TobiSchelling/smallrss/internal/failure"
)

func TestCounters(t *testing.T) {
	m := New()

	m.ObserveFetch("", 100*time.Millisecond)
	m.ObserveFetch(failure.KindParse, time.Second)
	m.EnrichmentRequest("coalesced")
	m.Admitted("inception", time.Now())
	m.Resolved("inception", failure.KindNotFound)
	m.SetQueueDepth("enrichment", 3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FeedFetches.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FeedFetches.WithLabelValues("parse")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EnrichmentRequests.WithLabelValues("coalesced")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Admissions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Resolutions.WithLabelValues("not-found")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues("enrichment")))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveFetch("", time.Second)
		m.EnrichmentRequest("queued")
		m.Admitted("x", time.Now())
		m.Resolved("x", "")
		m.SetQueueDepth("fetch", 1)
	})
}
