package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	m := New()

	m.ObserveRequest("/extract", http.StatusOK, 20*time.Millisecond)
	m.ObserveRequest("/extract", http.StatusOK, 30*time.Millisecond)
	m.ObserveRequest("/extract", http.StatusBadRequest, time.Millisecond)
	m.CacheEvent("hit")
	m.AddDatasetImages(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("/extract", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("/extract", "400")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheEvents.WithLabelValues("hit")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.datasetImages))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRequest("/x", 200, time.Second)
		m.ObserveInference(time.Second)
		m.ObservePreprocess(time.Second)
		m.CacheEvent("miss")
		m.AddDatasetImages(1)
	})
}

func TestHandlerExposesFamilies(t *testing.T) {
	m := New()
	m.ObserveInference(5 * time.Millisecond)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "featurex_inference_duration_seconds_count 1")
}
