package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.SyncAttempts.WithLabelValues("trendyol", "success").Inc()
	m.DeliveryAttempts.WithLabelValues("permanent_failure").Add(2)
	m.CircuitBreaks.Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncAttempts.WithLabelValues("trendyol", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DeliveryAttempts.WithLabelValues("permanent_failure")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "meschain_circuit_breaks_total 1")
	assert.Contains(t, rec.Body.String(), `meschain_sync_attempts_total{marketplace="trendyol",outcome="success"} 1`)
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.CircuitBreaks.Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.CircuitBreaks))
}
