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

func TestMetrics_Observe(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveEntity("issues", "succeeded", 10, 2)
	m.ObserveEntity("issues", "succeeded", 5, 0)
	m.ObserveRefresh(RefreshFailed)
	m.ObserveRun(3 * time.Second)
	m.ObserveRejectedRun()

	assert.Equal(t, 15.0, testutil.ToFloat64(m.recordsSynced.WithLabelValues("issues")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.recordsSkipped.WithLabelValues("issues")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.entityResults.WithLabelValues("issues", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tokenRefreshes.WithLabelValues(RefreshFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsRejected))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveEntity("issues", "failed", 0, 0)
		m.ObserveRefresh(RefreshSucceeded)
		m.ObserveRun(time.Second)
		m.ObserveRejectedRun()
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveRefresh(RefreshSucceeded)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `jira_mirror_token_refresh_total{result="success"} 1`)
}
