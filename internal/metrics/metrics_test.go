package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.ResultProcessed("success")
	m.ResultProcessed("success")
	m.ResultProcessed("fail")
	m.ResultFailed()
	m.RowsSkipped(3)
	m.RowsSkipped(0)
	m.MergeSource(OutcomeLoaded)
	m.MergeSource(OutcomeFailed)
	m.QueueAdd(2)
	m.QueueAdd(-1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.resultsProcessed.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resultsProcessed.WithLabelValues("fail")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resultsFailed))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.rowsSkipped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mergeSources.WithLabelValues(OutcomeFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queuePending))
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.ResultFailed()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.resultsFailed))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.resultsFailed))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ResultProcessed("success")
		m.ResultFailed()
		m.RowsSkipped(1)
		m.MergeSource(OutcomeLoaded)
		m.QueueAdd(1)
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ResultProcessed("skipped")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `snapreport_results_processed_total{status="skipped"} 1`)
}
