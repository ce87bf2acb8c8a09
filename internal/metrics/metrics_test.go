package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	return string(body)
}

func TestNew(t *testing.T) {
	m := New(prometheus.NewRegistry())

	require.NotNil(t, m)
	assert.NotNil(t, m.ScheduledJobs)
	assert.NotNil(t, m.FiringsTotal)
	assert.NotNil(t, m.FiringsSkipped)
	assert.NotNil(t, m.AlertsTotal)
	assert.NotNil(t, m.WebhookRequestsTotal)
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}

func TestRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetScheduledJobs(3)
	m.RecordFiring("api", "fail", 0.25)
	m.RecordFiring("api", "fail", 0.5)
	m.RecordSkipped("sql")
	m.RecordAlert("suppressed")
	m.RecordAlert("")
	m.RecordWebhook("push", "ok")
	m.RecordHTTPRequest("GET", "/api/v1/jobs", "200", 0.01)

	out := scrape(t, reg)
	assert.Contains(t, out, "moniwatch_scheduled_jobs 3")
	assert.Contains(t, out, `moniwatch_firings_total{kind="api",status="fail"} 2`)
	assert.Contains(t, out, `moniwatch_firings_skipped_total{kind="sql"} 1`)
	assert.Contains(t, out, `moniwatch_alerts_total{outcome="suppressed"} 1`)
	assert.Contains(t, out, `moniwatch_webhook_requests_total{result="ok",route="push"} 1`)
	assert.Contains(t, out, `moniwatch_firing_duration_seconds_count{kind="api"} 2`)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetScheduledJobs(1)
		m.RecordFiring("api", "success", 1)
		m.RecordSkipped("api")
		m.RecordAlert("sent")
		m.RecordWebhook("cb", "error")
		m.RecordHTTPRequest("GET", "/", "200", 0)
	})
}

func TestHandler(t *testing.T) {
	handler := Handler()
	require.NotNil(t, handler)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
