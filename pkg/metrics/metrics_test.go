package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	recorder := httptest.NewRecorder()
	m.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(recorder.Result().Body)
	require.NoError(t, err)
	return string(body)
}

func TestCollectorsExposeValues(t *testing.T) {
	m := New()

	m.TaskCreated()
	m.TaskCreated()
	m.TaskStarted()
	m.TaskCompleted(1.5)
	m.TaskStarted()
	m.TaskFailed()
	m.CallbackSent(200)
	m.CallbackSent(0)
	m.SetPoolStats(2, 1)

	body := scrape(t, m)
	assert.Contains(t, body, "asr_tasks_created_total 2")
	assert.Contains(t, body, "asr_tasks_completed_total 1")
	assert.Contains(t, body, "asr_tasks_failed_total 1")
	assert.Contains(t, body, `asr_callbacks_sent_total{status="200"} 1`)
	assert.Contains(t, body, `asr_callbacks_sent_total{status="0"} 1`)
	assert.Contains(t, body, "asr_pool_size 2")
	assert.Contains(t, body, "asr_pool_available 1")
	assert.Contains(t, body, "asr_tasks_processing 0")
	assert.Contains(t, body, "asr_task_processing_seconds_count 1")
}

func TestRepeatedConstructionDoesNotCollide(t *testing.T) {
	require.NotPanics(t, func() {
		New()
		New()
	})
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.TaskCreated()
		m.TaskStarted()
		m.TaskCompleted(1)
		m.TaskFailed()
		m.CallbackSent(200)
		m.SetPoolStats(1, 1)
	})
}
