package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics

	m.SetGlobalSlots(1, 10)
	m.SetStageSlots("file-analysis", 1, 5)
	m.ObserveExecution("file-analysis", "success")
	m.ObserveRetry("file-analysis")
	m.ObserveRejection("file-analysis", "tripped")
	m.SetQueueDepth("file-analysis-queue", "waiting", 3)
	m.ObserveEnqueue("file-analysis-queue")
	m.ObserveJobCompleted("file-analysis-queue")
	m.ObserveJobFailed("file-analysis-queue", "retried")
	m.ObserveOutboxPublished(2)
	m.ObserveOutboxFailed()
	m.SetOutboxPending(5)
	m.ObserveCheckpointWrite("FILE_LOADED", time.Millisecond)
	m.ObserveCheckpointInvalidated(3)
	m.SetSystemSample(10, 20, 30, 40, time.Millisecond)
	m.ObserveLLMRequest("success", time.Second)
	assert.Nil(t, m.Registry())
	require.NotNil(t, m.Handler())
}

func TestMetricsCollect(t *testing.T) {
	m := New()

	m.SetGlobalSlots(7, 100)
	m.SetStageSlots("file-analysis", 2, 8)
	m.ObserveExecution("file-analysis", "success")
	m.ObserveExecution("file-analysis", "success")
	m.ObserveExecution("file-analysis", "failure")
	m.ObserveRejection("validation", "rate_limited")
	m.SetQueueDepth("validation-queue", "waiting", 12)
	m.ObserveOutboxPublished(4)
	m.SetSystemSample(55.5, 21, 63, 40, 2*time.Millisecond)

	assert.Equal(t, 7.0, testutil.ToFloat64(m.globalSlotsInUse))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.globalSlotCap))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.stageSlotsInUse.WithLabelValues("file-analysis")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.executions.WithLabelValues("file-analysis", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executions.WithLabelValues("file-analysis", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejections.WithLabelValues("validation", "rate_limited")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("validation-queue", "waiting")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.outboxPublished))
	assert.Equal(t, 55.5, testutil.ToFloat64(m.systemCPU))
}

func TestMetricsHandlerServes(t *testing.T) {
	m := New()
	m.ObserveEnqueue("file-analysis-queue")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "graphsmith_queue_jobs_enqueued_total")
}
