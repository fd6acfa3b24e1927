package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shezan57/intelligent-ppe-monitoring/internal/config"
)

func thresholds() config.MonitoringConfig {
	return config.MonitoringConfig{
		AccuracyThreshold:    80,
		FailureRateThreshold: 0.5,
		QueueBacklog:         48,
		MinCompletedJobs:     10,
	}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(thresholds())

	alerts := a.Evaluate(&MetricsSnapshot{
		JobsCompleted: 100,
		JobsFailed:    5,
		FailureRate:   0.05,
		FastAccuracy:  92,
		QueueDepth:    3,
	})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_AccuracyDrop(t *testing.T) {
	a := NewAlerter(thresholds())

	alerts := a.Evaluate(&MetricsSnapshot{JobsCompleted: 20, FastAccuracy: 65})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertAccuracyDrop, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "65.0%")
}

func TestAlerter_Evaluate_MinimumJobsRequired(t *testing.T) {
	a := NewAlerter(thresholds())

	// Only 3 verified jobs, below the minimum.
	alerts := a.Evaluate(&MetricsSnapshot{
		JobsCompleted: 3,
		JobsFailed:    3,
		FailureRate:   1,
		FastAccuracy:  0,
	})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_VerifierFailing(t *testing.T) {
	a := NewAlerter(thresholds())

	alerts := a.Evaluate(&MetricsSnapshot{
		JobsCompleted: 20,
		JobsFailed:    16,
		FailureRate:   0.8,
		FastAccuracy:  100,
	})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertVerifierFailing, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "80.0%")
}

func TestAlerter_Evaluate_QueueBacklog(t *testing.T) {
	a := NewAlerter(thresholds())

	alerts := a.Evaluate(&MetricsSnapshot{QueueDepth: 50, PendingJobs: 52, FastAccuracy: 100})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertQueueBacklog, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
}

func TestAlerter_Evaluate_RejectedOnlyOnGrowth(t *testing.T) {
	a := NewAlerter(thresholds())

	alerts := a.Evaluate(&MetricsSnapshot{JobsRejected: 4, FastAccuracy: 100})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertJobsRejected, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "4 verification jobs")

	assert.Empty(t, a.Evaluate(&MetricsSnapshot{JobsRejected: 4, FastAccuracy: 100}))

	alerts = a.Evaluate(&MetricsSnapshot{JobsRejected: 6, FastAccuracy: 100})
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0].Message, "2 verification jobs")

	// A stats reset restarts the count.
	assert.Empty(t, a.Evaluate(&MetricsSnapshot{FastAccuracy: 100}))
}

func TestAlerter_Evaluate_MultipleAlerts(t *testing.T) {
	a := NewAlerter(thresholds())

	alerts := a.Evaluate(&MetricsSnapshot{
		JobsCompleted: 20,
		JobsFailed:    15,
		FailureRate:   0.75,
		FastAccuracy:  40,
		QueueDepth:    64,
	})
	types := make(map[AlertType]bool)
	for _, a := range alerts {
		types[a.Type] = true
	}
	assert.Len(t, alerts, 3)
	assert.True(t, types[AlertAccuracyDrop])
	assert.True(t, types[AlertVerifierFailing])
	assert.True(t, types[AlertQueueBacklog])
}

func TestAlerter_Evaluate_DisabledThresholds(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	alerts := a.Evaluate(&MetricsSnapshot{
		JobsCompleted: 100,
		FailureRate:   0.9,
		FastAccuracy:  10,
		QueueDepth:    1000,
	})
	assert.Empty(t, alerts)
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertAccuracyDrop, Severity: "medium", Message: "test alert 1"},
		{Type: AlertQueueBacklog, Severity: "high", Message: "test alert 2"},
	})
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURLLogsOnly(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertAccuracyDrop, Message: "test"}})
	assert.Zero(t, sent)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertQueueBacklog, Message: "test"}})
	assert.Zero(t, sent)
}
