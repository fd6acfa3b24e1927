package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Shezan57/intelligent-ppe-monitoring/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertAccuracyDrop    AlertType = "fast_path_accuracy_drop"
	AlertVerifierFailing AlertType = "verifier_failure_rate"
	AlertQueueBacklog    AlertType = "verification_queue_backlog"
	AlertJobsRejected    AlertType = "verification_jobs_rejected"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	// rejected is the JobsRejected count seen by the previous Evaluate.
	rejected int
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
// It is not safe for concurrent use.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := snap.CollectedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	enough := snap.JobsCompleted >= a.cfg.MinCompletedJobs

	if enough && a.cfg.AccuracyThreshold > 0 && snap.FastAccuracy < a.cfg.AccuracyThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertAccuracyDrop,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Fast path accuracy %.1f%% below threshold %.1f%% (%d verified jobs)",
				snap.FastAccuracy, a.cfg.AccuracyThreshold, snap.JobsCompleted,
			),
			Details: map[string]any{
				"fast_path_accuracy": snap.FastAccuracy,
				"threshold":          a.cfg.AccuracyThreshold,
				"jobs_completed":     snap.JobsCompleted,
			},
			Timestamp: now,
		})
	}

	if enough && a.cfg.FailureRateThreshold > 0 && snap.FailureRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertVerifierFailing,
			Severity: "high",
			Message: fmt.Sprintf(
				"Verifier failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d completed)",
				snap.FailureRate*100, a.cfg.FailureRateThreshold*100,
				snap.JobsFailed, snap.JobsCompleted,
			),
			Details: map[string]any{
				"failure_rate": snap.FailureRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.JobsFailed,
			},
			Timestamp: now,
		})
	}

	if a.cfg.QueueBacklog > 0 && snap.QueueDepth >= a.cfg.QueueBacklog {
		alerts = append(alerts, Alert{
			Type:     AlertQueueBacklog,
			Severity: "high",
			Message: fmt.Sprintf(
				"Verification queue holds %d jobs (threshold %d, %d pending)",
				snap.QueueDepth, a.cfg.QueueBacklog, snap.PendingJobs,
			),
			Details: map[string]any{
				"queue_depth":  snap.QueueDepth,
				"threshold":    a.cfg.QueueBacklog,
				"pending_jobs": snap.PendingJobs,
			},
			Timestamp: now,
		})
	}

	// Counters restart on reset; only growth since the last check alerts.
	if snap.JobsRejected > a.rejected {
		alerts = append(alerts, Alert{
			Type:     AlertJobsRejected,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d verification jobs rejected by a full queue since the last check",
				snap.JobsRejected-a.rejected,
			),
			Details: map[string]any{
				"rejected_total": snap.JobsRejected,
			},
			Timestamp: now,
		})
	}
	a.rejected = snap.JobsRejected

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL, or logs them
// when none is set. Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if len(alerts) == 0 {
		return 0
	}
	if a.cfg.WebhookURL == "" {
		for _, alert := range alerts {
			zap.L().Warn("monitoring: alert",
				zap.String("type", string(alert.Type)),
				zap.String("severity", alert.Severity),
				zap.String("message", alert.Message),
			)
		}
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
