package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/Shezan57/intelligent-ppe-monitoring/internal/monitor"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/session"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Verification metrics since the last reset.
	JobsSubmitted   int     `json:"jobs_submitted"`
	JobsRejected    int     `json:"jobs_rejected"`
	JobsCompleted   int     `json:"jobs_completed"`
	JobsFailed      int     `json:"jobs_failed"`
	FailureRate     float64 `json:"failure_rate"`
	FastAccuracy    float64 `json:"fast_path_accuracy"`
	PendingJobs     int     `json:"pending_jobs"`
	QueueDepth      int     `json:"queue_depth"`
	AvgLatencyMs    float64 `json:"avg_verification_latency_ms"`
	BypassRate      float64 `json:"bypass_rate"`
	TotalDetections int     `json:"total_detections"`

	// Tracking and storage.
	ActiveTracks   int `json:"active_tracks"`
	ActiveSessions int `json:"active_sessions"`

	CollectedAt time.Time `json:"collected_at"`
}

// Source is the part of the compliance service the monitor drives.
type Source interface {
	Stats() monitor.Stats
	Sweep(ctx context.Context) []session.Closed
	CleanupJobs(maxAge time.Duration) int
}

// Collector gathers metrics from the service and the store.
type Collector struct {
	source  Source
	store   store.Store
	nowFunc func() time.Time
}

// NewCollector creates a new metrics collector. st may be nil.
func NewCollector(src Source, st store.Store) *Collector {
	return &Collector{source: src, store: st, nowFunc: time.Now}
}

// Collect gathers a snapshot of system metrics.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	st := c.source.Stats()
	v := st.Verification
	snap := &MetricsSnapshot{
		JobsSubmitted:   v.JobsSubmitted,
		JobsRejected:    v.JobsRejected,
		JobsCompleted:   v.JobsCompleted,
		JobsFailed:      v.JobsFailed,
		FastAccuracy:    v.FastAccuracy,
		PendingJobs:     st.PendingJobs,
		QueueDepth:      st.QueueDepth,
		AvgLatencyMs:    v.AvgLatencyMs,
		BypassRate:      v.BypassRate,
		TotalDetections: v.TotalDetections,
		ActiveTracks:    st.Tracking.ActiveTracks,
		CollectedAt:     c.nowFunc().UTC(),
	}
	if v.JobsCompleted > 0 {
		snap.FailureRate = float64(v.JobsFailed) / float64(v.JobsCompleted)
	}

	if c.store != nil {
		n, err := c.store.CountSessions(ctx, store.SessionFilter{ActiveOnly: true})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: count active sessions")
		}
		snap.ActiveSessions = n
	}
	return snap, nil
}
