// Package stats aggregates process-wide routing and verification counters.
package stats

import (
	"sync"

	"github.com/Shezan57/intelligent-ppe-monitoring/internal/model"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/router"
)

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	TotalDetections  int                        `json:"total_detections"`
	Bypassed         int                        `json:"bypassed"`
	BypassRate       float64                    `json:"bypass_rate"`
	PathDistribution map[model.DecisionPath]int `json:"path_distribution"`

	JobsSubmitted int `json:"jobs_submitted"`
	JobsRejected  int `json:"jobs_rejected"`
	JobsCompleted int `json:"jobs_completed"`
	JobsFailed    int `json:"jobs_failed"`

	FalsePositivesCaught int `json:"false_positives_caught"`
	FalseNegativesCaught int `json:"false_negatives_caught"`

	TotalLatencyMs float64 `json:"total_verification_latency_ms"`
	AvgLatencyMs   float64 `json:"avg_verification_latency_ms"`
	// FastAccuracy is the percentage of completed jobs whose fast verdict
	// the slow pass confirmed. 100 when no job has completed.
	FastAccuracy float64 `json:"fast_path_accuracy"`
}

// Aggregator is safe for concurrent use.
type Aggregator struct {
	mu sync.Mutex
	s  Snapshot
}

// New creates an empty Aggregator.
func New() *Aggregator {
	a := &Aggregator{}
	a.s = empty()
	return a
}

func empty() Snapshot {
	paths := make(map[model.DecisionPath]int, len(model.AllPaths))
	for _, p := range model.AllPaths {
		paths[p] = 0
	}
	return Snapshot{PathDistribution: paths}
}

// RecordDecision counts one routed person.
func (a *Aggregator) RecordDecision(d router.Decision) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.s.TotalDetections++
	a.s.PathDistribution[d.Path]++
	if d.Bypassed() {
		a.s.Bypassed++
	}
}

// JobSubmitted counts a queued verification job.
func (a *Aggregator) JobSubmitted() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.s.JobsSubmitted++
}

// JobRejected counts a job refused by a full queue.
func (a *Aggregator) JobRejected() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.s.JobsRejected++
}

// JobCompleted counts a finished job. Fallback results also count as
// failures; they never count as corrections.
func (a *Aggregator) JobCompleted(res model.VerificationResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.s.JobsCompleted++
	a.s.TotalLatencyMs += res.LatencyMs
	if res.Fallback {
		a.s.JobsFailed++
	}
	switch res.Correction() {
	case model.CorrectionFalsePositive:
		a.s.FalsePositivesCaught++
	case model.CorrectionFalseNegative:
		a.s.FalseNegativesCaught++
	}
}

// Snapshot returns the counters with derived rates filled in.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.s
	s.PathDistribution = make(map[model.DecisionPath]int, len(a.s.PathDistribution))
	for k, v := range a.s.PathDistribution {
		s.PathDistribution[k] = v
	}
	s.FastAccuracy = 100
	if s.JobsCompleted > 0 {
		s.AvgLatencyMs = s.TotalLatencyMs / float64(s.JobsCompleted)
		correct := s.JobsCompleted - s.FalsePositivesCaught - s.FalseNegativesCaught
		s.FastAccuracy = float64(correct) / float64(s.JobsCompleted) * 100
	}
	if s.TotalDetections > 0 {
		s.BypassRate = float64(s.Bypassed) / float64(s.TotalDetections) * 100
	}
	return s
}

// Reset zeroes every counter.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.s = empty()
}
