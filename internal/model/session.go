package model

import "time"

// ReportDateLayout is the layout of ViolationSession.ReportDate.
const ReportDateLayout = "2006-01-02"

// ViolationSession is one persisted row per worker violation episode per
// camera per day. Fields are partitioned between the tracker-driven write
// path (occurrence_count, last_seen, total_duration_minutes,
// is_active_session) and the verification reconciliation path (has_helmet,
// has_vest, violation_type, verification_activated, processing_time_ms).
type ViolationSession struct {
	ID     string `json:"id"`
	Site   string `json:"site_location"`
	Camera string `json:"camera_id"`

	// TrackID and DetectedType key the session to the tracker state that
	// produced it. DetectedType never changes after creation.
	TrackID      int           `json:"track_id"`
	DetectedType ViolationType `json:"detected_type"`

	BBox         []float64    `json:"person_bbox"`
	DecisionPath DecisionPath `json:"decision_path"`
	Confidence   float64      `json:"detection_confidence"`

	// Verification-owned fields.
	HasHelmet             bool          `json:"has_helmet"`
	HasVest               bool          `json:"has_vest"`
	ViolationType         ViolationType `json:"violation_type"`
	VerificationActivated bool          `json:"verification_activated"`
	ProcessingTimeMs      float64       `json:"processing_time_ms"`

	OriginalImagePath  string `json:"original_image_path,omitempty"`
	AnnotatedImagePath string `json:"annotated_image_path,omitempty"`

	ReportDate string `json:"report_date"`
	ReportSent bool   `json:"report_sent"`

	// Tracker-owned fields.
	SessionStart         time.Time `json:"session_start"`
	LastSeen             time.Time `json:"last_seen"`
	OccurrenceCount      int       `json:"occurrence_count"`
	TotalDurationMinutes float64   `json:"total_duration_minutes"`
	IsActiveSession      bool      `json:"is_active_session"`

	CreatedAt time.Time `json:"created_at"`
}

// MissingItems lists the PPE items the session's current verdict lacks.
func (s ViolationSession) MissingItems() []string {
	var items []string
	if !s.HasHelmet {
		items = append(items, "helmet")
	}
	if !s.HasVest {
		items = append(items, "vest")
	}
	return items
}

// DurationMinutes is the span between two instants in fractional minutes.
func DurationMinutes(start, end time.Time) float64 {
	if end.Before(start) {
		return 0
	}
	return end.Sub(start).Minutes()
}

// VerificationPatch carries the fields a verification result may overwrite.
type VerificationPatch struct {
	HasHelmet     bool          `json:"has_helmet"`
	HasVest       bool          `json:"has_vest"`
	ViolationType ViolationType `json:"violation_type"`
	LatencyMs     float64       `json:"latency_ms"`
}

// SessionSummary aggregates sessions over a trailing window.
type SessionSummary struct {
	PeriodDays     int            `json:"period_days"`
	TotalSessions  int            `json:"total_sessions"`
	ActiveSessions int            `json:"active_sessions"`
	ByType         map[string]int `json:"by_type"`
	ByCamera       map[string]int `json:"by_camera"`
	DailyTrend     []DailyCount   `json:"daily_trend"`
}

// DailyCount is the number of sessions started on one report date.
type DailyCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// RollupRow is one camera and violation type line of a daily rollup.
type RollupRow struct {
	Camera        string        `json:"camera_id"`
	ViolationType ViolationType `json:"violation_type"`
	Sessions      int           `json:"sessions"`
	Occurrences   int           `json:"occurrences"`
	TotalMinutes  float64       `json:"total_minutes"`
	Verified      int           `json:"verified"`
}
