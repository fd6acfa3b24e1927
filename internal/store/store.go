package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/Shezan57/intelligent-ppe-monitoring/internal/model"
)

// ErrNotFound is returned when a session id does not exist.
var ErrNotFound = eris.New("session not found")

// OpKind is the kind of a SessionOp.
type OpKind string

const (
	// OpCreate inserts a new active session.
	OpCreate OpKind = "create"
	// OpExtend bumps the most recently seen active session for the op's
	// key, creating one when none exists.
	OpExtend OpKind = "extend"
)

// SessionOp is one write produced by a detection cycle.
type SessionOp struct {
	Kind OpKind
	// Session is the template for a create. For an extend only the key
	// fields (site, camera, track, detected type) are read, the rest seeds
	// the fallback create.
	Session model.ViolationSession
	At      time.Time
}

// Key returns the active-session lookup key of the op.
func (op SessionOp) Key() SessionKey {
	return SessionKey{
		Site:         op.Session.Site,
		Camera:       op.Session.Camera,
		TrackID:      op.Session.TrackID,
		DetectedType: op.Session.DetectedType,
		ReportDate:   op.At.Format(model.ReportDateLayout),
	}
}

// SessionKey identifies the active session of one tracked worker episode.
type SessionKey struct {
	Site         string
	Camera       string
	TrackID      int
	DetectedType model.ViolationType
	ReportDate   string
}

// Touched is a session created or extended by ApplyCycle.
type Touched struct {
	Session model.ViolationSession
	Created bool
}

// CloseFilter narrows CloseSessions. Empty fields match everything.
type CloseFilter struct {
	Site    string
	Camera  string
	TrackID *int
}

// Track is a helper for CloseFilter.TrackID.
func Track(id int) *int { return &id }

// SessionFilter specifies criteria for listing sessions.
type SessionFilter struct {
	StartDate     string `json:"start_date,omitempty"`
	EndDate       string `json:"end_date,omitempty"`
	ViolationType string `json:"violation_type,omitempty"`
	Site          string `json:"site_location,omitempty"`
	Camera        string `json:"camera_id,omitempty"`
	ActiveOnly    bool   `json:"active_only,omitempty"`
	Limit         int    `json:"limit,omitempty"`
	Offset        int    `json:"offset,omitempty"`
}

// Store persists violation sessions.
type Store interface {
	// Write path
	ApplyCycle(ctx context.Context, ops []SessionOp) ([]Touched, error)
	ApplyVerification(ctx context.Context, id string, patch model.VerificationPatch) error
	CloseSessions(ctx context.Context, filter CloseFilter, at time.Time) (int, error)
	MarkReported(ctx context.Context, reportDate string) (int, error)

	// Read path
	GetSession(ctx context.Context, id string) (*model.ViolationSession, error)
	FindActiveSession(ctx context.Context, key SessionKey) (*model.ViolationSession, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]model.ViolationSession, error)
	CountSessions(ctx context.Context, filter SessionFilter) (int, error)
	Summarize(ctx context.Context, since string) (*model.SessionSummary, error)
	DailyRollup(ctx context.Context, reportDate string) ([]model.RollupRow, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

const sessionColumns = `id, site_location, camera_id, track_id, detected_type, person_bbox,
	decision_path, detection_confidence, has_helmet, has_vest, violation_type,
	verification_activated, processing_time_ms, original_image_path, annotated_image_path,
	report_date, report_sent, session_start, last_seen, occurrence_count,
	total_duration_minutes, is_active_session, created_at`

// placeholder renders the n-th (1-based) bind parameter of a dialect.
type placeholder func(n int) string

func dollar(n int) string { return fmt.Sprintf("$%d", n) }
func question(int) string { return "?" }

// newSession fills the server-side fields of a fresh session.
func newSession(tmpl model.ViolationSession, at time.Time) model.ViolationSession {
	s := tmpl
	s.ID = uuid.New().String()
	s.ReportDate = at.Format(model.ReportDateLayout)
	s.ReportSent = false
	s.SessionStart = at.UTC()
	s.LastSeen = at.UTC()
	s.OccurrenceCount = 1
	s.TotalDurationMinutes = 0
	s.IsActiveSession = true
	s.CreatedAt = time.Now().UTC()
	if s.ViolationType == "" {
		s.ViolationType = s.DetectedType
	}
	return s
}

// extendSession returns s after one accepted re-detection at at.
func extendSession(s model.ViolationSession, at time.Time) model.ViolationSession {
	s.OccurrenceCount++
	if at.After(s.LastSeen) {
		s.LastSeen = at.UTC()
	}
	s.TotalDurationMinutes = model.DurationMinutes(s.SessionStart, s.LastSeen)
	return s
}

// closedDuration is the final duration of a session closed at at.
func closedDuration(start, lastSeen, at time.Time) float64 {
	end := at
	if lastSeen.After(end) {
		end = lastSeen
	}
	return model.DurationMinutes(start, end)
}

func insertArgs(s model.ViolationSession) ([]any, error) {
	bbox, err := json.Marshal(s.BBox)
	if err != nil {
		return nil, eris.Wrap(err, "marshal bbox")
	}
	return []any{
		s.ID, s.Site, s.Camera, s.TrackID, string(s.DetectedType), bbox,
		string(s.DecisionPath), s.Confidence, s.HasHelmet, s.HasVest, string(s.ViolationType),
		s.VerificationActivated, s.ProcessingTimeMs, s.OriginalImagePath, s.AnnotatedImagePath,
		s.ReportDate, s.ReportSent, s.SessionStart, s.LastSeen, s.OccurrenceCount,
		s.TotalDurationMinutes, s.IsActiveSession, s.CreatedAt,
	}, nil
}

func insertSQL(ph placeholder) string {
	marks := make([]string, 23)
	for i := range marks {
		marks[i] = ph(i + 1)
	}
	return `INSERT INTO violation_sessions (` + sessionColumns + `) VALUES (` + strings.Join(marks, ", ") + `)`
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*model.ViolationSession, error) {
	var s model.ViolationSession
	var bbox []byte
	var detected, path, vtype string

	err := row.Scan(
		&s.ID, &s.Site, &s.Camera, &s.TrackID, &detected, &bbox,
		&path, &s.Confidence, &s.HasHelmet, &s.HasVest, &vtype,
		&s.VerificationActivated, &s.ProcessingTimeMs, &s.OriginalImagePath, &s.AnnotatedImagePath,
		&s.ReportDate, &s.ReportSent, &s.SessionStart, &s.LastSeen, &s.OccurrenceCount,
		&s.TotalDurationMinutes, &s.IsActiveSession, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.DetectedType = model.ViolationType(detected)
	s.DecisionPath = model.DecisionPath(path)
	s.ViolationType = model.ViolationType(vtype)
	if len(bbox) > 0 {
		if err := json.Unmarshal(bbox, &s.BBox); err != nil {
			return nil, eris.Wrap(err, "unmarshal bbox")
		}
	}
	return &s, nil
}

// buildWhere renders the WHERE clause of a SessionFilter.
func buildWhere(filter SessionFilter, ph placeholder) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, ph(len(args))))
	}

	if filter.StartDate != "" {
		add("report_date >= %s", filter.StartDate)
	}
	if filter.EndDate != "" {
		add("report_date <= %s", filter.EndDate)
	}
	if filter.ViolationType != "" {
		add("violation_type = %s", filter.ViolationType)
	}
	if filter.Site != "" {
		add("site_location = %s", filter.Site)
	}
	if filter.Camera != "" {
		add("camera_id = %s", filter.Camera)
	}
	if filter.ActiveOnly {
		add("is_active_session = %s", true)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// buildList renders the list query of a SessionFilter, newest first.
func buildList(filter SessionFilter, ph placeholder) (string, []any) {
	where, args := buildWhere(filter, ph)
	query := `SELECT ` + sessionColumns + ` FROM violation_sessions` + where + ` ORDER BY last_seen DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	args = append(args, limit)
	query += " LIMIT " + ph(len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += " OFFSET " + ph(len(args))
	}
	return query, args
}

// buildClose renders the active-session selection of a CloseFilter.
func buildClose(filter CloseFilter, ph placeholder) (string, []any) {
	args := []any{true}
	query := `SELECT id, session_start, last_seen FROM violation_sessions WHERE is_active_session = ` + ph(1)
	if filter.Site != "" {
		args = append(args, filter.Site)
		query += " AND site_location = " + ph(len(args))
	}
	if filter.Camera != "" {
		args = append(args, filter.Camera)
		query += " AND camera_id = " + ph(len(args))
	}
	if filter.TrackID != nil {
		args = append(args, *filter.TrackID)
		query += " AND track_id = " + ph(len(args))
	}
	return query, args
}

type closeCandidate struct {
	id       string
	start    time.Time
	lastSeen time.Time
}

func newSummary() *model.SessionSummary {
	return &model.SessionSummary{
		ByType:     map[string]int{},
		ByCamera:   map[string]int{},
		DailyTrend: []model.DailyCount{},
	}
}
