package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/Shezan57/intelligent-ppe-monitoring/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// A single writer keeps cycle transactions from tripping SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS violation_sessions (
	id                     TEXT PRIMARY KEY,
	site_location          TEXT NOT NULL,
	camera_id              TEXT NOT NULL,
	track_id               INTEGER NOT NULL DEFAULT -1,
	detected_type          TEXT NOT NULL,
	person_bbox            TEXT,
	decision_path          TEXT NOT NULL DEFAULT '',
	detection_confidence   REAL NOT NULL DEFAULT 0,
	has_helmet             BOOLEAN NOT NULL DEFAULT 0,
	has_vest               BOOLEAN NOT NULL DEFAULT 0,
	violation_type         TEXT NOT NULL,
	verification_activated BOOLEAN NOT NULL DEFAULT 0,
	processing_time_ms     REAL NOT NULL DEFAULT 0,
	original_image_path    TEXT NOT NULL DEFAULT '',
	annotated_image_path   TEXT NOT NULL DEFAULT '',
	report_date            TEXT NOT NULL,
	report_sent            BOOLEAN NOT NULL DEFAULT 0,
	session_start          DATETIME NOT NULL,
	last_seen              DATETIME NOT NULL,
	occurrence_count       INTEGER NOT NULL DEFAULT 1,
	total_duration_minutes REAL NOT NULL DEFAULT 0,
	is_active_session      BOOLEAN NOT NULL DEFAULT 1,
	created_at             DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_sessions_active_key
	ON violation_sessions(site_location, camera_id, track_id, detected_type, report_date, is_active_session);
CREATE INDEX IF NOT EXISTS idx_sessions_report_date ON violation_sessions(report_date);
CREATE INDEX IF NOT EXISTS idx_sessions_camera ON violation_sessions(camera_id);
CREATE INDEX IF NOT EXISTS idx_sessions_last_seen ON violation_sessions(last_seen);
`

const sqliteFindActive = `SELECT ` + sessionColumns + ` FROM violation_sessions
	WHERE site_location = ? AND camera_id = ? AND track_id = ? AND detected_type = ?
	  AND report_date = ? AND is_active_session = 1
	ORDER BY last_seen DESC LIMIT 1`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction, rolling back on error.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "commit tx")
}

// ApplyCycle commits every op of one detection cycle in a single
// transaction. Any failure rolls back the whole cycle.
func (s *SQLiteStore) ApplyCycle(ctx context.Context, ops []SessionOp) ([]Touched, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	var touched []Touched
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, op := range ops {
			t, err := s.applyOp(ctx, tx, op)
			if err != nil {
				return err
			}
			touched = append(touched, t)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: apply cycle")
	}
	return touched, nil
}

func (s *SQLiteStore) applyOp(ctx context.Context, tx *sql.Tx, op SessionOp) (Touched, error) {
	if op.Kind == OpExtend {
		k := op.Key()
		existing, err := scanSession(tx.QueryRowContext(ctx, sqliteFindActive,
			k.Site, k.Camera, k.TrackID, string(k.DetectedType), k.ReportDate,
		))
		switch {
		case err == nil:
			next := extendSession(*existing, op.At)
			_, err := tx.ExecContext(ctx,
				`UPDATE violation_sessions
				 SET occurrence_count = occurrence_count + 1, last_seen = ?, total_duration_minutes = ?
				 WHERE id = ?`,
				next.LastSeen, next.TotalDurationMinutes, next.ID,
			)
			if err != nil {
				return Touched{}, eris.Wrapf(err, "sqlite: extend session %s", next.ID)
			}
			return Touched{Session: next}, nil
		case !errors.Is(err, sql.ErrNoRows):
			return Touched{}, eris.Wrap(err, "sqlite: find active session")
		}
	}

	created := newSession(op.Session, op.At)
	args, err := insertArgs(created)
	if err != nil {
		return Touched{}, eris.Wrap(err, "sqlite: create session")
	}
	// JSON is stored as TEXT.
	args[5] = string(args[5].([]byte))
	if _, err := tx.ExecContext(ctx, insertSQL(question), args...); err != nil {
		return Touched{}, eris.Wrap(err, "sqlite: create session")
	}
	return Touched{Session: created, Created: true}, nil
}

// ApplyVerification overwrites the verification-owned fields of a session.
// Closed sessions stay closed.
func (s *SQLiteStore) ApplyVerification(ctx context.Context, id string, patch model.VerificationPatch) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE violation_sessions
		 SET has_helmet = ?, has_vest = ?, violation_type = ?, verification_activated = 1,
		     processing_time_ms = processing_time_ms + ?
		 WHERE id = ?`,
		patch.HasHelmet, patch.HasVest, string(patch.ViolationType), patch.LatencyMs, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: apply verification %s", id)
	}
	return checkRowsAffected(res, id)
}

// CloseSessions deactivates every active session under the filter and
// finalises its duration. Already closed sessions are untouched.
func (s *SQLiteStore) CloseSessions(ctx context.Context, filter CloseFilter, at time.Time) (int, error) {
	closed := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query, args := buildClose(filter, question)
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return eris.Wrap(err, "select active")
		}
		var candidates []closeCandidate
		for rows.Next() {
			var c closeCandidate
			if err := rows.Scan(&c.id, &c.start, &c.lastSeen); err != nil {
				rows.Close() //nolint:errcheck
				return eris.Wrap(err, "scan active")
			}
			candidates = append(candidates, c)
		}
		rows.Close() //nolint:errcheck
		if err := rows.Err(); err != nil {
			return eris.Wrap(err, "iterate active")
		}

		for _, c := range candidates {
			res, err := tx.ExecContext(ctx,
				`UPDATE violation_sessions SET is_active_session = 0, total_duration_minutes = ?
				 WHERE id = ? AND is_active_session = 1`,
				closedDuration(c.start, c.lastSeen, at), c.id,
			)
			if err != nil {
				return eris.Wrapf(err, "close session %s", c.id)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return eris.Wrap(err, "rows affected")
			}
			closed += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: close sessions")
	}
	return closed, nil
}

func (s *SQLiteStore) MarkReported(ctx context.Context, reportDate string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE violation_sessions SET report_sent = 1 WHERE report_date = ? AND report_sent = 0`,
		reportDate,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: mark reported %s", reportDate)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.ViolationSession, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM violation_sessions WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get session %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get session %s", id)
	}
	return sess, nil
}

// FindActiveSession returns nil when the key has no active session.
func (s *SQLiteStore) FindActiveSession(ctx context.Context, key SessionKey) (*model.ViolationSession, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, sqliteFindActive,
		key.Site, key.Camera, key.TrackID, string(key.DetectedType), key.ReportDate,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find active session")
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.ViolationSession, error) {
	query, args := buildList(filter, question)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sessions")
	}
	defer rows.Close() //nolint:errcheck

	var sessions []model.ViolationSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan session")
		}
		sessions = append(sessions, *sess)
	}
	return sessions, eris.Wrap(rows.Err(), "sqlite: list sessions iterate")
}

func (s *SQLiteStore) CountSessions(ctx context.Context, filter SessionFilter) (int, error) {
	where, args := buildWhere(filter, question)
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM violation_sessions`+where, args...).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count sessions")
}

func (s *SQLiteStore) Summarize(ctx context.Context, since string) (*model.SessionSummary, error) {
	sum := newSummary()

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN is_active_session THEN 1 ELSE 0 END), 0)
		 FROM violation_sessions WHERE report_date >= ?`, since,
	).Scan(&sum.TotalSessions, &sum.ActiveSessions)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: summarize totals")
	}

	if err := s.countBy(ctx, "violation_type", since, sum.ByType); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "camera_id", since, sum.ByCamera); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT report_date, COUNT(*) FROM violation_sessions
		 WHERE report_date >= ? GROUP BY report_date ORDER BY report_date`, since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: summarize trend")
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		var d model.DailyCount
		if err := rows.Scan(&d.Date, &d.Count); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan trend")
		}
		sum.DailyTrend = append(sum.DailyTrend, d)
	}
	return sum, eris.Wrap(rows.Err(), "sqlite: summarize trend iterate")
}

func (s *SQLiteStore) countBy(ctx context.Context, column, since string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+column+`, COUNT(*) FROM violation_sessions WHERE report_date >= ? GROUP BY `+column, since,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: summarize by %s", column)
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return eris.Wrapf(err, "sqlite: scan %s count", column)
		}
		into[key] = n
	}
	return eris.Wrapf(rows.Err(), "sqlite: summarize by %s iterate", column)
}

// DailyRollup aggregates one day's sessions, leaving out those verified safe.
func (s *SQLiteStore) DailyRollup(ctx context.Context, reportDate string) ([]model.RollupRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT camera_id, violation_type, COUNT(*), COALESCE(SUM(occurrence_count), 0),
		        COALESCE(SUM(total_duration_minutes), 0.0),
		        COALESCE(SUM(CASE WHEN verification_activated THEN 1 ELSE 0 END), 0)
		 FROM violation_sessions
		 WHERE report_date = ? AND violation_type <> 'none'
		 GROUP BY camera_id, violation_type
		 ORDER BY camera_id, violation_type`, reportDate,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: daily rollup")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.RollupRow
	for rows.Next() {
		var r model.RollupRow
		var vtype string
		if err := rows.Scan(&r.Camera, &vtype, &r.Sessions, &r.Occurrences, &r.TotalMinutes, &r.Verified); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan rollup")
		}
		r.ViolationType = model.ViolationType(vtype)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: daily rollup iterate")
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "session %s", id)
	}
	return nil
}
