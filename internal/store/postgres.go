package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/Shezan57/intelligent-ppe-monitoring/internal/db"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS violation_sessions (
	id                     TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	site_location          TEXT NOT NULL,
	camera_id              TEXT NOT NULL,
	track_id               INTEGER NOT NULL DEFAULT -1,
	detected_type          TEXT NOT NULL,
	person_bbox            JSONB,
	decision_path          TEXT NOT NULL DEFAULT '',
	detection_confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
	has_helmet             BOOLEAN NOT NULL DEFAULT false,
	has_vest               BOOLEAN NOT NULL DEFAULT false,
	violation_type         TEXT NOT NULL,
	verification_activated BOOLEAN NOT NULL DEFAULT false,
	processing_time_ms     DOUBLE PRECISION NOT NULL DEFAULT 0,
	original_image_path    TEXT NOT NULL DEFAULT '',
	annotated_image_path   TEXT NOT NULL DEFAULT '',
	report_date            TEXT NOT NULL,
	report_sent            BOOLEAN NOT NULL DEFAULT false,
	session_start          TIMESTAMPTZ NOT NULL,
	last_seen              TIMESTAMPTZ NOT NULL,
	occurrence_count       INTEGER NOT NULL DEFAULT 1,
	total_duration_minutes DOUBLE PRECISION NOT NULL DEFAULT 0,
	is_active_session      BOOLEAN NOT NULL DEFAULT true,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sessions_active_key
	ON violation_sessions(site_location, camera_id, track_id, detected_type, report_date, last_seen DESC)
	WHERE is_active_session;
CREATE INDEX IF NOT EXISTS idx_sessions_report_date ON violation_sessions(report_date);
CREATE INDEX IF NOT EXISTS idx_sessions_camera ON violation_sessions(camera_id);
CREATE INDEX IF NOT EXISTS idx_sessions_last_seen ON violation_sessions(last_seen DESC);
`

const pgFindActive = `SELECT ` + sessionColumns + ` FROM violation_sessions
	WHERE site_location = $1 AND camera_id = $2 AND track_id = $3 AND detected_type = $4
	  AND report_date = $5 AND is_active_session = true
	ORDER BY last_seen DESC LIMIT 1`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// ApplyCycle commits every op of one detection cycle in a single
// transaction. Any failure rolls back the whole cycle.
func (s *PostgresStore) ApplyCycle(ctx context.Context, ops []SessionOp) ([]Touched, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	var touched []Touched
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
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
		return nil, eris.Wrap(err, "postgres: apply cycle")
	}
	return touched, nil
}

func (s *PostgresStore) applyOp(ctx context.Context, tx pgx.Tx, op SessionOp) (Touched, error) {
	if op.Kind == OpExtend {
		k := op.Key()
		existing, err := scanSession(tx.QueryRow(ctx, pgFindActive,
			k.Site, k.Camera, k.TrackID, string(k.DetectedType), k.ReportDate,
		))
		switch {
		case err == nil:
			next := extendSession(*existing, op.At)
			_, err := tx.Exec(ctx,
				`UPDATE violation_sessions
				 SET occurrence_count = occurrence_count + 1, last_seen = $1, total_duration_minutes = $2
				 WHERE id = $3`,
				next.LastSeen, next.TotalDurationMinutes, next.ID,
			)
			if err != nil {
				return Touched{}, eris.Wrapf(err, "postgres: extend session %s", next.ID)
			}
			return Touched{Session: next}, nil
		case !errors.Is(err, pgx.ErrNoRows):
			return Touched{}, eris.Wrap(err, "postgres: find active session")
		}
	}

	created := newSession(op.Session, op.At)
	args, err := insertArgs(created)
	if err != nil {
		return Touched{}, eris.Wrap(err, "postgres: create session")
	}
	if _, err := tx.Exec(ctx, insertSQL(dollar), args...); err != nil {
		return Touched{}, eris.Wrap(err, "postgres: create session")
	}
	return Touched{Session: created, Created: true}, nil
}

// ApplyVerification overwrites the verification-owned fields of a session.
// Closed sessions stay closed.
func (s *PostgresStore) ApplyVerification(ctx context.Context, id string, patch model.VerificationPatch) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE violation_sessions
		 SET has_helmet = $1, has_vest = $2, violation_type = $3, verification_activated = true,
		     processing_time_ms = processing_time_ms + $4
		 WHERE id = $5`,
		patch.HasHelmet, patch.HasVest, string(patch.ViolationType), patch.LatencyMs, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: apply verification %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: apply verification %s", id)
	}
	return nil
}

// CloseSessions deactivates every active session under the filter and
// finalises its duration. Already closed sessions are untouched.
func (s *PostgresStore) CloseSessions(ctx context.Context, filter CloseFilter, at time.Time) (int, error) {
	closed := 0
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		query, args := buildClose(filter, dollar)
		rows, err := tx.Query(ctx, query+" FOR UPDATE", args...)
		if err != nil {
			return eris.Wrap(err, "select active")
		}
		var candidates []closeCandidate
		for rows.Next() {
			var c closeCandidate
			if err := rows.Scan(&c.id, &c.start, &c.lastSeen); err != nil {
				rows.Close()
				return eris.Wrap(err, "scan active")
			}
			candidates = append(candidates, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return eris.Wrap(err, "iterate active")
		}

		for _, c := range candidates {
			tag, err := tx.Exec(ctx,
				`UPDATE violation_sessions SET is_active_session = false, total_duration_minutes = $1
				 WHERE id = $2 AND is_active_session = true`,
				closedDuration(c.start, c.lastSeen, at), c.id,
			)
			if err != nil {
				return eris.Wrapf(err, "close session %s", c.id)
			}
			closed += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, eris.Wrap(err, "postgres: close sessions")
	}
	return closed, nil
}

func (s *PostgresStore) MarkReported(ctx context.Context, reportDate string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE violation_sessions SET report_sent = true WHERE report_date = $1 AND report_sent = false`,
		reportDate,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: mark reported %s", reportDate)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.ViolationSession, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM violation_sessions WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get session %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get session %s", id)
	}
	return sess, nil
}

// FindActiveSession returns nil when the key has no active session.
func (s *PostgresStore) FindActiveSession(ctx context.Context, key SessionKey) (*model.ViolationSession, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx, pgFindActive,
		key.Site, key.Camera, key.TrackID, string(key.DetectedType), key.ReportDate,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find active session")
	}
	return sess, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.ViolationSession, error) {
	query, args := buildList(filter, dollar)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sessions")
	}
	defer rows.Close()

	var sessions []model.ViolationSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan session")
		}
		sessions = append(sessions, *sess)
	}
	return sessions, eris.Wrap(rows.Err(), "postgres: list sessions iterate")
}

func (s *PostgresStore) CountSessions(ctx context.Context, filter SessionFilter) (int, error) {
	where, args := buildWhere(filter, dollar)
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM violation_sessions`+where, args...).Scan(&n)
	return n, eris.Wrap(err, "postgres: count sessions")
}

func (s *PostgresStore) Summarize(ctx context.Context, since string) (*model.SessionSummary, error) {
	sum := newSummary()

	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE is_active_session)
		 FROM violation_sessions WHERE report_date >= $1`, since,
	).Scan(&sum.TotalSessions, &sum.ActiveSessions)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: summarize totals")
	}

	if err := s.countBy(ctx, "violation_type", since, sum.ByType); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "camera_id", since, sum.ByCamera); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT report_date, COUNT(*) FROM violation_sessions
		 WHERE report_date >= $1 GROUP BY report_date ORDER BY report_date`, since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: summarize trend")
	}
	defer rows.Close()
	for rows.Next() {
		var d model.DailyCount
		if err := rows.Scan(&d.Date, &d.Count); err != nil {
			return nil, eris.Wrap(err, "postgres: scan trend")
		}
		sum.DailyTrend = append(sum.DailyTrend, d)
	}
	return sum, eris.Wrap(rows.Err(), "postgres: summarize trend iterate")
}

// countBy groups sessions since a date by one of two fixed columns.
func (s *PostgresStore) countBy(ctx context.Context, column, since string, into map[string]int) error {
	rows, err := s.pool.Query(ctx,
		`SELECT `+column+`, COUNT(*) FROM violation_sessions WHERE report_date >= $1 GROUP BY `+column, since,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: summarize by %s", column)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return eris.Wrapf(err, "postgres: scan %s count", column)
		}
		into[key] = n
	}
	return eris.Wrapf(rows.Err(), "postgres: summarize by %s iterate", column)
}

// DailyRollup aggregates one day's sessions, leaving out those verified safe.
func (s *PostgresStore) DailyRollup(ctx context.Context, reportDate string) ([]model.RollupRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT camera_id, violation_type, COUNT(*), COALESCE(SUM(occurrence_count), 0),
		        COALESCE(SUM(total_duration_minutes), 0), COUNT(*) FILTER (WHERE verification_activated)
		 FROM violation_sessions
		 WHERE report_date = $1 AND violation_type <> 'none'
		 GROUP BY camera_id, violation_type
		 ORDER BY camera_id, violation_type`, reportDate,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: daily rollup")
	}
	defer rows.Close()

	var out []model.RollupRow
	for rows.Next() {
		var r model.RollupRow
		var vtype string
		if err := rows.Scan(&r.Camera, &vtype, &r.Sessions, &r.Occurrences, &r.TotalMinutes, &r.Verified); err != nil {
			return nil, eris.Wrap(err, "postgres: scan rollup")
		}
		r.ViolationType = model.ViolationType(vtype)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: daily rollup iterate")
}
