package monitor

import (
	"context"
	"errors"
	"image"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shezan57/intelligent-ppe-monitoring/internal/events"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/model"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/stats"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/store"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/tracker"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/verify"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

// regionVerifier reports the helmet and vest per its flags and records each region it saw.
type regionVerifier struct {
	mu      sync.Mutex
	regions []model.Region
	helmet  atomic.Bool
	vest    atomic.Bool
}

func (v *regionVerifier) VerifyRegion(_ context.Context, _ image.Image, r model.Region) (verify.Finding, error) {
	v.mu.Lock()
	v.regions = append(v.regions, r)
	v.mu.Unlock()
	found := v.vest.Load()
	if r == model.RegionHead {
		found = v.helmet.Load()
	}
	if found {
		return verify.Finding{Found: true, Confidence: 0.8}, nil
	}
	return verify.Finding{}, nil
}

func (v *regionVerifier) seen() []model.Region {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]model.Region(nil), v.regions...)
}

type fixture struct {
	svc    *Service
	store  store.Store
	events *events.Memory
	stats  *stats.Aggregator
	v      *regionVerifier
}

func newFixture(t *testing.T, verification bool, trackCfg tracker.Config) *fixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "ppe.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	f := &fixture{store: st, events: &events.Memory{}, stats: stats.New(), v: &regionVerifier{}}
	deps := Deps{Store: st, Tracker: tracker.New(trackCfg), Stats: f.stats, Events: f.events}
	if verification {
		deps.Scheduler = verify.New(verify.DefaultConfig(), f.v, verify.WithObserver(f.stats))
	}
	f.svc = New(Config{VerificationEnabled: verification}, deps)
	f.svc.SetClock(func() time.Time { return t0 })
	t.Cleanup(f.svc.Close)
	return f
}

func cooldown(d time.Duration) tracker.Config {
	cfg := tracker.DefaultConfig()
	cfg.Cooldown = d
	cfg.TrackTimeout = time.Hour
	return cfg
}

func frameAt(at time.Duration, persons ...model.Detection) FrameInput {
	return FrameInput{
		Site:    "site-a",
		Camera:  "CAM-001",
		At:      t0.Add(at),
		Frame:   image.NewRGBA(image.Rect(0, 0, 1280, 720)),
		Persons: persons,
		Wait:    5 * time.Second,
	}
}

func person(flags model.PresenceFlags, box ...float64) model.Detection {
	return model.Detection{BBox: box, Confidence: 0.88, Flags: flags}
}

var (
	vestOnly = model.PresenceFlags{Vest: true}
	nothing  = model.PresenceFlags{}
)

func TestProcess_TwoWorkersRouteAndVerify(t *testing.T) {
	f := newFixture(t, true, cooldown(300*time.Second))

	res, err := f.svc.Process(context.Background(), frameAt(0,
		person(vestOnly, 100, 100, 300, 600),
		person(nothing, 800, 100, 1000, 600),
	))
	require.NoError(t, err)
	require.Len(t, res.Persons, 2)

	assert.Equal(t, model.PathRescueHead, res.Persons[0].Path)
	assert.Equal(t, model.PathCritical, res.Persons[1].Path)
	assert.Equal(t, 2, res.Summary.Submitted)
	assert.Equal(t, 2, res.Summary.Violations)
	assert.Equal(t, 2, res.Summary.Stored)
	assert.NotEqual(t, res.Persons[0].TrackID, res.Persons[1].TrackID)

	for _, p := range res.Persons {
		assert.NotEmpty(t, p.JobID)
		assert.NotEmpty(t, p.SessionID)
		require.NotNil(t, p.Verification)
		assert.True(t, p.Verification.FastWasCorrect)
	}

	regions := f.v.seen()
	assert.Len(t, regions, 3)
	assert.ElementsMatch(t, []model.Region{model.RegionHead, model.RegionHead, model.RegionTorso}, regions)
	assert.Equal(t, model.ViolationBothMissing, res.Persons[1].Verification.ViolationType)
	assert.Len(t, f.events.OfKind(events.SessionCreated), 2)
}

func TestProcess_FalsePositiveRefinesSession(t *testing.T) {
	f := newFixture(t, true, cooldown(300*time.Second))
	f.v.helmet.Store(true)
	ctx := context.Background()

	res, err := f.svc.Process(ctx, frameAt(0, person(vestOnly, 100, 100, 300, 600)))
	require.NoError(t, err)
	p := res.Persons[0]
	require.NotNil(t, p.Verification)
	assert.Equal(t, model.CorrectionFalsePositive, p.Verification.Correction())

	f.svc.Close()

	s, err := f.store.GetSession(ctx, p.SessionID)
	require.NoError(t, err)
	assert.True(t, s.HasHelmet)
	assert.True(t, s.HasVest)
	assert.True(t, s.VerificationActivated)
	assert.Equal(t, model.ViolationNone, s.ViolationType)
	assert.Equal(t, model.ViolationNoHelmet, s.DetectedType)
	assert.Equal(t, 1, s.OccurrenceCount)
	assert.True(t, s.IsActiveSession)
	assert.True(t, s.SessionStart.Equal(t0))

	snap := f.stats.Snapshot()
	assert.Equal(t, 1, snap.FalsePositivesCaught)
	assert.Equal(t, 1, snap.JobsCompleted)
	assert.InDelta(t, 0.0, snap.FastAccuracy, 1e-9)

	verified := f.events.OfKind(events.SessionVerified)
	require.Len(t, verified, 1)
	assert.Equal(t, p.SessionID, verified[0].SessionID)
	assert.Equal(t, model.CorrectionFalsePositive, verified[0].Correction)
}

func TestProcess_CooldownJobBindsToActiveSession(t *testing.T) {
	f := newFixture(t, true, cooldown(120*time.Second))
	ctx := context.Background()

	first, err := f.svc.Process(ctx, frameAt(0, person(vestOnly, 100, 100, 300, 600)))
	require.NoError(t, err)
	id := first.Persons[0].SessionID
	require.NotEmpty(t, id)

	f.v.helmet.Store(true)
	second, err := f.svc.Process(ctx, frameAt(60*time.Second, person(vestOnly, 102, 100, 302, 600)))
	require.NoError(t, err)
	p := second.Persons[0]
	assert.Equal(t, tracker.ReasonInCooldown, p.Reason)
	assert.False(t, p.Stored)
	assert.Empty(t, p.SessionID)
	assert.NotEmpty(t, p.JobID)

	third, err := f.svc.Process(ctx, frameAt(130*time.Second, person(vestOnly, 104, 100, 304, 600)))
	require.NoError(t, err)
	assert.Equal(t, id, third.Persons[0].SessionID)

	f.svc.Close()

	s, err := f.store.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, s.OccurrenceCount)
	assert.True(t, s.HasHelmet)
	assert.InDelta(t, 130.0/60.0, s.TotalDurationMinutes, 1e-9)
	assert.Len(t, f.events.OfKind(events.SessionVerified), 3)
}

func TestProcess_VerificationDisabled(t *testing.T) {
	f := newFixture(t, false, cooldown(300*time.Second))

	res, err := f.svc.Process(context.Background(), frameAt(0,
		person(vestOnly, 100, 100, 300, 600),
		person(model.PresenceFlags{Helmet: true, Vest: true}, 800, 100, 1000, 600),
	))
	require.NoError(t, err)
	assert.Equal(t, model.PathFastViolation, res.Persons[0].Path)
	assert.Equal(t, model.PathFastSafe, res.Persons[1].Path)
	assert.Empty(t, res.Persons[0].JobID)
	assert.Equal(t, 2, res.Summary.Bypassed)
	assert.Equal(t, 1, res.Summary.Stored)

	_, err = f.svc.WaitForJob(context.Background(), "x", time.Millisecond)
	assert.ErrorIs(t, err, ErrVerificationDisabled)
	assert.InDelta(t, 100.0, f.svc.Stats().Verification.BypassRate, 1e-9)
}

func TestProcess_NoFrameSkipsVerification(t *testing.T) {
	f := newFixture(t, true, cooldown(300*time.Second))

	in := frameAt(0, person(nothing, 100, 100, 300, 600))
	in.Frame = nil
	res, err := f.svc.Process(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, res.Persons[0].JobID)
	assert.Equal(t, "no frame supplied", res.Persons[0].VerificationError)
	assert.NotEmpty(t, res.Persons[0].SessionID)
}

// brokenStore fails every cycle write.
type brokenStore struct {
	store.Store
}

func (brokenStore) ApplyCycle(context.Context, []store.SessionOp) ([]store.Touched, error) {
	return nil, errors.New("disk I/O error")
}

func TestProcess_PersistenceFailureStillReturnsDetections(t *testing.T) {
	f := newFixture(t, false, cooldown(300*time.Second))
	svc := New(Config{}, Deps{Store: brokenStore{f.store}, Tracker: tracker.New(cooldown(300 * time.Second))})

	res, err := svc.Process(context.Background(), frameAt(0, person(nothing, 100, 100, 300, 600)))
	require.Error(t, err)
	require.NotNil(t, res)
	require.Len(t, res.Persons, 1)
	assert.Equal(t, model.ViolationBothMissing, res.Persons[0].ViolationType)
	assert.True(t, res.Persons[0].Stored)
	assert.Empty(t, res.Persons[0].SessionID)
	assert.Contains(t, res.PersistError, "disk I/O error")
}

func TestSweep_ClosesDepartedWorkers(t *testing.T) {
	cfg := cooldown(300 * time.Second)
	cfg.TrackTimeout = 30 * time.Second
	f := newFixture(t, false, cfg)
	ctx := context.Background()

	res, err := f.svc.Process(ctx, frameAt(0, person(nothing, 100, 100, 300, 600)))
	require.NoError(t, err)

	f.svc.SetClock(func() time.Time { return t0.Add(time.Minute) })
	closed := f.svc.Sweep(ctx)
	require.Len(t, closed, 1)
	assert.Equal(t, 1, closed[0].Count)

	s, err := f.store.GetSession(ctx, res.Persons[0].SessionID)
	require.NoError(t, err)
	assert.False(t, s.IsActiveSession)
	assert.Len(t, f.events.OfKind(events.SessionClosed), 1)
	assert.Zero(t, f.svc.Stats().Tracking.ActiveTracks)
}

func TestReset(t *testing.T) {
	f := newFixture(t, false, cooldown(300*time.Second))
	ctx := context.Background()

	_, err := f.svc.Process(ctx, frameAt(0,
		person(nothing, 100, 100, 300, 600),
		person(vestOnly, 800, 100, 1000, 600),
	))
	require.NoError(t, err)

	n, err := f.svc.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	st := f.svc.Stats()
	assert.Zero(t, st.Tracking.ActiveTracks)
	assert.Zero(t, st.Tracking.TotalViolationsDetected)
	assert.Zero(t, st.Verification.TotalDetections)

	active, err := f.store.CountSessions(ctx, store.SessionFilter{ActiveOnly: true})
	require.NoError(t, err)
	assert.Zero(t, active)

	// Track ids restart, and the new episode gets a fresh session.
	res, err := f.svc.Process(ctx, frameAt(time.Second, person(nothing, 100, 100, 300, 600)))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Persons[0].TrackID)
	assert.Equal(t, tracker.ReasonNewViolation, res.Persons[0].Reason)
}

func TestCloseSessions(t *testing.T) {
	f := newFixture(t, false, cooldown(300*time.Second))
	ctx := context.Background()

	_, err := f.svc.Process(ctx, frameAt(0, person(nothing, 100, 100, 300, 600)))
	require.NoError(t, err)

	n, err := f.svc.CloseSessions(ctx, "site-a", "CAM-001")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.svc.CloseSessions(ctx, "site-a", "CAM-001")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, f.events.OfKind(events.SessionClosed), 1)
}

func TestJobQueries(t *testing.T) {
	f := newFixture(t, true, cooldown(300*time.Second))

	in := frameAt(0, person(nothing, 100, 100, 300, 600))
	in.Wait = 0
	res, err := f.svc.Process(context.Background(), in)
	require.NoError(t, err)
	id := res.Persons[0].JobID
	require.NotEmpty(t, id)

	got, err := f.svc.WaitForJob(context.Background(), id, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)

	cached, ok := f.svc.JobResult(id)
	require.True(t, ok)
	assert.Equal(t, *got, cached)
	assert.Zero(t, f.svc.CleanupJobs(time.Hour))
}

func TestRecover_RestartDoesNotReuseOldSessions(t *testing.T) {
	cfg := cooldown(300 * time.Second)
	cfg.TrackTimeout = 30 * time.Second
	first := newFixture(t, false, cfg)
	ctx := context.Background()

	// Worker A is seen once, then the process stops without a reset.
	res, err := first.svc.Process(ctx, frameAt(0, person(nothing, 100, 100, 300, 600)))
	require.NoError(t, err)
	staleID := res.Persons[0].SessionID

	restarted := New(Config{}, Deps{Store: first.store, Tracker: tracker.New(cfg), Events: first.events})
	restarted.SetClock(func() time.Time { return t0.Add(time.Hour) })
	n, err := restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Worker B on the same camera gets track id 0 again.
	res, err = restarted.Process(ctx, frameAt(time.Hour, person(nothing, 900, 100, 1100, 600)))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Persons[0].TrackID)
	assert.Equal(t, tracker.ReasonNewViolation, res.Persons[0].Reason)

	active, err := first.store.CountSessions(ctx, store.SessionFilter{ActiveOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 1, active)

	restarted.SetClock(func() time.Time { return t0.Add(time.Hour + time.Minute) })
	closed := restarted.Sweep(ctx)
	require.Len(t, closed, 1)
	assert.Equal(t, 1, closed[0].Count)

	stale, err := first.store.GetSession(ctx, staleID)
	require.NoError(t, err)
	assert.False(t, stale.IsActiveSession)
	assert.Zero(t, stale.TotalDurationMinutes)
}

func TestSweep_ReplayedFramesKeepSessions(t *testing.T) {
	cfg := cooldown(300 * time.Second)
	cfg.TrackTimeout = 30 * time.Second
	f := newFixture(t, false, cfg)
	ctx := context.Background()

	// Frames stamped a day in the past arrive in real time.
	wall := t0.Add(24 * time.Hour)
	f.svc.SetClock(func() time.Time { return wall })
	for i := range 4 {
		_, err := f.svc.Process(ctx, frameAt(time.Duration(i)*10*time.Second, person(nothing, 100, 100, 300, 600)))
		require.NoError(t, err)
		wall = wall.Add(10 * time.Second)
		assert.Empty(t, f.svc.Sweep(ctx))
	}

	n, err := f.store.CountSessions(ctx, store.SessionFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
