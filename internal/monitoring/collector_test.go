package monitoring

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shezan57/intelligent-ppe-monitoring/internal/model"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/monitor"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/session"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/stats"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/store"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/tracker"
)

// fakeSource implements Source for testing.
type fakeSource struct {
	mu       sync.Mutex
	stats    monitor.Stats
	sweeps   int
	cleanups []time.Duration
}

func (f *fakeSource) Stats() monitor.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeSource) Sweep(context.Context) []session.Closed {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return nil
}

func (f *fakeSource) CleanupJobs(maxAge time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups = append(f.cleanups, maxAge)
	return 0
}

func (f *fakeSource) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sweeps, len(f.cleanups)
}

func newStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "monitoring.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestCollector_Empty(t *testing.T) {
	c := NewCollector(&fakeSource{}, nil)

	snap, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Zero(t, snap.JobsCompleted)
	assert.Zero(t, snap.FailureRate)
	assert.Zero(t, snap.ActiveSessions)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestCollector_Metrics(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	_, err := st.ApplyCycle(ctx, []store.SessionOp{
		{Kind: store.OpCreate, At: at, Session: model.ViolationSession{
			Site: "site-a", Camera: "CAM-001", TrackID: 0, DetectedType: model.ViolationNoVest,
		}},
		{Kind: store.OpCreate, At: at, Session: model.ViolationSession{
			Site: "site-a", Camera: "CAM-001", TrackID: 1, DetectedType: model.ViolationNoHelmet,
		}},
	})
	require.NoError(t, err)

	src := &fakeSource{stats: monitor.Stats{
		Tracking: tracker.Stats{ActiveTracks: 2},
		Verification: stats.Snapshot{
			JobsSubmitted: 12,
			JobsCompleted: 10,
			JobsFailed:    4,
			FastAccuracy:  70,
		},
		PendingJobs: 2,
		QueueDepth:  1,
	}}

	snap, err := NewCollector(src, st).Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, snap.JobsCompleted)
	assert.InDelta(t, 0.4, snap.FailureRate, 1e-9)
	assert.InDelta(t, 70.0, snap.FastAccuracy, 1e-9)
	assert.Equal(t, 2, snap.PendingJobs)
	assert.Equal(t, 1, snap.QueueDepth)
	assert.Equal(t, 2, snap.ActiveTracks)
	assert.Equal(t, 2, snap.ActiveSessions)
}

// countErrStore fails CountSessions.
type countErrStore struct {
	store.Store
}

func (countErrStore) CountSessions(context.Context, store.SessionFilter) (int, error) {
	return 0, errors.New("connection refused")
}

func TestCollector_StoreError(t *testing.T) {
	_, err := NewCollector(&fakeSource{}, countErrStore{}).Collect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "count active sessions")
}
