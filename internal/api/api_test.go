package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shezan57/intelligent-ppe-monitoring/internal/model"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/monitor"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/stats"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/store"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/tracker"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/verify"
)

var now = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type testEnv struct {
	ts    *httptest.Server
	store *store.SQLiteStore
	svc   *monitor.Service
}

func newEnv(t *testing.T, verification bool) *testEnv {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	agg := stats.New()
	deps := monitor.Deps{Store: st, Tracker: tracker.New(tracker.DefaultConfig()), Stats: agg}
	if verification {
		// The verifier finds the helmet, so rescue-head persons are cleared.
		deps.Scheduler = verify.New(verify.DefaultConfig(),
			verify.Stub{Finding: verify.Finding{Found: true, Confidence: 0.9}},
			verify.WithObserver(agg))
	}
	svc := monitor.New(monitor.Config{VerificationEnabled: verification}, deps)
	svc.SetClock(func() time.Time { return now })
	t.Cleanup(svc.Close)

	reg := prometheus.NewRegistry()
	require.NoError(t, stats.Register(reg, agg))

	srv := New(svc, st, reg, Options{DefaultSite: "site-a", DefaultCamera: "CAM-001"})
	srv.nowFunc = func() time.Time { return now }
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, store: st, svc: svc}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func encodedFrame(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 640, 480))))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestHealth(t *testing.T) {
	e := newEnv(t, false)
	resp, body := e.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["database"])
}

func TestDetect_FastPathStoresSession(t *testing.T) {
	e := newEnv(t, false)
	resp, body := e.do(t, http.MethodPost, "/api/detect", map[string]any{
		"persons": []map[string]any{
			{"bbox": []float64{10, 10, 110, 310}, "confidence": 0.9, "helmet": true, "vest": true},
			{"bbox": []float64{300, 10, 400, 310}, "confidence": 0.8, "no_helmet": true, "vest": true},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "site-a", body["site"])
	assert.Equal(t, "CAM-001", body["camera_id"])

	summary := body["summary"].(map[string]any)
	assert.EqualValues(t, 2, summary["total_persons"])
	assert.EqualValues(t, 1, summary["violations"])
	assert.EqualValues(t, 1, summary["sessions_touched"])

	persons := body["persons"].([]any)
	violator := persons[1].(map[string]any)
	assert.Equal(t, string(model.PathFastViolation), violator["decision_path"])
	assert.Equal(t, string(model.ViolationNoHelmet), violator["violation_type"])
	sessionID := violator["session_id"].(string)
	require.NotEmpty(t, sessionID)

	resp, sess := e.do(t, http.MethodGet, "/api/history/"+sessionID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no_helmet", sess["violation_type"])
	assert.Equal(t, true, sess["is_active_session"])
}

func TestDetect_RescueWithWait(t *testing.T) {
	e := newEnv(t, true)
	resp, body := e.do(t, http.MethodPost, "/api/detect", map[string]any{
		"camera_id": "CAM-009",
		"frame":     encodedFrame(t),
		"wait_ms":   5000,
		"persons": []map[string]any{
			{"bbox": []float64{100, 100, 300, 460}, "confidence": 0.85, "vest": true},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CAM-009", body["camera_id"])

	p := body["persons"].([]any)[0].(map[string]any)
	assert.Equal(t, string(model.PathRescueHead), p["decision_path"])
	jobID := p["verification_job_id"].(string)
	require.NotEmpty(t, jobID)
	v := p["verification"].(map[string]any)
	assert.Equal(t, "none", v["violation_type"])

	resp, job := e.do(t, http.MethodGet, "/api/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "complete", job["status"])
}

func TestDetect_BadInput(t *testing.T) {
	e := newEnv(t, true)

	req, err := http.NewRequest(http.MethodPost, e.ts.URL+"/api/detect", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2, body := e.do(t, http.MethodPost, "/api/detect", map[string]any{"frame": "%%%"})
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
	assert.Contains(t, body["error"], "base64")
}

func TestJob_Unknown(t *testing.T) {
	e := newEnv(t, true)
	resp, _ := e.do(t, http.MethodGet, "/api/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/api/jobs/missing?wait=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJob_VerificationDisabled(t *testing.T) {
	e := newEnv(t, false)
	resp, _ := e.do(t, http.MethodGet, "/api/jobs/anything", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStatsAndReset(t *testing.T) {
	e := newEnv(t, false)
	_, _ = e.do(t, http.MethodPost, "/api/detect", map[string]any{
		"persons": []map[string]any{{"bbox": []float64{10, 10, 110, 310}, "no_helmet": true}},
	})

	resp, body := e.do(t, http.MethodGet, "/api/tracking/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["active_tracks"])

	resp, body = e.do(t, http.MethodGet, "/api/verification/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "statistics")

	resp, body = e.do(t, http.MethodPost, "/api/tracking/reset", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["sessions_closed"])

	_, body = e.do(t, http.MethodGet, "/api/tracking/stats", nil)
	assert.EqualValues(t, 0, body["active_tracks"])
}

func TestCloseSessions(t *testing.T) {
	e := newEnv(t, false)
	for _, cam := range []string{"CAM-001", "CAM-002"} {
		_, _ = e.do(t, http.MethodPost, "/api/detect", map[string]any{
			"camera_id": cam,
			"persons":   []map[string]any{{"bbox": []float64{10, 10, 110, 310}, "no_helmet": true}},
		})
	}

	resp, body := e.do(t, http.MethodPost, "/api/sessions/close?camera_id=CAM-002", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["sessions_closed"])

	_, body = e.do(t, http.MethodGet, "/api/history?active_only=true", nil)
	assert.EqualValues(t, 1, body["total"])
}

func TestHistory(t *testing.T) {
	e := newEnv(t, false)
	_, _ = e.do(t, http.MethodPost, "/api/detect", map[string]any{
		"persons": []map[string]any{
			{"bbox": []float64{10, 10, 110, 310}, "no_helmet": true},
			{"bbox": []float64{300, 10, 400, 310}, "helmet": true},
		},
	})

	resp, body := e.do(t, http.MethodGet, "/api/history?start_date=2026-03-01&end_date=2026-03-02", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["total"])
	assert.Len(t, body["sessions"], 2)
	assert.EqualValues(t, 100, body["limit"])

	_, body = e.do(t, http.MethodGet, "/api/history?violation_type=no_vest", nil)
	assert.EqualValues(t, 1, body["total"])

	_, body = e.do(t, http.MethodGet, "/api/history?limit=1&offset=1", nil)
	assert.EqualValues(t, 2, body["total"])
	assert.Len(t, body["sessions"], 1)

	_, body = e.do(t, http.MethodGet, "/api/history?start_date=2026-04-01", nil)
	assert.EqualValues(t, 0, body["total"])
	assert.Empty(t, body["sessions"])

	tests := []string{
		"/api/history?start_date=03/01/2026",
		"/api/history?violation_type=none",
		"/api/history?limit=0",
		"/api/history?limit=501",
		"/api/history?offset=-1",
	}
	for _, path := range tests {
		resp, _ := e.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
}

func TestSummary(t *testing.T) {
	e := newEnv(t, false)
	_, _ = e.do(t, http.MethodPost, "/api/detect", map[string]any{
		"persons": []map[string]any{{"bbox": []float64{10, 10, 110, 310}, "no_helmet": true}},
	})

	resp, body := e.do(t, http.MethodGet, "/api/history/summary?days=3", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, body["period_days"])
	assert.EqualValues(t, 1, body["total_sessions"])
	assert.EqualValues(t, 1, body["by_camera"].(map[string]any)["CAM-001"])

	resp, _ = e.do(t, http.MethodGet, "/api/history/summary?days=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSession_NotFound(t *testing.T) {
	e := newEnv(t, false)
	resp, body := e.do(t, http.MethodGet, "/api/history/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "session not found", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t, false)
	resp, err := http.Get(e.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDecodeFrame(t *testing.T) {
	img, err := decodeFrame(encodedFrame(t))
	require.NoError(t, err)
	assert.Equal(t, 640, img.Bounds().Dx())

	_, err = decodeFrame(base64.StdEncoding.EncodeToString([]byte("not an image")))
	assert.Error(t, err)
}

func TestCORS(t *testing.T) {
	e := newEnv(t, false)
	req, err := http.NewRequest(http.MethodOptions, e.ts.URL+"/api/history", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://dashboard.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck
	assert.NotEmpty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
