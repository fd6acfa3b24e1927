package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	_ "image/jpeg" // frame decoders
	_ "image/png"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"

	"github.com/Shezan57/intelligent-ppe-monitoring/internal/model"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/monitor"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/store"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/verify"
)

type personRequest struct {
	BBox       []float64 `json:"bbox"`
	Confidence float64   `json:"confidence"`
	Helmet     bool      `json:"helmet"`
	Vest       bool      `json:"vest"`
	NoHelmet   bool      `json:"no_helmet"`
}

type detectRequest struct {
	Site               string          `json:"site_location"`
	Camera             string          `json:"camera_id"`
	Timestamp          *time.Time      `json:"timestamp"`
	Frame              string          `json:"frame"`
	Persons            []personRequest `json:"persons"`
	OriginalImagePath  string          `json:"original_image_path"`
	AnnotatedImagePath string          `json:"annotated_image_path"`
	ProcessingTimeMs   float64         `json:"processing_time_ms"`
	WaitMs             int             `json:"wait_ms"`
}

// decodeFrame accepts raw base64 or a data URL holding JPEG, PNG or WebP.
func decodeFrame(s string) (image.Image, error) {
	if i := strings.Index(s, ";base64,"); strings.HasPrefix(s, "data:") && i >= 0 {
		s = s[i+len(";base64,"):]
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, eris.Wrap(err, "api: frame is not base64")
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, eris.Wrap(err, "api: decode frame")
	}
	return img, nil
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	var req detectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	in := monitor.FrameInput{
		Site:               req.Site,
		Camera:             req.Camera,
		OriginalImagePath:  req.OriginalImagePath,
		AnnotatedImagePath: req.AnnotatedImagePath,
		ProcessingTimeMs:   req.ProcessingTimeMs,
		Wait:               min(time.Duration(req.WaitMs)*time.Millisecond, s.opts.MaxWait),
	}
	if in.Site == "" {
		in.Site = s.opts.DefaultSite
	}
	if in.Camera == "" {
		in.Camera = s.opts.DefaultCamera
	}
	if req.Timestamp != nil {
		in.At = *req.Timestamp
	}
	if req.Frame != "" {
		img, err := decodeFrame(req.Frame)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		in.Frame = img
	}
	for _, p := range req.Persons {
		in.Persons = append(in.Persons, model.Detection{
			BBox:       p.BBox,
			Confidence: p.Confidence,
			Flags:      model.PresenceFlags{Helmet: p.Helmet, Vest: p.Vest, HelmetAbsent: p.NoHelmet},
		})
	}

	res, err := s.svc.Process(r.Context(), in)
	if res == nil {
		s.log.Error("detect failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}
	// Detection results are returned even when the session writes failed;
	// res.PersistError carries the failure.
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	wait := time.Duration(0)
	if v := r.URL.Query().Get("wait"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			writeError(w, http.StatusBadRequest, "wait must be milliseconds")
			return
		}
		wait = min(time.Duration(ms)*time.Millisecond, s.opts.MaxWait)
	}

	if res, ok := s.svc.JobResult(id); ok {
		writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "status": "complete", "result": res})
		return
	}

	res, err := s.svc.WaitForJob(r.Context(), id, wait)
	switch {
	case errors.Is(err, monitor.ErrVerificationDisabled):
		writeError(w, http.StatusServiceUnavailable, "verification disabled")
	case errors.Is(err, verify.ErrUnknownJob):
		writeError(w, http.StatusNotFound, "job not found")
	case err != nil:
		writeError(w, http.StatusRequestTimeout, err.Error())
	case res == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"job_id": id, "status": "pending"})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "status": "complete", "result": res})
	}
}

func (s *Server) handleTrackingStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats().Tracking)
}

func (s *Server) handleVerificationStats(w http.ResponseWriter, _ *http.Request) {
	st := s.svc.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"statistics":   st.Verification,
		"pending_jobs": st.PendingJobs,
		"queue_depth":  st.QueueDepth,
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Reset(r.Context())
	if err != nil {
		s.log.Error("reset failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reset", "sessions_closed": n})
}

func (s *Server) handleCloseSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	n, err := s.svc.CloseSessions(r.Context(), q.Get("site_location"), q.Get("camera_id"))
	if err != nil {
		s.log.Error("close sessions failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "close sessions failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions_closed": n})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.SessionFilter{
		StartDate:     q.Get("start_date"),
		EndDate:       q.Get("end_date"),
		ViolationType: q.Get("violation_type"),
		Site:          q.Get("site_location"),
		Camera:        q.Get("camera_id"),
		ActiveOnly:    q.Get("active_only") == "true",
	}
	for _, d := range []string{f.StartDate, f.EndDate} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(model.ReportDateLayout, d); err != nil {
			writeError(w, http.StatusBadRequest, "dates must be YYYY-MM-DD")
			return
		}
	}
	if f.ViolationType != "" {
		if _, ok := model.ParseViolationType(f.ViolationType); !ok {
			writeError(w, http.StatusBadRequest, "unknown violation_type")
			return
		}
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit"), 100, 1, 500); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
		return
	}
	if f.Offset, err = intParam(q.Get("offset"), 0, 0, -1); err != nil {
		writeError(w, http.StatusBadRequest, "offset must be non-negative")
		return
	}

	list, err := s.store.ListSessions(r.Context(), f)
	if err != nil {
		s.log.Error("list sessions failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list sessions failed")
		return
	}
	total, err := s.store.CountSessions(r.Context(), f)
	if err != nil {
		s.log.Error("count sessions failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "count sessions failed")
		return
	}
	if list == nil {
		list = []model.ViolationSession{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": list,
		"total":    total,
		"limit":    f.Limit,
		"offset":   f.Offset,
	})
}

// intParam parses an optional integer in [lo, hi]; hi < 0 means unbounded.
func intParam(v string, def, lo, hi int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < lo || (hi >= 0 && n > hi) {
		return 0, eris.Errorf("%d out of range", n)
	}
	return n, nil
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r.URL.Query().Get("days"), 7, 1, 365)
	if err != nil {
		writeError(w, http.StatusBadRequest, "days must be between 1 and 365")
		return
	}
	since := s.nowFunc().UTC().AddDate(0, 0, -(days - 1)).Format(model.ReportDateLayout)

	sum, err := s.store.Summarize(r.Context(), since)
	if err != nil {
		s.log.Error("summarize failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "summary failed")
		return
	}
	sum.PeriodDays = days
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.log.Error("get session failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "get session failed")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	dbStatus := "ok"
	if err := s.store.Ping(r.Context()); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
		dbStatus = err.Error()
	}
	st := s.svc.Stats()
	writeJSON(w, code, map[string]any{
		"status":       status,
		"database":     dbStatus,
		"active_track": st.Tracking.ActiveTracks,
		"pending_jobs": st.PendingJobs,
	})
}
