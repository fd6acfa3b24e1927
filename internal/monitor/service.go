// Package monitor is the compliance service: it routes every detected
// person, records violation sessions, schedules slow verification and
// reconciles verified verdicts back into the session store.
package monitor

import (
	"context"
	"errors"
	"image"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Shezan57/intelligent-ppe-monitoring/internal/events"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/model"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/router"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/session"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/stats"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/store"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/tracker"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/verify"
)

// Config controls the service.
type Config struct {
	VerificationEnabled bool
	// MaxWait caps how long a synchronous caller may wait for verification.
	MaxWait time.Duration
}

// Deps are the collaborators the service is built from. Scheduler may be
// nil, which disables verification. Events defaults to a no-op publisher.
type Deps struct {
	Store     store.Store
	Tracker   *tracker.Tracker
	Scheduler *verify.Scheduler
	Stats     *stats.Aggregator
	Events    events.Publisher
}

// FrameInput is one frame's detections from one camera.
type FrameInput struct {
	Site    string
	Camera  string
	At      time.Time
	Frame   image.Image
	Persons []model.Detection

	OriginalImagePath  string
	AnnotatedImagePath string
	ProcessingTimeMs   float64

	// Wait, when positive, blocks for verification results up to that long.
	Wait time.Duration
}

// PersonResult is the outcome for one detected person.
type PersonResult struct {
	Index      int       `json:"person_index"`
	BBox       []float64 `json:"bbox"`
	Confidence float64   `json:"confidence"`
	router.Decision

	ViolationType model.ViolationType `json:"violation_type"`
	IsViolation   bool                `json:"is_violation"`

	TrackID   int            `json:"track_id"`
	Reason    tracker.Reason `json:"tracking_reason,omitempty"`
	Stored    bool           `json:"stored"`
	SessionID string         `json:"session_id,omitempty"`

	JobID             string                    `json:"verification_job_id,omitempty"`
	VerificationError string                    `json:"verification_error,omitempty"`
	Verification      *model.VerificationResult `json:"verification,omitempty"`
}

// FrameSummary counts the frame's persons.
type FrameSummary struct {
	Persons    int `json:"total_persons"`
	Violations int `json:"violations"`
	Bypassed   int `json:"bypassed"`
	Submitted  int `json:"verification_jobs"`
	Stored     int `json:"sessions_touched"`
}

// FrameResult is the outcome of Process.
type FrameResult struct {
	Site    string           `json:"site"`
	Camera  string           `json:"camera_id"`
	At      time.Time        `json:"timestamp"`
	Persons []PersonResult   `json:"persons"`
	Summary FrameSummary     `json:"summary"`
	Closed  []session.Closed `json:"closed,omitempty"`
	// PersistError is set when the cycle's session writes rolled back.
	PersistError string `json:"persist_error,omitempty"`
}

// Stats is the combined service view.
type Stats struct {
	Tracking     tracker.Stats  `json:"tracking"`
	Verification stats.Snapshot `json:"verification"`
	PendingJobs  int            `json:"pending_jobs"`
	QueueDepth   int            `json:"queue_depth"`
}

// Service is safe for concurrent use.
type Service struct {
	cfg       Config
	store     store.Store
	tracker   *tracker.Tracker
	recorder  *session.Recorder
	scheduler *verify.Scheduler
	stats     *stats.Aggregator
	events    events.Publisher
	log       *zap.Logger
	nowFunc   func() time.Time
}

// New wires a Service.
func New(cfg Config, d Deps) *Service {
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if d.Stats == nil {
		d.Stats = stats.New()
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 30 * time.Second
	}
	return &Service{
		cfg:       cfg,
		store:     d.Store,
		tracker:   d.Tracker,
		recorder:  session.NewRecorder(d.Store, d.Tracker),
		scheduler: d.Scheduler,
		stats:     d.Stats,
		events:    d.Events,
		log:       zap.L().With(zap.String("component", "monitor")),
		nowFunc:   time.Now,
	}
}

// SetClock overrides the clock for frames without a timestamp.
func (s *Service) SetClock(now func() time.Time) {
	s.nowFunc = now
	s.recorder.SetClock(now)
	s.tracker.SetClock(now)
}

func (s *Service) verifying() bool {
	return s.cfg.VerificationEnabled && s.scheduler != nil
}

// Process handles one frame. Detection results are always returned; a
// session write failure is reported both in the result and as the error.
func (s *Service) Process(ctx context.Context, in FrameInput) (*FrameResult, error) {
	at := in.At
	if at.IsZero() {
		at = s.nowFunc()
	}

	out := &FrameResult{Site: in.Site, Camera: in.Camera, At: at.UTC()}
	cycle := session.Cycle{
		Site:               in.Site,
		Camera:             in.Camera,
		At:                 at,
		OriginalImagePath:  in.OriginalImagePath,
		AnnotatedImagePath: in.AnnotatedImagePath,
		ProcessingTimeMs:   in.ProcessingTimeMs,
	}

	for i, det := range in.Persons {
		if det.Timestamp.IsZero() {
			det.Timestamp = at
		}
		d := router.Route(det.Flags, s.verifying())
		s.stats.RecordDecision(d)

		pr := PersonResult{
			Index:         i,
			BBox:          det.BBox,
			Confidence:    det.Confidence,
			Decision:      d,
			ViolationType: d.ViolationType(),
			IsViolation:   d.IsViolation(),
			TrackID:       tracker.NoTrack,
		}
		out.Persons = append(out.Persons, pr)
		out.Summary.Persons++
		if pr.IsViolation {
			out.Summary.Violations++
		}
		if d.Bypassed() {
			out.Summary.Bypassed++
		}
		cycle.Persons = append(cycle.Persons, session.Person{Index: i, Detection: det, Decision: d})
	}

	rec, recErr := s.recorder.Record(ctx, cycle)
	if rec != nil {
		s.applyRecord(ctx, out, rec, at)
	}
	if recErr != nil {
		out.PersistError = recErr.Error()
		s.log.Error("frame sessions not persisted",
			zap.String("site", in.Site),
			zap.String("camera", in.Camera),
			zap.Error(recErr),
		)
	}

	if s.verifying() {
		s.submit(in, out, at)
		if in.Wait > 0 {
			s.await(ctx, out, min(in.Wait, s.cfg.MaxWait))
		}
	}

	return out, eris.Wrap(recErr, "monitor: process frame")
}

func (s *Service) applyRecord(ctx context.Context, out *FrameResult, rec *session.Result, at time.Time) {
	for _, d := range rec.Decisions {
		p := &out.Persons[d.Index]
		p.TrackID = d.TrackID
		p.Reason = d.Reason
		p.Stored = d.Stored
	}
	for _, t := range rec.Touched {
		out.Persons[t.Index].SessionID = t.Session.ID
		out.Summary.Stored++
		kind := events.SessionExtended
		if t.Created {
			kind = events.SessionCreated
		}
		s.publish(ctx, events.FromSession(kind, t.Session, at))
	}
	out.Closed = rec.Closed
	s.publishClosed(ctx, rec.Closed, at)
}

// binding tells the reconciliation handler which session a job refines.
type binding struct {
	sessionID string
	// key is used when the person was in cooldown: the job refines the
	// track's active session, looked up when the job completes.
	key    *store.SessionKey
	site   string
	camera string
	track  int
}

func (s *Service) submit(in FrameInput, out *FrameResult, at time.Time) {
	for i := range out.Persons {
		p := &out.Persons[i]
		if !p.NeedsVerification {
			continue
		}
		if in.Frame == nil {
			p.VerificationError = "no frame supplied"
			continue
		}
		box, ok := model.ParseBBox(p.BBox)
		if !ok {
			p.VerificationError = "malformed bbox"
			continue
		}

		id, err := s.scheduler.Submit(verify.JobSpec{
			PersonID: p.Index,
			BBox:     box,
			Frame:    in.Frame,
			Fast:     p.Decision,
		})
		if err != nil {
			p.VerificationError = err.Error()
			s.log.Warn("verification not scheduled",
				zap.String("camera", in.Camera),
				zap.Int("person_index", p.Index),
				zap.Error(err),
			)
			continue
		}
		p.JobID = id
		out.Summary.Submitted++

		b := binding{sessionID: p.SessionID, site: in.Site, camera: in.Camera, track: p.TrackID}
		if b.sessionID == "" && p.Reason == tracker.ReasonInCooldown {
			b.key = &store.SessionKey{
				Site:         in.Site,
				Camera:       in.Camera,
				TrackID:      p.TrackID,
				DetectedType: p.ViolationType,
				ReportDate:   at.Format(model.ReportDateLayout),
			}
		}
		if err := s.scheduler.RegisterCompletion(id, s.reconcile(b)); err != nil {
			s.log.Error("bind verification job", zap.String("job_id", id), zap.Error(err))
		}
	}
}

func (s *Service) await(ctx context.Context, out *FrameResult, wait time.Duration) {
	deadline := time.Now().Add(wait)
	for i := range out.Persons {
		p := &out.Persons[i]
		if p.JobID == "" {
			continue
		}
		res, err := s.scheduler.Wait(ctx, p.JobID, time.Until(deadline))
		if err != nil {
			return
		}
		p.Verification = res
	}
}

// reconcile writes a finished job's verdict onto its session.
func (s *Service) reconcile(b binding) verify.Handler {
	return func(ctx context.Context, res model.VerificationResult) error {
		id := b.sessionID
		if id == "" && b.key != nil {
			sess, err := s.store.FindActiveSession(ctx, *b.key)
			if err != nil {
				return eris.Wrap(err, "monitor: bind cooldown job")
			}
			if sess != nil {
				id = sess.ID
			}
		}
		if id == "" {
			s.log.Debug("verification result has no session",
				zap.String("job_id", res.JobID),
				zap.Int("track_id", b.track),
			)
			return nil
		}

		if err := s.store.ApplyVerification(ctx, id, res.Patch()); err != nil {
			return eris.Wrapf(err, "monitor: apply verification to %s", id)
		}

		correction := res.Correction()
		if correction != model.CorrectionNone {
			s.log.Info("session verdict corrected",
				zap.String("session_id", id),
				zap.String("job_id", res.JobID),
				zap.String("correction", string(correction)),
				zap.String("violation_type", string(res.ViolationType)),
			)
		}
		s.publish(ctx, events.Event{
			Kind:          events.SessionVerified,
			At:            res.CompletedAt,
			SessionID:     id,
			Site:          b.site,
			Camera:        b.camera,
			TrackID:       b.track,
			ViolationType: res.ViolationType,
			JobID:         res.JobID,
			Correction:    correction,
		})
		return nil
	}
}

// Sweep expires idle tracks across every stream and closes their sessions.
func (s *Service) Sweep(ctx context.Context) []session.Closed {
	now := s.nowFunc()
	closed := s.recorder.CloseExpired(ctx, s.tracker.Sweep(now))
	s.publishClosed(ctx, closed, now)
	return closed
}

// CloseSessions closes every active session under the filter.
func (s *Service) CloseSessions(ctx context.Context, site, camera string) (int, error) {
	n, err := s.recorder.CloseInactiveSessions(ctx, site, camera)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.publish(ctx, events.Event{
			Kind:    events.SessionClosed,
			At:      s.nowFunc().UTC(),
			Site:    site,
			Camera:  camera,
			TrackID: tracker.NoTrack,
			Closed:  n,
			Cause:   "manual",
		})
	}
	return n, nil
}

// Stats returns tracking and verification counters.
func (s *Service) Stats() Stats {
	st := Stats{
		Tracking:     s.tracker.Stats(),
		Verification: s.stats.Snapshot(),
	}
	if s.scheduler != nil {
		st.PendingJobs = s.scheduler.Pending()
		st.QueueDepth = s.scheduler.QueueDepth()
	}
	return st
}

// Reset clears tracker state and counters. Track ids restart at zero, so
// every active session is closed first.
func (s *Service) Reset(ctx context.Context) (int, error) {
	n, err := s.recorder.CloseInactiveSessions(ctx, "", "")
	if err != nil {
		return 0, eris.Wrap(err, "monitor: reset")
	}
	s.tracker.Reset()
	s.stats.Reset()
	s.log.Info("monitor reset", zap.Int("sessions_closed", n))
	return n, nil
}

// Recover closes sessions left active by a previous process. It must run
// before the first frame, since the fresh tracker reuses their track ids.
func (s *Service) Recover(ctx context.Context) (int, error) {
	n, err := s.recorder.CloseStale(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "monitor: recover")
	}
	if n > 0 {
		s.log.Info("closed sessions from previous run", zap.Int("count", n))
		s.publish(ctx, events.Event{
			Kind:    events.SessionClosed,
			At:      s.nowFunc().UTC(),
			TrackID: tracker.NoTrack,
			Closed:  n,
			Cause:   "restart",
		})
	}
	return n, nil
}

// ErrVerificationDisabled is returned by job queries when no scheduler runs.
var ErrVerificationDisabled = eris.New("monitor: verification disabled")

// WaitForJob blocks for a job's result. A timeout returns (nil, nil).
func (s *Service) WaitForJob(ctx context.Context, id string, timeout time.Duration) (*model.VerificationResult, error) {
	if s.scheduler == nil {
		return nil, ErrVerificationDisabled
	}
	return s.scheduler.Wait(ctx, id, min(timeout, s.cfg.MaxWait))
}

// JobResult returns a finished job's result without blocking.
func (s *Service) JobResult(id string) (model.VerificationResult, bool) {
	if s.scheduler == nil {
		return model.VerificationResult{}, false
	}
	return s.scheduler.Result(id)
}

// CleanupJobs drops finished jobs older than maxAge.
func (s *Service) CleanupJobs(maxAge time.Duration) int {
	if s.scheduler == nil {
		return 0
	}
	return s.scheduler.CleanupOldJobs(maxAge)
}

// Close drains verification and flushes events. The store is owned by the
// caller.
func (s *Service) Close() {
	if s.scheduler != nil {
		s.scheduler.Close()
	}
	s.events.Close()
}

func (s *Service) publishClosed(ctx context.Context, closed []session.Closed, at time.Time) {
	for _, c := range closed {
		if c.Count == 0 {
			continue
		}
		s.publish(ctx, events.Event{
			Kind:    events.SessionClosed,
			At:      at.UTC(),
			Site:    c.Stream.Site,
			Camera:  c.Stream.Camera,
			TrackID: c.TrackID,
			Closed:  c.Count,
			Cause:   c.Cause,
		})
	}
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if err := s.events.Publish(ctx, e); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("event not published", zap.String("kind", string(e.Kind)), zap.Error(err))
	}
}
