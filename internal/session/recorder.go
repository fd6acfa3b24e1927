// Package session turns tracker decisions into violation session writes.
// Every detection cycle is committed as one batch, and sessions are closed
// when their worker leaves the frame or is seen compliant.
package session

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Shezan57/intelligent-ppe-monitoring/internal/model"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/router"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/store"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/tracker"
)

// Person is one routed detection of a cycle.
type Person struct {
	Index     int
	Detection model.Detection
	Decision  router.Decision
}

// Cycle is one frame's worth of detections from a single camera.
type Cycle struct {
	Site   string
	Camera string
	At     time.Time

	OriginalImagePath  string
	AnnotatedImagePath string
	ProcessingTimeMs   float64

	Persons []Person
}

// Decision is the tracker verdict for one violating person.
type Decision struct {
	Index   int            `json:"person_index"`
	TrackID int            `json:"track_id"`
	Reason  tracker.Reason `json:"reason"`
	Stored  bool           `json:"stored"`
}

// Touched is a session created or extended for one person.
type Touched struct {
	Index   int                    `json:"person_index"`
	Reason  tracker.Reason         `json:"reason"`
	Session model.ViolationSession `json:"session"`
	Created bool                   `json:"created"`
}

// Closed records sessions closed for one track during a cycle.
type Closed struct {
	Stream  tracker.Stream `json:"-"`
	TrackID int            `json:"track_id"`
	Count   int            `json:"count"`
	Cause   string         `json:"cause"`
}

// Close causes.
const (
	CauseExpired   = "track_expired"
	CauseCompliant = "compliant"
)

// Result is the outcome of Record.
type Result struct {
	Decisions []Decision `json:"decisions"`
	Touched   []Touched  `json:"touched"`
	Closed    []Closed   `json:"closed,omitempty"`
}

// TouchedFor returns the session written for a person index, if any.
func (r *Result) TouchedFor(index int) (Touched, bool) {
	for _, t := range r.Touched {
		if t.Index == index {
			return t, true
		}
	}
	return Touched{}, false
}

// DecisionFor returns the tracker verdict for a person index, if any.
func (r *Result) DecisionFor(index int) (Decision, bool) {
	for _, d := range r.Decisions {
		if d.Index == index {
			return d, true
		}
	}
	return Decision{}, false
}

// Recorder applies tracker decisions to the session store.
type Recorder struct {
	store   store.Store
	tracker *tracker.Tracker
	nowFunc func() time.Time
	log     *zap.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(st store.Store, tr *tracker.Tracker) *Recorder {
	return &Recorder{
		store:   st,
		tracker: tr,
		nowFunc: time.Now,
		log:     zap.L().With(zap.String("component", "session")),
	}
}

// SetClock overrides the clock used for cycles without a timestamp.
func (r *Recorder) SetClock(now func() time.Time) {
	r.nowFunc = now
}

// Record consults the tracker for every person of the cycle and commits the
// resulting creates and extends atomically. Compliant persons release their
// track's violations. On a store failure the tracker decisions are still
// returned alongside the error.
func (r *Recorder) Record(ctx context.Context, c Cycle) (*Result, error) {
	at := c.At
	if at.IsZero() {
		at = r.nowFunc()
	}
	stream := tracker.Stream{Site: c.Site, Camera: c.Camera}

	res := &Result{}
	var ops []store.SessionOp
	var opIndex []int
	var opOutcome []tracker.Outcome
	var expired []tracker.ExpiredTrack
	var compliant []tracker.ComplianceOutcome

	for _, p := range c.Persons {
		det := p.Detection
		if det.Timestamp.IsZero() {
			det.Timestamp = at
		}

		if !p.Decision.IsViolation() {
			out := r.tracker.MarkCompliant(stream, det)
			expired = append(expired, out.Expired...)
			if out.Matched && len(out.Cleared) > 0 {
				compliant = append(compliant, out)
			}
			continue
		}

		vt := p.Decision.ViolationType()
		out := r.tracker.ShouldStore(stream, det, vt)
		expired = append(expired, out.Expired...)
		res.Decisions = append(res.Decisions, Decision{
			Index:   p.Index,
			TrackID: out.TrackID,
			Reason:  out.Reason,
			Stored:  out.Store,
		})
		if !out.Store {
			continue
		}

		kind := store.OpCreate
		if out.Reason == tracker.ReasonCooldownExpired {
			kind = store.OpExtend
		}
		ops = append(ops, store.SessionOp{
			Kind:    kind,
			Session: template(c, p, out.TrackID, vt),
			At:      det.Timestamp,
		})
		opIndex = append(opIndex, p.Index)
		opOutcome = append(opOutcome, out)
	}

	// Departed and compliant tracks are closed before this cycle's writes.
	for _, e := range expired {
		res.Closed = append(res.Closed, r.closeTrack(ctx, e.Stream, e.TrackID, e.LastSeen, CauseExpired))
	}
	for _, cmp := range compliant {
		res.Closed = append(res.Closed, r.closeTrack(ctx, stream, cmp.TrackID, at, CauseCompliant))
	}

	if len(ops) == 0 {
		return res, nil
	}

	touched, err := r.store.ApplyCycle(ctx, ops)
	if err != nil {
		// Nothing was written, so the next frame of each episode retries.
		for _, out := range opOutcome {
			r.tracker.Rollback(out)
		}
		r.log.Error("session batch rolled back",
			zap.String("site", c.Site),
			zap.String("camera", c.Camera),
			zap.Int("ops", len(ops)),
			zap.Error(err),
		)
		return res, eris.Wrap(err, "session: record cycle")
	}

	created := 0
	for i, t := range touched {
		res.Touched = append(res.Touched, Touched{
			Index:   opIndex[i],
			Reason:  opOutcome[i].Reason,
			Session: t.Session,
			Created: t.Created,
		})
		if t.Created {
			created++
		}
	}
	r.log.Info("sessions recorded",
		zap.String("camera", c.Camera),
		zap.Int("created", created),
		zap.Int("updated", len(touched)-created),
		zap.Int("skipped", len(res.Decisions)-len(touched)),
	)
	return res, nil
}

// CloseInactiveSessions closes every active session for a site and camera.
// Empty arguments match all. Closing an already closed session is a no-op.
func (r *Recorder) CloseInactiveSessions(ctx context.Context, site, camera string) (int, error) {
	n, err := r.store.CloseSessions(ctx, store.CloseFilter{Site: site, Camera: camera}, r.nowFunc())
	if err != nil {
		return 0, eris.Wrap(err, "session: close inactive")
	}
	if n > 0 {
		r.log.Info("closed inactive sessions",
			zap.String("site", site),
			zap.String("camera", camera),
			zap.Int("count", n),
		)
	}
	return n, nil
}

// CloseStale closes every session still active from an earlier tracker
// lifetime. Track ids restart with the tracker, so such sessions could
// otherwise be matched by an unrelated worker. Each is closed at its own
// last sighting.
func (r *Recorder) CloseStale(ctx context.Context) (int, error) {
	n, err := r.store.CloseSessions(ctx, store.CloseFilter{}, time.Time{})
	if err != nil {
		return 0, eris.Wrap(err, "session: close stale")
	}
	return n, nil
}

// CloseExpired closes the sessions of tracks removed by a tracker sweep.
func (r *Recorder) CloseExpired(ctx context.Context, expired []tracker.ExpiredTrack) []Closed {
	closed := make([]Closed, 0, len(expired))
	for _, e := range expired {
		closed = append(closed, r.closeTrack(ctx, e.Stream, e.TrackID, e.LastSeen, CauseExpired))
	}
	return closed
}

// closeTrack closes one track's sessions. Failures are logged since the
// track is already gone from the tracker and the close cannot be retried
// from here.
func (r *Recorder) closeTrack(ctx context.Context, stream tracker.Stream, trackID int, at time.Time, cause string) Closed {
	c := Closed{Stream: stream, TrackID: trackID, Cause: cause}
	n, err := r.store.CloseSessions(ctx, store.CloseFilter{
		Site:    stream.Site,
		Camera:  stream.Camera,
		TrackID: store.Track(trackID),
	}, at)
	if err != nil {
		r.log.Error("close track sessions",
			zap.Stringer("stream", stream),
			zap.Int("track_id", trackID),
			zap.String("cause", cause),
			zap.Error(err),
		)
		return c
	}
	c.Count = n
	r.log.Debug("closed track sessions",
		zap.Stringer("stream", stream),
		zap.Int("track_id", trackID),
		zap.String("cause", cause),
		zap.Int("count", n),
	)
	return c
}

func template(c Cycle, p Person, trackID int, vt model.ViolationType) model.ViolationSession {
	return model.ViolationSession{
		Site:               c.Site,
		Camera:             c.Camera,
		TrackID:            trackID,
		DetectedType:       vt,
		BBox:               p.Detection.BBox,
		DecisionPath:       p.Decision.Path,
		Confidence:         p.Detection.Confidence,
		HasHelmet:          p.Decision.HasHelmet,
		HasVest:            p.Decision.HasVest,
		ViolationType:      vt,
		ProcessingTimeMs:   c.ProcessingTimeMs,
		OriginalImagePath:  c.OriginalImagePath,
		AnnotatedImagePath: c.AnnotatedImagePath,
	}
}
