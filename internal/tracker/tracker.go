// Package tracker deduplicates violation detections across frames. Persons
// are matched frame to frame by bounding-box overlap, and each tracked
// person carries a cooldown per violation type so that a continuous
// violation produces one store action per cooldown window instead of one per
// frame.
package tracker

import (
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Shezan57/intelligent-ppe-monitoring/internal/model"
)

// Reason explains a ShouldStore decision.
type Reason string

const (
	ReasonNewViolation    Reason = "new_violation"
	ReasonCooldownExpired Reason = "cooldown_expired"
	ReasonInCooldown      Reason = "in_cooldown"
	ReasonInvalidBBox     Reason = "invalid_bbox"
)

// NoTrack is the track id reported for detections that could not be tracked.
const NoTrack = -1

// Config holds the tracker thresholds.
type Config struct {
	Cooldown     time.Duration
	IoUThreshold float64
	TrackTimeout time.Duration
	// Alpha is the EMA weight given to a new observation.
	Alpha float64
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		Cooldown:     300 * time.Second,
		IoUThreshold: 0.3,
		TrackTimeout: 30 * time.Second,
		Alpha:        0.7,
	}
}

// TrackedViolation is the cooldown state of one violation type on a track.
type TrackedViolation struct {
	Type          model.ViolationType
	BBox          model.BBox
	FirstDetected time.Time
	LastSeen      time.Time
}

// PersonTrack is one continuous appearance of a person in a stream.
type PersonTrack struct {
	ID         int
	BBox       model.BBox
	LastSeen   time.Time
	Violations map[model.ViolationType]TrackedViolation
}

// Stream identifies one camera feed. Tracks never match across streams.
type Stream struct {
	Site   string
	Camera string
}

func (s Stream) String() string { return s.Site + "/" + s.Camera }

// ExpiredTrack describes a track removed for being idle too long.
type ExpiredTrack struct {
	Stream     Stream
	TrackID    int
	LastSeen   time.Time
	Violations []model.ViolationType
}

// Outcome is the result of ShouldStore.
type Outcome struct {
	Store   bool
	Reason  Reason
	TrackID int
	// Expired lists tracks in the same stream that timed out before the
	// detection was matched.
	Expired []ExpiredTrack

	stream  Stream
	vt      model.ViolationType
	prev    TrackedViolation
	hadPrev bool
	stamped time.Time
}

// ComplianceOutcome is the result of MarkCompliant.
type ComplianceOutcome struct {
	TrackID int
	Matched bool
	// Cleared lists the violation types the track no longer carries.
	Cleared []model.ViolationType
	Expired []ExpiredTrack
}

// Stats are cumulative tracker counters.
type Stats struct {
	TotalViolationsDetected int     `json:"total_violations_detected"`
	ViolationsStored        int     `json:"violations_stored"`
	ViolationsDeduplicated  int     `json:"violations_deduplicated"`
	UniquePersonsTracked    int     `json:"unique_persons_tracked"`
	ActiveTracks            int     `json:"active_tracks"`
	ActiveStreams           int     `json:"active_streams"`
	DeduplicationRate       float64 `json:"deduplication_rate"`
	CooldownSeconds         float64 `json:"cooldown_seconds"`
	IoUThreshold            float64 `json:"iou_threshold"`
}

// Tracker holds an independent set of tracks per camera stream. It is safe
// for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	cfg     Config
	nowFunc func() time.Time
	log     *zap.Logger

	nextID  int
	streams map[Stream]map[int]PersonTrack
	clocks  map[Stream]streamClock

	detected     int
	stored       int
	deduplicated int
	persons      int
}

// New creates a Tracker.
func New(cfg Config) *Tracker {
	return &Tracker{
		cfg:     cfg,
		nowFunc: time.Now,
		log:     zap.L().With(zap.String("component", "tracker")),
		streams: make(map[Stream]map[int]PersonTrack),
		clocks:  make(map[Stream]streamClock),
	}
}

// streamClock pairs the newest detection time of a stream with the wall
// time it arrived at.
type streamClock struct {
	latest   time.Time
	received time.Time
}

// now projects the stream's detection time forward by the wall time elapsed
// since its newest detection arrived.
func (c streamClock) now(wall time.Time) time.Time {
	if c.latest.IsZero() {
		return wall
	}
	return c.latest.Add(max(wall.Sub(c.received), 0))
}

// SetClock overrides the wall clock used for detections without a timestamp.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nowFunc = now
}

// ShouldStore decides whether a violation detection needs a store action.
// Malformed boxes are always stored so evidence is never dropped.
func (t *Tracker) ShouldStore(stream Stream, det model.Detection, vt model.ViolationType) Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.detected++

	box, ok := det.Box()
	if !ok {
		t.stored++
		t.log.Warn("malformed bbox, storing without tracking",
			zap.Stringer("stream", stream),
			zap.Int("coords", len(det.BBox)),
		)
		return Outcome{Store: true, Reason: ReasonInvalidBBox, TrackID: NoTrack}
	}

	at := t.at(det)
	t.observe(stream, at)
	tracks := t.stream(stream)
	expired := t.expire(stream, tracks, at)

	id, matched := match(tracks, box, t.cfg.IoUThreshold)
	var track PersonTrack
	if matched {
		track = observeTrack(tracks[id], box, at, t.cfg.Alpha)
	} else {
		track = t.newTrack(box, at)
	}

	prev, seen := track.Violations[vt]
	next, reason := observeViolation(prev, seen, vt, box, at, t.cfg.Cooldown)
	track = withViolation(track, next)
	tracks[track.ID] = track

	out := Outcome{
		Reason:  reason,
		TrackID: track.ID,
		Expired: expired,
		stream:  stream,
		vt:      vt,
		prev:    prev,
		hadPrev: seen,
		stamped: next.FirstDetected,
	}
	switch reason {
	case ReasonInCooldown:
		t.deduplicated++
		t.log.Debug("violation in cooldown",
			zap.Stringer("stream", stream),
			zap.Int("track_id", track.ID),
			zap.String("violation_type", string(vt)),
		)
	default:
		out.Store = true
		t.stored++
	}
	return out
}

// MarkCompliant records that a tracked person was seen wearing full PPE. The
// matched track keeps its identity but drops every tracked violation, so the
// next violation on it starts a fresh episode.
func (t *Tracker) MarkCompliant(stream Stream, det model.Detection) ComplianceOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	box, ok := det.Box()
	if !ok {
		return ComplianceOutcome{TrackID: NoTrack}
	}

	at := t.at(det)
	t.observe(stream, at)
	tracks := t.stream(stream)
	out := ComplianceOutcome{TrackID: NoTrack, Expired: t.expire(stream, tracks, at)}

	id, matched := match(tracks, box, t.cfg.IoUThreshold)
	if !matched {
		return out
	}

	track := observeTrack(tracks[id], box, at, t.cfg.Alpha)
	out.TrackID = id
	out.Matched = true
	out.Cleared = violationTypes(track)
	track.Violations = map[model.ViolationType]TrackedViolation{}
	tracks[id] = track
	return out
}

// Rollback undoes the violation state recorded by a stored outcome whose
// write never committed, so the next detection of the episode is stored
// again. It is a no-op when the track has moved on since.
func (t *Tracker) Rollback(out Outcome) {
	if !out.Store {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if out.TrackID == NoTrack {
		t.stored--
		return
	}
	track, ok := t.streams[out.stream][out.TrackID]
	if !ok {
		return
	}
	cur, ok := track.Violations[out.vt]
	if !ok || !cur.FirstDetected.Equal(out.stamped) {
		return
	}
	t.stored--
	next := maps.Clone(track.Violations)
	if out.hadPrev {
		next[out.vt] = out.prev
	} else {
		delete(next, out.vt)
	}
	track.Violations = next
	t.streams[out.stream][out.TrackID] = track
	t.log.Debug("violation rolled back",
		zap.Stringer("stream", out.stream),
		zap.Int("track_id", out.TrackID),
		zap.String("violation_type", string(out.vt)),
	)
}

// Sweep expires idle tracks in every stream. Each stream is aged on its own
// detection timestamps: now is the wall time, and a stream is considered to
// have advanced by the wall time elapsed since its newest detection arrived.
func (t *Tracker) Sweep(now time.Time) []ExpiredTrack {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := slices.SortedFunc(maps.Keys(t.streams), func(a, b Stream) int {
		return strings.Compare(a.String(), b.String())
	})
	var expired []ExpiredTrack
	for _, key := range keys {
		expired = append(expired, t.expire(key, t.streams[key], t.clocks[key].now(now))...)
	}
	return expired
}

// Track returns a copy of a track's current state.
func (t *Tracker) Track(stream Stream, id int) (PersonTrack, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.streams[stream][id]
	if !ok {
		return PersonTrack{}, false
	}
	tr.Violations = maps.Clone(tr.Violations)
	return tr, true
}

// Stats returns a snapshot of the counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{
		TotalViolationsDetected: t.detected,
		ViolationsStored:        t.stored,
		ViolationsDeduplicated:  t.deduplicated,
		UniquePersonsTracked:    t.persons,
		CooldownSeconds:         t.cfg.Cooldown.Seconds(),
		IoUThreshold:            t.cfg.IoUThreshold,
	}
	for _, tracks := range t.streams {
		if len(tracks) > 0 {
			s.ActiveStreams++
		}
		s.ActiveTracks += len(tracks)
	}
	if t.detected > 0 {
		s.DeduplicationRate = float64(t.deduplicated) / float64(t.detected) * 100
	}
	return s
}

// Reset drops all tracks and counters. Track ids restart at zero.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.streams = make(map[Stream]map[int]PersonTrack)
	t.clocks = make(map[Stream]streamClock)
	t.nextID = 0
	t.detected = 0
	t.stored = 0
	t.deduplicated = 0
	t.persons = 0
	t.log.Info("tracker reset")
}

func (t *Tracker) at(det model.Detection) time.Time {
	if det.Timestamp.IsZero() {
		return t.nowFunc()
	}
	return det.Timestamp
}

// observe advances the stream clock. Caller holds mu.
func (t *Tracker) observe(key Stream, at time.Time) {
	c := t.clocks[key]
	if at.Before(c.latest) {
		return
	}
	t.clocks[key] = streamClock{latest: at, received: t.nowFunc()}
}

func (t *Tracker) stream(key Stream) map[int]PersonTrack {
	tracks, ok := t.streams[key]
	if !ok {
		tracks = make(map[int]PersonTrack)
		t.streams[key] = tracks
	}
	return tracks
}

func (t *Tracker) newTrack(box model.BBox, at time.Time) PersonTrack {
	id := t.nextID
	t.nextID++
	t.persons++
	return PersonTrack{
		ID:         id,
		BBox:       box,
		LastSeen:   at,
		Violations: map[model.ViolationType]TrackedViolation{},
	}
}

// expire removes tracks idle for longer than the timeout. Caller holds mu.
func (t *Tracker) expire(stream Stream, tracks map[int]PersonTrack, now time.Time) []ExpiredTrack {
	var expired []ExpiredTrack
	for _, id := range slices.Sorted(maps.Keys(tracks)) {
		tr := tracks[id]
		if now.Sub(tr.LastSeen) <= t.cfg.TrackTimeout {
			continue
		}
		delete(tracks, id)
		expired = append(expired, ExpiredTrack{
			Stream:     stream,
			TrackID:    id,
			LastSeen:   tr.LastSeen,
			Violations: violationTypes(tr),
		})
		t.log.Debug("track expired",
			zap.Stringer("stream", stream),
			zap.Int("track_id", id),
			zap.Duration("idle", now.Sub(tr.LastSeen)),
		)
	}
	return expired
}

// match returns the id of the best-overlapping track at or above threshold.
// Ties keep the lowest id.
func match(tracks map[int]PersonTrack, box model.BBox, threshold float64) (int, bool) {
	best, bestIoU := NoTrack, 0.0
	for _, id := range slices.Sorted(maps.Keys(tracks)) {
		iou := tracks[id].BBox.IoU(box)
		if iou >= threshold && iou > bestIoU {
			best, bestIoU = id, iou
		}
	}
	return best, best != NoTrack
}

// observeTrack returns the track after seeing box at the given time.
func observeTrack(tr PersonTrack, box model.BBox, at time.Time, alpha float64) PersonTrack {
	tr.BBox = tr.BBox.Smooth(box, alpha)
	if at.After(tr.LastSeen) {
		tr.LastSeen = at
	}
	return tr
}

// observeViolation advances the cooldown state of one violation type.
func observeViolation(prev TrackedViolation, seen bool, vt model.ViolationType, box model.BBox, at time.Time, cooldown time.Duration) (TrackedViolation, Reason) {
	fresh := TrackedViolation{Type: vt, BBox: box, FirstDetected: at, LastSeen: at}
	if !seen {
		return fresh, ReasonNewViolation
	}
	if at.Sub(prev.FirstDetected) < cooldown {
		prev.BBox = box
		prev.LastSeen = at
		return prev, ReasonInCooldown
	}
	return fresh, ReasonCooldownExpired
}

// withViolation returns tr with v set, leaving tr's map untouched.
func withViolation(tr PersonTrack, v TrackedViolation) PersonTrack {
	next := maps.Clone(tr.Violations)
	if next == nil {
		next = map[model.ViolationType]TrackedViolation{}
	}
	next[v.Type] = v
	tr.Violations = next
	return tr
}

func violationTypes(tr PersonTrack) []model.ViolationType {
	return slices.Sorted(maps.Keys(tr.Violations))
}
