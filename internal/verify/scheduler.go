// Package verify runs slow region verification off the request path. Jobs
// are queued to a fixed pool of workers; finished jobs are handed to a
// single reconciliation goroutine that runs the completion handler bound to
// each job at most once.
package verify

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Shezan57/intelligent-ppe-monitoring/internal/model"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/router"
)

var (
	// ErrQueueFull is returned by Submit when every queue slot is taken.
	ErrQueueFull = eris.New("verify: queue full")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = eris.New("verify: scheduler closed")
	// ErrUnknownJob is returned for job ids the scheduler does not hold.
	ErrUnknownJob = eris.New("verify: unknown job")
	// ErrHandlerBound is returned when a job already has a handler.
	ErrHandlerBound = eris.New("verify: completion handler already registered")
	// ErrNoFrame is returned when a job is submitted without an image.
	ErrNoFrame = eris.New("verify: no frame")
)

// Config controls the scheduler.
type Config struct {
	Workers   int
	QueueSize int
	Geometry  model.ROIGeometry
	// CoverageThreshold is the confidence a finding must exceed to count.
	CoverageThreshold float64
	MinROISide        int
	MaxROISide        int
	JobTimeout        time.Duration
}

// DefaultConfig returns the stock scheduler settings.
func DefaultConfig() Config {
	return Config{
		Workers:           2,
		QueueSize:         64,
		Geometry:          model.DefaultROIGeometry(),
		CoverageThreshold: 0.05,
		MinROISide:        20,
		MaxROISide:        640,
		JobTimeout:        30 * time.Second,
	}
}

// JobSpec describes one person to verify.
type JobSpec struct {
	PersonID int
	BBox     model.BBox
	Frame    image.Image
	// Fast is the router decision; its Regions select what gets inspected.
	Fast router.Decision
}

// Handler reconciles a finished job. It runs on the reconciliation
// goroutine; errors and panics are logged.
type Handler func(ctx context.Context, res model.VerificationResult) error

// Observer receives job lifecycle counts.
type Observer interface {
	JobSubmitted()
	JobRejected()
	JobCompleted(res model.VerificationResult)
}

type nopObserver struct{}

func (nopObserver) JobSubmitted() {}
func (nopObserver) JobRejected()  {}

func (nopObserver) JobCompleted(model.VerificationResult) {}

type job struct {
	id       string
	personID int
	box      model.BBox
	frame    *image.RGBA
	fast     router.Decision

	submittedAt time.Time
	done        chan struct{}
	result      *model.VerificationResult
	handler     Handler
	fired       bool
}

// Scheduler owns the worker pool and the job table.
type Scheduler struct {
	cfg      Config
	verifier RegionVerifier
	observer Observer
	log      *zap.Logger
	nowFunc  func() time.Time

	queue chan *job

	mu     sync.Mutex
	jobs   map[string]*job
	ready  []string
	closed bool

	wake      chan struct{}
	stop      chan struct{}
	workers   sync.WaitGroup
	reconcile sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithObserver sets the job lifecycle observer.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// WithClock overrides the clock used for timestamps and latency.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.nowFunc = now }
}

// New starts a scheduler with cfg.Workers workers.
func New(cfg Config, v RegionVerifier, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if cfg.Geometry == (model.ROIGeometry{}) {
		cfg.Geometry = def.Geometry
	}

	s := &Scheduler{
		cfg:      cfg,
		verifier: v,
		observer: nopObserver{},
		log:      zap.L().With(zap.String("component", "verify")),
		nowFunc:  time.Now,
		queue:    make(chan *job, cfg.QueueSize),
		jobs:     make(map[string]*job),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	s.workers.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go s.work()
	}
	s.reconcile.Add(1)
	go s.reconcileLoop()
	return s
}

// Submit queues a job without blocking and returns its id. The frame is
// copied before Submit returns.
func (s *Scheduler) Submit(spec JobSpec) (string, error) {
	if spec.Frame == nil {
		return "", ErrNoFrame
	}
	j := &job{
		id:          uuid.NewString(),
		personID:    spec.PersonID,
		box:         spec.BBox,
		frame:       CopyFrame(spec.Frame),
		fast:        spec.Fast,
		submittedAt: s.nowFunc(),
		done:        make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	select {
	case s.queue <- j:
	default:
		s.observer.JobRejected()
		return "", ErrQueueFull
	}
	s.jobs[j.id] = j
	s.observer.JobSubmitted()
	s.log.Debug("verification job submitted",
		zap.String("job_id", j.id),
		zap.Int("person_id", j.personID),
		zap.String("decision_path", string(j.fast.Path)),
	)
	return j.id, nil
}

// RegisterCompletion binds h to a job. The handler runs once the job is
// complete, immediately if it already is.
func (s *Scheduler) RegisterCompletion(id string, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrUnknownJob
	}
	if j.handler != nil {
		return ErrHandlerBound
	}
	j.handler = h
	if j.result != nil {
		s.signalLocked(id)
	}
	return nil
}

// Result returns a finished job's result.
func (s *Scheduler) Result(id string) (model.VerificationResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.result == nil {
		return model.VerificationResult{}, false
	}
	return *j.result, true
}

// IsComplete reports whether a job has finished.
func (s *Scheduler) IsComplete(id string) bool {
	_, ok := s.Result(id)
	return ok
}

// Wait blocks until the job finishes, the timeout elapses or ctx is done.
// A timeout returns (nil, nil).
func (s *Scheduler) Wait(ctx context.Context, id string, timeout time.Duration) (*model.VerificationResult, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrUnknownJob
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-j.done:
		s.mu.Lock()
		res := *j.result
		s.mu.Unlock()
		return &res, nil
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending returns the number of jobs not yet finished.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.result == nil {
			n++
		}
	}
	return n
}

// QueueDepth returns the number of jobs waiting for a worker.
func (s *Scheduler) QueueDepth() int {
	return len(s.queue)
}

// CleanupOldJobs forgets finished jobs completed more than maxAge ago and
// returns how many were dropped. Jobs whose handler is still due are kept.
func (s *Scheduler) CleanupOldJobs(maxAge time.Duration) int {
	cutoff := s.nowFunc().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.result == nil || j.result.CompletedAt.After(cutoff) {
			continue
		}
		if j.handler != nil && !j.fired {
			continue
		}
		delete(s.jobs, id)
		n++
	}
	if n > 0 {
		s.log.Debug("cleaned up verification jobs", zap.Int("count", n))
	}
	return n
}

// Close stops accepting jobs, lets the workers drain the queue and waits
// for every due handler to run.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	s.workers.Wait()
	close(s.stop)
	s.reconcile.Wait()
}

func (s *Scheduler) work() {
	defer s.workers.Done()
	for j := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
		res := s.execute(ctx, j)
		cancel()
		s.complete(j, res)
	}
}

// complete records the result and closes done before the job is offered to
// the reconciler.
func (s *Scheduler) complete(j *job, res model.VerificationResult) {
	s.mu.Lock()
	j.result = &res
	j.frame = nil
	close(j.done)
	if j.handler != nil {
		s.signalLocked(j.id)
	}
	s.mu.Unlock()

	s.observer.JobCompleted(res)

	switch res.Correction() {
	case model.CorrectionFalsePositive:
		s.log.Info("verification caught false positive",
			zap.String("job_id", res.JobID),
			zap.Int("person_id", res.PersonID),
		)
	case model.CorrectionFalseNegative:
		s.log.Info("verification caught false negative",
			zap.String("job_id", res.JobID),
			zap.Int("person_id", res.PersonID),
			zap.String("violation_type", string(res.ViolationType)),
		)
	}
	s.log.Debug("verification job done",
		zap.String("job_id", res.JobID),
		zap.Float64("latency_ms", res.LatencyMs),
		zap.Duration("since_submit", s.nowFunc().Sub(j.submittedAt)),
		zap.Bool("is_violation", res.IsViolation),
		zap.Bool("fast_was_correct", res.FastWasCorrect),
	)
}

// signalLocked queues id for the reconciler. Caller holds mu.
func (s *Scheduler) signalLocked(id string) {
	s.ready = append(s.ready, id)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) reconcileLoop() {
	defer s.reconcile.Done()
	for {
		select {
		case <-s.wake:
			s.drain()
		case <-s.stop:
			s.drain()
			return
		}
	}
}

func (s *Scheduler) drain() {
	for {
		s.mu.Lock()
		if len(s.ready) == 0 {
			s.mu.Unlock()
			return
		}
		id := s.ready[0]
		s.ready = s.ready[1:]
		j, ok := s.jobs[id]
		if !ok || j.fired || j.handler == nil || j.result == nil {
			s.mu.Unlock()
			continue
		}
		j.fired = true
		h, res := j.handler, *j.result
		s.mu.Unlock()

		s.fire(h, res)
	}
}

func (s *Scheduler) fire(h Handler, res model.VerificationResult) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("completion handler panicked",
				zap.String("job_id", res.JobID),
				zap.Any("panic", r),
			)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()
	if err := h(ctx, res); err != nil {
		s.log.Error("completion handler failed",
			zap.String("job_id", res.JobID),
			zap.Error(err),
		)
	}
}

// execute inspects the job's regions and derives the refined verdict. Any
// verifier failure falls back to the fast verdict.
func (s *Scheduler) execute(ctx context.Context, j *job) (res model.VerificationResult) {
	start := s.nowFunc()
	res = model.VerificationResult{
		JobID:                j.id,
		PersonID:             j.personID,
		HasHelmet:            j.fast.HasHelmet,
		HasVest:              j.fast.HasVest,
		FastInitialViolation: j.fast.IsViolation(),
	}

	defer func() {
		if r := recover(); r != nil {
			res = fallback(res, j.fast, fmt.Errorf("verifier panic: %v", r))
		}
		res.LatencyMs = float64(s.nowFunc().Sub(start)) / float64(time.Millisecond)
		res.CompletedAt = s.nowFunc().UTC()
	}()

	for _, region := range j.fast.Regions {
		found, err := s.inspect(ctx, j, region)
		if err != nil {
			s.log.Warn("verification failed, keeping fast verdict",
				zap.String("job_id", j.id),
				zap.String("region", string(region)),
				zap.Error(err),
			)
			return fallback(res, j.fast, err)
		}
		switch region {
		case model.RegionHead:
			res.HasHelmet = found
		case model.RegionTorso:
			res.HasVest = found
		}
	}

	res.ViolationType = model.ClassifyViolation(res.HasHelmet, res.HasVest)
	res.IsViolation = res.ViolationType.IsViolation()
	res.FastWasCorrect = res.FastInitialViolation == res.IsViolation
	return res
}

// inspect reports whether the region's item is present. Crops too small to
// judge count as not found without calling the verifier.
func (s *Scheduler) inspect(ctx context.Context, j *job, region model.Region) (bool, error) {
	roi := s.cfg.Geometry.Region(j.box, region)
	crop, ok := Crop(j.frame, roi, s.cfg.MinROISide, s.cfg.MaxROISide)
	if !ok {
		s.log.Debug("roi too small",
			zap.String("job_id", j.id),
			zap.String("region", string(region)),
		)
		return false, nil
	}
	f, err := s.verifier.VerifyRegion(ctx, crop, region)
	if err != nil {
		return false, eris.Wrapf(err, "verify: %s region", region)
	}
	return f.Found && f.Confidence > s.cfg.CoverageThreshold, nil
}

// fallback carries the fast verdict over and marks it correct.
func fallback(res model.VerificationResult, fast router.Decision, err error) model.VerificationResult {
	res.HasHelmet = fast.HasHelmet
	res.HasVest = fast.HasVest
	res.ViolationType = fast.ViolationType()
	res.IsViolation = fast.IsViolation()
	res.FastWasCorrect = true
	res.Fallback = true
	res.Error = err.Error()
	return res
}
