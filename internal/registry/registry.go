// Package registry owns scheduled phase-transition firings: the in-memory job
// map and the timer engine that delivers each firing exactly once.
package registry

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/topcoder-platform/autopilot/internal/domain/model"
	apperrors "github.com/topcoder-platform/autopilot/internal/errors"
	"github.com/topcoder-platform/autopilot/internal/observability/statsd"
)

// TransitionPublisher is the egress surface the registry fires through.
// Satisfied by bus.Producer implementations.
type TransitionPublisher interface {
	Produce(ctx context.Context, topic string, payload any) error
}

const (
	// DefaultRetention is how long terminal jobs stay visible after finishing.
	DefaultRetention = 5 * time.Minute
	// reaperInterval is how often terminal jobs are swept.
	reaperInterval = 30 * time.Second
	// idleWait caps the timer wait when no job is armed.
	idleWait = time.Minute
)

// Limits bounds scheduling admission and firing behaviour.
type Limits struct {
	// JobTimeout bounds one publish attempt at fire time.
	JobTimeout time.Duration
	// MaxRetries is the extra publish attempts after the first fails.
	MaxRetries int
	// RetryDelay is the wait between publish attempts of one firing.
	RetryDelay time.Duration
	// MaxConcurrentJobs caps firings executing at once.
	MaxConcurrentJobs int
	// MinScheduleAdvance is the minimum lead time a schedule request must have.
	MinScheduleAdvance time.Duration
	// MaxScheduleAdvance is the furthest ahead a transition may be scheduled.
	MaxScheduleAdvance time.Duration
	// AllowPastScheduling accepts past times and fires them on the next tick.
	AllowPastScheduling bool
	// MaxJobsPerProject caps live jobs per project; 0 is unlimited.
	MaxJobsPerProject int
}

// Options holds dependencies for a Registry.
type Options struct {
	// Publisher receives phase-transition payloads at fire time.
	Publisher TransitionPublisher
	// TransitionTopic is the topic firings are published on.
	TransitionTopic string
	// Retention is how long terminal jobs are kept for observability.
	Retention time.Duration
	// Limits bounds admission and firing; zero values get safe defaults.
	Limits  Limits
	Logger  *slog.Logger
	Metrics statsd.Sink
	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// Registry is the process-local mapping from job ID to a scheduled future
// firing. All mutations go through its mutex; snapshot reads return copies.
type Registry struct {
	publisher TransitionPublisher
	topic     string
	retention time.Duration
	limits    Limits
	logger    *slog.Logger
	metrics   statsd.Sink
	clock     func() time.Time

	// sem bounds concurrently executing firings.
	sem chan struct{}

	mu       sync.Mutex
	jobs     map[string]*model.ScheduledJob
	active   map[model.Fingerprint]string // fingerprint -> job ID in scheduled|running
	expires  map[string]time.Time         // terminal job ID -> retention deadline
	timers   fireHeap
	seq      uint64
	shutdown bool

	// rearm wakes the run loop when the nearest deadline may have changed.
	rearm chan struct{}
	wg    sync.WaitGroup
}

// New creates a Registry. Run must be started for firings to happen.
func New(opts Options) (*Registry, error) {
	if opts.Publisher == nil {
		return nil, apperrors.Internal("transition publisher is required")
	}
	if opts.TransitionTopic == "" {
		return nil, apperrors.Internal("transition topic is required")
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Limits.JobTimeout <= 0 {
		opts.Limits.JobTimeout = 30 * time.Second
	}
	if opts.Limits.MaxRetries < 0 {
		opts.Limits.MaxRetries = 0
	}
	if opts.Limits.RetryDelay <= 0 {
		opts.Limits.RetryDelay = 5 * time.Second
	}
	if opts.Limits.MaxConcurrentJobs < 1 {
		opts.Limits.MaxConcurrentJobs = 100
	}
	if opts.Limits.MaxScheduleAdvance <= 0 {
		opts.Limits.MaxScheduleAdvance = 365 * 24 * time.Hour
	}
	return &Registry{
		publisher: opts.Publisher,
		topic:     opts.TransitionTopic,
		retention: opts.Retention,
		limits:    opts.Limits,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		clock:     opts.Clock,
		sem:       make(chan struct{}, opts.Limits.MaxConcurrentJobs),
		jobs:      make(map[string]*model.ScheduledJob),
		active:    make(map[model.Fingerprint]string),
		expires:   make(map[string]time.Time),
		rearm:     make(chan struct{}, 1),
	}, nil
}

// Schedule arms a new phase-transition firing and returns its job ID.
// Fails with past_schedule_time when the time is not strictly in the future
// and duplicate_job when the fingerprint already has a live job.
func (r *Registry) Schedule(req model.ScheduleRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scheduleLocked(req)
}

func (r *Registry) scheduleLocked(req model.ScheduleRequest) (string, error) {
	if r.shutdown {
		return "", apperrors.SchedulingFailed("registry is shut down")
	}
	if err := req.Validate(); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid schedule request")
	}

	now := r.clock()
	if err := r.checkScheduleTime(now, req.ScheduledTime, req.ProjectID, req.PhaseID); err != nil {
		return "", err
	}

	fp := model.Fingerprint{ProjectID: req.ProjectID, PhaseID: req.PhaseID}
	if existingID, ok := r.active[fp]; ok {
		return "", apperrors.DuplicateJobf(
			"phase %s already has job %s in %s status", fp, existingID, r.jobs[existingID].Status).
			WithFingerprint(req.ProjectID, req.PhaseID)
	}

	if r.limits.MaxJobsPerProject > 0 {
		live := 0
		for liveFP := range r.active {
			if liveFP.ProjectID == req.ProjectID {
				live++
			}
		}
		if live >= r.limits.MaxJobsPerProject {
			return "", apperrors.SchedulingFailed(
				"project job limit reached").WithFingerprint(req.ProjectID, req.PhaseID)
		}
	}

	job := &model.ScheduledJob{
		ID:            model.NewJobID(req.ProjectID, req.PhaseID),
		ProjectID:     req.ProjectID,
		PhaseID:       req.PhaseID,
		PhaseTypeName: req.PhaseTypeName,
		State:         req.State,
		ScheduledTime: req.ScheduledTime,
		CreatedAt:     now,
		Status:        model.JobStatusScheduled,
		Operator:      req.Operator,
		ProjectStatus: req.ProjectStatus,
		Metadata:      req.Metadata,
	}

	r.jobs[job.ID] = job
	r.active[fp] = job.ID
	r.seq++
	heap.Push(&r.timers, fireEntry{at: job.ScheduledTime, jobID: job.ID, seq: r.seq})
	r.signalRearm()

	r.logger.Info("scheduled phase transition",
		"job_id", job.ID,
		"project_id", job.ProjectID,
		"phase_id", job.PhaseID,
		"phase_type", job.PhaseTypeName,
		"state", string(job.State),
		"scheduled_time", job.ScheduledTime.UTC().Format(time.RFC3339))
	if r.metrics != nil {
		r.metrics.Count("registry.schedule", 1, nil)
	}
	return job.ID, nil
}

// checkScheduleTime enforces the lead-time admission window. With
// AllowPastScheduling enabled a past time is admitted and fires next tick.
func (r *Registry) checkScheduleTime(now, at time.Time, projectID, phaseID uint64) error {
	if !r.limits.AllowPastScheduling && !at.After(now.Add(r.limits.MinScheduleAdvance)) {
		return apperrors.PastScheduleTimef(
			"scheduled time %s is not in the future", at.UTC().Format(time.RFC3339)).
			WithFingerprint(projectID, phaseID)
	}
	if at.After(now.Add(r.limits.MaxScheduleAdvance)) {
		return apperrors.Validationf(
			"scheduled time %s exceeds the maximum schedule advance", at.UTC().Format(time.RFC3339)).
			WithFingerprint(projectID, phaseID)
	}
	return nil
}

// Cancel releases an armed job. It returns true only when the job existed in
// scheduled status; re-cancelling an unknown or terminal job returns false.
func (r *Registry) Cancel(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelLocked(jobID)
}

func (r *Registry) cancelLocked(jobID string) bool {
	job, ok := r.jobs[jobID]
	if !ok || job.Status != model.JobStatusScheduled {
		return false
	}
	job.Status = model.JobStatusCancelled
	delete(r.active, job.Fingerprint())
	r.expires[jobID] = r.clock().Add(r.retention)

	r.logger.Info("cancelled scheduled transition",
		"job_id", jobID,
		"project_id", job.ProjectID,
		"phase_id", job.PhaseID)
	if r.metrics != nil {
		r.metrics.Count("registry.cancel", 1, nil)
	}
	return true
}

// Update atomically replaces a scheduled job with a new schedule. The
// returned job ID is always fresh. Fails with not_found when the original job
// is not cancellable; validation failures leave the original job armed.
func (r *Registry) Update(jobID string, req model.ScheduleRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok || job.Status != model.JobStatusScheduled {
		return "", apperrors.NotFoundf("job %s is not cancellable", jobID).WithJob(jobID)
	}
	if err := req.Validate(); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid schedule request")
	}
	if err := r.checkScheduleTime(r.clock(), req.ScheduledTime, req.ProjectID, req.PhaseID); err != nil {
		return "", err
	}

	// Cancel is observed before the replacement is inserted.
	r.cancelLocked(jobID)
	return r.scheduleLocked(req)
}

// ListAll returns a point-in-time copy of every tracked job, including
// terminal jobs still inside their retention window.
func (r *Registry) ListAll() []*model.ScheduledJob {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*model.ScheduledJob, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, job.Clone())
	}
	return out
}

// ListByProject returns copies of all tracked jobs for one project.
func (r *Registry) ListByProject(projectID uint64) []*model.ScheduledJob {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*model.ScheduledJob
	for _, job := range r.jobs {
		if job.ProjectID == projectID {
			out = append(out, job.Clone())
		}
	}
	return out
}

// ActiveJob returns a copy of the scheduled-or-running job for a fingerprint.
func (r *Registry) ActiveJob(fp model.Fingerprint) (*model.ScheduledJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.active[fp]
	if !ok {
		return nil, false
	}
	return r.jobs[id].Clone(), true
}

// Stats summarises registry contents for health reporting.
func (r *Registry) Stats() model.JobStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	var stats model.JobStats
	for _, job := range r.jobs {
		switch job.Status {
		case model.JobStatusScheduled:
			stats.Scheduled++
			if !job.ScheduledTime.After(now) {
				stats.Overdue++
			}
		case model.JobStatusRunning:
			stats.Running++
		case model.JobStatusCompleted:
			stats.Completed++
		case model.JobStatusFailed:
			stats.Failed++
		case model.JobStatusCancelled:
			stats.Cancelled++
		}
	}
	return stats
}

// Run drives the timer engine until the context is cancelled. On shutdown all
// armed timers are released without emitting.
func (r *Registry) Run(ctx context.Context) error {
	reaper := time.NewTicker(reaperInterval)
	defer reaper.Stop()

	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		wait := r.nextWait()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			r.releaseAll()
			r.wg.Wait()
			return nil
		case <-r.rearm:
		case <-timer.C:
			r.fireDue(ctx)
		case <-reaper.C:
			r.sweepExpired()
		}
	}
}

// nextWait computes how long to sleep until the nearest armed deadline.
func (r *Registry) nextWait() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.dropStaleLocked()
	if len(r.timers) == 0 {
		return idleWait
	}
	wait := r.timers[0].at.Sub(r.clock())
	if wait < 0 {
		return 0
	}
	if wait > idleWait {
		return idleWait
	}
	return wait
}

// dropStaleLocked discards heap entries whose job is no longer armed.
func (r *Registry) dropStaleLocked() {
	for len(r.timers) > 0 {
		job, ok := r.jobs[r.timers[0].jobID]
		if ok && job.Status == model.JobStatusScheduled {
			return
		}
		heap.Pop(&r.timers)
	}
}

// fireDue transitions every due job to running and dispatches its firing.
func (r *Registry) fireDue(ctx context.Context) {
	r.mu.Lock()
	now := r.clock()
	var due []*model.ScheduledJob
	for {
		r.dropStaleLocked()
		if len(r.timers) == 0 || r.timers[0].at.After(now) {
			break
		}
		entry := heap.Pop(&r.timers).(fireEntry)
		job := r.jobs[entry.jobID]
		job.Status = model.JobStatusRunning
		due = append(due, job)
	}
	r.mu.Unlock()

	for _, job := range due {
		r.wg.Add(1)
		go func(job *model.ScheduledJob) {
			defer r.wg.Done()
			select {
			case r.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-r.sem }()
			r.fire(ctx, job)
		}(job)
	}
}

// fire publishes the transition for one running job. The emit side effect is
// atomic with the running->completed transition: each job reaches fire at
// most once, and its terminal status reflects the publish outcome.
func (r *Registry) fire(ctx context.Context, job *model.ScheduledJob) {
	now := r.clock()
	payload := model.PhaseTransitionPayload{
		ProjectID:     job.ProjectID,
		PhaseID:       job.PhaseID,
		PhaseTypeName: job.PhaseTypeName,
		State:         job.State,
		Operator:      job.Operator,
		ProjectStatus: job.ProjectStatus,
		Date:          &now,
	}

	var err error
	for attempt := 0; attempt <= r.limits.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(r.limits.RetryDelay):
			}
			if ctx.Err() != nil {
				break
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, r.limits.JobTimeout)
		err = r.publisher.Produce(attemptCtx, r.topic, payload)
		cancel()
		if err == nil {
			break
		}

		r.mu.Lock()
		job.RetryCount++
		job.LastError = err.Error()
		r.mu.Unlock()
		r.logger.Warn("phase transition publish attempt failed",
			"job_id", job.ID,
			"attempt", attempt+1,
			"error", err)
	}

	r.mu.Lock()
	delete(r.active, job.Fingerprint())
	if err != nil {
		job.Status = model.JobStatusFailed
	} else {
		job.Status = model.JobStatusCompleted
	}
	r.expires[job.ID] = r.clock().Add(r.retention)
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("phase transition publish failed",
			"job_id", job.ID,
			"project_id", job.ProjectID,
			"phase_id", job.PhaseID,
			"error", err)
		if r.metrics != nil {
			r.metrics.Count("registry.fire", 1, map[string]string{"result": "error"})
		}
		return
	}

	r.logger.Info("phase transition fired",
		"job_id", job.ID,
		"project_id", job.ProjectID,
		"phase_id", job.PhaseID,
		"phase_type", job.PhaseTypeName,
		"state", string(job.State))
	if r.metrics != nil {
		r.metrics.Count("registry.fire", 1, map[string]string{"result": "success"})
	}
}

// releaseAll cancels every armed timer during shutdown without emitting.
func (r *Registry) releaseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.shutdown = true
	released := 0
	for _, job := range r.jobs {
		if job.Status == model.JobStatusScheduled {
			job.Status = model.JobStatusCancelled
			delete(r.active, job.Fingerprint())
			released++
		}
	}
	r.timers = r.timers[:0]
	if released > 0 {
		r.logger.Info("released armed timers on shutdown", "count", released)
	}
}

// sweepExpired removes terminal jobs older than the retention window.
func (r *Registry) sweepExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	removed := 0
	for id, deadline := range r.expires {
		if deadline.After(now) {
			continue
		}
		delete(r.expires, id)
		delete(r.jobs, id)
		removed++
	}
	if removed > 0 {
		r.logger.Debug("swept expired terminal jobs", "count", removed)
	}
	if r.metrics != nil {
		r.metrics.Gauge("registry.size", float64(len(r.jobs)), nil)
	}
}

// signalRearm wakes the run loop without blocking. Caller holds the lock.
func (r *Registry) signalRearm() {
	select {
	case r.rearm <- struct{}{}:
	default:
	}
}
