// Package recovery reconciles the in-memory job registry with the challenge
// catalog at startup, scheduling upcoming phases and flushing overdue ones.
package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/topcoder-platform/autopilot/internal/domain/model"
	apperrors "github.com/topcoder-platform/autopilot/internal/errors"
	"github.com/topcoder-platform/autopilot/internal/observability/statsd"
)

// Status describes the recovery lifecycle for health reporting.
type Status string

const (
	StatusNotStarted          Status = "not_started"
	StatusInProgress          Status = "in_progress"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
	StatusFailed              Status = "failed"
	StatusDisabled            Status = "disabled"
)

// Catalog is the challenge-service surface recovery reads from.
type Catalog interface {
	ActivePhases(ctx context.Context) ([]model.ActivePhase, error)
}

// Scheduler is the registry surface recovery arms upcoming phases through.
type Scheduler interface {
	Schedule(req model.ScheduleRequest) (string, error)
}

// Publisher is the egress surface overdue transitions are flushed through.
type Publisher interface {
	Produce(ctx context.Context, topic string, payload any) error
}

// Config controls recovery behaviour.
type Config struct {
	// Enabled gates the whole recovery pass.
	Enabled bool
	// FailOnError aborts startup when recovery fails.
	FailOnError bool
	// MaxConcurrentPhases bounds each scheduling batch (default 10).
	MaxConcurrentPhases int
	// ProcessOverduePhases enables immediate publication of past-due phases.
	ProcessOverduePhases bool
	// MaxPhaseAge excludes phases whose end time is older than this (default 72h).
	MaxPhaseAge time.Duration
	// MinScheduleGap treats phases ending within the gap as overdue so the
	// registry never schedules into the immediate past.
	MinScheduleGap time.Duration
	// MinProjectID and MaxProjectID bound the recovered project range; zero
	// MaxProjectID means unbounded.
	MinProjectID uint64
	MaxProjectID uint64
	// AllowedProjectStatuses filters recovered phases (default ACTIVE, DRAFT).
	AllowedProjectStatuses []string
	// SkipInvalidPhases skips phases failing validation instead of counting
	// the batch item as failed.
	SkipInvalidPhases bool
}

// Metrics is a snapshot of recovery progress.
type Metrics struct {
	Status                   Status        `json:"status"`
	LastRecoveryTime         time.Time     `json:"lastRecoveryTime"`
	LastRecoveryDuration     time.Duration `json:"lastRecoveryDuration"`
	LastRecoveryCount        int           `json:"lastRecoveryCount"`
	TotalRecoveryOperations  int64         `json:"totalRecoveryOperations"`
	FailedRecoveryOperations int64         `json:"failedRecoveryOperations"`
}

// Options holds dependencies for an Orchestrator.
type Options struct {
	Catalog         Catalog
	Scheduler       Scheduler
	Publisher       Publisher
	TransitionTopic string
	Config          Config
	Logger          *slog.Logger
	Metrics         statsd.Sink
	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// Orchestrator performs the boot-time reconciliation pass.
type Orchestrator struct {
	catalog   Catalog
	scheduler Scheduler
	publisher Publisher
	topic     string
	cfg       Config
	logger    *slog.Logger
	sink      statsd.Sink
	clock     func() time.Time

	mu      sync.Mutex
	metrics Metrics
}

// overdueBatchCap bounds overdue processing batches.
const overdueBatchCap = 5

// New creates a recovery orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Catalog == nil {
		return nil, apperrors.Internal("catalog client is required")
	}
	if opts.Scheduler == nil {
		return nil, apperrors.Internal("scheduler is required")
	}
	if opts.Publisher == nil {
		return nil, apperrors.Internal("publisher is required")
	}
	if opts.TransitionTopic == "" {
		return nil, apperrors.Internal("transition topic is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	cfg := opts.Config
	if cfg.MaxConcurrentPhases < 1 {
		cfg.MaxConcurrentPhases = 10
	}
	if cfg.MaxPhaseAge <= 0 {
		cfg.MaxPhaseAge = 72 * time.Hour
	}
	if len(cfg.AllowedProjectStatuses) == 0 {
		cfg.AllowedProjectStatuses = []string{model.ProjectStatusActive, model.ProjectStatusDraft}
	}

	return &Orchestrator{
		catalog:   opts.Catalog,
		scheduler: opts.Scheduler,
		publisher: opts.Publisher,
		topic:     opts.TransitionTopic,
		cfg:       cfg,
		logger:    opts.Logger,
		sink:      opts.Metrics,
		clock:     opts.Clock,
		metrics:   Metrics{Status: StatusNotStarted},
	}, nil
}

// Metrics returns a snapshot of recovery progress.
func (o *Orchestrator) Metrics() Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.metrics
}

func (o *Orchestrator) setStatus(status Status) {
	o.mu.Lock()
	o.metrics.Status = status
	o.mu.Unlock()
}

// ExecuteStartupRecovery scans active phases and populates the registry.
// When FailOnError is false (the default) partial failure completes with
// errors and startup proceeds; when true the returned error aborts startup.
func (o *Orchestrator) ExecuteStartupRecovery(ctx context.Context) error {
	if !o.cfg.Enabled {
		o.setStatus(StatusDisabled)
		o.logger.InfoContext(ctx, "startup recovery disabled")
		return nil
	}

	start := o.clock()
	o.setStatus(StatusInProgress)
	o.logger.InfoContext(ctx, "startup recovery began")

	phases, err := o.catalog.ActivePhases(ctx)
	if err != nil {
		o.recordFailure()
		if apperrors.IsCircuitOpen(err) {
			// Open catalog breaker degrades to an empty phase set.
			o.logger.WarnContext(ctx, "challenge service circuit open; recovering with empty phase set")
			phases = nil
		} else if o.cfg.FailOnError {
			o.finish(start, 0, StatusFailed)
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "fetch active phases")
		} else {
			o.logger.ErrorContext(ctx, "fetch active phases failed; continuing startup", "error", err)
			o.finish(start, 0, StatusCompletedWithErrors)
			return nil
		}
	}

	eligible, invalid := o.filterPhases(phases)
	now := o.clock()
	upcoming, overdue := o.partitionPhases(eligible, now)

	o.logger.InfoContext(ctx, "recovery phase scan complete",
		"fetched", len(phases),
		"eligible", len(eligible),
		"invalid", invalid,
		"upcoming", len(upcoming),
		"overdue", len(overdue))

	scheduled, failures := o.scheduleUpcoming(ctx, upcoming)

	published := 0
	if o.cfg.ProcessOverduePhases {
		var overdueFailures int
		published, overdueFailures = o.publishOverdue(ctx, overdue)
		failures += overdueFailures
	}

	status := StatusCompleted
	if failures > 0 || invalid > 0 && !o.cfg.SkipInvalidPhases {
		status = StatusCompletedWithErrors
	}
	o.finish(start, scheduled+published, status)

	if failures > 0 && o.cfg.FailOnError {
		o.setStatus(StatusFailed)
		return apperrors.Internalf("recovery finished with %d failures", failures)
	}

	o.logger.InfoContext(ctx, "startup recovery finished",
		"scheduled", scheduled,
		"overdue_published", published,
		"failures", failures,
		"status", string(status),
		"duration", o.clock().Sub(start).String())
	return nil
}

// filterPhases applies the recovery eligibility criteria.
func (o *Orchestrator) filterPhases(phases []model.ActivePhase) ([]model.ActivePhase, int) {
	now := o.clock()
	allowed := make(map[string]bool, len(o.cfg.AllowedProjectStatuses))
	for _, s := range o.cfg.AllowedProjectStatuses {
		allowed[s] = true
	}

	var eligible []model.ActivePhase
	invalid := 0
	for _, phase := range phases {
		if err := phase.Validate(); err != nil {
			invalid++
			if o.cfg.SkipInvalidPhases {
				o.logger.Warn("skipping invalid phase",
					"project_id", phase.ProjectID,
					"phase_id", phase.PhaseID,
					"error", err)
				continue
			}
			continue
		}
		if !allowed[phase.ProjectStatus] {
			continue
		}
		if now.Sub(phase.EndTime) > o.cfg.MaxPhaseAge {
			continue
		}
		if phase.ProjectID < o.cfg.MinProjectID {
			continue
		}
		if o.cfg.MaxProjectID > 0 && phase.ProjectID > o.cfg.MaxProjectID {
			continue
		}
		eligible = append(eligible, phase)
	}
	return eligible, invalid
}

// partitionPhases splits eligible phases into upcoming and overdue sets.
// Phases ending inside the minimum schedule gap count as overdue.
func (o *Orchestrator) partitionPhases(
	phases []model.ActivePhase,
	now time.Time,
) (upcoming, overdue []model.ActivePhase) {
	cutoff := now.Add(o.cfg.MinScheduleGap)
	for _, phase := range phases {
		if phase.EndTime.After(cutoff) {
			upcoming = append(upcoming, phase)
		} else {
			overdue = append(overdue, phase)
		}
	}
	return upcoming, overdue
}

// scheduleUpcoming arms registry jobs in settled batches of at most
// MaxConcurrentPhases; a batch's successes and failures both settle before
// the next batch starts.
func (o *Orchestrator) scheduleUpcoming(ctx context.Context, phases []model.ActivePhase) (int, int) {
	scheduled := 0
	failures := 0

	for _, batch := range batches(phases, o.cfg.MaxConcurrentPhases) {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for _, phase := range batch {
			phase := phase
			g.Go(func() error {
				if gctx.Err() != nil {
					return nil
				}
				operator := phase.Operator
				if operator == "" {
					operator = model.Originator
				}
				_, err := o.scheduler.Schedule(model.ScheduleRequest{
					ProjectID:     phase.ProjectID,
					PhaseID:       phase.PhaseID,
					PhaseTypeName: phase.PhaseTypeName,
					State:         model.TransitionEnd,
					ScheduledTime: phase.EndTime,
					Operator:      operator,
					ProjectStatus: phase.ProjectStatus,
					Metadata:      phase.Metadata,
				})
				mu.Lock()
				if err != nil {
					failures++
					o.logger.Warn("recovery schedule failed",
						"project_id", phase.ProjectID,
						"phase_id", phase.PhaseID,
						"error", err)
				} else {
					scheduled++
				}
				mu.Unlock()
				// Failures settle the batch item; they never abort the group.
				return nil
			})
		}
		_ = g.Wait()
	}
	return scheduled, failures
}

// publishOverdue immediately emits END transitions for past-due phases in
// batches of at most min(5, MaxConcurrentPhases). No registry entry is created.
func (o *Orchestrator) publishOverdue(ctx context.Context, phases []model.ActivePhase) (int, int) {
	batchSize := o.cfg.MaxConcurrentPhases
	if batchSize > overdueBatchCap {
		batchSize = overdueBatchCap
	}

	published := 0
	failures := 0
	for _, batch := range batches(phases, batchSize) {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for _, phase := range batch {
			phase := phase
			g.Go(func() error {
				if gctx.Err() != nil {
					return nil
				}
				now := o.clock()
				operator := phase.Operator
				if operator == "" {
					operator = model.Originator
				}
				payload := model.PhaseTransitionPayload{
					ProjectID:     phase.ProjectID,
					PhaseID:       phase.PhaseID,
					PhaseTypeName: phase.PhaseTypeName,
					State:         model.TransitionEnd,
					Operator:      operator,
					ProjectStatus: phase.ProjectStatus,
					Date:          &now,
				}
				err := o.publisher.Produce(gctx, o.topic, payload)
				mu.Lock()
				if err != nil {
					failures++
					o.logger.Warn("overdue transition publish failed",
						"project_id", phase.ProjectID,
						"phase_id", phase.PhaseID,
						"error", err)
				} else {
					published++
					o.logger.Info("published overdue transition",
						"project_id", phase.ProjectID,
						"phase_id", phase.PhaseID,
						"phase_type", phase.PhaseTypeName)
				}
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}
	return published, failures
}

// finish records the pass outcome into the metrics snapshot.
func (o *Orchestrator) finish(start time.Time, count int, status Status) {
	end := o.clock()
	o.mu.Lock()
	o.metrics.Status = status
	o.metrics.LastRecoveryTime = end
	o.metrics.LastRecoveryDuration = end.Sub(start)
	o.metrics.LastRecoveryCount = count
	o.metrics.TotalRecoveryOperations++
	o.mu.Unlock()

	if o.sink != nil {
		o.sink.Timing("recovery.duration", end.Sub(start), map[string]string{"status": string(status)})
		o.sink.Count("recovery.phases", int64(count), nil)
	}
}

func (o *Orchestrator) recordFailure() {
	o.mu.Lock()
	o.metrics.FailedRecoveryOperations++
	o.mu.Unlock()
}

// batches splits items into chunks of at most size.
func batches(items []model.ActivePhase, size int) [][]model.ActivePhase {
	if size < 1 {
		size = 1
	}
	var out [][]model.ActivePhase
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}
