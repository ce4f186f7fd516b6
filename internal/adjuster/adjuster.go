// Package adjuster reconciles externally supplied phase sets against the job
// registry, producing and applying cancel/reschedule/schedule-new plans.
package adjuster

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/topcoder-platform/autopilot/internal/domain/model"
	"github.com/topcoder-platform/autopilot/internal/observability/statsd"
	"github.com/topcoder-platform/autopilot/internal/registry"
)

// Hysteresis is the dead-band within which schedule differences are ignored,
// preventing churn from clock skew and minor catalog edits.
const Hysteresis = 60 * time.Second

// Options holds dependencies for an Adjuster.
type Options struct {
	Registry *registry.Registry
	Logger   *slog.Logger
	Metrics  statsd.Sink
	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// Adjuster converts catalog phase snapshots into minimal registry mutations.
// It is safe for concurrent use; all registry access goes through the
// registry's own locking.
type Adjuster struct {
	registry *registry.Registry
	logger   *slog.Logger
	metrics  statsd.Sink
	clock    func() time.Time
}

// New creates an Adjuster.
func New(opts Options) *Adjuster {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Adjuster{
		registry: opts.Registry,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
	}
}

// DetectChanges diffs the project's current catalog phases against the
// registry's scheduled jobs. Differences within the hysteresis band are not
// reported.
func (a *Adjuster) DetectChanges(
	projectID uint64,
	currentPhases []model.ChallengePhase,
	operator string,
) []model.PhaseChange {
	scheduled := make(map[uint64]*model.ScheduledJob)
	for _, job := range a.registry.ListByProject(projectID) {
		if job.Status == model.JobStatusScheduled {
			scheduled[job.PhaseID] = job
		}
	}

	var changes []model.PhaseChange
	seen := make(map[uint64]bool, len(currentPhases))

	for _, phase := range currentPhases {
		seen[phase.PhaseID] = true
		job, ok := scheduled[phase.PhaseID]
		if !ok {
			changes = append(changes, model.PhaseChange{
				ProjectID:     projectID,
				PhaseID:       phase.PhaseID,
				PhaseTypeName: phase.PhaseTypeName,
				Reason:        model.ChangeReasonNewPhase,
				NewEndTime:    phase.EndTime,
				Operator:      operator,
			})
			continue
		}
		if delta := absDuration(job.ScheduledTime.Sub(phase.EndTime)); delta > Hysteresis {
			changes = append(changes, model.PhaseChange{
				ProjectID:     projectID,
				PhaseID:       phase.PhaseID,
				PhaseTypeName: phase.PhaseTypeName,
				Reason:        model.ChangeReasonEndTimeChange,
				OldEndTime:    job.ScheduledTime,
				NewEndTime:    phase.EndTime,
				Operator:      operator,
			})
		}
	}

	now := a.clock()
	for phaseID, job := range scheduled {
		if seen[phaseID] {
			continue
		}
		changes = append(changes, model.PhaseChange{
			ProjectID:     projectID,
			PhaseID:       phaseID,
			PhaseTypeName: job.PhaseTypeName,
			Reason:        model.ChangeReasonPhaseRemoved,
			OldEndTime:    job.ScheduledTime,
			NewEndTime:    now,
			Operator:      operator,
		})
	}

	if len(changes) > 0 {
		a.logger.Info("detected schedule changes",
			"project_id", projectID,
			"count", len(changes))
	}
	return changes
}

// Apply executes a change set against the registry with best-effort batch
// semantics: per-change failures are collected and processing continues.
func (a *Adjuster) Apply(changes []model.PhaseChange) model.AdjustmentResult {
	result := model.AdjustmentResult{
		Success: true,
		Details: model.AdjustmentDetails{
			Cancelled:   []string{},
			Rescheduled: []model.ReschedulePair{},
		},
	}

	for _, change := range changes {
		if err := a.applyChange(change, &result); err != nil {
			result.Success = false
			result.Errors = append(result.Errors, fmt.Sprintf("Phase %d: %v", change.PhaseID, err))
			continue
		}
		result.AdjustedCount++
	}

	if a.metrics != nil {
		a.metrics.Count("adjuster.applied", int64(result.AdjustedCount), nil)
		if len(result.Errors) > 0 {
			a.metrics.Count("adjuster.errors", int64(len(result.Errors)), nil)
		}
	}
	return result
}

// applyChange executes one change against the registry.
func (a *Adjuster) applyChange(change model.PhaseChange, result *model.AdjustmentResult) error {
	fp := model.Fingerprint{ProjectID: change.ProjectID, PhaseID: change.PhaseID}
	job, exists := a.registry.ActiveJob(fp)
	now := a.clock()

	if !exists || job.Status != model.JobStatusScheduled {
		newID, err := a.registry.Schedule(a.scheduleRequest(change))
		if err != nil {
			return err
		}
		result.RescheduledCount++
		result.Details.Rescheduled = append(result.Details.Rescheduled, model.ReschedulePair{
			OldJobID: "none",
			NewJobID: newID,
			PhaseID:  change.PhaseID,
		})
		return nil
	}

	if !change.NewEndTime.After(now) {
		// Transition is past-due; cancel and surface for immediate fallback.
		if a.registry.Cancel(job.ID) {
			result.CancelledCount++
			result.Details.Cancelled = append(result.Details.Cancelled, job.ID)
			a.logger.Warn("cancelled past-due transition; immediate handling required",
				"job_id", job.ID,
				"project_id", change.ProjectID,
				"phase_id", change.PhaseID,
				"end_time", change.NewEndTime.UTC().Format(time.RFC3339))
		}
		return nil
	}

	if absDuration(job.ScheduledTime.Sub(change.NewEndTime)) < Hysteresis {
		// Should have been filtered by the detector.
		return nil
	}

	newID, err := a.registry.Update(job.ID, a.scheduleRequest(change))
	if err != nil {
		return err
	}
	result.RescheduledCount++
	result.Details.Rescheduled = append(result.Details.Rescheduled, model.ReschedulePair{
		OldJobID: job.ID,
		NewJobID: newID,
		PhaseID:  change.PhaseID,
	})
	return nil
}

// scheduleRequest builds the END-transition request for a change.
func (a *Adjuster) scheduleRequest(change model.PhaseChange) model.ScheduleRequest {
	phaseType := change.PhaseTypeName
	if phaseType == "" {
		phaseType = "Unknown"
	}
	return model.ScheduleRequest{
		ProjectID:     change.ProjectID,
		PhaseID:       change.PhaseID,
		PhaseTypeName: phaseType,
		State:         model.TransitionEnd,
		ScheduledTime: change.NewEndTime,
		Operator:      change.Operator,
		ProjectStatus: model.ProjectStatusActive,
	}
}

// CancelAllForProject cancels every scheduled job for the project. It returns
// the cancellation result for the caller to report.
func (a *Adjuster) CancelAllForProject(projectID uint64) model.AdjustmentResult {
	result := model.AdjustmentResult{
		Success: true,
		Details: model.AdjustmentDetails{
			Cancelled:   []string{},
			Rescheduled: []model.ReschedulePair{},
		},
	}

	for _, job := range a.registry.ListByProject(projectID) {
		if job.Status != model.JobStatusScheduled {
			continue
		}
		if a.registry.Cancel(job.ID) {
			result.CancelledCount++
			result.AdjustedCount++
			result.Details.Cancelled = append(result.Details.Cancelled, job.ID)
		}
	}

	a.logger.Info("cancelled all project transitions",
		"project_id", projectID,
		"count", result.CancelledCount)
	if a.metrics != nil {
		a.metrics.Count("adjuster.project_cancel", int64(result.CancelledCount), nil)
	}
	return result
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
