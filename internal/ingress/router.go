// Package ingress routes decoded bus envelopes to the registry and adjuster.
package ingress

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/topcoder-platform/autopilot/internal/adjuster"
	"github.com/topcoder-platform/autopilot/internal/domain/model"
	apperrors "github.com/topcoder-platform/autopilot/internal/errors"
	"github.com/topcoder-platform/autopilot/internal/observability/statsd"
	"github.com/topcoder-platform/autopilot/internal/registry"
)

// Topics names the three ingress streams the router dispatches on.
type Topics struct {
	PhaseTransition string
	ChallengeUpdate string
	Command         string
}

// Options holds dependencies for a Router.
type Options struct {
	Registry *registry.Registry
	Adjuster *adjuster.Adjuster
	Topics   Topics
	Logger   *slog.Logger
	Metrics  statsd.Sink
}

// Router dispatches one decoded envelope at a time to the correct handler.
// It is driven by the bus consumer, which delivers a single in-flight message
// per stream; handlers therefore run sequentially per stream.
type Router struct {
	registry *registry.Registry
	adjuster *adjuster.Adjuster
	topics   Topics
	logger   *slog.Logger
	metrics  statsd.Sink
}

// New creates a Router.
func New(opts Options) (*Router, error) {
	if opts.Registry == nil {
		return nil, apperrors.Internal("registry is required")
	}
	if opts.Adjuster == nil {
		return nil, apperrors.Internal("adjuster is required")
	}
	if opts.Topics.PhaseTransition == "" || opts.Topics.ChallengeUpdate == "" || opts.Topics.Command == "" {
		return nil, apperrors.Internal("all topic names are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Router{
		registry: opts.Registry,
		adjuster: opts.Adjuster,
		topics:   opts.Topics,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}, nil
}

// Handle routes one envelope by topic. A returned error dead-letters the
// message; the offset advances either way.
func (rt *Router) Handle(ctx context.Context, topic string, env *model.Envelope) error {
	switch topic {
	case rt.topics.PhaseTransition:
		return rt.handlePhaseTransition(ctx, env)
	case rt.topics.ChallengeUpdate:
		return rt.handleChallengeUpdate(ctx, env)
	case rt.topics.Command:
		return rt.handleCommand(ctx, env)
	default:
		rt.logger.WarnContext(ctx, "message on unrouted topic", "topic", topic)
		return nil
	}
}

// handlePhaseTransition ingests transition notifications. Scheduling is
// driven by challenge updates and commands; this ingest is informational.
func (rt *Router) handlePhaseTransition(ctx context.Context, env *model.Envelope) error {
	if env.Originator == model.Originator {
		// Our own emission echoed back through the group.
		return nil
	}

	var payload model.PhaseTransitionPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "decode phase transition payload")
	}
	if err := payload.Validate(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid phase transition payload")
	}

	rt.logger.InfoContext(ctx, "observed phase transition",
		"project_id", payload.ProjectID,
		"phase_id", payload.PhaseID,
		"phase_type", payload.PhaseTypeName,
		"state", string(payload.State),
		"originator", env.Originator)
	rt.count("ingress.phase_transition", map[string]string{"state": strings.ToLower(string(payload.State))})
	return nil
}

// handleChallengeUpdate reconciles the registry against an upstream challenge
// change.
func (rt *Router) handleChallengeUpdate(ctx context.Context, env *model.Envelope) error {
	var payload model.ChallengeUpdatePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "decode challenge update payload")
	}
	if err := payload.Validate(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid challenge update payload")
	}

	status := payload.EffectiveStatus()
	switch status {
	case model.ProjectStatusCancelled, model.ProjectStatusCompleted:
		result := rt.adjuster.CancelAllForProject(payload.ProjectID)
		rt.logger.InfoContext(ctx, "challenge closed; transitions cancelled",
			"project_id", payload.ProjectID,
			"status", status,
			"cancelled", result.CancelledCount)
		rt.count("ingress.challenge_update", map[string]string{"action": "cancel_all"})
		return nil

	case model.ProjectStatusActive:
		if len(payload.Phases) == 0 {
			rt.logger.DebugContext(ctx, "active challenge update without phase detail",
				"project_id", payload.ProjectID)
			return nil
		}
		phases := relevantPhases(payload.Phases)
		changes := rt.adjuster.DetectChanges(payload.ProjectID, phases, payload.Operator)
		if len(changes) == 0 {
			return nil
		}
		result := rt.adjuster.Apply(changes)
		rt.logger.InfoContext(ctx, "challenge schedule reconciled",
			"project_id", payload.ProjectID,
			"adjusted", result.AdjustedCount,
			"cancelled", result.CancelledCount,
			"rescheduled", result.RescheduledCount,
			"errors", len(result.Errors))
		for _, msg := range result.Errors {
			rt.logger.WarnContext(ctx, "adjustment error", "project_id", payload.ProjectID, "detail", msg)
		}
		rt.count("ingress.challenge_update", map[string]string{"action": "reconcile"})
		return nil

	case model.ProjectStatusDraft:
		// Draft challenges have no armed transitions to adjust.
		return nil

	default:
		rt.logger.WarnContext(ctx, "challenge update with unknown status",
			"project_id", payload.ProjectID,
			"status", status)
		return nil
	}
}

// handleCommand executes one operator command; names match case-insensitively.
func (rt *Router) handleCommand(ctx context.Context, env *model.Envelope) error {
	var payload model.CommandPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "decode command payload")
	}

	switch payload.Normalized() {
	case model.CommandSchedulePhaseTransition:
		return rt.commandSchedule(ctx, &payload)
	case model.CommandCancelScheduledTrans:
		return rt.commandCancel(ctx, &payload)
	case model.CommandListScheduledTransitions:
		return rt.commandList(ctx, &payload)
	default:
		rt.logger.WarnContext(ctx, "unknown command",
			"command", payload.Command,
			"operator", payload.Operator)
		rt.count("ingress.command", map[string]string{"command": "unknown"})
		return nil
	}
}

func (rt *Router) commandSchedule(ctx context.Context, payload *model.CommandPayload) error {
	if payload.Date == nil {
		return apperrors.Validation("schedule command requires a date")
	}
	state := payload.State
	if state == "" {
		state = model.TransitionEnd
	}
	projectStatus := payload.ProjectStatus
	if projectStatus == "" {
		projectStatus = model.ProjectStatusActive
	}

	jobID, err := rt.registry.Schedule(model.ScheduleRequest{
		ProjectID:     payload.ProjectID,
		PhaseID:       payload.PhaseID,
		PhaseTypeName: payload.PhaseTypeName,
		State:         state,
		ScheduledTime: *payload.Date,
		Operator:      payload.Operator,
		ProjectStatus: projectStatus,
	})
	if err != nil {
		return err
	}

	rt.logger.InfoContext(ctx, "command scheduled transition",
		"job_id", jobID,
		"project_id", payload.ProjectID,
		"phase_id", payload.PhaseID,
		"operator", payload.Operator)
	rt.count("ingress.command", map[string]string{"command": "schedule"})
	return nil
}

func (rt *Router) commandCancel(ctx context.Context, payload *model.CommandPayload) error {
	jobID := payload.JobID
	if jobID == "" {
		if payload.ProjectID == 0 || payload.PhaseID == 0 {
			return apperrors.Validation("cancel command requires a jobId or a projectId and phaseId")
		}
		job, ok := rt.registry.ActiveJob(model.Fingerprint{
			ProjectID: payload.ProjectID,
			PhaseID:   payload.PhaseID,
		})
		if !ok {
			rt.logger.WarnContext(ctx, "cancel command matched no active job",
				"project_id", payload.ProjectID,
				"phase_id", payload.PhaseID,
				"operator", payload.Operator)
			return nil
		}
		jobID = job.ID
	}

	cancelled := rt.registry.Cancel(jobID)
	rt.logger.InfoContext(ctx, "command cancel processed",
		"job_id", jobID,
		"cancelled", cancelled,
		"operator", payload.Operator)
	rt.count("ingress.command", map[string]string{"command": "cancel"})
	return nil
}

func (rt *Router) commandList(ctx context.Context, payload *model.CommandPayload) error {
	var jobs []*model.ScheduledJob
	if payload.ProjectID > 0 {
		jobs = rt.registry.ListByProject(payload.ProjectID)
	} else {
		jobs = rt.registry.ListAll()
	}

	stats := rt.registry.Stats()
	rt.logger.InfoContext(ctx, "scheduled transitions listed",
		"operator", payload.Operator,
		"project_id", payload.ProjectID,
		"jobs", len(jobs),
		"scheduled", stats.Scheduled,
		"running", stats.Running,
		"completed", stats.Completed,
		"failed", stats.Failed,
		"cancelled", stats.Cancelled)
	for _, job := range jobs {
		if job.Status != model.JobStatusScheduled {
			continue
		}
		rt.logger.InfoContext(ctx, "scheduled transition",
			"job_id", job.ID,
			"project_id", job.ProjectID,
			"phase_id", job.PhaseID,
			"phase_type", job.PhaseTypeName,
			"state", string(job.State),
			"scheduled_time", job.ScheduledTime.UTC().Format(time.RFC3339))
	}
	rt.count("ingress.command", map[string]string{"command": "list"})
	return nil
}

// relevantPhases keeps only active and scheduled phases from a detailed update.
func relevantPhases(phases []model.ChallengePhase) []model.ChallengePhase {
	out := make([]model.ChallengePhase, 0, len(phases))
	for _, phase := range phases {
		switch strings.ToUpper(phase.PhaseStatus) {
		case model.PhaseStatusActive, model.PhaseStatusScheduled:
			out = append(out, phase)
		}
	}
	return out
}

func (rt *Router) count(name string, tags map[string]string) {
	if rt.metrics != nil {
		rt.metrics.Count(name, 1, tags)
	}
}
