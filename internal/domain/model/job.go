// Package model defines the core data types used throughout the autopilot scheduler.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TransitionState represents the phase edge a scheduled job emits.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type TransitionState string

// JobStatus represents the lifecycle status of a scheduled job.
type JobStatus string

// ProjectStatus values recognised by the scheduler.
const (
	ProjectStatusActive    = "ACTIVE"
	ProjectStatusDraft     = "DRAFT"
	ProjectStatusCancelled = "CANCELLED"
	ProjectStatusCompleted = "COMPLETED"
)

const (
	// TransitionStart marks the beginning of a phase.
	TransitionStart TransitionState = "START"
	// TransitionEnd marks the end of a phase.
	TransitionEnd TransitionState = "END"

	// JobStatusScheduled indicates a job is armed and waiting to fire.
	JobStatusScheduled JobStatus = "scheduled"
	// JobStatusRunning indicates a job's firing is currently executing.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates a job fired and the transition was published.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates a job fired but publishing the transition failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates a job was cancelled before firing.
	JobStatusCancelled JobStatus = "cancelled"
)

// UnmarshalText implements encoding.TextUnmarshaler so transition states parse from env and JSON.
func (s *TransitionState) UnmarshalText(text []byte) error {
	v := TransitionState(strings.ToUpper(strings.TrimSpace(string(text))))
	if v.Valid() {
		*s = v
		return nil
	}
	return fmt.Errorf("invalid TransitionState: %q", string(text))
}

// Valid returns true if the TransitionState is valid.
func (s TransitionState) Valid() bool {
	return s == TransitionStart || s == TransitionEnd
}

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusScheduled, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status is one a job never leaves.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Fingerprint is the (projectID, phaseID) pair used for deduplication.
// At most one job per fingerprint may be scheduled or running at any instant.
type Fingerprint struct {
	ProjectID uint64 `json:"projectId"`
	PhaseID   uint64 `json:"phaseId"`
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%d-%d", f.ProjectID, f.PhaseID)
}

// ScheduledJob represents a scheduled future firing of a phase transition.
type ScheduledJob struct {
	ID            string            `json:"id"`
	ProjectID     uint64            `json:"projectId"`
	PhaseID       uint64            `json:"phaseId"`
	PhaseTypeName string            `json:"phaseTypeName"`
	State         TransitionState   `json:"state"`
	ScheduledTime time.Time         `json:"scheduledTime"`
	CreatedAt     time.Time         `json:"createdAt"`
	Status        JobStatus         `json:"status"`
	Operator      string            `json:"operator"`
	ProjectStatus string            `json:"projectStatus"`
	RetryCount    int               `json:"retryCount"`
	LastError     string            `json:"lastError,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Fingerprint returns the job's (projectID, phaseID) pair.
func (j *ScheduledJob) Fingerprint() Fingerprint {
	return Fingerprint{ProjectID: j.ProjectID, PhaseID: j.PhaseID}
}

// Clone returns a deep copy suitable for snapshot reads.
func (j *ScheduledJob) Clone() *ScheduledJob {
	cp := *j
	if j.Metadata != nil {
		cp.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// JobIDPrefix is the human-identifiable prefix shared by all registry job IDs.
const JobIDPrefix = "phase-transition"

// NewJobID generates a globally unique job ID incorporating the fingerprint.
func NewJobID(projectID, phaseID uint64) string {
	return fmt.Sprintf("%s-%d-%d-%s", JobIDPrefix, projectID, phaseID, uuid.NewString())
}

// ScheduleRequest carries the inputs for scheduling a phase transition.
type ScheduleRequest struct {
	ProjectID     uint64
	PhaseID       uint64
	PhaseTypeName string
	State         TransitionState
	ScheduledTime time.Time
	Operator      string
	ProjectStatus string
	Metadata      map[string]string
}

// Validate checks the request fields that do not depend on the clock.
// The registry enforces the future-time and uniqueness rules itself.
func (r *ScheduleRequest) Validate() error {
	if r.ProjectID < 1 {
		return fmt.Errorf("projectId must be >= 1, got %d", r.ProjectID)
	}
	if r.PhaseID < 1 {
		return fmt.Errorf("phaseId must be >= 1, got %d", r.PhaseID)
	}
	if strings.TrimSpace(r.PhaseTypeName) == "" {
		return fmt.Errorf("phaseTypeName is required")
	}
	if !r.State.Valid() {
		return fmt.Errorf("state must be START or END, got %q", r.State)
	}
	if r.ScheduledTime.IsZero() {
		return fmt.Errorf("scheduledTime is required")
	}
	if strings.TrimSpace(r.Operator) == "" {
		return fmt.Errorf("operator is required")
	}
	if strings.TrimSpace(r.ProjectStatus) == "" {
		return fmt.Errorf("projectStatus is required")
	}
	return nil
}

// JobStats summarises registry contents for health reporting.
type JobStats struct {
	Scheduled int `json:"scheduled"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Overdue   int `json:"overdue"`
}

// Total returns the number of tracked jobs.
func (s JobStats) Total() int {
	return s.Scheduled + s.Running + s.Completed + s.Failed + s.Cancelled
}

// FailureRate returns the fraction of tracked jobs in failed status.
func (s JobStats) FailureRate() float64 {
	total := s.Total()
	if total == 0 {
		return 0
	}
	return float64(s.Failed) / float64(total)
}

// OverdueRate returns the fraction of scheduled jobs whose firing time has passed.
func (s JobStats) OverdueRate() float64 {
	if s.Scheduled == 0 {
		return 0
	}
	return float64(s.Overdue) / float64(s.Scheduled)
}
