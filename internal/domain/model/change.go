package model

import "time"

// ChangeReason classifies why a phase schedule diverged from the registry.
type ChangeReason string

const (
	// ChangeReasonNewPhase indicates a catalog phase with no registry job.
	ChangeReasonNewPhase ChangeReason = "new_phase_schedule"
	// ChangeReasonEndTimeChange indicates the catalog end time moved beyond the hysteresis band.
	ChangeReasonEndTimeChange ChangeReason = "end_time_change"
	// ChangeReasonPhaseRemoved indicates a registry job whose phase left the catalog.
	ChangeReasonPhaseRemoved ChangeReason = "phase_removed"
)

// PhaseChange is one detected divergence between the catalog and the registry.
type PhaseChange struct {
	ProjectID     uint64       `json:"projectId"`
	PhaseID       uint64       `json:"phaseId"`
	PhaseTypeName string       `json:"phaseTypeName,omitempty"`
	Reason        ChangeReason `json:"reason"`
	OldEndTime    time.Time    `json:"oldEndTime,omitempty"`
	NewEndTime    time.Time    `json:"newEndTime"`
	Operator      string       `json:"operator"`
}

// ReschedulePair records an Update's old-to-new job ID mapping.
type ReschedulePair struct {
	OldJobID string `json:"oldJobId"`
	NewJobID string `json:"newJobId"`
	PhaseID  uint64 `json:"phaseId"`
}

// AdjustmentDetails itemises the registry mutations applied for a change set.
type AdjustmentDetails struct {
	Cancelled   []string         `json:"cancelled"`
	Rescheduled []ReschedulePair `json:"rescheduled"`
}

// AdjustmentResult aggregates the outcome of applying a change set.
// Per-change failures are collected rather than halting the batch.
type AdjustmentResult struct {
	Success          bool              `json:"success"`
	AdjustedCount    int               `json:"adjustedCount"`
	CancelledCount   int               `json:"cancelledCount"`
	RescheduledCount int               `json:"rescheduledCount"`
	Errors           []string          `json:"errors,omitempty"`
	Details          AdjustmentDetails `json:"details"`
}
