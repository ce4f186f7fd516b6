package model

import (
	"fmt"
	"strings"
	"time"
)

// ActivePhase is one entry from the challenge catalog's active-phase listing,
// consumed by startup recovery.
type ActivePhase struct {
	ProjectID     uint64            `json:"projectId"`
	PhaseID       uint64            `json:"phaseId"`
	PhaseTypeName string            `json:"phaseTypeName"`
	State         TransitionState   `json:"state"`
	EndTime       time.Time         `json:"endTime"`
	ProjectStatus string            `json:"projectStatus"`
	Operator      string            `json:"operator"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Fingerprint returns the phase's (projectID, phaseID) pair.
func (p *ActivePhase) Fingerprint() Fingerprint {
	return Fingerprint{ProjectID: p.ProjectID, PhaseID: p.PhaseID}
}

// Overdue reports whether the phase end time has already passed at the given instant.
func (p *ActivePhase) Overdue(now time.Time) bool {
	return !p.EndTime.After(now)
}

// Validate checks the catalog entry for recovery eligibility.
func (p *ActivePhase) Validate() error {
	if p.ProjectID < 1 {
		return fmt.Errorf("projectId must be >= 1")
	}
	if p.PhaseID < 1 {
		return fmt.Errorf("phaseId must be >= 1")
	}
	if strings.TrimSpace(p.PhaseTypeName) == "" {
		return fmt.Errorf("phaseTypeName is required")
	}
	if !p.State.Valid() {
		return fmt.Errorf("state must be START or END, got %q", p.State)
	}
	if p.EndTime.IsZero() {
		return fmt.Errorf("endTime is required")
	}
	return nil
}
