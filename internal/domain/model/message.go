package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Originator identifies outbound messages produced by this service.
const Originator = "auto_pilot"

// MimeTypeJSON is the envelope mime-type for all bus payloads.
const MimeTypeJSON = "application/json"

// Envelope is the bus message wrapper shared by all topics.
type Envelope struct {
	Topic      string          `json:"topic"`
	Originator string          `json:"originator"`
	Timestamp  string          `json:"timestamp"`
	MimeType   string          `json:"mime-type"`
	Payload    json.RawMessage `json:"payload"`
}

// NewEnvelope wraps a payload for the given topic with outbound defaults.
func NewEnvelope(topic string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Envelope{
		Topic:      topic,
		Originator: Originator,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		MimeType:   MimeTypeJSON,
		Payload:    raw,
	}, nil
}

// PhaseTransitionPayload is the payload published when a phase starts or ends,
// and consumed when upstream systems pre-announce transitions.
type PhaseTransitionPayload struct {
	ProjectID     uint64          `json:"projectId"`
	PhaseID       uint64          `json:"phaseId"`
	PhaseTypeName string          `json:"phaseTypeName"`
	State         TransitionState `json:"state"`
	Operator      string          `json:"operator"`
	ProjectStatus string          `json:"projectStatus"`
	Date          *time.Time      `json:"date,omitempty"`
}

// Validate checks required phase-transition fields.
func (p *PhaseTransitionPayload) Validate() error {
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
	return nil
}

// ChallengePhase describes one phase inside a detailed challenge update.
type ChallengePhase struct {
	PhaseID       uint64    `json:"phaseId"`
	PhaseTypeName string    `json:"phaseTypeName"`
	EndTime       time.Time `json:"endTime"`
	PhaseStatus   string    `json:"phaseStatus"`
}

// Phase statuses carried in detailed challenge updates.
const (
	PhaseStatusActive    = "ACTIVE"
	PhaseStatusScheduled = "SCHEDULED"
	PhaseStatusClosed    = "CLOSED"
)

// ChallengeUpdatePayload is consumed when a challenge is rescheduled,
// cancelled or completed upstream.
type ChallengeUpdatePayload struct {
	ProjectID   uint64     `json:"projectId"`
	ChallengeID uint64     `json:"challengeId,omitempty"`
	Status      string     `json:"status,omitempty"`
	Operator    string     `json:"operator"`
	Date        *time.Time `json:"date,omitempty"`

	// Detailed extension: present when the catalog pushes the full phase set.
	ProjectStatus string           `json:"projectStatus,omitempty"`
	Phases        []ChallengePhase `json:"phases,omitempty"`
	UpdateReason  string           `json:"updateReason,omitempty"`
}

// EffectiveStatus resolves the project status from either the plain or
// detailed form of the update.
func (p *ChallengeUpdatePayload) EffectiveStatus() string {
	if p.ProjectStatus != "" {
		return strings.ToUpper(p.ProjectStatus)
	}
	return strings.ToUpper(p.Status)
}

// Validate checks required challenge-update fields.
func (p *ChallengeUpdatePayload) Validate() error {
	if p.ProjectID < 1 {
		return fmt.Errorf("projectId must be >= 1")
	}
	if p.EffectiveStatus() == "" {
		return fmt.Errorf("status is required")
	}
	return nil
}

// Command names accepted on the command topic (matched case-insensitively).
const (
	CommandSchedulePhaseTransition  = "schedule_phase_transition"
	CommandCancelScheduledTrans     = "cancel_scheduled_transition"
	CommandListScheduledTransitions = "list_scheduled_transitions"
)

// CommandPayload is consumed from the command topic.
type CommandPayload struct {
	Command   string     `json:"command"`
	Operator  string     `json:"operator"`
	ProjectID uint64     `json:"projectId,omitempty"`
	PhaseID   uint64     `json:"phaseId,omitempty"`
	JobID     string     `json:"jobId,omitempty"`
	Date      *time.Time `json:"date,omitempty"`

	// Optional scheduling detail for schedule_phase_transition.
	PhaseTypeName string          `json:"phaseTypeName,omitempty"`
	State         TransitionState `json:"state,omitempty"`
	ProjectStatus string          `json:"projectStatus,omitempty"`
}

// Normalized returns the lowercase trimmed command name.
func (p *CommandPayload) Normalized() string {
	return strings.ToLower(strings.TrimSpace(p.Command))
}
