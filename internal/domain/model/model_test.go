package model

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobID(t *testing.T) {
	id := NewJobID(42, 7)

	assert.True(t, strings.HasPrefix(id, "phase-transition-42-7-"))
	assert.NotEqual(t, id, NewJobID(42, 7), "job IDs must be unique per call")
}

func TestTransitionState_UnmarshalText(t *testing.T) {
	tests := []struct {
		input   string
		want    TransitionState
		wantErr bool
	}{
		{"START", TransitionStart, false},
		{"end", TransitionEnd, false},
		{" End ", TransitionEnd, false},
		{"PAUSE", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var s TransitionState
			err := s.UnmarshalText([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, s)
		})
	}
}

func TestJobStatus_Terminal(t *testing.T) {
	assert.False(t, JobStatusScheduled.Terminal())
	assert.False(t, JobStatusRunning.Terminal())
	assert.True(t, JobStatusCompleted.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
	assert.True(t, JobStatusCancelled.Terminal())
}

func TestScheduledJob_Clone(t *testing.T) {
	job := &ScheduledJob{
		ID:       "job-1",
		Metadata: map[string]string{"source": "catalog"},
	}

	clone := job.Clone()
	clone.Metadata["source"] = "mutated"

	assert.Equal(t, "catalog", job.Metadata["source"])
}

func TestScheduleRequest_Validate(t *testing.T) {
	valid := ScheduleRequest{
		ProjectID:     1,
		PhaseID:       2,
		PhaseTypeName: "Review",
		State:         TransitionEnd,
		ScheduledTime: time.Now().Add(time.Hour),
		Operator:      "sys",
		ProjectStatus: ProjectStatusActive,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*ScheduleRequest)
	}{
		{"zero project", func(r *ScheduleRequest) { r.ProjectID = 0 }},
		{"zero phase", func(r *ScheduleRequest) { r.PhaseID = 0 }},
		{"empty phase type", func(r *ScheduleRequest) { r.PhaseTypeName = "  " }},
		{"invalid state", func(r *ScheduleRequest) { r.State = "PAUSE" }},
		{"zero time", func(r *ScheduleRequest) { r.ScheduledTime = time.Time{} }},
		{"empty operator", func(r *ScheduleRequest) { r.Operator = "" }},
		{"empty project status", func(r *ScheduleRequest) { r.ProjectStatus = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			assert.Error(t, req.Validate())
		})
	}
}

func TestNewEnvelope(t *testing.T) {
	payload := PhaseTransitionPayload{
		ProjectID:     1,
		PhaseID:       10,
		PhaseTypeName: "Review",
		State:         TransitionEnd,
		Operator:      "sys",
		ProjectStatus: ProjectStatusActive,
	}

	env, err := NewEnvelope("autopilot.phase.transition", payload)
	require.NoError(t, err)

	assert.Equal(t, "autopilot.phase.transition", env.Topic)
	assert.Equal(t, Originator, env.Originator)
	assert.Equal(t, MimeTypeJSON, env.MimeType)

	_, err = time.Parse(time.RFC3339, env.Timestamp)
	assert.NoError(t, err)

	var decoded PhaseTransitionPayload
	require.NoError(t, json.Unmarshal(env.Payload, &decoded))
	assert.Equal(t, payload, decoded)
}

func TestEnvelope_MimeTypeFieldName(t *testing.T) {
	env, err := NewEnvelope("t", map[string]string{"k": "v"})
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"mime-type"`)
}

func TestChallengeUpdatePayload_EffectiveStatus(t *testing.T) {
	plain := ChallengeUpdatePayload{ProjectID: 1, Status: "cancelled"}
	assert.Equal(t, ProjectStatusCancelled, plain.EffectiveStatus())

	detailed := ChallengeUpdatePayload{ProjectID: 1, Status: "COMPLETED", ProjectStatus: "active"}
	assert.Equal(t, ProjectStatusActive, detailed.EffectiveStatus(), "detailed form wins")
}

func TestChallengeUpdatePayload_Validate(t *testing.T) {
	require.NoError(t, (&ChallengeUpdatePayload{ProjectID: 1, Status: "ACTIVE"}).Validate())
	assert.Error(t, (&ChallengeUpdatePayload{Status: "ACTIVE"}).Validate())
	assert.Error(t, (&ChallengeUpdatePayload{ProjectID: 1}).Validate())
}

func TestCommandPayload_Normalized(t *testing.T) {
	p := CommandPayload{Command: "  Schedule_Phase_Transition "}
	assert.Equal(t, CommandSchedulePhaseTransition, p.Normalized())
}

func TestActivePhase_Overdue(t *testing.T) {
	now := time.Now()
	past := ActivePhase{EndTime: now.Add(-time.Minute)}
	future := ActivePhase{EndTime: now.Add(time.Minute)}

	assert.True(t, past.Overdue(now))
	assert.False(t, future.Overdue(now))
}

func TestJobStats_Rates(t *testing.T) {
	stats := JobStats{Scheduled: 10, Completed: 5, Failed: 5, Overdue: 1}

	assert.Equal(t, 20, stats.Total())
	assert.InDelta(t, 0.25, stats.FailureRate(), 1e-9)
	assert.InDelta(t, 0.1, stats.OverdueRate(), 1e-9)

	var empty JobStats
	assert.Zero(t, empty.FailureRate())
	assert.Zero(t, empty.OverdueRate())
}
