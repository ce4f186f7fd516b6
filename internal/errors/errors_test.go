package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	t.Run("without cause", func(t *testing.T) {
		err := New(ErrCodeNotFound, "job missing")
		assert.Equal(t, "job missing", err.Error())
	})

	t.Run("with cause", func(t *testing.T) {
		cause := errors.New("boom")
		err := Wrap(cause, ErrCodeProducer, "publish failed")
		assert.Equal(t, "publish failed: boom", err.Error())
		assert.ErrorIs(t, err, cause)
	})
}

func TestAppError_Annotations(t *testing.T) {
	err := DuplicateJob("already scheduled").WithFingerprint(7, 70).WithJob("phase-transition-7-70-x")

	assert.Equal(t, uint64(7), err.ProjectID)
	assert.Equal(t, uint64(70), err.PhaseID)
	assert.Equal(t, "phase-transition-7-70-x", err.JobID)
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		predicate func(error) bool
		want      bool
	}{
		{"past schedule time", PastScheduleTime("late"), IsPastScheduleTime, true},
		{"duplicate job", DuplicateJobf("fp %s", "1-2"), IsDuplicateJob, true},
		{"not found", NotFound("gone"), IsNotFound, true},
		{"scheduling failed", SchedulingFailed("engine"), IsSchedulingFailed, true},
		{"invalid phase", InvalidPhase("bad"), IsInvalidPhase, true},
		{"circuit open", CircuitOpen("rejecting"), IsCircuitOpen, true},
		{"validation", Validation("bad input"), IsValidation, true},
		{"wrong code", NotFound("gone"), IsDuplicateJob, false},
		{"plain error", errors.New("plain"), IsNotFound, false},
		{"nil", nil, IsNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.predicate(tt.err))
		})
	}
}

func TestPredicates_WrappedCause(t *testing.T) {
	inner := PastScheduleTime("late")
	outer := fmt.Errorf("schedule: %w", inner)

	assert.True(t, IsPastScheduleTime(outer))
	assert.Equal(t, ErrCodePastScheduleTime, GetCode(outer))
}

func TestWrap_NilCause(t *testing.T) {
	require.Nil(t, Wrap(nil, ErrCodeInternal, "no-op"))
	require.Nil(t, Wrapf(nil, ErrCodeInternal, "no-op %d", 1))
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, ErrCodeValidation, GetCode(Validation("bad")))
	assert.Equal(t, ErrorCode(""), GetCode(errors.New("plain")))
	assert.Equal(t, ErrorCode(""), GetCode(nil))
}
