package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topcoder-platform/autopilot/internal/domain/model"
	apperrors "github.com/topcoder-platform/autopilot/internal/errors"
)

// capturingPublisher records published transitions and can be forced to fail.
type capturingPublisher struct {
	mu       sync.Mutex
	payloads []model.PhaseTransitionPayload
	err      error
	fired    chan model.PhaseTransitionPayload
}

func newCapturingPublisher() *capturingPublisher {
	return &capturingPublisher{fired: make(chan model.PhaseTransitionPayload, 16)}
}

func (p *capturingPublisher) Produce(_ context.Context, _ string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	tp, ok := payload.(model.PhaseTransitionPayload)
	if !ok {
		return errors.New("unexpected payload type")
	}
	p.payloads = append(p.payloads, tp)
	select {
	case p.fired <- tp:
	default:
	}
	return nil
}

func (p *capturingPublisher) setError(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *capturingPublisher) published() []model.PhaseTransitionPayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.PhaseTransitionPayload, len(p.payloads))
	copy(out, p.payloads)
	return out
}

func newTestRegistry(t *testing.T, pub TransitionPublisher, limits Limits) *Registry {
	t.Helper()
	reg, err := New(Options{
		Publisher:       pub,
		TransitionTopic: "autopilot.phase.transition",
		Limits:          limits,
	})
	require.NoError(t, err)
	return reg
}

func startRegistry(t *testing.T, reg *Registry) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = reg.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func endRequest(projectID, phaseID uint64, at time.Time) model.ScheduleRequest {
	return model.ScheduleRequest{
		ProjectID:     projectID,
		PhaseID:       phaseID,
		PhaseTypeName: "Review",
		State:         model.TransitionEnd,
		ScheduledTime: at,
		Operator:      "sys",
		ProjectStatus: model.ProjectStatusActive,
	}
}

func TestRegistry_New_RequiresPublisherAndTopic(t *testing.T) {
	_, err := New(Options{TransitionTopic: "t"})
	require.Error(t, err)

	_, err = New(Options{Publisher: newCapturingPublisher()})
	require.Error(t, err)
}

func TestRegistry_ScheduleAndFire(t *testing.T) {
	pub := newCapturingPublisher()
	reg := newTestRegistry(t, pub, Limits{})
	startRegistry(t, reg)

	jobID, err := reg.Schedule(endRequest(1, 10, time.Now().Add(200*time.Millisecond)))
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	select {
	case payload := <-pub.fired:
		assert.Equal(t, uint64(1), payload.ProjectID)
		assert.Equal(t, uint64(10), payload.PhaseID)
		assert.Equal(t, "Review", payload.PhaseTypeName)
		assert.Equal(t, model.TransitionEnd, payload.State)
		assert.Equal(t, "sys", payload.Operator)
		assert.Equal(t, model.ProjectStatusActive, payload.ProjectStatus)
		require.NotNil(t, payload.Date)
	case <-time.After(2 * time.Second):
		t.Fatal("transition did not fire")
	}

	require.Eventually(t, func() bool {
		for _, job := range reg.ListAll() {
			if job.ID == jobID && job.Status == model.JobStatusCompleted {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "job should be completed within the retention window")

	assert.Len(t, pub.published(), 1, "exactly one emission")
}

func TestRegistry_CancelPreventsFiring(t *testing.T) {
	pub := newCapturingPublisher()
	reg := newTestRegistry(t, pub, Limits{})
	startRegistry(t, reg)

	jobID, err := reg.Schedule(endRequest(1, 10, time.Now().Add(400*time.Millisecond)))
	require.NoError(t, err)

	require.True(t, reg.Cancel(jobID))
	assert.False(t, reg.Cancel(jobID), "re-cancel returns false")

	time.Sleep(800 * time.Millisecond)
	assert.Empty(t, pub.published(), "cancelled job must not emit")

	stats := reg.Stats()
	assert.Equal(t, 1, stats.Cancelled)
	assert.Zero(t, stats.Scheduled)
}

func TestRegistry_Cancel_UnknownJob(t *testing.T) {
	reg := newTestRegistry(t, newCapturingPublisher(), Limits{})
	assert.False(t, reg.Cancel("phase-transition-9-9-missing"))
}

func TestRegistry_Schedule_PastTime(t *testing.T) {
	reg := newTestRegistry(t, newCapturingPublisher(), Limits{})

	_, err := reg.Schedule(endRequest(1, 10, time.Now().Add(-time.Second)))
	require.Error(t, err)
	assert.True(t, apperrors.IsPastScheduleTime(err))
	assert.Empty(t, reg.ListAll(), "rejected request leaves no trace")
}

func TestRegistry_Schedule_DuplicateFingerprint(t *testing.T) {
	reg := newTestRegistry(t, newCapturingPublisher(), Limits{})
	at := time.Now().Add(time.Hour)

	_, err := reg.Schedule(endRequest(5, 50, at))
	require.NoError(t, err)

	_, err = reg.Schedule(endRequest(5, 50, at.Add(time.Minute)))
	require.Error(t, err)
	assert.True(t, apperrors.IsDuplicateJob(err))

	// A different phase under the same project is fine.
	_, err = reg.Schedule(endRequest(5, 51, at))
	assert.NoError(t, err)
}

func TestRegistry_Update(t *testing.T) {
	reg := newTestRegistry(t, newCapturingPublisher(), Limits{})
	at := time.Now().Add(time.Hour)

	oldID, err := reg.Schedule(endRequest(5, 50, at))
	require.NoError(t, err)

	newID, err := reg.Update(oldID, endRequest(5, 50, at.Add(30*time.Minute)))
	require.NoError(t, err)
	assert.NotEqual(t, oldID, newID, "update always mints a fresh job ID")

	byID := make(map[string]model.JobStatus)
	for _, job := range reg.ListAll() {
		byID[job.ID] = job.Status
	}
	assert.Equal(t, model.JobStatusCancelled, byID[oldID])
	assert.Equal(t, model.JobStatusScheduled, byID[newID])
}

func TestRegistry_Update_NotCancellable(t *testing.T) {
	reg := newTestRegistry(t, newCapturingPublisher(), Limits{})

	_, err := reg.Update("phase-transition-1-1-missing", endRequest(1, 1, time.Now().Add(time.Hour)))
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRegistry_Update_InvalidRequestKeepsOriginal(t *testing.T) {
	reg := newTestRegistry(t, newCapturingPublisher(), Limits{})

	oldID, err := reg.Schedule(endRequest(5, 50, time.Now().Add(time.Hour)))
	require.NoError(t, err)

	bad := endRequest(5, 50, time.Now().Add(time.Hour))
	bad.PhaseTypeName = ""
	_, err = reg.Update(oldID, bad)
	require.Error(t, err)

	job, ok := reg.ActiveJob(model.Fingerprint{ProjectID: 5, PhaseID: 50})
	require.True(t, ok)
	assert.Equal(t, oldID, job.ID, "failed update leaves the original armed")
}

func TestRegistry_ListByProject(t *testing.T) {
	reg := newTestRegistry(t, newCapturingPublisher(), Limits{})
	at := time.Now().Add(time.Hour)

	_, err := reg.Schedule(endRequest(7, 1, at))
	require.NoError(t, err)
	_, err = reg.Schedule(endRequest(7, 2, at))
	require.NoError(t, err)
	_, err = reg.Schedule(endRequest(8, 1, at))
	require.NoError(t, err)

	assert.Len(t, reg.ListByProject(7), 2)
	assert.Len(t, reg.ListByProject(8), 1)
	assert.Empty(t, reg.ListByProject(9))
}

func TestRegistry_MaxJobsPerProject(t *testing.T) {
	reg := newTestRegistry(t, newCapturingPublisher(), Limits{MaxJobsPerProject: 2})
	at := time.Now().Add(time.Hour)

	_, err := reg.Schedule(endRequest(7, 1, at))
	require.NoError(t, err)
	_, err = reg.Schedule(endRequest(7, 2, at))
	require.NoError(t, err)

	_, err = reg.Schedule(endRequest(7, 3, at))
	require.Error(t, err)
	assert.True(t, apperrors.IsSchedulingFailed(err))
}

func TestRegistry_MaxScheduleAdvance(t *testing.T) {
	reg := newTestRegistry(t, newCapturingPublisher(), Limits{MaxScheduleAdvance: time.Hour})

	_, err := reg.Schedule(endRequest(1, 1, time.Now().Add(2*time.Hour)))
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestRegistry_AllowPastScheduling(t *testing.T) {
	pub := newCapturingPublisher()
	reg := newTestRegistry(t, pub, Limits{AllowPastScheduling: true})
	startRegistry(t, reg)

	_, err := reg.Schedule(endRequest(1, 1, time.Now().Add(-time.Second)))
	require.NoError(t, err)

	select {
	case <-pub.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("past-scheduled job did not fire")
	}
}

func TestRegistry_FireFailureMarksJobFailed(t *testing.T) {
	pub := newCapturingPublisher()
	pub.setError(errors.New("bus down"))
	reg := newTestRegistry(t, pub, Limits{MaxRetries: 1, RetryDelay: 50 * time.Millisecond})
	startRegistry(t, reg)

	jobID, err := reg.Schedule(endRequest(1, 10, time.Now().Add(100*time.Millisecond)))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, job := range reg.ListAll() {
			if job.ID == jobID && job.Status == model.JobStatusFailed {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	var failed *model.ScheduledJob
	for _, job := range reg.ListAll() {
		if job.ID == jobID {
			failed = job
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, 2, failed.RetryCount, "initial attempt plus one retry")
	assert.Contains(t, failed.LastError, "bus down")

	// The fingerprint is free again once the job is terminal.
	_, ok := reg.ActiveJob(model.Fingerprint{ProjectID: 1, PhaseID: 10})
	assert.False(t, ok)
}

func TestRegistry_ConcurrentScheduleSameFingerprint(t *testing.T) {
	reg := newTestRegistry(t, newCapturingPublisher(), Limits{})
	at := time.Now().Add(time.Hour)

	const attempts = 16
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Schedule(endRequest(3, 30, at))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, apperrors.IsDuplicateJob(err))
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one concurrent schedule wins")
}

func TestRegistry_ShutdownReleasesArmedTimers(t *testing.T) {
	pub := newCapturingPublisher()
	reg := newTestRegistry(t, pub, Limits{})
	cancel := startRegistry(t, reg)

	_, err := reg.Schedule(endRequest(1, 1, time.Now().Add(300*time.Millisecond)))
	require.NoError(t, err)

	cancel()
	time.Sleep(600 * time.Millisecond)
	assert.Empty(t, pub.published(), "no emissions during shutdown")

	_, err = reg.Schedule(endRequest(2, 2, time.Now().Add(time.Hour)))
	require.Error(t, err, "registry rejects schedules after shutdown")
}

func TestRegistry_RetentionSweep(t *testing.T) {
	now := time.Now()
	clock := struct {
		mu  sync.Mutex
		now time.Time
	}{now: now}

	pub := newCapturingPublisher()
	reg, err := New(Options{
		Publisher:       pub,
		TransitionTopic: "autopilot.phase.transition",
		Retention:       time.Minute,
		Clock: func() time.Time {
			clock.mu.Lock()
			defer clock.mu.Unlock()
			return clock.now
		},
	})
	require.NoError(t, err)

	jobID, err := reg.Schedule(endRequest(1, 1, now.Add(time.Hour)))
	require.NoError(t, err)
	require.True(t, reg.Cancel(jobID))
	require.Len(t, reg.ListAll(), 1)

	clock.mu.Lock()
	clock.now = now.Add(2 * time.Minute)
	clock.mu.Unlock()

	reg.sweepExpired()
	assert.Empty(t, reg.ListAll(), "terminal job removed after the retention window")
}
