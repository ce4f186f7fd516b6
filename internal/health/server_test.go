package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topcoder-platform/autopilot/internal/domain/model"
	"github.com/topcoder-platform/autopilot/internal/recovery"
)

type fakeStats struct{ stats model.JobStats }

func (f fakeStats) Stats() model.JobStats { return f.stats }

type fakeRecovery struct{ metrics recovery.Metrics }

func (f fakeRecovery) Metrics() recovery.Metrics { return f.metrics }

func newTestServer(t *testing.T, stats model.JobStats, rec recovery.Metrics, busCheck func(context.Context) error) *Server {
	t.Helper()
	s, err := New(Options{
		Addr:     "127.0.0.1:0",
		Registry: fakeStats{stats: stats},
		Recovery: fakeRecovery{metrics: rec},
		BusCheck: busCheck,
	})
	require.NoError(t, err)
	return s
}

func checkHealth(t *testing.T, s *Server) (int, report) {
	t.Helper()
	rr := httptest.NewRecorder()
	s.handleHealth(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body report
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	return rr.Code, body
}

func TestServer_New_Validation(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	_, err = New(Options{Addr: ":3000", Registry: fakeStats{}})
	require.Error(t, err, "recovery source is required")
}

func TestServer_HandleHealth_Healthy(t *testing.T) {
	s := newTestServer(t,
		model.JobStats{Scheduled: 50, Completed: 48, Failed: 2},
		recovery.Metrics{Status: recovery.StatusCompleted},
		func(context.Context) error { return nil },
	)

	code, body := checkHealth(t, s)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "real", body.Bus.Mode)
	assert.True(t, body.Bus.Connected)
	assert.Equal(t, 50, body.Jobs.Scheduled)
}

func TestServer_HandleHealth_MockModeAlwaysConnected(t *testing.T) {
	s := newTestServer(t, model.JobStats{}, recovery.Metrics{Status: recovery.StatusDisabled}, nil)

	code, body := checkHealth(t, s)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "mock", body.Bus.Mode)
	assert.True(t, body.Bus.Connected)
}

func TestServer_HandleHealth_BusDisconnected(t *testing.T) {
	s := newTestServer(t, model.JobStats{}, recovery.Metrics{Status: recovery.StatusCompleted},
		func(context.Context) error { return errors.New("connection refused") })

	code, body := checkHealth(t, s)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body.Status)
	assert.False(t, body.Bus.Connected)
	assert.Contains(t, body.Bus.Error, "connection refused")
}

func TestServer_HandleHealth_FailureRateBreach(t *testing.T) {
	// 3 of 20 jobs failed: 15% > 10% threshold.
	s := newTestServer(t,
		model.JobStats{Scheduled: 10, Completed: 7, Failed: 3},
		recovery.Metrics{Status: recovery.StatusCompleted},
		func(context.Context) error { return nil },
	)

	code, body := checkHealth(t, s)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body.Status)
}

func TestServer_HandleHealth_OverdueRateBreach(t *testing.T) {
	// 2 of 20 jobs overdue: 10% > 5% threshold.
	s := newTestServer(t,
		model.JobStats{Scheduled: 20, Overdue: 2},
		recovery.Metrics{Status: recovery.StatusCompleted},
		func(context.Context) error { return nil },
	)

	code, _ := checkHealth(t, s)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestServer_HandleHealth_FailedJobCountBreach(t *testing.T) {
	// 21 failed jobs breaches the absolute cap even with a huge denominator.
	s := newTestServer(t,
		model.JobStats{Scheduled: 10000, Completed: 10000, Failed: 21},
		recovery.Metrics{Status: recovery.StatusCompleted},
		func(context.Context) error { return nil },
	)

	code, _ := checkHealth(t, s)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestServer_HandleHealth_RecoveryFailed(t *testing.T) {
	s := newTestServer(t, model.JobStats{}, recovery.Metrics{Status: recovery.StatusFailed},
		func(context.Context) error { return nil })

	code, body := checkHealth(t, s)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, recovery.StatusFailed, body.Recovery.Status)
}

func TestServer_HandleHealth_EmptyRegistryIsHealthy(t *testing.T) {
	s := newTestServer(t, model.JobStats{}, recovery.Metrics{Status: recovery.StatusNotStarted},
		func(context.Context) error { return nil })

	code, _ := checkHealth(t, s)
	assert.Equal(t, http.StatusOK, code)
}

func TestServer_RunServesAndShutsDown(t *testing.T) {
	s := newTestServer(t, model.JobStats{}, recovery.Metrics{Status: recovery.StatusCompleted}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	require.NoError(t, <-done)
}
