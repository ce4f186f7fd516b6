// Package health exposes the liveness endpoint used by deployment probes.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/topcoder-platform/autopilot/internal/domain/model"
	apperrors "github.com/topcoder-platform/autopilot/internal/errors"
	"github.com/topcoder-platform/autopilot/internal/recovery"
)

const (
	// maxFailureRate is the failed-job fraction above which the service is unhealthy.
	maxFailureRate = 0.10
	// maxOverdueRate is the overdue-job fraction above which the service is unhealthy.
	maxOverdueRate = 0.05
	// maxFailedJobs is the absolute failed-job count above which the service is unhealthy.
	maxFailedJobs = 20

	shutdownTimeout = 5 * time.Second
	busCheckTimeout = 2 * time.Second
)

// StatsSource provides the registry snapshot for health evaluation.
type StatsSource interface {
	Stats() model.JobStats
}

// RecoverySource provides recovery progress for health evaluation.
type RecoverySource interface {
	Metrics() recovery.Metrics
}

// Options holds dependencies for a Server.
type Options struct {
	Addr     string
	Registry StatsSource
	Recovery RecoverySource
	// BusCheck verifies bus connectivity; nil means mock mode, which is
	// always considered connected.
	BusCheck func(ctx context.Context) error
	Logger   *slog.Logger
}

// Server serves GET /health.
type Server struct {
	addr     string
	registry StatsSource
	recovery RecoverySource
	busCheck func(ctx context.Context) error
	logger   *slog.Logger
}

type report struct {
	Status   string           `json:"status"`
	Bus      busReport        `json:"bus"`
	Jobs     model.JobStats   `json:"jobs"`
	Recovery recovery.Metrics `json:"recovery"`
}

type busReport struct {
	Mode      string `json:"mode"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// New creates a health server.
func New(opts Options) (*Server, error) {
	if opts.Addr == "" {
		return nil, apperrors.Internal("listen address is required")
	}
	if opts.Registry == nil {
		return nil, apperrors.Internal("registry stats source is required")
	}
	if opts.Recovery == nil {
		return nil, apperrors.Internal("recovery metrics source is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		addr:     opts.Addr,
		registry: opts.Registry,
		recovery: opts.Recovery,
		busCheck: opts.BusCheck,
		logger:   opts.Logger,
	}, nil
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "health server listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(stopCtx); err != nil {
			return err
		}
		return <-errCh
	}
}

// handleHealth reports 200 when healthy and 503 otherwise. Unhealthy when the
// bus is disconnected, the job failure or overdue rate breaches its threshold,
// the failed-job count breaches its cap, or startup recovery failed.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.registry.Stats()
	rec := s.recovery.Metrics()

	bus := busReport{Mode: "mock", Connected: true}
	if s.busCheck != nil {
		bus.Mode = "real"
		checkCtx, cancel := context.WithTimeout(r.Context(), busCheckTimeout)
		if err := s.busCheck(checkCtx); err != nil {
			bus.Connected = false
			bus.Error = err.Error()
		}
		cancel()
	}

	healthy := bus.Connected &&
		stats.FailureRate() <= maxFailureRate &&
		stats.OverdueRate() <= maxOverdueRate &&
		stats.Failed <= maxFailedJobs &&
		rec.Status != recovery.StatusFailed

	body := report{Status: "healthy", Bus: bus, Jobs: stats, Recovery: rec}
	code := http.StatusOK
	if !healthy {
		body.Status = "unhealthy"
		code = http.StatusServiceUnavailable
		s.logger.Warn("health check failed",
			"bus_connected", bus.Connected,
			"failure_rate", stats.FailureRate(),
			"overdue_rate", stats.OverdueRate(),
			"failed_jobs", stats.Failed,
			"recovery_status", string(rec.Status))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("write health response failed", "error", err)
	}
}
