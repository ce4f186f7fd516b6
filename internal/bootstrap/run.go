package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// shutdownWaitTimeout bounds each stop step during graceful shutdown.
const shutdownWaitTimeout = 30 * time.Second

// backgroundService describes a startable background component.
type backgroundService struct {
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	name string
	done <-chan struct{}
}

// Run executes startup recovery, starts the background services and blocks
// until a shutdown signal arrives or a service fails. The consumer starts only
// after recovery so the registry is populated before ingress traffic flows.
func Run(ctx context.Context, c *Container) error {
	if c == nil {
		return fmt.Errorf("container is required")
	}
	serviceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 4)
	var handles []backgroundServiceHandle

	handles = append(handles, launchBackground(serviceCtx, c.Logger, errCh, backgroundService{
		name:  "job registry",
		start: c.Registry.Run,
	}))
	if c.Health != nil {
		handles = append(handles, launchBackground(serviceCtx, c.Logger, errCh, backgroundService{
			name:  "health server",
			start: c.Health.Run,
		}))
	}

	recoveryCtx, recoveryCancel := context.WithTimeout(serviceCtx, c.Config.Recovery.StartupTimeout)
	err := c.Recovery.ExecuteStartupRecovery(recoveryCtx)
	recoveryCancel()
	if err != nil {
		cancel()
		if stopErr := gracefulStop(c, handles); stopErr != nil {
			c.Logger.Error("graceful stop after recovery failure", "error", stopErr)
		}
		return fmt.Errorf("startup recovery: %w", err)
	}

	if c.Consumer != nil {
		handles = append(handles, launchBackground(serviceCtx, c.Logger, errCh, backgroundService{
			name:  "bus consumer",
			start: c.Consumer.Run,
		}))
	} else {
		c.Logger.InfoContext(serviceCtx, "mock mode: bus consumer not started")
	}

	return waitForShutdown(c, cancel, errCh, handles)
}

// launchBackground starts one background service and reports its failure on errCh.
func launchBackground(
	ctx context.Context,
	logger *slog.Logger,
	errCh chan<- error,
	descriptor backgroundService,
) backgroundServiceHandle {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			select {
			case errCh <- fmt.Errorf("%s failed: %w", descriptor.name, err):
			default:
				logger.WarnContext(ctx, "dropping background service error",
					"service", descriptor.name,
					"error", err)
			}
		}
	}()

	logger.InfoContext(ctx, "background service started", "service", descriptor.name)
	return backgroundServiceHandle{name: descriptor.name, done: done}
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(
	c *Container,
	cancel context.CancelFunc,
	errCh <-chan error,
	handles []backgroundServiceHandle,
) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		c.Logger.Info("shutting down services...")
		cancel()
		return gracefulStop(c, handles)
	case err := <-errCh:
		c.Logger.Error("service error", "error", err)
		cancel()
		if stopErr := gracefulStop(c, handles); stopErr != nil {
			c.Logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop waits for every background service to finish and disconnects
// the bus client. Each step is bounded; any timeout makes the stop an error so
// the process exits non-zero.
func gracefulStop(c *Container, handles []backgroundServiceHandle) error {
	var firstErr error
	for _, handle := range handles {
		if !waitForService(handle, c.Logger) && firstErr == nil {
			firstErr = fmt.Errorf("timeout waiting for %s to stop", handle.name)
		}
	}

	if c.RedisClient != nil {
		if err := c.RedisClient.Close(); err != nil {
			c.Logger.Error("close bus client failed", "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("close bus client: %w", err)
			}
		}
	}
	return firstErr
}

// waitForService waits for a service to finish, bounded by the shutdown timeout.
func waitForService(handle backgroundServiceHandle, logger *slog.Logger) bool {
	if handle.done == nil {
		return true
	}
	select {
	case <-handle.done:
		logger.Info(handle.name + " stopped")
		return true
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + handle.name + " to stop")
		return false
	}
}
