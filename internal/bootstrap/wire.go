package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/topcoder-platform/autopilot/config"
	"github.com/topcoder-platform/autopilot/internal/adjuster"
	"github.com/topcoder-platform/autopilot/internal/breaker"
	"github.com/topcoder-platform/autopilot/internal/bus"
	"github.com/topcoder-platform/autopilot/internal/bus/schemaregistry"
	"github.com/topcoder-platform/autopilot/internal/challenge"
	"github.com/topcoder-platform/autopilot/internal/health"
	"github.com/topcoder-platform/autopilot/internal/ingress"
	"github.com/topcoder-platform/autopilot/internal/observability/statsd"
	"github.com/topcoder-platform/autopilot/internal/recovery"
	"github.com/topcoder-platform/autopilot/internal/registry"
)

// Container holds the wired service components.
type Container struct {
	Config      *config.AppConfig
	Logger      *slog.Logger
	Metrics     statsd.Sink
	RedisClient redis.UniversalClient
	Producer    bus.Producer
	Consumer    *bus.Consumer
	Registry    *registry.Registry
	Adjuster    *adjuster.Adjuster
	Router      *ingress.Router
	Recovery    *recovery.Orchestrator
	Health      *health.Server
	// MockMode reports whether the bus is mocked (disabled or probe failed).
	MockMode bool
}

// Wire constructs all components leaf-first: metrics and bus transport, then
// the egress producer, the registry, the adjuster and router over it, and
// finally recovery and the health server.
func Wire(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Container{Config: cfg, Logger: logger}
	c.Metrics = buildMetrics(cfg.Observability, logger)

	mock, err := decideBusMode(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	c.MockMode = mock

	if err := wireBus(ctx, c); err != nil {
		return nil, err
	}
	if err := wireCore(c); err != nil {
		return nil, err
	}
	if err := wireRecovery(c); err != nil {
		return nil, err
	}
	if err := wireHealth(c); err != nil {
		return nil, err
	}
	return c, nil
}

// buildMetrics configures the statsd sink, or returns nil when disabled.
func buildMetrics(cfg config.ObservabilityConfig, logger *slog.Logger) statsd.Sink {
	if !cfg.Metrics.IsEnabled() {
		return nil
	}
	client, err := statsd.NewClient(statsd.Config{
		Enabled: true,
		Address: cfg.Metrics.StatsdAddress,
		Prefix:  cfg.Metrics.Prefix,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to initialise statsd client", "error", err)
		return nil
	}
	return client
}

// decideBusMode runs the startup connectivity probe. A failed probe degrades
// to mock mode in development and is fatal in production.
func decideBusMode(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (bool, error) {
	if !cfg.Bus.Enabled || cfg.Bus.MockMode {
		logger.InfoContext(ctx, "bus disabled by configuration; running in mock mode")
		return true, nil
	}

	if err := bus.ProbeBroker(cfg.Bus.Brokers, bus.DefaultProbeTimeout); err != nil {
		if cfg.IsProduction() {
			return false, fmt.Errorf("bus connectivity probe failed in production: %w", err)
		}
		logger.WarnContext(ctx, "bus connectivity probe failed; switching to mock mode", "error", err)
		return true, nil
	}
	return false, nil
}

// wireBus builds the transport client, codec and egress producer.
func wireBus(ctx context.Context, c *Container) error {
	if c.MockMode {
		c.Producer = bus.NewMockProducer(c.Logger)
		return nil
	}

	cfg := c.Config
	c.RedisClient = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:           cfg.Bus.Brokers,
		ClientName:      cfg.Bus.ClientID,
		MaxRetries:      cfg.Bus.Retries,
		MinRetryBackoff: cfg.Bus.InitialRetryTime,
		MaxRetryBackoff: cfg.Bus.MaxRetryTime,
	})

	var registryClient *schemaregistry.Client
	if cfg.Bus.SchemaRegistry.IsEnabled() {
		client, err := schemaregistry.NewClient(schemaregistry.Config{
			URL:      cfg.Bus.SchemaRegistry.URL,
			Username: cfg.Bus.SchemaRegistry.User,
			Password: cfg.Bus.SchemaRegistry.Password,
			Timeout:  cfg.Bus.SchemaRegistry.Timeout,
		})
		if err != nil {
			return fmt.Errorf("build schema registry client: %w", err)
		}
		registryClient = client
		c.Logger.InfoContext(ctx, "schema registry framing enabled", "url", cfg.Bus.SchemaRegistry.URL)
	}
	codec := bus.NewCodec(registryClient)

	producerBreaker := breaker.New(breaker.Options{
		Name:             "egress-producer",
		FailureThreshold: 10,
		ResetTimeout:     45 * time.Second,
		OperationTimeout: 30 * time.Second,
		SuccessThreshold: 2,
		Logger:           c.Logger,
	})
	producer, err := bus.NewStreamProducer(bus.StreamProducerOptions{
		Client:  c.RedisClient,
		Codec:   codec,
		Breaker: producerBreaker,
		Logger:  c.Logger,
		Metrics: c.Metrics,
	})
	if err != nil {
		return fmt.Errorf("build stream producer: %w", err)
	}
	c.Producer = producer
	return nil
}

// wireCore builds the registry, adjuster and ingress router.
func wireCore(c *Container) error {
	cfg := c.Config

	schedulerBreaker := breaker.New(breaker.Options{
		Name:             "scheduler-egress",
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		OperationTimeout: cfg.Scheduler.JobTimeout,
		SuccessThreshold: 2,
		Logger:           c.Logger,
	})

	reg, err := registry.New(registry.Options{
		Publisher:       &breakerPublisher{inner: c.Producer, breaker: schedulerBreaker},
		TransitionTopic: cfg.Bus.Topics.PhaseTransition,
		Retention:       cfg.Scheduler.Retention,
		Limits: registry.Limits{
			JobTimeout:          cfg.Scheduler.JobTimeout,
			MaxRetries:          cfg.Scheduler.MaxRetries,
			RetryDelay:          cfg.Scheduler.RetryDelay,
			MaxConcurrentJobs:   cfg.Scheduler.MaxConcurrentJobs,
			MinScheduleAdvance:  cfg.Scheduler.MinScheduleAdvance,
			MaxScheduleAdvance:  cfg.Scheduler.MaxScheduleAdvance,
			AllowPastScheduling: cfg.Scheduler.AllowPastScheduling,
			MaxJobsPerProject:   cfg.Scheduler.MaxJobsPerProject,
		},
		Logger:  c.Logger,
		Metrics: c.Metrics,
	})
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}
	c.Registry = reg

	c.Adjuster = adjuster.New(adjuster.Options{
		Registry: reg,
		Logger:   c.Logger,
		Metrics:  c.Metrics,
	})

	router, err := ingress.New(ingress.Options{
		Registry: reg,
		Adjuster: c.Adjuster,
		Topics: ingress.Topics{
			PhaseTransition: cfg.Bus.Topics.PhaseTransition,
			ChallengeUpdate: cfg.Bus.Topics.ChallengeUpdate,
			Command:         cfg.Bus.Topics.Command,
		},
		Logger:  c.Logger,
		Metrics: c.Metrics,
	})
	if err != nil {
		return fmt.Errorf("build ingress router: %w", err)
	}
	c.Router = router

	if !c.MockMode {
		consumer, err := bus.NewConsumer(bus.ConsumerOptions{
			Client: c.RedisClient,
			Codec:  bus.NewCodec(nil),
			Topics: []string{
				cfg.Bus.Topics.PhaseTransition,
				cfg.Bus.Topics.ChallengeUpdate,
				cfg.Bus.Topics.Command,
			},
			Group:        cfg.Bus.Group,
			ConsumerName: cfg.Bus.ClientID + "-1",
			Handler:      router.Handle,
			DLQ:          c.Producer,
			Logger:       c.Logger,
			Metrics:      c.Metrics,
		})
		if err != nil {
			return fmt.Errorf("build consumer: %w", err)
		}
		c.Consumer = consumer
	}
	return nil
}

// wireRecovery builds the catalog client and recovery orchestrator.
func wireRecovery(c *Container) error {
	cfg := c.Config

	challengeBreaker := breaker.New(breaker.Options{
		Name:             "challenge-service",
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		OperationTimeout: cfg.Challenge.Timeout,
		SuccessThreshold: 2,
		Logger:           c.Logger,
	})
	catalog, err := challenge.NewClient(challenge.Config{
		BaseURL: cfg.Challenge.URL,
		Timeout: cfg.Challenge.Timeout,
		Logger:  c.Logger,
		Breaker: challengeBreaker,
	})
	if err != nil {
		return fmt.Errorf("build challenge client: %w", err)
	}

	recoveryBreaker := breaker.New(breaker.Options{
		Name:             "recovery-egress",
		FailureThreshold: 3,
		ResetTimeout:     120 * time.Second,
		OperationTimeout: cfg.Scheduler.JobTimeout,
		SuccessThreshold: 2,
		Logger:           c.Logger,
	})

	orchestrator, err := recovery.New(recovery.Options{
		Catalog:         catalog,
		Scheduler:       c.Registry,
		Publisher:       &breakerPublisher{inner: c.Producer, breaker: recoveryBreaker},
		TransitionTopic: cfg.Bus.Topics.PhaseTransition,
		Config: recovery.Config{
			Enabled:                cfg.Recovery.Enabled,
			FailOnError:            cfg.Recovery.FailOnError,
			MaxConcurrentPhases:    cfg.Recovery.MaxConcurrentPhases,
			ProcessOverduePhases:   cfg.Recovery.ProcessOverdue,
			MaxPhaseAge:            cfg.Recovery.MaxPhaseAge(),
			MinScheduleGap:         cfg.Recovery.MinScheduleGap,
			MinProjectID:           cfg.Recovery.MinProjectID,
			MaxProjectID:           cfg.Recovery.MaxProjectID,
			AllowedProjectStatuses: cfg.Recovery.ProjectStatuses,
			SkipInvalidPhases:      cfg.Recovery.SkipInvalidPhases,
		},
		Logger:  c.Logger,
		Metrics: c.Metrics,
	})
	if err != nil {
		return fmt.Errorf("build recovery orchestrator: %w", err)
	}
	c.Recovery = orchestrator
	return nil
}

// wireHealth builds the health server when enabled.
func wireHealth(c *Container) error {
	if !c.Config.HTTP.Enabled {
		return nil
	}

	var busCheck func(ctx context.Context) error
	if !c.MockMode {
		client := c.RedisClient
		busCheck = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
	}

	server, err := health.New(health.Options{
		Addr:     c.Config.HTTP.Addr(),
		Registry: c.Registry,
		Recovery: c.Recovery,
		BusCheck: busCheck,
		Logger:   c.Logger,
	})
	if err != nil {
		return fmt.Errorf("build health server: %w", err)
	}
	c.Health = server
	return nil
}

// breakerPublisher wraps a producer's Produce path in a call-site breaker.
type breakerPublisher struct {
	inner   bus.Producer
	breaker *breaker.CircuitBreaker
}

func (p *breakerPublisher) Produce(ctx context.Context, topic string, payload any) error {
	return p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.inner.Produce(ctx, topic, payload)
	})
}
