package config

import (
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - bus.go: Event bus and schema registry configuration
//   - scheduler.go: Job registry configuration
//   - recovery.go: Startup recovery and challenge catalog configuration
//   - http.go: Health endpoint configuration
//   - observability.go: Metrics configuration
type AppConfig struct {
	// IsDev controls development mode behavior.
	// Set DEV=true or NODE_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// Environment is the deployment environment name.
	Environment string `env:"NODE_ENV" envDefault:"development"`

	// LogLevel controls the minimum slog level (debug, info, warn, error).
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Event bus configuration
	Bus BusConfig

	// Job registry configuration
	Scheduler SchedulerConfig

	// Startup recovery configuration
	Recovery RecoveryConfig

	// Challenge catalog configuration
	Challenge ChallengeConfig

	// Health endpoint configuration
	HTTP HTTPConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.Bus.Sanitize()
	c.Scheduler.Sanitize()
	c.Recovery.Sanitize()
	c.Challenge.Sanitize()
	c.HTTP.Sanitize()
	c.Observability.Sanitize()

	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.detectDevMode()
}

// IsProduction reports whether the service runs in production mode.
// A failed bus probe is fatal only in production.
func (c *AppConfig) IsProduction() bool {
	return strings.ToLower(c.Environment) == "production"
}

// detectDevMode checks both DEV and NODE_ENV environment variables.
// This is called by Sanitize() to ensure IsDev is set correctly.
// NODE_ENV is checked as a fallback (common in frontend tooling).
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		nodeEnv := strings.ToLower(os.Getenv("NODE_ENV"))
		c.IsDev = nodeEnv == "development" || nodeEnv == "dev"
	}
}
