package config

import (
	"strings"
	"time"
)

// RecoveryConfig contains startup recovery configuration.
type RecoveryConfig struct {
	// Enabled gates the boot-time reconciliation pass.
	Enabled bool `env:"RECOVERY_ENABLED" envDefault:"true"`

	// StartupTimeout bounds the whole recovery pass.
	StartupTimeout time.Duration `env:"RECOVERY_STARTUP_TIMEOUT" envDefault:"2m"`

	// FailOnError aborts startup when recovery fails.
	FailOnError bool `env:"RECOVERY_FAIL_ON_ERROR" envDefault:"false"`

	// MaxConcurrentPhases bounds each scheduling batch.
	MaxConcurrentPhases int `env:"RECOVERY_MAX_CONCURRENT_PHASES" envDefault:"10"`

	// ProcessOverdue enables immediate publication of past-due phases.
	ProcessOverdue bool `env:"RECOVERY_PROCESS_OVERDUE" envDefault:"true"`

	// MaxPhaseAgeHours excludes phases whose end time is older than this.
	MaxPhaseAgeHours int `env:"RECOVERY_MAX_PHASE_AGE_HOURS" envDefault:"72"`

	// MinScheduleGap treats phases ending within the gap as overdue.
	MinScheduleGap time.Duration `env:"RECOVERY_MIN_SCHEDULE_GAP" envDefault:"0s"`

	// MinProjectID and MaxProjectID bound the recovered project range;
	// zero MaxProjectID means unbounded.
	MinProjectID uint64 `env:"RECOVERY_MIN_PROJECT_ID" envDefault:"0"`
	MaxProjectID uint64 `env:"RECOVERY_MAX_PROJECT_ID" envDefault:"0"`

	// ProjectStatuses filters recovered phases by project status.
	ProjectStatuses []string `env:"RECOVERY_PROJECT_STATUSES" envSeparator:"," envDefault:"ACTIVE,DRAFT"`

	// SkipInvalidPhases skips phases failing validation instead of failing the batch.
	SkipInvalidPhases bool `env:"RECOVERY_SKIP_INVALID_PHASES" envDefault:"true"`
}

// MaxPhaseAge returns the phase age cutoff as a duration.
func (r *RecoveryConfig) MaxPhaseAge() time.Duration {
	return time.Duration(r.MaxPhaseAgeHours) * time.Hour
}

// Sanitize applies guardrails to recovery configuration values.
func (r *RecoveryConfig) Sanitize() {
	if r.StartupTimeout < 10*time.Second {
		r.StartupTimeout = 10 * time.Second
	}
	if r.MaxConcurrentPhases < 1 {
		r.MaxConcurrentPhases = 1
	}
	if r.MaxPhaseAgeHours < 1 {
		r.MaxPhaseAgeHours = 1
	}
	if r.MinScheduleGap < 0 {
		r.MinScheduleGap = 0
	}

	statuses := r.ProjectStatuses[:0]
	for _, status := range r.ProjectStatuses {
		if status = strings.ToUpper(strings.TrimSpace(status)); status != "" {
			statuses = append(statuses, status)
		}
	}
	r.ProjectStatuses = statuses
	if len(r.ProjectStatuses) == 0 {
		r.ProjectStatuses = []string{"ACTIVE", "DRAFT"}
	}
}

// ChallengeConfig contains challenge catalog client configuration.
type ChallengeConfig struct {
	// URL is the challenge service base URL.
	URL string `env:"CHALLENGE_SERVICE_URL" envDefault:"http://localhost:4000"`

	// Timeout bounds catalog requests.
	Timeout time.Duration `env:"CHALLENGE_SERVICE_TIMEOUT" envDefault:"30s"`
}

// Sanitize applies guardrails to challenge catalog configuration values.
func (c *ChallengeConfig) Sanitize() {
	c.URL = strings.TrimRight(strings.TrimSpace(c.URL), "/")
	if c.Timeout < time.Second {
		c.Timeout = time.Second
	}
}
