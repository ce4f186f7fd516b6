package config

import "time"

// SchedulerConfig contains job registry configuration.
type SchedulerConfig struct {
	// JobTimeout bounds one firing's publish attempt.
	JobTimeout time.Duration `env:"SCHEDULER_JOB_TIMEOUT" envDefault:"30s"`

	// MaxRetries is the per-firing publish retry budget.
	MaxRetries int `env:"SCHEDULER_MAX_RETRIES" envDefault:"3"`

	// RetryDelay is the wait between publish retries of one firing.
	RetryDelay time.Duration `env:"SCHEDULER_RETRY_DELAY" envDefault:"5s"`

	// MaxConcurrentJobs caps firings executing at once.
	MaxConcurrentJobs int `env:"SCHEDULER_MAX_CONCURRENT_JOBS" envDefault:"100"`

	// MinScheduleAdvance is the minimum lead time a schedule request must have.
	MinScheduleAdvance time.Duration `env:"SCHEDULER_MIN_SCHEDULE_ADVANCE" envDefault:"0s"`

	// MaxScheduleAdvance is the furthest ahead a transition may be scheduled.
	MaxScheduleAdvance time.Duration `env:"SCHEDULER_MAX_SCHEDULE_ADVANCE" envDefault:"8760h"` // 1 year

	// AllowPastScheduling accepts past schedule times and fires them on the
	// next tick instead of rejecting with past_schedule_time.
	AllowPastScheduling bool `env:"SCHEDULER_ALLOW_PAST_SCHEDULING" envDefault:"false"`

	// MaxJobsPerProject caps live jobs per project; 0 is unlimited.
	MaxJobsPerProject int `env:"SCHEDULER_MAX_JOBS_PER_PROJECT" envDefault:"100"`

	// Retention is how long terminal jobs stay listable after finishing.
	Retention time.Duration `env:"SCHEDULER_RETENTION" envDefault:"5m"`
}

// Sanitize applies guardrails to scheduler configuration values.
func (s *SchedulerConfig) Sanitize() {
	if s.JobTimeout < time.Second {
		s.JobTimeout = time.Second
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = 0
	}
	if s.RetryDelay < 100*time.Millisecond {
		s.RetryDelay = 100 * time.Millisecond
	}
	if s.MaxConcurrentJobs < 1 {
		s.MaxConcurrentJobs = 1
	}
	if s.MinScheduleAdvance < 0 {
		s.MinScheduleAdvance = 0
	}
	if s.MaxScheduleAdvance < time.Minute {
		s.MaxScheduleAdvance = time.Minute
	}
	if s.MaxJobsPerProject < 0 {
		s.MaxJobsPerProject = 0
	}
	if s.Retention < time.Minute {
		s.Retention = time.Minute
	}
}
