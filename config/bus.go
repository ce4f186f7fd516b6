package config

import (
	"strings"
	"time"
)

// BusConfig contains event bus configuration.
type BusConfig struct {
	// Brokers is the comma-delimited list of bus broker addresses.
	Brokers []string `env:"BUS_BROKERS" envSeparator:"," envDefault:"localhost:6379"`

	// ClientID identifies this service on the bus.
	ClientID string `env:"BUS_CLIENT_ID" envDefault:"autopilot"`

	// Enabled gates all bus connectivity; when false the service runs fully mocked.
	Enabled bool `env:"BUS_ENABLED" envDefault:"true"`

	// MockMode forces mock producers/consumers without probing the brokers.
	MockMode bool `env:"BUS_MOCK_MODE" envDefault:"false"`

	// Group is the consumer group name.
	Group string `env:"BUS_CONSUMER_GROUP" envDefault:"autopilot"`

	// InitialRetryTime is the first reconnect backoff.
	InitialRetryTime time.Duration `env:"BUS_INITIAL_RETRY_TIME" envDefault:"300ms"`

	// MaxRetryTime caps the reconnect backoff.
	MaxRetryTime time.Duration `env:"BUS_MAX_RETRY_TIME" envDefault:"30s"`

	// Retries is the per-publish retry budget.
	Retries int `env:"BUS_RETRIES" envDefault:"5"`

	// Topic names for the three logical streams.
	Topics TopicsConfig

	// Schema registry configuration.
	SchemaRegistry SchemaRegistryConfig
}

// TopicsConfig names the bus streams.
type TopicsConfig struct {
	// PhaseTransition carries START/END phase transition events.
	PhaseTransition string `env:"TOPIC_PHASE_TRANSITION" envDefault:"autopilot.phase.transition"`

	// ChallengeUpdate carries challenge status and schedule updates.
	ChallengeUpdate string `env:"TOPIC_CHALLENGE_UPDATE" envDefault:"autopilot.challenge.update"`

	// Command carries operator commands.
	Command string `env:"TOPIC_COMMAND" envDefault:"autopilot.command"`
}

// SchemaRegistryConfig contains schema registry client configuration.
// An empty URL disables registry framing; messages are then bare JSON.
type SchemaRegistryConfig struct {
	URL      string        `env:"SCHEMA_REGISTRY_URL"`
	User     string        `env:"SCHEMA_REGISTRY_USER"`
	Password string        `env:"SCHEMA_REGISTRY_PASSWORD"`
	Timeout  time.Duration `env:"SCHEMA_REGISTRY_TIMEOUT" envDefault:"10s"`
}

// IsEnabled reports whether registry framing is active.
func (s *SchemaRegistryConfig) IsEnabled() bool {
	return s.URL != ""
}

// Sanitize applies guardrails to bus configuration values.
func (b *BusConfig) Sanitize() {
	cleaned := b.Brokers[:0]
	for _, broker := range b.Brokers {
		if broker = strings.TrimSpace(broker); broker != "" {
			cleaned = append(cleaned, broker)
		}
	}
	b.Brokers = cleaned
	if len(b.Brokers) == 0 {
		b.MockMode = true
	}

	if b.ClientID == "" {
		b.ClientID = "autopilot"
	}
	if b.Group == "" {
		b.Group = "autopilot"
	}
	if b.InitialRetryTime < 100*time.Millisecond {
		b.InitialRetryTime = 100 * time.Millisecond
	}
	if b.MaxRetryTime < b.InitialRetryTime {
		b.MaxRetryTime = b.InitialRetryTime
	}
	if b.Retries < 0 {
		b.Retries = 0
	}

	b.SchemaRegistry.URL = strings.TrimSpace(b.SchemaRegistry.URL)
	if b.SchemaRegistry.Timeout <= 0 {
		b.SchemaRegistry.Timeout = 10 * time.Second
	}
}
