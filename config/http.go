package config

import "fmt"

// HTTPConfig contains health endpoint configuration.
type HTTPConfig struct {
	// Enabled gates the health endpoint.
	Enabled bool `env:"HEALTH_ENABLED" envDefault:"true"`

	// Port is the health endpoint listen port.
	Port int `env:"PORT" envDefault:"3000"`

	// Host is the listen host.
	Host string `env:"HOST" envDefault:"0.0.0.0"`
}

// Addr returns the listen address in host:port form.
func (h *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// Sanitize applies guardrails to HTTP configuration values.
func (h *HTTPConfig) Sanitize() {
	if h.Port < 1 || h.Port > 65535 {
		h.Port = 3000
	}
	if h.Host == "" {
		h.Host = "0.0.0.0"
	}
}
