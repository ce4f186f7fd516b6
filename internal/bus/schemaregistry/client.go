// Package schemaregistry provides a minimal Confluent-compatible schema
// registry client used to resolve schema IDs for outbound topics.
package schemaregistry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// defaultTimeout bounds registry HTTP calls.
const defaultTimeout = 10 * time.Second

// envelopeSchema is the JSON schema registered for envelope subjects.
// Payload shapes vary per topic, so the registry tracks the shared envelope.
const envelopeSchema = `{"type":"object","properties":{"topic":{"type":"string"},"originator":{"type":"string"},"timestamp":{"type":"string"},"mime-type":{"type":"string"},"payload":{"type":"object"}},"required":["topic","originator","timestamp","mime-type","payload"]}`

// Config describes how to reach the schema registry.
type Config struct {
	URL      string
	Username string
	Password string
	Timeout  time.Duration
}

// Client registers subjects and caches their schema IDs.
// It is safe for concurrent use.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client

	mu    sync.Mutex
	cache map[string]int
}

// NewClient creates a schema registry client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, fmt.Errorf("schema registry URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:  base,
		username: cfg.Username,
		password: cfg.Password,
		http:     &http.Client{Timeout: timeout},
		cache:    make(map[string]int),
	}, nil
}

// SchemaIDForTopic resolves (registering on first use) the schema ID for the
// topic's value subject.
func (c *Client) SchemaIDForTopic(ctx context.Context, topic string) (int, error) {
	subject := topic + "-value"

	c.mu.Lock()
	if id, ok := c.cache[subject]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	id, err := c.register(ctx, subject)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.cache[subject] = id
	c.mu.Unlock()
	return id, nil
}

// register posts the envelope schema under the subject and returns its ID.
// Registration is idempotent: an already-registered schema returns its existing ID.
func (c *Client) register(ctx context.Context, subject string) (int, error) {
	reqBody, err := json.Marshal(map[string]string{
		"schema":     envelopeSchema,
		"schemaType": "JSON",
	})
	if err != nil {
		return 0, fmt.Errorf("marshal schema request: %w", err)
	}

	url := fmt.Sprintf("%s/subjects/%s/versions", c.baseURL, subject)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return 0, fmt.Errorf("build schema request: %w", err)
	}
	req.Header.Set("Content-Type", "application/vnd.schemaregistry.v1+json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("schema registry request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("read schema registry response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("schema registry returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed struct {
		ID int `json:"id"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, fmt.Errorf("parse schema registry response: %w", err)
	}
	if parsed.ID <= 0 {
		return 0, fmt.Errorf("schema registry returned invalid id %d", parsed.ID)
	}
	return parsed.ID, nil
}
