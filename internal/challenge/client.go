// Package challenge provides the HTTP client for the external challenge
// catalog used by startup recovery.
package challenge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/topcoder-platform/autopilot/internal/breaker"
	"github.com/topcoder-platform/autopilot/internal/domain/model"
	apperrors "github.com/topcoder-platform/autopilot/internal/errors"
)

// defaultTimeout bounds catalog requests.
const defaultTimeout = 30 * time.Second

// Config describes how to reach the challenge service.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
	// Breaker guards catalog calls; nil disables circuit breaking.
	Breaker *breaker.CircuitBreaker
}

// Client fetches active phases from the challenge catalog.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
	breaker *breaker.CircuitBreaker
}

// NewClient creates a catalog client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("challenge service URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
		breaker: cfg.Breaker,
	}, nil
}

// ActivePhases fetches the authoritative list of active phases.
func (c *Client) ActivePhases(ctx context.Context) ([]model.ActivePhase, error) {
	var phases []model.ActivePhase
	fetch := func(ctx context.Context) error {
		var err error
		phases, err = c.fetchActivePhases(ctx)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(ctx, fetch)
	} else {
		err = fetch(ctx)
	}
	if err != nil {
		return nil, err
	}
	return phases, nil
}

func (c *Client) fetchActivePhases(ctx context.Context) ([]model.ActivePhase, error) {
	url := c.baseURL + "/phases/active"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build catalog request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeTimeout, "fetch active phases")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read catalog response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("challenge service returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var phases []model.ActivePhase
	if err := json.Unmarshal(body, &phases); err != nil {
		return nil, fmt.Errorf("parse catalog response: %w", err)
	}

	c.logger.DebugContext(ctx, "fetched active phases", "count", len(phases))
	return phases, nil
}
