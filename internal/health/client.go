// Package health consumes the health signal endpoint exposed by each
// deployment environment. Both the detector and the deployer's monitoring
// loops read the same contract.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Overall status values reported by the health endpoint
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Status is the parsed health signal
type Status struct {
	Status         string                 `json:"status"`
	ResponseTimeMs int64                  `json:"response_time_ms"`
	Checks         map[string]interface{} `json:"checks,omitempty"`
}

// Checker is the capability the agent components depend on. The production
// implementation is Client; tests substitute scripted checkers.
type Checker interface {
	Check(ctx context.Context, baseURL string) (*Status, error)
}

// Client fetches and parses the health signal endpoint
type Client struct {
	httpClient *http.Client
}

// NewClient creates a health client with a bounded request timeout
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Check fetches baseURL/health and returns the parsed status. The measured
// round trip is used when the endpoint does not report its own timing.
func (c *Client) Check(ctx context.Context, baseURL string) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-store")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	elapsed := time.Since(start).Milliseconds()

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to parse health response: %w", err)
	}

	if status.ResponseTimeMs == 0 {
		status.ResponseTimeMs = elapsed
	}
	if status.Status == "" {
		status.Status = StatusUnhealthy
	}
	return &status, nil
}
