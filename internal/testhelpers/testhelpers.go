// Package testhelpers provides shared test utilities for OptiRecall:
// a fluent HTTP handler harness and a scripted health checker mock.
package testhelpers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nvclabs/optirecall/internal/health"
)

// HTTPTestContext drives a single request through a handler and asserts on
// the recorded response. Methods chain so a request/assert sequence reads
// as one statement.
type HTTPTestContext struct {
	T        *testing.T
	Recorder *httptest.ResponseRecorder
	Request  *http.Request
}

// NewHTTPTestContext builds a test request for the given method and path.
func NewHTTPTestContext(t *testing.T, method, path string, body io.Reader) *HTTPTestContext {
	t.Helper()
	return &HTTPTestContext{
		T:        t,
		Recorder: httptest.NewRecorder(),
		Request:  httptest.NewRequest(method, path, body),
	}
}

// WithHeader sets a request header.
func (c *HTTPTestContext) WithHeader(key, value string) *HTTPTestContext {
	c.Request.Header.Set(key, value)
	return c
}

// WithBearerToken sets the Authorization header.
func (c *HTTPTestContext) WithBearerToken(token string) *HTTPTestContext {
	return c.WithHeader("Authorization", "Bearer "+token)
}

// WithJSONBody marshals v and replaces the request body, keeping any
// headers already set.
func (c *HTTPTestContext) WithJSONBody(v interface{}) *HTTPTestContext {
	c.T.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		c.T.Fatalf("marshal request body: %v", err)
	}
	headers := c.Request.Header
	c.Request = httptest.NewRequest(c.Request.Method, c.Request.URL.String(), bytes.NewReader(body))
	c.Request.Header = headers
	c.Request.Header.Set("Content-Type", "application/json")
	return c
}

// Execute serves the request through the handler.
func (c *HTTPTestContext) Execute(handler http.Handler) *HTTPTestContext {
	handler.ServeHTTP(c.Recorder, c.Request)
	return c
}

// AssertStatus fails the test if the response status differs.
func (c *HTTPTestContext) AssertStatus(want int) *HTTPTestContext {
	c.T.Helper()
	if c.Recorder.Code != want {
		c.T.Errorf("status = %d, want %d (body: %s)", c.Recorder.Code, want, c.Recorder.Body.String())
	}
	return c
}

// AssertBodyContains fails the test if the response body lacks substr.
func (c *HTTPTestContext) AssertBodyContains(substr string) *HTTPTestContext {
	c.T.Helper()
	if body := c.Recorder.Body.String(); !strings.Contains(body, substr) {
		c.T.Errorf("body %q does not contain %q", body, substr)
	}
	return c
}

// AssertHeader fails the test if the response header differs.
func (c *HTTPTestContext) AssertHeader(key, want string) *HTTPTestContext {
	c.T.Helper()
	if got := c.Recorder.Header().Get(key); got != want {
		c.T.Errorf("header %s = %q, want %q", key, got, want)
	}
	return c
}

// DecodeJSON unmarshals the response body into v.
func (c *HTTPTestContext) DecodeJSON(v interface{}) *HTTPTestContext {
	c.T.Helper()
	if err := json.NewDecoder(c.Recorder.Body).Decode(v); err != nil {
		c.T.Fatalf("decode response body: %v", err)
	}
	return c
}

// MockHealthChecker implements health.Checker with a scripted sequence of
// results. Once the script is exhausted the last entry repeats.
type MockHealthChecker struct {
	mu      sync.Mutex
	script  []MockHealthResult
	pos     int
	Checked int
}

// MockHealthResult is one scripted health check outcome
type MockHealthResult struct {
	Status health.Status
	Err    error
}

// NewMockHealthChecker creates a checker that always reports healthy
func NewMockHealthChecker() *MockHealthChecker {
	return &MockHealthChecker{
		script: []MockHealthResult{{Status: health.Status{Status: health.StatusHealthy}}},
	}
}

// WithScript replaces the scripted sequence of results
func (m *MockHealthChecker) WithScript(results ...MockHealthResult) *MockHealthChecker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = results
	m.pos = 0
	return m
}

// Healthy is a convenience scripted healthy result
func Healthy() MockHealthResult {
	return MockHealthResult{Status: health.Status{Status: health.StatusHealthy}}
}

// Unhealthy is a convenience scripted unhealthy result
func Unhealthy() MockHealthResult {
	return MockHealthResult{Status: health.Status{Status: health.StatusUnhealthy}}
}

// Check returns the next scripted result
func (m *MockHealthChecker) Check(ctx context.Context, baseURL string) (*health.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Checked++
	result := m.script[m.pos]
	if m.pos < len(m.script)-1 {
		m.pos++
	}
	if result.Err != nil {
		return nil, result.Err
	}
	status := result.Status
	return &status, nil
}
