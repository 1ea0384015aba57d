package testhelpers

import (
	"errors"
	"net/http"
	"testing"

	"github.com/nvclabs/optirecall/internal/health"
)

func TestHTTPTestContext_NewAndExecute(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"ok":true}`)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	})

	NewHTTPTestContext(t, "GET", "/test", nil).
		Execute(handler).
		AssertStatus(http.StatusOK).
		AssertBodyContains("ok")
}

func TestHTTPTestContext_WithHeader(t *testing.T) {
	ctx := NewHTTPTestContext(t, "GET", "/test", nil).
		WithHeader("X-Custom", "value")

	if got := ctx.Request.Header.Get("X-Custom"); got != "value" {
		t.Errorf("header = %q, want %q", got, "value")
	}
}

func TestHTTPTestContext_WithBearerToken(t *testing.T) {
	ctx := NewHTTPTestContext(t, "GET", "/test", nil).
		WithBearerToken("jwt-token")

	if got := ctx.Request.Header.Get("Authorization"); got != "Bearer jwt-token" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer jwt-token")
	}
}

func TestHTTPTestContext_WithJSONBody(t *testing.T) {
	ctx := NewHTTPTestContext(t, "POST", "/test", nil).
		WithHeader("X-Custom", "kept").
		WithJSONBody(map[string]string{"key": "value"})

	if got := ctx.Request.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want %q", got, "application/json")
	}
	// Replacing the body must not drop headers set earlier in the chain.
	if got := ctx.Request.Header.Get("X-Custom"); got != "kept" {
		t.Errorf("X-Custom = %q, want %q", got, "kept")
	}
}

func TestHTTPTestContext_DecodeJSON(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{"name":"test","count":3}`)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	})

	var resp struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	NewHTTPTestContext(t, "GET", "/test", nil).
		Execute(handler).
		DecodeJSON(&resp)

	if resp.Name != "test" || resp.Count != 3 {
		t.Errorf("decoded = %+v, want name=test count=3", resp)
	}
}

func TestMockHealthChecker_DefaultHealthy(t *testing.T) {
	checker := NewMockHealthChecker()

	status, err := checker.Check(t.Context(), "http://example.test")
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if status.Status != health.StatusHealthy {
		t.Errorf("status = %q, want %q", status.Status, health.StatusHealthy)
	}
}

func TestMockHealthChecker_Script(t *testing.T) {
	checker := NewMockHealthChecker().WithScript(
		Healthy(),
		Unhealthy(),
		MockHealthResult{Err: errors.New("connection refused")},
	)

	status, err := checker.Check(t.Context(), "http://example.test")
	if err != nil || status.Status != health.StatusHealthy {
		t.Fatalf("first check: status=%v err=%v, want healthy", status, err)
	}

	status, err = checker.Check(t.Context(), "http://example.test")
	if err != nil || status.Status != health.StatusUnhealthy {
		t.Fatalf("second check: status=%v err=%v, want unhealthy", status, err)
	}

	if _, err := checker.Check(t.Context(), "http://example.test"); err == nil {
		t.Fatal("third check: expected error")
	}

	// Script exhausted: the last entry repeats.
	if _, err := checker.Check(t.Context(), "http://example.test"); err == nil {
		t.Fatal("fourth check: expected repeated error")
	}

	if checker.Checked != 4 {
		t.Errorf("Checked = %d, want 4", checker.Checked)
	}
}
