package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nvclabs/optirecall/internal/database"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func ingestRequest(t *testing.T, m *AuthMiddleware, header, value string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/ingest/call-logs", nil)
	if header != "" {
		req.Header.Set(header, value)
	}
	rec := httptest.NewRecorder()
	m.Wrap(okHandler()).ServeHTTP(rec, req)
	return rec.Code
}

func TestIngestAuthDisabledPassesThrough(t *testing.T) {
	m := NewAuthMiddleware(&AuthConfig{Enabled: false})

	if code := ingestRequest(t, m, "", ""); code != http.StatusOK {
		t.Errorf("status = %d, want 200 with auth disabled", code)
	}
}

func TestIngestAuthRejectsMissingAndInvalidKeys(t *testing.T) {
	m := NewAuthMiddleware(&AuthConfig{Enabled: true, APIKeys: []string{"valid-key"}})

	if code := ingestRequest(t, m, "", ""); code != http.StatusUnauthorized {
		t.Errorf("missing key: status = %d, want 401", code)
	}
	if code := ingestRequest(t, m, "X-API-Key", "wrong-key"); code != http.StatusUnauthorized {
		t.Errorf("invalid key: status = %d, want 401", code)
	}
}

func TestIngestAuthAcceptsValidKey(t *testing.T) {
	m := NewAuthMiddleware(&AuthConfig{Enabled: true, APIKeys: []string{"valid-key"}})

	if code := ingestRequest(t, m, "X-API-Key", "valid-key"); code != http.StatusOK {
		t.Errorf("X-API-Key: status = %d, want 200", code)
	}
	if code := ingestRequest(t, m, "Authorization", "Bearer valid-key"); code != http.StatusOK {
		t.Errorf("Bearer: status = %d, want 200", code)
	}
}

func TestIngestAuthSkipPaths(t *testing.T) {
	m := NewAuthMiddleware(&AuthConfig{
		Enabled:   true,
		APIKeys:   []string{"valid-key"},
		SkipPaths: []string{"/health", "/webhook/*"},
	})
	handler := m.Wrap(okHandler())

	for _, path := range []string{"/health", "/webhook/errors", "/webhook/slack"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200 without credentials", path, rec.Code)
		}
	}

	// Non-listed path still requires a key.
	req := httptest.NewRequest(http.MethodPost, "/ingest/call-logs", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unlisted path: status = %d, want 401", rec.Code)
	}
}

func TestIngestAuthKeyRotation(t *testing.T) {
	m := NewAuthMiddleware(&AuthConfig{Enabled: true, APIKeys: []string{"old-key"}})

	m.AddAPIKey("new-key")
	if code := ingestRequest(t, m, "X-API-Key", "new-key"); code != http.StatusOK {
		t.Errorf("added key rejected: status = %d", code)
	}

	m.RemoveAPIKey("old-key")
	if code := ingestRequest(t, m, "X-API-Key", "old-key"); code != http.StatusUnauthorized {
		t.Errorf("removed key accepted: status = %d", code)
	}
	if code := ingestRequest(t, m, "X-API-Key", "new-key"); code != http.StatusOK {
		t.Errorf("remaining key rejected: status = %d", code)
	}
}

func TestIngestAuthToggle(t *testing.T) {
	m := NewAuthMiddleware(&AuthConfig{Enabled: true, APIKeys: []string{"valid-key"}})

	m.SetEnabled(false)
	if m.IsEnabled() {
		t.Error("IsEnabled = true after SetEnabled(false)")
	}
	if code := ingestRequest(t, m, "", ""); code != http.StatusOK {
		t.Errorf("status = %d, want 200 after disabling", code)
	}
}

func TestLoadAPIKeysFromDB(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := db.AutoMigrate(&database.IngestKeySettings{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	m := NewAuthMiddleware(&AuthConfig{})

	// No settings row: enforcement stays off.
	if err := m.LoadAPIKeysFromDB(db); err != nil {
		t.Fatalf("LoadAPIKeysFromDB: %v", err)
	}
	if m.IsEnabled() {
		t.Error("enforcement on with no settings row")
	}

	settings := database.IngestKeySettings{
		Enabled: true,
		Keys: database.JSONB{
			"keys": []interface{}{
				map[string]interface{}{"key": "live-key", "name": "backend", "enabled": true},
				map[string]interface{}{"key": "revoked-key", "name": "old", "enabled": false},
			},
		},
	}
	if err := db.Create(&settings).Error; err != nil {
		t.Fatalf("create settings: %v", err)
	}

	if err := m.LoadAPIKeysFromDB(db); err != nil {
		t.Fatalf("LoadAPIKeysFromDB: %v", err)
	}
	if !m.IsEnabled() {
		t.Error("enforcement off after loading enabled settings")
	}
	if code := ingestRequest(t, m, "X-API-Key", "live-key"); code != http.StatusOK {
		t.Errorf("live key rejected: status = %d", code)
	}
	if code := ingestRequest(t, m, "X-API-Key", "revoked-key"); code != http.StatusUnauthorized {
		t.Errorf("revoked key accepted: status = %d", code)
	}
}
