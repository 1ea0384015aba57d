package middleware

import (
	"crypto/subtle"
	"log"
	"net/http"
	"strings"
	"sync"

	"gorm.io/gorm"

	"github.com/nvclabs/optirecall/internal/api"
	"github.com/nvclabs/optirecall/internal/database"
)

// AuthConfig configures ingest authentication. The application backend
// authenticates its telemetry pushes with pre-shared keys.
type AuthConfig struct {
	// APIKeys are the valid ingest keys, normally loaded from the database.
	APIKeys []string

	// SkipPaths bypass authentication (exact, or prefix with trailing "*").
	SkipPaths []string

	// Enabled turns enforcement on. With no keys configured the ingest
	// surface stays open, which is the local-development default.
	Enabled bool
}

// AuthMiddleware guards the ingest endpoints with pre-shared keys.
type AuthMiddleware struct {
	mu     sync.RWMutex
	config *AuthConfig
	skip   skipList
}

// NewAuthMiddleware creates the ingest auth middleware.
func NewAuthMiddleware(config *AuthConfig) *AuthMiddleware {
	return &AuthMiddleware{
		config: config,
		skip:   newSkipList(config.SkipPaths),
	}
}

// LoadAPIKeysFromDB replaces the key set with the active keys stored in
// the database, so keys rotate without a restart. Missing settings
// disable enforcement.
func (m *AuthMiddleware) LoadAPIKeysFromDB(db *gorm.DB) error {
	settings, err := database.GetIngestKeySettings(db)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.config.Enabled = false
		return nil
	}

	m.config.Enabled = settings.Enabled
	m.config.APIKeys = settings.GetActiveKeys()

	if m.config.Enabled {
		log.Printf("ingest auth: %d keys loaded, enforcement on", len(m.config.APIKeys))
	} else {
		log.Printf("ingest auth: enforcement off")
	}
	return nil
}

// Wrap enforces key authentication on every request except skip-listed
// paths.
func (m *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.RLock()
		enabled, keys := m.config.Enabled, m.config.APIKeys
		m.mu.RUnlock()

		if !enabled || m.skip.match(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		key := ingestKey(r)
		switch {
		case key == "":
			api.RespondError(w, http.StatusUnauthorized, "Missing API key")
		case !keyMatches(key, keys):
			log.Printf("ingest auth: invalid key from %s", r.RemoteAddr)
			api.RespondError(w, http.StatusUnauthorized, "Invalid API key")
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// ingestKey pulls the key from the Authorization header or X-API-Key.
func ingestKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

// keyMatches compares in constant time against every configured key.
func keyMatches(provided string, keys []string) bool {
	ok := false
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(provided), []byte(k)) == 1 {
			ok = true
		}
	}
	return ok
}

// SetEnabled toggles enforcement at runtime.
func (m *AuthMiddleware) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.Enabled = enabled
}

// IsEnabled reports whether enforcement is on.
func (m *AuthMiddleware) IsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Enabled
}

// AddAPIKey adds a key to the valid set.
func (m *AuthMiddleware) AddAPIKey(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.APIKeys = append(m.config.APIKeys, key)
}

// RemoveAPIKey drops a key from the valid set.
func (m *AuthMiddleware) RemoveAPIKey(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.config.APIKeys[:0]
	for _, k := range m.config.APIKeys {
		if k != key {
			kept = append(kept, k)
		}
	}
	m.config.APIKeys = kept
}
