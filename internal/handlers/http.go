// Package handlers contains the HTTP surface of the agent service: the
// health endpoint, authentication, the agent API, ingest endpoints, and the
// live event WebSocket.
package handlers

import (
	"net/http"
	"time"

	"gorm.io/gorm"

	"github.com/nvclabs/optirecall/internal/api"
	"github.com/nvclabs/optirecall/internal/health"
)

// Health status thresholds. The database probe doubles as the liveness
// signal the deployment monitors poll.
const (
	degradedDBLatency  = 500 * time.Millisecond
	unhealthyDBLatency = 2 * time.Second
)

// HTTPHandler handles the health endpoint
type HTTPHandler struct {
	db *gorm.DB
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(db *gorm.DB) *HTTPHandler {
	return &HTTPHandler{db: db}
}

// SetupRoutes configures the health route
func (h *HTTPHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
}

// handleHealth reports overall service health. Status degrades with
// database latency and goes unhealthy when the database is unreachable.
func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.RespondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	start := time.Now()
	status := health.StatusHealthy
	checks := map[string]string{"database": "ok"}

	sqlDB, err := h.db.DB()
	if err != nil {
		status = health.StatusUnhealthy
		checks["database"] = err.Error()
	} else if err := sqlDB.PingContext(r.Context()); err != nil {
		status = health.StatusUnhealthy
		checks["database"] = err.Error()
	}

	elapsed := time.Since(start)
	if status == health.StatusHealthy {
		switch {
		case elapsed > unhealthyDBLatency:
			status = health.StatusUnhealthy
			checks["database"] = "timeout"
		case elapsed > degradedDBLatency:
			status = health.StatusDegraded
			checks["database"] = "slow"
		}
	}

	code := http.StatusOK
	if status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	api.RespondJSON(w, code, map[string]interface{}{
		"status":           status,
		"response_time_ms": elapsed.Milliseconds(),
		"checks":           checks,
	})
}
