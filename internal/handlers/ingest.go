package handlers

import (
	"log"
	"net/http"
	"time"

	"gorm.io/gorm"

	"github.com/nvclabs/optirecall/internal/agent"
	"github.com/nvclabs/optirecall/internal/api"
	"github.com/nvclabs/optirecall/internal/database"
)

// CallLogReport is one call outcome reported by the application backend
type CallLogReport struct {
	PracticeID uint   `json:"practice_id" validate:"required"`
	CallStatus string `json:"call_status" validate:"required,oneof=queued in_progress completed failed no_answer"`
	OccurredAt string `json:"occurred_at" validate:"omitempty"`
}

// ErrorReport is a runtime error reported by the application backend
type ErrorReport struct {
	Severity      string         `json:"severity" validate:"required,oneof=P0 P1 P2 P3 P4"`
	ErrorType     string         `json:"error_type" validate:"required,min=1,max=128"`
	Title         string         `json:"title" validate:"required,min=1,max=255"`
	Message       string         `json:"message"`
	StackTrace    string         `json:"stack_trace"`
	AffectedUsers int            `json:"affected_users"`
	Context       database.JSONB `json:"context"`
}

// IngestHandler receives call outcomes and runtime errors from the
// application backend. These feed the detector's failure-rate checks and
// create issues for errors the periodic scan cannot see from outside.
type IngestHandler struct {
	db       *gorm.DB
	detector *agent.Detector
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(db *gorm.DB, detector *agent.Detector) *IngestHandler {
	return &IngestHandler{db: db, detector: detector}
}

// SetupRoutes sets up ingest routes. These are authenticated with ingest
// API keys, not dashboard JWTs.
func (h *IngestHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /ingest/call-logs", h.handleCallLogs)
	mux.HandleFunc("POST /ingest/errors", h.handleErrorReport)
}

// handleCallLogs handles POST /ingest/call-logs
func (h *IngestHandler) handleCallLogs(w http.ResponseWriter, r *http.Request) {
	var reports []CallLogReport
	if err := api.DecodeJSON(r, &reports); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(reports) == 0 {
		api.RespondError(w, http.StatusBadRequest, "No call logs in request")
		return
	}

	rows := make([]database.CallLog, 0, len(reports))
	for _, report := range reports {
		if fieldErrors := api.Validate(report); fieldErrors != nil {
			api.RespondValidationError(w, fieldErrors)
			return
		}
		occurredAt := time.Now()
		if report.OccurredAt != "" {
			parsed, err := time.Parse(time.RFC3339, report.OccurredAt)
			if err != nil {
				api.RespondValidationError(w, map[string]string{"occurred_at": "must be RFC 3339"})
				return
			}
			occurredAt = parsed
		}
		rows = append(rows, database.CallLog{
			PracticeID: report.PracticeID,
			CallStatus: report.CallStatus,
			CreatedAt:  occurredAt,
		})
	}

	if err := h.db.Create(&rows).Error; err != nil {
		log.Printf("IngestHandler: failed to store %d call logs: %v", len(rows), err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to store call logs")
		return
	}

	api.RespondJSON(w, http.StatusCreated, map[string]interface{}{
		"stored": len(rows),
	})
}

// handleErrorReport handles POST /ingest/errors. Reported errors go through
// the same dedup path as scan findings.
func (h *IngestHandler) handleErrorReport(w http.ResponseWriter, r *http.Request) {
	var report ErrorReport
	if err := api.DecodeJSON(r, &report); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if fieldErrors := api.Validate(report); fieldErrors != nil {
		api.RespondValidationError(w, fieldErrors)
		return
	}

	issueUUID, isNew, err := h.detector.LogIssue(agent.DetectedIssue{
		Severity:       database.Severity(report.Severity),
		IssueType:      report.ErrorType,
		Title:          report.Title,
		Message:        report.Message,
		StackTrace:     report.StackTrace,
		AffectedUsers:  report.AffectedUsers,
		ErrorFrequency: 1,
		Context:        report.Context,
	})
	if err != nil {
		log.Printf("IngestHandler: failed to log reported error: %v", err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to record error")
		return
	}

	status := http.StatusOK
	if isNew {
		status = http.StatusCreated
	}
	api.RespondJSON(w, status, map[string]interface{}{
		"issue_id": issueUUID,
		"new":      isNew,
	})
}
