package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"gorm.io/gorm"

	"github.com/nvclabs/optirecall/internal/api"
	"github.com/nvclabs/optirecall/internal/database"
	"github.com/nvclabs/optirecall/internal/jobs"
	"github.com/nvclabs/optirecall/internal/middleware"
)

// Resumer resumes a suspended pipeline after a human approval decision
type Resumer interface {
	Resume(ctx context.Context, issueUUID string, approved bool)
}

// AgentAPIHandler handles the agent API endpoints for the admin dashboard
type AgentAPIHandler struct {
	db       *gorm.DB
	resumer  Resumer
	scanJob  *jobs.ScanJob
	notifyWS *AgentWSHandler
}

// NewAgentAPIHandler creates a new agent API handler
func NewAgentAPIHandler(db *gorm.DB, resumer Resumer, scanJob *jobs.ScanJob, ws *AgentWSHandler) *AgentAPIHandler {
	return &AgentAPIHandler{
		db:       db,
		resumer:  resumer,
		scanJob:  scanJob,
		notifyWS: ws,
	}
}

// SetupRoutes sets up all agent API routes
func (h *AgentAPIHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/agent/issues", h.handleListIssues)
	mux.HandleFunc("GET /api/agent/issues/{uuid}", h.handleGetIssue)
	mux.HandleFunc("GET /api/agent/actions", h.handleListActions)
	mux.HandleFunc("POST /api/agent/approve-fix", h.handleApproveFix)
	mux.HandleFunc("GET /api/agent/settings", h.handleGetSettings)
	mux.HandleFunc("PUT /api/agent/settings", h.handleUpdateSettings)
	mux.HandleFunc("POST /api/agent/scan", h.handleManualScan)
}

// handleListIssues handles GET /api/agent/issues
func (h *AgentAPIHandler) handleListIssues(w http.ResponseWriter, r *http.Request) {
	p := api.ParsePagination(r)

	issues, total, err := database.ListIssues(h.db, p.PerPage, p.Offset())
	if err != nil {
		log.Printf("AgentAPIHandler: failed to list issues: %v", err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to list issues")
		return
	}

	api.RespondJSON(w, http.StatusOK, api.PaginatedResponse{
		Data: api.IssuesToListItems(issues),
		Pagination: api.PaginationMeta{
			Page:       p.Page,
			PerPage:    p.PerPage,
			Total:      total,
			TotalPages: p.TotalPages(total),
		},
	})
}

// handleListActions handles GET /api/agent/actions
func (h *AgentAPIHandler) handleListActions(w http.ResponseWriter, r *http.Request) {
	p := api.ParsePagination(r)

	actions, total, err := database.ListRecentActions(h.db, p.PerPage, p.Offset())
	if err != nil {
		log.Printf("AgentAPIHandler: failed to list actions: %v", err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to list actions")
		return
	}

	api.RespondJSON(w, http.StatusOK, api.PaginatedResponse{
		Data: actions,
		Pagination: api.PaginationMeta{
			Page:       p.Page,
			PerPage:    p.PerPage,
			Total:      total,
			TotalPages: p.TotalPages(total),
		},
	})
}

// handleGetIssue handles GET /api/agent/issues/{uuid}
func (h *AgentAPIHandler) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	issueUUID := r.PathValue("uuid")

	issue, err := database.GetIssueByUUID(h.db, issueUUID)
	if err != nil {
		if errors.Is(err, database.ErrIssueNotFound) {
			api.RespondError(w, http.StatusNotFound, "Issue not found")
			return
		}
		log.Printf("AgentAPIHandler: failed to load issue %s: %v", issueUUID, err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to load issue")
		return
	}

	actions, err := database.ListActionsForIssue(h.db, issue.ID)
	if err != nil {
		log.Printf("AgentAPIHandler: failed to load actions for issue %s: %v", issueUUID, err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to load issue actions")
		return
	}

	api.RespondJSON(w, http.StatusOK, api.IssueDetailResponse{
		AgentIssue: *issue,
		Actions:    actions,
	})
}

// handleApproveFix handles POST /api/agent/approve-fix. The decision is
// recorded immediately; the pipeline resumes in the background.
func (h *AgentAPIHandler) handleApproveFix(w http.ResponseWriter, r *http.Request) {
	var req api.ApproveFixRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if fieldErrors := api.Validate(req); fieldErrors != nil {
		api.RespondValidationError(w, fieldErrors)
		return
	}

	issue, err := database.GetIssueByUUID(h.db, req.IssueID)
	if err != nil {
		if errors.Is(err, database.ErrIssueNotFound) {
			api.RespondError(w, http.StatusNotFound, "Issue not found")
			return
		}
		log.Printf("AgentAPIHandler: failed to load issue %s: %v", req.IssueID, err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to load issue")
		return
	}

	if !issue.IsOpen() {
		api.RespondErrorWithCode(w, http.StatusConflict, "issue_closed", "Issue is not awaiting a decision")
		return
	}

	approved := *req.Approved
	approver := middleware.GetUserFromContext(r.Context())

	details := database.JSONB{"approved": approved}
	if req.Notes != "" {
		details["notes"] = req.Notes
	}
	action, err := database.StartAction(h.db, issue.ID, database.ActionTypeDeploy, details)
	if err != nil {
		log.Printf("AgentAPIHandler: failed to record approval for issue %s: %v", req.IssueID, err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to record decision")
		return
	}
	if err := h.db.Model(action).Updates(map[string]interface{}{
		"human_approved": approved,
		"approved_by":    approver,
	}).Error; err != nil {
		log.Printf("AgentAPIHandler: failed to record approver for issue %s: %v", req.IssueID, err)
	}
	if err := database.CompleteAction(h.db, action, nil); err != nil {
		log.Printf("AgentAPIHandler: failed to close approval action %d: %v", action.ID, err)
	}

	log.Printf("AgentAPIHandler: issue %s %s by %s", req.IssueID, decisionWord(approved), approver)

	go h.resumer.Resume(context.Background(), req.IssueID, approved)

	api.RespondJSON(w, http.StatusAccepted, map[string]interface{}{
		"issue_id": req.IssueID,
		"approved": approved,
		"message":  "Decision recorded, pipeline resuming",
	})
}

func decisionWord(approved bool) string {
	if approved {
		return "approved"
	}
	return "rejected"
}

// handleGetSettings handles GET /api/agent/settings
func (h *AgentAPIHandler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := database.GetAgentSettings(h.db)
	if err != nil {
		log.Printf("AgentAPIHandler: failed to load settings: %v", err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to load settings")
		return
	}
	api.RespondJSON(w, http.StatusOK, settings)
}

// handleUpdateSettings handles PUT /api/agent/settings
func (h *AgentAPIHandler) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req api.UpdateAgentSettingsRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if fieldErrors := api.Validate(req); fieldErrors != nil {
		api.RespondValidationError(w, fieldErrors)
		return
	}

	settings, err := database.GetAgentSettings(h.db)
	if err != nil {
		log.Printf("AgentAPIHandler: failed to load settings: %v", err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to load settings")
		return
	}

	if req.Active != nil {
		settings.Active = *req.Active
	}
	if req.AutonomyLevel != nil {
		settings.AutonomyLevel = *req.AutonomyLevel
	}
	if req.RequireStagingApproval != nil {
		settings.RequireStagingApproval = *req.RequireStagingApproval
	}
	if req.BlockOnTestFailure != nil {
		settings.BlockOnTestFailure = *req.BlockOnTestFailure
	}
	if req.ProtectedFiles != nil {
		patterns := make(database.StringList, 0, len(req.ProtectedFiles))
		for _, p := range req.ProtectedFiles {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				patterns = append(patterns, trimmed)
			}
		}
		settings.ProtectedFiles = patterns
	}
	if req.SlackWebhookURL != nil {
		settings.SlackWebhookURL = *req.SlackWebhookURL
	}
	if req.MaxDeploysPerDay != nil {
		settings.MaxDeploysPerDay = *req.MaxDeploysPerDay
	}

	if !settings.ValidAutonomyLevel() {
		api.RespondValidationError(w, map[string]string{"autonomy_level": "must be between 1 and 3"})
		return
	}

	if err := database.UpdateAgentSettings(h.db, settings); err != nil {
		log.Printf("AgentAPIHandler: failed to update settings: %v", err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to update settings")
		return
	}

	log.Printf("AgentAPIHandler: settings updated by %s (active=%v, autonomy=%d)",
		middleware.GetUserFromContext(r.Context()), settings.Active, settings.AutonomyLevel)

	api.RespondJSON(w, http.StatusOK, settings)
}

// handleManualScan handles POST /api/agent/scan
func (h *AgentAPIHandler) handleManualScan(w http.ResponseWriter, r *http.Request) {
	count, err := h.scanJob.RunOnce(r.Context())
	if err != nil {
		log.Printf("AgentAPIHandler: manual scan failed: %v", err)
		api.RespondError(w, http.StatusInternalServerError, "Scan failed")
		return
	}

	api.RespondJSON(w, http.StatusOK, api.ScanResponse{
		IssuesFound: count,
		Message:     "Scan completed",
	})
}
