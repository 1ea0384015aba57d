package api

import (
	"time"

	"github.com/nvclabs/optirecall/internal/database"
)

// ========== Auth Types ==========

// LoginRequest is the request body for POST /auth/login.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse is the response body for POST /auth/login.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ========== Agent Issue Types ==========

// ApproveFixRequest is the request body for POST /api/agent/approve-fix.
type ApproveFixRequest struct {
	IssueID  string `json:"issue_id" validate:"required,uuid4"`
	Approved *bool  `json:"approved" validate:"required"`
	Notes    string `json:"notes" validate:"omitempty,max=1024"`
}

// IssueListItem is a compact representation of an agent issue for list
// views. It omits large fields like the stack trace and context blob.
type IssueListItem struct {
	ID             uint                 `json:"id"`
	UUID           string               `json:"uuid"`
	Severity       database.Severity    `json:"severity"`
	IssueType      string               `json:"issue_type"`
	Title          string               `json:"title"`
	Status         database.IssueStatus `json:"status"`
	AffectedUsers  int                  `json:"affected_users"`
	ErrorFrequency int                  `json:"error_frequency"`
	LastSeenAt     time.Time            `json:"last_seen_at"`
	ResolvedAt     *time.Time           `json:"resolved_at,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
}

// IssueDetailResponse is the full issue with its action history.
type IssueDetailResponse struct {
	database.AgentIssue
	Actions []database.AgentAction `json:"actions"`
}

// ========== Agent Settings Types ==========

// UpdateAgentSettingsRequest is the request body for PUT /api/agent/settings.
// Pointer fields distinguish "not sent" from zero values.
type UpdateAgentSettingsRequest struct {
	Active                 *bool    `json:"active"`
	AutonomyLevel          *int     `json:"autonomy_level" validate:"omitempty,min=1,max=3"`
	RequireStagingApproval *bool    `json:"require_staging_approval"`
	BlockOnTestFailure     *bool    `json:"block_on_test_failure"`
	ProtectedFiles         []string `json:"protected_files"`
	SlackWebhookURL        *string  `json:"slack_webhook_url" validate:"omitempty,url"`
	MaxDeploysPerDay       *int     `json:"max_deploys_per_day" validate:"omitempty,min=0"`
}

// ========== Scan Types ==========

// ScanResponse is the response body for POST /api/agent/scan.
type ScanResponse struct {
	IssuesFound int    `json:"issues_found"`
	Message     string `json:"message"`
}

// ========== Pagination Types ==========

// PaginationMeta contains pagination metadata for list responses.
type PaginationMeta struct {
	Page       int   `json:"page"`
	PerPage    int   `json:"per_page"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
}

// PaginatedResponse wraps a list response with pagination metadata.
type PaginatedResponse struct {
	Data       interface{}    `json:"data"`
	Pagination PaginationMeta `json:"pagination"`
}
