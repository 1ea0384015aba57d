package database

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrIssueNotFound is returned when a referenced issue does not exist
var ErrIssueNotFound = errors.New("issue not found")

// GetIssueByUUID retrieves an issue by its UUID
func GetIssueByUUID(db *gorm.DB, uuid string) (*AgentIssue, error) {
	var issue AgentIssue
	if err := db.Where("uuid = ?", uuid).First(&issue).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrIssueNotFound
		}
		return nil, err
	}
	return &issue, nil
}

// FindOpenIssueByType returns the most recent open issue of the given type,
// or nil if none exists. Open means the issue is still moving through the
// pipeline (detected through deploying).
func FindOpenIssueByType(db *gorm.DB, issueType string) (*AgentIssue, error) {
	var issue AgentIssue
	err := db.Where("issue_type = ? AND status IN ?", issueType, OpenIssueStatuses).
		Order("created_at DESC").
		First(&issue).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &issue, nil
}

// TouchIssueRecurrence atomically increments the error frequency of an issue
// and refreshes its last-seen timestamp. The increment happens in SQL so
// concurrent scans never lose an occurrence.
func TouchIssueRecurrence(db *gorm.DB, issueID uint) error {
	return db.Model(&AgentIssue{}).Where("id = ?", issueID).
		Updates(map[string]interface{}{
			"error_frequency": gorm.Expr("error_frequency + ?", 1),
			"last_seen_at":    time.Now(),
		}).Error
}

// UpdateIssue applies a column map to an issue by ID
func UpdateIssue(db *gorm.DB, issueID uint, updates map[string]interface{}) error {
	return db.Model(&AgentIssue{}).Where("id = ?", issueID).Updates(updates).Error
}

// TransitionIssueStatus moves an issue from one status to another only if it
// is currently in the expected status. It returns false when the guard did
// not match, which callers use to prevent double-processing of the same issue.
func TransitionIssueStatus(db *gorm.DB, issueID uint, from, to IssueStatus) (bool, error) {
	result := db.Model(&AgentIssue{}).
		Where("id = ? AND status = ?", issueID, from).
		Update("status", to)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ListIssues returns issues ordered newest first
func ListIssues(db *gorm.DB, limit, offset int) ([]AgentIssue, int64, error) {
	var issues []AgentIssue
	var total int64
	if err := db.Model(&AgentIssue{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := db.Order("created_at DESC").Limit(limit).Offset(offset).Find(&issues).Error
	return issues, total, err
}

// ListActionsForIssue returns the audit trail for one issue, oldest first
func ListActionsForIssue(db *gorm.DB, issueID uint) ([]AgentAction, error) {
	var actions []AgentAction
	err := db.Where("issue_id = ?", issueID).Order("started_at ASC").Find(&actions).Error
	return actions, err
}

// ListRecentActions returns actions across all issues, newest first
func ListRecentActions(db *gorm.DB, limit, offset int) ([]AgentAction, int64, error) {
	var actions []AgentAction
	var total int64
	if err := db.Model(&AgentAction{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := db.Order("started_at DESC").Limit(limit).Offset(offset).Find(&actions).Error
	return actions, total, err
}

// StartAction opens a bracketing action row for a pipeline step
func StartAction(db *gorm.DB, issueID uint, actionType ActionType, details JSONB) (*AgentAction, error) {
	action := &AgentAction{
		IssueID:    issueID,
		ActionType: actionType,
		Status:     ActionStatusStarted,
		Details:    details,
	}
	if err := db.Create(action).Error; err != nil {
		return nil, err
	}
	return action, nil
}

// CompleteAction closes an action row as completed, merging extra details
func CompleteAction(db *gorm.DB, action *AgentAction, details JSONB) error {
	now := time.Now()
	merged := action.Details
	if merged == nil {
		merged = JSONB{}
	}
	for k, v := range details {
		merged[k] = v
	}
	return db.Model(action).Updates(map[string]interface{}{
		"status":       ActionStatusCompleted,
		"details":      merged,
		"completed_at": now,
	}).Error
}

// FailAction closes an action row as failed with the error message
func FailAction(db *gorm.DB, action *AgentAction, errMsg string) error {
	now := time.Now()
	return db.Model(action).Updates(map[string]interface{}{
		"status":        ActionStatusFailed,
		"error_message": errMsg,
		"completed_at":  now,
	}).Error
}

// CountRecentFailedCalls returns how many outbound calls failed since the cutoff
func CountRecentFailedCalls(db *gorm.DB, since time.Time) (int64, error) {
	var count int64
	err := db.Model(&CallLog{}).
		Where("call_status = ? AND created_at >= ?", "failed", since).
		Count(&count).Error
	return count, err
}

// CountPracticesWithFailedCalls returns the number of distinct tenants touched
// by failed calls since the cutoff
func CountPracticesWithFailedCalls(db *gorm.DB, since time.Time) (int64, error) {
	var count int64
	err := db.Model(&CallLog{}).
		Where("call_status = ? AND created_at >= ?", "failed", since).
		Distinct("practice_id").
		Count(&count).Error
	return count, err
}

// CountProductionDeploysSince counts completed deploy actions that reached
// production since the cutoff. Used to enforce the daily deployment cap.
// The production marker lives inside the JSONB details, so the filter runs
// in Go to stay portable across postgres and the sqlite test driver.
func CountProductionDeploysSince(db *gorm.DB, since time.Time) (int64, error) {
	var actions []AgentAction
	err := db.Where("action_type = ? AND status = ? AND completed_at >= ?",
		ActionTypeDeploy, ActionStatusCompleted, since).
		Find(&actions).Error
	if err != nil {
		return 0, err
	}
	var count int64
	for _, a := range actions {
		if a.Details != nil && a.Details["deployed_to"] == "production" {
			count++
		}
	}
	return count, nil
}

// RecordHealthCheck writes one health check audit row
func RecordHealthCheck(db *gorm.DB, checkType, status string, responseTimeMs int64, errMsg string, details JSONB) error {
	return db.Create(&HealthCheck{
		CheckType:      checkType,
		Status:         status,
		ResponseTimeMs: responseTimeMs,
		ErrorMessage:   errMsg,
		Details:        details,
	}).Error
}
