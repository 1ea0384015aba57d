// Package testhelpers provides additional data builders for testing
package testhelpers

import (
	"time"

	"github.com/google/uuid"

	"github.com/nvclabs/optirecall/internal/database"
)

// ========================================
// Agent Issue Builder
// ========================================

// IssueBuilder builds AgentIssue instances for testing
type IssueBuilder struct {
	issue database.AgentIssue
}

// NewIssueBuilder creates a new issue builder with defaults
func NewIssueBuilder() *IssueBuilder {
	return &IssueBuilder{
		issue: database.AgentIssue{
			UUID:           uuid.New().String(),
			Severity:       database.SeverityP2,
			IssueType:      "slow_response",
			Title:          "Test issue",
			Message:        "Test issue message",
			Status:         database.IssueStatusDetected,
			AffectedUsers:  1,
			ErrorFrequency: 1,
			LastSeenAt:     time.Now(),
		},
	}
}

// WithUUID sets the issue UUID
func (b *IssueBuilder) WithUUID(id string) *IssueBuilder {
	b.issue.UUID = id
	return b
}

// WithSeverity sets the severity
func (b *IssueBuilder) WithSeverity(s database.Severity) *IssueBuilder {
	b.issue.Severity = s
	return b
}

// WithType sets the issue type
func (b *IssueBuilder) WithType(issueType string) *IssueBuilder {
	b.issue.IssueType = issueType
	return b
}

// WithTitle sets the title
func (b *IssueBuilder) WithTitle(title string) *IssueBuilder {
	b.issue.Title = title
	return b
}

// WithStatus sets the status
func (b *IssueBuilder) WithStatus(status database.IssueStatus) *IssueBuilder {
	b.issue.Status = status
	return b
}

// WithFixBranch sets the fix branch name
func (b *IssueBuilder) WithFixBranch(branch string) *IssueBuilder {
	b.issue.FixBranchName = branch
	return b
}

// WithAffectedUsers sets the affected user count
func (b *IssueBuilder) WithAffectedUsers(n int) *IssueBuilder {
	b.issue.AffectedUsers = n
	return b
}

// Build returns the constructed issue
func (b *IssueBuilder) Build() database.AgentIssue {
	return b.issue
}

// ========================================
// Agent Settings Builder
// ========================================

// SettingsBuilder builds AgentSettings instances for testing
type SettingsBuilder struct {
	settings database.AgentSettings
}

// NewSettingsBuilder creates a settings builder with an active agent at the
// standard autonomy level and no staging approval requirement.
func NewSettingsBuilder() *SettingsBuilder {
	return &SettingsBuilder{
		settings: database.AgentSettings{
			Active:                 true,
			AutonomyLevel:          2,
			RequireStagingApproval: false,
			BlockOnTestFailure:     false,
			ProtectedFiles:         database.StringList{},
			MaxDeploysPerDay:       0,
		},
	}
}

// Inactive deactivates the agent
func (b *SettingsBuilder) Inactive() *SettingsBuilder {
	b.settings.Active = false
	return b
}

// WithAutonomyLevel sets the autonomy level
func (b *SettingsBuilder) WithAutonomyLevel(level int) *SettingsBuilder {
	b.settings.AutonomyLevel = level
	return b
}

// WithStagingApproval requires human approval before production promotion
func (b *SettingsBuilder) WithStagingApproval() *SettingsBuilder {
	b.settings.RequireStagingApproval = true
	return b
}

// WithBlockOnTestFailure makes failing tests abort the fix
func (b *SettingsBuilder) WithBlockOnTestFailure() *SettingsBuilder {
	b.settings.BlockOnTestFailure = true
	return b
}

// WithProtectedFiles sets the protected file patterns
func (b *SettingsBuilder) WithProtectedFiles(patterns ...string) *SettingsBuilder {
	b.settings.ProtectedFiles = database.StringList(patterns)
	return b
}

// WithMaxDeploysPerDay sets the daily deployment cap
func (b *SettingsBuilder) WithMaxDeploysPerDay(n int) *SettingsBuilder {
	b.settings.MaxDeploysPerDay = n
	return b
}

// Build returns the constructed settings
func (b *SettingsBuilder) Build() database.AgentSettings {
	return b.settings
}

// ========================================
// Diagnosis Context Builders
// ========================================

// CallLogBuilder builds CallLog rows for testing detection thresholds
type CallLogBuilder struct {
	logEntry database.CallLog
}

// NewCallLogBuilder creates a call log builder with a failed call now
func NewCallLogBuilder() *CallLogBuilder {
	return &CallLogBuilder{
		logEntry: database.CallLog{
			PracticeID: 1,
			CallStatus: "failed",
			CreatedAt:  time.Now(),
		},
	}
}

// WithPractice sets the owning practice
func (b *CallLogBuilder) WithPractice(id uint) *CallLogBuilder {
	b.logEntry.PracticeID = id
	return b
}

// WithStatus sets the call status
func (b *CallLogBuilder) WithStatus(status string) *CallLogBuilder {
	b.logEntry.CallStatus = status
	return b
}

// At sets the creation time
func (b *CallLogBuilder) At(t time.Time) *CallLogBuilder {
	b.logEntry.CreatedAt = t
	return b
}

// Build returns the constructed call log
func (b *CallLogBuilder) Build() database.CallLog {
	return b.logEntry
}
