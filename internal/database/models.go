package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// StringList is a JSON-encoded list of strings (used for protected file patterns)
type StringList []string

// Scan implements the sql.Scanner interface
func (s *StringList) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, s)
}

// Value implements the driver.Valuer interface
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return json.Marshal([]string{})
	}
	return json.Marshal([]string(s))
}

// Severity represents issue severity, P0 being the most urgent
type Severity string

const (
	SeverityP0 Severity = "P0"
	SeverityP1 Severity = "P1"
	SeverityP2 Severity = "P2"
	SeverityP3 Severity = "P3"
	SeverityP4 Severity = "P4"
)

// IssueStatus represents the status of an agent issue
type IssueStatus string

const (
	IssueStatusDetected   IssueStatus = "detected"
	IssueStatusDiagnosing IssueStatus = "diagnosing"
	IssueStatusFixing     IssueStatus = "fixing"
	IssueStatusTesting    IssueStatus = "testing"
	IssueStatusDeploying  IssueStatus = "deploying"
	IssueStatusResolved   IssueStatus = "resolved"
	IssueStatusFailed     IssueStatus = "failed"
)

// OpenIssueStatuses are the statuses in which an issue counts as open for
// deduplication. Re-detections of the same issue type are absorbed into an
// issue in one of these states instead of creating a duplicate.
var OpenIssueStatuses = []IssueStatus{
	IssueStatusDetected,
	IssueStatusDiagnosing,
	IssueStatusFixing,
	IssueStatusTesting,
	IssueStatusDeploying,
}

// AffectedUsersAll is the sentinel meaning "all users are affected"
const AffectedUsersAll = -1

// AgentIssue is a detected operational problem tracked through the agent pipeline
type AgentIssue struct {
	ID             uint        `gorm:"primaryKey" json:"id"`
	UUID           string      `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	Severity       Severity    `gorm:"type:varchar(4);not null;index" json:"severity"`
	IssueType      string      `gorm:"size:128;not null;index" json:"issue_type"`
	Title          string      `gorm:"type:varchar(255)" json:"title"`
	Message        string      `gorm:"type:text" json:"message"`
	StackTrace     string      `gorm:"type:text" json:"stack_trace,omitempty"`
	AffectedUsers  int         `json:"affected_users"` // -1 means all users
	ErrorFrequency int         `gorm:"default:1" json:"error_frequency"`
	Context        JSONB       `gorm:"type:jsonb" json:"context"`
	Status         IssueStatus `gorm:"type:varchar(32);not null;default:'detected';index" json:"status"`

	// Set by the diagnoser
	RootCause   string `gorm:"type:text" json:"root_cause,omitempty"`
	FixStrategy string `gorm:"type:text" json:"fix_strategy,omitempty"`

	// Set by the fixer
	FixBranchName string `gorm:"type:varchar(255)" json:"fix_branch_name,omitempty"`
	FixCommitSHA  string `gorm:"type:varchar(64)" json:"fix_commit_sha,omitempty"`

	ResolutionNotes string     `gorm:"type:text" json:"resolution_notes,omitempty"`
	LastSeenAt      time.Time  `json:"last_seen_at"`
	DeployedAt      *time.Time `json:"deployed_at,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// BeforeCreate hook to set LastSeenAt
func (i *AgentIssue) BeforeCreate(tx *gorm.DB) error {
	if i.LastSeenAt.IsZero() {
		i.LastSeenAt = time.Now()
	}
	return nil
}

// IsOpen returns true if the issue is still moving through the pipeline
func (i *AgentIssue) IsOpen() bool {
	for _, s := range OpenIssueStatuses {
		if i.Status == s {
			return true
		}
	}
	return false
}

// ActionType identifies one kind of pipeline step
type ActionType string

const (
	ActionTypeDetect   ActionType = "detect"
	ActionTypeDiagnose ActionType = "diagnose"
	ActionTypeFix      ActionType = "fix"
	ActionTypeDeploy   ActionType = "deploy"
)

// ActionStatus represents the status of an agent action
type ActionStatus string

const (
	ActionStatusStarted   ActionStatus = "started"
	ActionStatusCompleted ActionStatus = "completed"
	ActionStatusFailed    ActionStatus = "failed"
)

// AgentAction is the audit record of one pipeline step performed against an
// issue. Every step that mutates an issue brackets itself with exactly one
// action row: created as started, closed as completed or failed before the
// step returns.
type AgentAction struct {
	ID            uint         `gorm:"primaryKey" json:"id"`
	IssueID       uint         `gorm:"not null;index" json:"issue_id"`
	ActionType    ActionType   `gorm:"type:varchar(32);not null" json:"action_type"`
	Status        ActionStatus `gorm:"type:varchar(32);not null;default:'started'" json:"status"`
	Details       JSONB        `gorm:"type:jsonb" json:"details"`
	ErrorMessage  string       `gorm:"type:text" json:"error_message,omitempty"`
	HumanApproved bool         `gorm:"default:false" json:"human_approved"`
	ApprovedBy    string       `gorm:"type:varchar(255)" json:"approved_by,omitempty"`
	StartedAt     time.Time    `json:"started_at"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`

	Issue AgentIssue `gorm:"foreignKey:IssueID" json:"-"`
}

// BeforeCreate hook to set StartedAt
func (a *AgentAction) BeforeCreate(tx *gorm.DB) error {
	if a.StartedAt.IsZero() {
		a.StartedAt = time.Now()
	}
	return nil
}

// AgentSettings stores the agent pipeline configuration (singleton row)
type AgentSettings struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	Active                 bool       `gorm:"default:false" json:"active"`
	AutonomyLevel          int        `gorm:"default:1" json:"autonomy_level"` // 1, 2, or 3
	RequireStagingApproval bool       `gorm:"default:true" json:"require_staging_approval"`
	BlockOnTestFailure     bool       `gorm:"default:false" json:"block_on_test_failure"`
	ProtectedFiles         StringList `gorm:"type:jsonb" json:"protected_files"`
	SlackWebhookURL        string     `gorm:"type:text" json:"slack_webhook_url"`
	MaxDeploysPerDay       int        `gorm:"default:5" json:"max_deploys_per_day"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// IsActive returns true if the agent pipeline is switched on
func (s *AgentSettings) IsActive() bool {
	return s.Active
}

// ValidAutonomyLevel reports whether the configured autonomy level is in range
func (s *AgentSettings) ValidAutonomyLevel() bool {
	return s.AutonomyLevel >= 1 && s.AutonomyLevel <= 3
}

// HealthCheck is an audit row recorded for each scan or probe run
type HealthCheck struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	CheckType      string    `gorm:"size:64;not null;index" json:"check_type"`
	Status         string    `gorm:"size:32;not null" json:"status"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	ErrorMessage   string    `gorm:"type:text" json:"error_message,omitempty"`
	Details        JSONB     `gorm:"type:jsonb" json:"details"`
	CreatedAt      time.Time `json:"created_at"`
}

// Practice represents a tenant (an opticians practice). Only the columns the
// agent reads are modeled here; the CRUD surface lives in the dashboard service.
type Practice struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"type:varchar(255);not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CallLog records one outbound recall call attempt. The agent reads these rows
// to compute failure volume and error-rate baselines; the calling integration
// writes them.
type CallLog struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	PracticeID uint      `gorm:"not null;index" json:"practice_id"`
	CallStatus string    `gorm:"size:32;not null;index" json:"call_status"` // queued, completed, failed, ...
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

// IngestKeySettings stores the API keys the application backend uses to
// report call outcomes and runtime errors to the agent.
type IngestKeySettings struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Enabled   bool      `gorm:"default:false" json:"enabled"`
	Keys      JSONB     `gorm:"type:jsonb" json:"keys"` // Array of {key, name, enabled, created_at}
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IngestKeyEntry represents a single ingest key entry
type IngestKeyEntry struct {
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// GetActiveKeys returns all enabled ingest keys
func (s *IngestKeySettings) GetActiveKeys() []string {
	if s.Keys == nil {
		return []string{}
	}

	keysData, ok := s.Keys["keys"].([]interface{})
	if !ok {
		return []string{}
	}

	var activeKeys []string
	for _, k := range keysData {
		keyMap, ok := k.(map[string]interface{})
		if !ok {
			continue
		}
		enabled, _ := keyMap["enabled"].(bool)
		key, _ := keyMap["key"].(string)
		if enabled && key != "" {
			activeKeys = append(activeKeys, key)
		}
	}
	return activeKeys
}

// TableName overrides for explicit table naming
func (AgentIssue) TableName() string {
	return "agent_issues"
}

func (AgentAction) TableName() string {
	return "agent_actions"
}

func (AgentSettings) TableName() string {
	return "agent_settings"
}

func (HealthCheck) TableName() string {
	return "health_checks"
}

func (Practice) TableName() string {
	return "practices"
}

func (CallLog) TableName() string {
	return "call_logs"
}

func (IngestKeySettings) TableName() string {
	return "ingest_key_settings"
}
