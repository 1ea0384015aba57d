// Package agent implements the self-healing pipeline: detection, diagnosis,
// fix generation, and health-gated staged deployment, coordinated by an
// orchestrator with an operator-configured autonomy level.
package agent

import (
	"errors"

	"github.com/nvclabs/optirecall/internal/database"
)

// ErrProtectedFile is returned when a fix would touch a protected path.
// This is a hard safety boundary and is never bypassed by autonomy level.
var ErrProtectedFile = errors.New("cannot modify protected file")

// DetectedIssue is a candidate issue synthesized by one detector sub-check,
// before it is persisted and deduplicated.
type DetectedIssue struct {
	Severity       database.Severity
	IssueType      string
	Title          string
	Message        string
	StackTrace     string
	AffectedUsers  int // -1 means all users
	ErrorFrequency int
	Context        database.JSONB
}

// DiagnosisResult is the structured verdict of the diagnosis oracle.
//
// Degraded marks the fallback variant used when the oracle's output could
// not be parsed as structured data. A degraded result always requires human
// approval; unparsable oracle output is never license to proceed unattended.
type DiagnosisResult struct {
	IssueUUID             string   `json:"issue_uuid"`
	RootCause             string   `json:"rootCause"`
	AffectedFiles         []string `json:"affectedFiles"`
	AffectedLines         []int    `json:"affectedLines"`
	FixStrategy           string   `json:"fixStrategy"`
	Confidence            float64  `json:"confidence"`
	EstimatedFixTime      int      `json:"estimatedFixTime"` // minutes
	RequiresHumanApproval bool     `json:"requiresHumanApproval"`
	Degraded              bool     `json:"-"`
}

// FixResult reports the outcome of one fix attempt
type FixResult struct {
	IssueUUID     string
	Success       bool
	CommitSHA     string
	BranchName    string
	FilesModified []string
	TestsPass     bool
	Error         string
}

// DeploymentResult reports the outcome of one deployment attempt
type DeploymentResult struct {
	IssueUUID     string
	Success       bool
	StagingURL    string
	ProductionURL string
	DeployedAt    string
	RolledBack    bool
	Error         string
}

// severityRank orders severities for comparison, P0 highest
var severityRank = map[database.Severity]int{
	database.SeverityP0: 4,
	database.SeverityP1: 3,
	database.SeverityP2: 2,
	database.SeverityP3: 1,
	database.SeverityP4: 0,
}

// severityAtLeast reports whether s is at least as urgent as min
func severityAtLeast(s, min database.Severity) bool {
	return severityRank[s] >= severityRank[min]
}
