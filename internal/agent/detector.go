package agent

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nvclabs/optirecall/internal/database"
	"github.com/nvclabs/optirecall/internal/health"
)

// Detection thresholds
const (
	slowResponseThresholdMs = 2000
	slowQueryThresholdMs    = 1000
	failedCallThreshold     = 5
	failedCallWindow        = 5 * time.Minute
)

// Detector produces candidate issues from current system signals. Each scan
// is independent; deduplication happens at the store boundary in LogIssue.
type Detector struct {
	db         *gorm.DB
	health     health.Checker
	appURL     string
	probes     []DependencyProbe
	httpClient *http.Client
}

// NewDetector creates a detector. appURL is the base URL whose /health
// endpoint represents the application's own liveness.
func NewDetector(db *gorm.DB, checker health.Checker, appURL string, probes []DependencyProbe) *Detector {
	return &Detector{
		db:         db,
		health:     checker,
		appURL:     appURL,
		probes:     probes,
		httpClient: &http.Client{Timeout: probeTimeout},
	}
}

// Scan runs all detection sub-checks and returns the synthesized issues.
// Each sub-check is isolated so one failing probe never prevents the others
// from running.
func (d *Detector) Scan(ctx context.Context) []DetectedIssue {
	var issues []DetectedIssue

	issues = append(issues, d.checkHealth(ctx)...)
	issues = append(issues, d.checkCallFailures()...)
	issues = append(issues, d.checkDatabase()...)
	issues = append(issues, d.checkExternalAPIs(ctx)...)

	return issues
}

// checkHealth probes the application health endpoint
func (d *Detector) checkHealth(ctx context.Context) []DetectedIssue {
	var issues []DetectedIssue

	status, err := d.health.Check(ctx, d.appURL)
	if err != nil {
		return []DetectedIssue{{
			Severity:       database.SeverityP0,
			IssueType:      "health_check_error",
			Title:          "Health check endpoint unreachable",
			Message:        fmt.Sprintf("Failed to reach health check: %v", err),
			AffectedUsers:  database.AffectedUsersAll,
			ErrorFrequency: 1,
			Context:        database.JSONB{"error": err.Error()},
		}}
	}

	switch status.Status {
	case health.StatusUnhealthy:
		issues = append(issues, DetectedIssue{
			Severity:       database.SeverityP0,
			IssueType:      "health_check_failed",
			Title:          "Application health check failed",
			Message:        "Health check returned unhealthy status",
			AffectedUsers:  database.AffectedUsersAll,
			ErrorFrequency: 1,
			Context:        database.JSONB{"health_status": status.Status, "checks": status.Checks},
		})
	case health.StatusDegraded:
		issues = append(issues, DetectedIssue{
			Severity:       database.SeverityP1,
			IssueType:      "performance_degraded",
			Title:          "Application performance degraded",
			Message:        "Health check shows degraded performance",
			AffectedUsers:  0,
			ErrorFrequency: 1,
			Context:        database.JSONB{"health_status": status.Status, "checks": status.Checks},
		})
	}

	if status.ResponseTimeMs > slowResponseThresholdMs {
		issues = append(issues, DetectedIssue{
			Severity:       database.SeverityP2,
			IssueType:      "slow_response",
			Title:          "Slow health check response",
			Message:        fmt.Sprintf("Health check took %dms (threshold: %dms)", status.ResponseTimeMs, slowResponseThresholdMs),
			AffectedUsers:  0,
			ErrorFrequency: 1,
			Context:        database.JSONB{"response_time_ms": status.ResponseTimeMs},
		})
	}

	return issues
}

// checkCallFailures looks for a spike of failed outbound calls
func (d *Detector) checkCallFailures() []DetectedIssue {
	since := time.Now().Add(-failedCallWindow)

	failed, err := database.CountRecentFailedCalls(d.db, since)
	if err != nil {
		log.Printf("Detector: error checking call failures: %v", err)
		return nil
	}
	if failed <= failedCallThreshold {
		return nil
	}

	practices, err := database.CountPracticesWithFailedCalls(d.db, since)
	if err != nil {
		log.Printf("Detector: error counting affected practices: %v", err)
		practices = 0
	}

	return []DetectedIssue{{
		Severity:       database.SeverityP1,
		IssueType:      "high_call_failure_rate",
		Title:          "High AI call failure rate detected",
		Message:        fmt.Sprintf("%d calls failed in last 5 minutes", failed),
		AffectedUsers:  int(practices),
		ErrorFrequency: int(failed),
		Context:        database.JSONB{"failed_calls": failed, "window_minutes": 5},
	}}
}

// checkDatabase measures the primary store's responsiveness with a trivial query
func (d *Detector) checkDatabase() []DetectedIssue {
	sqlDB, err := d.db.DB()
	if err == nil {
		err = sqlDB.Ping()
	}
	if err != nil {
		return []DetectedIssue{{
			Severity:       database.SeverityP0,
			IssueType:      "database_connection_error",
			Title:          "Cannot connect to database",
			Message:        err.Error(),
			AffectedUsers:  database.AffectedUsersAll,
			ErrorFrequency: 1,
			Context:        database.JSONB{"error": err.Error()},
		}}
	}

	start := time.Now()
	var ids []uint
	queryErr := d.db.Model(&database.Practice{}).Limit(1).Pluck("id", &ids).Error
	queryTime := time.Since(start).Milliseconds()

	if queryErr != nil {
		return []DetectedIssue{{
			Severity:       database.SeverityP0,
			IssueType:      "database_error",
			Title:          "Database query failed",
			Message:        fmt.Sprintf("Database error: %v", queryErr),
			AffectedUsers:  database.AffectedUsersAll,
			ErrorFrequency: 1,
			Context:        database.JSONB{"error": queryErr.Error()},
		}}
	}

	if queryTime > slowQueryThresholdMs {
		return []DetectedIssue{{
			Severity:       database.SeverityP2,
			IssueType:      "slow_database",
			Title:          "Slow database query detected",
			Message:        fmt.Sprintf("Simple query took %dms (threshold: %dms)", queryTime, slowQueryThresholdMs),
			AffectedUsers:  0,
			ErrorFrequency: 1,
			Context:        database.JSONB{"query_time_ms": queryTime},
		}}
	}

	return nil
}

// checkExternalAPIs probes each configured external dependency
func (d *Detector) checkExternalAPIs(ctx context.Context) []DetectedIssue {
	var issues []DetectedIssue

	for _, p := range d.probes {
		if p.skip() {
			continue
		}

		code, err := p.probe(ctx, d.httpClient)
		if err != nil {
			issues = append(issues, DetectedIssue{
				Severity:       database.SeverityP1,
				IssueType:      "external_api_unreachable",
				Title:          fmt.Sprintf("Cannot reach %s", p.Name),
				Message:        err.Error(),
				AffectedUsers:  database.AffectedUsersAll,
				ErrorFrequency: 1,
				Context:        database.JSONB{"service": p.Name, "error": err.Error()},
			})
			continue
		}
		if code < 200 || code > 299 {
			issues = append(issues, DetectedIssue{
				Severity:       database.SeverityP1,
				IssueType:      "external_api_down",
				Title:          fmt.Sprintf("%s API unavailable", p.Name),
				Message:        fmt.Sprintf("%s returned %d", p.Name, code),
				AffectedUsers:  database.AffectedUsersAll,
				ErrorFrequency: 1,
				Context:        database.JSONB{"service": p.Name, "status": code},
			})
		}
	}

	return issues
}

// LogIssue persists a detected issue, deduplicating against open issues of
// the same type: a re-detection increments the existing issue's frequency
// and refreshes last-seen instead of creating a duplicate. Returns the UUID
// of the new or existing issue and whether a new record was created.
func (d *Detector) LogIssue(issue DetectedIssue) (string, bool, error) {
	var issueUUID string
	created := false

	err := d.db.Transaction(func(tx *gorm.DB) error {
		existing, err := database.FindOpenIssueByType(tx, issue.IssueType)
		if err != nil {
			return err
		}
		if existing != nil {
			issueUUID = existing.UUID
			return database.TouchIssueRecurrence(tx, existing.ID)
		}

		record := &database.AgentIssue{
			UUID:           uuid.New().String(),
			Severity:       issue.Severity,
			IssueType:      issue.IssueType,
			Title:          issue.Title,
			Message:        issue.Message,
			StackTrace:     issue.StackTrace,
			AffectedUsers:  issue.AffectedUsers,
			ErrorFrequency: issue.ErrorFrequency,
			Context:        issue.Context,
			Status:         database.IssueStatusDetected,
		}
		if err := tx.Create(record).Error; err != nil {
			return err
		}
		issueUUID = record.UUID
		created = true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to log issue: %w", err)
	}

	return issueUUID, created, nil
}
