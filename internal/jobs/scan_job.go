// Package jobs hosts the agent's background loops: the periodic health scan
// and the pipeline dispatcher.
package jobs

import (
	"context"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/nvclabs/optirecall/internal/agent"
	"github.com/nvclabs/optirecall/internal/database"
)

// ScanJob runs the detector on a schedule, persists what it finds, alerts on
// high-severity issues, and hands new issues to the dispatcher when the
// autonomy level allows autonomous processing.
type ScanJob struct {
	db         *gorm.DB
	detector   *agent.Detector
	dispatcher *Dispatcher
	notifier   agent.Notifier
}

// NewScanJob creates the periodic scan job
func NewScanJob(db *gorm.DB, detector *agent.Detector, dispatcher *Dispatcher, notifier agent.Notifier) *ScanJob {
	if notifier == nil {
		notifier = agent.NopNotifier{}
	}
	return &ScanJob{
		db:         db,
		detector:   detector,
		dispatcher: dispatcher,
		notifier:   notifier,
	}
}

// RunOnce performs a single scan cycle. It returns the number of issues
// observed (new or recurring).
func (j *ScanJob) RunOnce(ctx context.Context) (int, error) {
	settings, err := database.GetAgentSettings(j.db)
	if err != nil {
		return 0, err
	}
	if !settings.IsActive() {
		return 0, nil
	}

	start := time.Now()
	issues := j.detector.Scan(ctx)

	for _, detected := range issues {
		issueUUID, isNew, err := j.detector.LogIssue(detected)
		if err != nil {
			log.Printf("Scan job: failed to log %s issue: %v", detected.IssueType, err)
			continue
		}

		issue, err := database.GetIssueByUUID(j.db, issueUUID)
		if err != nil {
			log.Printf("Scan job: failed to load issue %s: %v", issueUUID, err)
			continue
		}

		j.recordDetection(issue, detected, isNew)

		// Alert humans about critical findings, once per open issue.
		if isNew && (issue.Severity == database.SeverityP0 || issue.Severity == database.SeverityP1) {
			if err := j.notifier.NotifyIssueDetected(ctx, issue); err != nil {
				log.Printf("Scan job: detection notification failed: %v", err)
			}
		}

		// Level 1 detects and diagnoses only on request; levels 2 and 3
		// hand the issue straight to the pipeline.
		if settings.AutonomyLevel > 1 && issue.Status == database.IssueStatusDetected {
			j.dispatcher.Enqueue(issueUUID)
		}
	}

	j.recordScanHealth(start, len(issues))
	return len(issues), nil
}

// recordDetection writes the audit row for one detection
func (j *ScanJob) recordDetection(issue *database.AgentIssue, detected agent.DetectedIssue, isNew bool) {
	action, err := database.StartAction(j.db, issue.ID, database.ActionTypeDetect, database.JSONB{
		"issue_type":     detected.IssueType,
		"severity":       string(detected.Severity),
		"new_issue":      isNew,
		"affected_users": detected.AffectedUsers,
	})
	if err != nil {
		log.Printf("Scan job: failed to record detection for issue %s: %v", issue.UUID, err)
		return
	}
	if err := database.CompleteAction(j.db, action, nil); err != nil {
		log.Printf("Scan job: failed to complete detection action %d: %v", action.ID, err)
	}
}

// recordScanHealth keeps a heartbeat row so operators can see the agent
// itself is alive and how long scans take.
func (j *ScanJob) recordScanHealth(start time.Time, issueCount int) {
	status := "healthy"
	if issueCount > 0 {
		status = "degraded"
	}
	err := database.RecordHealthCheck(j.db, "agent_scan", status,
		time.Since(start).Milliseconds(), "", database.JSONB{"issues_found": issueCount})
	if err != nil {
		log.Printf("Scan job: failed to record scan health: %v", err)
	}
}

// Start begins periodic scanning until stop is closed
func (j *ScanJob) Start(ctx context.Context, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			count, err := j.RunOnce(ctx)
			if err != nil {
				log.Printf("Scan job error: %v", err)
			} else if count > 0 {
				log.Printf("Scan job: observed %d issues", count)
			}
		case <-stop:
			log.Println("Scan job stopped")
			return
		}
	}
}
