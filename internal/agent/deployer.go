package agent

import (
	"context"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/nvclabs/optirecall/internal/database"
	"github.com/nvclabs/optirecall/internal/health"
	"github.com/nvclabs/optirecall/internal/vcs"
)

// Monitoring defaults. Staging gets a tight loop with a higher failure
// tolerance; production gets a longer window at a coarser interval plus an
// error-rate regression guard.
const (
	defaultStagingSettle        = 60 * time.Second
	defaultStagingWindow        = 10 * time.Minute
	defaultStagingInterval      = 1 * time.Minute
	defaultStagingFailThreshold = 3

	defaultProductionWindow        = 30 * time.Minute
	defaultProductionInterval      = 5 * time.Minute
	defaultProductionFailThreshold = 2

	errorRateWindow     = 5 * time.Minute
	errorRateMultiplier = 1.5
)

// Deployer promotes a fix branch through staging to production with
// health-gated promotion and rollback.
type Deployer struct {
	db     *gorm.DB
	vc     vcs.VersionControl
	health health.Checker
	clock  Clock
	events EventSink

	appURL        string
	stagingURL    string
	trunkBranch   string
	stagingBranch string

	stagingSettle        time.Duration
	stagingWindow        time.Duration
	stagingInterval      time.Duration
	stagingFailThreshold int

	productionWindow        time.Duration
	productionInterval      time.Duration
	productionFailThreshold int
}

// DeployerParams carries the deployer's collaborators and topology
type DeployerParams struct {
	DB            *gorm.DB
	VC            vcs.VersionControl
	Health        health.Checker
	Clock         Clock
	Events        EventSink
	AppURL        string
	StagingURL    string
	TrunkBranch   string
	StagingBranch string
}

// NewDeployer creates a deployer with default monitoring windows
func NewDeployer(p DeployerParams) *Deployer {
	if p.Clock == nil {
		p.Clock = NewClock()
	}
	if p.Events == nil {
		p.Events = NopSink{}
	}
	return &Deployer{
		db:            p.DB,
		vc:            p.VC,
		health:        p.Health,
		clock:         p.Clock,
		events:        p.Events,
		appURL:        p.AppURL,
		stagingURL:    p.StagingURL,
		trunkBranch:   p.TrunkBranch,
		stagingBranch: p.StagingBranch,

		stagingSettle:        defaultStagingSettle,
		stagingWindow:        defaultStagingWindow,
		stagingInterval:      defaultStagingInterval,
		stagingFailThreshold: defaultStagingFailThreshold,

		productionWindow:        defaultProductionWindow,
		productionInterval:      defaultProductionInterval,
		productionFailThreshold: defaultProductionFailThreshold,
	}
}

// Deploy pushes a fix branch through the staging → production pipeline.
// diagnosis carries the oracle's approval hint into the promotion gate.
// Failures are returned as results, never raised; a rollback happens only
// after a confirmed unhealthy production monitor.
func (d *Deployer) Deploy(ctx context.Context, settings *database.AgentSettings, issueUUID, branchName string, diagnosis *DiagnosisResult) *DeploymentResult {
	issue, err := database.GetIssueByUUID(d.db, issueUUID)
	if err != nil {
		return &DeploymentResult{IssueUUID: issueUUID, Error: err.Error()}
	}

	action, err := database.StartAction(d.db, issue.ID, database.ActionTypeDeploy, database.JSONB{
		"branch_name": branchName,
	})
	if err != nil {
		return &DeploymentResult{IssueUUID: issueUUID, Error: err.Error()}
	}

	// Stage 1: merge the fix branch into the staging integration branch and
	// push, triggering the external staging deployment.
	if err := d.pushToStaging(ctx, branchName); err != nil {
		return d.failDeploy(action, issueUUID, fmt.Errorf("failed to push to staging: %w", err))
	}

	// Give the external deployment time to come up before monitoring.
	if err := d.clock.Sleep(ctx, d.stagingSettle); err != nil {
		return d.failDeploy(action, issueUUID, fmt.Errorf("deployment abandoned: %w", err))
	}

	stagingHealthy, err := d.monitorHealth(ctx, d.stagingURL, d.stagingWindow, d.stagingInterval, d.stagingFailThreshold, nil)
	if err != nil {
		return d.failDeploy(action, issueUUID, fmt.Errorf("staging monitor abandoned: %w", err))
	}
	if !stagingHealthy {
		// Production was never touched, so there is nothing to roll back.
		// The issue status is deliberately left as-is.
		return d.failDeploy(action, issueUUID, fmt.Errorf("staging deployment failed health checks"))
	}

	// Stage 2: decide whether a human gates the promotion to production.
	if d.needsPromotionApproval(settings, issue, diagnosis) {
		if err := database.UpdateIssue(d.db, issue.ID, map[string]interface{}{
			"status": database.IssueStatusDeploying,
		}); err != nil {
			log.Printf("Deployer: failed to suspend issue %s for approval: %v", issueUUID, err)
		}
		if err := database.CompleteAction(d.db, action, database.JSONB{
			"staging_url":       d.stagingURL,
			"awaiting_approval": true,
		}); err != nil {
			log.Printf("Deployer: failed to complete action %d: %v", action.ID, err)
		}
		d.events.Publish(Event{
			Type:      "awaiting_approval",
			IssueUUID: issueUUID,
			Severity:  string(issue.Severity),
			Title:     issue.Title,
			Timestamp: d.clock.Now(),
		})
		return &DeploymentResult{
			IssueUUID:  issueUUID,
			Success:    true,
			StagingURL: d.stagingURL,
			RolledBack: false,
		}
	}

	// Stage 3: promote, monitor, and roll back on regression.
	return d.promoteAndMonitor(ctx, issue, action)
}

// ApproveAndDeploy resumes a pipeline suspended at the promotion gate.
func (d *Deployer) ApproveAndDeploy(ctx context.Context, issueUUID string, approved bool) *DeploymentResult {
	issue, err := database.GetIssueByUUID(d.db, issueUUID)
	if err != nil {
		return &DeploymentResult{IssueUUID: issueUUID, Error: err.Error()}
	}

	if !approved {
		if err := database.UpdateIssue(d.db, issue.ID, map[string]interface{}{
			"status":           database.IssueStatusFailed,
			"resolution_notes": "Deployment rejected by human",
		}); err != nil {
			log.Printf("Deployer: failed to mark issue %s rejected: %v", issueUUID, err)
		}
		return &DeploymentResult{
			IssueUUID:  issueUUID,
			Success:    false,
			RolledBack: false,
			Error:      "Deployment rejected",
		}
	}

	if issue.FixBranchName == "" {
		return &DeploymentResult{IssueUUID: issueUUID, Error: "fix branch not found on issue"}
	}

	action, err := database.StartAction(d.db, issue.ID, database.ActionTypeDeploy, database.JSONB{
		"branch_name":    issue.FixBranchName,
		"human_approved": true,
	})
	if err != nil {
		return &DeploymentResult{IssueUUID: issueUUID, Error: err.Error()}
	}

	return d.promoteAndMonitor(ctx, issue, action)
}

// pushToStaging merges the fix branch into the staging branch and pushes it
func (d *Deployer) pushToStaging(ctx context.Context, branchName string) error {
	if err := d.vc.CreateBranch(ctx, d.stagingBranch); err != nil {
		return err
	}
	if err := d.vc.Merge(ctx, branchName); err != nil {
		return err
	}
	return d.vc.Push(ctx, d.stagingBranch, false)
}

// needsPromotionApproval decides whether a human gates production promotion.
// The autonomy table is the same gate the orchestrator applies; the staging
// approval flag and the daily deployment cap can each force a pause on top.
func (d *Deployer) needsPromotionApproval(settings *database.AgentSettings, issue *database.AgentIssue, diagnosis *DiagnosisResult) bool {
	if RequiresHumanApproval(settings, issue, diagnosis) {
		return true
	}
	if settings.RequireStagingApproval {
		return true
	}
	if settings.MaxDeploysPerDay > 0 {
		since := d.clock.Now().Add(-24 * time.Hour)
		count, err := database.CountProductionDeploysSince(d.db, since)
		if err != nil {
			log.Printf("Deployer: failed to count recent deploys, requiring approval: %v", err)
			return true
		}
		if count >= int64(settings.MaxDeploysPerDay) {
			log.Printf("Deployer: daily deployment cap reached (%d), requiring approval", settings.MaxDeploysPerDay)
			return true
		}
	}
	return false
}

// promoteAndMonitor merges staging into the trunk, monitors production, and
// rolls back to the recorded pre-deploy commit on regression.
func (d *Deployer) promoteAndMonitor(ctx context.Context, issue *database.AgentIssue, action *database.AgentAction) *DeploymentResult {
	// Record the pre-deploy trunk commit explicitly. Rollback resets to this
	// SHA rather than assuming HEAD~1, which would be unsafe if anything
	// else reached the trunk in the meantime.
	baselineSHA, err := d.vc.RevParse(ctx, d.trunkBranch)
	if err != nil {
		return d.failDeploy(action, issue.UUID, fmt.Errorf("failed to record pre-deploy commit: %w", err))
	}

	if err := d.promoteToProduction(ctx); err != nil {
		return d.failDeploy(action, issue.UUID, fmt.Errorf("failed to promote to production: %w", err))
	}

	// Capture the error-rate baseline once, at the start of monitoring.
	baselineRate, err := d.currentErrorRate()
	if err != nil {
		log.Printf("Deployer: failed to capture error-rate baseline: %v", err)
		baselineRate = 0
	}

	healthy, err := d.monitorHealth(ctx, d.appURL, d.productionWindow, d.productionInterval, d.productionFailThreshold, func() bool {
		rate, err := d.currentErrorRate()
		if err != nil {
			log.Printf("Deployer: error-rate check failed: %v", err)
			return true
		}
		if float64(rate) > float64(baselineRate)*errorRateMultiplier {
			log.Printf("Deployer: error rate rose from %d to %d after deployment", baselineRate, rate)
			return false
		}
		return true
	})
	if err != nil {
		return d.failDeploy(action, issue.UUID, fmt.Errorf("production monitor abandoned: %w", err))
	}

	if !healthy {
		return d.rollback(ctx, issue, action, baselineSHA)
	}

	now := d.clock.Now()
	if err := database.UpdateIssue(d.db, issue.ID, map[string]interface{}{
		"status":      database.IssueStatusResolved,
		"deployed_at": now,
		"resolved_at": now,
	}); err != nil {
		log.Printf("Deployer: failed to mark issue %s resolved: %v", issue.UUID, err)
	}
	if err := database.CompleteAction(d.db, action, database.JSONB{
		"deployed_to":       "production",
		"pre_deploy_commit": baselineSHA,
	}); err != nil {
		log.Printf("Deployer: failed to complete action %d: %v", action.ID, err)
	}

	d.events.Publish(Event{
		Type:      "resolved",
		IssueUUID: issue.UUID,
		Severity:  string(issue.Severity),
		Title:     issue.Title,
		Timestamp: now,
	})

	return &DeploymentResult{
		IssueUUID:     issue.UUID,
		Success:       true,
		StagingURL:    d.stagingURL,
		ProductionURL: d.appURL,
		DeployedAt:    now.UTC().Format(time.RFC3339),
		RolledBack:    false,
	}
}

// promoteToProduction merges the staging branch into the trunk and pushes
func (d *Deployer) promoteToProduction(ctx context.Context) error {
	if err := d.vc.Checkout(ctx, d.trunkBranch); err != nil {
		return err
	}
	if err := d.vc.Pull(ctx, d.trunkBranch); err != nil {
		return err
	}
	if err := d.vc.Merge(ctx, d.stagingBranch); err != nil {
		return err
	}
	return d.vc.Push(ctx, d.trunkBranch, false)
}

// rollback reverts the trunk to the recorded pre-deploy commit and
// force-pushes. A rollback failure is unrecoverable: it is surfaced for
// manual intervention, never retried.
func (d *Deployer) rollback(ctx context.Context, issue *database.AgentIssue, action *database.AgentAction, baselineSHA string) *DeploymentResult {
	log.Printf("Deployer: rolling back production deployment for issue %s to %s", issue.UUID, baselineSHA)

	rollbackErr := func() error {
		if err := d.vc.Checkout(ctx, d.trunkBranch); err != nil {
			return err
		}
		if err := d.vc.ResetHard(ctx, baselineSHA); err != nil {
			return err
		}
		return d.vc.Push(ctx, d.trunkBranch, true)
	}()

	if rollbackErr != nil {
		log.Printf("Deployer: ROLLBACK FAILED for issue %s, manual intervention required: %v", issue.UUID, rollbackErr)
		if err := database.FailAction(d.db, action, fmt.Sprintf("production unhealthy and rollback failed: %v", rollbackErr)); err != nil {
			log.Printf("Deployer: failed to close action %d: %v", action.ID, err)
		}
		if err := database.UpdateIssue(d.db, issue.ID, map[string]interface{}{
			"status":           database.IssueStatusFailed,
			"resolution_notes": fmt.Sprintf("Production rollback failed: %v", rollbackErr),
		}); err != nil {
			log.Printf("Deployer: failed to mark issue %s failed: %v", issue.UUID, err)
		}
		return &DeploymentResult{
			IssueUUID:  issue.UUID,
			Success:    false,
			RolledBack: false,
			Error:      fmt.Sprintf("production health checks failed and rollback failed: %v", rollbackErr),
		}
	}

	if err := database.FailAction(d.db, action, "Production health checks failed, rolled back"); err != nil {
		log.Printf("Deployer: failed to close action %d: %v", action.ID, err)
	}
	if err := d.db.Model(action).Update("details", database.JSONB{
		"rolled_back":       true,
		"pre_deploy_commit": baselineSHA,
	}).Error; err != nil {
		log.Printf("Deployer: failed to record rollback details: %v", err)
	}
	if err := database.UpdateIssue(d.db, issue.ID, map[string]interface{}{
		"status":           database.IssueStatusFailed,
		"resolution_notes": "Production deployment failed health checks, rolled back",
	}); err != nil {
		log.Printf("Deployer: failed to mark issue %s failed: %v", issue.UUID, err)
	}

	d.events.Publish(Event{
		Type:      "failed",
		IssueUUID: issue.UUID,
		Severity:  string(issue.Severity),
		Title:     issue.Title,
		Message:   "rolled back after production regression",
		Timestamp: d.clock.Now(),
	})

	return &DeploymentResult{
		IssueUUID:  issue.UUID,
		Success:    false,
		RolledBack: true,
		Error:      "Production deployment failed, rolled back",
	}
}

// monitorHealth polls a health endpoint for the given window. It returns
// false when failThreshold consecutive polls are unhealthy or unreachable,
// or when extraCheck reports a regression. Surviving the window without
// crossing the threshold is the pass condition: single transient failures
// are tolerated. The returned error is non-nil only when the monitor was
// abandoned (context cancelled).
func (d *Deployer) monitorHealth(ctx context.Context, url string, window, interval time.Duration, failThreshold int, extraCheck func() bool) (bool, error) {
	deadline := d.clock.Now().Add(window)
	failures := 0

	for d.clock.Now().Before(deadline) {
		status, err := d.health.Check(ctx, url)
		if err != nil || status.Status == health.StatusUnhealthy {
			failures++
			if err != nil {
				log.Printf("Deployer: health check error for %s (%d consecutive): %v", url, failures, err)
			} else {
				log.Printf("Deployer: %s reported unhealthy (%d consecutive)", url, failures)
			}
			if failures >= failThreshold {
				return false, nil
			}
		} else {
			failures = 0
		}

		if extraCheck != nil && !extraCheck() {
			return false, nil
		}

		if err := d.clock.Sleep(ctx, interval); err != nil {
			return false, err
		}
	}

	return true, nil
}

// currentErrorRate returns the short-window failed-operation count
func (d *Deployer) currentErrorRate() (int64, error) {
	return database.CountRecentFailedCalls(d.db, d.clock.Now().Add(-errorRateWindow))
}

// failDeploy closes the action as failed and returns a failure result
// without touching production or the issue status
func (d *Deployer) failDeploy(action *database.AgentAction, issueUUID string, err error) *DeploymentResult {
	log.Printf("Deployer: deployment failed for issue %s: %v", issueUUID, err)
	if ferr := database.FailAction(d.db, action, err.Error()); ferr != nil {
		log.Printf("Deployer: failed to close action %d: %v", action.ID, ferr)
	}
	return &DeploymentResult{
		IssueUUID:  issueUUID,
		Success:    false,
		RolledBack: false,
		Error:      err.Error(),
	}
}
