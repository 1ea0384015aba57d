package agent

import (
	"context"
	"fmt"
	"log"

	"gorm.io/gorm"

	"github.com/nvclabs/optirecall/internal/database"
)

// Notifier delivers human-facing alerts about pipeline progress. Delivery
// failures never interrupt the pipeline.
type Notifier interface {
	NotifyIssueDetected(ctx context.Context, issue *database.AgentIssue) error
	NotifyApprovalRequired(ctx context.Context, issue *database.AgentIssue, diagnosis *DiagnosisResult) error
	NotifyResolved(ctx context.Context, issue *database.AgentIssue, result *DeploymentResult) error
	NotifyFailed(ctx context.Context, issue *database.AgentIssue, reason string) error
}

// NopNotifier discards all notifications
type NopNotifier struct{}

func (NopNotifier) NotifyIssueDetected(context.Context, *database.AgentIssue) error { return nil }
func (NopNotifier) NotifyApprovalRequired(context.Context, *database.AgentIssue, *DiagnosisResult) error {
	return nil
}
func (NopNotifier) NotifyResolved(context.Context, *database.AgentIssue, *DeploymentResult) error {
	return nil
}
func (NopNotifier) NotifyFailed(context.Context, *database.AgentIssue, string) error { return nil }

// minConfidenceForAutonomy is the diagnosis confidence below which the
// standard autonomy level still defers to a human.
const minConfidenceForAutonomy = 0.8

// RequiresHumanApproval is the single authoritative promotion gate. It
// combines the operator's autonomy level with the issue severity and the
// oracle's own approval hint.
//
// Level 1 (supervised): every fix requires approval.
// Level 2 (standard): approval for P0/P1, for oracle-flagged fixes, and for
// low-confidence diagnoses.
// Level 3 (autonomous): approval only when the oracle flags the fix AND the
// issue is P0.
//
// An unknown level is treated as level 1.
func RequiresHumanApproval(settings *database.AgentSettings, issue *database.AgentIssue, diagnosis *DiagnosisResult) bool {
	hint := false
	confidence := 1.0
	if diagnosis != nil {
		hint = diagnosis.RequiresHumanApproval
		confidence = diagnosis.Confidence
	}

	switch settings.AutonomyLevel {
	case 2:
		if severityAtLeast(issue.Severity, database.SeverityP1) {
			return true
		}
		if hint {
			return true
		}
		return confidence < minConfidenceForAutonomy
	case 3:
		return hint && issue.Severity == database.SeverityP0
	default:
		return true
	}
}

// Orchestrator drives a detected issue through the full pipeline:
// diagnose, gate on approval, fix, deploy. A pipeline run never retries;
// a failed issue stays failed until a human intervenes.
type Orchestrator struct {
	db       *gorm.DB
	diagnose *Diagnoser
	fix      *Fixer
	deploy   *Deployer
	notifier Notifier
	events   EventSink
}

// NewOrchestrator wires the pipeline stages together
func NewOrchestrator(db *gorm.DB, diagnoser *Diagnoser, fixer *Fixer, deployer *Deployer, notifier Notifier, events EventSink) *Orchestrator {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if events == nil {
		events = NopSink{}
	}
	return &Orchestrator{
		db:       db,
		diagnose: diagnoser,
		fix:      fixer,
		deploy:   deployer,
		notifier: notifier,
		events:   events,
	}
}

// ProcessIssue runs the pipeline for one detected issue. Settings are read
// once at the start and apply for the whole run; concurrent settings changes
// take effect from the next issue.
func (o *Orchestrator) ProcessIssue(ctx context.Context, issueUUID string) {
	settings, err := database.GetAgentSettings(o.db)
	if err != nil {
		log.Printf("Orchestrator: failed to load settings: %v", err)
		return
	}
	if !settings.IsActive() {
		log.Printf("Orchestrator: agent inactive, skipping issue %s", issueUUID)
		return
	}

	issue, err := database.GetIssueByUUID(o.db, issueUUID)
	if err != nil {
		log.Printf("Orchestrator: issue %s not found: %v", issueUUID, err)
		return
	}

	// Claim the issue. If another worker already moved it past detected,
	// this run is a duplicate and stops here.
	claimed, err := database.TransitionIssueStatus(o.db, issue.ID, database.IssueStatusDetected, database.IssueStatusDiagnosing)
	if err != nil {
		log.Printf("Orchestrator: failed to claim issue %s: %v", issueUUID, err)
		return
	}
	if !claimed {
		log.Printf("Orchestrator: issue %s already in progress, skipping", issueUUID)
		return
	}

	o.events.Publish(Event{
		Type:      "processing",
		IssueUUID: issueUUID,
		Severity:  string(issue.Severity),
		Title:     issue.Title,
	})

	diagnosis, err := o.diagnose.Diagnose(ctx, issueUUID)
	if err != nil {
		o.failIssue(ctx, issue, fmt.Sprintf("diagnosis failed: %v", err))
		return
	}

	if RequiresHumanApproval(settings, issue, diagnosis) {
		log.Printf("Orchestrator: issue %s requires human approval before fixing", issueUUID)
		if err := o.notifier.NotifyApprovalRequired(ctx, issue, diagnosis); err != nil {
			log.Printf("Orchestrator: approval notification failed: %v", err)
		}
		o.events.Publish(Event{
			Type:      "awaiting_approval",
			IssueUUID: issueUUID,
			Severity:  string(issue.Severity),
			Title:     issue.Title,
		})
		// The issue stays in fixing status until a human decides.
		return
	}

	o.runFixAndDeploy(ctx, settings, issue, diagnosis)
}

// Resume handles a human approval decision for a suspended issue. It covers
// both suspension points: before the fix (no branch exists yet, so approval
// runs the fix and deployment) and after staging (a branch exists, so
// approval promotes it to production).
func (o *Orchestrator) Resume(ctx context.Context, issueUUID string, approved bool) {
	issue, err := database.GetIssueByUUID(o.db, issueUUID)
	if err != nil {
		log.Printf("Orchestrator: issue %s not found: %v", issueUUID, err)
		return
	}

	if issue.FixBranchName != "" {
		// Post-staging suspension: the fix is built and waiting on staging.
		result := o.deploy.ApproveAndDeploy(ctx, issueUUID, approved)
		o.reportDeployment(ctx, issue, result)
		return
	}

	// Pre-fix suspension: the fix has not been generated yet.
	if !approved {
		o.failIssue(ctx, issue, "Fix rejected by human")
		return
	}

	settings, err := database.GetAgentSettings(o.db)
	if err != nil {
		log.Printf("Orchestrator: failed to load settings: %v", err)
		return
	}

	diagnosis := &DiagnosisResult{
		IssueUUID:   issueUUID,
		RootCause:   issue.RootCause,
		FixStrategy: issue.FixStrategy,
		Confidence:  1.0,
	}
	if files, ok := findDiagnosedFiles(o.db, issue.ID); ok {
		diagnosis.AffectedFiles = files
	}

	o.runFixAndDeploy(ctx, settings, issue, diagnosis)
}

// runFixAndDeploy executes the fix and deployment stages, translating
// failure results into the terminal failed state.
func (o *Orchestrator) runFixAndDeploy(ctx context.Context, settings *database.AgentSettings, issue *database.AgentIssue, diagnosis *DiagnosisResult) {
	fixResult := o.fix.Fix(ctx, settings, issue.UUID, diagnosis)
	if !fixResult.Success {
		o.failIssue(ctx, issue, fmt.Sprintf("fix failed: %s", fixResult.Error))
		return
	}

	deployResult := o.deploy.Deploy(ctx, settings, issue.UUID, fixResult.BranchName, diagnosis)
	o.reportDeployment(ctx, issue, deployResult)
}

// reportDeployment pushes the terminal notification for a deployment result.
// The deployer has already written issue and action state.
func (o *Orchestrator) reportDeployment(ctx context.Context, issue *database.AgentIssue, result *DeploymentResult) {
	switch {
	case result.Success && result.ProductionURL != "":
		log.Printf("Orchestrator: issue %s resolved and deployed", issue.UUID)
		if err := o.notifier.NotifyResolved(ctx, issue, result); err != nil {
			log.Printf("Orchestrator: success notification failed: %v", err)
		}
	case result.Success:
		// Suspended at the promotion gate; the deployer sent the event.
		log.Printf("Orchestrator: issue %s deployed to staging, awaiting approval", issue.UUID)
		if err := o.notifier.NotifyApprovalRequired(ctx, issue, nil); err != nil {
			log.Printf("Orchestrator: approval notification failed: %v", err)
		}
	default:
		log.Printf("Orchestrator: deployment for issue %s failed: %s", issue.UUID, result.Error)
		if err := o.notifier.NotifyFailed(ctx, issue, result.Error); err != nil {
			log.Printf("Orchestrator: failure notification failed: %v", err)
		}
	}
}

// failIssue moves an issue to the terminal failed state and notifies.
// There are no automatic retries from here.
func (o *Orchestrator) failIssue(ctx context.Context, issue *database.AgentIssue, reason string) {
	log.Printf("Orchestrator: issue %s failed: %s", issue.UUID, reason)
	if err := database.UpdateIssue(o.db, issue.ID, map[string]interface{}{
		"status":           database.IssueStatusFailed,
		"resolution_notes": reason,
	}); err != nil {
		log.Printf("Orchestrator: failed to mark issue %s failed: %v", issue.UUID, err)
	}
	if err := o.notifier.NotifyFailed(ctx, issue, reason); err != nil {
		log.Printf("Orchestrator: failure notification failed: %v", err)
	}
	o.events.Publish(Event{
		Type:      "failed",
		IssueUUID: issue.UUID,
		Severity:  string(issue.Severity),
		Title:     issue.Title,
		Message:   reason,
	})
}

// findDiagnosedFiles recovers the affected-file list recorded by the last
// completed diagnosis action, for resuming a pre-fix suspension.
func findDiagnosedFiles(db *gorm.DB, issueID uint) ([]string, bool) {
	var action database.AgentAction
	err := db.Where("issue_id = ? AND action_type = ? AND status = ?",
		issueID, database.ActionTypeDiagnose, database.ActionStatusCompleted).
		Order("id DESC").First(&action).Error
	if err != nil {
		return nil, false
	}
	raw, ok := action.Details["affected_files"]
	if !ok {
		return nil, false
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, false
	}
	files := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			files = append(files, s)
		}
	}
	return files, len(files) > 0
}
