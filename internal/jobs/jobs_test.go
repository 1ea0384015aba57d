package jobs

import (
	"context"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nvclabs/optirecall/internal/agent"
	"github.com/nvclabs/optirecall/internal/database"
	"github.com/nvclabs/optirecall/internal/testhelpers"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	err = db.AutoMigrate(&database.AgentIssue{}, &database.AgentAction{},
		&database.AgentSettings{}, &database.HealthCheck{},
		&database.Practice{}, &database.CallLog{})
	if err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	return db
}

// trackingNotifier counts detection notifications
type trackingNotifier struct {
	agent.NopNotifier
	detected int
}

func (n *trackingNotifier) NotifyIssueDetected(ctx context.Context, issue *database.AgentIssue) error {
	n.detected++
	return nil
}

func newScanFixture(t *testing.T, checker *testhelpers.MockHealthChecker) (*gorm.DB, *ScanJob, *trackingNotifier) {
	t.Helper()

	db := setupTestDB(t)
	detector := agent.NewDetector(db, checker, "https://optirecall.example.com", nil)
	orchestrator := agent.NewOrchestrator(db, nil, nil, nil, nil, nil)
	dispatcher := NewDispatcher(orchestrator, 8)
	notifier := &trackingNotifier{}
	job := NewScanJob(db, detector, dispatcher, notifier)
	return db, job, notifier
}

func TestScanJobInactiveAgent(t *testing.T) {
	checker := testhelpers.NewMockHealthChecker().WithScript(testhelpers.Unhealthy())
	db, job, _ := newScanFixture(t, checker)
	settings := testhelpers.NewSettingsBuilder().Inactive().Build()
	db.Create(&settings)

	count, err := job.RunOnce(t.Context())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected no scanning while inactive, got %d", count)
	}

	var issues int64
	db.Model(&database.AgentIssue{}).Count(&issues)
	if issues != 0 {
		t.Errorf("Expected no issues logged while inactive, got %d", issues)
	}
}

func TestScanJobLogsIssuesAndAudit(t *testing.T) {
	checker := testhelpers.NewMockHealthChecker().WithScript(testhelpers.Unhealthy())
	db, job, notifier := newScanFixture(t, checker)
	settings := testhelpers.NewSettingsBuilder().WithAutonomyLevel(1).Build()
	db.Create(&settings)

	count, err := job.RunOnce(t.Context())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("Expected 1 issue observed, got %d", count)
	}

	var issue database.AgentIssue
	if err := db.First(&issue).Error; err != nil {
		t.Fatalf("Expected an issue row: %v", err)
	}
	if issue.IssueType != "health_check_failed" {
		t.Errorf("Unexpected issue type %s", issue.IssueType)
	}
	// Level 1 never hands issues to the pipeline on its own
	if issue.Status != database.IssueStatusDetected {
		t.Errorf("Expected issue left in detected at level 1, got %s", issue.Status)
	}

	var action database.AgentAction
	if err := db.Where("issue_id = ? AND action_type = ?", issue.ID, database.ActionTypeDetect).First(&action).Error; err != nil {
		t.Fatalf("Expected a detect action: %v", err)
	}
	if action.Status != database.ActionStatusCompleted {
		t.Errorf("Expected detect action completed, got %s", action.Status)
	}
	if action.Details["new_issue"] != true {
		t.Errorf("Expected new_issue marker, got %v", action.Details)
	}

	// P0 findings alert humans immediately
	if notifier.detected != 1 {
		t.Errorf("Expected one detection notification, got %d", notifier.detected)
	}

	var check database.HealthCheck
	if err := db.Where("check_type = ?", "agent_scan").First(&check).Error; err != nil {
		t.Fatalf("Expected a scan heartbeat row: %v", err)
	}
	if check.Status != "degraded" {
		t.Errorf("Expected degraded heartbeat when issues found, got %s", check.Status)
	}
}

func TestScanJobNotifiesNewIssuesOnlyOnce(t *testing.T) {
	checker := testhelpers.NewMockHealthChecker().WithScript(testhelpers.Unhealthy())
	db, job, notifier := newScanFixture(t, checker)
	settings := testhelpers.NewSettingsBuilder().WithAutonomyLevel(1).Build()
	db.Create(&settings)

	if _, err := job.RunOnce(t.Context()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if _, err := job.RunOnce(t.Context()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	// The second scan is a recurrence of the same open issue
	var issues int64
	db.Model(&database.AgentIssue{}).Count(&issues)
	if issues != 1 {
		t.Errorf("Expected 1 deduplicated issue, got %d", issues)
	}
	if notifier.detected != 1 {
		t.Errorf("Expected one notification for the open issue, got %d", notifier.detected)
	}
}

func TestScanJobHealthyHeartbeat(t *testing.T) {
	db, job, _ := newScanFixture(t, testhelpers.NewMockHealthChecker())
	settings := testhelpers.NewSettingsBuilder().Build()
	db.Create(&settings)

	count, err := job.RunOnce(t.Context())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected a clean scan, got %d issues", count)
	}

	var check database.HealthCheck
	if err := db.Where("check_type = ?", "agent_scan").First(&check).Error; err != nil {
		t.Fatalf("Expected a scan heartbeat row: %v", err)
	}
	if check.Status != "healthy" {
		t.Errorf("Expected healthy heartbeat, got %s", check.Status)
	}
}

func TestDispatcherEnqueueDeduplicates(t *testing.T) {
	d := NewDispatcher(nil, 8)

	if !d.Enqueue("issue-a") {
		t.Fatal("Expected first enqueue to succeed")
	}
	if d.Enqueue("issue-a") {
		t.Error("Expected duplicate enqueue to be rejected")
	}
	if !d.Enqueue("issue-b") {
		t.Error("Expected a different issue to enqueue")
	}
}

func TestDispatcherEnqueueFullQueue(t *testing.T) {
	d := NewDispatcher(nil, 1)

	if !d.Enqueue("issue-a") {
		t.Fatal("Expected first enqueue to succeed")
	}
	if d.Enqueue("issue-b") {
		t.Error("Expected a full queue to reject new issues")
	}
	// A rejected issue is not left marked in flight, so a retry is rejected
	// by the full queue again rather than by the dedup check
	if d.Enqueue("issue-b") {
		t.Error("Expected issue-b still rejected while the queue is full")
	}
}

func TestDispatcherRunProcessesAndReleases(t *testing.T) {
	db := setupTestDB(t)
	// An inactive agent makes ProcessIssue a no-op, which is enough to
	// exercise the queue lifecycle.
	settings := testhelpers.NewSettingsBuilder().Inactive().Build()
	db.Create(&settings)
	orchestrator := agent.NewOrchestrator(db, nil, nil, nil, nil, nil)
	d := NewDispatcher(orchestrator, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	if !d.Enqueue("issue-a") {
		t.Fatal("Expected enqueue to succeed")
	}

	// Once processed, the same issue can be enqueued again
	deadline := time.After(2 * time.Second)
	for {
		if d.Enqueue("issue-a") {
			return
		}
		select {
		case <-deadline:
			t.Fatal("Issue was never released after processing")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
