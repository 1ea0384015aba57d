package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nvclabs/optirecall/internal/database"
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

func seedIssue(t *testing.T, db *gorm.DB, issue *database.AgentIssue) *database.AgentIssue {
	t.Helper()

	if issue.UUID == "" {
		issue.UUID = uuid.New().String()
	}
	if issue.Severity == "" {
		issue.Severity = database.SeverityP2
	}
	if issue.IssueType == "" {
		issue.IssueType = "slow_response"
	}
	if issue.Status == "" {
		issue.Status = database.IssueStatusDetected
	}
	if err := db.Create(issue).Error; err != nil {
		t.Fatalf("Failed to seed issue: %v", err)
	}
	return issue
}

func reloadIssue(t *testing.T, db *gorm.DB, id uint) *database.AgentIssue {
	t.Helper()

	var issue database.AgentIssue
	if err := db.First(&issue, id).Error; err != nil {
		t.Fatalf("Failed to reload issue %d: %v", id, err)
	}
	return &issue
}

// fakeClock advances instantly on Sleep so monitoring windows elapse without
// real waiting.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

// scriptedOracle replays canned responses in order. The last response
// repeats once the script is exhausted.
type scriptedOracle struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     int
	prompts   []string
}

func (o *scriptedOracle) Complete(ctx context.Context, system, user string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	o.prompts = append(o.prompts, user)
	if o.err != nil {
		return "", o.err
	}
	if len(o.responses) == 0 {
		return "", nil
	}
	idx := o.calls - 1
	if idx >= len(o.responses) {
		idx = len(o.responses) - 1
	}
	return o.responses[idx], nil
}

// recordingNotifier captures which notifications were sent
type recordingNotifier struct {
	mu        sync.Mutex
	detected  []string
	approvals []string
	resolved  []string
	failed    []string
}

func (n *recordingNotifier) NotifyIssueDetected(ctx context.Context, issue *database.AgentIssue) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.detected = append(n.detected, issue.UUID)
	return nil
}

func (n *recordingNotifier) NotifyApprovalRequired(ctx context.Context, issue *database.AgentIssue, diagnosis *DiagnosisResult) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.approvals = append(n.approvals, issue.UUID)
	return nil
}

func (n *recordingNotifier) NotifyResolved(ctx context.Context, issue *database.AgentIssue, result *DeploymentResult) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resolved = append(n.resolved, issue.UUID)
	return nil
}

func (n *recordingNotifier) NotifyFailed(ctx context.Context, issue *database.AgentIssue, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, issue.UUID)
	return nil
}

// recordingSink captures published pipeline events
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}
