package handlers

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nvclabs/optirecall/internal/agent"
	"github.com/nvclabs/optirecall/internal/api"
	"github.com/nvclabs/optirecall/internal/database"
	"github.com/nvclabs/optirecall/internal/jobs"
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
		&database.Practice{}, &database.CallLog{}, &database.IngestKeySettings{})
	if err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	return db
}

// stubResumer records resume decisions delivered by the approval endpoint
type stubResumer struct {
	mu       sync.Mutex
	resumed  chan struct{}
	uuid     string
	approved bool
}

func newStubResumer() *stubResumer {
	return &stubResumer{resumed: make(chan struct{}, 1)}
}

func (s *stubResumer) Resume(ctx context.Context, issueUUID string, approved bool) {
	s.mu.Lock()
	s.uuid = issueUUID
	s.approved = approved
	s.mu.Unlock()
	s.resumed <- struct{}{}
}

func (s *stubResumer) wait(t *testing.T) (string, bool) {
	t.Helper()
	select {
	case <-s.resumed:
	case <-time.After(2 * time.Second):
		t.Fatal("Resume was never invoked")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uuid, s.approved
}

func newAgentAPIMux(t *testing.T, db *gorm.DB, resumer Resumer) *http.ServeMux {
	t.Helper()

	detector := agent.NewDetector(db, testhelpers.NewMockHealthChecker(), "https://optirecall.example.com", nil)
	dispatcher := jobs.NewDispatcher(agent.NewOrchestrator(db, nil, nil, nil, nil, nil), 8)
	scanJob := jobs.NewScanJob(db, detector, dispatcher, nil)

	mux := http.NewServeMux()
	NewAgentAPIHandler(db, resumer, scanJob, nil).SetupRoutes(mux)
	return mux
}

func seedHandlerIssue(t *testing.T, db *gorm.DB, status database.IssueStatus) *database.AgentIssue {
	t.Helper()

	issue := &database.AgentIssue{
		UUID:      uuid.New().String(),
		Severity:  database.SeverityP1,
		IssueType: "high_call_failure_rate",
		Title:     "High AI call failure rate detected",
		Status:    status,
	}
	if err := db.Create(issue).Error; err != nil {
		t.Fatalf("Failed to seed issue: %v", err)
	}
	return issue
}

func TestHealthEndpoint(t *testing.T) {
	db := setupTestDB(t)
	mux := http.NewServeMux()
	NewHTTPHandler(db).SetupRoutes(mux)

	var body map[string]interface{}
	testhelpers.NewHTTPTestContext(t, "GET", "/health", nil).
		Execute(mux).
		AssertStatus(http.StatusOK).
		DecodeJSON(&body)

	if body["status"] != "healthy" {
		t.Errorf("Expected healthy status, got %v", body["status"])
	}
	checks, ok := body["checks"].(map[string]interface{})
	if !ok || checks["database"] == nil {
		t.Errorf("Expected a database check, got %v", body["checks"])
	}
}

func TestListIssues(t *testing.T) {
	db := setupTestDB(t)
	mux := newAgentAPIMux(t, db, newStubResumer())
	seedHandlerIssue(t, db, database.IssueStatusDetected)
	seedHandlerIssue(t, db, database.IssueStatusResolved)

	var resp api.PaginatedResponse
	testhelpers.NewHTTPTestContext(t, "GET", "/api/agent/issues", nil).
		Execute(mux).
		AssertStatus(http.StatusOK).
		DecodeJSON(&resp)

	if resp.Pagination.Total != 2 {
		t.Errorf("Expected total 2, got %d", resp.Pagination.Total)
	}
	items, ok := resp.Data.([]interface{})
	if !ok || len(items) != 2 {
		t.Errorf("Expected 2 issues in response, got %v", resp.Data)
	}
}

func TestGetIssueWithActions(t *testing.T) {
	db := setupTestDB(t)
	mux := newAgentAPIMux(t, db, newStubResumer())
	issue := seedHandlerIssue(t, db, database.IssueStatusDiagnosing)

	action, _ := database.StartAction(db, issue.ID, database.ActionTypeDetect, nil)
	database.CompleteAction(db, action, nil)

	var resp api.IssueDetailResponse
	testhelpers.NewHTTPTestContext(t, "GET", "/api/agent/issues/"+issue.UUID, nil).
		Execute(mux).
		AssertStatus(http.StatusOK).
		DecodeJSON(&resp)

	if resp.UUID != issue.UUID {
		t.Errorf("Expected issue %s, got %s", issue.UUID, resp.UUID)
	}
	if len(resp.Actions) != 1 {
		t.Errorf("Expected 1 action, got %d", len(resp.Actions))
	}
}

func TestListActions(t *testing.T) {
	db := setupTestDB(t)
	mux := newAgentAPIMux(t, db, newStubResumer())
	issue := seedHandlerIssue(t, db, database.IssueStatusFixing)

	for _, at := range []database.ActionType{database.ActionTypeDetect, database.ActionTypeDiagnose, database.ActionTypeFix} {
		action, err := database.StartAction(db, issue.ID, at, nil)
		if err != nil {
			t.Fatalf("Failed to seed action: %v", err)
		}
		database.CompleteAction(db, action, nil)
	}

	var resp api.PaginatedResponse
	testhelpers.NewHTTPTestContext(t, "GET", "/api/agent/actions?per_page=2", nil).
		Execute(mux).
		AssertStatus(http.StatusOK).
		DecodeJSON(&resp)

	if resp.Pagination.Total != 3 {
		t.Errorf("Expected total 3, got %d", resp.Pagination.Total)
	}
	items, ok := resp.Data.([]interface{})
	if !ok || len(items) != 2 {
		t.Errorf("Expected 2 actions on the first page, got %v", resp.Data)
	}
}

func TestGetIssueNotFound(t *testing.T) {
	db := setupTestDB(t)
	mux := newAgentAPIMux(t, db, newStubResumer())

	testhelpers.NewHTTPTestContext(t, "GET", "/api/agent/issues/"+uuid.New().String(), nil).
		Execute(mux).
		AssertStatus(http.StatusNotFound)
}

func TestApproveFix(t *testing.T) {
	db := setupTestDB(t)
	resumer := newStubResumer()
	mux := newAgentAPIMux(t, db, resumer)
	issue := seedHandlerIssue(t, db, database.IssueStatusFixing)

	approved := true
	testhelpers.NewHTTPTestContext(t, "POST", "/api/agent/approve-fix", nil).
		WithJSONBody(api.ApproveFixRequest{IssueID: issue.UUID, Approved: &approved, Notes: "looks right"}).
		Execute(mux).
		AssertStatus(http.StatusAccepted)

	gotUUID, gotApproved := resumer.wait(t)
	if gotUUID != issue.UUID || !gotApproved {
		t.Errorf("Expected resume(%s, true), got resume(%s, %v)", issue.UUID, gotUUID, gotApproved)
	}

	var action database.AgentAction
	if err := db.Where("issue_id = ?", issue.ID).First(&action).Error; err != nil {
		t.Fatalf("Expected an approval audit action: %v", err)
	}
	if !action.HumanApproved {
		t.Error("Expected human approval recorded")
	}
	if action.Details["notes"] != "looks right" {
		t.Errorf("Expected notes recorded, got %v", action.Details)
	}
}

func TestApproveFixRejection(t *testing.T) {
	db := setupTestDB(t)
	resumer := newStubResumer()
	mux := newAgentAPIMux(t, db, resumer)
	issue := seedHandlerIssue(t, db, database.IssueStatusDeploying)

	approved := false
	testhelpers.NewHTTPTestContext(t, "POST", "/api/agent/approve-fix", nil).
		WithJSONBody(api.ApproveFixRequest{IssueID: issue.UUID, Approved: &approved}).
		Execute(mux).
		AssertStatus(http.StatusAccepted)

	_, gotApproved := resumer.wait(t)
	if gotApproved {
		t.Error("Expected a rejection to be forwarded")
	}
}

func TestApproveFixClosedIssue(t *testing.T) {
	db := setupTestDB(t)
	mux := newAgentAPIMux(t, db, newStubResumer())
	issue := seedHandlerIssue(t, db, database.IssueStatusResolved)

	approved := true
	testhelpers.NewHTTPTestContext(t, "POST", "/api/agent/approve-fix", nil).
		WithJSONBody(api.ApproveFixRequest{IssueID: issue.UUID, Approved: &approved}).
		Execute(mux).
		AssertStatus(http.StatusConflict).
		AssertBodyContains("issue_closed")
}

func TestApproveFixValidation(t *testing.T) {
	db := setupTestDB(t)
	mux := newAgentAPIMux(t, db, newStubResumer())

	// Missing decision field
	testhelpers.NewHTTPTestContext(t, "POST", "/api/agent/approve-fix", nil).
		WithJSONBody(map[string]interface{}{"issue_id": uuid.New().String()}).
		Execute(mux).
		AssertStatus(http.StatusUnprocessableEntity)

	// Malformed issue id
	approved := true
	testhelpers.NewHTTPTestContext(t, "POST", "/api/agent/approve-fix", nil).
		WithJSONBody(api.ApproveFixRequest{IssueID: "not-a-uuid", Approved: &approved}).
		Execute(mux).
		AssertStatus(http.StatusUnprocessableEntity)
}

func TestGetSettings(t *testing.T) {
	db := setupTestDB(t)
	mux := newAgentAPIMux(t, db, newStubResumer())
	db.Create(&database.AgentSettings{Active: true, AutonomyLevel: 2, MaxDeploysPerDay: 5})

	var settings database.AgentSettings
	testhelpers.NewHTTPTestContext(t, "GET", "/api/agent/settings", nil).
		Execute(mux).
		AssertStatus(http.StatusOK).
		DecodeJSON(&settings)

	if !settings.Active || settings.AutonomyLevel != 2 {
		t.Errorf("Unexpected settings: %+v", settings)
	}
}

func TestUpdateSettingsPartial(t *testing.T) {
	db := setupTestDB(t)
	mux := newAgentAPIMux(t, db, newStubResumer())
	db.Create(&database.AgentSettings{Active: true, AutonomyLevel: 2, MaxDeploysPerDay: 5})

	level := 3
	files := []string{"  .env*  ", "internal/payments/**", ""}
	testhelpers.NewHTTPTestContext(t, "PUT", "/api/agent/settings", nil).
		WithJSONBody(api.UpdateAgentSettingsRequest{AutonomyLevel: &level, ProtectedFiles: files}).
		Execute(mux).
		AssertStatus(http.StatusOK)

	settings, err := database.GetAgentSettings(db)
	if err != nil {
		t.Fatalf("Failed to reload settings: %v", err)
	}
	if settings.AutonomyLevel != 3 {
		t.Errorf("Expected autonomy level 3, got %d", settings.AutonomyLevel)
	}
	// Untouched fields keep their values
	if !settings.Active || settings.MaxDeploysPerDay != 5 {
		t.Errorf("Expected untouched fields preserved, got %+v", settings)
	}
	// Patterns are trimmed and empties dropped
	if len(settings.ProtectedFiles) != 2 || settings.ProtectedFiles[0] != ".env*" {
		t.Errorf("Unexpected protected files: %v", settings.ProtectedFiles)
	}
}

func TestUpdateSettingsInvalidAutonomyLevel(t *testing.T) {
	db := setupTestDB(t)
	mux := newAgentAPIMux(t, db, newStubResumer())
	db.Create(&database.AgentSettings{Active: true, AutonomyLevel: 2})

	level := 5
	testhelpers.NewHTTPTestContext(t, "PUT", "/api/agent/settings", nil).
		WithJSONBody(api.UpdateAgentSettingsRequest{AutonomyLevel: &level}).
		Execute(mux).
		AssertStatus(http.StatusUnprocessableEntity)
}

func TestManualScan(t *testing.T) {
	db := setupTestDB(t)
	mux := newAgentAPIMux(t, db, newStubResumer())
	db.Create(&database.AgentSettings{Active: true, AutonomyLevel: 1})

	var resp api.ScanResponse
	testhelpers.NewHTTPTestContext(t, "POST", "/api/agent/scan", nil).
		Execute(mux).
		AssertStatus(http.StatusOK).
		DecodeJSON(&resp)

	if resp.IssuesFound != 0 {
		t.Errorf("Expected a clean scan, got %d issues", resp.IssuesFound)
	}
}

func TestIngestCallLogs(t *testing.T) {
	db := setupTestDB(t)
	detector := agent.NewDetector(db, testhelpers.NewMockHealthChecker(), "https://optirecall.example.com", nil)
	mux := http.NewServeMux()
	NewIngestHandler(db, detector).SetupRoutes(mux)

	reports := []CallLogReport{
		{PracticeID: 1, CallStatus: "failed", OccurredAt: time.Now().UTC().Format(time.RFC3339)},
		{PracticeID: 2, CallStatus: "completed"},
	}
	var resp map[string]interface{}
	testhelpers.NewHTTPTestContext(t, "POST", "/ingest/call-logs", nil).
		WithJSONBody(reports).
		Execute(mux).
		AssertStatus(http.StatusCreated).
		DecodeJSON(&resp)

	if resp["stored"] != float64(2) {
		t.Errorf("Expected 2 stored, got %v", resp["stored"])
	}

	var count int64
	db.Model(&database.CallLog{}).Count(&count)
	if count != 2 {
		t.Errorf("Expected 2 call log rows, got %d", count)
	}
}

func TestIngestCallLogsValidation(t *testing.T) {
	db := setupTestDB(t)
	detector := agent.NewDetector(db, testhelpers.NewMockHealthChecker(), "https://optirecall.example.com", nil)
	mux := http.NewServeMux()
	NewIngestHandler(db, detector).SetupRoutes(mux)

	testhelpers.NewHTTPTestContext(t, "POST", "/ingest/call-logs", nil).
		WithJSONBody([]CallLogReport{{PracticeID: 1, CallStatus: "exploded"}}).
		Execute(mux).
		AssertStatus(http.StatusUnprocessableEntity)

	testhelpers.NewHTTPTestContext(t, "POST", "/ingest/call-logs", nil).
		WithJSONBody([]CallLogReport{}).
		Execute(mux).
		AssertStatus(http.StatusBadRequest)
}

func TestIngestErrorReport(t *testing.T) {
	db := setupTestDB(t)
	detector := agent.NewDetector(db, testhelpers.NewMockHealthChecker(), "https://optirecall.example.com", nil)
	mux := http.NewServeMux()
	NewIngestHandler(db, detector).SetupRoutes(mux)

	report := ErrorReport{
		Severity:  "P1",
		ErrorType: "payment_webhook_error",
		Title:     "GoCardless webhook signature mismatch",
		Message:   "signature verification failed",
	}

	var first map[string]interface{}
	testhelpers.NewHTTPTestContext(t, "POST", "/ingest/errors", nil).
		WithJSONBody(report).
		Execute(mux).
		AssertStatus(http.StatusCreated).
		DecodeJSON(&first)
	if first["new"] != true {
		t.Errorf("Expected a new issue, got %v", first)
	}

	// The same error reported again is absorbed into the open issue
	var second map[string]interface{}
	testhelpers.NewHTTPTestContext(t, "POST", "/ingest/errors", nil).
		WithJSONBody(report).
		Execute(mux).
		AssertStatus(http.StatusOK).
		DecodeJSON(&second)
	if second["new"] != false {
		t.Errorf("Expected a recurrence, got %v", second)
	}
	if second["issue_id"] != first["issue_id"] {
		t.Error("Expected the recurrence absorbed into the same issue")
	}

	var count int64
	db.Model(&database.AgentIssue{}).Count(&count)
	if count != 1 {
		t.Errorf("Expected 1 issue row, got %d", count)
	}
}

func TestIngestErrorReportValidation(t *testing.T) {
	db := setupTestDB(t)
	detector := agent.NewDetector(db, testhelpers.NewMockHealthChecker(), "https://optirecall.example.com", nil)
	mux := http.NewServeMux()
	NewIngestHandler(db, detector).SetupRoutes(mux)

	testhelpers.NewHTTPTestContext(t, "POST", "/ingest/errors", nil).
		WithJSONBody(ErrorReport{Severity: "P9", ErrorType: "x", Title: "y"}).
		Execute(mux).
		AssertStatus(http.StatusUnprocessableEntity)
}
