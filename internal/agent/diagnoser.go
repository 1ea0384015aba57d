package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"gorm.io/gorm"

	"github.com/nvclabs/optirecall/internal/database"
)

// Diagnoser transforms a persisted issue into a diagnosis by gathering error
// context and relevant source, then asking the diagnosis oracle for a root
// cause and fix strategy.
type Diagnoser struct {
	db      *gorm.DB
	oracle  Oracle
	repoDir string
}

// NewDiagnoser creates a diagnoser reading candidate files under repoDir
func NewDiagnoser(db *gorm.DB, oracle Oracle, repoDir string) *Diagnoser {
	return &Diagnoser{db: db, oracle: oracle, repoDir: repoDir}
}

// Diagnose runs the two-phase oracle diagnosis for an issue. On success the
// issue advances to fixing with the root cause and fix strategy recorded.
// Failures close the bracketing action as failed and propagate to the caller;
// the orchestrator's catch-all turns them into the issue's terminal state.
func (d *Diagnoser) Diagnose(ctx context.Context, issueUUID string) (*DiagnosisResult, error) {
	issue, err := database.GetIssueByUUID(d.db, issueUUID)
	if err != nil {
		return nil, fmt.Errorf("issue %s: %w", issueUUID, err)
	}

	action, err := database.StartAction(d.db, issue.ID, database.ActionTypeDiagnose, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start diagnose action: %w", err)
	}

	diagnosis, err := d.diagnose(ctx, issue)
	if err != nil {
		if ferr := database.FailAction(d.db, action, err.Error()); ferr != nil {
			log.Printf("Diagnoser: failed to close action %d: %v", action.ID, ferr)
		}
		return nil, err
	}

	updates := map[string]interface{}{
		"status":       database.IssueStatusFixing,
		"root_cause":   diagnosis.RootCause,
		"fix_strategy": diagnosis.FixStrategy,
	}
	if err := database.UpdateIssue(d.db, issue.ID, updates); err != nil {
		if ferr := database.FailAction(d.db, action, err.Error()); ferr != nil {
			log.Printf("Diagnoser: failed to close action %d: %v", action.ID, ferr)
		}
		return nil, fmt.Errorf("failed to record diagnosis: %w", err)
	}

	details := database.JSONB{
		"root_cause":     diagnosis.RootCause,
		"fix_strategy":   diagnosis.FixStrategy,
		"affected_files": diagnosis.AffectedFiles,
		"confidence":     diagnosis.Confidence,
		"degraded":       diagnosis.Degraded,
	}
	if err := database.CompleteAction(d.db, action, details); err != nil {
		log.Printf("Diagnoser: failed to complete action %d: %v", action.ID, err)
	}

	return diagnosis, nil
}

// diagnose performs the oracle calls and parsing
func (d *Diagnoser) diagnose(ctx context.Context, issue *database.AgentIssue) (*DiagnosisResult, error) {
	analysis := d.analyzeError(ctx, issue)

	files := candidateFiles(analysis)
	codeContext := d.readCodeContext(files)

	raw, err := d.oracle.Complete(ctx, diagnosisSystemPrompt, buildDiagnosisPrompt(issue, analysis, codeContext))
	if err != nil {
		return nil, fmt.Errorf("diagnosis oracle failed: %w", err)
	}

	diagnosis := parseDiagnosis(raw)
	diagnosis.IssueUUID = issue.UUID
	return diagnosis, nil
}

// analyzeError runs the first-pass classification. Its output is best-effort:
// when the oracle's response is not valid JSON, the free text is carried
// forward under an "analysis" key rather than failing the diagnosis.
func (d *Diagnoser) analyzeError(ctx context.Context, issue *database.AgentIssue) map[string]interface{} {
	raw, err := d.oracle.Complete(ctx, analysisSystemPrompt, buildAnalysisPrompt(issue))
	if err != nil {
		log.Printf("Diagnoser: first-pass analysis failed for issue %s: %v", issue.UUID, err)
		return map[string]interface{}{}
	}

	if jsonText, ok := extractJSONObject(raw); ok {
		var analysis map[string]interface{}
		if err := json.Unmarshal([]byte(jsonText), &analysis); err == nil {
			return analysis
		}
	}
	return map[string]interface{}{"analysis": raw}
}

// candidateFiles resolves the file list from the first-pass analysis
func candidateFiles(analysis map[string]interface{}) []string {
	raw, ok := analysis["files"].([]interface{})
	if !ok {
		return nil
	}
	var files []string
	for _, f := range raw {
		if s, ok := f.(string); ok && s != "" {
			files = append(files, s)
		}
	}
	return files
}

// readCodeContext reads the current content of each candidate file.
// Missing or unreadable files are skipped, not fatal.
func (d *Diagnoser) readCodeContext(files []string) map[string]string {
	context := make(map[string]string)
	for _, file := range files {
		fullPath := filepath.Join(d.repoDir, file)
		content, err := os.ReadFile(fullPath)
		if err != nil {
			log.Printf("Diagnoser: skipping unreadable file %s: %v", file, err)
			continue
		}
		context[file] = string(content)
	}
	return context
}

// parseDiagnosis parses the oracle's output into a DiagnosisResult. When the
// output cannot be parsed as structured data, a degraded fallback is
// synthesized that always requires human approval.
func parseDiagnosis(raw string) *DiagnosisResult {
	if jsonText, ok := extractJSONObject(raw); ok {
		var result DiagnosisResult
		if err := json.Unmarshal([]byte(jsonText), &result); err == nil && result.RootCause != "" {
			return &result
		}
	}

	return &DiagnosisResult{
		RootCause:             raw,
		AffectedFiles:         []string{},
		AffectedLines:         []int{},
		FixStrategy:           "Manual review required",
		Confidence:            0.5,
		EstimatedFixTime:      30,
		RequiresHumanApproval: true,
		Degraded:              true,
	}
}
