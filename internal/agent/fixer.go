package agent

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/nvclabs/optirecall/internal/database"
	"github.com/nvclabs/optirecall/internal/vcs"
)

// testTimeout bounds one run of the project's test suite
const testTimeout = 5 * time.Minute

// Fixer turns a diagnosis into a committed code change on an isolated
// branch. It never touches the trunk branch and never modifies protected
// files, regardless of autonomy level.
type Fixer struct {
	db          *gorm.DB
	oracle      Oracle
	vc          vcs.VersionControl
	repoDir     string
	testCommand string
}

// NewFixer creates a fixer operating on the working copy at repoDir.
// testCommand is the project's test suite invocation; empty means no tests
// are configured and the test step passes vacuously.
func NewFixer(db *gorm.DB, oracle Oracle, vc vcs.VersionControl, repoDir, testCommand string) *Fixer {
	return &Fixer{
		db:          db,
		oracle:      oracle,
		vc:          vc,
		repoDir:     repoDir,
		testCommand: testCommand,
	}
}

// Fix generates and applies a fix for a diagnosed issue. Failures are
// terminal for the issue: the action is closed as failed, the issue moves to
// failed, and a failure result is returned instead of an error.
func (f *Fixer) Fix(ctx context.Context, settings *database.AgentSettings, issueUUID string, diagnosis *DiagnosisResult) *FixResult {
	issue, err := database.GetIssueByUUID(f.db, issueUUID)
	if err != nil {
		return &FixResult{IssueUUID: issueUUID, Error: err.Error()}
	}

	action, err := database.StartAction(f.db, issue.ID, database.ActionTypeFix, database.JSONB{
		"root_cause":     diagnosis.RootCause,
		"fix_strategy":   diagnosis.FixStrategy,
		"affected_files": diagnosis.AffectedFiles,
	})
	if err != nil {
		return &FixResult{IssueUUID: issueUUID, Error: err.Error()}
	}

	result, err := f.fix(ctx, settings, issue, diagnosis)
	if err != nil {
		if ferr := database.FailAction(f.db, action, err.Error()); ferr != nil {
			log.Printf("Fixer: failed to close action %d: %v", action.ID, ferr)
		}
		if uerr := database.UpdateIssue(f.db, issue.ID, map[string]interface{}{
			"status": database.IssueStatusFailed,
		}); uerr != nil {
			log.Printf("Fixer: failed to mark issue %s failed: %v", issueUUID, uerr)
		}
		return &FixResult{IssueUUID: issueUUID, TestsPass: false, Error: err.Error()}
	}

	if err := database.UpdateIssue(f.db, issue.ID, map[string]interface{}{
		"status":          database.IssueStatusTesting,
		"fix_commit_sha":  result.CommitSHA,
		"fix_branch_name": result.BranchName,
	}); err != nil {
		log.Printf("Fixer: failed to update issue %s after fix: %v", issueUUID, err)
	}

	if err := database.CompleteAction(f.db, action, database.JSONB{
		"commit_sha":  result.CommitSHA,
		"branch_name": result.BranchName,
		"tests_pass":  result.TestsPass,
		"files":       result.FilesModified,
	}); err != nil {
		log.Printf("Fixer: failed to complete action %d: %v", action.ID, err)
	}

	return result
}

// fix performs the guarded sequence: protected-file check, fix generation,
// branch, apply, test, commit.
func (f *Fixer) fix(ctx context.Context, settings *database.AgentSettings, issue *database.AgentIssue, diagnosis *DiagnosisResult) (*FixResult, error) {
	// The protected-file gate runs before any side effect. A violation must
	// leave zero traces: no file writes, no branch, no commit.
	if err := checkProtectedFiles(settings.ProtectedFiles, diagnosis.AffectedFiles); err != nil {
		return nil, err
	}

	if len(diagnosis.AffectedFiles) == 0 {
		return nil, fmt.Errorf("diagnosis names no affected files, nothing to fix")
	}

	currentCode := f.readCurrentCode(diagnosis.AffectedFiles)
	if len(currentCode) == 0 {
		return nil, fmt.Errorf("none of the affected files could be read")
	}

	fixedCode, err := f.generateFixes(ctx, diagnosis, currentCode)
	if err != nil {
		return nil, err
	}
	if len(fixedCode) == 0 {
		return nil, fmt.Errorf("fix oracle produced no usable file contents")
	}

	branchName := BranchNameForIssue(issue.UUID)
	if err := f.vc.CreateBranch(ctx, branchName); err != nil {
		return nil, err
	}

	var modified []string
	for file, code := range fixedCode {
		fullPath := filepath.Join(f.repoDir, file)
		if err := os.WriteFile(fullPath, []byte(code), 0644); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", file, err)
		}
		modified = append(modified, file)
	}

	testsPass := f.runTests(ctx)
	if !testsPass && settings.BlockOnTestFailure {
		return nil, fmt.Errorf("test suite failed and block_on_test_failure is set")
	}

	commitSHA, err := f.vc.Commit(ctx, buildCommitMessage(issue.UUID, diagnosis))
	if err != nil {
		return nil, fmt.Errorf("failed to commit fix: %w", err)
	}

	return &FixResult{
		IssueUUID:     issue.UUID,
		Success:       true,
		CommitSHA:     commitSHA,
		BranchName:    branchName,
		FilesModified: modified,
		TestsPass:     testsPass,
	}, nil
}

// BranchNameForIssue returns the deterministic fix branch name for an issue
func BranchNameForIssue(issueUUID string) string {
	short := issueUUID
	if len(short) > 8 {
		short = short[:8]
	}
	return "agent/fix-" + short
}

// checkProtectedFiles fails with ErrProtectedFile if any affected file
// matches a protected pattern
func checkProtectedFiles(patterns database.StringList, files []string) error {
	for _, file := range files {
		for _, pattern := range patterns {
			if matchProtectedPattern(pattern, file) {
				return fmt.Errorf("%w: %s matches pattern %q", ErrProtectedFile, file, pattern)
			}
		}
	}
	return nil
}

// matchProtectedPattern matches a glob-like protected pattern against a
// repository-relative path. ** crosses directory boundaries, * does not.
func matchProtectedPattern(pattern, file string) bool {
	var sb strings.Builder
	sb.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				sb.WriteString(".*")
				i++
			} else {
				sb.WriteString(`[^/]*`)
			}
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	sb.WriteString("$")

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return false
	}
	// A pattern without a slash guards the filename anywhere in the tree
	if !strings.Contains(pattern, "/") {
		return re.MatchString(filepath.Base(file))
	}
	return re.MatchString(file)
}

// readCurrentCode reads the affected files, skipping unreadable ones
func (f *Fixer) readCurrentCode(files []string) map[string]string {
	code := make(map[string]string)
	for _, file := range files {
		content, err := os.ReadFile(filepath.Join(f.repoDir, file))
		if err != nil {
			log.Printf("Fixer: skipping unreadable file %s: %v", file, err)
			continue
		}
		code[file] = string(content)
	}
	return code
}

// generateFixes asks the fix oracle for a full replacement of each file.
// A per-file oracle failure produces no change for that file; the caller
// treats an empty fix set as failure.
func (f *Fixer) generateFixes(ctx context.Context, diagnosis *DiagnosisResult, currentCode map[string]string) (map[string]string, error) {
	fixed := make(map[string]string)
	for file, code := range currentCode {
		raw, err := f.oracle.Complete(ctx, fixSystemPrompt, buildFixPrompt(diagnosis, file, code))
		if err != nil {
			log.Printf("Fixer: fix oracle failed for %s: %v", file, err)
			continue
		}
		content := stripCodeFence(raw)
		if strings.TrimSpace(content) == "" {
			log.Printf("Fixer: fix oracle returned empty content for %s", file)
			continue
		}
		fixed[file] = content
	}
	return fixed, nil
}

// runTests executes the configured test command in the working copy.
// No configured command is a vacuous pass. A failing suite is recorded, not
// raised; the block-on-failure policy is applied by the caller.
func (f *Fixer) runTests(ctx context.Context) bool {
	if f.testCommand == "" {
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", f.testCommand)
	cmd.Dir = f.repoDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		log.Printf("Fixer: tests failed: %v\n%s", err, truncate(string(output), 2000))
		return false
	}
	return true
}

// truncate shortens s to at most n bytes for logging
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
