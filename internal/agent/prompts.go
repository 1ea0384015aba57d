package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nvclabs/optirecall/internal/database"
)

// analysisSystemPrompt frames the first-pass error classification call
const analysisSystemPrompt = `You are an expert software engineer triaging a production error. Respond in JSON format with the keys: "error_kind" (syntax, runtime, logic, database, api, external), "component" (the affected component), "files" (likely files containing the bug, as a JSON array of repository-relative paths), and "critical" (boolean). Do not include any text outside the JSON.`

// buildAnalysisPrompt creates the first-pass analysis prompt from issue fields
func buildAnalysisPrompt(issue *database.AgentIssue) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Analyze this error and extract key information:\n\n")
	fmt.Fprintf(&sb, "Error Type: %s\n", issue.IssueType)
	fmt.Fprintf(&sb, "Severity: %s\n", issue.Severity)
	fmt.Fprintf(&sb, "Message: %s\n", issue.Message)
	if issue.StackTrace != "" {
		fmt.Fprintf(&sb, "Stack Trace:\n%s\n", issue.StackTrace)
	}
	if ctxJSON, err := json.MarshalIndent(issue.Context, "", "  "); err == nil {
		fmt.Fprintf(&sb, "Context: %s\n", ctxJSON)
	}

	return sb.String()
}

// diagnosisSystemPrompt frames the main root-cause diagnosis call
const diagnosisSystemPrompt = `You are an expert software engineer debugging a production issue. Identify the root cause, explain why it is happening, and propose a specific fix strategy. Be specific about which files need changes and identify exact line numbers where possible.

Return ONLY valid JSON with this exact structure:
{
  "rootCause": "Detailed explanation of root cause",
  "affectedFiles": ["internal/example/file.go"],
  "affectedLines": [42, 43],
  "fixStrategy": "Detailed step-by-step fix strategy",
  "confidence": 0.95,
  "estimatedFixTime": 5,
  "requiresHumanApproval": false
}

Set requiresHumanApproval to true for P0/P1 issues or complex changes. Do not include any text outside the JSON.`

// buildDiagnosisPrompt creates the main diagnosis prompt from the issue, the
// first-pass analysis, and the candidate file contents
func buildDiagnosisPrompt(issue *database.AgentIssue, analysis map[string]interface{}, codeContext map[string]string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "**Issue Details:**\n")
	fmt.Fprintf(&sb, "- Type: %s\n", issue.IssueType)
	fmt.Fprintf(&sb, "- Severity: %s\n", issue.Severity)
	fmt.Fprintf(&sb, "- Message: %s\n", issue.Message)
	if issue.AffectedUsers == database.AffectedUsersAll {
		fmt.Fprintf(&sb, "- Affected Users: all\n")
	} else {
		fmt.Fprintf(&sb, "- Affected Users: %d\n", issue.AffectedUsers)
	}
	fmt.Fprintf(&sb, "- Frequency: %d occurrences\n\n", issue.ErrorFrequency)

	if issue.StackTrace != "" {
		fmt.Fprintf(&sb, "**Stack Trace:**\n%s\n\n", issue.StackTrace)
	}

	if ctxJSON, err := json.MarshalIndent(issue.Context, "", "  "); err == nil {
		fmt.Fprintf(&sb, "**Context:**\n%s\n\n", ctxJSON)
	}

	if analysisJSON, err := json.MarshalIndent(analysis, "", "  "); err == nil {
		fmt.Fprintf(&sb, "**Initial Analysis:**\n%s\n\n", analysisJSON)
	}

	if len(codeContext) == 0 {
		fmt.Fprintf(&sb, "**Relevant Code:**\nNo code files available for analysis.\n")
	} else {
		fmt.Fprintf(&sb, "**Relevant Code:**\n")
		for file, content := range codeContext {
			fmt.Fprintf(&sb, "File: %s\n```\n%s\n```\n\n", file, content)
		}
	}

	return sb.String()
}

// fixSystemPrompt frames the per-file fix generation call
const fixSystemPrompt = `You are an expert software engineer fixing a production bug. Fix ONLY the specific issue described. Do NOT refactor unrelated code, do NOT change formatting or style unless required, and maintain all existing functionality and type safety. Respond with the COMPLETE fixed file content and nothing else.`

// buildFixPrompt creates the fix-generation prompt for one file
func buildFixPrompt(diagnosis *DiagnosisResult, file, content string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "**Root Cause:**\n%s\n\n", diagnosis.RootCause)
	fmt.Fprintf(&sb, "**Fix Strategy:**\n%s\n\n", diagnosis.FixStrategy)
	fmt.Fprintf(&sb, "**Current Code:**\nFile: %s\n```\n%s\n```\n\n", file, content)
	fmt.Fprintf(&sb, "Generate the FIXED version of this entire file with the bug corrected.")

	return sb.String()
}

// buildCommitMessage renders the fix commit message. The message embeds the
// full diagnosis so it is reproducible from the DiagnosisResult alone and
// doubles as part of the audit trail.
func buildCommitMessage(issueUUID string, diagnosis *DiagnosisResult) string {
	summary := diagnosis.RootCause
	if idx := strings.Index(summary, "\n"); idx > 0 {
		summary = summary[:idx]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Fix: %s\n\n", summary)
	fmt.Fprintf(&sb, "Issue ID: %s\n", issueUUID)
	fmt.Fprintf(&sb, "Root Cause: %s\n", diagnosis.RootCause)
	fmt.Fprintf(&sb, "Fix Strategy: %s\n\n", diagnosis.FixStrategy)
	fmt.Fprintf(&sb, "Affected Files:\n")
	for _, f := range diagnosis.AffectedFiles {
		fmt.Fprintf(&sb, "- %s\n", f)
	}
	fmt.Fprintf(&sb, "\nConfidence: %.0f%%\n", diagnosis.Confidence*100)
	fmt.Fprintf(&sb, "Estimated Fix Time: %d minutes\n", diagnosis.EstimatedFixTime)

	return sb.String()
}
