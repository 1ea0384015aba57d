package api

import (
	"strings"
	"testing"
)

func TestValidateApproveFixRequest(t *testing.T) {
	approved := true
	req := ApproveFixRequest{
		IssueID:  "a7f3b2c1-4d5e-4f6a-8b9c-0d1e2f3a4b5c",
		Approved: &approved,
		Notes:    "fix looks targeted",
	}
	if errs := Validate(req); errs != nil {
		t.Errorf("Validate = %v, want nil", errs)
	}
}

func TestValidateRequiredAndFormat(t *testing.T) {
	// Missing both fields.
	errs := Validate(ApproveFixRequest{})
	if errs == nil {
		t.Fatal("expected validation errors")
	}
	if errs["issue_id"] != "is required" {
		t.Errorf("issue_id error = %q, want %q", errs["issue_id"], "is required")
	}
	if errs["approved"] != "is required" {
		t.Errorf("approved error = %q, want %q", errs["approved"], "is required")
	}

	// Malformed UUID.
	rejected := false
	errs = Validate(ApproveFixRequest{IssueID: "not-a-uuid", Approved: &rejected})
	if errs["issue_id"] != "must be a valid UUID" {
		t.Errorf("issue_id error = %q, want UUID message", errs["issue_id"])
	}
}

func TestValidateFalsePointerPassesRequired(t *testing.T) {
	// A rejection carries Approved=false; the pointer being set must
	// satisfy the required tag.
	rejected := false
	req := ApproveFixRequest{
		IssueID:  "a7f3b2c1-4d5e-4f6a-8b9c-0d1e2f3a4b5c",
		Approved: &rejected,
	}
	if errs := Validate(req); errs != nil {
		t.Errorf("Validate = %v, want nil", errs)
	}
}

func TestValidateSettingsBounds(t *testing.T) {
	bad := 5
	errs := Validate(UpdateAgentSettingsRequest{AutonomyLevel: &bad})
	if errs == nil {
		t.Fatal("expected validation errors")
	}
	if !strings.Contains(errs["autonomy_level"], "at most") && !strings.Contains(errs["autonomy_level"], "max") {
		t.Errorf("autonomy_level error = %q", errs["autonomy_level"])
	}

	badURL := "not a url"
	errs = Validate(UpdateAgentSettingsRequest{SlackWebhookURL: &badURL})
	if errs["slack_webhook_url"] != "must be a valid URL" {
		t.Errorf("slack_webhook_url error = %q, want URL message", errs["slack_webhook_url"])
	}
}

func TestValidateNotesTooLong(t *testing.T) {
	approved := true
	req := ApproveFixRequest{
		IssueID:  "a7f3b2c1-4d5e-4f6a-8b9c-0d1e2f3a4b5c",
		Approved: &approved,
		Notes:    strings.Repeat("x", 1025),
	}
	errs := Validate(req)
	if errs == nil {
		t.Fatal("expected validation errors")
	}
	if errs["notes"] != "must be at most 1024 characters" {
		t.Errorf("notes error = %q", errs["notes"])
	}
}

func TestSnakeCase(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Name", "name"},
		{"IssueID", "issue_i_d"},
		{"AutonomyLevel", "autonomy_level"},
		{"simple", "simple"},
		{"", ""},
	}

	for _, tc := range cases {
		if got := snakeCase(tc.in); got != tc.want {
			t.Errorf("snakeCase(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
