package api

import "github.com/nvclabs/optirecall/internal/database"

// IssueToListItem converts an agent issue to a compact list representation.
// It omits large fields like the stack trace and diagnosis text.
func IssueToListItem(i database.AgentIssue) IssueListItem {
	return IssueListItem{
		ID:             i.ID,
		UUID:           i.UUID,
		Severity:       i.Severity,
		IssueType:      i.IssueType,
		Title:          i.Title,
		Status:         i.Status,
		AffectedUsers:  i.AffectedUsers,
		ErrorFrequency: i.ErrorFrequency,
		LastSeenAt:     i.LastSeenAt,
		ResolvedAt:     i.ResolvedAt,
		CreatedAt:      i.CreatedAt,
	}
}

// IssuesToListItems converts a slice of agent issues to list items.
func IssuesToListItems(issues []database.AgentIssue) []IssueListItem {
	items := make([]IssueListItem, len(issues))
	for i, issue := range issues {
		items[i] = IssueToListItem(issue)
	}
	return items
}
