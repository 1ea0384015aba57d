package agent

import "time"

// Event is one pipeline state change, published for live observers (the
// dashboard's websocket feed). Publishing is best-effort: a dropped event
// never affects the pipeline itself.
type Event struct {
	Type      string    `json:"type"` // detected, diagnosing, fixing, testing, deploying, resolved, failed, awaiting_approval
	IssueUUID string    `json:"issue_uuid"`
	Severity  string    `json:"severity,omitempty"`
	Title     string    `json:"title,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventSink receives pipeline events
type EventSink interface {
	Publish(event Event)
}

// NopSink discards all events
type NopSink struct{}

// Publish implements EventSink
func (NopSink) Publish(Event) {}
