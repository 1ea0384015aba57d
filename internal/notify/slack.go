// Package notify delivers human-facing alerts about agent activity over
// Slack incoming webhooks. Delivery is best effort: a dropped notification
// is logged, never allowed to stall the pipeline.
package notify

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/slack-go/slack"
	"gorm.io/gorm"

	"github.com/nvclabs/optirecall/internal/agent"
	"github.com/nvclabs/optirecall/internal/database"
)

// SlackNotifier posts Block Kit messages to the webhook configured in the
// agent settings. The webhook URL is re-read per message so operators can
// change it without a restart.
type SlackNotifier struct {
	db     *gorm.DB
	appURL string

	// post is swappable in tests
	post func(ctx context.Context, url string, msg *slack.WebhookMessage) error
}

// NewSlackNotifier creates a notifier backed by the settings row
func NewSlackNotifier(db *gorm.DB, appURL string) *SlackNotifier {
	return &SlackNotifier{
		db:     db,
		appURL: appURL,
		post:   slack.PostWebhookContext,
	}
}

func (n *SlackNotifier) webhookURL() string {
	settings, err := database.GetAgentSettings(n.db)
	if err != nil {
		log.Printf("SlackNotifier: failed to load settings: %v", err)
		return ""
	}
	return settings.SlackWebhookURL
}

func (n *SlackNotifier) send(ctx context.Context, msg *slack.WebhookMessage) error {
	url := n.webhookURL()
	if url == "" {
		return nil
	}
	if err := n.post(ctx, url, msg); err != nil {
		log.Printf("SlackNotifier: webhook delivery failed: %v", err)
		return err
	}
	return nil
}

// NotifyIssueDetected alerts on a newly detected high-severity issue
func (n *SlackNotifier) NotifyIssueDetected(ctx context.Context, issue *database.AgentIssue) error {
	header := fmt.Sprintf("%s %s issue detected", severityEmoji(issue.Severity), issue.Severity)
	fields := []*slack.TextBlockObject{
		mrkdwn("*Type:*\n%s", issue.IssueType),
		mrkdwn("*Severity:*\n%s", issue.Severity),
		mrkdwn("*Affected users:*\n%s", affectedUsersLabel(issue.AffectedUsers)),
		mrkdwn("*Occurrences:*\n%d", issue.ErrorFrequency),
	}

	msg := &slack.WebhookMessage{
		Blocks: &slack.Blocks{BlockSet: []slack.Block{
			slack.NewHeaderBlock(plain(header)),
			slack.NewSectionBlock(mrkdwn("*%s*\n%s", issue.Title, truncate(issue.Message, 500)), nil, nil),
			slack.NewSectionBlock(nil, fields, nil),
			n.issueLinkBlock(issue),
		}},
	}
	return n.send(ctx, msg)
}

// NotifyApprovalRequired asks a human to approve a pending fix. diagnosis is
// nil when the fix is already built and waiting on staging.
func (n *SlackNotifier) NotifyApprovalRequired(ctx context.Context, issue *database.AgentIssue, diagnosis *agent.DiagnosisResult) error {
	blocks := []slack.Block{
		slack.NewHeaderBlock(plain(":raised_hand: Fix awaiting approval")),
		slack.NewSectionBlock(mrkdwn("*%s*\n%s", issue.Title, truncate(issue.Message, 300)), nil, nil),
	}

	if diagnosis != nil {
		blocks = append(blocks, slack.NewSectionBlock(nil, []*slack.TextBlockObject{
			mrkdwn("*Root cause:*\n%s", truncate(diagnosis.RootCause, 300)),
			mrkdwn("*Fix strategy:*\n%s", truncate(diagnosis.FixStrategy, 300)),
			mrkdwn("*Confidence:*\n%.0f%%", diagnosis.Confidence*100),
			mrkdwn("*Estimated fix time:*\n%d min", diagnosis.EstimatedFixTime),
		}, nil))
	} else {
		blocks = append(blocks, slack.NewSectionBlock(
			mrkdwn("The fix is deployed to staging and waiting for promotion to production."), nil, nil))
	}

	blocks = append(blocks, n.issueLinkBlock(issue))
	return n.send(ctx, &slack.WebhookMessage{Blocks: &slack.Blocks{BlockSet: blocks}})
}

// NotifyResolved announces a successful autonomous resolution
func (n *SlackNotifier) NotifyResolved(ctx context.Context, issue *database.AgentIssue, result *agent.DeploymentResult) error {
	msg := &slack.WebhookMessage{
		Blocks: &slack.Blocks{BlockSet: []slack.Block{
			slack.NewHeaderBlock(plain(":white_check_mark: Issue resolved")),
			slack.NewSectionBlock(mrkdwn("*%s*\nFix deployed to production at %s", issue.Title, result.DeployedAt), nil, nil),
			n.issueLinkBlock(issue),
		}},
	}
	return n.send(ctx, msg)
}

// NotifyFailed announces a terminal pipeline failure
func (n *SlackNotifier) NotifyFailed(ctx context.Context, issue *database.AgentIssue, reason string) error {
	msg := &slack.WebhookMessage{
		Blocks: &slack.Blocks{BlockSet: []slack.Block{
			slack.NewHeaderBlock(plain(":x: Automated fix failed")),
			slack.NewSectionBlock(mrkdwn("*%s*\n%s", issue.Title, truncate(reason, 500)), nil, nil),
			slack.NewSectionBlock(mrkdwn("Manual intervention required."), nil, nil),
			n.issueLinkBlock(issue),
		}},
	}
	return n.send(ctx, msg)
}

func (n *SlackNotifier) issueLinkBlock(issue *database.AgentIssue) slack.Block {
	return slack.NewContextBlock("",
		mrkdwn("<%s/admin/agent/issues/%s|View issue %s>", strings.TrimSuffix(n.appURL, "/"), issue.UUID, issue.UUID[:8]))
}

func severityEmoji(s database.Severity) string {
	switch s {
	case database.SeverityP0:
		return ":rotating_light:"
	case database.SeverityP1:
		return ":warning:"
	default:
		return ":information_source:"
	}
}

func affectedUsersLabel(n int) string {
	if n == database.AffectedUsersAll {
		return "all"
	}
	return fmt.Sprintf("%d", n)
}

func mrkdwn(format string, args ...interface{}) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf(format, args...), false, false)
}

func plain(text string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.PlainTextType, text, true, false)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
