package runner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

type SlackNotifier struct {
	client    *slack.Client
	channelID string
}

func NewSlackNotifier(botToken, channelID string, opts ...slack.Option) *SlackNotifier {
	return &SlackNotifier{
		client:    slack.New(botToken, opts...),
		channelID: channelID,
	}
}

func (n *SlackNotifier) NotifyBlocked(ctx context.Context, msg BlockedMessage) error {
	_, _, err := n.client.PostMessageContext(ctx, n.channelID,
		slack.MsgOptionText(blockedText(msg), false),
	)
	if err != nil {
		return fmt.Errorf("slack notify: %w", err)
	}
	return nil
}

func blockedText(msg BlockedMessage) string {
	issue := fmt.Sprintf("#%d %s", msg.IssueNumber, msg.IssueTitle)
	if msg.IssueURL != "" {
		issue = fmt.Sprintf("<%s|%s>", msg.IssueURL, issue)
	}
	return fmt.Sprintf(
		":no_entry: *Issue blocked in %s*\n"+
			"Issue: %s\n"+
			"Repo: %s\n"+
			"Error: `%v`",
		msg.Stage, issue, msg.RepoURL, msg.Err,
	)
}

// LogNotifier stands in for Slack when no bot token is configured.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) NotifyBlocked(ctx context.Context, msg BlockedMessage) error {
	n.log.Warn("issue blocked",
		"issue", msg.IssueNumber,
		"stage", msg.Stage,
		"url", msg.IssueURL,
		"err", msg.Err,
	)
	return nil
}
