// Package notify alerts on-call responders when crisis mode changes.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"soulchat/pkg/types"
)

// SlackNotifier posts crisis transitions to a Slack incoming webhook. It
// implements interfaces.CrisisListener. Alerts name the participant by
// display code so responders can find them in the room, but never include
// what they wrote.
type SlackNotifier struct {
	webhookURL string
	channel    string
	timeout    time.Duration
	logger     zerolog.Logger
	wg         sync.WaitGroup
}

// NewSlackNotifier creates a notifier for webhookURL.
func NewSlackNotifier(webhookURL, channel string, timeout time.Duration, logger zerolog.Logger) *SlackNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SlackNotifier{
		webhookURL: webhookURL,
		channel:    channel,
		timeout:    timeout,
		logger:     logger.With().Str("component", "slack_notifier").Logger(),
	}
}

// CrisisActivated posts an activation alert.
func (n *SlackNotifier) CrisisActivated(state types.CrisisState) {
	origin := "triggered by a participant message"
	if state.SourceDisplayCode != "" {
		origin = fmt.Sprintf("triggered by a message from *%s*", state.SourceDisplayCode)
	} else if state.Manual {
		origin = "activated by an operator"
	}
	header := fmt.Sprintf(":rotating_light: Crisis mode active for *%s*", state.Scope)
	detail := fmt.Sprintf("%s at %s. Expires %s unless refreshed.",
		origin,
		state.StartedAt.UTC().Format(time.RFC3339),
		state.ExpiresAt.UTC().Format(time.RFC3339))
	n.post(header, detail)
}

// CrisisRefreshed is a no-op; responders are already engaged.
func (n *SlackNotifier) CrisisRefreshed(types.CrisisState) {}

// CrisisEnded posts a resolution notice.
func (n *SlackNotifier) CrisisEnded(state types.CrisisState, reason string) {
	header := fmt.Sprintf(":white_check_mark: Crisis mode ended for *%s*", state.Scope)
	detail := fmt.Sprintf("Reason: %s. Refreshed %d time(s) since %s.",
		reason, state.Refreshes, state.StartedAt.UTC().Format(time.RFC3339))
	n.post(header, detail)
}

// Wait blocks until in-flight posts finish.
func (n *SlackNotifier) Wait() {
	n.wg.Wait()
}

// post sends asynchronously so crisis transitions never wait on Slack.
func (n *SlackNotifier) post(header, detail string) {
	msg := &slack.WebhookMessage{
		Channel: n.channel,
		Text:    header + "\n" + detail,
		Blocks: &slack.Blocks{BlockSet: []slack.Block{
			slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, header, false, false), nil, nil),
			slack.NewContextBlock("", slack.NewTextBlockObject(slack.MarkdownType, detail, false, false)),
		}},
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()

		if err := slack.PostWebhookContext(ctx, n.webhookURL, msg); err != nil {
			n.logger.Error().Err(err).Msg("failed to post crisis notification")
			return
		}
		n.logger.Debug().Msg("crisis notification posted")
	}()
}
