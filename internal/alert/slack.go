package alert

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// Slack posts alerts to a channel with a bot token.
type Slack struct {
	client  *slack.Client
	channel string
}

// NewSlack creates a Slack notifier. opts are passed to slack.New, which
// lets tests point the client at a local server.
func NewSlack(botToken, channel string, opts ...slack.Option) *Slack {
	return &Slack{client: slack.New(botToken, opts...), channel: channel}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Notify(ctx context.Context, a Alert) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(a.Text(), false),
	)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	return nil
}
