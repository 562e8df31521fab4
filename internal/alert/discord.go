package alert

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// channelSender is the part of a discordgo session used to post alerts.
type channelSender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts alerts to a channel over the REST API. No gateway
// connection is opened.
type Discord struct {
	session   channelSender
	channelID string
}

func NewDiscord(botToken, channelID string) (*Discord, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &Discord{session: session, channelID: channelID}, nil
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Notify(ctx context.Context, a Alert) error {
	content := a.Text()
	if len(content) > 2000 {
		content = content[:1997] + "..."
	}
	if _, err := d.session.ChannelMessageSend(d.channelID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}
