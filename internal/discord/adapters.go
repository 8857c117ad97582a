package discord

import (
	"context"
	"fmt"

	"github.com/kapu/osu-rivals-bot/internal/rival"
)

// Prompter adapts the REST client to rival.PromptSurface: challenge
// prompts go out as DMs with accept/decline buttons.
type Prompter struct {
	client *Client
	texts  rival.TextRenderer
}

func NewPrompter(client *Client, texts rival.TextRenderer) *Prompter {
	return &Prompter{client: client, texts: texts}
}

func (p *Prompter) SendPrompt(ctx context.Context, player string, ch *rival.Challenge) error {
	content, err := p.texts.Render("rivalry.prompt", map[string]any{
		"Challenger": ch.Challenger,
		"Challenged": ch.Challenged,
		"League":     string(ch.League),
		"ForPP":      ch.ForPP,
	})
	if err != nil {
		return fmt.Errorf("render prompt: %w", err)
	}
	return p.client.SendPrompt(ctx, player, ch.ID, content)
}

// ChannelAnnouncer adapts the REST client to rival.Announcer, bound to
// the configured results channel.
type ChannelAnnouncer struct {
	client    *Client
	channelID string
}

func NewChannelAnnouncer(client *Client, channelID string) *ChannelAnnouncer {
	return &ChannelAnnouncer{client: client, channelID: channelID}
}

func (a *ChannelAnnouncer) Send(ctx context.Context, text string) (string, error) {
	return a.client.SendMessage(ctx, a.channelID, text)
}

func (a *ChannelAnnouncer) Edit(ctx context.Context, ref, text string) error {
	return a.client.EditMessage(ctx, a.channelID, ref, text)
}
