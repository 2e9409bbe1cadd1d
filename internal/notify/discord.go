package notify

import (
	"context"
	"net/http"
)

const (
	discordColorInfo   = 0x3498db
	discordColorUrgent = 0xe74c3c
)

// DiscordSender delivers notifications via a Discord webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for the given webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     newHTTPClient(),
	}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
}

// Send posts msg as a single embed. Urgent messages are red and mention
// everyone in the channel.
func (d *DiscordSender) Send(ctx context.Context, msg Message) error {
	embed := discordEmbed{Title: msg.Title, Description: msg.Body, Color: discordColorInfo}
	payload := map[string]any{"embeds": []discordEmbed{embed}}
	if msg.Urgent {
		embed.Color = discordColorUrgent
		payload["embeds"] = []discordEmbed{embed}
		payload["content"] = "@everyone"
	}
	return postJSON(ctx, d.client, d.Name(), d.webhookURL, payload)
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}
