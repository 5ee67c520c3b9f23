package notify

import (
	"context"
	"fmt"
	"net/http"
)

// Embed colours per alert event.
var discordColors = map[string]int{
	"market_resolved":  0x2ecc71,
	"market_voided":    0xf1c40f,
	"message_rejected": 0xe74c3c,
}

// DiscordSender posts alerts to a Discord webhook as embeds.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for webhookURL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{webhookURL: webhookURL, client: newHTTPClient()}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color,omitempty"`
	Footer      struct {
		Text string `json:"text"`
	} `json:"footer"`
}

// Send posts a as a single embed.
func (d *DiscordSender) Send(ctx context.Context, a Alert) error {
	e := discordEmbed{Title: a.Title, Description: a.Message, Color: discordColors[a.Event]}
	e.Footer.Text = fmt.Sprintf("%s · %s", a.Ledger, a.Event)

	payload := map[string]any{"embeds": []discordEmbed{e}}
	if err := postJSON(ctx, d.client, d.webhookURL, payload); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

// Name returns "discord".
func (d *DiscordSender) Name() string { return "discord" }
