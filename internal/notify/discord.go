package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kylemclaren/agent-tasks/internal/db"
)

// Discord posts outcomes to a Discord webhook
type Discord struct {
	client *http.Client
}

// NewDiscord creates a new Discord webhook channel
func NewDiscord() *Discord {
	return &Discord{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// DiscordEmbed represents a Discord embed object
type DiscordEmbed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
}

// EmbedField represents a field in a Discord embed
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// EmbedFooter represents the footer of a Discord embed
type EmbedFooter struct {
	Text string `json:"text"`
}

// DiscordPayload represents the webhook payload
type DiscordPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

// Send posts msg to cfg.WebhookURL
func (d *Discord) Send(ctx context.Context, cfg db.ChannelConfig, msg Message) error {
	if cfg.WebhookURL == "" {
		return fmt.Errorf("discord channel has no webhook url")
	}

	color, emoji := 0x00FF00, "✅"
	if msg.Outcome.Failed {
		color, emoji = 0xFF0000, "❌"
	}

	// Embed descriptions are capped at 4096 characters
	embed := DiscordEmbed{
		Title:       fmt.Sprintf("%s %s", emoji, msg.Subject),
		Description: truncate(msg.Body, 3500, "\n\n... (truncated)"),
		Color:       color,
		Fields: []EmbedField{
			{Name: "Status", Value: msg.Outcome.Status, Inline: true},
			{Name: "Duration", Value: formatDuration(msg.Outcome.DurationMs), Inline: true},
		},
		Footer: &EmbedFooter{Text: "Agent Tasks Scheduler"},
	}
	if msg.Outcome.RunID != "" {
		embed.Fields = append(embed.Fields, EmbedField{Name: "Run", Value: fmt.Sprintf("`%s`", msg.Outcome.RunID), Inline: true})
	}
	if !msg.Outcome.StartedAt.IsZero() {
		embed.Timestamp = msg.Outcome.StartedAt.Format(time.RFC3339)
	}

	return d.send(ctx, cfg.WebhookURL, DiscordPayload{Embeds: []DiscordEmbed{embed}})
}

func (d *Discord) send(ctx context.Context, webhookURL string, payload DiscordPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
