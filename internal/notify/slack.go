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

// Slack posts outcomes to a Slack incoming webhook
type Slack struct {
	client *http.Client
}

// NewSlack creates a new Slack webhook channel
func NewSlack() *Slack {
	return &Slack{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// SlackBlock represents a Slack Block Kit block
type SlackBlock struct {
	Type     string         `json:"type"`
	Text     *SlackTextObj  `json:"text,omitempty"`
	Fields   []SlackTextObj `json:"fields,omitempty"`
	Elements []SlackTextObj `json:"elements,omitempty"`
}

// SlackTextObj represents a Slack text object
type SlackTextObj struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// SlackAttachment represents a Slack attachment (for colored sidebar)
type SlackAttachment struct {
	Color  string       `json:"color"`
	Blocks []SlackBlock `json:"blocks"`
}

// SlackPayload represents the webhook payload
type SlackPayload struct {
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// Send posts msg to cfg.WebhookURL
func (s *Slack) Send(ctx context.Context, cfg db.ChannelConfig, msg Message) error {
	if cfg.WebhookURL == "" {
		return fmt.Errorf("slack channel has no webhook url")
	}

	color, emoji := "#00FF00", ":white_check_mark:"
	if msg.Outcome.Failed {
		color, emoji = "#FF0000", ":x:"
	}

	fields := []SlackTextObj{
		{Type: "mrkdwn", Text: fmt.Sprintf("*Status:*\n%s", msg.Outcome.Status)},
		{Type: "mrkdwn", Text: fmt.Sprintf("*Duration:*\n%s", formatDuration(msg.Outcome.DurationMs))},
	}
	if !msg.Outcome.StartedAt.IsZero() {
		started := msg.Outcome.StartedAt
		fields = append(fields, SlackTextObj{
			Type: "mrkdwn",
			Text: fmt.Sprintf("*Started:*\n<!date^%d^{date_short} {time}|%s>", started.Unix(), started.Format(time.RFC3339)),
		})
	}

	blocks := []SlackBlock{
		{
			Type: "header",
			Text: &SlackTextObj{Type: "plain_text", Text: fmt.Sprintf("%s %s", emoji, msg.Subject), Emoji: true},
		},
		{Type: "section", Fields: fields},
		{Type: "divider"},
		{
			Type: "section",
			Text: &SlackTextObj{Type: "plain_text", Text: truncate(msg.Body, 2500, "\n... (truncated)")},
		},
		{
			Type:     "context",
			Elements: []SlackTextObj{{Type: "mrkdwn", Text: "Agent Tasks Scheduler"}},
		},
	}

	payload := SlackPayload{
		Text:        msg.Subject,
		Attachments: []SlackAttachment{{Color: color, Blocks: blocks}},
	}
	return s.send(ctx, cfg.WebhookURL, payload)
}

func (s *Slack) send(ctx context.Context, webhookURL string, payload SlackPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
