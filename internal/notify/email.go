package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/kylemclaren/agent-tasks/internal/db"
)

const (
	// DefaultResendURL is the hosted Resend API
	DefaultResendURL = "https://api.resend.com"
	// DefaultFrom is the sender used when none is configured
	DefaultFrom = "subconscious-scheduler@subconscious.dev"
)

// ErrEmailNotConfigured is returned when no Resend API key is set
var ErrEmailNotConfigured = errors.New("email delivery is not configured")

// Email sends transactional email through Resend
type Email struct {
	baseURL string
	apiKey  string
	from    string
	client  *http.Client
	limiter *rate.Limiter
}

// NewEmail creates a Resend channel. perSecond caps outbound requests; zero or
// less disables the cap.
func NewEmail(baseURL, apiKey, from string, perSecond float64) *Email {
	if baseURL == "" {
		baseURL = DefaultResendURL
	}
	if from == "" {
		from = DefaultFrom
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Email{
		baseURL: baseURL,
		apiKey:  apiKey,
		from:    from,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(limit, 1),
	}
}

type emailPayload struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

// Send delivers msg to cfg.To
func (e *Email) Send(ctx context.Context, cfg db.ChannelConfig, msg Message) error {
	if e.apiKey == "" {
		return ErrEmailNotConfigured
	}
	if cfg.To == "" {
		return fmt.Errorf("email channel has no recipient")
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	data, err := json.Marshal(emailPayload{From: e.from, To: cfg.To, Subject: msg.Subject, Text: msg.Body})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/emails", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("resend returned status %d: %s", resp.StatusCode, body)
	}
	return nil
}
