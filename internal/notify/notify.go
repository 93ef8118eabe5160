// Package notify delivers run outcomes to the channels configured for a task.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/kylemclaren/agent-tasks/internal/agent"
	"github.com/kylemclaren/agent-tasks/internal/db"
)

// Placeholder in a custom body that is replaced by the agent's output
const Placeholder = "{{...agentResponse}}"

// Outcome is the final state of one run
type Outcome struct {
	TaskID     int64
	TaskName   string
	ResultID   int64
	RunID      string
	Status     string
	Failed     bool
	Error      string
	Result     json.RawMessage
	StartedAt  time.Time
	DurationMs int64
}

// Message is a rendered notification
type Message struct {
	Subject string
	Body    string
	Outcome Outcome
}

// Channel delivers a message to one destination kind
type Channel interface {
	Send(ctx context.Context, cfg db.ChannelConfig, msg Message) error
}

// PreferenceStore reads the notification preference of a task
type PreferenceStore interface {
	GetNotificationPreference(ctx context.Context, taskID int64) (*db.NotificationPreference, error)
}

// Dispatcher fans an outcome out to every matching channel of a task
type Dispatcher struct {
	prefs    PreferenceStore
	channels map[string]Channel
	logger   zerolog.Logger
}

// NewDispatcher creates a dispatcher with no channels registered
func NewDispatcher(prefs PreferenceStore, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		prefs:    prefs,
		channels: make(map[string]Channel),
		logger:   logger.With().Str("component", "notify").Logger(),
	}
}

// Register binds a channel implementation to a channel kind
func (d *Dispatcher) Register(kind string, ch Channel) {
	d.channels[kind] = ch
}

// Notify delivers the outcome. Every failure is logged and swallowed.
func (d *Dispatcher) Notify(ctx context.Context, o Outcome) {
	logger := d.logger.With().Int64("task_id", o.TaskID).Str("status", o.Status).Logger()
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("notification dispatch panicked")
		}
	}()

	pref, err := d.prefs.GetNotificationPreference(ctx, o.TaskID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			logger.Warn().Err(err).Msg("failed to load notification preference")
		}
		return
	}
	if !pref.Enabled || len(pref.Channels) == 0 {
		return
	}

	output := renderOutput(o.Result)
	for _, cfg := range pref.Channels {
		if !ShouldSend(cfg, o) {
			continue
		}
		ch, ok := d.channels[cfg.Channel]
		if !ok {
			logger.Warn().Str("channel", cfg.Channel).Msg("unknown notification channel")
			continue
		}
		if err := deliver(ctx, ch, cfg, Render(cfg, o, output)); err != nil {
			logger.Warn().Err(err).Str("channel", cfg.Channel).Msg("notification delivery failed")
			continue
		}
		logger.Debug().Str("channel", cfg.Channel).Msg("notification sent")
	}
}

// deliver isolates one channel so a panicking implementation cannot stop the others
func deliver(ctx context.Context, ch Channel, cfg db.ChannelConfig, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel panicked: %v", r)
		}
	}()
	return ch.Send(ctx, cfg, msg)
}

// ShouldSend reports whether cfg subscribes to the kind of outcome o is
func ShouldSend(cfg db.ChannelConfig, o Outcome) bool {
	if o.Failed {
		return cfg.OnFailure
	}
	return cfg.OnSuccess
}

// Render builds the subject and body of a notification. output is the plain
// text rendering of the agent's result, empty when there was none.
func Render(cfg db.ChannelConfig, o Outcome, output string) Message {
	subject := cfg.CustomSubject
	if subject == "" {
		subject = o.TaskName
	}

	var body string
	switch {
	case o.Failed:
		reason := o.Error
		if reason == "" {
			reason = "An unknown error occurred. Check the dashboard for details."
		}
		body = "Your scheduled task \"" + o.TaskName + "\" failed to complete.\n\n" + reason
	case strings.Contains(cfg.CustomBody, Placeholder):
		replacement := output
		if replacement == "" {
			replacement = "(No results were returned.)"
		}
		body = strings.ReplaceAll(cfg.CustomBody, Placeholder, replacement)
	case cfg.IncludeResult != nil && !*cfg.IncludeResult:
		body = "Your scheduled task \"" + o.TaskName + "\" completed successfully."
	case output != "":
		body = output
	default:
		body = "The task completed but returned no output."
	}

	return Message{Subject: subject, Body: body, Outcome: o}
}

func renderOutput(result json.RawMessage) string {
	raw, ok := agent.ExtractText(result)
	if !ok {
		return ""
	}
	return PlainText(raw)
}

func truncate(s string, n int, suffix string) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + suffix
}

func formatDuration(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Round(time.Second).String()
}
