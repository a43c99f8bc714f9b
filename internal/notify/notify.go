// Package notify delivers operator alerts: escalation thresholds, queue
// overload and the periodic digest.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/slack-go/slack"

	"github.com/ShayCichocki/switchboard/internal/errors"
)

// Level is the severity of a notification.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Message is one operator notification.
type Message struct {
	Level    Level
	Title    string
	Text     string
	TicketID string
	Fields   map[string]string
}

// Notifier sends operator notifications.
type Notifier interface {
	Notify(ctx context.Context, m Message) error
}

// Nop discards every notification.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Message) error { return nil }

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier. A nil logger uses slog.Default().
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify")}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, m Message) error {
	args := []any{"title", m.Title, "text", m.Text}
	if m.TicketID != "" {
		args = append(args, "ticket", m.TicketID)
	}
	for _, k := range sortedKeys(m.Fields) {
		args = append(args, k, m.Fields[k])
	}
	level := slog.LevelInfo
	switch m.Level {
	case LevelWarning:
		level = slog.LevelWarn
	case LevelCritical:
		level = slog.LevelError
	}
	n.logger.Log(ctx, level, "notification", args...)
	return nil
}

// SlackNotifier posts notifications to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	channel    string
}

// NewSlackNotifier creates a notifier for an incoming webhook URL. The
// channel overrides the webhook's default channel when set.
func NewSlackNotifier(webhookURL, channel string) (*SlackNotifier, error) {
	if strings.TrimSpace(webhookURL) == "" {
		return nil, errors.NewValidationError("slack.webhook_url", "is required")
	}
	return &SlackNotifier{webhookURL: webhookURL, channel: channel}, nil
}

// Notify implements Notifier.
func (s *SlackNotifier) Notify(ctx context.Context, m Message) error {
	attachment := slack.Attachment{
		Color: colorFor(m.Level),
		Title: m.Title,
		Text:  m.Text,
	}
	if m.TicketID != "" {
		attachment.Fields = append(attachment.Fields, slack.AttachmentField{Title: "ticket", Value: m.TicketID, Short: true})
	}
	for _, k := range sortedKeys(m.Fields) {
		attachment.Fields = append(attachment.Fields, slack.AttachmentField{Title: k, Value: m.Fields[k], Short: true})
	}

	msg := &slack.WebhookMessage{
		Channel:     s.channel,
		Text:        fmt.Sprintf("[%s] %s", m.Level, m.Title),
		Attachments: []slack.Attachment{attachment},
	}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}
	return nil
}

func colorFor(l Level) string {
	switch l {
	case LevelCritical:
		return "danger"
	case LevelWarning:
		return "warning"
	default:
		return "good"
	}
}

// Multi fans a notification out to several notifiers. Every notifier is
// tried; the errors are joined.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
