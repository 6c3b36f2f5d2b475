// Package notify delivers rule notifications over MQTT and HTTP webhooks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/sweeney/envctl/internal/mqtt"
)

// Message is one notification raised by a rule.
type Message struct {
	ID     string    `json:"id"`
	RuleID string    `json:"rule"`
	Text   string    `json:"message"`
	Time   time.Time `json:"timestamp"`
}

// Notifier delivers messages.
type Notifier interface {
	Notify(ctx context.Context, m Message) error
}

// MQTT publishes notifications to <prefix>/notifications/<rule>.
type MQTT struct {
	Publisher mqtt.Publisher
}

// Notify implements Notifier.
func (n MQTT) Notify(_ context.Context, m Message) error {
	return n.Publisher.PublishNotification(mqtt.Notification{
		ID: m.ID, Timestamp: m.Time, RuleID: m.RuleID, Message: m.Text,
	})
}

// Webhook posts notifications as JSON.
type Webhook struct {
	client *resty.Client
	url    string
	logger *zap.Logger
}

// NewWebhook creates a webhook notifier for url.
func NewWebhook(url string, logger *zap.Logger) *Webhook {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetTimeout(10*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("Content-Type", "application/json")
	return &Webhook{client: client, url: url, logger: logger.Named("notify.webhook")}
}

// Notify implements Notifier.
func (w *Webhook) Notify(ctx context.Context, m Message) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(m).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	if resp.IsError() {
		w.logger.Warn("webhook rejected notification",
			zap.String("rule_id", m.RuleID),
			zap.Int("status_code", resp.StatusCode()))
		return fmt.Errorf("webhook: status %d", resp.StatusCode())
	}
	return nil
}

// Log writes notifications to the log stream. It is the fallback when no
// transport is configured.
type Log struct {
	Logger *zap.Logger
}

// Notify implements Notifier.
func (l Log) Notify(_ context.Context, m Message) error {
	l.Logger.Info("notification",
		zap.String("id", m.ID),
		zap.String("rule_id", m.RuleID),
		zap.String("message", m.Text))
	return nil
}

// Multi fans a message out to every notifier and joins their errors.
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
