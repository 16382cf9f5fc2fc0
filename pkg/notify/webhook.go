package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethpandaops/grantoor/pkg/config"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// NotificationIDHeader carries a unique id per delivery so the gateway can
// drop duplicates.
const NotificationIDHeader = "X-Notification-ID"

// webhookPayload is the JSON body POSTed to the gateway.
type webhookPayload struct {
	ChatID  int64    `json:"chat_id"`
	Text    string   `json:"text"`
	Actions []Action `json:"actions,omitempty"`
}

// WebhookSink delivers messages by POSTing JSON to the messaging gateway.
type WebhookSink struct {
	log     logrus.FieldLogger
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// Compile-time interface check.
var _ Sink = (*WebhookSink)(nil)

// NewWebhookSink creates a sink for the configured gateway URL.
func NewWebhookSink(log logrus.FieldLogger, cfg *config.NotifyConfig) *WebhookSink {
	limit := rate.Inf
	burst := 1

	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = cfg.RequestsPerSecond
	}

	return &WebhookSink{
		log:     log.WithField("component", "webhook_sink"),
		url:     cfg.WebhookURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Send POSTs one message. Any non-2xx response is a failure.
func (w *WebhookSink) Send(
	ctx context.Context, principalID int64, msg Message,
) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}

	body, err := json.Marshal(webhookPayload{
		ChatID:  principalID,
		Text:    msg.Text,
		Actions: msg.Actions,
	})
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, w.url, bytes.NewReader(body),
	)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	id := uuid.NewString()

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(NotificationIDHeader, id)

	start := time.Now()

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting notification: %w", err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gateway responded with status %d", resp.StatusCode)
	}

	w.log.WithFields(logrus.Fields{
		"principal_id":    principalID,
		"notification_id": id,
		"duration":        time.Since(start),
	}).Debug("Notification delivered")

	return nil
}

// LogSink only logs messages. It is used when no gateway is configured.
type LogSink struct {
	log logrus.FieldLogger
}

// Compile-time interface check.
var _ Sink = (*LogSink)(nil)

// NewLogSink creates a sink that writes messages to the log.
func NewLogSink(log logrus.FieldLogger) *LogSink {
	return &LogSink{log: log.WithField("component", "log_sink")}
}

// Send logs the message and always succeeds.
func (l *LogSink) Send(_ context.Context, principalID int64, msg Message) error {
	l.log.WithFields(logrus.Fields{
		"principal_id": principalID,
		"actions":      len(msg.Actions),
	}).Info(msg.Text)

	return nil
}

// NewSink picks the webhook sink when a URL is configured and the log
// sink otherwise.
func NewSink(log logrus.FieldLogger, cfg *config.NotifyConfig) Sink {
	if cfg.WebhookURL == "" {
		log.Warn("No notify.webhook_url configured, notifications will only be logged")

		return NewLogSink(log)
	}

	return NewWebhookSink(log, cfg)
}
