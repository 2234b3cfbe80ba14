// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package notifications provides alerting via Slack incoming webhooks.
//
// The notifier is used for events an operator should see without watching
// logs: the InfluxDB mirror going down and coming back, the local spill
// cache filling up, an MQTT broker connection dropping, and scheduled
// forecast runs failing.
//
// A notifier with an empty webhook URL is disabled and every Send call is a
// no-op. Failures are returned as *errors.NotificationError and callers log
// them; a failed alert never blocks ingestion.
//
// The webhook URL can be replaced at runtime with SetWebhookURL, which is
// how a SIGHUP configuration reload takes effect.
//
//	notifier := notifications.NewSlackNotifier(cfg.Notifications.SlackWebhookURL)
//	_ = notifier.SendAlert(ctx, "warning", "Broker disconnected", "tcp://mqtt:1883")
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/soothill/tasmota-energy-ledger/pkg/errors"
	"github.com/soothill/tasmota-energy-ledger/pkg/interfaces"
	"github.com/soothill/tasmota-energy-ledger/pkg/logger"
)

const footer = "Tasmota Energy Ledger"

var _ interfaces.Notifier = (*SlackNotifier)(nil)

// SlackNotifier sends notifications to Slack via webhook
type SlackNotifier struct {
	mu         sync.RWMutex
	webhookURL string
	client     *http.Client
}

// SlackMessage represents a Slack webhook message payload
type SlackMessage struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment represents a Slack attachment
type Attachment struct {
	Color  string `json:"color,omitempty"`
	Title  string `json:"title,omitempty"`
	Text   string `json:"text,omitempty"`
	Footer string `json:"footer,omitempty"`
	Ts     int64  `json:"ts,omitempty"`
}

// NewSlackNotifier creates a new Slack notifier
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// IsEnabled returns whether Slack notifications are enabled
func (s *SlackNotifier) IsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.webhookURL != ""
}

// SetWebhookURL replaces the webhook. An empty URL disables the notifier.
func (s *SlackNotifier) SetWebhookURL(webhookURL string) {
	s.mu.Lock()
	s.webhookURL = webhookURL
	s.mu.Unlock()
}

// SendMessage sends a simple text message to Slack
func (s *SlackNotifier) SendMessage(ctx context.Context, message string) error {
	if !s.IsEnabled() {
		logger.Debug().Msg("Slack notifications disabled, skipping message")
		return nil
	}
	return s.sendPayload(ctx, SlackMessage{Text: message})
}

// SendAlert sends a formatted alert to Slack
func (s *SlackNotifier) SendAlert(ctx context.Context, severity, title, message string) error {
	if !s.IsEnabled() {
		logger.Debug().Str("title", title).Msg("Slack notifications disabled, skipping alert")
		return nil
	}

	payload := SlackMessage{
		Attachments: []Attachment{
			{
				Color:  severityToColor(severity),
				Title:  title,
				Text:   message,
				Footer: footer,
				Ts:     time.Now().Unix(),
			},
		},
	}
	return s.sendPayload(ctx, payload)
}

// SendMirrorFailure sends an alert when the InfluxDB mirror becomes unavailable
func (s *SlackNotifier) SendMirrorFailure(ctx context.Context, err error) error {
	return s.SendAlert(ctx, "danger", "InfluxDB Mirror Failure",
		fmt.Sprintf("Failed to write to InfluxDB: %v\nReadings are still persisted to PostgreSQL and will be replayed to InfluxDB from the local cache.", err))
}

// SendMirrorRecovery sends an alert when the InfluxDB mirror recovers
func (s *SlackNotifier) SendMirrorRecovery(ctx context.Context) error {
	return s.SendAlert(ctx, "good", "InfluxDB Mirror Restored",
		"Connection to InfluxDB has been restored. Cached readings will be replayed.")
}

// SendCacheWarning sends an alert when cache usage is high
func (s *SlackNotifier) SendCacheWarning(ctx context.Context, cacheSize int64, maxSize int64) error {
	percentage := float64(cacheSize) / float64(maxSize) * 100
	return s.SendAlert(ctx, "warning", "Local Cache Usage High",
		fmt.Sprintf("Cache size: %d bytes (%.1f%% of max %d bytes)\nInfluxDB may be unavailable for an extended period.",
			cacheSize, percentage, maxSize))
}

// SendBrokerDisconnected sends an alert when an MQTT broker connection is lost
func (s *SlackNotifier) SendBrokerDisconnected(ctx context.Context, broker string, err error) error {
	return s.SendAlert(ctx, "warning", "MQTT Broker Disconnected",
		fmt.Sprintf("Lost connection to broker %s: %v\nThe client is reconnecting; telemetry published meanwhile is not received.", broker, err))
}

// SendForecastFailure sends an alert when a scheduled forecast run fails
func (s *SlackNotifier) SendForecastFailure(ctx context.Context, userID string, err error) error {
	return s.SendAlert(ctx, "danger", "Forecast Generation Failed",
		fmt.Sprintf("Forecast for user %s failed: %v", userID, err))
}

// sendPayload sends a payload to the Slack webhook
func (s *SlackNotifier) sendPayload(ctx context.Context, payload SlackMessage) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return apperrors.NewNotificationError("slack", fmt.Errorf("failed to marshal payload: %w", err))
	}

	s.mu.RLock()
	webhookURL := s.webhookURL
	s.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return apperrors.NewNotificationError("slack", fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return apperrors.NewNotificationError("slack", fmt.Errorf("failed to send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return apperrors.NewNotificationError("slack", fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}

	if len(payload.Attachments) > 0 {
		logger.Debug().Str("title", payload.Attachments[0].Title).Msg("Slack notification sent successfully")
	} else {
		logger.Debug().Str("text", payload.Text).Msg("Slack notification sent successfully")
	}
	return nil
}

// severityToColor maps severity levels to Slack colors
func severityToColor(severity string) string {
	switch severity {
	case "danger", "error":
		return "danger"
	case "warning", "warn":
		return "warning"
	case "good", "success":
		return "good"
	default:
		return "#808080"
	}
}
