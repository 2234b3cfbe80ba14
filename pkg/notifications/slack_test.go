// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/soothill/tasmota-energy-ledger/pkg/errors"
)

func okServer(t *testing.T, hits *int32, got *SlackMessage) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST request, got %s", r.Method)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected Content-Type application/json, got %s", r.Header.Get("Content-Type"))
		}
		if got != nil {
			_ = json.NewDecoder(r.Body).Decode(got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestNewSlackNotifier(t *testing.T) {
	tests := []struct {
		name        string
		webhookURL  string
		wantEnabled bool
	}{
		{"with webhook URL", "https://hooks.slack.com/services/test", true},
		{"empty webhook URL", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			notifier := NewSlackNotifier(tt.webhookURL)
			if notifier.IsEnabled() != tt.wantEnabled {
				t.Errorf("IsEnabled() = %v, want %v", notifier.IsEnabled(), tt.wantEnabled)
			}
		})
	}
}

func TestSlackNotifier_SendMessage(t *testing.T) {
	var hits int32
	server := okServer(t, &hits, nil)

	notifier := NewSlackNotifier(server.URL)
	if err := notifier.SendMessage(context.Background(), "Test message"); err != nil {
		t.Errorf("SendMessage() error = %v", err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Error("Expected webhook to be called once")
	}
}

func TestSlackNotifier_Disabled(t *testing.T) {
	notifier := NewSlackNotifier("")
	ctx := context.Background()

	if err := notifier.SendMessage(ctx, "Test message"); err != nil {
		t.Errorf("SendMessage() with disabled notifier error = %v", err)
	}
	if err := notifier.SendAlert(ctx, "danger", "t", "m"); err != nil {
		t.Errorf("SendAlert() with disabled notifier error = %v", err)
	}
}

func TestSlackNotifier_SendAlertPayload(t *testing.T) {
	var hits int32
	var got SlackMessage
	server := okServer(t, &hits, &got)

	notifier := NewSlackNotifier(server.URL)
	if err := notifier.SendAlert(context.Background(), "warn", "Title", "Body"); err != nil {
		t.Fatalf("SendAlert() error = %v", err)
	}

	if len(got.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(got.Attachments))
	}
	a := got.Attachments[0]
	if a.Color != "warning" || a.Title != "Title" || a.Text != "Body" || a.Footer != footer {
		t.Errorf("unexpected attachment %+v", a)
	}
}

func TestSlackNotifier_DomainAlerts(t *testing.T) {
	var hits int32
	server := okServer(t, &hits, nil)

	notifier := NewSlackNotifier(server.URL)
	ctx := context.Background()

	sends := map[string]func() error{
		"mirror failure":      func() error { return notifier.SendMirrorFailure(ctx, fmt.Errorf("connection timeout")) },
		"mirror recovery":     func() error { return notifier.SendMirrorRecovery(ctx) },
		"cache warning":       func() error { return notifier.SendCacheWarning(ctx, 8*1024*1024, 10*1024*1024) },
		"broker disconnected": func() error { return notifier.SendBrokerDisconnected(ctx, "tcp://mqtt:1883", fmt.Errorf("EOF")) },
		"forecast failure":    func() error { return notifier.SendForecastFailure(ctx, "user-1", fmt.Errorf("db down")) },
	}
	for name, send := range sends {
		if err := send(); err != nil {
			t.Errorf("%s: error = %v", name, err)
		}
	}
	if int(atomic.LoadInt32(&hits)) != len(sends) {
		t.Errorf("webhook hits = %d, want %d", hits, len(sends))
	}
}

func TestSlackNotifier_SetWebhookURL(t *testing.T) {
	var hits int32
	server := okServer(t, &hits, nil)

	notifier := NewSlackNotifier("")
	notifier.SetWebhookURL(server.URL)
	if !notifier.IsEnabled() {
		t.Fatal("notifier should be enabled after SetWebhookURL")
	}
	if err := notifier.SendMessage(context.Background(), "reloaded"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	notifier.SetWebhookURL("")
	if notifier.IsEnabled() {
		t.Error("notifier should be disabled after clearing the webhook")
	}
}

func TestSlackNotifier_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL)
	err := notifier.SendMessage(context.Background(), "Test message")
	if err == nil {
		t.Fatal("Expected error for server error response")
	}
	if !apperrors.IsNotificationError(err) {
		t.Errorf("error should be a NotificationError, got %T", err)
	}
}

func TestSlackNotifier_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := notifier.SendMessage(ctx, "Test message"); err == nil {
		t.Error("Expected error when context expires")
	}
}

func TestSeverityToColor(t *testing.T) {
	tests := []struct {
		severity string
		want     string
	}{
		{"danger", "danger"},
		{"error", "danger"},
		{"warning", "warning"},
		{"warn", "warning"},
		{"good", "good"},
		{"success", "good"},
		{"info", "#808080"},
		{"", "#808080"},
	}

	for _, tt := range tests {
		t.Run(tt.severity, func(t *testing.T) {
			if got := severityToColor(tt.severity); got != tt.want {
				t.Errorf("severityToColor(%q) = %q, want %q", tt.severity, got, tt.want)
			}
		})
	}
}
