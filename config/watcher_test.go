// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestWatcher_Reload(t *testing.T) {
	path := writeConfig(t, validYAML)
	ch := make(chan *Config, 1)
	w := NewWatcher(path, ch)

	if !w.Reload(context.Background()) {
		t.Fatal("Reload() = false for a valid file")
	}
	cfg := <-ch
	if cfg.MQTT.PollInterval != 30*time.Second {
		t.Errorf("reloaded PollInterval = %v", cfg.MQTT.PollInterval)
	}
}

func TestWatcher_ReloadInvalidKeepsRunningConfig(t *testing.T) {
	path := writeConfig(t, validYAML)
	ch := make(chan *Config, 1)
	w := NewWatcher(path, ch)

	broken := strings.Replace(validYAML, "poll_interval: 30s", "poll_interval: 10ms", 1)
	if err := os.WriteFile(path, []byte(broken), 0600); err != nil {
		t.Fatal(err)
	}

	if w.Reload(context.Background()) {
		t.Error("Reload() = true for an invalid file")
	}
	select {
	case cfg := <-ch:
		t.Errorf("unexpected config published: %+v", cfg.MQTT)
	default:
	}
}

func TestWatcher_ReloadCancelled(t *testing.T) {
	path := writeConfig(t, validYAML)
	w := NewWatcher(path, make(chan *Config))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if w.Reload(ctx) {
		t.Error("Reload() = true with nobody receiving and a cancelled context")
	}
}

func TestWatcher_StartStop(t *testing.T) {
	w := NewWatcher(writeConfig(t, validYAML), make(chan *Config, 1))
	w.Start(context.Background())
	w.Stop()
	w.Stop()
}
