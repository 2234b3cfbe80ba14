// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/soothill/tasmota-energy-ledger/pkg/logger"
)

// Watcher reloads the configuration file on SIGHUP and publishes every
// configuration that validates. Invalid files are logged and ignored, so
// the running configuration stays in effect.
type Watcher struct {
	path       string
	configChan chan<- *Config
	reloadChan chan os.Signal
	cancelFunc context.CancelFunc
}

// NewWatcher creates a new configuration watcher.
func NewWatcher(path string, configChan chan<- *Config) *Watcher {
	return &Watcher{
		path:       path,
		configChan: configChan,
		reloadChan: make(chan os.Signal, 1),
	}
}

// Start begins watching for SIGHUP signals to trigger a configuration reload.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancelFunc = context.WithCancel(ctx)
	signal.Notify(w.reloadChan, syscall.SIGHUP)

	go w.watch(ctx)
}

// Stop stops the configuration watcher.
func (w *Watcher) Stop() {
	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	signal.Stop(w.reloadChan)
}

func (w *Watcher) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.reloadChan:
			logger.Info().Msg("SIGHUP received, reloading configuration")
			w.Reload(ctx)
		}
	}
}

// Reload reads the file once and publishes it when valid. It reports
// whether a configuration was published.
func (w *Watcher) Reload(ctx context.Context) bool {
	cfg, err := Load(w.path)
	if err != nil {
		logger.Error().Err(err).Str("path", w.path).Msg("Failed to reload configuration")
		return false
	}
	select {
	case w.configChan <- cfg:
		logger.Info().Msg("Configuration reloaded successfully")
		return true
	case <-ctx.Done():
		return false
	}
}

// Reloadable lists the settings that take effect without a restart.
type Reloadable struct {
	PollIntervalChanged bool
	TariffChanged       bool
	WebhookChanged      bool
	LogLevelChanged     bool
}

// Diff reports which reloadable settings differ between old and next.
func Diff(old, next *Config) Reloadable {
	return Reloadable{
		PollIntervalChanged: old.MQTT.PollInterval != next.MQTT.PollInterval,
		TariffChanged:       old.Forecast.Tariff != next.Forecast.Tariff,
		WebhookChanged:      old.Notifications.SlackWebhookURL != next.Notifications.SlackWebhookURL,
		LogLevelChanged:     old.Logging.Level != next.Logging.Level,
	}
}
