// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package app wires the energy ledger together: the system of record,
// the MQTT telemetry monitor, the reading sinks, the forecaster and the
// health server.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/soothill/tasmota-energy-ledger/aggregation"
	"github.com/soothill/tasmota-energy-ledger/config"
	"github.com/soothill/tasmota-energy-ledger/discovery"
	"github.com/soothill/tasmota-energy-ledger/forecast"
	"github.com/soothill/tasmota-energy-ledger/ledger"
	"github.com/soothill/tasmota-energy-ledger/livecache"
	"github.com/soothill/tasmota-energy-ledger/monitoring"
	"github.com/soothill/tasmota-energy-ledger/pkg/export"
	"github.com/soothill/tasmota-energy-ledger/pkg/interfaces"
	"github.com/soothill/tasmota-energy-ledger/pkg/logger"
	"github.com/soothill/tasmota-energy-ledger/pkg/metrics"
	"github.com/soothill/tasmota-energy-ledger/pkg/notifications"
	"github.com/soothill/tasmota-energy-ledger/reconcile"
	"github.com/soothill/tasmota-energy-ledger/storage"
	"github.com/soothill/tasmota-energy-ledger/telemetry"
)

const (
	signalChannelSize     = 1
	connectTimeout        = 10 * time.Second
	alertContextTimeout   = 5 * time.Second
	readinessCheckTimeout = 2 * time.Second
	shutdownTimeout       = 5 * time.Second
	flushTimeout          = 10 * time.Second
)

// healthChecker is anything the readiness endpoint can check.
type healthChecker interface {
	Health(ctx context.Context) error
}

// readinessCheck is one named dependency of /ready.
type readinessCheck struct {
	name    string
	checker healthChecker
}

// App represents the main application
type App struct {
	cfgMu sync.RWMutex
	cfg   *config.Config

	store      interfaces.Store
	ledger     *ledger.Ledger
	monitor    *monitoring.TelemetryMonitor
	forecaster *forecast.Service
	scheduler  *forecast.Scheduler
	notifier   *notifications.SlackNotifier

	mirror *storage.CachingStorage
	redis  *livecache.RedisMirror
	kafka  *export.KafkaSink

	server        *http.Server
	configWatcher *config.Watcher

	wg           sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	closeOnce    sync.Once
}

// New creates a new application instance. It opens the system of record,
// registers the configured fleet and connects every enabled sink, but does
// not connect to any MQTT broker.
func New(ctx context.Context, cfg *config.Config, configWatcher *config.Watcher) (*App, error) {
	a := &App{
		cfg:           cfg,
		configWatcher: configWatcher,
	}

	a.notifier = notifications.NewSlackNotifier(cfg.Notifications.SlackWebhookURL)
	if a.notifier.IsEnabled() {
		logger.Info().Msg("Slack notifications enabled")
	} else {
		logger.Info().Msg("Slack notifications disabled (no webhook URL configured)")
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a.store = store

	if err := registerFleet(ctx, store, cfg); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to register devices: %w", err)
	}

	loc := cfg.Location()
	engine := reconcile.NewEngine(store, cfg.Energy.ResetToleranceKWh, loc)
	a.ledger = ledger.New(telemetry.NewDecoder(loc), store, store, engine, livecache.New())

	if err := a.initializeSinks(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize sinks: %w", err)
	}

	brokers, err := resolveBrokers(ctx, cfg)
	if err != nil {
		if a.notifier.IsEnabled() {
			alertCtx, alertCancel := context.WithTimeout(context.Background(), alertContextTimeout)
			if notifyErr := sendDiscoveryFailure(alertCtx, a.notifier, err); notifyErr != nil {
				logger.Error().Err(notifyErr).Msg("Failed to send discovery failure alert")
			}
			alertCancel()
		}
		a.Close()
		return nil, err
	}

	a.monitor = monitoring.NewTelemetryMonitor(monitoring.Options{
		Brokers:        brokers,
		Prefixes:       cfg.MQTT.Prefixes,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		QoS:            byte(cfg.MQTT.QoS),
		PollInterval:   cfg.MQTT.PollInterval,
		Workers:        cfg.MQTT.Workers,
		QueueSize:      cfg.MQTT.QueueSize,
		ConnectTimeout: connectTimeout,
	}, store, a.ledger.Ingest)
	a.monitor.SetNotifier(a.notifier)
	a.ledger.SetPublisher(a.monitor)

	agg := aggregation.NewEngine(store, loc,
		aggregation.WithUsageThreshold(cfg.Energy.UsageThresholdW),
		aggregation.WithMaxSampleGap(cfg.Energy.MaxSampleGap),
	)
	a.forecaster = forecast.NewService(store, store, agg, forecastParams(cfg), cfg.Forecast.HistoryDays)
	a.forecaster.SetNotifier(a.notifier)

	if cfg.Forecast.Enabled {
		a.scheduler, err = forecast.NewScheduler(cfg.Forecast.Schedule, loc, func(ctx context.Context) {
			a.forecaster.GenerateAll(ctx, a.store)
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to schedule forecasts: %w", err)
		}
	}

	a.server = a.newHealthServer(cfg.Health.Address)
	return a, nil
}

// openStore opens the configured system of record.
func openStore(ctx context.Context, cfg *config.Config) (interfaces.Store, error) {
	if cfg.Database.Driver == config.DriverMemory {
		logger.Warn().Msg("Using in-memory store, readings are lost on restart")
		return storage.NewMemoryStore(cfg.Location()), nil
	}
	return storage.NewPostgresStore(ctx, storage.PostgresOptions{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		Location:        cfg.Location(),
		Breaker: storage.BreakerSettings{
			FailureThreshold: cfg.Database.BreakerFailures,
			ResetTimeout:     cfg.Database.BreakerTimeout,
		},
	})
}

// registerFleet upserts the configured users and devices.
func registerFleet(ctx context.Context, store interfaces.Store, cfg *config.Config) error {
	for _, u := range cfg.Users {
		if err := store.EnsureUser(ctx, u.ID, u.Name); err != nil {
			return fmt.Errorf("user %s: %w", u.ID, err)
		}
	}
	for _, d := range cfg.Devices {
		device := &interfaces.Device{
			ID:      d.ID,
			Name:    d.Name,
			Topic:   d.Topic,
			Broker:  d.Broker,
			OwnerID: d.Owner,
		}
		if err := store.RegisterDevice(ctx, device); err != nil {
			return fmt.Errorf("device %s: %w", d.ID, err)
		}
	}

	devices, err := store.ListDevices(ctx)
	if err != nil {
		return err
	}
	metrics.DevicesRegistered.Set(float64(len(devices)))
	logger.Info().Int("users", len(cfg.Users)).Int("devices", len(devices)).Msg("Device directory ready")
	return nil
}

// resolveBrokers returns the configured brokers, falling back to mDNS
// discovery when none are listed and discovery is enabled.
func resolveBrokers(ctx context.Context, cfg *config.Config) ([]string, error) {
	if len(cfg.MQTT.Brokers) > 0 || !cfg.MQTT.Discover {
		return cfg.MQTT.Brokers, nil
	}

	logger.Info().Str("service", cfg.MQTT.ServiceType).Msg("No brokers configured, browsing for MQTT brokers")
	scanner := discovery.NewScanner(cfg.MQTT.ServiceType, cfg.MQTT.Domain)
	brokers, err := discovery.BrokerURLs(ctx, scanner, cfg.MQTT.DiscoveryTimeout)
	if err != nil {
		return nil, fmt.Errorf("broker discovery failed: %w", err)
	}
	logger.Info().Strs("brokers", brokers).Msg("Discovered MQTT brokers")
	return brokers, nil
}

func sendDiscoveryFailure(ctx context.Context, notifier interfaces.Notifier, err error) error {
	return notifier.SendAlert(ctx, "warning", "⚠️ MQTT Broker Discovery Failure",
		fmt.Sprintf("No MQTT broker configured and none found via mDNS: %v", err))
}

// forecastParams converts the forecast section into model constants.
func forecastParams(cfg *config.Config) forecast.Params {
	p := forecast.DefaultParams()
	p.Tariff = cfg.Tariff()
	if months := cfg.SummerMonths(); len(months) > 0 {
		p.SummerMonths = months
	}
	if cfg.Forecast.SeasonalMultiplier > 0 {
		p.SeasonalMultiplier = cfg.Forecast.SeasonalMultiplier
	}
	if cfg.Forecast.FixedPowerKW > 0 {
		p.FixedPowerKW = cfg.Forecast.FixedPowerKW
	}
	return p
}

// initializeSinks connects the optional mirrors and registers them with
// the ledger.
func (a *App) initializeSinks(ctx context.Context) error {
	cfg := a.cfg

	if cfg.InfluxDB.URL != "" {
		influxDB, err := storage.NewInfluxDBStorage(
			cfg.InfluxDB.URL,
			cfg.InfluxDB.Token,
			cfg.InfluxDB.Organization,
			cfg.InfluxDB.Bucket,
		)
		if err != nil {
			return fmt.Errorf("failed to initialize InfluxDB: %w", err)
		}

		cache, err := storage.NewLocalCache(cfg.Cache.Directory, cfg.Cache.MaxSize, cfg.Cache.MaxAge)
		if err != nil {
			influxDB.Close()
			return fmt.Errorf("failed to initialize local cache: %w", err)
		}
		logger.Info().Str("directory", cfg.Cache.Directory).
			Int64("max_size_mb", cfg.Cache.MaxSize/(1024*1024)).
			Dur("max_age", cfg.Cache.MaxAge).
			Msg("Local cache initialized")

		a.mirror = storage.NewCachingStorage(influxDB, cache, a.notifier)
		a.ledger.AddSink(a.mirror)
	}

	if cfg.Redis.URL != "" {
		mirror, err := livecache.NewRedisMirror(ctx, cfg.Redis.URL, cfg.Redis.TTL)
		if err != nil {
			return fmt.Errorf("failed to initialize Redis: %w", err)
		}
		a.redis = mirror
		a.ledger.AddSink(mirror)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		sink, err := export.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Timeout)
		if err != nil {
			return fmt.Errorf("failed to initialize Kafka export: %w", err)
		}
		a.kafka = sink
		a.ledger.AddSink(sink)
	}

	return nil
}

// readinessChecks lists what /ready checks.
func (a *App) readinessChecks() []readinessCheck {
	checks := []readinessCheck{{name: "store", checker: a.store}}
	if a.mirror != nil {
		checks = append(checks, readinessCheck{name: "influxdb", checker: a.mirror})
	}
	return checks
}

func (a *App) newHealthServer(addr string) *http.Server {
	// Create rate limiters for health endpoints
	healthLimiter := rate.NewLimiter(10, 20)
	readyLimiter := rate.NewLimiter(10, 20)
	checks := a.readinessChecks()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", rateLimitMiddleware(healthLimiter, healthCheckHandler))
	mux.HandleFunc("/ready", rateLimitMiddleware(readyLimiter, func(w http.ResponseWriter, r *http.Request) {
		readinessCheckHandler(w, r, checks)
	}))

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Config returns the configuration currently in effect.
func (a *App) Config() *config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// Ledger returns the ingestion ledger.
func (a *App) Ledger() *ledger.Ledger {
	return a.ledger
}

// Run connects to the brokers and blocks until shutdown.
func (a *App) Run(configChan <-chan *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	a.ctx = ctx
	a.cancel = cancel
	defer a.cancel()

	if a.configWatcher != nil {
		a.configWatcher.Start(ctx)
		defer a.configWatcher.Stop()
	}

	if err := a.monitor.Start(ctx); err != nil {
		a.performCleanup()
		return fmt.Errorf("failed to start telemetry monitor: %w", err)
	}
	if a.scheduler != nil {
		a.scheduler.Start()
		logger.Info().Time("next_run", a.scheduler.NextRun()).Msg("Forecast scheduler started")
	}

	a.startMetricsServer()
	a.setupSignalHandler()
	a.startConfigWatcher(configChan)

	logger.Info().Int("brokers_connected", a.monitor.ConnectedBrokers()).Msg("Energy ledger running")
	<-ctx.Done()
	logger.Info().Msg("Shutting down")
	a.performCleanup()
	return nil
}

// Shutdown stops the application. It is safe to call more than once.
func (a *App) Shutdown() {
	a.performGracefulShutdown()
}

// Forecast generates and stores one user's forecast without connecting
// to any broker.
func (a *App) Forecast(ctx context.Context, userID string) (forecast.Result, error) {
	return a.forecaster.GenerateForecast(ctx, userID)
}

// SetPower connects to the brokers, sends one power command and
// disconnects.
func (a *App) SetPower(ctx context.Context, topic string, on bool) error {
	if err := a.monitor.Start(ctx); err != nil {
		return err
	}
	defer a.monitor.Stop()
	return a.ledger.SetPower(ctx, topic, on)
}

// startMetricsServer starts the HTTP server for metrics and health checks
func (a *App) startMetricsServer() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Info().Str("addr", a.server.Addr).Msg("Starting metrics and health check server")
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

// setupSignalHandler sets up graceful shutdown on interrupt signals
func (a *App) setupSignalHandler() {
	sigChan := make(chan os.Signal, signalChannelSize)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
			a.performGracefulShutdown()
		case <-a.ctx.Done():
		}
		signal.Stop(sigChan)
	}()
}

// DumpApplicationState dumps current application state to logs
func (a *App) DumpApplicationState() {
	logger.Info().Msg("=== APPLICATION STATE DUMP (SIGUSR1) ===")

	ctx, cancel := context.WithTimeout(context.Background(), alertContextTimeout)
	defer cancel()

	devices, err := a.store.ListDevices(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list devices")
	}
	cache := a.ledger.Cache()
	logger.Info().
		Int("registered_devices", len(devices)).
		Int("live_totals", cache.Len()).
		Msg("Device directory state")

	for _, device := range devices {
		event := logger.Info().
			Str("device_id", device.ID).
			Str("device_name", device.Name).
			Str("topic", device.Topic).
			Str("broker", device.Broker).
			Bool("power_on", device.PowerOn)
		if entry, ok := cache.Entry(device.ID); ok {
			event = event.
				Float64("corrected_total_kwh", entry.CorrectedTotal).
				Float64("power_w", entry.Power).
				Time("updated_at", entry.UpdatedAt)
		}
		event.Msg("Registered device")
	}

	logger.Info().
		Int("brokers_connected", a.monitor.ConnectedBrokers()).
		Dur("poll_interval", a.monitor.PollInterval()).
		Msg("Monitoring state")

	if pg, ok := a.store.(*storage.PostgresStore); ok {
		logger.Info().Str("breaker_state", pg.BreakerState()).Msg("Store state")
	}
	if a.mirror != nil {
		logger.Info().Bool("caching", a.mirror.Caching()).Msg("InfluxDB mirror state")
	}
	if a.scheduler != nil {
		logger.Info().Time("next_run", a.scheduler.NextRun()).Msg("Forecast schedule")
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	logger.Info().
		Uint64("alloc_mb", m.Alloc/1024/1024).
		Uint64("total_alloc_mb", m.TotalAlloc/1024/1024).
		Uint32("num_gc", m.NumGC).
		Int("num_goroutines", runtime.NumGoroutine()).
		Msg("Runtime statistics")

	logger.Info().Msg("=== END STATE DUMP ===")
}

// DumpGoroutineStackTraces dumps all goroutine stack traces to logs
func DumpGoroutineStackTraces() {
	logger.Info().Msg("=== GOROUTINE STACK TRACES (SIGUSR2) ===")
	logger.Info().Int("num_goroutines", runtime.NumGoroutine()).Msg("Current goroutine count")

	buf := make([]byte, 1024*1024) // 1MB buffer
	stackLen := runtime.Stack(buf, true)
	logger.Info().Str("stack_traces", string(buf[:stackLen])).Msg("Full stack trace")

	logger.Info().Msg("=== END STACK TRACES ===")
}

// performGracefulShutdown handles graceful shutdown of all components
func (a *App) performGracefulShutdown() {
	a.shutdownOnce.Do(func() {
		logger.Info().Msg("Initiating graceful shutdown...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if a.server != nil {
			if err := a.server.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("HTTP server shutdown error")
			} else {
				logger.Info().Msg("HTTP server stopped")
			}
		}

		if a.scheduler != nil {
			a.scheduler.Stop()
		}
		a.monitor.Stop()
		if a.configWatcher != nil {
			a.configWatcher.Stop()
		}
		if a.cancel != nil {
			a.cancel()
		}
	})
}

// performCleanup flushes the mirrors, waits for goroutines to finish and
// closes every connection.
func (a *App) performCleanup() {
	if a.mirror != nil {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), flushTimeout)
		defer flushCancel()

		flushDone := make(chan struct{})
		go func() {
			a.mirror.Flush()
			close(flushDone)
		}()

		select {
		case <-flushDone:
			logger.Info().Msg("InfluxDB flush completed")
		case <-flushCtx.Done():
			logger.Warn().Msg("InfluxDB flush timeout - some data may be lost")
		}
	}

	logger.Info().Msg("Waiting for goroutines to finish...")
	a.wg.Wait()
	a.Close()
	logger.Info().Msg("All goroutines finished, exiting")
}

// Close releases every connection the application holds. It is used on
// its own after one-shot commands.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.monitor != nil {
			a.monitor.Stop()
		}
		if a.mirror != nil {
			a.mirror.Close()
		}
		if a.redis != nil {
			if err := a.redis.Close(); err != nil {
				logger.Warn().Err(err).Msg("Failed to close Redis connection")
			}
		}
		if a.kafka != nil {
			if err := a.kafka.Close(); err != nil {
				logger.Warn().Err(err).Msg("Failed to close Kafka writer")
			}
		}
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				logger.Warn().Err(err).Msg("Failed to close store")
			}
		}
	})
}

// UpdateConfig applies the settings of newCfg that can change without a
// restart. Everything else takes effect on the next start.
func (a *App) UpdateConfig(newCfg *config.Config) {
	a.cfgMu.Lock()
	changes := config.Diff(a.cfg, newCfg)
	a.cfg = newCfg
	a.cfgMu.Unlock()

	logger.Info().Msg("Application configuration updated")

	if changes.LogLevelChanged {
		logger.InitializeWithFormat(newCfg.Logging.Level, newCfg.Logging.Format)
		logger.Info().Str("level", newCfg.Logging.Level).Msg("Log level updated")
	}
	if changes.PollIntervalChanged {
		a.monitor.SetPollInterval(newCfg.MQTT.PollInterval)
		logger.Info().Dur("new_poll_interval", newCfg.MQTT.PollInterval).Msg("Monitor poll interval updated")
	}
	if changes.TariffChanged {
		a.forecaster.SetTariff(newCfg.Tariff())
		logger.Info().Str("tariff", newCfg.Tariff().String()).Msg("Forecast tariff updated")
	}
	if changes.WebhookChanged {
		a.notifier.SetWebhookURL(newCfg.Notifications.SlackWebhookURL)
		logger.Info().Bool("enabled", a.notifier.IsEnabled()).Msg("Slack webhook updated")
	}
}

// startConfigWatcher starts a goroutine to listen for config file changes and reloads
func (a *App) startConfigWatcher(configChan <-chan *config.Config) {
	if configChan == nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-a.ctx.Done():
				logger.Info().Msg("Config watcher goroutine shutting down")
				return
			case newCfg := <-configChan:
				a.UpdateConfig(newCfg)
			}
		}
	}()
}

// rateLimitMiddleware wraps an HTTP handler with rate limiting
func rateLimitMiddleware(limiter *rate.Limiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			logger.Warn().
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Msg("Rate limit exceeded for health endpoint")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// healthCheckHandler handles health check requests
func healthCheckHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write([]byte("OK")); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write health check response")
	}
}

// readinessCheckHandler reports ready only when every check passes.
func readinessCheckHandler(w http.ResponseWriter, _ *http.Request, checks []readinessCheck) {
	ctx, cancel := context.WithTimeout(context.Background(), readinessCheckTimeout)
	defer cancel()

	for _, c := range checks {
		if err := c.checker.Health(ctx); err != nil {
			logger.Warn().Err(err).Str("check", c.name).Msg("Readiness check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			if _, writeErr := fmt.Fprintf(w, "NOT READY: %s unhealthy", c.name); writeErr != nil {
				logger.Error().Err(writeErr).Msg("Failed to write readiness check response")
			}
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write([]byte("READY")); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write readiness check response")
	}
}
