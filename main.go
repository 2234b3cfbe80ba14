// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/soothill/tasmota-energy-ledger/app"
	"github.com/soothill/tasmota-energy-ledger/config"
	apperrors "github.com/soothill/tasmota-energy-ledger/pkg/errors"
	"github.com/soothill/tasmota-energy-ledger/pkg/logger"
	"github.com/soothill/tasmota-energy-ledger/storage"
)

const (
	healthCheckTimeout = 5 * time.Second
	commandTimeout     = 30 * time.Second
	startupTimeout     = time.Minute
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	healthCheck := flag.Bool("health-check", false, "Perform health check and exit")
	validateConfig := flag.Bool("validate-config", false, "Validate configuration file and exit")
	forecastUser := flag.String("forecast", "", "Generate next month's forecast for a user and exit")
	powerCommand := flag.String("power", "", "Switch a device and exit, e.g. kitchen_plug:on")
	flag.Parse()

	if *healthCheck {
		os.Exit(performHealthCheck(*configPath))
	}

	if *validateConfig {
		os.Exit(performConfigValidation(*configPath))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Initialize("error")
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.InitializeWithFormat(cfg.Logging.Level, cfg.Logging.Format)

	if *forecastUser != "" {
		os.Exit(runForecast(cfg, *forecastUser))
	}
	if *powerCommand != "" {
		os.Exit(runPowerCommand(cfg, *powerCommand))
	}

	logger.Info().Msg("Starting Tasmota energy ledger")
	logger.Info().Strs("brokers", cfg.MQTT.Brokers).
		Dur("poll_interval", cfg.MQTT.PollInterval).
		Str("timezone", cfg.Energy.Timezone).
		Msg("Configuration loaded")

	configChan := make(chan *config.Config)
	configWatcher := config.NewWatcher(*configPath, configChan)

	startCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	application, err := app.New(startCtx, cfg, configWatcher)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create application")
	}

	setupDebugSignalHandlers(application)

	if err := application.Run(configChan); err != nil {
		logger.Fatal().Err(err).Msg("Application stopped with an error")
	}
}

// runForecast generates one user's forecast and prints it as JSON.
func runForecast(cfg *config.Config, userID string) int {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	application, err := app.New(ctx, cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Forecast failed: %v\n", err)
		return 1
	}
	defer application.Close()

	result, err := application.Forecast(ctx, userID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Forecast failed: %v\n", err)
		return 1
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Forecast failed: %v\n", err)
		return 1
	}
	fmt.Println(string(out))
	if !result.Success {
		return 2
	}
	return 0
}

// parsePowerCommand splits "topic:on" or "topic:off".
func parsePowerCommand(s string) (string, bool, error) {
	topic, state, ok := strings.Cut(s, ":")
	if !ok || topic == "" {
		return "", false, apperrors.NewValidationError("power", s, "expected <topic>:on or <topic>:off")
	}
	switch strings.ToLower(state) {
	case "on", "1", "true":
		return topic, true, nil
	case "off", "0", "false":
		return topic, false, nil
	default:
		return "", false, apperrors.NewValidationError("power", s, "state must be on or off")
	}
}

// runPowerCommand sends one power command and exits.
func runPowerCommand(cfg *config.Config, command string) int {
	topic, on, err := parsePowerCommand(command)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Power command failed: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	application, err := app.New(ctx, cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Power command failed: %v\n", err)
		return 1
	}
	defer application.Close()

	if err := application.SetPower(ctx, topic, on); err != nil {
		fmt.Fprintf(os.Stderr, "Power command failed: %v\n", err)
		return 1
	}
	state := "OFF"
	if on {
		state = "ON"
	}
	fmt.Printf("Sent POWER %s to %s\n", state, topic)
	return 0
}

// performHealthCheck performs a health check and returns exit code
func performHealthCheck(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: could not load config: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	if cfg.Database.Driver == config.DriverPostgres {
		store, err := storage.NewPostgresStore(ctx, storage.PostgresOptions{DSN: cfg.Database.DSN, Location: cfg.Location()})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Health check failed: could not connect to PostgreSQL: %v\n", err)
			return 1
		}
		defer func() { _ = store.Close() }()

		if err := store.Health(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Health check failed: PostgreSQL is unhealthy: %v\n", err)
			return 1
		}
	}

	if cfg.InfluxDB.URL != "" {
		influxDB, err := storage.NewInfluxDBStorage(
			cfg.InfluxDB.URL,
			cfg.InfluxDB.Token,
			cfg.InfluxDB.Organization,
			cfg.InfluxDB.Bucket,
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Health check failed: could not create InfluxDB client: %v\n", err)
			return 1
		}
		defer influxDB.Close()

		if err := influxDB.Health(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Health check failed: InfluxDB is unhealthy: %v\n", err)
			return 1
		}
	}

	fmt.Println("Health check passed")
	return 0
}

// performConfigValidation validates the configuration file and returns exit code
func performConfigValidation(configPath string) int {
	logger.Initialize("info")
	logger.Info().Str("path", configPath).Msg("Validating configuration file")

	if err := config.ValidateWithSchema(configPath); err != nil {
		logger.Error().Err(err).Msg("Configuration schema validation failed")
		fmt.Fprintf(os.Stderr, "\n❌ Configuration validation FAILED\n")
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Msg("Configuration validation failed")
		fmt.Fprintf(os.Stderr, "\n❌ Configuration validation FAILED\n")
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		return 1
	}

	fmt.Println("\n✅ Configuration validation PASSED")
	fmt.Println("\nConfiguration summary:")
	fmt.Printf("  Database Driver: %s\n", cfg.Database.Driver)
	fmt.Printf("  MQTT Brokers: %s\n", strings.Join(cfg.MQTT.Brokers, ", "))
	fmt.Printf("  MQTT Discovery: %t\n", cfg.MQTT.Discover)
	fmt.Printf("  Telemetry Prefixes: %s\n", strings.Join(cfg.MQTT.Prefixes, ", "))
	fmt.Printf("  Poll Interval: %s\n", cfg.MQTT.PollInterval)
	fmt.Printf("  Timezone: %s\n", cfg.Energy.Timezone)
	fmt.Printf("  Reset Tolerance: %g kWh\n", cfg.Energy.ResetToleranceKWh)
	fmt.Printf("  Forecast Schedule: %s (enabled: %t)\n", cfg.Forecast.Schedule, cfg.Forecast.Enabled)
	fmt.Printf("  Tariff: %s per kWh\n", cfg.Tariff().String())
	fmt.Printf("  Users: %d\n", len(cfg.Users))
	fmt.Printf("  Devices: %d\n", len(cfg.Devices))
	printSink("InfluxDB Mirror", cfg.InfluxDB.URL != "")
	printSink("Redis Mirror", cfg.Redis.URL != "")
	printSink("Kafka Export", len(cfg.Kafka.Brokers) > 0)
	printSink("Slack Notifications", cfg.Notifications.SlackWebhookURL != "")

	fmt.Println("\nAll validation checks passed. Configuration is ready for use.")
	return 0
}

func printSink(name string, enabled bool) {
	if enabled {
		fmt.Printf("  %s: Enabled\n", name)
	} else {
		fmt.Printf("  %s: Disabled\n", name)
	}
}
