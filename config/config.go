// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package config provides configuration management for the energy ledger.
//
// Configuration is read from a YAML file, then environment overrides and
// defaults are applied, then the result is validated. Struct tags cover
// field-level rules; cross-field rules are checked by hand.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	apperrors "github.com/soothill/tasmota-energy-ledger/pkg/errors"
	"github.com/soothill/tasmota-energy-ledger/pkg/util"
)

// Driver names for database.driver.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config represents the application configuration
type Config struct {
	Database      DatabaseConfig      `yaml:"database"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	Energy        EnergyConfig        `yaml:"energy"`
	Forecast      ForecastConfig      `yaml:"forecast"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	Redis         RedisConfig         `yaml:"redis"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Cache         CacheConfig         `yaml:"cache"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Logging       LoggingConfig       `yaml:"logging"`
	Health        HealthConfig        `yaml:"health"`
	Users         []UserConfig        `yaml:"users" validate:"dive"`
	Devices       []DeviceConfig      `yaml:"devices" validate:"dive"`
}

// DatabaseConfig holds the system of record settings
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" validate:"oneof=postgres memory"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"gte=0"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout" validate:"gte=0"`
}

// MQTTConfig holds broker connection and polling settings
type MQTTConfig struct {
	Brokers          []string      `yaml:"brokers"`
	Prefixes         []string      `yaml:"prefixes"`
	Username         string        `yaml:"username"`
	Password         string        `yaml:"password"`
	QoS              int           `yaml:"qos" validate:"gte=0,lte=2"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	Workers          int           `yaml:"workers" validate:"gte=0,lte=256"`
	QueueSize        int           `yaml:"queue_size" validate:"gte=0"`
	Discover         bool          `yaml:"discover"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
	ServiceType      string        `yaml:"service_type"`
	Domain           string        `yaml:"domain"`
}

// EnergyConfig holds reconciliation and aggregation settings
type EnergyConfig struct {
	Timezone          string        `yaml:"timezone"`
	ResetToleranceKWh float64       `yaml:"reset_tolerance_kwh" validate:"gte=0"`
	UsageThresholdW   float64       `yaml:"usage_threshold_w" validate:"gte=0"`
	MaxSampleGap      time.Duration `yaml:"max_sample_gap" validate:"gte=0"`
}

// ForecastConfig holds the forecaster constants and its schedule
type ForecastConfig struct {
	Enabled            bool    `yaml:"enabled"`
	Schedule           string  `yaml:"schedule"`
	Tariff             float64 `yaml:"tariff" validate:"gte=0"`
	SummerMonths       []int   `yaml:"summer_months" validate:"dive,min=1,max=12"`
	SeasonalMultiplier float64 `yaml:"seasonal_multiplier" validate:"gte=0"`
	FixedPowerKW       float64 `yaml:"fixed_power_kw" validate:"gte=0"`
	HistoryDays        int     `yaml:"history_days" validate:"gte=0,lte=3650"`
}

// InfluxDBConfig holds InfluxDB mirror settings. The mirror is disabled
// when URL is empty.
type InfluxDBConfig struct {
	URL          string `yaml:"url"`
	Token        string `yaml:"token"`
	Organization string `yaml:"organization"`
	Bucket       string `yaml:"bucket"`
}

// RedisConfig holds the Redis live-total mirror settings. Disabled when URL
// is empty.
type RedisConfig struct {
	URL string        `yaml:"url"`
	TTL time.Duration `yaml:"ttl" validate:"gte=0"`
}

// KafkaConfig holds the reading export settings. Disabled when no broker
// is listed.
type KafkaConfig struct {
	Brokers []string      `yaml:"brokers"`
	Topic   string        `yaml:"topic"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// CacheConfig holds the InfluxDB spill cache settings
type CacheConfig struct {
	Directory string        `yaml:"directory"`
	MaxSize   int64         `yaml:"max_size" validate:"gte=0"`
	MaxAge    time.Duration `yaml:"max_age" validate:"gte=0"`
}

// NotificationsConfig holds alerting settings
type NotificationsConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url" validate:"omitempty,url"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
}

// HealthConfig holds the health and metrics server settings
type HealthConfig struct {
	Address string `yaml:"address"`
}

// UserConfig declares a device owner.
type UserConfig struct {
	ID   string `yaml:"id" validate:"required"`
	Name string `yaml:"name"`
}

// DeviceConfig declares a device to register at startup.
type DeviceConfig struct {
	ID     string `yaml:"id" validate:"required"`
	Name   string `yaml:"name"`
	Topic  string `yaml:"topic" validate:"required,excludesall=/+#"`
	Broker string `yaml:"broker"`
	Owner  string `yaml:"owner" validate:"required"`
}

var validate = validator.New()

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Load reads configuration from a YAML file and applies environment variable overrides
func Load(path string) (*Config, error) {
	data, err := util.ReadFileSafely(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies overrides and defaults, and
// validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to the configuration
func (c *Config) applyEnvironmentOverrides() {
	setString := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	setList := func(env string, dst *[]string) {
		if v := os.Getenv(env); v != "" {
			*dst = splitList(v)
		}
	}

	setString("DATABASE_DRIVER", &c.Database.Driver)
	setString("DATABASE_DSN", &c.Database.DSN)
	setList("MQTT_BROKERS", &c.MQTT.Brokers)
	setString("MQTT_USERNAME", &c.MQTT.Username)
	setString("MQTT_PASSWORD", &c.MQTT.Password)
	setString("ENERGY_TIMEZONE", &c.Energy.Timezone)
	setString("INFLUXDB_URL", &c.InfluxDB.URL)
	setString("INFLUXDB_TOKEN", &c.InfluxDB.Token)
	setString("INFLUXDB_ORG", &c.InfluxDB.Organization)
	setString("INFLUXDB_BUCKET", &c.InfluxDB.Bucket)
	setString("REDIS_URL", &c.Redis.URL)
	setList("KAFKA_BROKERS", &c.Kafka.Brokers)
	setString("SLACK_WEBHOOK_URL", &c.Notifications.SlackWebhookURL)
	setString("LOG_LEVEL", &c.Logging.Level)

	if interval := os.Getenv("MQTT_POLL_INTERVAL"); interval != "" {
		duration, parseErr := time.ParseDuration(interval)
		if parseErr == nil {
			c.MQTT.PollInterval = duration
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse MQTT_POLL_INTERVAL '%s': %v\n", interval, parseErr)
		}
	}
	if tariff := os.Getenv("FORECAST_TARIFF"); tariff != "" {
		v, parseErr := strconv.ParseFloat(tariff, 64)
		if parseErr == nil {
			c.Forecast.Tariff = v
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse FORECAST_TARIFF '%s': %v\n", tariff, parseErr)
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// setDefaults sets default values for configuration fields if not provided
func (c *Config) setDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverPostgres
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 30 * time.Minute
	}

	if len(c.MQTT.Prefixes) == 0 {
		c.MQTT.Prefixes = []string{"tele", "stat"}
	}
	if c.MQTT.PollInterval == 0 {
		c.MQTT.PollInterval = 60 * time.Second
	}
	if c.MQTT.Workers == 0 {
		c.MQTT.Workers = 4
	}
	if c.MQTT.QueueSize == 0 {
		c.MQTT.QueueSize = 100
	}
	if c.MQTT.DiscoveryTimeout == 0 {
		c.MQTT.DiscoveryTimeout = 5 * time.Second
	}
	if c.MQTT.ServiceType == "" {
		c.MQTT.ServiceType = "_mqtt._tcp"
	}
	if c.MQTT.Domain == "" {
		c.MQTT.Domain = "local."
	}

	if c.Energy.Timezone == "" {
		c.Energy.Timezone = "Local"
	}
	if c.Energy.ResetToleranceKWh == 0 {
		c.Energy.ResetToleranceKWh = 0.01
	}
	if c.Energy.UsageThresholdW == 0 {
		c.Energy.UsageThresholdW = 5
	}
	if c.Energy.MaxSampleGap == 0 {
		c.Energy.MaxSampleGap = 15 * time.Minute
	}

	if c.Forecast.Schedule == "" {
		c.Forecast.Schedule = "0 2 1 * *"
	}
	if c.Forecast.Tariff == 0 {
		c.Forecast.Tariff = 0.25
	}
	if len(c.Forecast.SummerMonths) == 0 {
		c.Forecast.SummerMonths = []int{6, 7, 8}
	}
	if c.Forecast.SeasonalMultiplier == 0 {
		c.Forecast.SeasonalMultiplier = 1.15
	}
	if c.Forecast.FixedPowerKW == 0 {
		c.Forecast.FixedPowerKW = 1.0
	}
	if c.Forecast.HistoryDays == 0 {
		c.Forecast.HistoryDays = 180
	}

	if c.Redis.TTL == 0 {
		c.Redis.TTL = 24 * time.Hour
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "energy.readings"
	}
	if c.Kafka.Timeout == 0 {
		c.Kafka.Timeout = 5 * time.Second
	}

	if c.Cache.Directory == "" {
		c.Cache.Directory = "./cache"
	}
	if c.Cache.MaxSize == 0 {
		c.Cache.MaxSize = 100 * 1024 * 1024
	}
	if c.Cache.MaxAge == 0 {
		c.Cache.MaxAge = 24 * time.Hour
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Health.Address == "" {
		c.Health.Address = "localhost:9090"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fieldError(err)
	}

	checks := []func() error{
		c.validateDatabase,
		c.validateMQTT,
		c.validateEnergy,
		c.validateForecast,
		c.validateInfluxDB,
		c.validateLogging,
		c.validateDevices,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// fieldError turns the first validator failure into a ConfigError.
func fieldError(err error) error {
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		fe := verrs[0]
		return apperrors.NewConfigError(fe.Namespace(), fmt.Sprint(fe.Value()),
			fmt.Errorf("%w: failed %q rule", apperrors.ErrInvalidConfig, fe.Tag()))
	}
	return apperrors.NewConfigError("", "", err)
}

func invalid(field, format string, args ...any) error {
	return apperrors.NewConfigError(field, "", fmt.Errorf("%w: "+format, append([]any{apperrors.ErrInvalidConfig}, args...)...))
}

func (c *Config) validateDatabase() error {
	if c.Database.Driver == DriverPostgres && c.Database.DSN == "" {
		return invalid("database.dsn", "required for the postgres driver")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return invalid("database.max_idle_conns", "must not exceed database.max_open_conns")
	}
	return nil
}

func (c *Config) validateMQTT() error {
	if len(c.MQTT.Brokers) == 0 && !c.MQTT.Discover {
		return invalid("mqtt.brokers", "at least one broker is required unless mqtt.discover is set")
	}
	for _, b := range c.MQTT.Brokers {
		u, err := url.Parse(b)
		if err != nil || u.Host == "" {
			return invalid("mqtt.brokers", "%q is not a broker URL such as tcp://host:1883", b)
		}
		switch u.Scheme {
		case "tcp", "ssl", "tls", "ws", "wss", "mqtt", "mqtts":
		default:
			return invalid("mqtt.brokers", "unsupported scheme %q", u.Scheme)
		}
	}
	if c.MQTT.PollInterval < time.Second {
		return invalid("mqtt.poll_interval", "must be at least 1 second")
	}
	if c.MQTT.PollInterval > 24*time.Hour {
		return invalid("mqtt.poll_interval", "must not exceed 24 hours")
	}
	return nil
}

func (c *Config) validateEnergy() error {
	if _, err := time.LoadLocation(c.Energy.Timezone); err != nil {
		return apperrors.NewConfigError("energy.timezone", c.Energy.Timezone, err)
	}
	return nil
}

func (c *Config) validateForecast() error {
	if _, err := cronParser.Parse(c.Forecast.Schedule); err != nil {
		return apperrors.NewConfigError("forecast.schedule", c.Forecast.Schedule, err)
	}
	return nil
}

// validateInfluxDB validates the optional InfluxDB mirror
func (c *Config) validateInfluxDB() error {
	if c.InfluxDB.URL == "" {
		return nil
	}

	parsedURL, parseErr := url.Parse(c.InfluxDB.URL)
	if parseErr != nil {
		return apperrors.NewConfigError("influxdb.url", c.InfluxDB.URL, parseErr)
	}
	if securityErr := validateURLSecurity(parsedURL); securityErr != nil {
		return securityErr
	}

	if len(c.InfluxDB.Token) < 8 {
		return invalid("influxdb.token", "must be at least 8 characters long")
	}
	if c.InfluxDB.Organization == "" {
		return invalid("influxdb.organization", "required when influxdb.url is set")
	}
	if c.InfluxDB.Bucket == "" {
		return invalid("influxdb.bucket", "required when influxdb.url is set")
	}
	return nil
}

// validateURLSecurity checks if the URL uses HTTPS for non-local connections
func validateURLSecurity(parsedURL *url.URL) error {
	if parsedURL.Scheme != "http" {
		return nil
	}

	hostname := strings.ToLower(parsedURL.Hostname())
	isLocal := hostname == "localhost" ||
		hostname == "127.0.0.1" ||
		hostname == "::1" ||
		strings.HasPrefix(hostname, "192.168.") ||
		strings.HasPrefix(hostname, "10.") ||
		strings.HasPrefix(hostname, "172.")

	if !isLocal {
		return invalid("influxdb.url", "must use HTTPS for non-local connections (got %s)", parsedURL.Scheme)
	}
	return nil
}

// validateLogging validates the logging configuration
func (c *Config) validateLogging() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true,
		"warning": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[c.Logging.Level] {
		return invalid("logging.level", "must be one of: debug, info, warn, error, fatal, panic")
	}
	return nil
}

// validateDevices checks owners exist and IDs and topics are unique.
func (c *Config) validateDevices() error {
	users := make(map[string]bool, len(c.Users))
	for _, u := range c.Users {
		if users[u.ID] {
			return invalid("users", "duplicate user id %q", u.ID)
		}
		users[u.ID] = true
	}

	ids := make(map[string]bool, len(c.Devices))
	topics := make(map[string]string, len(c.Devices))
	for _, d := range c.Devices {
		if ids[d.ID] {
			return invalid("devices", "duplicate device id %q", d.ID)
		}
		ids[d.ID] = true
		if other, ok := topics[d.Topic]; ok {
			return invalid("devices", "topic %q used by %q and %q", d.Topic, other, d.ID)
		}
		topics[d.Topic] = d.ID
		if !users[d.Owner] {
			return invalid("devices", "device %q owner %q is not a configured user", d.ID, d.Owner)
		}
	}
	return nil
}

// Location returns the energy timezone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Energy.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Tariff returns the forecast tariff per kWh.
func (c *Config) Tariff() decimal.Decimal {
	return decimal.NewFromFloat(c.Forecast.Tariff)
}

// SummerMonths returns the configured summer months.
func (c *Config) SummerMonths() []time.Month {
	out := make([]time.Month, 0, len(c.Forecast.SummerMonths))
	for _, m := range c.Forecast.SummerMonths {
		out = append(out, time.Month(m))
	}
	return out
}
