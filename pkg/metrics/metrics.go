// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package metrics provides Prometheus metrics for the energy ledger.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DevicesRegistered tracks the number of devices in the directory
	DevicesRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "energy_devices_registered",
		Help: "Number of devices registered in the device directory",
	})

	// BrokersConnected tracks the number of MQTT brokers currently connected
	BrokersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "energy_mqtt_brokers_connected",
		Help: "Number of MQTT brokers with an active connection",
	})

	// MessagesReceived counts inbound telemetry messages by suffix
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "energy_mqtt_messages_received_total",
		Help: "Total number of MQTT telemetry messages received",
	}, []string{"suffix"})

	// MessagesDropped counts messages dropped before ingestion, by reason
	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "energy_mqtt_messages_dropped_total",
		Help: "Total number of telemetry messages dropped",
	}, []string{"reason"})

	// ReadingsPersisted tracks the number of readings committed to the store
	ReadingsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "energy_readings_persisted_total",
		Help: "Total number of energy readings persisted",
	})

	// ReadingPersistErrors tracks failed reading commits
	ReadingPersistErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "energy_reading_persist_errors_total",
		Help: "Total number of energy readings that failed to persist",
	})

	// CounterResets tracks detected device counter resets
	CounterResets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "energy_counter_resets_total",
		Help: "Total number of device energy counter resets detected",
	}, []string{"device_id"})

	// ReconcileDuration tracks how long a reconcile-and-commit takes
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "energy_reconcile_duration_seconds",
		Help:    "Duration of reconciliation including the storage commit",
		Buckets: prometheus.DefBuckets,
	})

	// AccumulatedEnergy tracks the corrected accumulated total per device
	AccumulatedEnergy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "energy_accumulated_kwh",
		Help: "Corrected accumulated energy in kWh",
	}, []string{"device_id"})

	// CurrentPower tracks the current power consumption per device
	CurrentPower = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "energy_current_power_watts",
		Help: "Current power consumption in watts",
	}, []string{"device_id"})

	// CurrentVoltage tracks the current voltage per device
	CurrentVoltage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "energy_current_voltage_volts",
		Help: "Current voltage in volts",
	}, []string{"device_id"})

	// InfluxDBWritesTotal tracks the total number of mirror writes to InfluxDB
	InfluxDBWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "energy_influxdb_writes_total",
		Help: "Total number of writes to InfluxDB",
	})

	// InfluxDBWriteErrors tracks the number of failed writes to InfluxDB
	InfluxDBWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "energy_influxdb_write_errors_total",
		Help: "Total number of failed writes to InfluxDB",
	})

	// SinkErrors counts non-fatal failures of secondary reading sinks
	SinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "energy_sink_errors_total",
		Help: "Total number of failed writes to secondary sinks",
	}, []string{"sink"})

	// CircuitBreakerState exposes the storage breaker state (0 closed, 1 half-open, 2 open)
	CircuitBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "energy_storage_circuit_breaker_state",
		Help: "Storage circuit breaker state: 0 closed, 1 half-open, 2 open",
	})

	// ForecastsGenerated counts forecast runs by outcome
	ForecastsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "energy_forecasts_generated_total",
		Help: "Total number of consumption forecasts generated",
	}, []string{"outcome"})

	// DiscoveryDuration tracks how long broker discovery takes
	DiscoveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "energy_broker_discovery_duration_seconds",
		Help:    "Duration of MQTT broker discovery in seconds",
		Buckets: prometheus.DefBuckets,
	})
)
