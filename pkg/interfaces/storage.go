// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package interfaces defines the domain types and the abstract interfaces
// for core system components. Components depend on these interfaces so
// tests can substitute in-memory fakes.
package interfaces

import (
	"context"
	"time"
)

// DeviceDirectory resolves and updates registered devices.
type DeviceDirectory interface {
	// LookupDeviceByTopic returns errors.ErrDeviceNotFound when no device
	// uses the topic.
	LookupDeviceByTopic(ctx context.Context, topic string) (*Device, error)
	ListDevices(ctx context.Context) ([]Device, error)
	ListDevicesByOwner(ctx context.Context, ownerID string) ([]Device, error)
	SetPowerState(ctx context.Context, deviceID string, on bool) error
}

// StateStore persists reconciliation state together with the readings it
// produced.
type StateStore interface {
	// LoadState returns nil with no error when the device has no history.
	LoadState(ctx context.Context, deviceID string) (*AccumulatedState, error)

	// RecordReading commits the new state and appends the reading in one
	// transaction.
	RecordReading(ctx context.Context, state *AccumulatedState, reading *EnergyReading) error
}

// ReadingStore reads the reading ledger for aggregation.
type ReadingStore interface {
	// ListDeltas returns readings for the devices in [from, to) ordered by
	// device and timestamp, with only the delta and channel columns set.
	ListDeltas(ctx context.Context, deviceIDs []string, from, to time.Time) ([]EnergyReading, error)

	// ListUsageSamples returns readings in [from, to) ordered by device and
	// timestamp, with only the power column set.
	ListUsageSamples(ctx context.Context, deviceIDs []string, from, to time.Time) ([]EnergyReading, error)

	// LatestReading returns errors.ErrDeviceNotFound when the device has no readings.
	LatestReading(ctx context.Context, deviceID string) (*EnergyReading, error)
}

// PredictionStore persists forecasts.
type PredictionStore interface {
	SavePrediction(ctx context.Context, p *ConsumptionPrediction) error

	// LatestPrediction returns nil with no error when the user has none.
	LatestPrediction(ctx context.Context, userID string) (*ConsumptionPrediction, error)
}

// ReadingSink receives every persisted reading. Sink failures never fail
// ingestion.
type ReadingSink interface {
	Name() string
	Accept(ctx context.Context, reading *EnergyReading) error
}

// TimeSeriesStorage defines the interface for the time-series mirror.
type TimeSeriesStorage interface {
	// WriteReading writes a single reading to storage
	WriteReading(reading *EnergyReading) error

	// WriteBatch writes multiple readings to storage efficiently
	WriteBatch(readings []*EnergyReading) error

	// Flush ensures all pending writes are completed
	Flush()

	// Close gracefully shuts down the storage connection
	Close()

	// Health checks if the storage backend is healthy
	Health(ctx context.Context) error
}

// Store is the complete system of record.
type Store interface {
	DeviceDirectory
	StateStore
	ReadingStore
	PredictionStore

	EnsureUser(ctx context.Context, id, name string) error
	RegisterDevice(ctx context.Context, d *Device) error
	ListOwners(ctx context.Context) ([]string, error)
	Health(ctx context.Context) error
	Close() error
}
