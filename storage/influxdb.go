// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package storage provides the PostgreSQL system of record for the energy
// ledger and the InfluxDB time-series mirror.
package storage

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	apperrors "github.com/soothill/tasmota-energy-ledger/pkg/errors"
	"github.com/soothill/tasmota-energy-ledger/pkg/interfaces"
	"github.com/soothill/tasmota-energy-ledger/pkg/logger"
	"github.com/soothill/tasmota-energy-ledger/pkg/metrics"
)

// Measurement is the InfluxDB measurement readings are written to.
const Measurement = "energy_reading"

// InfluxDBStorage mirrors reconciled readings to InfluxDB. Writes are
// blocking so that failures surface to the caller and can be spilled to
// the local cache.
type InfluxDBStorage struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewInfluxDBStorage creates a new InfluxDB storage client
func NewInfluxDBStorage(url, token, org, bucket string) (*InfluxDBStorage, error) {
	client := influxdb2.NewClient(url, token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, apperrors.NewNetworkError("influxdb health", url, err)
	}

	if health.Status != "pass" {
		client.Close()
		message := "unknown error"
		if health.Message != nil {
			message = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", message)
	}

	logger.Info().
		Str("url", url).
		Str("org", org).
		Str("bucket", bucket).
		Str("status", string(health.Status)).
		Msg("Connected to InfluxDB")

	return &InfluxDBStorage{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
	}, nil
}

func validateReading(reading *interfaces.EnergyReading) error {
	if reading == nil {
		return fmt.Errorf("reading cannot be nil")
	}
	if reading.DeviceID == "" {
		return fmt.Errorf("device ID cannot be empty")
	}
	if reading.Timestamp.IsZero() {
		return fmt.Errorf("timestamp cannot be zero")
	}
	return nil
}

// readingPoint converts a reading into an InfluxDB point.
func readingPoint(reading *interfaces.EnergyReading) *write.Point {
	return influxdb2.NewPoint(
		Measurement,
		map[string]string{
			"device_id": reading.DeviceID,
			"channel":   reading.Channel,
		},
		map[string]interface{}{
			"power":           reading.Power,
			"voltage":         reading.Voltage,
			"current":         reading.Current,
			"apparent_power":  reading.ApparentPower,
			"reactive_power":  reading.ReactivePower,
			"power_factor":    reading.PowerFactor,
			"raw_total":       reading.RawTotal,
			"corrected_total": reading.CorrectedTotal,
			"today":           reading.Today,
			"today_delta":     reading.TodayDelta,
			"yesterday_delta": reading.YesterdayDelta,
		},
		reading.Timestamp,
	)
}

// WriteReading writes one reading to InfluxDB.
func (s *InfluxDBStorage) WriteReading(reading *interfaces.EnergyReading) error {
	if err := validateReading(reading); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	metrics.InfluxDBWritesTotal.Inc()
	if err := s.writeAPI.WritePoint(ctx, readingPoint(reading)); err != nil {
		metrics.InfluxDBWriteErrors.Inc()
		return apperrors.NewStorageError("influxdb write", reading.DeviceID, err)
	}
	return nil
}

// WriteBatch writes multiple readings in one request.
func (s *InfluxDBStorage) WriteBatch(readings []*interfaces.EnergyReading) error {
	if readings == nil {
		return fmt.Errorf("readings slice cannot be nil")
	}

	points := make([]*write.Point, 0, len(readings))
	for i, reading := range readings {
		if err := validateReading(reading); err != nil {
			return fmt.Errorf("invalid reading at index %d: %w", i, err)
		}
		points = append(points, readingPoint(reading))
	}
	if len(points) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	metrics.InfluxDBWritesTotal.Add(float64(len(points)))
	if err := s.writeAPI.WritePoint(ctx, points...); err != nil {
		metrics.InfluxDBWriteErrors.Add(float64(len(points)))
		return apperrors.NewStorageError("influxdb batch write", "", err)
	}
	return nil
}

// Flush forces pending writes to complete.
func (s *InfluxDBStorage) Flush() {
	_ = s.writeAPI.Flush(context.Background())
}

// Close closes the InfluxDB client.
func (s *InfluxDBStorage) Close() {
	logger.Info().Msg("Closing InfluxDB connection")
	s.Flush()
	s.client.Close()
}

// Health reports whether InfluxDB is reachable and healthy.
func (s *InfluxDBStorage) Health(ctx context.Context) error {
	health, err := s.client.Health(ctx)
	if err != nil {
		return err
	}
	if health.Status != "pass" {
		return fmt.Errorf("influxdb status %s", health.Status)
	}
	return nil
}
