// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package ledger is the ingestion pipeline: it decodes telemetry, resolves
// the device, reconciles and persists energy readings, and fans persisted
// readings out to the live cache and secondary sinks.
//
// Failures are classified. Malformed payloads and unknown devices are
// logged and dropped. Storage failures are returned so the caller can log
// them; the reading is lost. Sink failures are logged and never fail the
// reading.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/soothill/tasmota-energy-ledger/livecache"
	apperrors "github.com/soothill/tasmota-energy-ledger/pkg/errors"
	"github.com/soothill/tasmota-energy-ledger/pkg/interfaces"
	"github.com/soothill/tasmota-energy-ledger/pkg/logger"
	"github.com/soothill/tasmota-energy-ledger/pkg/metrics"
	"github.com/soothill/tasmota-energy-ledger/reconcile"
	"github.com/soothill/tasmota-energy-ledger/telemetry"
)

const defaultSinkTimeout = 5 * time.Second

// Reconciler commits a reading with its reconciled totals.
type Reconciler interface {
	Reconcile(ctx context.Context, reading *interfaces.EnergyReading) (*reconcile.Outcome, error)
}

// Ledger wires the pipeline stages together.
type Ledger struct {
	decoder     *telemetry.Decoder
	devices     interfaces.DeviceDirectory
	readings    interfaces.ReadingStore
	engine      Reconciler
	cache       *livecache.Cache
	publisher   interfaces.CommandPublisher
	sinks       []interfaces.ReadingSink
	sinkTimeout time.Duration
}

// New creates a ledger.
func New(decoder *telemetry.Decoder, devices interfaces.DeviceDirectory, readings interfaces.ReadingStore, engine Reconciler, cache *livecache.Cache) *Ledger {
	if cache == nil {
		cache = livecache.New()
	}
	return &Ledger{
		decoder:     decoder,
		devices:     devices,
		readings:    readings,
		engine:      engine,
		cache:       cache,
		sinkTimeout: defaultSinkTimeout,
	}
}

// AddSink registers a sink that receives every persisted reading.
func (l *Ledger) AddSink(s interfaces.ReadingSink) {
	l.sinks = append(l.sinks, s)
	logger.Info().Str("sink", s.Name()).Msg("Reading sink registered")
}

// SetPublisher sets the command publisher used by SetPower.
func (l *Ledger) SetPublisher(p interfaces.CommandPublisher) {
	l.publisher = p
}

// Cache returns the live cache.
func (l *Ledger) Cache() *livecache.Cache {
	return l.cache
}

// Ingest handles one MQTT message received from broker.
func (l *Ledger) Ingest(ctx context.Context, broker, topic string, payload []byte) error {
	msg, err := l.decoder.Decode(topic, payload)
	switch {
	case errors.Is(err, telemetry.ErrIgnoredTopic):
		return nil
	case errors.Is(err, telemetry.ErrNoEnergy):
		logger.Debug().Str("topic", topic).Msg("Telemetry without energy data")
		return nil
	case err != nil:
		metrics.MessagesDropped.WithLabelValues("decode").Inc()
		logger.Warn().Err(err).Str("topic", topic).Str("broker", broker).Msg("Dropping malformed telemetry")
		return nil
	}
	metrics.MessagesReceived.WithLabelValues(msg.Suffix).Inc()

	device, err := l.devices.LookupDeviceByTopic(ctx, msg.Topic)
	if errors.Is(err, apperrors.ErrDeviceNotFound) {
		metrics.MessagesDropped.WithLabelValues("unknown_device").Inc()
		logger.Warn().Str("topic", msg.Topic).Str("broker", broker).Msg("Dropping telemetry for unknown device")
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup device %q: %w", msg.Topic, err)
	}

	switch msg.Kind {
	case telemetry.KindPowerState:
		return l.recordPowerState(ctx, device, msg.PowerOn)
	case telemetry.KindEnergy:
		return l.recordEnergy(ctx, device, broker, msg.Reading)
	default:
		return nil
	}
}

func (l *Ledger) recordPowerState(ctx context.Context, device *interfaces.Device, on bool) error {
	if err := l.devices.SetPowerState(ctx, device.ID, on); err != nil {
		return fmt.Errorf("power state for %s: %w", device.ID, err)
	}
	logger.Debug().Str("device_id", device.ID).Bool("power_on", on).Msg("Power state updated")
	return nil
}

func (l *Ledger) recordEnergy(ctx context.Context, device *interfaces.Device, broker string, r *telemetry.Reading) error {
	if broker == "" {
		broker = device.Broker
	}
	reading := &interfaces.EnergyReading{
		DeviceID:      device.ID,
		Timestamp:     r.Timestamp,
		Power:         r.Power,
		Voltage:       r.Voltage,
		Current:       r.Current,
		ApparentPower: r.ApparentPower,
		ReactivePower: r.ReactivePower,
		PowerFactor:   r.PowerFactor,
		RawTotal:      r.Total,
		Today:         r.Today,
		Yesterday:     r.Yesterday,
		Channel:       broker,
	}

	out, err := l.engine.Reconcile(ctx, reading)
	if err != nil {
		metrics.ReadingPersistErrors.Inc()
		return err
	}
	metrics.ReadingsPersisted.Inc()

	if !out.Late {
		metrics.AccumulatedEnergy.WithLabelValues(device.ID).Set(reading.CorrectedTotal)
		metrics.CurrentPower.WithLabelValues(device.ID).Set(reading.Power)
		metrics.CurrentVoltage.WithLabelValues(device.ID).Set(reading.Voltage)
		l.cache.Set(device.ID, livecache.Entry{
			RawTotal:       reading.RawTotal,
			CorrectedTotal: reading.CorrectedTotal,
			Power:          reading.Power,
			UpdatedAt:      reading.Timestamp,
		})
	}

	l.fanOut(ctx, reading)
	return nil
}

// fanOut hands the reading to every sink. Sink errors are logged only.
func (l *Ledger) fanOut(ctx context.Context, reading *interfaces.EnergyReading) {
	for _, s := range l.sinks {
		sinkCtx, cancel := context.WithTimeout(ctx, l.sinkTimeout)
		err := s.Accept(sinkCtx, reading)
		cancel()
		if err != nil {
			metrics.SinkErrors.WithLabelValues(s.Name()).Inc()
			logger.Warn().Err(err).Str("sink", s.Name()).Str("device_id", reading.DeviceID).Msg("Sink rejected reading")
		}
	}
}

// GetAccumulatedTotal returns the corrected total of the latest persisted
// reading. A cached entry that disagrees with it and is not newer is
// overwritten; devices not seen by this process stay out of the cache.
func (l *Ledger) GetAccumulatedTotal(ctx context.Context, deviceID string) (float64, error) {
	latest, err := l.readings.LatestReading(ctx, deviceID)
	if err != nil {
		return 0, err
	}

	cached, ok := l.cache.Entry(deviceID)
	if ok && cached.CorrectedTotal != latest.CorrectedTotal && !cached.UpdatedAt.After(latest.Timestamp) {
		l.cache.Set(deviceID, livecache.Entry{
			RawTotal:       latest.RawTotal,
			CorrectedTotal: latest.CorrectedTotal,
			Power:          latest.Power,
			UpdatedAt:      latest.Timestamp,
		})
	}
	return latest.CorrectedTotal, nil
}

// GetLiveTotal returns the cached total. It reports false for a device
// this process has not received telemetry from, even when persisted
// history exists.
func (l *Ledger) GetLiveTotal(deviceID string) (float64, bool) {
	return l.cache.Get(deviceID)
}

// SetPower switches a device's relay. It returns once the broker has
// acknowledged the command.
func (l *Ledger) SetPower(ctx context.Context, topic string, on bool) error {
	if l.publisher == nil {
		return apperrors.ErrConnectionClosed
	}
	if _, err := l.devices.LookupDeviceByTopic(ctx, topic); err != nil {
		if errors.Is(err, apperrors.ErrDeviceNotFound) {
			return fmt.Errorf("%w: %s", apperrors.ErrUnknownDevice, topic)
		}
		return err
	}
	return l.publisher.PublishPower(ctx, topic, on)
}
