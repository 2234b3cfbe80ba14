// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package reconcile

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/soothill/tasmota-energy-ledger/pkg/errors"
	"github.com/soothill/tasmota-energy-ledger/pkg/interfaces"
	"github.com/soothill/tasmota-energy-ledger/pkg/logger"
	"github.com/soothill/tasmota-energy-ledger/pkg/metrics"
)

// DefaultTolerance is the largest counter drop, in kWh, treated as jitter.
const DefaultTolerance = 0.01

// Engine reconciles readings against persisted state. Persisted state is
// read on every call, so a restarted process continues from the stored
// offset rather than from anything cached in memory.
type Engine struct {
	store     interfaces.StateStore
	tolerance float64
	loc       *time.Location
	locks     *KeyedMutex
}

// NewEngine creates an engine. tolerance below zero is treated as zero.
func NewEngine(store interfaces.StateStore, tolerance float64, loc *time.Location) *Engine {
	if tolerance < 0 {
		tolerance = 0
	}
	if loc == nil {
		loc = time.Local
	}
	return &Engine{
		store:     store,
		tolerance: tolerance,
		loc:       loc,
		locks:     NewKeyedMutex(),
	}
}

// Tolerance returns the configured reset tolerance in kWh.
func (e *Engine) Tolerance() float64 {
	return e.tolerance
}

// Reconcile fills in reading.CorrectedTotal and the day deltas, then commits
// the reading and the new state in one storage transaction. Calls for the
// same device are serialized.
//
// reading must carry DeviceID, Timestamp, RawTotal, Today and Yesterday.
func (e *Engine) Reconcile(ctx context.Context, reading *interfaces.EnergyReading) (*Outcome, error) {
	start := time.Now()
	defer func() { metrics.ReconcileDuration.Observe(time.Since(start).Seconds()) }()

	unlock := e.locks.Lock(reading.DeviceID)
	defer unlock()

	prev, err := e.store.LoadState(ctx, reading.DeviceID)
	if err != nil {
		return nil, apperrors.NewReconcileError(reading.DeviceID, fmt.Errorf("load state: %w", err))
	}

	out := Step(reading.DeviceID, prev, Input{
		Raw:       reading.RawTotal,
		Today:     reading.Today,
		Yesterday: reading.Yesterday,
		Day:       DayOf(reading.Timestamp, e.loc),
		At:        reading.Timestamp,
	}, e.tolerance)

	reading.CorrectedTotal = out.Corrected
	reading.TodayDelta = out.TodayDelta
	reading.YesterdayDelta = out.YesterdayDelta

	if err := e.store.RecordReading(ctx, &out.State, reading); err != nil {
		return nil, apperrors.NewReconcileError(reading.DeviceID, fmt.Errorf("commit: %w", err))
	}

	log := logger.With().Str("device_id", reading.DeviceID).Logger()
	switch {
	case out.Reset:
		metrics.CounterResets.WithLabelValues(reading.DeviceID).Inc()
		log.Info().
			Float64("raw_total", reading.RawTotal).
			Float64("previous_raw", prevRaw(prev)).
			Float64("offset", out.State.Offset).
			Msg("Counter reset detected")
	case out.Late:
		log.Warn().
			Time("timestamp", reading.Timestamp).
			Str("last_day", prev.LastDay).
			Msg("Late reading stored without deltas")
	}

	return &out, nil
}

func prevRaw(s *interfaces.AccumulatedState) float64 {
	if s == nil {
		return 0
	}
	return s.LastRawTotal
}
