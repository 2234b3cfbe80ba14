// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package reconcile turns device-reported energy counters into a
// reset-aware running total.
//
// Tasmota counters restart from zero when a plug loses power. Advance keeps
// an offset per device so the corrected total is raw + offset and never
// decreases:
//
//	raw:       100 150 200   0  10  40
//	corrected: 100 150 200 200 210 240
//
// Drops no larger than the tolerance are jitter and hold the total. Larger
// drops are resets and move the offset to the last corrected total.
package reconcile

import (
	"math"
	"time"

	"github.com/soothill/tasmota-energy-ledger/pkg/interfaces"
)

// DayLayout formats a local calendar day.
const DayLayout = "2006-01-02"

// Counter is the reset-tracking part of a device's state.
type Counter struct {
	LastRaw   float64
	Offset    float64
	Corrected float64
}

// Advance applies one raw counter value. prev is nil for a device with no
// history, in which case raw is accepted as the floor.
func Advance(prev *Counter, raw, tolerance float64) (next Counter, reset bool) {
	if prev == nil {
		return Counter{LastRaw: raw, Offset: 0, Corrected: raw}, false
	}

	next = Counter{LastRaw: raw, Offset: prev.Offset}
	switch {
	case raw >= prev.LastRaw:
		next.Corrected = math.Max(prev.Corrected, raw+prev.Offset)
	case prev.LastRaw-raw > tolerance:
		next.Offset = prev.Corrected
		next.Corrected = raw + next.Offset
		reset = true
	default:
		next.Corrected = prev.Corrected
	}
	return next, reset
}

// Input is one reading as seen by Step.
type Input struct {
	Raw       float64
	Today     float64
	Yesterday float64
	Day       string // local day of the reading, DayLayout
	At        time.Time
}

// Outcome is the result of Step.
type Outcome struct {
	State          interfaces.AccumulatedState
	Corrected      float64
	TodayDelta     float64
	YesterdayDelta float64
	Reset          bool
	Late           bool
}

// Step reconciles one reading against the persisted state of deviceID.
//
// Besides the corrected total it derives the per-reading day deltas from
// the device's own Today and Yesterday counters. TodayDelta belongs to
// in.Day, YesterdayDelta to the day before. Re-delivered readings yield
// zero deltas. A reading older than the last applied one, by day or by
// timestamp, is late: it yields zero deltas and the state is returned
// unchanged, so a lower raw total arriving out of order is never taken for
// a reset.
func Step(deviceID string, prev *interfaces.AccumulatedState, in Input, tolerance float64) Outcome {
	if prev != nil && isLate(prev, in) {
		return Outcome{State: *prev, Corrected: prev.CorrectedTotal, Late: true}
	}

	var prevCounter *Counter
	if prev != nil {
		prevCounter = &Counter{LastRaw: prev.LastRawTotal, Offset: prev.Offset, Corrected: prev.CorrectedTotal}
	}
	counter, reset := Advance(prevCounter, in.Raw, tolerance)

	out := Outcome{
		Corrected: counter.Corrected,
		Reset:     reset,
		State: interfaces.AccumulatedState{
			DeviceID:       deviceID,
			LastRawTotal:   counter.LastRaw,
			Offset:         counter.Offset,
			CorrectedTotal: counter.Corrected,
			LastToday:      in.Today,
			LastDay:        in.Day,
			UpdatedAt:      in.At,
		},
	}

	switch {
	case prev == nil || prev.LastDay == "":
		out.TodayDelta = in.Today
		out.YesterdayDelta = in.Yesterday

	case in.Day == prev.LastDay:
		switch {
		case in.Today >= prev.LastToday:
			out.TodayDelta = in.Today - prev.LastToday
		case prev.LastToday-in.Today > tolerance:
			// Today restarted mid-day; everything it reports is new.
			out.TodayDelta = in.Today
		default:
			out.State.LastToday = prev.LastToday
		}

	default:
		out.TodayDelta = in.Today
		if previousDay(in.Day) == prev.LastDay {
			out.YesterdayDelta = math.Max(0, in.Yesterday-prev.LastToday)
		} else {
			out.YesterdayDelta = in.Yesterday
		}
	}
	return out
}

func isLate(prev *interfaces.AccumulatedState, in Input) bool {
	if prev.LastDay != "" && in.Day < prev.LastDay {
		return true
	}
	return !prev.UpdatedAt.IsZero() && in.At.Before(prev.UpdatedAt)
}

// DayOf returns the local calendar day of t in loc.
func DayOf(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DayLayout)
}

func previousDay(day string) string {
	t, err := time.Parse(DayLayout, day)
	if err != nil {
		return ""
	}
	return t.AddDate(0, 0, -1).Format(DayLayout)
}
