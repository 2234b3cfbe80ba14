// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package aggregation

import (
	"context"
	"fmt"
	"time"

	"github.com/soothill/tasmota-energy-ledger/pkg/interfaces"
	"github.com/soothill/tasmota-energy-ledger/reconcile"
)

// Defaults for usage measurement.
const (
	DefaultUsageThresholdW = 5.0
	DefaultMaxSampleGap    = 15 * time.Minute
)

// Engine answers consumption queries from the reading ledger.
type Engine struct {
	store          interfaces.ReadingStore
	loc            *time.Location
	usageThreshold float64
	maxGap         time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithUsageThreshold sets the power in watts above which a device counts as in use.
func WithUsageThreshold(watts float64) Option {
	return func(e *Engine) { e.usageThreshold = watts }
}

// WithMaxSampleGap caps how long a single sample can count as usage.
func WithMaxSampleGap(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.maxGap = d
		}
	}
}

// NewEngine creates an Engine bucketing by local days in loc.
func NewEngine(store interfaces.ReadingStore, loc *time.Location, opts ...Option) *Engine {
	if loc == nil {
		loc = time.Local
	}
	e := &Engine{
		store:          store,
		loc:            loc,
		usageThreshold: DefaultUsageThresholdW,
		maxGap:         DefaultMaxSampleGap,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Location returns the energy timezone.
func (e *Engine) Location() *time.Location {
	return e.loc
}

// deltaWindow fetches every reading that can carry a delta for the days
// from..to: the readings of those days plus the day after, whose
// YesterdayDelta belongs to the last day.
func (e *Engine) deltaWindow(ctx context.Context, deviceIDs []string, from, to time.Time) ([]interfaces.EnergyReading, error) {
	start := StartOfDay(from, e.loc)
	end := StartOfDay(to, e.loc).AddDate(0, 0, 2)
	return e.store.ListDeltas(ctx, deviceIDs, start, end)
}

// Daily returns the total of every local day from the day of from to the
// day of to, inclusive.
func (e *Engine) Daily(ctx context.Context, deviceIDs []string, from, to time.Time) ([]DayTotal, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("daily aggregate: end %s before start %s", to.Format(time.RFC3339), from.Format(time.RFC3339))
	}
	days := Days(from, to, e.loc)
	if len(deviceIDs) == 0 {
		return BucketDaily(nil, e.loc, days), nil
	}

	rows, err := e.deltaWindow(ctx, deviceIDs, from, to)
	if err != nil {
		return nil, fmt.Errorf("daily aggregate: %w", err)
	}
	return BucketDaily(rows, e.loc, days), nil
}

func monthBounds(year int, month time.Month, loc *time.Location) (first, last time.Time) {
	first = time.Date(year, month, 1, 0, 0, 0, 0, loc)
	last = first.AddDate(0, 1, -1)
	return first, last
}

// Monthly returns the consumption of a calendar month, summed directly
// from the ledger rows.
func (e *Engine) Monthly(ctx context.Context, deviceIDs []string, year int, month time.Month) (float64, error) {
	if len(deviceIDs) == 0 {
		return 0, nil
	}
	first, last := monthBounds(year, month, e.loc)
	rows, err := e.deltaWindow(ctx, deviceIDs, first, last)
	if err != nil {
		return 0, fmt.Errorf("monthly aggregate: %w", err)
	}

	prefix := fmt.Sprintf("%04d-%02d-", year, int(month))
	var total float64
	for _, c := range contributions(rows, e.loc) {
		if len(c.day) == len(reconcile.DayLayout) && c.day[:8] == prefix {
			total += c.kwh
		}
	}
	return total, nil
}

// MonthTotal is the consumption of one calendar month.
type MonthTotal struct {
	Year  int        `json:"year"`
	Month time.Month `json:"month"`
	Total float64    `json:"total"`
}

// MonthlyTotals returns the total of each month of year, as the sum of its
// daily totals.
func (e *Engine) MonthlyTotals(ctx context.Context, deviceIDs []string, year int) ([]MonthTotal, error) {
	first := time.Date(year, time.January, 1, 0, 0, 0, 0, e.loc)
	last := time.Date(year, time.December, 31, 0, 0, 0, 0, e.loc)
	daily, err := e.Daily(ctx, deviceIDs, first, last)
	if err != nil {
		return nil, fmt.Errorf("monthly totals: %w", err)
	}

	out := make([]MonthTotal, 12)
	for i := range out {
		out[i] = MonthTotal{Year: year, Month: time.Month(i + 1)}
	}
	for _, d := range daily {
		day, err := time.ParseInLocation(reconcile.DayLayout, d.Date, e.loc)
		if err != nil {
			return nil, fmt.Errorf("monthly totals: %w", err)
		}
		out[day.Month()-1].Total += d.Total
	}
	return out, nil
}

// Yesterday returns the consumption of the local day before now.
func (e *Engine) Yesterday(ctx context.Context, deviceIDs []string, now time.Time) (float64, error) {
	y := noon(now, e.loc).AddDate(0, 0, -1)
	daily, err := e.Daily(ctx, deviceIDs, y, y)
	if err != nil {
		return 0, err
	}
	return daily[0].Total, nil
}

// ChannelBreakdown splits the consumption of the days from..to by channel.
func (e *Engine) ChannelBreakdown(ctx context.Context, deviceIDs []string, from, to time.Time) ([]ChannelShare, error) {
	if len(deviceIDs) == 0 {
		return nil, nil
	}
	rows, err := e.deltaWindow(ctx, deviceIDs, from, to)
	if err != nil {
		return nil, fmt.Errorf("channel breakdown: %w", err)
	}
	return BucketChannels(rows, e.loc, reconcile.DayOf(from, e.loc), reconcile.DayOf(to, e.loc)), nil
}

// DailyUsage returns the active usage hours of every day from..to.
func (e *Engine) DailyUsage(ctx context.Context, deviceIDs []string, from, to time.Time) ([]DayUsage, error) {
	days := Days(from, to, e.loc)
	if len(deviceIDs) == 0 {
		return BucketUsage(nil, e.loc, days, e.usageThreshold, e.maxGap), nil
	}
	start := StartOfDay(from, e.loc)
	end := StartOfDay(to, e.loc).AddDate(0, 0, 1)
	rows, err := e.store.ListUsageSamples(ctx, deviceIDs, start, end)
	if err != nil {
		return nil, fmt.Errorf("daily usage: %w", err)
	}
	return BucketUsage(rows, e.loc, days, e.usageThreshold, e.maxGap), nil
}
