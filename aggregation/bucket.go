// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package aggregation turns the reading ledger into daily, monthly and
// per-channel consumption.
//
// Each persisted reading carries the consumption it adds to its own local
// day (TodayDelta) and to the day before (YesterdayDelta). A day's total is
// the sum of the positive deltas attributed to it, so duplicate or late
// readings never double count.
package aggregation

import (
	"sort"
	"time"

	"github.com/soothill/tasmota-energy-ledger/pkg/interfaces"
	"github.com/soothill/tasmota-energy-ledger/reconcile"
)

// DayTotal is the consumption of one local calendar day in kWh.
type DayTotal struct {
	Date  string  `json:"date"`
	Total float64 `json:"total"`
}

// ChannelShare is the consumption arriving through one channel.
type ChannelShare struct {
	Channel string  `json:"channel"`
	Total   float64 `json:"total"`
	Percent float64 `json:"percent"`
}

// DayUsage is the active usage time of one local day.
type DayUsage struct {
	Date  string  `json:"date"`
	Hours float64 `json:"hours"`
}

// contribution is one positive delta attributed to a day.
type contribution struct {
	day     string
	channel string
	kwh     float64
}

// contributions expands readings into the per-day amounts they carry.
func contributions(rows []interfaces.EnergyReading, loc *time.Location) []contribution {
	out := make([]contribution, 0, len(rows))
	for _, r := range rows {
		local := r.Timestamp.In(loc)
		if r.TodayDelta > 0 {
			out = append(out, contribution{day: local.Format(reconcile.DayLayout), channel: r.Channel, kwh: r.TodayDelta})
		}
		if r.YesterdayDelta > 0 {
			prev := noon(local, loc).AddDate(0, 0, -1)
			out = append(out, contribution{day: prev.Format(reconcile.DayLayout), channel: r.Channel, kwh: r.YesterdayDelta})
		}
	}
	return out
}

// Days lists the local days from the day of from to the day of to, inclusive.
func Days(from, to time.Time, loc *time.Location) []string {
	var out []string
	for d, last := noon(from, loc), noon(to, loc); !d.After(last); d = d.AddDate(0, 0, 1) {
		out = append(out, d.Format(reconcile.DayLayout))
	}
	return out
}

// noon returns local noon of the day containing t. Stepping noon by days
// never skips or repeats a date across DST changes.
func noon(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 12, 0, 0, 0, loc)
}

// StartOfDay returns local midnight of the day containing t.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// BucketDaily sums the readings' positive deltas into the given days. Every
// day is present in the result; days without readings total 0. Deltas
// attributed to days outside the list are ignored.
func BucketDaily(rows []interfaces.EnergyReading, loc *time.Location, days []string) []DayTotal {
	index := make(map[string]int, len(days))
	out := make([]DayTotal, len(days))
	for i, d := range days {
		index[d] = i
		out[i] = DayTotal{Date: d}
	}
	for _, c := range contributions(rows, loc) {
		if i, ok := index[c.day]; ok {
			out[i].Total += c.kwh
		}
	}
	return out
}

// BucketChannels sums positive deltas attributed to days in [fromDay, toDay]
// by channel. Percentages add up to 100 when anything was consumed.
func BucketChannels(rows []interfaces.EnergyReading, loc *time.Location, fromDay, toDay string) []ChannelShare {
	totals := make(map[string]float64)
	var grand float64
	for _, c := range contributions(rows, loc) {
		if c.day < fromDay || c.day > toDay {
			continue
		}
		totals[c.channel] += c.kwh
		grand += c.kwh
	}

	out := make([]ChannelShare, 0, len(totals))
	for ch, total := range totals {
		share := ChannelShare{Channel: ch, Total: total}
		if grand > 0 {
			share.Percent = total / grand * 100
		}
		out = append(out, share)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Channel < out[j].Channel
	})
	return out
}

// BucketUsage measures, per local day, how long devices drew more than
// threshold watts. Each sample above threshold counts until the next sample
// of the same device, capped at maxGap. rows must be ordered by device and
// timestamp.
func BucketUsage(rows []interfaces.EnergyReading, loc *time.Location, days []string, threshold float64, maxGap time.Duration) []DayUsage {
	index := make(map[string]int, len(days))
	out := make([]DayUsage, len(days))
	for i, d := range days {
		index[d] = i
		out[i] = DayUsage{Date: d}
	}

	for i := 0; i+1 < len(rows); i++ {
		cur, next := rows[i], rows[i+1]
		if cur.DeviceID != next.DeviceID || cur.Power <= threshold {
			continue
		}
		gap := next.Timestamp.Sub(cur.Timestamp)
		if gap <= 0 {
			continue
		}
		if gap > maxGap {
			gap = maxGap
		}
		if j, ok := index[cur.Timestamp.In(loc).Format(reconcile.DayLayout)]; ok {
			out[j].Hours += gap.Hours()
		}
	}
	return out
}
