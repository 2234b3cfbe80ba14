// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package forecast projects next-month consumption from aggregated history.
// The projection is a fixed set of rules over daily totals; nothing is
// trained and the reported accuracy is a constant per confidence tier.
package forecast

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Confidence labels.
const (
	ConfidenceLow    = "low"
	ConfidenceMedium = "medium"
	ConfidenceHigh   = "high"
)

// Projection methods.
const (
	MethodTrend = "trend"
	MethodUsage = "usage"
)

// Tier thresholds and clamps.
const (
	MediumConfidenceDays = 30
	HighConfidenceDays   = 90
	UsageDaysRequired    = 15
	TrendWindowDays      = 30
	MinTrend             = 0.5
	MaxTrend             = 2.0
)

var accuracyByConfidence = map[string]float64{
	ConfidenceLow:    0.6,
	ConfidenceMedium: 0.75,
	ConfidenceHigh:   0.85,
}

// Features is the aggregated history a projection is based on.
type Features struct {
	// DailyTotals are kWh per day, oldest first. Days with zero consumption
	// are not valid days.
	DailyTotals []float64
	// UsageHours are active usage hours per day, oldest first.
	UsageHours []float64
	// ChannelPercent maps channel to its share of consumption in percent.
	ChannelPercent map[string]float64

	TargetYear  int
	TargetMonth time.Month
}

// Params are the tunable constants of the projection.
type Params struct {
	Tariff             decimal.Decimal
	SummerMonths       []time.Month
	SeasonalMultiplier float64
	FixedPowerKW       float64
}

// DefaultParams returns the standard projection constants.
func DefaultParams() Params {
	return Params{
		Tariff:             decimal.NewFromFloat(0.25),
		SummerMonths:       []time.Month{time.June, time.July, time.August},
		SeasonalMultiplier: 1.15,
		FixedPowerKW:       1.0,
	}
}

// Estimate is the projection for the target month.
type Estimate struct {
	Consumption         float64
	Cost                decimal.Decimal
	Confidence          string
	Accuracy            float64
	Method              string
	ValidDays           int
	UsageDays           int
	AverageDaily        float64
	Trend               float64
	Seasonal            float64
	DaysInMonth         int
	ChannelContribution map[string]float64
}

// DaysIn returns the number of days of month in year.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func positives(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if v > 0 {
			out = append(out, v)
		}
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// trend compares the average of the last TrendWindowDays valid days with
// the average of the days before them. Without enough history it is 1.
func trend(valid []float64) float64 {
	if len(valid) <= TrendWindowDays {
		return 1
	}
	recent := mean(valid[len(valid)-TrendWindowDays:])
	prior := mean(valid[:len(valid)-TrendWindowDays])
	if prior <= 0 {
		return 1
	}
	return math.Min(MaxTrend, math.Max(MinTrend, recent/prior))
}

// Confidence returns the tier for the given amount of history.
func Confidence(validDays, usageDays int) string {
	switch {
	case validDays >= HighConfidenceDays || usageDays >= UsageDaysRequired:
		return ConfidenceHigh
	case validDays >= MediumConfidenceDays:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

func (p Params) seasonal(month time.Month) float64 {
	for _, m := range p.SummerMonths {
		if m == month && p.SeasonalMultiplier > 0 {
			return p.SeasonalMultiplier
		}
	}
	return 1
}

// Project computes the estimate for f.TargetMonth. It is deterministic.
func Project(f Features, p Params) Estimate {
	valid := positives(f.DailyTotals)
	usage := positives(f.UsageHours)
	days := DaysIn(f.TargetYear, f.TargetMonth)

	est := Estimate{
		ValidDays:    len(valid),
		UsageDays:    len(usage),
		AverageDaily: mean(valid),
		Trend:        trend(valid),
		Seasonal:     p.seasonal(f.TargetMonth),
		DaysInMonth:  days,
	}

	if est.UsageDays >= UsageDaysRequired && p.FixedPowerKW > 0 {
		est.Method = MethodUsage
		est.Consumption = mean(usage) * p.FixedPowerKW * float64(days)
	} else {
		est.Method = MethodTrend
		est.Consumption = est.AverageDaily * est.Trend * float64(days)
	}
	est.Consumption = round(est.Consumption*est.Seasonal, 3)

	est.Confidence = Confidence(est.ValidDays, est.UsageDays)
	est.Accuracy = accuracyByConfidence[est.Confidence]
	est.Cost = p.Tariff.Mul(decimal.NewFromFloat(est.Consumption)).Round(2)

	if len(f.ChannelPercent) > 0 {
		est.ChannelContribution = make(map[string]float64, len(f.ChannelPercent))
		for ch, pct := range f.ChannelPercent {
			est.ChannelContribution[ch] = round(est.Consumption*pct/100, 3)
		}
	}
	return est
}

func round(v float64, places int) float64 {
	return decimal.NewFromFloat(v).Round(int32(places)).InexactFloat64()
}
