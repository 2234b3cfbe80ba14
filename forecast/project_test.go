// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package forecast

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		valid, usage int
		want         string
	}{
		{0, 0, ConfidenceLow},
		{29, 0, ConfidenceLow},
		{30, 0, ConfidenceMedium},
		{59, 0, ConfidenceMedium},
		{60, 0, ConfidenceMedium},
		{89, 14, ConfidenceMedium},
		{90, 0, ConfidenceHigh},
		{5, 15, ConfidenceHigh},
	}
	for _, tt := range tests {
		if got := Confidence(tt.valid, tt.usage); got != tt.want {
			t.Errorf("Confidence(%d, %d) = %s, want %s", tt.valid, tt.usage, got, tt.want)
		}
	}
}

func TestDaysIn(t *testing.T) {
	assert.Equal(t, 28, DaysIn(2025, time.February))
	assert.Equal(t, 29, DaysIn(2024, time.February))
	assert.Equal(t, 31, DaysIn(2025, time.December))
}

func TestProject_FlatHistory(t *testing.T) {
	params := DefaultParams()
	params.Tariff = decimal.RequireFromString("0.30")

	est := Project(Features{
		DailyTotals: repeat(10, 40),
		TargetYear:  2025,
		TargetMonth: time.April,
	}, params)

	assert.Equal(t, MethodTrend, est.Method)
	assert.Equal(t, 40, est.ValidDays)
	assert.Equal(t, 1.0, est.Trend)
	assert.Equal(t, 1.0, est.Seasonal)
	assert.InDelta(t, 300.0, est.Consumption, 1e-9)
	assert.True(t, est.Cost.Equal(decimal.RequireFromString("90")), est.Cost.String())
	assert.Equal(t, ConfidenceMedium, est.Confidence)
	assert.Equal(t, 0.75, est.Accuracy)
}

func TestProject_ZeroDaysAreNotValid(t *testing.T) {
	totals := append(repeat(0, 20), repeat(6, 10)...)
	est := Project(Features{DailyTotals: totals, TargetYear: 2025, TargetMonth: time.April}, DefaultParams())

	assert.Equal(t, 10, est.ValidDays)
	assert.Equal(t, 6.0, est.AverageDaily)
	assert.Equal(t, ConfidenceLow, est.Confidence)
}

func TestProject_NoHistory(t *testing.T) {
	est := Project(Features{TargetYear: 2025, TargetMonth: time.April}, DefaultParams())
	assert.Zero(t, est.ValidDays)
	assert.Zero(t, est.Consumption)
	assert.True(t, est.Cost.IsZero())
}

func TestProject_TrendIsClamped(t *testing.T) {
	rising := append(repeat(1, 60), repeat(10, 30)...)
	est := Project(Features{DailyTotals: rising, TargetYear: 2025, TargetMonth: time.April}, DefaultParams())
	assert.Equal(t, MaxTrend, est.Trend)

	falling := append(repeat(10, 60), repeat(1, 30)...)
	est = Project(Features{DailyTotals: falling, TargetYear: 2025, TargetMonth: time.April}, DefaultParams())
	assert.Equal(t, MinTrend, est.Trend)

	mild := append(repeat(4, 60), repeat(5, 30)...)
	est = Project(Features{DailyTotals: mild, TargetYear: 2025, TargetMonth: time.April}, DefaultParams())
	assert.InDelta(t, 1.25, est.Trend, 1e-9)
	assert.Equal(t, ConfidenceHigh, est.Confidence)
}

func TestProject_SummerMultiplier(t *testing.T) {
	f := Features{DailyTotals: repeat(10, 30), TargetYear: 2025, TargetMonth: time.July}
	est := Project(f, DefaultParams())

	assert.Equal(t, 1.15, est.Seasonal)
	assert.InDelta(t, 10*31*1.15, est.Consumption, 1e-6)

	params := DefaultParams()
	params.SummerMonths = []time.Month{time.December, time.January, time.February}
	est = Project(f, params)
	assert.Equal(t, 1.0, est.Seasonal)
}

func TestProject_UsageMethod(t *testing.T) {
	params := DefaultParams()
	params.FixedPowerKW = 2

	est := Project(Features{
		DailyTotals: repeat(10, 20),
		UsageHours:  append(repeat(0, 5), repeat(3, 15)...),
		TargetYear:  2025,
		TargetMonth: time.April,
	}, params)

	assert.Equal(t, MethodUsage, est.Method)
	assert.Equal(t, 15, est.UsageDays)
	assert.InDelta(t, 3*2*30.0, est.Consumption, 1e-9)
	assert.Equal(t, ConfidenceHigh, est.Confidence)
}

func TestProject_ChannelContribution(t *testing.T) {
	est := Project(Features{
		DailyTotals:    repeat(10, 30),
		ChannelPercent: map[string]float64{"broker-a": 75, "broker-b": 25},
		TargetYear:     2025,
		TargetMonth:    time.April,
	}, DefaultParams())

	assert.InDelta(t, 225.0, est.ChannelContribution["broker-a"], 1e-9)
	assert.InDelta(t, 75.0, est.ChannelContribution["broker-b"], 1e-9)
}

func TestProject_CostRoundsToCents(t *testing.T) {
	params := DefaultParams()
	params.Tariff = decimal.RequireFromString("0.2345")

	est := Project(Features{DailyTotals: repeat(1.111, 30), TargetYear: 2025, TargetMonth: time.April}, params)
	assert.Equal(t, int32(-2), est.Cost.Exponent())
}

func TestProject_Deterministic(t *testing.T) {
	f := Features{
		DailyTotals: append(repeat(3, 50), repeat(4.5, 40)...),
		UsageHours:  repeat(1, 10),
		TargetYear:  2025,
		TargetMonth: time.August,
	}
	a := Project(f, DefaultParams())
	b := Project(f, DefaultParams())
	assert.Equal(t, a.Consumption, b.Consumption)
	assert.True(t, a.Cost.Equal(b.Cost))
}
