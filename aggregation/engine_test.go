// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package aggregation

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soothill/tasmota-energy-ledger/pkg/interfaces"
)

type fakeReadingStore struct {
	rows []interfaces.EnergyReading
	err  error
}

func (f *fakeReadingStore) ListDeltas(_ context.Context, ids []string, from, to time.Time) ([]interfaces.EnergyReading, error) {
	return f.window(ids, from, to)
}

func (f *fakeReadingStore) ListUsageSamples(_ context.Context, ids []string, from, to time.Time) ([]interfaces.EnergyReading, error) {
	return f.window(ids, from, to)
}

func (f *fakeReadingStore) LatestReading(_ context.Context, _ string) (*interfaces.EnergyReading, error) {
	return nil, errors.New("not used")
}

func (f *fakeReadingStore) window(ids []string, from, to time.Time) ([]interfaces.EnergyReading, error) {
	if f.err != nil {
		return nil, f.err
	}
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []interfaces.EnergyReading
	for _, r := range f.rows {
		if want[r.DeviceID] && !r.Timestamp.Before(from) && r.Timestamp.Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func at(day string, hour int) time.Time {
	t, _ := time.ParseInLocation("2006-01-02", day, time.UTC)
	return t.Add(time.Duration(hour) * time.Hour)
}

func delta(device, day string, hour int, today, yesterday float64) interfaces.EnergyReading {
	return interfaces.EnergyReading{
		DeviceID:       device,
		Timestamp:      at(day, hour),
		TodayDelta:     today,
		YesterdayDelta: yesterday,
		Channel:        "tcp://broker-a:1883",
	}
}

func TestBucketDaily(t *testing.T) {
	rows := []interfaces.EnergyReading{
		delta("p1", "2025-03-01", 8, 0.5, 0),
		delta("p1", "2025-03-01", 20, 0.75, 0),
		delta("p1", "2025-03-03", 0, 0.1, 0.4), // 0.4 belongs to 03-02
		delta("p1", "2025-03-03", 1, -0.2, 0),  // negative deltas are ignored
	}
	days := []string{"2025-03-01", "2025-03-02", "2025-03-03", "2025-03-04"}

	got := BucketDaily(rows, time.UTC, days)
	want := []DayTotal{
		{"2025-03-01", 1.25},
		{"2025-03-02", 0.4},
		{"2025-03-03", 0.1},
		{"2025-03-04", 0},
	}
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Date, got[i].Date)
		assert.InDelta(t, want[i].Total, got[i].Total, 1e-9, want[i].Date)
	}
}

func TestDays_AcrossDST(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	from := time.Date(2025, 3, 8, 23, 0, 0, 0, ny)
	to := time.Date(2025, 3, 10, 0, 30, 0, 0, ny)
	assert.Equal(t, []string{"2025-03-08", "2025-03-09", "2025-03-10"}, Days(from, to, ny))
}

func TestEngine_DailyIncludesNextDaysYesterdayDelta(t *testing.T) {
	store := &fakeReadingStore{rows: []interfaces.EnergyReading{
		delta("p1", "2025-03-01", 10, 1, 0),
		delta("p1", "2025-03-02", 0, 0, 0.5), // late part of 03-01 reported after midnight
	}}
	e := NewEngine(store, time.UTC)

	daily, err := e.Daily(context.Background(), []string{"p1"}, at("2025-03-01", 0), at("2025-03-01", 0))
	require.NoError(t, err)
	require.Len(t, daily, 1)
	assert.InDelta(t, 1.5, daily[0].Total, 1e-9)
}

func TestEngine_DailyErrors(t *testing.T) {
	e := NewEngine(&fakeReadingStore{err: errors.New("db down")}, time.UTC)
	ctx := context.Background()

	_, err := e.Daily(ctx, []string{"p1"}, at("2025-03-02", 0), at("2025-03-01", 0))
	assert.Error(t, err)

	_, err = e.Daily(ctx, []string{"p1"}, at("2025-03-01", 0), at("2025-03-02", 0))
	assert.ErrorContains(t, err, "db down")
}

func TestEngine_NoDevices(t *testing.T) {
	e := NewEngine(&fakeReadingStore{err: errors.New("must not be called")}, time.UTC)
	ctx := context.Background()

	daily, err := e.Daily(ctx, nil, at("2025-03-01", 0), at("2025-03-03", 0))
	require.NoError(t, err)
	assert.Len(t, daily, 3)

	total, err := e.Monthly(ctx, nil, 2025, time.March)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestEngine_MonthlyBoundary(t *testing.T) {
	store := &fakeReadingStore{rows: []interfaces.EnergyReading{
		delta("p1", "2025-02-28", 23, 2, 3),  // 3 belongs to Feb 27
		delta("p1", "2025-03-01", 0, 0.1, 1), // 1 belongs to Feb 28
		delta("p1", "2025-03-01", 9, 4, 0),
		delta("p1", "2025-01-31", 12, 9, 0),
	}}
	e := NewEngine(store, time.UTC)
	ctx := context.Background()

	feb, err := e.Monthly(ctx, []string{"p1"}, 2025, time.February)
	require.NoError(t, err)
	assert.InDelta(t, 6.0, feb, 1e-9)

	mar, err := e.Monthly(ctx, []string{"p1"}, 2025, time.March)
	require.NoError(t, err)
	assert.InDelta(t, 4.1, mar, 1e-9)
}

func TestEngine_DailySumEqualsMonthly(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	sydney, err := time.LoadLocation("Australia/Sydney")
	require.NoError(t, err)

	var rows []interfaces.EnergyReading
	start := time.Date(2025, 3, 25, 0, 0, 0, 0, sydney)
	for i := 0; i < 2000; i++ {
		ts := start.Add(time.Duration(rng.Int63n(int64(50 * 24 * time.Hour))))
		rows = append(rows, interfaces.EnergyReading{
			DeviceID:       []string{"p1", "p2", "p3"}[rng.Intn(3)],
			Timestamp:      ts,
			TodayDelta:     rng.Float64() - 0.1,
			YesterdayDelta: math.Max(0, rng.Float64()-0.8),
		})
	}
	e := NewEngine(&fakeReadingStore{rows: rows}, sydney)
	ctx := context.Background()
	ids := []string{"p1", "p2", "p3"}

	for _, month := range []time.Month{time.March, time.April, time.May} {
		direct, err := e.Monthly(ctx, ids, 2025, month)
		require.NoError(t, err)

		first := time.Date(2025, month, 1, 0, 0, 0, 0, sydney)
		daily, err := e.Daily(ctx, ids, first, first.AddDate(0, 1, -1))
		require.NoError(t, err)

		var sum float64
		for _, d := range daily {
			sum += d.Total
		}
		assert.InDelta(t, direct, sum, 1e-6, month.String())
	}

	totals, err := e.MonthlyTotals(ctx, ids, 2025)
	require.NoError(t, err)
	april, err := e.Monthly(ctx, ids, 2025, time.April)
	require.NoError(t, err)
	assert.InDelta(t, april, totals[time.April-1].Total, 1e-6)
	assert.Zero(t, totals[time.January-1].Total)
}

func TestEngine_Yesterday(t *testing.T) {
	store := &fakeReadingStore{rows: []interfaces.EnergyReading{
		delta("p1", "2025-03-09", 18, 1.5, 0),
		delta("p1", "2025-03-10", 6, 0.2, 0.25),
	}}
	e := NewEngine(store, time.UTC)

	got, err := e.Yesterday(context.Background(), []string{"p1"}, at("2025-03-10", 9))
	require.NoError(t, err)
	assert.InDelta(t, 1.75, got, 1e-9)
}

func TestEngine_ChannelBreakdown(t *testing.T) {
	a := delta("p1", "2025-03-01", 10, 3, 0)
	b := delta("p2", "2025-03-01", 11, 1, 0)
	b.Channel = "tcp://broker-b:1883"
	outside := delta("p2", "2025-03-05", 11, 50, 0)
	outside.Channel = "tcp://broker-b:1883"

	e := NewEngine(&fakeReadingStore{rows: []interfaces.EnergyReading{a, b, outside}}, time.UTC)
	shares, err := e.ChannelBreakdown(context.Background(), []string{"p1", "p2"}, at("2025-03-01", 0), at("2025-03-02", 0))
	require.NoError(t, err)
	require.Len(t, shares, 2)

	assert.Equal(t, "tcp://broker-a:1883", shares[0].Channel)
	assert.InDelta(t, 75.0, shares[0].Percent, 1e-9)
	assert.InDelta(t, 25.0, shares[1].Percent, 1e-9)
	assert.InDelta(t, 100.0, shares[0].Percent+shares[1].Percent, 1e-9)
}

func TestBucketChannels_NothingConsumed(t *testing.T) {
	shares := BucketChannels([]interfaces.EnergyReading{delta("p1", "2025-03-01", 1, 0, 0)}, time.UTC, "2025-03-01", "2025-03-01")
	assert.Empty(t, shares)
}

func TestBucketUsage(t *testing.T) {
	sample := func(device string, hour float64, watts float64) interfaces.EnergyReading {
		return interfaces.EnergyReading{
			DeviceID:  device,
			Timestamp: at("2025-03-01", 0).Add(time.Duration(hour * float64(time.Hour))),
			Power:     watts,
		}
	}
	rows := []interfaces.EnergyReading{
		sample("p1", 1, 100),   // counts 0.25h until next sample
		sample("p1", 1.25, 2),  // below threshold
		sample("p1", 2, 80),    // next sample 5h later, capped at 0.5h
		sample("p1", 7, 80),    // last sample of p1, nothing follows
		sample("p2", 7.5, 500), // different device, counts until its own next sample
		sample("p2", 8, 0),
	}

	got := BucketUsage(rows, time.UTC, []string{"2025-03-01"}, 5, 30*time.Minute)
	require.Len(t, got, 1)
	assert.InDelta(t, 0.25+0.5+0.5, got[0].Hours, 1e-9)
}

func TestEngine_DailyUsage(t *testing.T) {
	rows := []interfaces.EnergyReading{
		{DeviceID: "p1", Timestamp: at("2025-03-01", 10), Power: 1000},
		{DeviceID: "p1", Timestamp: at("2025-03-01", 10).Add(10 * time.Minute), Power: 1000},
		{DeviceID: "p1", Timestamp: at("2025-03-01", 10).Add(20 * time.Minute), Power: 0},
	}
	e := NewEngine(&fakeReadingStore{rows: rows}, time.UTC, WithUsageThreshold(10), WithMaxSampleGap(time.Hour))

	usage, err := e.DailyUsage(context.Background(), []string{"p1"}, at("2025-03-01", 0), at("2025-03-02", 0))
	require.NoError(t, err)
	require.Len(t, usage, 2)
	assert.InDelta(t, 1.0/3.0, usage[0].Hours, 1e-9)
	assert.Zero(t, usage[1].Hours)
}
