// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package forecast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soothill/tasmota-energy-ledger/aggregation"
	"github.com/soothill/tasmota-energy-ledger/pkg/interfaces"
	"github.com/soothill/tasmota-energy-ledger/storage"
)

var fixedNow = time.Date(2025, 3, 15, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, days int) (*Service, *storage.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore(time.UTC)
	require.NoError(t, store.EnsureUser(ctx, "user-1", "One"))
	require.NoError(t, store.EnsureUser(ctx, "user-2", "Two"))
	require.NoError(t, store.RegisterDevice(ctx, &interfaces.Device{ID: "plug-1", Topic: "plug1", OwnerID: "user-1"}))

	for i := 1; i <= days; i++ {
		ts := fixedNow.AddDate(0, 0, -i)
		r := &interfaces.EnergyReading{DeviceID: "plug-1", Timestamp: ts, TodayDelta: 8, Channel: "broker-a"}
		require.NoError(t, store.RecordReading(ctx, storage.StateFromReading(r, time.UTC), r))
	}

	params := DefaultParams()
	params.Tariff = decimal.RequireFromString("0.20")
	svc := NewService(store, store, aggregation.NewEngine(store, time.UTC), params, 0)
	svc.now = func() time.Time { return fixedNow }
	return svc, store
}

func TestGenerateForecast_NoDevices(t *testing.T) {
	svc, _ := newTestService(t, 0)

	res, err := svc.GenerateForecast(context.Background(), "user-2")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "no devices")
}

func TestGenerateForecast_NoHistory(t *testing.T) {
	svc, store := newTestService(t, 0)

	res, err := svc.GenerateForecast(context.Background(), "user-1")
	require.NoError(t, err)
	assert.False(t, res.Success)

	p, err := store.LatestPrediction(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Nil(t, p, "nothing is stored without history")
}

func TestGenerateForecast_StoresPrediction(t *testing.T) {
	svc, store := newTestService(t, 40)
	ctx := context.Background()

	res, err := svc.GenerateForecast(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)

	p := res.Prediction
	assert.Equal(t, 2025, p.TargetYear)
	assert.Equal(t, 4, p.TargetMonth)
	assert.Equal(t, 40, p.ValidDays)
	assert.Equal(t, ConfidenceMedium, p.Confidence)
	assert.InDelta(t, 8*30.0, p.EstimatedKWh, 1e-9)
	assert.True(t, p.EstimatedCost.Equal(decimal.RequireFromString("48")), p.EstimatedCost.String())
	assert.Nil(t, p.PreviousID)
	assert.InDelta(t, 240.0, res.Estimate.ChannelContribution["broker-a"], 1e-9)

	encoded, err := json.Marshal(res)
	require.NoError(t, err)
	var decoded struct {
		Prediction struct {
			ChannelContribution map[string]float64 `json:"channel_contribution"`
		} `json:"prediction"`
	}
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, map[string]float64{"broker-a": 240}, decoded.Prediction.ChannelContribution)

	stored, err := store.LatestPrediction(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, stored.ID)
	assert.Equal(t, interfaces.ChannelShares{"broker-a": 240}, stored.Channels)
}

func TestGenerateForecast_LinksPrevious(t *testing.T) {
	svc, _ := newTestService(t, 40)
	ctx := context.Background()

	first, err := svc.GenerateForecast(ctx, "user-1")
	require.NoError(t, err)

	svc.now = func() time.Time { return fixedNow.Add(time.Minute) }
	svc.SetTariff(decimal.RequireFromString("0.50"))
	second, err := svc.GenerateForecast(ctx, "user-1")
	require.NoError(t, err)

	require.NotNil(t, second.Prediction.PreviousID)
	assert.Equal(t, first.Prediction.ID, *second.Prediction.PreviousID)
	assert.InDelta(t, 0, second.Prediction.SavingsKWh, 1e-9)
	assert.True(t, second.Prediction.EstimatedCost.Equal(decimal.RequireFromString("120")))
}

type failingDirectory struct{ interfaces.DeviceDirectory }

func (failingDirectory) ListDevicesByOwner(context.Context, string) ([]interfaces.Device, error) {
	return nil, errors.New("db down")
}

type recordingNotifier struct {
	mu    sync.Mutex
	users []string
}

func (r *recordingNotifier) SendForecastFailure(_ context.Context, userID string, _ error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID)
	return nil
}

func (r *recordingNotifier) IsEnabled() bool { return true }

type staticOwners []string

func (s staticOwners) ListOwners(context.Context) ([]string, error) { return s, nil }

func TestGenerateForecast_StoreError(t *testing.T) {
	_, store := newTestService(t, 0)
	svc := NewService(failingDirectory{}, store, aggregation.NewEngine(store, time.UTC), DefaultParams(), 30)

	_, err := svc.GenerateForecast(context.Background(), "user-1")
	assert.ErrorContains(t, err, "db down")
}

func TestGenerateAll_ReportsFailuresAndContinues(t *testing.T) {
	_, store := newTestService(t, 40)
	svc := NewService(failingDirectory{}, store, aggregation.NewEngine(store, time.UTC), DefaultParams(), 30)
	notifier := &recordingNotifier{}
	svc.SetNotifier(notifier)

	svc.GenerateAll(context.Background(), staticOwners{"user-1", "user-2"})

	assert.Equal(t, []string{"user-1", "user-2"}, notifier.users)
}

func TestGenerateAll_Success(t *testing.T) {
	svc, store := newTestService(t, 40)

	svc.GenerateAll(context.Background(), store)

	p, err := store.LatestPrediction(context.Background(), "user-1")
	require.NoError(t, err)
	assert.NotNil(t, p)
}
