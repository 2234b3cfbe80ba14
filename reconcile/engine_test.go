// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/soothill/tasmota-energy-ledger/pkg/errors"
	"github.com/soothill/tasmota-energy-ledger/pkg/interfaces"
)

type fakeStateStore struct {
	mu       sync.Mutex
	states   map[string]interfaces.AccumulatedState
	readings []interfaces.EnergyReading
	failLoad error
	failRec  error
	// loadDelay widens the read-modify-write window to expose races.
	loadDelay time.Duration
	inFlight  map[string]int
	overlaps  int
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{
		states:   make(map[string]interfaces.AccumulatedState),
		inFlight: make(map[string]int),
	}
}

func (f *fakeStateStore) LoadState(_ context.Context, deviceID string) (*interfaces.AccumulatedState, error) {
	if f.failLoad != nil {
		return nil, f.failLoad
	}
	f.mu.Lock()
	s, ok := f.states[deviceID]
	f.inFlight[deviceID]++
	if f.inFlight[deviceID] > 1 {
		f.overlaps++
	}
	f.mu.Unlock()
	if f.loadDelay > 0 {
		time.Sleep(f.loadDelay)
	}
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (f *fakeStateStore) RecordReading(_ context.Context, s *interfaces.AccumulatedState, r *interfaces.EnergyReading) error {
	if f.failRec != nil {
		return f.failRec
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight[s.DeviceID]--
	f.states[s.DeviceID] = *s
	f.readings = append(f.readings, *r)
	return nil
}

func reading(device string, at time.Time, raw, today, yesterday float64) *interfaces.EnergyReading {
	return &interfaces.EnergyReading{DeviceID: device, Timestamp: at, RawTotal: raw, Today: today, Yesterday: yesterday}
}

func TestEngine_RestartScenario(t *testing.T) {
	store := newFakeStateStore()
	engine := NewEngine(store, 1, time.UTC)
	ctx := context.Background()

	base := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	raws := []float64{100, 150, 200, 0, 10, 40}
	want := []float64{100, 150, 200, 200, 210, 240}

	for i, raw := range raws {
		r := reading("plug", base.Add(time.Duration(i)*time.Minute), raw, 0, 0)
		out, err := engine.Reconcile(ctx, r)
		require.NoError(t, err)
		assert.Equal(t, want[i], out.Corrected, "step %d", i)
		assert.Equal(t, want[i], r.CorrectedTotal, "reading updated in place")
	}

	require.Len(t, store.readings, len(raws))
	assert.Equal(t, 200.0, store.states["plug"].Offset)
}

func TestEngine_SurvivesRestart(t *testing.T) {
	store := newFakeStateStore()
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

	first := NewEngine(store, 1, time.UTC)
	for i, raw := range []float64{100, 150, 200, 0} {
		_, err := first.Reconcile(ctx, reading("plug", base.Add(time.Duration(i)*time.Minute), raw, 0, 0))
		require.NoError(t, err)
	}

	// A fresh engine has no memory of its own and must continue from storage.
	second := NewEngine(store, 1, time.UTC)
	out, err := second.Reconcile(ctx, reading("plug", base.Add(10*time.Minute), 10, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, 210.0, out.Corrected)
}

func TestEngine_DuplicateDelivery(t *testing.T) {
	store := newFakeStateStore()
	engine := NewEngine(store, DefaultTolerance, time.UTC)
	ctx := context.Background()
	at := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

	a, err := engine.Reconcile(ctx, reading("plug", at, 5, 1, 2))
	require.NoError(t, err)
	b, err := engine.Reconcile(ctx, reading("plug", at, 5, 1, 2))
	require.NoError(t, err)

	assert.Equal(t, a.Corrected, b.Corrected)
	assert.Zero(t, b.TodayDelta)
	assert.Zero(t, b.YesterdayDelta)
	assert.Len(t, store.readings, 2, "duplicates are stored, not rejected")
}

func TestEngine_SerializesPerDevice(t *testing.T) {
	store := newFakeStateStore()
	store.loadDelay = time.Millisecond
	engine := NewEngine(store, DefaultTolerance, time.UTC)
	ctx := context.Background()
	at := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := engine.Reconcile(ctx, reading("plug", at.Add(time.Duration(i)*time.Second), float64(i), 0, 0))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Zero(t, store.overlaps, "read-modify-write windows overlapped for one device")
	assert.Len(t, store.readings, 20)
}

func TestEngine_DevicesAreIndependent(t *testing.T) {
	store := newFakeStateStore()
	engine := NewEngine(store, DefaultTolerance, time.UTC)
	ctx := context.Background()
	at := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for d := 0; d < 8; d++ {
		wg.Add(1)
		go func(d int) {
			defer wg.Done()
			id := fmt.Sprintf("dev-%d", d)
			for i := 0; i < 25; i++ {
				_, err := engine.Reconcile(ctx, reading(id, at.Add(time.Duration(i)*time.Second), float64(i), 0, 0))
				assert.NoError(t, err)
			}
		}(d)
	}
	wg.Wait()

	for d := 0; d < 8; d++ {
		assert.Equal(t, 24.0, store.states[fmt.Sprintf("dev-%d", d)].CorrectedTotal)
	}
}

func TestEngine_LocalDayBucketing(t *testing.T) {
	loc, err := time.LoadLocation("Australia/Sydney")
	require.NoError(t, err)
	store := newFakeStateStore()
	engine := NewEngine(store, DefaultTolerance, loc)
	ctx := context.Background()

	// 13:30 UTC on the 10th is 00:30 on the 11th in Sydney.
	_, err = engine.Reconcile(ctx, reading("plug", time.Date(2025, 3, 10, 13, 30, 0, 0, time.UTC), 1, 0.05, 2))
	require.NoError(t, err)
	assert.Equal(t, "2025-03-11", store.states["plug"].LastDay)
}

func TestEngine_Errors(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

	t.Run("load failure", func(t *testing.T) {
		store := newFakeStateStore()
		store.failLoad = apperrors.ErrCircuitBreakerOpen
		_, err := NewEngine(store, 1, time.UTC).Reconcile(ctx, reading("plug", at, 1, 0, 0))
		require.Error(t, err)
		assert.True(t, apperrors.IsReconcileError(err))
		assert.True(t, errors.Is(err, apperrors.ErrCircuitBreakerOpen))
	})

	t.Run("commit failure", func(t *testing.T) {
		store := newFakeStateStore()
		store.failRec = errors.New("tx aborted")
		_, err := NewEngine(store, 1, time.UTC).Reconcile(ctx, reading("plug", at, 1, 0, 0))
		require.Error(t, err)
		assert.True(t, apperrors.IsReconcileError(err))
		assert.Empty(t, store.states, "nothing committed")
	})
}

func TestNewEngine_NegativeTolerance(t *testing.T) {
	assert.Zero(t, NewEngine(newFakeStateStore(), -5, nil).Tolerance())
}
