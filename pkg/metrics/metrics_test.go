// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDevicesRegisteredGauge(t *testing.T) {
	DevicesRegistered.Set(0)
	DevicesRegistered.Set(5)

	if value := testutil.ToFloat64(DevicesRegistered); value != 5 {
		t.Errorf("DevicesRegistered = %v, want 5", value)
	}
}

func TestReadingsPersistedCounter(t *testing.T) {
	initial := testutil.ToFloat64(ReadingsPersisted)
	ReadingsPersisted.Inc()
	final := testutil.ToFloat64(ReadingsPersisted)

	if final != initial+1 {
		t.Errorf("ReadingsPersisted should have increased by 1, got %v -> %v", initial, final)
	}
}

func TestMessagesDroppedByReason(t *testing.T) {
	decode := MessagesDropped.WithLabelValues("decode")
	unknown := MessagesDropped.WithLabelValues("unknown_device")

	before := testutil.ToFloat64(decode)
	decode.Inc()
	decode.Inc()
	unknown.Inc()

	if got := testutil.ToFloat64(decode); got != before+2 {
		t.Errorf("decode drops = %v, want %v", got, before+2)
	}
}

func TestCounterResetsPerDevice(t *testing.T) {
	CounterResets.WithLabelValues("dev-a").Inc()

	if got := testutil.ToFloat64(CounterResets.WithLabelValues("dev-a")); got < 1 {
		t.Errorf("CounterResets[dev-a] = %v, want >= 1", got)
	}
	if got := testutil.ToFloat64(CounterResets.WithLabelValues("dev-never")); got != 0 {
		t.Errorf("CounterResets[dev-never] = %v, want 0", got)
	}
}

func TestAccumulatedEnergyGauge(t *testing.T) {
	AccumulatedEnergy.WithLabelValues("dev-b").Set(123.45)

	if got := testutil.ToFloat64(AccumulatedEnergy.WithLabelValues("dev-b")); got != 123.45 {
		t.Errorf("AccumulatedEnergy[dev-b] = %v, want 123.45", got)
	}
}

func TestReconcileDurationHistogram(t *testing.T) {
	ReconcileDuration.Observe(0.02)

	if count := testutil.CollectAndCount(ReconcileDuration); count != 1 {
		t.Errorf("ReconcileDuration collected %d metrics, want 1", count)
	}
}

func TestMetricsRegistered(t *testing.T) {
	collectors := []prometheus.Collector{
		DevicesRegistered,
		BrokersConnected,
		MessagesReceived,
		MessagesDropped,
		ReadingsPersisted,
		ReadingPersistErrors,
		CounterResets,
		ReconcileDuration,
		AccumulatedEnergy,
		CurrentPower,
		CurrentVoltage,
		InfluxDBWritesTotal,
		InfluxDBWriteErrors,
		SinkErrors,
		CircuitBreakerState,
		ForecastsGenerated,
		DiscoveryDuration,
	}

	for i, c := range collectors {
		if err := prometheus.Register(c); err == nil {
			t.Errorf("collector %d was not registered by promauto", i)
		}
	}
}
