// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package monitoring

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTelemetryMonitorRace(t *testing.T) {
	var handled atomic.Int64
	m, _ := newTestMonitor(t, Options{Workers: 4, QueueSize: 10}, &fakeDirectory{},
		func(context.Context, string, string, []byte) error {
			handled.Add(1)
			return nil
		})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			m.dispatch(testBroker, "tele/kitchen/SENSOR", nil)
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			m.dispatch(testBroker, "tele/garage/SENSOR", nil)
		}
	}()

	go func() {
		defer wg.Done()
		for i := 1; i <= 50; i++ {
			m.SetPollInterval(time.Duration(i) * time.Second)
			time.Sleep(time.Millisecond)
		}
	}()

	// Stop while producers may still be running.
	time.Sleep(5 * time.Millisecond)
	m.Stop()
	wg.Wait()

	if handled.Load() == 0 {
		t.Error("no messages handled")
	}
}
