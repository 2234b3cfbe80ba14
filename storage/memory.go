// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/soothill/tasmota-energy-ledger/pkg/errors"
	"github.com/soothill/tasmota-energy-ledger/pkg/interfaces"
)

var (
	_ interfaces.Store = (*MemoryStore)(nil)
	_ interfaces.Store = (*PostgresStore)(nil)
)

// MemoryStore is an in-process Store. State does not survive a restart; it
// backs the "memory" database driver and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	loc         *time.Location
	users       map[string]string
	devices     map[string]interfaces.Device
	states      map[string]interfaces.AccumulatedState
	readings    []interfaces.EnergyReading
	predictions []interfaces.ConsumptionPrediction
	nextID      int64
}

// NewMemoryStore creates an empty store. loc is the energy timezone.
func NewMemoryStore(loc *time.Location) *MemoryStore {
	if loc == nil {
		loc = time.Local
	}
	return &MemoryStore{
		loc:     loc,
		users:   make(map[string]string),
		devices: make(map[string]interfaces.Device),
		states:  make(map[string]interfaces.AccumulatedState),
	}
}

// EnsureUser creates the user if it does not exist.
func (m *MemoryStore) EnsureUser(_ context.Context, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		m.users[id] = name
	}
	return nil
}

// RegisterDevice inserts or updates a device.
func (m *MemoryStore) RegisterDevice(_ context.Context, d *interfaces.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[d.OwnerID]; !ok {
		return apperrors.NewStorageError("register device", d.ID, fmt.Errorf("unknown owner %q", d.OwnerID))
	}
	for id, other := range m.devices {
		if id != d.ID && other.Topic == d.Topic {
			return apperrors.NewStorageError("register device", d.ID, fmt.Errorf("topic %q already used by %s", d.Topic, id))
		}
	}

	existing, ok := m.devices[d.ID]
	stored := *d
	if ok {
		stored.PowerOn = existing.PowerOn
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	m.devices[d.ID] = stored
	return nil
}

// LookupDeviceByTopic returns the device using topic.
func (m *MemoryStore) LookupDeviceByTopic(_ context.Context, topic string) (*interfaces.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.devices {
		if d.Topic == topic {
			out := d
			return &out, nil
		}
	}
	return nil, apperrors.ErrDeviceNotFound
}

// ListDevices returns every device ordered by ID.
func (m *MemoryStore) ListDevices(_ context.Context) ([]interfaces.Device, error) {
	return m.filterDevices(func(interfaces.Device) bool { return true }), nil
}

// ListDevicesByOwner returns the devices owned by ownerID.
func (m *MemoryStore) ListDevicesByOwner(_ context.Context, ownerID string) ([]interfaces.Device, error) {
	return m.filterDevices(func(d interfaces.Device) bool { return d.OwnerID == ownerID }), nil
}

func (m *MemoryStore) filterDevices(keep func(interfaces.Device) bool) []interfaces.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []interfaces.Device
	for _, d := range m.devices {
		if keep(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListOwners returns the IDs of users owning at least one device.
func (m *MemoryStore) ListOwners(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, d := range m.devices {
		if !seen[d.OwnerID] {
			seen[d.OwnerID] = true
			out = append(out, d.OwnerID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// SetPowerState records the last known relay state.
func (m *MemoryStore) SetPowerState(_ context.Context, deviceID string, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return apperrors.NewStorageError("set power state", deviceID, apperrors.ErrDeviceNotFound)
	}
	d.PowerOn = on
	m.devices[deviceID] = d
	return nil
}

// LoadState returns the stored state, derives it from the latest reading,
// or returns nil for a device with no history.
func (m *MemoryStore) LoadState(_ context.Context, deviceID string) (*interfaces.AccumulatedState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.states[deviceID]; ok {
		return &st, nil
	}
	if last := m.latestLocked(deviceID); last != nil {
		return StateFromReading(last, m.loc), nil
	}
	return nil, nil
}

// RecordReading stores the state and appends the reading atomically.
func (m *MemoryStore) RecordReading(_ context.Context, state *interfaces.AccumulatedState, reading *interfaces.EnergyReading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[reading.DeviceID]; !ok {
		return apperrors.NewStorageError("record reading", reading.DeviceID, apperrors.ErrDeviceNotFound)
	}
	m.nextID++
	reading.ID = m.nextID
	m.states[state.DeviceID] = *state
	m.readings = append(m.readings, *reading)
	return nil
}

func (m *MemoryStore) selectReadings(deviceIDs []string, from, to time.Time) []interfaces.EnergyReading {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[string]bool, len(deviceIDs))
	for _, id := range deviceIDs {
		want[id] = true
	}
	var out []interfaces.EnergyReading
	for _, r := range m.readings {
		if want[r.DeviceID] && !r.Timestamp.Before(from) && r.Timestamp.Before(to) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// ListDeltas returns readings in [from, to).
func (m *MemoryStore) ListDeltas(_ context.Context, deviceIDs []string, from, to time.Time) ([]interfaces.EnergyReading, error) {
	return m.selectReadings(deviceIDs, from, to), nil
}

// ListUsageSamples returns readings in [from, to).
func (m *MemoryStore) ListUsageSamples(_ context.Context, deviceIDs []string, from, to time.Time) ([]interfaces.EnergyReading, error) {
	return m.selectReadings(deviceIDs, from, to), nil
}

// LatestReading returns the newest reading of deviceID.
func (m *MemoryStore) LatestReading(_ context.Context, deviceID string) (*interfaces.EnergyReading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if last := m.latestLocked(deviceID); last != nil {
		out := *last
		return &out, nil
	}
	return nil, apperrors.ErrDeviceNotFound
}

func (m *MemoryStore) latestLocked(deviceID string) *interfaces.EnergyReading {
	var last *interfaces.EnergyReading
	for i := range m.readings {
		r := &m.readings[i]
		if r.DeviceID != deviceID {
			continue
		}
		if last == nil || !r.Timestamp.Before(last.Timestamp) {
			last = r
		}
	}
	return last
}

// SavePrediction appends a forecast.
func (m *MemoryStore) SavePrediction(_ context.Context, p *interfaces.ConsumptionPrediction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	m.predictions = append(m.predictions, *p)
	return nil
}

// LatestPrediction returns the newest forecast for userID, or nil.
func (m *MemoryStore) LatestPrediction(_ context.Context, userID string) (*interfaces.ConsumptionPrediction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *interfaces.ConsumptionPrediction
	for i := range m.predictions {
		p := &m.predictions[i]
		if p.UserID != userID {
			continue
		}
		if latest == nil || !p.CreatedAt.Before(latest.CreatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, nil
	}
	out := *latest
	return &out, nil
}

// Health always succeeds.
func (m *MemoryStore) Health(_ context.Context) error {
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
