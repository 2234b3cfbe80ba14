// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package livecache holds the most recent totals per device for reads that
// should not touch the database.
//
// The cache is volatile and never authoritative. It starts empty on every
// process start and only learns about a device when a reading for it is
// reconciled. Callers that need a display-safe total go through the ledger,
// which corrects the cache from persisted state.
package livecache

import (
	"sync"
	"time"
)

// Entry is the last reconciled value seen for a device.
type Entry struct {
	RawTotal       float64
	CorrectedTotal float64
	Power          float64
	UpdatedAt      time.Time
}

// Cache is a concurrency-safe map of device ID to Entry. Writes are
// last-write-wins and nothing is evicted.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[string]Entry)}
}

// Set stores the entry for deviceID.
func (c *Cache) Set(deviceID string, e Entry) {
	c.mu.Lock()
	c.entries[deviceID] = e
	c.mu.Unlock()
}

// Get returns the corrected total for deviceID. ok is false when the device
// has not been observed by this process.
func (c *Cache) Get(deviceID string) (total float64, ok bool) {
	c.mu.RLock()
	e, ok := c.entries[deviceID]
	c.mu.RUnlock()
	return e.CorrectedTotal, ok
}

// Entry returns the full entry for deviceID.
func (c *Cache) Entry(deviceID string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[deviceID]
	return e, ok
}

// Len returns the number of devices held.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
