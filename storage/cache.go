// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/soothill/tasmota-energy-ledger/pkg/interfaces"
	"github.com/soothill/tasmota-energy-ledger/pkg/logger"
	"github.com/soothill/tasmota-energy-ledger/pkg/metrics"
)

const (
	defaultCacheDir     = "/var/cache/tasmota-energy-ledger"
	cacheFilePrefix     = "cache_"
	cacheFileExt        = ".json"
	defaultMaxSize      = 100 * 1024 * 1024 // 100 MB
	defaultMaxAge       = 24 * time.Hour
	replayBatchSize     = 100
	healthCheckInterval = 30 * time.Second
	cacheWarnRatio      = 0.8
)

// LocalCache spills mirror writes to disk while the time-series backend is
// unavailable.
type LocalCache struct {
	cacheDir    string
	maxSize     int64
	maxAge      time.Duration
	mu          sync.Mutex
	currentSize int64
}

// CachedReading is a reading waiting to be replayed.
type CachedReading struct {
	Reading   *interfaces.EnergyReading `json:"reading"`
	CachedAt  time.Time                 `json:"cached_at"`
	AttemptID string                    `json:"attempt_id"`
}

// NewLocalCache creates a new local cache
func NewLocalCache(cacheDir string, maxSize int64, maxAge time.Duration) (*LocalCache, error) {
	if cacheDir == "" {
		cacheDir = defaultCacheDir
	}
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}

	// Create cache directory if it doesn't exist
	if err := os.MkdirAll(cacheDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	cache := &LocalCache{
		cacheDir: cacheDir,
		maxSize:  maxSize,
		maxAge:   maxAge,
	}

	// Calculate current cache size
	if err := cache.updateCurrentSize(); err != nil {
		logger.Warn().Err(err).Msg("Failed to calculate initial cache size")
	}

	// Clean up old cache files on startup
	if err := cache.CleanupOld(); err != nil {
		logger.Warn().Err(err).Msg("Failed to cleanup old cache files")
	}

	return cache, nil
}

// Write writes a reading to the cache
func (lc *LocalCache) Write(reading *interfaces.EnergyReading) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	// Check if cache is full
	if lc.currentSize >= lc.maxSize {
		return fmt.Errorf("cache is full (%d >= %d bytes)", lc.currentSize, lc.maxSize)
	}

	cached := &CachedReading{
		Reading:   reading,
		CachedAt:  time.Now(),
		AttemptID: fmt.Sprintf("%d_%d_%s", time.Now().UnixNano(), reading.ID, sanitizeFilePart(reading.DeviceID)),
	}

	filename := lc.generateFilename(cached.AttemptID)
	data, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	lc.currentSize += int64(len(data))
	logger.Debug().
		Str("device_id", reading.DeviceID).
		Str("filename", filepath.Base(filename)).
		Int64("cache_size", lc.currentSize).
		Msg("Written reading to cache")

	return nil
}

// ListCachedReadings returns all cached readings sorted by timestamp
func (lc *LocalCache) ListCachedReadings() ([]*CachedReading, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	files, err := filepath.Glob(filepath.Join(lc.cacheDir, cacheFilePrefix+"*"+cacheFileExt))
	if err != nil {
		return nil, fmt.Errorf("failed to list cache files: %w", err)
	}

	var readings []*CachedReading
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			logger.Warn().Err(err).Str("file", file).Msg("Failed to read cache file")
			continue
		}

		var cached CachedReading
		if err := json.Unmarshal(data, &cached); err != nil {
			logger.Warn().Err(err).Str("file", file).Msg("Failed to unmarshal cache file")
			continue
		}

		readings = append(readings, &cached)
	}

	// Sort by cached timestamp
	sort.SliceStable(readings, func(i, j int) bool {
		return readings[i].CachedAt.Before(readings[j].CachedAt)
	})

	return readings, nil
}

// DeleteCached deletes a specific cached reading
func (lc *LocalCache) DeleteCached(attemptID string) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	filename := lc.generateFilename(attemptID)

	// Get file size before deleting
	info, err := os.Stat(filename)
	if err != nil {
		return fmt.Errorf("failed to stat cache file: %w", err)
	}

	if err := os.Remove(filename); err != nil {
		return fmt.Errorf("failed to delete cache file: %w", err)
	}

	lc.currentSize -= info.Size()
	logger.Debug().Str("attempt_id", attemptID).Msg("Deleted cached reading")

	return nil
}

// CleanupOld removes cache files older than maxAge
func (lc *LocalCache) CleanupOld() error {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	files, err := filepath.Glob(filepath.Join(lc.cacheDir, cacheFilePrefix+"*"+cacheFileExt))
	if err != nil {
		return fmt.Errorf("failed to list cache files: %w", err)
	}

	cutoff := time.Now().Add(-lc.maxAge)
	deletedCount := 0

	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}

		var cached CachedReading
		if err := json.Unmarshal(data, &cached); err != nil {
			continue
		}

		if cached.CachedAt.Before(cutoff) {
			if err := os.Remove(file); err != nil {
				logger.Warn().Err(err).Str("file", file).Msg("Failed to delete old cache file")
				continue
			}
			deletedCount++
			lc.currentSize -= int64(len(data))
		}
	}

	if deletedCount > 0 {
		logger.Info().Int("count", deletedCount).Msg("Cleaned up old cache files")
	}

	return nil
}

// GetCacheSize returns the current cache size in bytes
func (lc *LocalCache) GetCacheSize() int64 {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.currentSize
}

// GetMaxSize returns the maximum cache size
func (lc *LocalCache) GetMaxSize() int64 {
	return lc.maxSize
}

// updateCurrentSize recalculates the current cache size
func (lc *LocalCache) updateCurrentSize() error {
	files, err := filepath.Glob(filepath.Join(lc.cacheDir, cacheFilePrefix+"*"+cacheFileExt))
	if err != nil {
		return fmt.Errorf("failed to list cache files: %w", err)
	}

	var totalSize int64
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		totalSize += info.Size()
	}

	lc.currentSize = totalSize
	return nil
}

// generateFilename generates a cache filename for an attempt ID
func (lc *LocalCache) generateFilename(attemptID string) string {
	return filepath.Join(lc.cacheDir, cacheFilePrefix+attemptID+cacheFileExt)
}

// sanitizeFilePart keeps device IDs from escaping the cache directory.
func sanitizeFilePart(s string) string {
	out := []rune(s)
	for i, r := range out {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

// Notifier is told when the mirror fails over to the local cache and back.
type Notifier interface {
	SendMirrorFailure(ctx context.Context, err error) error
	SendMirrorRecovery(ctx context.Context) error
	SendCacheWarning(ctx context.Context, cacheSize, maxSize int64) error
	IsEnabled() bool
}

// CachingStorage wraps a time-series backend with local caching. It is a
// reading sink: failed writes are cached and replayed once the backend is
// healthy again.
type CachingStorage struct {
	storage       interfaces.TimeSeriesStorage
	cache         *LocalCache
	notifier      Notifier
	ctx           context.Context
	cancel        context.CancelFunc
	replayWg      sync.WaitGroup
	checkInterval time.Duration
	cacheEnabled  bool
	cacheWarned   bool
	cacheMutex    sync.RWMutex
}

// NewCachingStorage creates a new caching storage wrapper
func NewCachingStorage(storage interfaces.TimeSeriesStorage, cache *LocalCache, notifier Notifier) *CachingStorage {
	return newCachingStorage(storage, cache, notifier, healthCheckInterval)
}

func newCachingStorage(storage interfaces.TimeSeriesStorage, cache *LocalCache, notifier Notifier, interval time.Duration) *CachingStorage {
	ctx, cancel := context.WithCancel(context.Background())

	cs := &CachingStorage{
		storage:       storage,
		cache:         cache,
		notifier:      notifier,
		ctx:           ctx,
		cancel:        cancel,
		checkInterval: interval,
	}

	cs.replayWg.Add(1)
	go cs.monitorAndReplay()

	return cs
}

// Name implements interfaces.ReadingSink.
func (cs *CachingStorage) Name() string {
	return "influxdb"
}

// Accept implements interfaces.ReadingSink.
func (cs *CachingStorage) Accept(ctx context.Context, reading *interfaces.EnergyReading) error {
	return cs.WriteReading(ctx, reading)
}

// Caching reports whether writes are currently going to the local cache.
func (cs *CachingStorage) Caching() bool {
	cs.cacheMutex.RLock()
	defer cs.cacheMutex.RUnlock()
	return cs.cacheEnabled
}

func (cs *CachingStorage) notify(send func(ctx context.Context) error, what string) {
	if cs.notifier == nil || !cs.notifier.IsEnabled() {
		return
	}
	alertCtx, alertCancel := context.WithTimeout(cs.ctx, 5*time.Second)
	defer alertCancel()
	if err := send(alertCtx); err != nil {
		logger.Error().Err(err).Str("alert", what).Msg("Failed to send alert")
	}
}

// WriteReading writes a reading, falling back to cache if the backend is unavailable
func (cs *CachingStorage) WriteReading(ctx context.Context, reading *interfaces.EnergyReading) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := cs.writeOrSpill(reading); err != nil {
		return err
	}

	cacheSize := cs.cache.GetCacheSize()
	maxSize := cs.cache.GetMaxSize()
	if float64(cacheSize)/float64(maxSize) > cacheWarnRatio {
		cs.cacheMutex.Lock()
		warn := !cs.cacheWarned
		cs.cacheWarned = true
		cs.cacheMutex.Unlock()
		if warn {
			cs.notify(func(ctx context.Context) error { return cs.notifier.SendCacheWarning(ctx, cacheSize, maxSize) }, "cache warning")
		}
	}

	return nil
}

// writeOrSpill writes through to the backend, or to the local cache while
// cached readings are waiting for replay. The read lock keeps recovery from
// switching modes between the check and the cache write.
func (cs *CachingStorage) writeOrSpill(reading *interfaces.EnergyReading) error {
	cs.cacheMutex.RLock()
	if cs.cacheEnabled {
		err := cs.cache.Write(reading)
		cs.cacheMutex.RUnlock()
		if err != nil {
			return fmt.Errorf("mirror unavailable and cache write failed: %w", err)
		}
		return nil
	}
	cs.cacheMutex.RUnlock()

	err := cs.storage.WriteReading(reading)
	if err == nil {
		return nil
	}

	logger.Warn().Err(err).Str("device_id", reading.DeviceID).Msg("Mirror write failed, caching locally")
	metrics.SinkErrors.WithLabelValues(cs.Name()).Inc()

	cs.cacheMutex.Lock()
	first := !cs.cacheEnabled
	cs.cacheEnabled = true
	cacheErr := cs.cache.Write(reading)
	cs.cacheMutex.Unlock()

	if first {
		cs.notify(func(ctx context.Context) error { return cs.notifier.SendMirrorFailure(ctx, err) }, "mirror failure")
	}
	if cacheErr != nil {
		return fmt.Errorf("mirror unavailable and cache write failed: %w", cacheErr)
	}
	return nil
}

// Flush flushes pending writes
func (cs *CachingStorage) Flush() {
	cs.storage.Flush()
}

// Close closes the storage and stops replay
func (cs *CachingStorage) Close() {
	logger.Info().Msg("Closing caching storage")
	cs.cancel()
	cs.replayWg.Wait()
	cs.storage.Close()
}

// Health checks storage health
func (cs *CachingStorage) Health(ctx context.Context) error {
	return cs.storage.Health(ctx)
}

// monitorAndReplay monitors backend health and replays cached data when available
func (cs *CachingStorage) monitorAndReplay() {
	defer cs.replayWg.Done()

	ticker := time.NewTicker(cs.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cs.ctx.Done():
			return
		case <-ticker.C:
			if !cs.Caching() {
				continue
			}
			cs.tryRecover()
		}
	}
}

func (cs *CachingStorage) tryRecover() {
	healthCtx, healthCancel := context.WithTimeout(cs.ctx, 5*time.Second)
	err := cs.storage.Health(healthCtx)
	healthCancel()

	if err != nil {
		logger.Debug().Err(err).Msg("Mirror still unhealthy, keeping cache enabled")
		return
	}

	logger.Info().Msg("Mirror is healthy, replaying cached data")
	remaining, err := cs.replayCachedData()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to replay cached data")
		return
	}
	if remaining > 0 {
		return
	}

	// Drain anything cached during the replay before switching back.
	cs.cacheMutex.Lock()
	remaining, err = cs.replayCachedData()
	if err != nil || remaining > 0 {
		cs.cacheMutex.Unlock()
		return
	}
	cs.cacheEnabled = false
	cs.cacheWarned = false
	cs.cacheMutex.Unlock()

	cs.notify(func(ctx context.Context) error { return cs.notifier.SendMirrorRecovery(ctx) }, "mirror recovery")
}

// replayCachedData replays cached readings in order, replayBatchSize at a
// time, and returns how many are still cached. Readings the backend would
// reject are dropped.
func (cs *CachingStorage) replayCachedData() (int, error) {
	readings, err := cs.cache.ListCachedReadings()
	if err != nil {
		return 0, fmt.Errorf("failed to list cached readings: %w", err)
	}

	if len(readings) == 0 {
		logger.Debug().Msg("No cached readings to replay")
		return 0, nil
	}

	logger.Info().Int("count", len(readings)).Msg("Replaying cached readings")

	replayable := make([]*CachedReading, 0, len(readings))
	for _, cached := range readings {
		if err := validateReading(cached.Reading); err != nil {
			logger.Warn().Err(err).Str("attempt_id", cached.AttemptID).Msg("Dropping invalid cached reading")
			if err := cs.cache.DeleteCached(cached.AttemptID); err != nil {
				logger.Warn().Err(err).Str("attempt_id", cached.AttemptID).Msg("Failed to delete invalid cached reading")
			}
			continue
		}
		replayable = append(replayable, cached)
	}

	successCount := 0
	for start := 0; start < len(replayable); start += replayBatchSize {
		if cs.ctx.Err() != nil {
			break
		}
		chunk := replayable[start:min(start+replayBatchSize, len(replayable))]

		batch := make([]*interfaces.EnergyReading, len(chunk))
		for i, cached := range chunk {
			batch[i] = cached.Reading
		}
		if err := cs.storage.WriteBatch(batch); err != nil {
			logger.Warn().
				Err(err).
				Int("batch_size", len(batch)).
				Str("first_attempt_id", chunk[0].AttemptID).
				Msg("Failed to replay cached batch")
			break
		}

		for _, cached := range chunk {
			if err := cs.cache.DeleteCached(cached.AttemptID); err != nil {
				logger.Warn().Err(err).Str("attempt_id", cached.AttemptID).Msg("Failed to delete replayed reading from cache")
			}
		}
		successCount += len(chunk)
		cs.storage.Flush()
	}

	logger.Info().
		Int("success", successCount).
		Int("total", len(replayable)).
		Msg("Finished replaying cached readings")

	return len(replayable) - successCount, nil
}
