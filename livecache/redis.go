// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package livecache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/soothill/tasmota-energy-ledger/pkg/interfaces"
	"github.com/soothill/tasmota-energy-ledger/pkg/logger"
)

// KeyPrefix prefixes every key written by RedisMirror.
const KeyPrefix = "energy:live:"

// RedisMirror publishes live totals to Redis for dashboards running in
// other processes. It is write-only: nothing in this process reads totals
// back from Redis.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

// mirrorValue is the JSON stored under each key.
type mirrorValue struct {
	DeviceID       string    `json:"device_id"`
	RawTotal       float64   `json:"raw_total_kwh"`
	CorrectedTotal float64   `json:"corrected_total_kwh"`
	Power          float64   `json:"power_w"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewRedisMirror connects to the Redis server at url (redis://host:port/db)
// and verifies the connection.
func NewRedisMirror(ctx context.Context, url string, ttl time.Duration) (*RedisMirror, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("addr", opts.Addr).Dur("ttl", ttl).Msg("Successfully connected to Redis")
	return NewRedisMirrorWithClient(client, ttl), nil
}

// NewRedisMirrorWithClient wraps an existing client.
func NewRedisMirrorWithClient(client *redis.Client, ttl time.Duration) *RedisMirror {
	return &RedisMirror{client: client, ttl: ttl}
}

// Key returns the Redis key for deviceID.
func Key(deviceID string) string {
	return KeyPrefix + deviceID
}

// Name implements interfaces.ReadingSink.
func (m *RedisMirror) Name() string {
	return "redis"
}

// Accept implements interfaces.ReadingSink.
func (m *RedisMirror) Accept(ctx context.Context, r *interfaces.EnergyReading) error {
	data, err := json.Marshal(mirrorValue{
		DeviceID:       r.DeviceID,
		RawTotal:       r.RawTotal,
		CorrectedTotal: r.CorrectedTotal,
		Power:          r.Power,
		Timestamp:      r.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("marshal live value: %w", err)
	}
	return m.client.Set(ctx, Key(r.DeviceID), data, m.ttl).Err()
}

// Ping checks the Redis connection.
func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
