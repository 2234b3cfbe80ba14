// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

//go:build integration
// +build integration

package livecache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/soothill/tasmota-energy-ledger/pkg/interfaces"
)

func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	return url
}

func TestRedisMirror_Accept(t *testing.T) {
	url := startRedis(t)
	ctx := context.Background()

	mirror, err := NewRedisMirror(ctx, url, time.Minute)
	require.NoError(t, err)
	defer mirror.Close()

	ts := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	err = mirror.Accept(ctx, &interfaces.EnergyReading{
		DeviceID: "plug", Timestamp: ts, RawTotal: 3, CorrectedTotal: 203, Power: 40,
	})
	require.NoError(t, err)

	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer client.Close()

	raw, err := client.Get(ctx, Key("plug")).Bytes()
	require.NoError(t, err)

	var got mirrorValue
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, 203.0, got.CorrectedTotal)
	assert.True(t, got.Timestamp.Equal(ts))

	ttl, err := client.TTL(ctx, Key("plug")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestNewRedisMirror_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewRedisMirror(ctx, "redis://127.0.0.1:1/0", time.Minute)
	assert.Error(t, err)
}
