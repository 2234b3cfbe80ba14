// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package interfaces

import (
	"context"
	"time"
)

// Broker is an MQTT broker found on the local network.
type Broker struct {
	Name     string
	Host     string
	Port     int
	Hostname string
}

// BrokerScanner discovers MQTT brokers.
type BrokerScanner interface {
	Discover(ctx context.Context, timeout time.Duration) ([]*Broker, error)
}
