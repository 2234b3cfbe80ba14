// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package export publishes persisted readings to Kafka for downstream
// consumers.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/soothill/tasmota-energy-ledger/pkg/interfaces"
	"github.com/soothill/tasmota-energy-ledger/pkg/logger"
)

// DefaultTopic is used when no topic is configured.
const DefaultTopic = "energy.readings"

// messageWriter is the subset of *kafka.Writer the sink needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes every reading as a JSON message keyed by device ID, so
// a device's readings land on one partition in order.
type KafkaSink struct {
	writer  messageWriter
	topic   string
	timeout time.Duration
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string, timeout time.Duration) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker is required")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
		AllowAutoTopicCreation: true,
		WriteTimeout:           timeout,
	}

	logger.Info().Strs("brokers", brokers).Str("topic", topic).Msg("Kafka export enabled")
	return newKafkaSink(w, topic, timeout), nil
}

func newKafkaSink(w messageWriter, topic string, timeout time.Duration) *KafkaSink {
	return &KafkaSink{writer: w, topic: topic, timeout: timeout}
}

// Name implements interfaces.ReadingSink.
func (k *KafkaSink) Name() string {
	return "kafka"
}

// readingEvent is the wire form of an exported reading.
type readingEvent struct {
	Type    string                    `json:"type"`
	Reading *interfaces.EnergyReading `json:"reading"`
}

// Accept implements interfaces.ReadingSink.
func (k *KafkaSink) Accept(ctx context.Context, reading *interfaces.EnergyReading) error {
	value, err := json.Marshal(readingEvent{Type: "energy_reading", Reading: reading})
	if err != nil {
		return fmt.Errorf("kafka: marshal reading: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(reading.DeviceID),
		Value: value,
		Time:  reading.Timestamp,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: publish to %s: %w", k.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
