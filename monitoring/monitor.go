// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package monitoring maintains the MQTT connections to the brokers the
// Tasmota devices publish to, feeds received telemetry to a handler and
// sends commands back to the devices.
package monitoring

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	apperrors "github.com/soothill/tasmota-energy-ledger/pkg/errors"
	"github.com/soothill/tasmota-energy-ledger/pkg/interfaces"
	"github.com/soothill/tasmota-energy-ledger/pkg/logger"
	"github.com/soothill/tasmota-energy-ledger/pkg/metrics"
	"github.com/soothill/tasmota-energy-ledger/telemetry"
)

const (
	defaultQueueSize      = 100
	defaultWorkers        = 4
	defaultPollInterval   = 60 * time.Second
	defaultConnectTimeout = 10 * time.Second
	disconnectQuiesceMs   = 250
	commandPrefix         = "cmnd"
)

// subscribedSuffixes are the topic suffixes the decoder understands.
var subscribedSuffixes = []string{
	telemetry.SuffixSensor,
	telemetry.SuffixState,
	telemetry.SuffixStatus10,
	telemetry.SuffixStatus11,
	telemetry.SuffixPower,
}

// Handler processes one received message. Returned errors are logged.
type Handler func(ctx context.Context, broker, topic string, payload []byte) error

// DeviceDirectory lists the devices to poll and resolves command targets.
type DeviceDirectory interface {
	ListDevices(ctx context.Context) ([]interfaces.Device, error)
	LookupDeviceByTopic(ctx context.Context, topic string) (*interfaces.Device, error)
}

// Notifier is alerted when a broker connection drops.
type Notifier interface {
	SendBrokerDisconnected(ctx context.Context, broker string, err error) error
	IsEnabled() bool
}

// Options configures a TelemetryMonitor.
type Options struct {
	Brokers        []string
	Prefixes       []string // telemetry prefixes, e.g. tele and stat
	Username       string
	Password       string
	QoS            byte
	PollInterval   time.Duration
	Workers        int
	QueueSize      int
	ConnectTimeout time.Duration
}

// mqttClient is the subset of mqtt.Client the monitor uses.
type mqttClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	IsConnectionOpen() bool
}

type inbound struct {
	broker  string
	topic   string
	payload []byte
}

// TelemetryMonitor owns one MQTT client per broker. Messages for the same
// device topic are always handled by the same worker, in arrival order.
type TelemetryMonitor struct {
	opts     Options
	handler  Handler
	devices  DeviceDirectory
	notifier Notifier
	dial     func(broker string, o *mqtt.ClientOptions) mqttClient

	clients   map[string]mqttClient
	connected map[string]bool
	queues    []chan inbound

	pollMu       sync.Mutex
	pollInterval time.Duration
	pollChanged  chan struct{} // closed and replaced on every change

	mu      sync.RWMutex
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started bool
	stopped bool
}

// NewTelemetryMonitor creates a monitor. Zero option values take defaults.
func NewTelemetryMonitor(opts Options, devices DeviceDirectory, handler Handler) *TelemetryMonitor {
	if len(opts.Prefixes) == 0 {
		opts.Prefixes = []string{"tele", "stat"}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}

	queues := make([]chan inbound, opts.Workers)
	for i := range queues {
		queues[i] = make(chan inbound, opts.QueueSize)
	}

	return &TelemetryMonitor{
		opts:         opts,
		handler:      handler,
		devices:      devices,
		dial:         dialPaho,
		clients:      make(map[string]mqttClient),
		connected:    make(map[string]bool),
		queues:       queues,
		pollInterval: opts.PollInterval,
		pollChanged:  make(chan struct{}),
	}
}

func dialPaho(_ string, o *mqtt.ClientOptions) mqttClient {
	return mqtt.NewClient(o)
}

// SetNotifier sets the notifier for connection loss alerts.
func (m *TelemetryMonitor) SetNotifier(n Notifier) {
	m.notifier = n
}

// SetPollInterval changes the STATUS 10 poll period of a running monitor.
func (m *TelemetryMonitor) SetPollInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	m.pollMu.Lock()
	m.pollInterval = d
	close(m.pollChanged)
	m.pollChanged = make(chan struct{})
	m.pollMu.Unlock()
}

func (m *TelemetryMonitor) pollSettings() (time.Duration, <-chan struct{}) {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()
	return m.pollInterval, m.pollChanged
}

// PollInterval returns the current poll period.
func (m *TelemetryMonitor) PollInterval() time.Duration {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()
	return m.pollInterval
}

// SubscriptionFilters returns the topic filters subscribed on every broker.
func (m *TelemetryMonitor) SubscriptionFilters() []string {
	filters := make([]string, 0, len(m.opts.Prefixes)*len(subscribedSuffixes))
	for _, p := range m.opts.Prefixes {
		for _, s := range subscribedSuffixes {
			filters = append(filters, fmt.Sprintf("%s/+/%s", p, s))
		}
	}
	return filters
}

// Start connects to every broker and starts the workers and poll loops. A
// broker that cannot be reached within the connect timeout keeps retrying
// in the background.
func (m *TelemetryMonitor) Start(ctx context.Context) error {
	if len(m.opts.Brokers) == 0 {
		return apperrors.NewConfigError("mqtt.brokers", "", fmt.Errorf("no broker configured"))
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("monitor already started")
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	logger.Info().Int("brokers", len(m.opts.Brokers)).Int("workers", len(m.queues)).
		Msg("Starting telemetry monitor")

	// Workers drain their queues on Stop, so they must outlive ctx.
	workCtx := context.WithoutCancel(ctx)
	for i, q := range m.queues {
		m.wg.Add(1)
		go m.worker(workCtx, i, q)
	}

	for _, broker := range m.opts.Brokers {
		client := m.dial(broker, m.clientOptions(ctx, broker))

		m.mu.Lock()
		m.clients[broker] = client
		m.mu.Unlock()

		token := client.Connect()
		if !token.WaitTimeout(m.opts.ConnectTimeout) {
			logger.Warn().Str("broker", broker).Msg("Broker not reachable yet, retrying in background")
		} else if err := token.Error(); err != nil {
			m.Stop()
			return apperrors.NewNetworkError("mqtt connect", broker, err)
		}

		m.wg.Add(1)
		go m.pollLoop(ctx, broker)
	}
	return nil
}

func (m *TelemetryMonitor) clientOptions(ctx context.Context, broker string) *mqtt.ClientOptions {
	o := mqtt.NewClientOptions()
	o.AddBroker(broker)
	o.SetClientID("energy-ledger-" + uuid.NewString()[:8])
	o.SetUsername(m.opts.Username)
	o.SetPassword(m.opts.Password)
	o.SetCleanSession(true)
	o.SetAutoReconnect(true)
	o.SetConnectRetry(true)
	o.SetConnectRetryInterval(5 * time.Second)
	o.SetMaxReconnectInterval(2 * time.Minute)
	o.SetOrderMatters(false)

	o.SetOnConnectHandler(func(mqtt.Client) {
		m.onConnect(broker)
	})
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.onConnectionLost(ctx, broker, err)
	})
	return o
}

// onConnect subscribes all filters. The session is clean, so this runs
// after every reconnect as well.
func (m *TelemetryMonitor) onConnect(broker string) {
	m.mu.Lock()
	client := m.clients[broker]
	m.connected[broker] = true
	metrics.BrokersConnected.Set(float64(len(m.connected)))
	m.mu.Unlock()

	logger.Info().Str("broker", broker).Msg("Connected to MQTT broker")
	if client == nil {
		return
	}

	for _, filter := range m.SubscriptionFilters() {
		token := client.Subscribe(filter, m.opts.QoS, func(_ mqtt.Client, msg mqtt.Message) {
			m.dispatch(broker, msg.Topic(), msg.Payload())
		})
		if token.Wait() && token.Error() != nil {
			logger.Error().Err(token.Error()).Str("broker", broker).Str("filter", filter).
				Msg("Failed to subscribe")
			continue
		}
		logger.Debug().Str("broker", broker).Str("filter", filter).Msg("Subscribed")
	}
}

func (m *TelemetryMonitor) onConnectionLost(ctx context.Context, broker string, err error) {
	m.mu.Lock()
	delete(m.connected, broker)
	metrics.BrokersConnected.Set(float64(len(m.connected)))
	m.mu.Unlock()

	logger.Warn().Err(err).Str("broker", broker).Msg("MQTT connection lost, reconnecting")

	if m.notifier != nil && m.notifier.IsEnabled() {
		notifyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if nerr := m.notifier.SendBrokerDisconnected(notifyCtx, broker, err); nerr != nil {
			logger.Warn().Err(nerr).Msg("Failed to send broker disconnect notification")
		}
	}
}

// dispatch queues a message on the shard owning its device topic.
func (m *TelemetryMonitor) dispatch(broker, topic string, payload []byte) {
	device, _, ok := telemetry.SplitTopic(topic)
	if !ok {
		device = topic
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stopped {
		return
	}

	q := m.queues[shardFor(device, len(m.queues))]
	select {
	case q <- inbound{broker: broker, topic: topic, payload: payload}:
	default:
		metrics.MessagesDropped.WithLabelValues("queue_full").Inc()
		logger.Warn().Str("topic", topic).Str("broker", broker).Msg("Message queue full, dropping message")
	}
}

func shardFor(key string, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(shards))
}

func (m *TelemetryMonitor) worker(ctx context.Context, id int, q <-chan inbound) {
	defer m.wg.Done()
	for msg := range q {
		if err := m.handler(ctx, msg.broker, msg.topic, msg.payload); err != nil {
			logger.Error().Err(err).Int("worker", id).Str("topic", msg.topic).Str("broker", msg.broker).
				Msg("Failed to process message")
		}
	}
}

// pollLoop asks every device on broker for an energy snapshot each poll
// interval.
func (m *TelemetryMonitor) pollLoop(ctx context.Context, broker string) {
	defer m.wg.Done()

	interval, changed := m.pollSettings()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-changed:
			interval, changed = m.pollSettings()
			ticker.Reset(interval)
			logger.Info().Str("broker", broker).Dur("interval", interval).Msg("Poll interval changed")
		case <-ticker.C:
			m.pollBroker(ctx, broker)
		}
	}
}

func (m *TelemetryMonitor) pollBroker(ctx context.Context, broker string) {
	devices, err := m.devices.ListDevices(ctx)
	if err != nil {
		logger.Error().Err(err).Str("broker", broker).Msg("Failed to list devices for polling")
		return
	}
	for _, d := range devices {
		if d.Broker != "" && d.Broker != broker {
			continue
		}
		if err := m.publish(ctx, broker, d.Topic, "STATUS", "10"); err != nil {
			logger.Debug().Err(err).Str("device_id", d.ID).Str("broker", broker).Msg("Status poll failed")
		}
	}
}

// PublishPower switches the relay of the device on topic and returns once
// the broker has acknowledged the command.
func (m *TelemetryMonitor) PublishPower(ctx context.Context, topic string, on bool) error {
	state := "OFF"
	if on {
		state = "ON"
	}
	broker, err := m.brokerFor(ctx, topic)
	if err != nil {
		return err
	}
	return m.publish(ctx, broker, topic, "POWER", state)
}

// RequestStatus asks the device on topic for an energy snapshot.
func (m *TelemetryMonitor) RequestStatus(ctx context.Context, topic string) error {
	broker, err := m.brokerFor(ctx, topic)
	if err != nil {
		return err
	}
	return m.publish(ctx, broker, topic, "STATUS", "10")
}

func (m *TelemetryMonitor) brokerFor(ctx context.Context, topic string) (string, error) {
	d, err := m.devices.LookupDeviceByTopic(ctx, topic)
	if err != nil {
		return "", err
	}
	if d.Broker != "" {
		return d.Broker, nil
	}
	if len(m.opts.Brokers) == 0 {
		return "", apperrors.ErrConnectionClosed
	}
	return m.opts.Brokers[0], nil
}

func (m *TelemetryMonitor) publish(ctx context.Context, broker, topic, command, payload string) error {
	m.mu.RLock()
	client, ok := m.clients[broker]
	stopped := m.stopped
	m.mu.RUnlock()
	if !ok || stopped || !client.IsConnectionOpen() {
		return apperrors.NewNetworkError("mqtt publish", broker, apperrors.ErrConnectionClosed)
	}

	full := fmt.Sprintf("%s/%s/%s", commandPrefix, topic, command)
	token := client.Publish(full, m.opts.QoS, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return apperrors.NewNetworkError("mqtt publish", broker, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectedBrokers returns the number of brokers with an open connection.
func (m *TelemetryMonitor) ConnectedBrokers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connected)
}

// Stop disconnects from every broker, drains the queues and waits for the
// workers.
func (m *TelemetryMonitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	if m.cancel != nil {
		m.cancel()
	}
	clients := make(map[string]mqttClient, len(m.clients))
	for b, c := range m.clients {
		clients[b] = c
	}
	for _, q := range m.queues {
		close(q)
	}
	m.connected = make(map[string]bool)
	metrics.BrokersConnected.Set(0)
	m.mu.Unlock()

	for broker, c := range clients {
		logger.Info().Str("broker", broker).Msg("Disconnecting from MQTT broker")
		c.Disconnect(disconnectQuiesceMs)
	}

	m.wg.Wait()
	logger.Info().Msg("Telemetry monitor stopped")
}
