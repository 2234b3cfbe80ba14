// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package discovery finds MQTT brokers on the local network via mDNS.
//
// Brokers such as Mosquitto can advertise themselves with the DNS-SD
// service type "_mqtt._tcp". The monitor uses discovery only when no
// broker is configured.
//
// # Example Usage
//
//	scanner := discovery.NewScanner(discovery.ServiceMQTT, "local.")
//	brokers, err := scanner.Discover(ctx, 5*time.Second)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, b := range brokers {
//	    fmt.Println(discovery.BrokerURL(b))
//	}
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	apperrors "github.com/soothill/tasmota-energy-ledger/pkg/errors"
	"github.com/soothill/tasmota-energy-ledger/pkg/interfaces"
	"github.com/soothill/tasmota-energy-ledger/pkg/logger"
	"github.com/soothill/tasmota-energy-ledger/pkg/metrics"
)

const (
	// ServiceMQTT is the DNS-SD service type of plain MQTT brokers.
	ServiceMQTT = "_mqtt._tcp"

	// ServiceMQTTS is the DNS-SD service type of TLS MQTT brokers.
	ServiceMQTTS = "_secure-mqtt._tcp"

	defaultDomain = "local."
)

// Scanner discovers MQTT brokers and remembers every broker it has seen.
type Scanner struct {
	serviceType string
	domain      string
	brokers     map[string]*interfaces.Broker
	mu          sync.RWMutex
}

var _ interfaces.BrokerScanner = (*Scanner)(nil)

// NewScanner creates a broker scanner.
func NewScanner(serviceType, domain string) *Scanner {
	if serviceType == "" {
		serviceType = ServiceMQTT
	}
	if domain == "" {
		domain = defaultDomain
	}
	return &Scanner{
		serviceType: serviceType,
		domain:      domain,
		brokers:     make(map[string]*interfaces.Broker),
	}
}

// Discover browses for brokers until timeout or ctx expires and returns the
// brokers found during this scan.
func (s *Scanner) Discover(ctx context.Context, timeout time.Duration) ([]*interfaces.Broker, error) {
	start := time.Now()
	defer func() { metrics.DiscoveryDuration.Observe(time.Since(start).Seconds()) }()

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, apperrors.NewDiscoveryError("create resolver", err)
	}

	// Buffered so the resolver does not block while entries are parsed.
	entries := make(chan *zeroconf.ServiceEntry, 10)
	found := make([]*interfaces.Broker, 0)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			b := parseServiceEntry(entry)
			if b == nil {
				continue
			}
			url := BrokerURL(b)

			s.mu.Lock()
			_, known := s.brokers[url]
			s.brokers[url] = b
			s.mu.Unlock()

			if !known {
				found = append(found, b)
			}
			logger.Info().
				Str("broker", url).
				Str("name", b.Name).
				Str("hostname", b.Hostname).
				Msg("Discovered MQTT broker")
		}
	}()

	discoverCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := resolver.Browse(discoverCtx, s.serviceType, s.domain, entries); err != nil {
		return nil, apperrors.NewDiscoveryError("browse "+s.serviceType, err)
	}

	<-discoverCtx.Done()
	wg.Wait()

	return found, nil
}

// parseServiceEntry converts a zeroconf entry into a Broker. Entries with
// no address or port are ignored.
func parseServiceEntry(entry *zeroconf.ServiceEntry) *interfaces.Broker {
	if entry == nil || entry.Port <= 0 {
		return nil
	}

	var addr net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		addr = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		addr = entry.AddrIPv6[0]
	default:
		return nil
	}

	return &interfaces.Broker{
		Name:     entry.Instance,
		Host:     addr.String(),
		Port:     entry.Port,
		Hostname: strings.TrimRight(entry.HostName, "."),
	}
}

// BrokerURL returns the paho broker URL for b.
func BrokerURL(b *interfaces.Broker) string {
	return fmt.Sprintf("tcp://%s", net.JoinHostPort(b.Host, strconv.Itoa(b.Port)))
}

// Brokers returns every broker seen by this scanner.
func (s *Scanner) Brokers() []*interfaces.Broker {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*interfaces.Broker, 0, len(s.brokers))
	for _, b := range s.brokers {
		out = append(out, b)
	}
	return out
}

// BrokerURLs discovers brokers with scanner and returns their URLs. It
// returns an error when none are found.
func BrokerURLs(ctx context.Context, scanner interfaces.BrokerScanner, timeout time.Duration) ([]string, error) {
	brokers, err := scanner.Discover(ctx, timeout)
	if err != nil {
		return nil, err
	}
	if len(brokers) == 0 {
		return nil, apperrors.NewDiscoveryError("browse", fmt.Errorf("no MQTT broker found within %s", timeout))
	}
	urls := make([]string, 0, len(brokers))
	for _, b := range brokers {
		urls = append(urls, BrokerURL(b))
	}
	return urls, nil
}
