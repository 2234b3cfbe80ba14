// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	apperrors "github.com/soothill/tasmota-energy-ledger/pkg/errors"
	"github.com/soothill/tasmota-energy-ledger/pkg/logger"
	"github.com/soothill/tasmota-energy-ledger/pkg/metrics"
)

// BreakerSettings configures the storage circuit breaker.
type BreakerSettings struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold uint32
	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration
	// HalfOpenRequests is the number of trial requests allowed while half-open.
	HalfOpenRequests uint32
}

// CircuitBreaker guards database calls so a dead database fails fast
// instead of stalling every message handler on connection timeouts.
type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(name string, s BreakerSettings) *CircuitBreaker {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = 30 * time.Second
	}
	if s.HalfOpenRequests == 0 {
		s.HalfOpenRequests = 1
	}

	return &CircuitBreaker{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: s.HalfOpenRequests,
			Timeout:     s.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= s.FailureThreshold
			},
			IsSuccessful: isBreakerSuccess,
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				metrics.CircuitBreakerState.Set(float64(to))
				logger.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Circuit breaker state changed")
			},
		}),
	}
}

// Execute runs f unless the breaker is open, in which case it returns
// errors.ErrCircuitBreakerOpen without calling f.
func (b *CircuitBreaker) Execute(ctx context.Context, f func(context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, f(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperrors.ErrCircuitBreakerOpen
	}
	return err
}

// State returns the current breaker state name.
func (b *CircuitBreaker) State() string {
	return b.cb.State().String()
}

// isBreakerSuccess reports whether err says nothing about database health.
func isBreakerSuccess(err error) bool {
	return err == nil ||
		errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, apperrors.ErrDeviceNotFound) ||
		errors.Is(err, context.Canceled)
}
