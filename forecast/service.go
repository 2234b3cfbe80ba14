// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package forecast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/soothill/tasmota-energy-ledger/aggregation"
	"github.com/soothill/tasmota-energy-ledger/pkg/interfaces"
	"github.com/soothill/tasmota-energy-ledger/pkg/logger"
	"github.com/soothill/tasmota-energy-ledger/pkg/metrics"
)

// DefaultHistoryDays is how much history a forecast looks at.
const DefaultHistoryDays = 180

// Aggregator is the aggregation the forecaster reads.
type Aggregator interface {
	Daily(ctx context.Context, deviceIDs []string, from, to time.Time) ([]aggregation.DayTotal, error)
	DailyUsage(ctx context.Context, deviceIDs []string, from, to time.Time) ([]aggregation.DayUsage, error)
	ChannelBreakdown(ctx context.Context, deviceIDs []string, from, to time.Time) ([]aggregation.ChannelShare, error)
	Location() *time.Location
}

// Owners lists users with devices.
type Owners interface {
	ListOwners(ctx context.Context) ([]string, error)
}

// FailureNotifier is told when a scheduled forecast fails.
type FailureNotifier interface {
	SendForecastFailure(ctx context.Context, userID string, err error) error
	IsEnabled() bool
}

// Result is the outcome of a forecast request. Missing data is reported
// with Success false rather than an error.
type Result struct {
	Success    bool                              `json:"success"`
	Message    string                            `json:"message"`
	Prediction *interfaces.ConsumptionPrediction `json:"prediction,omitempty"`
	Estimate   *Estimate                         `json:"-"`
}

// Service generates and stores forecasts.
type Service struct {
	devices     interfaces.DeviceDirectory
	predictions interfaces.PredictionStore
	agg         Aggregator
	notifier    FailureNotifier
	historyDays int
	now         func() time.Time

	mu     sync.RWMutex
	params Params
}

// NewService creates a forecast service.
func NewService(devices interfaces.DeviceDirectory, predictions interfaces.PredictionStore, agg Aggregator, params Params, historyDays int) *Service {
	if historyDays <= 0 {
		historyDays = DefaultHistoryDays
	}
	return &Service{
		devices:     devices,
		predictions: predictions,
		agg:         agg,
		historyDays: historyDays,
		now:         time.Now,
		params:      params,
	}
}

// SetNotifier sets the notifier for scheduled run failures.
func (s *Service) SetNotifier(n FailureNotifier) {
	s.notifier = n
}

// SetTariff updates the price per kWh for future forecasts.
func (s *Service) SetTariff(tariff decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params.Tariff = tariff
}

// Params returns the current projection parameters.
func (s *Service) Params() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

// GenerateForecast projects next month's consumption for userID's devices
// and stores it, linked to the user's previous forecast.
func (s *Service) GenerateForecast(ctx context.Context, userID string) (Result, error) {
	devices, err := s.devices.ListDevicesByOwner(ctx, userID)
	if err != nil {
		metrics.ForecastsGenerated.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("forecast for %s: list devices: %w", userID, err)
	}
	if len(devices) == 0 {
		metrics.ForecastsGenerated.WithLabelValues("no_devices").Inc()
		return Result{Success: false, Message: "no devices registered for user"}, nil
	}
	ids := make([]string, len(devices))
	for i, d := range devices {
		ids[i] = d.ID
	}

	loc := s.agg.Location()
	now := s.now().In(loc)
	to := aggregation.StartOfDay(now, loc).Add(-time.Hour)
	from := to.AddDate(0, 0, -(s.historyDays - 1))
	target := time.Date(now.Year(), now.Month(), 1, 12, 0, 0, 0, loc).AddDate(0, 1, 0)

	features, err := s.features(ctx, ids, from, to)
	if err != nil {
		metrics.ForecastsGenerated.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("forecast for %s: %w", userID, err)
	}
	features.TargetYear = target.Year()
	features.TargetMonth = target.Month()

	est := Project(features, s.Params())
	if est.ValidDays == 0 {
		metrics.ForecastsGenerated.WithLabelValues("insufficient_data").Inc()
		return Result{Success: false, Message: "no consumption history for user's devices"}, nil
	}

	prev, err := s.predictions.LatestPrediction(ctx, userID)
	if err != nil {
		metrics.ForecastsGenerated.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("forecast for %s: previous prediction: %w", userID, err)
	}

	p := &interfaces.ConsumptionPrediction{
		ID:            uuid.NewString(),
		UserID:        userID,
		TargetYear:    features.TargetYear,
		TargetMonth:   int(features.TargetMonth),
		EstimatedKWh:  est.Consumption,
		EstimatedCost: est.Cost,
		Confidence:    est.Confidence,
		Accuracy:      est.Accuracy,
		Method:        est.Method,
		ValidDays:     est.ValidDays,
		Channels:      interfaces.ChannelShares(est.ChannelContribution),
		CreatedAt:     s.now(),
	}
	if prev != nil {
		prevID := prev.ID
		p.PreviousID = &prevID
		p.SavingsKWh = round(prev.EstimatedKWh-est.Consumption, 3)
	}

	if err := s.predictions.SavePrediction(ctx, p); err != nil {
		metrics.ForecastsGenerated.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("forecast for %s: save: %w", userID, err)
	}

	metrics.ForecastsGenerated.WithLabelValues("success").Inc()
	logger.Info().
		Str("user_id", userID).
		Int("target_month", p.TargetMonth).
		Float64("estimated_kwh", p.EstimatedKWh).
		Str("confidence", p.Confidence).
		Str("method", p.Method).
		Msg("Forecast generated")

	return Result{
		Success:    true,
		Message:    fmt.Sprintf("forecast for %04d-%02d generated", p.TargetYear, p.TargetMonth),
		Prediction: p,
		Estimate:   &est,
	}, nil
}

func (s *Service) features(ctx context.Context, ids []string, from, to time.Time) (Features, error) {
	daily, err := s.agg.Daily(ctx, ids, from, to)
	if err != nil {
		return Features{}, err
	}
	usage, err := s.agg.DailyUsage(ctx, ids, from, to)
	if err != nil {
		return Features{}, err
	}
	channels, err := s.agg.ChannelBreakdown(ctx, ids, from, to)
	if err != nil {
		return Features{}, err
	}

	f := Features{
		DailyTotals: make([]float64, len(daily)),
		UsageHours:  make([]float64, len(usage)),
	}
	for i, d := range daily {
		f.DailyTotals[i] = d.Total
	}
	for i, u := range usage {
		f.UsageHours[i] = u.Hours
	}
	if len(channels) > 0 {
		f.ChannelPercent = make(map[string]float64, len(channels))
		for _, c := range channels {
			f.ChannelPercent[c.Channel] = c.Percent
		}
	}
	return f, nil
}

// GenerateAll runs GenerateForecast for every device owner. Failures are
// logged and reported; one user's failure does not stop the others.
func (s *Service) GenerateAll(ctx context.Context, owners Owners) {
	users, err := owners.ListOwners(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list forecast users")
		return
	}

	for _, userID := range users {
		if ctx.Err() != nil {
			return
		}
		res, err := s.GenerateForecast(ctx, userID)
		if err != nil {
			logger.Error().Err(err).Str("user_id", userID).Msg("Forecast failed")
			if s.notifier != nil && s.notifier.IsEnabled() {
				if nerr := s.notifier.SendForecastFailure(ctx, userID, err); nerr != nil {
					logger.Error().Err(nerr).Msg("Failed to send forecast failure alert")
				}
			}
			continue
		}
		if !res.Success {
			logger.Info().Str("user_id", userID).Str("reason", res.Message).Msg("Forecast skipped")
		}
	}
}
