// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package interfaces

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Device is a registered smart plug. Topic is the vendor topic and is
// unique across the fleet.
type Device struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Topic     string    `db:"topic" json:"topic"`
	Broker    string    `db:"broker" json:"broker"`
	PowerOn   bool      `db:"power_state" json:"power_state"`
	OwnerID   string    `db:"owner_id" json:"owner_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// EnergyReading is one immutable row of the reading ledger.
type EnergyReading struct {
	ID            int64     `db:"id" json:"id"`
	DeviceID      string    `db:"device_id" json:"device_id"`
	Timestamp     time.Time `db:"ts" json:"timestamp"`
	Power         float64   `db:"power_w" json:"power_w"`
	Voltage       float64   `db:"voltage_v" json:"voltage_v"`
	Current       float64   `db:"current_a" json:"current_a"`
	ApparentPower float64   `db:"apparent_power_va" json:"apparent_power_va"`
	ReactivePower float64   `db:"reactive_power_var" json:"reactive_power_var"`
	PowerFactor   float64   `db:"power_factor" json:"power_factor"`

	// RawTotal is the counter as reported by the device; CorrectedTotal is
	// the reset-aware running total.
	RawTotal       float64 `db:"raw_total_kwh" json:"raw_total_kwh"`
	CorrectedTotal float64 `db:"corrected_total_kwh" json:"corrected_total_kwh"`

	// Today and Yesterday are the device's own day counters.
	Today     float64 `db:"today_kwh" json:"today_kwh"`
	Yesterday float64 `db:"yesterday_kwh" json:"yesterday_kwh"`

	// TodayDelta is consumption attributed to the reading's local day,
	// YesterdayDelta to the day before it.
	TodayDelta     float64 `db:"today_delta_kwh" json:"today_delta_kwh"`
	YesterdayDelta float64 `db:"yesterday_delta_kwh" json:"yesterday_delta_kwh"`

	Channel string `db:"channel" json:"channel"`
}

// AccumulatedState is the per-device reconciliation state. It is persisted
// and authoritative across restarts.
type AccumulatedState struct {
	DeviceID       string    `db:"device_id"`
	LastRawTotal   float64   `db:"last_raw_total_kwh"`
	Offset         float64   `db:"offset_kwh"`
	CorrectedTotal float64   `db:"corrected_total_kwh"`
	LastToday      float64   `db:"last_today_kwh"`
	LastDay        string    `db:"last_day"` // YYYY-MM-DD in the energy timezone
	UpdatedAt      time.Time `db:"updated_at"`
}

// ConsumptionPrediction is one generated forecast. Rows are never updated.
type ConsumptionPrediction struct {
	ID            string          `db:"id" json:"id"`
	UserID        string          `db:"user_id" json:"user_id"`
	TargetYear    int             `db:"target_year" json:"target_year"`
	TargetMonth   int             `db:"target_month" json:"target_month"`
	EstimatedKWh  float64         `db:"estimated_kwh" json:"estimated_kwh"`
	EstimatedCost decimal.Decimal `db:"estimated_cost" json:"estimated_cost"`
	Confidence    string          `db:"confidence" json:"confidence"`
	Accuracy      float64         `db:"accuracy" json:"accuracy"`
	Method        string          `db:"method" json:"method"`
	PreviousID    *string         `db:"previous_id" json:"previous_id,omitempty"`
	SavingsKWh    float64         `db:"savings_kwh" json:"savings_kwh"`
	ValidDays     int             `db:"valid_days" json:"valid_days"`
	// Channels is the estimate split by reporting channel, in kWh.
	Channels      ChannelShares   `db:"channel_contribution" json:"channel_contribution"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// ChannelShares maps a channel to its kWh share. It is stored as JSONB.
type ChannelShares map[string]float64

// Value implements driver.Valuer.
func (c ChannelShares) Value() (driver.Value, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c)
}

// Scan implements sql.Scanner.
func (c *ChannelShares) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*c = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("channel shares: unsupported type %T", src)
	}
	return json.Unmarshal(raw, c)
}
