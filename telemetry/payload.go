// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type sensorPayload struct {
	Time   string         `json:"Time"`
	Energy *energyPayload `json:"ENERGY"`
}

type statePayload struct {
	Time  string `json:"Time"`
	Power string `json:"POWER"`
}

// energyPayload is the ENERGY object. Counters and Power are mandatory.
type energyPayload struct {
	Total         *number `json:"Total" validate:"required"`
	Today         *number `json:"Today" validate:"required"`
	Yesterday     *number `json:"Yesterday" validate:"required"`
	Power         *number `json:"Power" validate:"required"`
	Voltage       *number `json:"Voltage"`
	Current       *number `json:"Current"`
	ApparentPower *number `json:"ApparentPower"`
	ReactivePower *number `json:"ReactivePower"`
	Factor        *number `json:"Factor"`
}

// readingBounds checks the flattened values.
type readingBounds struct {
	Total       float64 `validate:"gte=0"`
	Today       float64 `validate:"gte=0"`
	Yesterday   float64 `validate:"gte=0"`
	Voltage     float64 `validate:"gte=0"`
	PowerFactor float64 `validate:"gte=0,lte=1"`
}

// number is a JSON number or, on multi-channel meters, an array of numbers.
type number []float64

func (n *number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var vals []float64
		if err := json.Unmarshal(b, &vals); err != nil {
			return fmt.Errorf("expected array of numbers: %w", err)
		}
		if len(vals) == 0 {
			return fmt.Errorf("empty array")
		}
		*n = vals
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("expected number: %w", err)
	}
	*n = number{v}
	return nil
}

func (n *number) sum() float64 {
	if n == nil {
		return 0
	}
	var total float64
	for _, v := range *n {
		total += v
	}
	return total
}

func (n *number) mean() float64 {
	if n == nil || len(*n) == 0 {
		return 0
	}
	return n.sum() / float64(len(*n))
}
