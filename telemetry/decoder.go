// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package telemetry decodes Tasmota MQTT payloads into normalized messages.
//
// Topics use the Tasmota full-topic layout <prefix>/<topic>/<SUFFIX>. The
// suffix selects the payload shape:
//
//	STATUS10  {"StatusSNS":{"Time":"...","ENERGY":{...}}}   energy snapshot
//	SENSOR    {"Time":"...","ENERGY":{...}}                 periodic sensor
//	STATE     {"Time":"...","POWER":"ON"}                   power state
//	STATUS11  {"StatusSTS":{"POWER":"ON"}}                  power state
//	POWER     ON | OFF                                      power state
//
// Payloads are validated before a Message is produced. A payload that fails
// validation yields a *errors.DecodeError and no partial reading.
package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/soothill/tasmota-energy-ledger/pkg/errors"
)

// Topic suffixes understood by the decoder.
const (
	SuffixStatus10 = "STATUS10"
	SuffixStatus11 = "STATUS11"
	SuffixSensor   = "SENSOR"
	SuffixState    = "STATE"
	SuffixPower    = "POWER"
)

// deviceTimeLayout is the zone-less local time Tasmota puts in "Time".
const deviceTimeLayout = "2006-01-02T15:04:05"

var (
	// ErrIgnoredTopic is returned for suffixes the decoder does not handle.
	ErrIgnoredTopic = errors.New("ignored topic suffix")

	// ErrNoEnergy is returned when an energy-class payload has no ENERGY object.
	ErrNoEnergy = errors.New("payload carries no energy data")
)

// Kind classifies a decoded message.
type Kind int

const (
	// KindEnergy carries a Reading.
	KindEnergy Kind = iota + 1
	// KindPowerState carries only the relay state.
	KindPowerState
)

func (k Kind) String() string {
	switch k {
	case KindEnergy:
		return "energy"
	case KindPowerState:
		return "power_state"
	default:
		return "unknown"
	}
}

// Reading is the normalized electrical snapshot from one payload.
type Reading struct {
	Timestamp     time.Time
	Power         float64 // W
	Voltage       float64 // V
	Current       float64 // A
	ApparentPower float64 // VA
	ReactivePower float64 // VAr
	PowerFactor   float64
	Total         float64 // kWh, device counter since power-on
	Today         float64 // kWh
	Yesterday     float64 // kWh
}

// Message is the decoded form of one MQTT publish.
type Message struct {
	Kind    Kind
	Topic   string // device topic
	Suffix  string
	Reading *Reading // set for KindEnergy
	PowerOn bool     // set for KindPowerState
}

// Decoder turns topic and payload pairs into Messages. It is safe for
// concurrent use.
type Decoder struct {
	loc      *time.Location
	validate *validator.Validate
	now      func() time.Time
}

// NewDecoder creates a decoder that interprets device timestamps in loc.
func NewDecoder(loc *time.Location) *Decoder {
	if loc == nil {
		loc = time.Local
	}
	return &Decoder{
		loc:      loc,
		validate: validator.New(),
		now:      time.Now,
	}
}

// SplitTopic returns the device topic and the suffix of a full topic.
func SplitTopic(full string) (device, suffix string, ok bool) {
	parts := strings.Split(strings.Trim(full, "/"), "/")
	if len(parts) < 2 {
		return "", "", false
	}
	device = parts[len(parts)-2]
	suffix = parts[len(parts)-1]
	if device == "" || suffix == "" {
		return "", "", false
	}
	return device, strings.ToUpper(suffix), true
}

// Decode parses one payload. Unknown suffixes return ErrIgnoredTopic and
// energy payloads without ENERGY return ErrNoEnergy; everything else that
// cannot be decoded is a *errors.DecodeError.
func (d *Decoder) Decode(topic string, payload []byte) (*Message, error) {
	device, suffix, ok := SplitTopic(topic)
	if !ok {
		return nil, apperrors.NewDecodeError(topic, "", fmt.Errorf("topic has no device segment"))
	}

	msg := &Message{Topic: device, Suffix: suffix}

	switch suffix {
	case SuffixStatus10:
		var p struct {
			StatusSNS *sensorPayload `json:"StatusSNS"`
		}
		if err := unmarshal(payload, &p); err != nil {
			return nil, apperrors.NewDecodeError(topic, "", err)
		}
		if p.StatusSNS == nil {
			return nil, apperrors.NewDecodeError(topic, "StatusSNS", fmt.Errorf("missing"))
		}
		r, err := d.energyReading(topic, p.StatusSNS)
		if err != nil {
			return nil, err
		}
		msg.Kind, msg.Reading = KindEnergy, r

	case SuffixSensor:
		var p sensorPayload
		if err := unmarshal(payload, &p); err != nil {
			return nil, apperrors.NewDecodeError(topic, "", err)
		}
		r, err := d.energyReading(topic, &p)
		if err != nil {
			return nil, err
		}
		msg.Kind, msg.Reading = KindEnergy, r

	case SuffixState:
		var p statePayload
		if err := unmarshal(payload, &p); err != nil {
			return nil, apperrors.NewDecodeError(topic, "", err)
		}
		on, err := parsePowerState(p.Power)
		if err != nil {
			return nil, apperrors.NewDecodeError(topic, "POWER", err)
		}
		msg.Kind, msg.PowerOn = KindPowerState, on

	case SuffixStatus11:
		var p struct {
			StatusSTS *statePayload `json:"StatusSTS"`
		}
		if err := unmarshal(payload, &p); err != nil {
			return nil, apperrors.NewDecodeError(topic, "", err)
		}
		if p.StatusSTS == nil {
			return nil, apperrors.NewDecodeError(topic, "StatusSTS", fmt.Errorf("missing"))
		}
		on, err := parsePowerState(p.StatusSTS.Power)
		if err != nil {
			return nil, apperrors.NewDecodeError(topic, "StatusSTS.POWER", err)
		}
		msg.Kind, msg.PowerOn = KindPowerState, on

	case SuffixPower:
		on, err := parsePowerState(string(bytes.TrimSpace(payload)))
		if err != nil {
			return nil, apperrors.NewDecodeError(topic, "", err)
		}
		msg.Kind, msg.PowerOn = KindPowerState, on

	default:
		return nil, ErrIgnoredTopic
	}

	return msg, nil
}

func (d *Decoder) energyReading(topic string, p *sensorPayload) (*Reading, error) {
	if p.Energy == nil {
		return nil, ErrNoEnergy
	}
	if err := d.validate.Struct(p.Energy); err != nil {
		return nil, apperrors.NewDecodeError(topic, "ENERGY."+firstField(err), err)
	}

	r := &Reading{
		Timestamp:     d.parseTime(p.Time),
		Power:         p.Energy.Power.sum(),
		Voltage:       p.Energy.Voltage.mean(),
		Current:       p.Energy.Current.sum(),
		ApparentPower: p.Energy.ApparentPower.sum(),
		ReactivePower: p.Energy.ReactivePower.sum(),
		PowerFactor:   p.Energy.Factor.mean(),
		Total:         p.Energy.Total.sum(),
		Today:         p.Energy.Today.sum(),
		Yesterday:     p.Energy.Yesterday.sum(),
	}

	if err := d.validate.Struct(readingBounds{
		Total:       r.Total,
		Today:       r.Today,
		Yesterday:   r.Yesterday,
		Voltage:     r.Voltage,
		PowerFactor: r.PowerFactor,
	}); err != nil {
		return nil, apperrors.NewDecodeError(topic, "ENERGY."+firstField(err), err)
	}
	return r, nil
}

// parseTime reads the device's local time, falling back to receive time.
func (d *Decoder) parseTime(s string) time.Time {
	if s != "" {
		if t, err := time.ParseInLocation(deviceTimeLayout, s, d.loc); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.In(d.loc)
		}
	}
	return d.now().In(d.loc)
}

func parsePowerState(s string) (bool, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ON", "1", "TRUE":
		return true, nil
	case "OFF", "0", "FALSE":
		return false, nil
	case "":
		return false, fmt.Errorf("missing power state")
	default:
		return false, fmt.Errorf("unrecognised power state %q", s)
	}
}

func unmarshal(payload []byte, v any) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("malformed JSON: %w", err)
	}
	return nil
}

func firstField(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return verrs[0].Field()
	}
	return ""
}
