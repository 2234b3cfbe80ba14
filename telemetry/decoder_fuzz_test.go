// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package telemetry

import (
	"errors"
	"testing"
	"time"

	apperrors "github.com/soothill/tasmota-energy-ledger/pkg/errors"
)

// FuzzDecode checks that arbitrary payloads never panic and that every
// failure is one of the three documented error kinds.
func FuzzDecode(f *testing.F) {
	f.Add("tele/p/SENSOR", []byte(`{"Time":"2025-03-10T08:15:00","ENERGY":{"Total":1,"Today":0,"Yesterday":0,"Power":0}}`))
	f.Add("stat/p/STATUS10", []byte(`{"StatusSNS":{"ENERGY":{"Total":[1,2],"Today":0,"Yesterday":0,"Power":[1,2]}}}`))
	f.Add("tele/p/STATE", []byte(`{"POWER":"ON"}`))
	f.Add("stat/p/POWER", []byte(`OFF`))
	f.Add("tele/p/SENSOR", []byte(`{"ENERGY":{"Total":null}}`))
	f.Add("x", []byte{0xff, 0x00})

	d := NewDecoder(time.UTC)
	f.Fuzz(func(t *testing.T, topic string, payload []byte) {
		msg, err := d.Decode(topic, payload)
		if err == nil {
			if msg == nil {
				t.Fatal("nil message without error")
			}
			if msg.Kind == KindEnergy && msg.Reading == nil {
				t.Fatal("energy message without reading")
			}
			return
		}
		if msg != nil {
			t.Fatal("message returned together with error")
		}
		if !errors.Is(err, ErrIgnoredTopic) && !errors.Is(err, ErrNoEnergy) && !apperrors.IsDecodeError(err) {
			t.Fatalf("unexpected error type %T: %v", err, err)
		}
	})
}
