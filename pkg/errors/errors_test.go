// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestDecodeError(t *testing.T) {
	baseErr := fmt.Errorf("not a number")
	err := NewDecodeError("tele/plug/SENSOR", "ENERGY.Total", baseErr)

	errMsg := err.Error()
	if !strings.Contains(errMsg, "decode") || !strings.Contains(errMsg, "tele/plug/SENSOR") || !strings.Contains(errMsg, "ENERGY.Total") {
		t.Errorf("Error() = %q, want message containing topic and field", errMsg)
	}

	if !errors.Is(err, baseErr) {
		t.Error("errors.Is() should find wrapped error")
	}

	if !IsDecodeError(err) {
		t.Error("IsDecodeError() should return true for DecodeError")
	}

	var de *DecodeError
	if !errors.As(fmt.Errorf("ingest: %w", err), &de) {
		t.Fatal("errors.As() should extract DecodeError through wrapping")
	}
	if de.Topic != "tele/plug/SENSOR" {
		t.Errorf("DecodeError.Topic = %q, want %q", de.Topic, "tele/plug/SENSOR")
	}
}

func TestDiscoveryError(t *testing.T) {
	baseErr := fmt.Errorf("network unreachable")
	err := NewDiscoveryError("mDNS browse", baseErr)

	errMsg := err.Error()
	if !strings.Contains(errMsg, "discovery") || !strings.Contains(errMsg, "mDNS browse") {
		t.Errorf("Error() = %q, want message containing 'discovery' and 'mDNS browse'", errMsg)
	}
	if !errors.Is(err, baseErr) {
		t.Error("errors.Is() should find wrapped error")
	}
	if !IsDiscoveryError(err) {
		t.Error("IsDiscoveryError() should return true for DiscoveryError")
	}
}

func TestStorageError(t *testing.T) {
	baseErr := fmt.Errorf("connection timeout")
	err := NewStorageError("record reading", "device-123", baseErr)

	errMsg := err.Error()
	if !strings.Contains(errMsg, "storage") || !strings.Contains(errMsg, "record reading") || !strings.Contains(errMsg, "device-123") {
		t.Errorf("Error() = %q, want message containing 'storage', 'record reading', and 'device-123'", errMsg)
	}

	if !errors.Is(err, baseErr) {
		t.Error("errors.Is() should find wrapped error")
	}

	if !IsStorageError(err) {
		t.Error("IsStorageError() should return true for StorageError")
	}

	var se *StorageError
	if !errors.As(err, &se) {
		t.Error("errors.As() should extract StorageError")
	}
	if se.DeviceID != "device-123" {
		t.Errorf("StorageError.DeviceID = %q, want %q", se.DeviceID, "device-123")
	}
}

func TestReconcileError(t *testing.T) {
	err := NewReconcileError("device-9", NewStorageError("load state", "device-9", ErrCircuitBreakerOpen))

	if !strings.Contains(err.Error(), "device-9") {
		t.Errorf("Error() = %q, want device id", err.Error())
	}
	if !IsReconcileError(err) {
		t.Error("IsReconcileError() should return true for ReconcileError")
	}
	if !IsStorageError(err) {
		t.Error("IsStorageError() should see the wrapped StorageError")
	}
	if !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Error("errors.Is() should reach the sentinel through the chain")
	}
}

func TestConfigError(t *testing.T) {
	baseErr := fmt.Errorf("invalid format")
	err := NewConfigError("database.dsn", "bogus", baseErr)

	errMsg := err.Error()
	if !strings.Contains(errMsg, "config") || !strings.Contains(errMsg, "database.dsn") {
		t.Errorf("Error() = %q, want message containing 'config' and 'database.dsn'", errMsg)
	}

	if !IsConfigError(err) {
		t.Error("IsConfigError() should return true for ConfigError")
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("energy.reset_tolerance_kwh", -1.0, "must be non-negative")

	errMsg := err.Error()
	if !strings.Contains(errMsg, "validation") || !strings.Contains(errMsg, "non-negative") {
		t.Errorf("Error() = %q, want message containing 'validation' and 'non-negative'", errMsg)
	}

	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatal("errors.As() should extract ValidationError")
	}
	if ve.Reason != "must be non-negative" {
		t.Errorf("ValidationError.Reason = %q, want %q", ve.Reason, "must be non-negative")
	}
}

func TestNetworkError(t *testing.T) {
	baseErr := fmt.Errorf("connection refused")
	err := NewNetworkError("connect", "tcp://broker:1883", baseErr)

	errMsg := err.Error()
	if !strings.Contains(errMsg, "network") || !strings.Contains(errMsg, "tcp://broker:1883") {
		t.Errorf("Error() = %q, want message containing 'network' and address", errMsg)
	}
	if !IsNetworkError(err) {
		t.Error("IsNetworkError() should return true for NetworkError")
	}
}

func TestNotificationError(t *testing.T) {
	err := NewNotificationError("slack", fmt.Errorf("webhook failed"))

	if !strings.Contains(err.Error(), "slack") {
		t.Errorf("Error() = %q, want message containing 'slack'", err.Error())
	}
	if !IsNotificationError(err) {
		t.Error("IsNotificationError() should return true for NotificationError")
	}
}

func TestSentinelErrors(t *testing.T) {
	testCases := []struct {
		name string
		err  error
	}{
		{"ErrDeviceNotFound", ErrDeviceNotFound},
		{"ErrUnknownDevice", ErrUnknownDevice},
		{"ErrCircuitBreakerOpen", ErrCircuitBreakerOpen},
		{"ErrInsufficientData", ErrInsufficientData},
		{"ErrInvalidConfig", ErrInvalidConfig},
		{"ErrConnectionClosed", ErrConnectionClosed},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.err.Error() == "" {
				t.Errorf("%s has empty error message", tc.name)
			}

			wrapped := fmt.Errorf("operation failed: %w", tc.err)
			if !errors.Is(wrapped, tc.err) {
				t.Errorf("errors.Is() should find wrapped %s", tc.name)
			}
		})
	}
}

func TestErrorsWithoutUnderlyingError(t *testing.T) {
	if NewDecodeError("t", "", nil).Error() == "" {
		t.Error("DecodeError without underlying error should have message")
	}
	if NewStorageError("write", "", nil).Error() == "" {
		t.Error("StorageError without underlying error should have message")
	}
	if NewConfigError("field", "", nil).Error() == "" {
		t.Error("ConfigError without underlying error should have message")
	}
	if NewNetworkError("connect", "", nil).Error() == "" {
		t.Error("NetworkError without underlying error should have message")
	}
}

func TestIsHelperWithWrongType(t *testing.T) {
	genericErr := fmt.Errorf("generic error")

	checks := map[string]func(error) bool{
		"IsDecodeError":       IsDecodeError,
		"IsDiscoveryError":    IsDiscoveryError,
		"IsStorageError":      IsStorageError,
		"IsReconcileError":    IsReconcileError,
		"IsConfigError":       IsConfigError,
		"IsValidationError":   IsValidationError,
		"IsNetworkError":      IsNetworkError,
		"IsNotificationError": IsNotificationError,
	}
	for name, check := range checks {
		if check(genericErr) {
			t.Errorf("%s() should return false for generic error", name)
		}
	}
}
