package main

import (
	"errors"
	"fmt"

	"github.com/srg/tinyecg/internal/device"
)

// Command-level errors
var (
	// ErrNotFound indicates a scan window elapsed without a supported peripheral.
	ErrNotFound = errors.New("no supported peripheral found")

	// ErrShutdownTimeout indicates the pipeline did not stop within the
	// configured grace period.
	ErrShutdownTimeout = errors.New("shutdown timed out")
)

// FormatUserError turns radio and configuration errors into short hints.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is off; turn it on and try again"
	case errors.Is(err, device.ErrUnsupported):
		return fmt.Sprintf("this platform has no supported Bluetooth radio (%v)", err)
	case errors.Is(err, ErrNotFound):
		return "no PC-80B recorder or heart rate monitor found; is it switched on and advertising?"
	default:
		return err.Error()
	}
}
