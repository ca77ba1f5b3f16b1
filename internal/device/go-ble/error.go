package goble

import (
	"fmt"

	"github.com/srg/tinyecg/internal/device"
)

// darwinPoweredOff is what CoreBluetooth reports when the radio is off.
const darwinPoweredOff = "central manager has invalid state: have=4 want=5: is Bluetooth turned on?"

// NormalizeError maps go-ble error strings to the device error taxonomy.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if err.Error() == darwinPoweredOff {
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	}
	return device.NormalizeError(err)
}
