// Package bledb names the GATT services, characteristics and descriptors a
// receiver meets, for log output. Lookups accept any UUID form that
// device.NormalizeUUID understands.
package bledb

import "github.com/srg/tinyecg/internal/device"

var services = map[string]string{
	"1800": "Generic Access",
	"1801": "Generic Attribute",
	"180a": "Device Information",
	"180d": "Heart Rate",
	"180f": "Battery Service",
	"fff0": "PC-80B ECG",
}

var characteristics = map[string]string{
	"2a00": "Device Name",
	"2a01": "Appearance",
	"2a05": "Service Changed",
	"2a19": "Battery Level",
	"2a24": "Model Number String",
	"2a26": "Firmware Revision String",
	"2a29": "Manufacturer Name String",
	"2a37": "Heart Rate Measurement",
	"2a38": "Body Sensor Location",
	"2a39": "Heart Rate Control Point",
	"fff1": "PC-80B Notify",
	"fff2": "PC-80B Write",
}

var descriptors = map[string]string{
	"2901": "Characteristic User Descriptor",
	"2902": "Client Characteristic Configuration",
	"2904": "Characteristic Presentation Format",
}

// LookupService returns the service name, or "" when unknown.
func LookupService(uuid string) string {
	return services[device.NormalizeUUID(uuid)]
}

// LookupCharacteristic returns the characteristic name, or "" when unknown.
func LookupCharacteristic(uuid string) string {
	return characteristics[device.NormalizeUUID(uuid)]
}

// LookupDescriptor returns the descriptor name, or "" when unknown.
func LookupDescriptor(uuid string) string {
	return descriptors[device.NormalizeUUID(uuid)]
}
