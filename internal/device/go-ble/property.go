package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/tinyecg/internal/device"
)

var propertyMap = []struct {
	ble ble.Property
	dev device.Property
}{
	{ble.CharBroadcast, device.PropBroadcast},
	{ble.CharRead, device.PropRead},
	{ble.CharWriteNR, device.PropWriteWithoutResponse},
	{ble.CharWrite, device.PropWrite},
	{ble.CharNotify, device.PropNotify},
	{ble.CharIndicate, device.PropIndicate},
}

// convertProperties maps go-ble characteristic property bits. Signed
// writes and extended properties have no counterpart and are dropped.
func convertProperties(p ble.Property) device.Property {
	var out device.Property
	for _, m := range propertyMap {
		if p&m.ble != 0 {
			out |= m.dev
		}
	}
	return out
}

// convertProfile flattens a discovered profile. Characteristic handles are
// value handles.
func convertProfile(p *ble.Profile) []device.Service {
	if p == nil {
		return nil
	}
	services := make([]device.Service, 0, len(p.Services))
	for _, s := range p.Services {
		svc := device.Service{
			UUID:            device.NormalizeUUID(s.UUID.String()),
			Characteristics: make([]device.Characteristic, 0, len(s.Characteristics)),
		}
		for _, c := range s.Characteristics {
			svc.Characteristics = append(svc.Characteristics, device.Characteristic{
				UUID:       device.NormalizeUUID(c.UUID.String()),
				Handle:     c.ValueHandle,
				Properties: convertProperties(c.Property),
			})
		}
		services = append(services, svc)
	}
	return services
}
