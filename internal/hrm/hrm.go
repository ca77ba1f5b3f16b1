// Package hrm supports peripherals exposing the standard Heart Rate service.
package hrm

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/tinyecg/internal/registry"
	"github.com/srg/tinyecg/internal/stash"
)

const (
	ServiceUUID     uint16 = 0x180D
	MeasurementUUID uint16 = 0x2A37
)

// Measurement flag bits.
const (
	flagHR16      = 1 << 0
	flagContact   = 1 << 1
	flagContactOK = 1 << 2
	flagEnergy    = 1 << 3
	flagRR        = 1 << 4
)

var ErrMalformed = errors.New("malformed heart rate measurement")

// Measurement is one decoded Heart Rate Measurement notification.
type Measurement struct {
	HeartRate uint16
	// Contact is nil when the sensor does not report skin contact.
	Contact *bool
	// Energy is the expended energy in kJ, when present.
	Energy    uint16
	HasEnergy bool
	// RR intervals in units of 1/1024 s.
	RR []uint16
}

// Parse decodes a Heart Rate Measurement characteristic value.
func Parse(p []byte) (Measurement, error) {
	var m Measurement
	if len(p) < 2 {
		return m, fmt.Errorf("%w: %d bytes", ErrMalformed, len(p))
	}
	flags := p[0]
	rest := p[1:]

	if flags&flagHR16 != 0 {
		if len(rest) < 2 {
			return m, fmt.Errorf("%w: truncated 16-bit heart rate", ErrMalformed)
		}
		m.HeartRate = binary.LittleEndian.Uint16(rest)
		rest = rest[2:]
	} else {
		m.HeartRate = uint16(rest[0])
		rest = rest[1:]
	}

	if flags&flagContact != 0 {
		contact := flags&flagContactOK != 0
		m.Contact = &contact
	}

	if flags&flagEnergy != 0 {
		if len(rest) < 2 {
			return m, fmt.Errorf("%w: truncated energy expended", ErrMalformed)
		}
		m.Energy = binary.LittleEndian.Uint16(rest)
		m.HasEnergy = true
		rest = rest[2:]
	}

	if flags&flagRR != 0 {
		if len(rest)%2 != 0 {
			return m, fmt.Errorf("%w: odd RR interval length %d", ErrMalformed, len(rest))
		}
		for ; len(rest) >= 2; rest = rest[2:] {
			m.RR = append(m.RR, binary.LittleEndian.Uint16(rest))
		}
	}
	return m, nil
}

// Sink receives decoded measurements.
type Sink interface {
	ReportJumbo(d stash.Dynamic, samples []int8)
}

// Monitor reports heart rate measurements into a Sink.
type Monitor struct {
	sink   Sink
	logger *logrus.Logger
}

// New creates a heart rate monitor driver.
func New(sink Sink, logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Monitor{sink: sink, logger: logger}
}

// Descriptor returns the registry entry matching any advertiser of the
// Heart Rate service.
func (m *Monitor) Descriptor() *registry.Descriptor {
	return &registry.Descriptor{
		AdvertisedUUID: ServiceUUID,
		Services: []registry.Service{{
			UUID: ServiceUUID,
			Characteristics: []registry.Characteristic{
				{UUID: MeasurementUUID, Kind: registry.Notify, OnNotify: m.Receive},
			},
		}},
	}
}

// Receive handles one measurement notification.
func (m *Monitor) Receive(p []byte) {
	meas, err := Parse(p)
	if err != nil {
		m.logger.WithField("error", err).Error("Dropping heart rate measurement")
		return
	}

	hr := meas.HeartRate
	if hr > 0xff {
		hr = 0xff
	}
	d := stash.Dynamic{HeartRate: uint8(hr)}
	if meas.HasEnergy {
		d.Volume = meas.Energy
	}
	d.LeadOff = meas.Contact != nil && !*meas.Contact

	if m.logger.IsLevelEnabled(logrus.DebugLevel) {
		m.logger.WithFields(logrus.Fields{
			"heart_rate": meas.HeartRate,
			"energy":     meas.Energy,
			"rr":         meas.RR,
		}).Debug("Heart rate measurement")
	}
	m.sink.ReportJumbo(d, nil)
}
