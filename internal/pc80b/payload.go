package pc80b

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/srg/tinyecg/internal/frame"
)

var (
	ErrPayloadLength = errors.New("unexpected payload length")
	ErrInvalidTime   = errors.New("invalid device time")
	ErrNotStarted    = errors.New("peripheral not started")
	ErrNoWriteHandle = errors.New("write characteristic not discovered")
)

// Payload sizes.
const (
	ContinuousLen     = 54
	ContinuousStopLen = 1
	FastLen           = 55
	FastEndLen        = 6
	TransmissionLen   = 2
	TimeLen           = 8
	HeartbeatLen      = 1

	// SamplesPerFrame is the number of waveform samples in a data frame.
	SamplesPerFrame = 25
	sampleBytes     = SamplesPerFrame * 2

	// AckInterval is the continuous-mode sequence period that requires an
	// acknowledgement.
	AckInterval = 64

	// BatteryStep converts a heartbeat battery level to a percentage.
	BatteryStep     = 33
	MaxBatteryLevel = 3

	sampleOffset = 2048
	sampleScale  = 4
)

// Measurement modes carried in bits 4-5 of the fast-frame info byte.
const (
	ModeDetect     uint8 = 0
	ModeFast       uint8 = 1
	ModeContinuous uint8 = 2
)

func lengthError(op frame.Opcode, got int, want ...int) error {
	return fmt.Errorf("%w: %s payload is %d bytes, want %v", ErrPayloadLength, op, got, want)
}

// Sample converts one little-endian 12-bit ADC reading to a signed sample
// centred on zero.
func Sample(b []byte) int8 {
	v := int(binary.LittleEndian.Uint16(b))
	return int8((v - sampleOffset) / sampleScale)
}

func unpackSamples(dst *[SamplesPerFrame]int8, b []byte) {
	for i := range dst {
		dst[i] = Sample(b[2*i:])
	}
}

// ContinuousFrame is a 54-byte continuous-mode data payload.
//
//	[0]      seq
//	[1:51]   25 samples, u16 LE
//	[51]     heart rate
//	[52]     volume low byte
//	[53]     bits 0-3 volume high nibble, bits 4-6 gain, bit 7 lead-off
type ContinuousFrame struct {
	Seq       uint8
	Samples   [SamplesPerFrame]int8
	HeartRate uint8
	Volume    uint16
	Gain      uint8
	LeadOff   bool
}

// ParseContinuous decodes a structured continuous-mode payload.
func ParseContinuous(p []byte) (ContinuousFrame, error) {
	var f ContinuousFrame
	if len(p) != ContinuousLen {
		return f, lengthError(frame.OpContinuous, len(p), ContinuousLen, ContinuousStopLen)
	}
	f.Seq = p[0]
	unpackSamples(&f.Samples, p[1:1+sampleBytes])
	f.HeartRate = p[51]
	flags := p[53]
	f.Volume = uint16(flags&0x0f)<<8 | uint16(p[52])
	f.Gain = (flags >> 4) & 0x07
	f.LeadOff = flags&0x80 != 0
	return f, nil
}

// FastFrame is a 55-byte fast-mode data payload.
//
//	[0:2]    seq, u16 LE
//	[2]      bits 0-3 stage, bits 4-5 mode, bit 6 channel
//	[3]      bits 0-2 data type, bits 3-5 gain, bit 6 lead-off
//	[4:54]   25 samples, u16 LE
//	[54]     heart rate
type FastFrame struct {
	Seq       uint16
	Stage     uint8
	Mode      uint8
	Channel   uint8
	DataType  uint8
	Gain      uint8
	LeadOff   bool
	Samples   [SamplesPerFrame]int8
	HeartRate uint8
}

// ParseFast decodes a structured fast-mode payload.
func ParseFast(p []byte) (FastFrame, error) {
	var f FastFrame
	if len(p) != FastLen {
		return f, lengthError(frame.OpFast, len(p), FastLen, FastEndLen)
	}
	f.Seq = binary.LittleEndian.Uint16(p)
	info0, info1 := p[2], p[3]
	f.Stage = info0 & 0x0f
	f.Mode = (info0 >> 4) & 0x03
	f.Channel = (info0 >> 6) & 0x01
	f.DataType = info1 & 0x07
	f.Gain = (info1 >> 3) & 0x07
	f.LeadOff = info1&0x40 != 0
	unpackSamples(&f.Samples, p[4:4+sampleBytes])
	f.HeartRate = p[54]
	return f, nil
}

// TransmissionMode is the device's request to negotiate a streaming mode.
//
//	[0]  device type
//	[1]  bit 0 filter on, bit 1 fast transmission
type TransmissionMode struct {
	DeviceType uint8
	Filtered   bool
	Fast       bool
}

// ParseTransmission decodes a transmission-mode payload.
func ParseTransmission(p []byte) (TransmissionMode, error) {
	if len(p) != TransmissionLen {
		return TransmissionMode{}, lengthError(frame.OpTransmission, len(p), TransmissionLen)
	}
	return TransmissionMode{
		DeviceType: p[0],
		Filtered:   p[1]&0x01 != 0,
		Fast:       p[1]&0x02 != 0,
	}, nil
}

// Ack returns the acknowledgement byte accepting m: bit 7 accepted, bit 1
// transmission, bit 0 filter.
func (m TransmissionMode) Ack() byte {
	ack := byte(0x80)
	if m.Fast {
		ack |= 0x02
	}
	if m.Filtered {
		ack |= 0x01
	}
	return ack
}

// ParseTime decodes the device clock: sec, min, hour, day, month, year
// (u16 LE) and one padding byte.
func ParseTime(p []byte) (time.Time, error) {
	if len(p) != TimeLen {
		return time.Time{}, lengthError(frame.OpTime, len(p), TimeLen)
	}
	sec, minute, hour, day, month := int(p[0]), int(p[1]), int(p[2]), int(p[3]), int(p[4])
	year := int(binary.LittleEndian.Uint16(p[5:7]))
	if sec > 59 || minute > 59 || hour > 23 || day < 1 || day > 31 || month < 1 || month > 12 {
		return time.Time{}, fmt.Errorf("%w: % x", ErrInvalidTime, p)
	}
	return time.Date(year, time.Month(month), day, hour, minute, sec, 0, time.Local), nil
}

// EncodeTime is the inverse of ParseTime.
func EncodeTime(t time.Time) []byte {
	p := make([]byte, TimeLen)
	p[0], p[1], p[2] = byte(t.Second()), byte(t.Minute()), byte(t.Hour())
	p[3], p[4] = byte(t.Day()), byte(t.Month())
	binary.LittleEndian.PutUint16(p[5:7], uint16(t.Year()))
	return p
}
