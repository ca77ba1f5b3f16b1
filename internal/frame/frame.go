// Package frame implements the framed command protocol spoken by the PC-80B
// ECG recorder: CRC-8 checksumming, frame encoding and a reassembling
// decoder that turns arbitrary BLE notification chunks into validated frames.
//
// Wire layout:
//
//	+------+--------+--------+-----------------+----------+
//	| 0xA5 | op|op  | length | payload[length] | checksum |
//	+------+--------+--------+-----------------+----------+
//
// The opcode byte carries the 4-bit opcode in both nibbles. The checksum is
// CRC-8/MAXIM over every byte that precedes it.
package frame

import "fmt"

const (
	// Tag marks the start of every frame.
	Tag byte = 0xA5

	// HeaderSize is tag + opcode + length.
	HeaderSize = 3

	// Overhead is the number of non-payload bytes in a frame.
	Overhead = HeaderSize + 1

	// MaxPayload is the largest payload the length byte can describe.
	MaxPayload = 0xFF

	// MaxFrameSize is the largest possible encoded frame.
	MaxFrameSize = MaxPayload + Overhead
)

// Opcode is a 4-bit command identifier.
type Opcode byte

const (
	OpDeviceInfo   Opcode = 0x1
	OpTime         Opcode = 0x3
	OpTransmission Opcode = 0x5
	OpContinuous   Opcode = 0xA
	OpFast         Opcode = 0xD
	OpHeartbeat    Opcode = 0xF
)

var opcodeNames = map[Opcode]string{
	OpDeviceInfo:   "device_info",
	OpTime:         "time",
	OpTransmission: "transmission_mode",
	OpContinuous:   "continuous_data",
	OpFast:         "fast_data",
	OpHeartbeat:    "heartbeat",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("opcode_%X", byte(o))
}

// Byte returns the doubled-nibble wire representation of the opcode.
func (o Opcode) Byte() byte {
	return byte(o)<<4 | byte(o)&0x0f
}

// ParseOpcode validates a wire opcode byte and returns its nibble.
func ParseOpcode(b byte) (Opcode, error) {
	if b>>4 != b&0x0f {
		return 0, fmt.Errorf("%w: 0x%02X", ErrBadOpcode, b)
	}
	return Opcode(b & 0x0f), nil
}

// Encode builds a complete frame for op carrying payload.
func Encode(op Opcode, payload []byte) ([]byte, error) {
	if op > 0x0f {
		return nil, fmt.Errorf("%w: %d", ErrOpcodeOutOfRange, op)
	}
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLong, len(payload))
	}

	buf := make([]byte, 0, len(payload)+Overhead)
	buf = append(buf, Tag, op.Byte(), byte(len(payload)))
	buf = append(buf, payload...)
	return append(buf, Checksum(buf)), nil
}

// MustEncode is Encode for statically known, valid arguments.
func MustEncode(op Opcode, payload []byte) []byte {
	b, err := Encode(op, payload)
	if err != nil {
		panic(err)
	}
	return b
}
