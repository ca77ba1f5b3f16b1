package pc80b

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestSample(t *testing.T) {
	tests := []struct {
		name string
		raw  uint16
		want int8
	}{
		{name: "baseline", raw: 2048, want: 0},
		{name: "one step up", raw: 2052, want: 1},
		{name: "one step down", raw: 2044, want: -1},
		{name: "truncates toward zero", raw: 2047, want: 0},
		{name: "largest positive", raw: 2048 + 4*127, want: 127},
		{name: "largest negative", raw: 2048 - 4*128, want: -128},
		{name: "narrowing wraps", raw: 2048 + 4*128, want: -128},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sample([]byte{byte(tt.raw), byte(tt.raw >> 8)}))
		})
	}
}

func TestSample_InRangeRoundTrips(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := rapid.IntRange(-128, 127).Draw(t, "sample")
		lo, hi := rawSample(v)
		if got := Sample([]byte{lo, hi}); int(got) != v {
			t.Fatalf("Sample(%d) = %d", v, got)
		}
	})
}

func TestParseContinuous(t *testing.T) {
	p, want := continuousPayload(7, 65, 0xABC, 5, false)

	f, err := ParseContinuous(p)
	require.NoError(t, err)
	assert.Equal(t, uint8(7), f.Seq)
	assert.Equal(t, uint8(65), f.HeartRate)
	assert.Equal(t, uint16(0xABC), f.Volume)
	assert.Equal(t, uint8(5), f.Gain)
	assert.False(t, f.LeadOff)
	assert.Equal(t, want, f.Samples[:])

	_, err = ParseContinuous(p[:ContinuousLen-1])
	assert.ErrorIs(t, err, ErrPayloadLength)
}

func TestParseFast(t *testing.T) {
	f, err := ParseFast(fastPayload(0x1234, 0x2F, 0x07, 120))
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), f.Seq)
	assert.Equal(t, uint8(0x0F), f.Stage)
	assert.Equal(t, ModeContinuous, f.Mode)
	assert.Zero(t, f.Channel)
	assert.Equal(t, uint8(7), f.DataType)
	assert.Zero(t, f.Gain)
	assert.False(t, f.LeadOff)
	assert.Equal(t, uint8(120), f.HeartRate)
	assert.Equal(t, int8(24), f.Samples[24])

	_, err = ParseFast(make([]byte, FastEndLen))
	assert.ErrorIs(t, err, ErrPayloadLength)
}

func TestParseTransmission(t *testing.T) {
	m, err := ParseTransmission([]byte{0x01, 0x02})
	require.NoError(t, err)
	assert.Equal(t, TransmissionMode{DeviceType: 0x01, Fast: true}, m)
	assert.Equal(t, byte(0x82), m.Ack())

	_, err = ParseTransmission([]byte{0x01, 0x02, 0x03})
	assert.ErrorIs(t, err, ErrPayloadLength)
}

func TestParseTime(t *testing.T) {
	got, err := ParseTime([]byte{30, 15, 9, 17, 10, 0xEA, 0x07, 0})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, time.October, 17, 9, 15, 30, 0, time.Local), got)

	invalid := map[string][]byte{
		"second": {60, 0, 0, 1, 1, 0xEA, 0x07, 0},
		"minute": {0, 60, 0, 1, 1, 0xEA, 0x07, 0},
		"hour":   {0, 0, 24, 1, 1, 0xEA, 0x07, 0},
		"day":    {0, 0, 0, 0, 1, 0xEA, 0x07, 0},
		"month":  {0, 0, 0, 1, 13, 0xEA, 0x07, 0},
	}
	for name, p := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTime(p)
			assert.ErrorIs(t, err, ErrInvalidTime)
		})
	}

	_, err = ParseTime([]byte{0, 0, 0})
	assert.ErrorIs(t, err, ErrPayloadLength)
}

func TestEncodeTime(t *testing.T) {
	want := time.Date(2025, time.February, 3, 4, 5, 6, 0, time.Local)
	got, err := ParseTime(EncodeTime(want))
	require.NoError(t, err)
	assert.True(t, want.Equal(got))
}
