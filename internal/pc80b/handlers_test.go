package pc80b

import (
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/tinyecg/internal/frame"
	"github.com/srg/tinyecg/internal/stash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type jumbo struct {
	Dynamic stash.Dynamic
	Samples []int8
}

type fakeSink struct {
	mu           sync.Mutex
	jumbos       []jumbo
	battery      []uint8
	transmission []stash.Transmission
}

func (s *fakeSink) ReportJumbo(d stash.Dynamic, samples []int8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jumbos = append(s.jumbos, jumbo{Dynamic: d, Samples: append([]int8{}, samples...)})
}

func (s *fakeSink) ReportRemoteBattery(pct uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.battery = append(s.battery, pct)
}

func (s *fakeSink) ReportTransmission(t stash.Transmission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transmission = append(s.transmission, t)
}

func (s *fakeSink) Jumbos() []jumbo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]jumbo{}, s.jumbos...)
}

type sent struct {
	Op      frame.Opcode
	Payload []byte
}

type fakeSender struct {
	sent []sent
}

func (s *fakeSender) SendCmd(op frame.Opcode, payload []byte) error {
	s.sent = append(s.sent, sent{Op: op, Payload: append([]byte{}, payload...)})
	return nil
}

type handlerFixture struct {
	sink    *fakeSink
	sender  *fakeSender
	hook    *test.Hook
	decoder *frame.Decoder
}

func newHandlerFixture() *handlerFixture {
	logger, hook := test.NewNullLogger()
	f := &handlerFixture{sink: &fakeSink{}, sender: &fakeSender{}, hook: hook}
	f.decoder = frame.NewDecoder(frame.Options{}, logger)
	NewHandlers(f.sink, f.sender, logger).Register(f.decoder)
	return f
}

func (f *handlerFixture) feed(op frame.Opcode, payload []byte) {
	f.decoder.Feed(frame.MustEncode(op, payload))
}

func (f *handlerFixture) entries(level logrus.Level) int {
	n := 0
	for _, e := range f.hook.AllEntries() {
		if e.Level == level {
			n++
		}
	}
	return n
}

// rawSample is the inverse of Sample for values in range.
func rawSample(v int) (lo, hi byte) {
	u := uint16(v*sampleScale + sampleOffset)
	return byte(u), byte(u >> 8)
}

func continuousPayload(seq uint8, hr uint8, volume uint16, gain uint8, leadOff bool) ([]byte, []int8) {
	p := make([]byte, 0, ContinuousLen)
	p = append(p, seq)
	want := make([]int8, SamplesPerFrame)
	for i := range want {
		want[i] = int8(i*9 - 100)
		lo, hi := rawSample(int(want[i]))
		p = append(p, lo, hi)
	}
	flags := byte(volume>>8)&0x0f | (gain&0x07)<<4
	if leadOff {
		flags |= 0x80
	}
	p = append(p, hr, byte(volume), flags)
	return p, want
}

func fastPayload(seq uint16, info0, info1, hr byte) []byte {
	p := []byte{byte(seq), byte(seq >> 8), info0, info1}
	for i := 0; i < SamplesPerFrame; i++ {
		lo, hi := rawSample(i)
		p = append(p, lo, hi)
	}
	return append(p, hr)
}

func TestHandlers_ContinuousFrame(t *testing.T) {
	f := newHandlerFixture()
	payload, want := continuousPayload(10, 72, 0x534, 3, true)
	require.Len(t, payload, ContinuousLen)

	f.feed(frame.OpContinuous, payload)

	jumbos := f.sink.Jumbos()
	require.Len(t, jumbos, 1)
	assert.Equal(t, want, jumbos[0].Samples)
	assert.Equal(t, stash.Dynamic{
		HeartRate: 72,
		Volume:    0x534,
		Gain:      3,
		LeadOff:   true,
		Mode:      ModeContinuous,
	}, jumbos[0].Dynamic)
	assert.Empty(t, f.sender.sent, "seq 10 is not acknowledged")
}

func TestHandlers_ContinuousAckEvery64(t *testing.T) {
	f := newHandlerFixture()
	for _, seq := range []uint8{63, 64, 65, 128} {
		payload, _ := continuousPayload(seq, 60, 0, 0, false)
		f.feed(frame.OpContinuous, payload)
	}

	assert.Equal(t, []sent{
		{Op: frame.OpContinuous, Payload: []byte{64, 0x00}},
		{Op: frame.OpContinuous, Payload: []byte{128, 0x00}},
	}, f.sender.sent)
	assert.Len(t, f.sink.Jumbos(), 4)
}

func TestHandlers_ContinuousStop(t *testing.T) {
	f := newHandlerFixture()

	f.feed(frame.OpContinuous, []byte{0x3F})

	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, frame.OpContinuous, f.sender.sent[0].Op)
	assert.Equal(t, []byte{0x3F, 0x00}, f.sender.sent[0].Payload)
	assert.Equal(t,
		[]byte{0xA5, 0xAA, 0x02, 0x3F, 0x00, 0x29},
		frame.MustEncode(f.sender.sent[0].Op, f.sender.sent[0].Payload))

	jumbos := f.sink.Jumbos()
	require.Len(t, jumbos, 1)
	assert.Empty(t, jumbos[0].Samples)
	assert.Equal(t, stash.Dynamic{}, jumbos[0].Dynamic)
}

func TestHandlers_ContinuousSequenceGap(t *testing.T) {
	f := newHandlerFixture()
	for _, seq := range []uint8{10, 11, 13} {
		payload, _ := continuousPayload(seq, 60, 0, 0, false)
		f.feed(frame.OpContinuous, payload)
	}

	assert.Equal(t, 1, f.entries(logrus.WarnLevel))
	assert.Len(t, f.sink.Jumbos(), 3, "processing continues after a gap")
}

func TestHandlers_ContinuousSequenceWraps(t *testing.T) {
	f := newHandlerFixture()
	for _, seq := range []uint8{254, 255, 0, 1} {
		payload, _ := continuousPayload(seq, 60, 0, 0, false)
		f.feed(frame.OpContinuous, payload)
	}
	assert.Zero(t, f.entries(logrus.WarnLevel))
}

func TestHandlers_StopResetsSequence(t *testing.T) {
	f := newHandlerFixture()
	payload, _ := continuousPayload(10, 60, 0, 0, false)
	f.feed(frame.OpContinuous, payload)
	f.feed(frame.OpContinuous, []byte{10})
	payload, _ = continuousPayload(200, 60, 0, 0, false)
	f.feed(frame.OpContinuous, payload)

	assert.Zero(t, f.entries(logrus.WarnLevel))
}

func TestHandlers_ContinuousBadLength(t *testing.T) {
	f := newHandlerFixture()
	f.feed(frame.OpContinuous, make([]byte, 20))

	assert.Empty(t, f.sink.Jumbos())
	assert.Empty(t, f.sender.sent)
	assert.Equal(t, 1, f.entries(logrus.ErrorLevel))
}

func TestHandlers_FastFrame(t *testing.T) {
	f := newHandlerFixture()
	info0 := byte(5) | 1<<4 | 1<<6
	info1 := byte(2) | 3<<3 | 0x40

	f.feed(frame.OpFast, fastPayload(0x0102, info0, info1, 88))

	jumbos := f.sink.Jumbos()
	require.Len(t, jumbos, 1)
	assert.Equal(t, stash.Dynamic{
		HeartRate: 88,
		Gain:      3,
		LeadOff:   true,
		Stage:     5,
		Mode:      ModeFast,
		Channel:   1,
		DataType:  2,
	}, jumbos[0].Dynamic)
	require.Len(t, jumbos[0].Samples, SamplesPerFrame)
	for i, s := range jumbos[0].Samples {
		assert.Equal(t, int8(i), s)
	}
	assert.Empty(t, f.sender.sent)
}

func TestHandlers_FastEndAndErrors(t *testing.T) {
	t.Run("end frame flushes", func(t *testing.T) {
		f := newHandlerFixture()
		f.feed(frame.OpFast, make([]byte, FastEndLen))

		jumbos := f.sink.Jumbos()
		require.Len(t, jumbos, 1)
		assert.Empty(t, jumbos[0].Samples)
		assert.Equal(t, stash.Dynamic{}, jumbos[0].Dynamic)
	})

	t.Run("bad length changes nothing", func(t *testing.T) {
		f := newHandlerFixture()
		f.feed(frame.OpFast, make([]byte, 30))

		assert.Empty(t, f.sink.Jumbos())
		assert.Equal(t, 1, f.entries(logrus.ErrorLevel))
	})

	t.Run("sequence gap warns", func(t *testing.T) {
		f := newHandlerFixture()
		f.feed(frame.OpFast, fastPayload(0xFFFF, 0, 0, 0))
		f.feed(frame.OpFast, fastPayload(0x0000, 0, 0, 0))
		f.feed(frame.OpFast, fastPayload(0x0005, 0, 0, 0))

		assert.Equal(t, 1, f.entries(logrus.WarnLevel))
		assert.Len(t, f.sink.Jumbos(), 3)
	})
}

func TestHandlers_Transmission(t *testing.T) {
	tests := []struct {
		name    string
		flags   byte
		wantAck byte
		want    stash.Transmission
	}{
		{name: "continuous unfiltered", flags: 0x00, wantAck: 0x80, want: stash.Transmission{DeviceType: 0x80}},
		{name: "continuous filtered", flags: 0x01, wantAck: 0x81, want: stash.Transmission{DeviceType: 0x80, Filtered: true}},
		{name: "fast filtered", flags: 0x03, wantAck: 0x83, want: stash.Transmission{DeviceType: 0x80, Filtered: true, Fast: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHandlerFixture()
			f.feed(frame.OpTransmission, []byte{0x80, tt.flags})

			assert.Equal(t, []sent{{Op: frame.OpTransmission, Payload: []byte{tt.wantAck}}}, f.sender.sent)
			assert.Equal(t, []stash.Transmission{tt.want}, f.sink.transmission)
		})
	}

	t.Run("bad length is not acknowledged", func(t *testing.T) {
		f := newHandlerFixture()
		f.feed(frame.OpTransmission, []byte{0x80})

		assert.Empty(t, f.sender.sent)
		assert.Empty(t, f.sink.transmission)
		assert.Equal(t, 1, f.entries(logrus.ErrorLevel))
	})
}

func TestHandlers_Heartbeat(t *testing.T) {
	f := newHandlerFixture()
	for _, level := range []byte{0, 1, 2, 3, 9} {
		f.feed(frame.OpHeartbeat, []byte{level})
	}
	f.feed(frame.OpHeartbeat, []byte{1, 2})

	assert.Equal(t, []uint8{0, 33, 66, 99, 99}, f.sink.battery)
	assert.Equal(t, 1, f.entries(logrus.WarnLevel))
	assert.Equal(t, 1, f.entries(logrus.ErrorLevel))
}

func TestHandlers_TimeAndDeviceInfo(t *testing.T) {
	f := newHandlerFixture()

	f.feed(frame.OpDeviceInfo, []byte("PC-80B\x00V1.2"))
	f.feed(frame.OpTime, []byte{30, 15, 9, 17, 10, 0xEA, 0x07, 0})
	f.feed(frame.OpTime, []byte{30, 15, 9, 17, 13, 0xEA, 0x07, 0})
	f.feed(frame.OpTime, []byte{30, 15, 9})

	assert.Equal(t, 2, f.entries(logrus.InfoLevel))
	assert.Equal(t, 2, f.entries(logrus.ErrorLevel))
	assert.Empty(t, f.sink.Jumbos())
	assert.Empty(t, f.sender.sent)

	info := f.hook.AllEntries()[0]
	assert.Equal(t, "PC-80BV1.2", info.Data["version"])
}
