package hrm

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/tinyecg/internal/registry"
	"github.com/srg/tinyecg/internal/stash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	dynamics []stash.Dynamic
	samples  [][]int8
}

func (s *recordingSink) ReportJumbo(d stash.Dynamic, samples []int8) {
	s.dynamics = append(s.dynamics, d)
	s.samples = append(s.samples, samples)
}

func TestParse(t *testing.T) {
	yes, no := true, false

	tests := []struct {
		name    string
		in      []byte
		want    Measurement
		wantErr bool
	}{
		{
			name: "8-bit heart rate",
			in:   []byte{0x00, 72},
			want: Measurement{HeartRate: 72},
		},
		{
			name: "16-bit heart rate",
			in:   []byte{0x01, 0x2C, 0x01},
			want: Measurement{HeartRate: 300},
		},
		{
			name: "contact detected",
			in:   []byte{0x06, 60},
			want: Measurement{HeartRate: 60, Contact: &yes},
		},
		{
			name: "contact lost",
			in:   []byte{0x02, 60},
			want: Measurement{HeartRate: 60, Contact: &no},
		},
		{
			name: "energy and RR",
			in:   []byte{0x18, 80, 0x10, 0x00, 0x00, 0x04, 0x20, 0x03},
			want: Measurement{HeartRate: 80, Energy: 16, HasEnergy: true, RR: []uint16{1024, 800}},
		},
		{name: "empty", in: nil, wantErr: true},
		{name: "flags only", in: []byte{0x00}, wantErr: true},
		{name: "truncated 16-bit", in: []byte{0x01, 0x10}, wantErr: true},
		{name: "truncated energy", in: []byte{0x08, 80, 0x10}, wantErr: true},
		{name: "odd RR", in: []byte{0x10, 80, 0x00, 0x04, 0x20}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMonitor_Receive(t *testing.T) {
	logger, hook := test.NewNullLogger()
	sink := &recordingSink{}
	m := New(sink, logger)

	m.Receive([]byte{0x0A, 65, 0x2A, 0x00})
	m.Receive([]byte{0x01, 0x2C, 0x01})
	m.Receive([]byte{0x01})

	require.Len(t, sink.dynamics, 2)
	assert.Equal(t, stash.Dynamic{HeartRate: 65, Volume: 42, LeadOff: true}, sink.dynamics[0])
	assert.Equal(t, uint8(255), sink.dynamics[1].HeartRate)
	assert.Nil(t, sink.samples[0])

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestMonitor_DescriptorMatchesByService(t *testing.T) {
	sink := &recordingSink{}
	m := New(sink, nil)
	d := m.Descriptor()

	assert.Empty(t, d.Name)
	assert.Equal(t, ServiceUUID, d.AdvertisedUUID)
	assert.Nil(t, d.Lifecycle)
	assert.Equal(t, "uuid:180d", d.Key())

	r := registry.New(nil)
	require.NoError(t, r.Add(d))

	d.Services[0].Characteristics[0].OnNotify([]byte{0x00, 90})
	require.Len(t, sink.dynamics, 1)
	assert.Equal(t, uint8(90), sink.dynamics[0].HeartRate)
}
