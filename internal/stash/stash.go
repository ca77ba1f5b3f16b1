// Package stash holds the latest telemetry of the connected peripheral and a
// ring of waveform samples shared between the radio context (producer) and
// the render sampler (consumer).
//
// A single mutex guards everything. The ring keeps only a read pointer and a
// count; the write position is (read+count) mod capacity.
package stash

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// DefaultCapacity holds a little over two seconds of continuous-mode data.
const DefaultCapacity = 384

// MaxNameLen is the longest peripheral name kept in a Record.
const MaxNameLen = 15

// State is the connection state shown to the user.
type State int

const (
	Uninitialized State = iota
	Scanning
	Connecting
	Receiving
	NotFound
	OffButton
	GoingDown
)

var stateNames = [...]string{
	Uninitialized: "uninitialized",
	Scanning:      "scanning",
	Connecting:    "connecting",
	Receiving:     "receiving",
	NotFound:      "not found",
	OffButton:     "off",
	GoingDown:     "going down",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Dynamic is the scalar part of a jumbo report. Every jumbo replaces the
// whole block.
type Dynamic struct {
	HeartRate uint8
	Volume    uint16
	Gain      uint8
	LeadOff   bool
	Stage     uint8
	Mode      uint8
	Channel   uint8
	DataType  uint8
}

// Transmission is the negotiated streaming mode of an ECG peripheral.
type Transmission struct {
	DeviceType uint8
	Filtered   bool
	Fast       bool
}

// Record is a copy of every scalar field of the stash.
type Record struct {
	State         State
	Found         bool
	Name          string
	LocalBattery  uint8
	RemoteBattery uint8
	RSSI          uint8
	Transmission  Transmission
	Dynamic
	Overrun  bool
	Underrun bool
}

// Stash is safe for concurrent use.
type Stash struct {
	mu      sync.Mutex
	rec     Record
	samples []int8
	read    int
	count   int

	logger    *logrus.Logger
	underruns uint64
	underLog  rate.Sometimes
}

// New creates a stash whose ring holds capacity samples.
func New(capacity int, logger *logrus.Logger) *Stash {
	if logger == nil {
		logger = logrus.New()
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Stash{
		samples:  make([]int8, capacity),
		logger:   logger,
		underLog: rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
}

// Cap returns the ring capacity.
func (s *Stash) Cap() int {
	return len(s.samples)
}

// Len returns the number of buffered samples.
func (s *Stash) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// ReportJumbo replaces the dynamic fields and appends samples to the ring.
// When the ring cannot hold them the oldest samples are discarded and the
// overrun flag is set.
func (s *Stash) ReportJumbo(d Dynamic, samples []int8) {
	capacity := len(s.samples)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.rec.Dynamic = d

	overrun := s.count+len(samples) > capacity
	if len(samples) > capacity {
		samples = samples[len(samples)-capacity:]
	}
	n := len(samples)

	wrp := (s.read + s.count) % capacity
	first := copy(s.samples[wrp:], samples)
	copy(s.samples, samples[first:])

	if overrun {
		s.rec.Overrun = true
		s.count = capacity
		s.read = (wrp + n) % capacity
	} else {
		s.rec.Overrun = false
		s.count += n
	}
}

// Get fills out with the oldest buffered samples and returns the scalar
// record. Missing samples are padded with the last copied sample, or zero
// when nothing was buffered, and the underrun flag is set.
func (s *Stash) Get(out []int8) Record {
	requested := len(out)

	s.mu.Lock()
	capacity := len(s.samples)
	toCopy := min(requested, s.count)

	first := copy(out[:toCopy], s.samples[s.read:])
	copy(out[first:toCopy], s.samples)
	s.read = (s.read + toCopy) % capacity
	s.count -= toCopy
	if requested > capacity {
		s.read = 0
	}

	var pad int8
	if toCopy > 0 {
		pad = out[toCopy-1]
	}
	for i := toCopy; i < requested; i++ {
		out[i] = pad
	}

	underrun := requested > toCopy
	s.rec.Underrun = underrun
	if underrun {
		s.underruns++
	}
	rec := s.rec
	underruns := s.underruns
	s.mu.Unlock()

	if requested > capacity {
		s.logger.WithFields(logrus.Fields{
			"requested": requested,
			"capacity":  capacity,
		}).Error("Requested more samples than the stash can hold")
	}
	if underrun {
		s.underLog.Do(func() {
			s.logger.WithFields(logrus.Fields{
				"requested": requested,
				"available": toCopy,
				"total":     underruns,
			}).Warn("Sample underrun, padding with last sample")
		})
	}
	return rec
}

// ReportRemoteBattery sets the peripheral battery percentage.
func (s *Stash) ReportRemoteBattery(pct uint8) {
	s.mu.Lock()
	s.rec.RemoteBattery = pct
	s.mu.Unlock()
}

// ReportLocalBattery sets the receiver battery percentage.
func (s *Stash) ReportLocalBattery(pct uint8) {
	s.mu.Lock()
	s.rec.LocalBattery = pct
	s.mu.Unlock()
}

// ReportRSSI sets the signal strength bar count.
func (s *Stash) ReportRSSI(bars uint8) {
	s.mu.Lock()
	s.rec.RSSI = bars
	s.mu.Unlock()
}

// ReportName sets the peripheral name, truncated to MaxNameLen bytes.
func (s *Stash) ReportName(name string) {
	if len(name) > MaxNameLen {
		name = name[:MaxNameLen]
	}
	s.mu.Lock()
	s.rec.Name = name
	s.mu.Unlock()
}

// ReportState sets the connection state.
func (s *Stash) ReportState(st State) {
	s.mu.Lock()
	s.rec.State = st
	s.mu.Unlock()
}

// ReportFound records whether a supported peripheral is connected.
func (s *Stash) ReportFound(found bool) {
	s.mu.Lock()
	s.rec.Found = found
	s.mu.Unlock()
}

// ReportTransmission records the negotiated transmission mode.
func (s *Stash) ReportTransmission(t Transmission) {
	s.mu.Lock()
	s.rec.Transmission = t
	s.mu.Unlock()
}
