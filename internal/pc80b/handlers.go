package pc80b

import (
	"encoding/binary"
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"
	"github.com/srg/tinyecg/internal/frame"
	"github.com/srg/tinyecg/internal/stash"
)

// Sink receives decoded telemetry.
type Sink interface {
	ReportJumbo(d stash.Dynamic, samples []int8)
	ReportRemoteBattery(pct uint8)
	ReportTransmission(t stash.Transmission)
}

// Sender transmits a command frame to the device.
type Sender interface {
	SendCmd(op frame.Opcode, payload []byte) error
}

type sequence interface {
	~uint8 | ~uint16
}

// seqTracker remembers the last sequence number of a stream.
type seqTracker[T sequence] struct {
	last  T
	valid bool
}

// next records seq and reports the expected value when seq is not
// consecutive.
func (s *seqTracker[T]) next(seq T) (expected T, ok bool) {
	expected = s.last + 1
	ok = !s.valid || seq == expected
	s.last, s.valid = seq, true
	return expected, ok
}

func (s *seqTracker[T]) reset() {
	s.valid = false
}

// Handlers interprets PC-80B command payloads. All methods run on the radio
// notification context.
type Handlers struct {
	sink    Sink
	sender  Sender
	logger  *logrus.Logger
	contSeq seqTracker[uint8]
	fastSeq seqTracker[uint16]
}

// NewHandlers creates the command handlers.
func NewHandlers(sink Sink, sender Sender, logger *logrus.Logger) *Handlers {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handlers{sink: sink, sender: sender, logger: logger}
}

// Register installs every handler on d.
func (h *Handlers) Register(d *frame.Decoder) {
	d.Handle(frame.OpDeviceInfo, h.deviceInfo)
	d.Handle(frame.OpTime, h.clock)
	d.Handle(frame.OpTransmission, h.transmission)
	d.Handle(frame.OpContinuous, h.continuous)
	d.Handle(frame.OpFast, h.fast)
	d.Handle(frame.OpHeartbeat, h.heartbeat)
}

// Reset forgets sequence state between connections.
func (h *Handlers) Reset() {
	h.contSeq.reset()
	h.fastSeq.reset()
}

func (h *Handlers) send(op frame.Opcode, payload []byte) {
	if err := h.sender.SendCmd(op, payload); err != nil {
		h.logger.WithFields(logrus.Fields{
			"opcode": op.String(),
			"error":  err,
		}).Error("Failed to send command")
	}
}

func (h *Handlers) payloadError(op frame.Opcode, p []byte, err error) {
	h.logger.WithFields(logrus.Fields{
		"opcode":  op.String(),
		"payload": hex.EncodeToString(p),
	}).Error(err.Error())
}

func (h *Handlers) deviceInfo(op frame.Opcode, p []byte) {
	h.logger.WithFields(logrus.Fields{
		"version": printable(p),
		"raw":     hex.EncodeToString(p),
	}).Info("Device info")
}

func (h *Handlers) clock(op frame.Opcode, p []byte) {
	t, err := ParseTime(p)
	if err != nil {
		h.payloadError(op, p, err)
		return
	}
	h.logger.WithField("time", t.Format("2006-01-02 15:04:05")).Info("Device clock")
}

func (h *Handlers) transmission(op frame.Opcode, p []byte) {
	m, err := ParseTransmission(p)
	if err != nil {
		h.payloadError(op, p, err)
		return
	}
	h.logger.WithFields(logrus.Fields{
		"device_type": m.DeviceType,
		"filtered":    m.Filtered,
		"fast":        m.Fast,
	}).Info("Transmission mode requested")

	h.sink.ReportTransmission(stash.Transmission{
		DeviceType: m.DeviceType,
		Filtered:   m.Filtered,
		Fast:       m.Fast,
	})
	h.send(frame.OpTransmission, []byte{m.Ack()})
}

func (h *Handlers) continuous(op frame.Opcode, p []byte) {
	if len(p) == ContinuousStopLen {
		seq := p[0]
		h.logger.WithField("seq", seq).Info("Continuous stream stopped")
		h.send(frame.OpContinuous, []byte{seq, 0x00})
		h.sink.ReportJumbo(stash.Dynamic{}, nil)
		h.contSeq.reset()
		return
	}

	f, err := ParseContinuous(p)
	if err != nil {
		h.payloadError(op, p, err)
		return
	}
	if expected, ok := h.contSeq.next(f.Seq); !ok {
		h.logger.WithFields(logrus.Fields{
			"seq":      f.Seq,
			"expected": expected,
		}).Warn("Continuous sequence gap")
	}

	h.sink.ReportJumbo(stash.Dynamic{
		HeartRate: f.HeartRate,
		Volume:    f.Volume,
		Gain:      f.Gain,
		LeadOff:   f.LeadOff,
		Mode:      ModeContinuous,
	}, f.Samples[:])

	if f.Seq%AckInterval == 0 {
		h.send(frame.OpContinuous, []byte{f.Seq, 0x00})
	}
}

func (h *Handlers) fast(op frame.Opcode, p []byte) {
	if len(p) == FastEndLen {
		h.logger.WithField("seq", binary.LittleEndian.Uint16(p)).Info("Fast measurement ended")
		h.sink.ReportJumbo(stash.Dynamic{}, nil)
		h.fastSeq.reset()
		return
	}

	f, err := ParseFast(p)
	if err != nil {
		h.payloadError(op, p, err)
		return
	}
	if expected, ok := h.fastSeq.next(f.Seq); !ok {
		h.logger.WithFields(logrus.Fields{
			"seq":      f.Seq,
			"expected": expected,
		}).Warn("Fast sequence gap")
	}

	h.sink.ReportJumbo(stash.Dynamic{
		HeartRate: f.HeartRate,
		Gain:      f.Gain,
		LeadOff:   f.LeadOff,
		Stage:     f.Stage,
		Mode:      f.Mode,
		Channel:   f.Channel,
		DataType:  f.DataType,
	}, f.Samples[:])
}

func (h *Handlers) heartbeat(op frame.Opcode, p []byte) {
	if len(p) != HeartbeatLen {
		h.payloadError(op, p, lengthError(op, len(p), HeartbeatLen))
		return
	}
	level := p[0]
	if level > MaxBatteryLevel {
		h.logger.WithField("level", level).Warn("Battery level out of range, clamping")
		level = MaxBatteryLevel
	}
	h.sink.ReportRemoteBattery(level * BatteryStep)
}

func printable(p []byte) string {
	return strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && unicode.IsPrint(r) {
			return r
		}
		return -1
	}, string(p))
}
