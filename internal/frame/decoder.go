package frame

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
)

// DefaultCapacity is the default size of the reassembly buffer. It holds
// one maximal frame plus the tail of the next one.
const DefaultCapacity = 512

// ResyncPolicy selects how the decoder recovers after rejecting a frame.
type ResyncPolicy int

const (
	// ResyncScan skips a single byte and hunts for the next tag. A corrupted
	// length byte costs at most one frame.
	ResyncScan ResyncPolicy = iota

	// ResyncTrustLength advances by the declared frame length even when the
	// frame failed validation. A corrupted length can desynchronize the
	// stream for several frames.
	ResyncTrustLength
)

func (p ResyncPolicy) String() string {
	switch p {
	case ResyncScan:
		return "scan"
	case ResyncTrustLength:
		return "length"
	default:
		return fmt.Sprintf("resync(%d)", int(p))
	}
}

// ParseResyncPolicy converts a configuration string to a ResyncPolicy.
func ParseResyncPolicy(s string) (ResyncPolicy, error) {
	switch s {
	case "", "scan":
		return ResyncScan, nil
	case "length", "trust-length":
		return ResyncTrustLength, nil
	default:
		return 0, fmt.Errorf("invalid resync policy %q: use scan or length", s)
	}
}

// HandlerFunc receives the payload of one validated frame. The payload slice
// is only valid for the duration of the call.
type HandlerFunc func(op Opcode, payload []byte)

// Options configures a Decoder.
type Options struct {
	Capacity int
	Resync   ResyncPolicy
}

// Stats is a snapshot of decoder counters.
type Stats struct {
	Frames         uint64
	BadTags        uint64
	BadChecksums   uint64
	BadOpcodes     uint64
	UnknownOpcodes uint64
	Overflows      uint64
	SkippedBytes   uint64
}

type counters struct {
	frames         atomic.Uint64
	badTags        atomic.Uint64
	badChecksums   atomic.Uint64
	badOpcodes     atomic.Uint64
	unknownOpcodes atomic.Uint64
	overflows      atomic.Uint64
	skippedBytes   atomic.Uint64
}

// Decoder reassembles frames from a byte stream and dispatches them by
// opcode. Feed, Reset and Handle must be called from a single goroutine
// (the radio notification context); Stats may be called from anywhere.
type Decoder struct {
	buf      *ringbuffer.RingBuffer
	window   []byte
	handlers [16]HandlerFunc
	resync   ResyncPolicy
	logger   *logrus.Logger
	counters counters
}

// NewDecoder creates a decoder. Capacities below MaxFrameSize are raised so
// that every legal frame can be reassembled.
func NewDecoder(opts Options, logger *logrus.Logger) *Decoder {
	if logger == nil {
		logger = logrus.New()
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if capacity < MaxFrameSize {
		logger.WithFields(logrus.Fields{
			"requested": capacity,
			"minimum":   MaxFrameSize,
		}).Warn("Reassembly capacity too small, raising to maximum frame size")
		capacity = MaxFrameSize
	}

	return &Decoder{
		buf:    ringbuffer.New(capacity),
		window: make([]byte, capacity),
		resync: opts.Resync,
		logger: logger,
	}
}

// Handle registers fn for op, replacing any previous handler.
func (d *Decoder) Handle(op Opcode, fn HandlerFunc) {
	d.handlers[op&0x0f] = fn
}

// Reset discards every buffered byte.
func (d *Decoder) Reset() {
	d.buf.Reset()
}

// Buffered returns the number of bytes waiting for the rest of their frame.
func (d *Decoder) Buffered() int {
	return d.buf.Length()
}

// Stats returns a snapshot of the decoder counters.
func (d *Decoder) Stats() Stats {
	return Stats{
		Frames:         d.counters.frames.Load(),
		BadTags:        d.counters.badTags.Load(),
		BadChecksums:   d.counters.badChecksums.Load(),
		BadOpcodes:     d.counters.badOpcodes.Load(),
		UnknownOpcodes: d.counters.unknownOpcodes.Load(),
		Overflows:      d.counters.overflows.Load(),
		SkippedBytes:   d.counters.skippedBytes.Load(),
	}
}

// Feed appends data to the reassembly buffer and dispatches every complete
// frame. It never blocks and never fails: malformed input is logged and
// skipped, and an overflow drops both the buffered and the incoming bytes.
func (d *Decoder) Feed(data []byte) {
	if len(data) == 0 {
		return
	}

	buffered := d.buf.Length()
	if len(data) > d.buf.Capacity()-buffered {
		d.counters.overflows.Add(1)
		d.counters.skippedBytes.Add(uint64(buffered + len(data)))
		d.logger.WithFields(logrus.Fields{
			"buffered": buffered,
			"incoming": len(data),
			"capacity": d.buf.Capacity(),
		}).Error(ErrOverflow.Error())
		d.buf.Reset()
		return
	}

	if _, err := d.buf.Write(data); err != nil {
		d.logger.WithField("error", err).Error("Failed to append to reassembly buffer")
		d.buf.Reset()
		return
	}

	n, err := d.buf.TryRead(d.window[:d.buf.Length()])
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		d.logger.WithField("error", err).Error("Failed to read reassembly buffer")
		d.buf.Reset()
		return
	}

	window := d.window[:n]
	consumed := d.scan(window)
	if consumed < n {
		// Keep the partial frame for the next notification.
		if _, err := d.buf.Write(window[consumed:]); err != nil {
			d.logger.WithField("error", err).Error("Failed to retain partial frame")
			d.buf.Reset()
		}
	}
}

// scan walks w, dispatching complete frames, and returns how many leading
// bytes of w have been resolved.
func (d *Decoder) scan(w []byte) int {
	off := 0
	for off < len(w) {
		avail := len(w) - off

		if d.resync == ResyncScan && w[off] != Tag {
			skip := avail
			if next := bytes.IndexByte(w[off+1:], Tag); next >= 0 {
				skip = next + 1
			}
			d.counters.badTags.Add(1)
			d.reject(&FrameError{Offset: off, Bytes: w[off : off+skip], Err: ErrBadTag}, skip)
			off += skip
			continue
		}

		if avail < HeaderSize {
			return off
		}
		frameLen := int(w[off+2]) + Overhead
		if frameLen > avail {
			return off
		}

		f := w[off : off+frameLen]
		op, err := d.validate(f)
		if err != nil {
			skip := frameLen
			if d.resync == ResyncScan {
				skip = 1
			}
			d.reject(&FrameError{Offset: off, Bytes: f, Err: err}, skip)
			off += skip
			continue
		}

		d.dispatch(op, f[HeaderSize:frameLen-1])
		off += frameLen
	}
	return off
}

func (d *Decoder) validate(f []byte) (Opcode, error) {
	if f[0] != Tag {
		d.counters.badTags.Add(1)
		return 0, ErrBadTag
	}
	if sum := Checksum(f[:len(f)-1]); sum != f[len(f)-1] {
		d.counters.badChecksums.Add(1)
		return 0, fmt.Errorf("%w: computed 0x%02X, received 0x%02X", ErrBadChecksum, sum, f[len(f)-1])
	}
	op, err := ParseOpcode(f[1])
	if err != nil {
		d.counters.badOpcodes.Add(1)
		return 0, err
	}
	return op, nil
}

func (d *Decoder) dispatch(op Opcode, payload []byte) {
	d.counters.frames.Add(1)

	fn := d.handlers[op]
	if fn == nil {
		d.counters.unknownOpcodes.Add(1)
		d.logger.WithFields(logrus.Fields{
			"opcode":  op.String(),
			"payload": hex.EncodeToString(payload),
		}).Warn(ErrUnknownOpcode.Error())
		return
	}

	if d.logger.IsLevelEnabled(logrus.DebugLevel) {
		d.logger.WithFields(logrus.Fields{
			"opcode": op.String(),
			"length": len(payload),
		}).Debug("Dispatching frame")
	}
	fn(op, payload)
}

func (d *Decoder) reject(ferr *FrameError, skip int) {
	d.counters.skippedBytes.Add(uint64(skip))
	d.logger.WithFields(logrus.Fields{
		"offset": ferr.Offset,
		"bytes":  hex.EncodeToString(ferr.Bytes),
		"skip":   skip,
		"resync": d.resync.String(),
	}).Error(ferr.Err.Error())
}
