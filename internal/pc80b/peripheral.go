// Package pc80b drives the PC-80B single-lead ECG recorder: it decodes the
// framed command protocol arriving on the notify characteristic, interprets
// every command into stash reports and sends acknowledgements and keepalive
// heartbeats back through the write characteristic.
package pc80b

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/srg/tinyecg/internal/device"
	"github.com/srg/tinyecg/internal/frame"
	"github.com/srg/tinyecg/internal/groutine"
	"github.com/srg/tinyecg/internal/registry"
)

const (
	DeviceName         = "PC80B-BLE"
	ServiceUUID uint16 = 0xFFF0
	NotifyUUID  uint16 = 0xFFF1
	WriteUUID   uint16 = 0xFFF2

	DefaultHeartbeatInterval        = 15 * time.Second
	DefaultQueueSize         uint32 = 16
)

var heartbeatPayload = []byte{0x00}

// Options configures a Peripheral.
type Options struct {
	Decoder           frame.Options
	HeartbeatInterval time.Duration
	QueueSize         uint32
	Clock             clockwork.Clock
}

// Stats is a snapshot of the driver counters.
type Stats struct {
	Decoder frame.Stats
	Sent    uint64
	Dropped uint64
	Failed  uint64
}

// Peripheral is the per-device driver. Feed runs on the radio notification
// context; commands are queued and written by a dedicated goroutine so the
// radio context never waits on a GATT write.
type Peripheral struct {
	decoder  *frame.Decoder
	handlers *Handlers
	queue    mpmc.RichOverlappedRingBuffer[[]byte]
	wake     chan struct{}
	idle     chan struct{}
	pending  atomic.Int64
	clock    clockwork.Clock
	interval time.Duration
	logger   *logrus.Logger

	writeHandle atomic.Uint32
	running     atomic.Bool

	mu    sync.Mutex
	group *groutine.Group

	sent    atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// New creates a driver reporting into sink.
func New(sink Sink, opts Options, logger *logrus.Logger) *Peripheral {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.QueueSize == 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	p := &Peripheral{
		decoder:  frame.NewDecoder(opts.Decoder, logger),
		queue:    mpmc.NewOverlappedRingBuffer[[]byte](opts.QueueSize),
		wake:     make(chan struct{}, 1),
		idle:     make(chan struct{}, 1),
		clock:    opts.Clock,
		interval: opts.HeartbeatInterval,
		logger:   logger,
	}
	p.handlers = NewHandlers(sink, p, logger)
	p.handlers.Register(p.decoder)
	return p
}

// Descriptor returns the registry entry for this driver.
func (p *Peripheral) Descriptor() *registry.Descriptor {
	return &registry.Descriptor{
		Name:           DeviceName,
		AdvertisedUUID: ServiceUUID,
		Services: []registry.Service{{
			UUID: ServiceUUID,
			Characteristics: []registry.Characteristic{
				{UUID: NotifyUUID, Kind: registry.Notify, OnNotify: p.Feed},
				{UUID: WriteUUID, Kind: registry.Write, OnHandle: p.SetWriteHandle},
			},
		}},
		Lifecycle: p,
	}
}

// Feed passes one notification to the frame decoder.
func (p *Peripheral) Feed(data []byte) {
	p.decoder.Feed(data)
}

// SetWriteHandle records the value handle of the write characteristic.
func (p *Peripheral) SetWriteHandle(handle uint16) {
	p.writeHandle.Store(uint32(handle))
	p.logger.WithField("handle", handle).Debug("Captured write handle")
}

// Start resets per-connection state and launches the command writer and the
// keepalive heartbeat.
func (p *Peripheral) Start(w device.Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running.Load() {
		return errors.New("pc80b: already started")
	}
	handle := uint16(p.writeHandle.Load())
	if handle == 0 {
		return ErrNoWriteHandle
	}

	p.decoder.Reset()
	p.handlers.Reset()
	p.drain()

	p.running.Store(true)
	p.group = groutine.NewGroup(context.Background())
	p.group.Go("pc80b-writer", func(ctx context.Context) {
		p.writeLoop(ctx, w, handle)
	})
	p.group.Go("pc80b-keepalive", p.keepalive)

	p.logger.WithFields(logrus.Fields{
		"write_handle": handle,
		"heartbeat":    p.interval,
	}).Info("PC-80B session started")
	return nil
}

// Stop cancels the writer and keepalive goroutines and waits for them to
// exit. Queued commands are discarded.
func (p *Peripheral) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running.Swap(false) {
		return
	}
	p.group.Stop()
	p.group = nil

	p.drain()
	p.decoder.Reset()
	p.logger.Info("PC-80B session stopped")
}

// SendCmd encodes a command frame and queues it for transmission. When the
// queue is full the oldest command is dropped.
func (p *Peripheral) SendCmd(op frame.Opcode, payload []byte) error {
	if !p.running.Load() {
		return ErrNotStarted
	}
	f, err := frame.Encode(op, payload)
	if err != nil {
		return err
	}

	overwrites, err := p.queue.EnqueueM(f)
	if err != nil {
		return fmt.Errorf("failed to queue %s command: %w", op, err)
	}
	p.pending.Add(1 - int64(overwrites))
	if overwrites > 0 {
		p.dropped.Add(uint64(overwrites))
		p.logger.WithField("dropped", overwrites).Warn("Command queue full, dropped oldest")
	}

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// WaitIdle blocks until every queued command has been handed to the
// writer, or ctx is done.
func (p *Peripheral) WaitIdle(ctx context.Context) error {
	for p.running.Load() && p.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.idle:
		}
	}
	return nil
}

// Stats returns the driver counters.
func (p *Peripheral) Stats() Stats {
	return Stats{
		Decoder: p.decoder.Stats(),
		Sent:    p.sent.Load(),
		Dropped: p.dropped.Load(),
		Failed:  p.failed.Load(),
	}
}

func (p *Peripheral) writeLoop(ctx context.Context, w device.Writer, handle uint16) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
			p.flush(ctx, w, handle)
		}
	}
}

func (p *Peripheral) flush(ctx context.Context, w device.Writer, handle uint16) {
	defer func() {
		select {
		case p.idle <- struct{}{}:
		default:
		}
	}()
	for ctx.Err() == nil && !p.queue.IsEmpty() {
		f, err := p.queue.Dequeue()
		if err != nil {
			return
		}
		p.write(w, handle, f)
		p.pending.Add(-1)
	}
}

func (p *Peripheral) write(w device.Writer, handle uint16, f []byte) {
	if err := w.Write(handle, f); err != nil {
		p.failed.Add(1)
		p.logger.WithFields(logrus.Fields{
			"handle": handle,
			"frame":  fmt.Sprintf("% X", f),
			"error":  err,
		}).Error("Failed to write command")
		return
	}
	p.sent.Add(1)
	if p.logger.IsLevelEnabled(logrus.DebugLevel) {
		p.logger.WithField("frame", fmt.Sprintf("% X", f)).Debug("Command written")
	}
}

func (p *Peripheral) keepalive(ctx context.Context) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := p.SendCmd(frame.OpHeartbeat, heartbeatPayload); err != nil {
				p.logger.WithField("error", err).Warn("Failed to queue heartbeat")
			}
		}
	}
}

func (p *Peripheral) drain() {
	for !p.queue.IsEmpty() {
		if _, err := p.queue.Dequeue(); err != nil {
			break
		}
	}
	p.pending.Store(0)
	select {
	case <-p.wake:
	default:
	}
}
