// Package runner drives the radio: it scans for a registered peripheral,
// connects, wires its characteristics to the descriptor callbacks and
// rescans whenever the peripheral goes away.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/srg/tinyecg/internal/bledb"
	"github.com/srg/tinyecg/internal/device"
	"github.com/srg/tinyecg/internal/groutine"
	"github.com/srg/tinyecg/internal/registry"
	"github.com/srg/tinyecg/internal/stash"
)

const (
	DefaultScanDuration   = 50 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultRSSIInterval   = 5 * time.Second

	maxRSSIBars = 4
)

// State is the position of the connection state machine.
type State int32

const (
	Idle State = iota
	Scanning
	Connecting
	ServiceDiscovery
	CharacteristicDiscovery
	Subscribed
	Receiving
	Disconnected
)

var stateNames = [...]string{
	Idle:                    "idle",
	Scanning:                "scanning",
	Connecting:              "connecting",
	ServiceDiscovery:        "service-discovery",
	CharacteristicDiscovery: "characteristic-discovery",
	Subscribed:              "subscribed",
	Receiving:               "receiving",
	Disconnected:            "disconnected",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Outcome tells the caller why Run returned.
type Outcome int

const (
	// PowerDown means the run was stopped from outside.
	PowerDown Outcome = iota
	// NotFound means a scan window elapsed without a supported peripheral.
	NotFound
)

func (o Outcome) String() string {
	if o == NotFound {
		return "not-found"
	}
	return "power-down"
}

// Reporter receives the connection facts shown to the user.
type Reporter interface {
	ReportName(name string)
	ReportFound(found bool)
	ReportState(st stash.State)
	ReportRSSI(bars uint8)
}

// Options tunes the runner. Zero values select the defaults.
type Options struct {
	ScanDuration   time.Duration
	ConnectTimeout time.Duration
	RSSIInterval   time.Duration
	Clock          clockwork.Clock
}

// Runner owns the connection state machine. Run may be called once at a
// time.
type Runner struct {
	central  device.Central
	registry *registry.Registry
	table    *registry.HandleTable
	reporter Reporter
	opts     Options
	logger   *logrus.Logger

	state        atomic.Int32
	onTransition func(from, to State)
}

// New creates a runner.
func New(central device.Central, reg *registry.Registry, reporter Reporter, opts Options, logger *logrus.Logger) *Runner {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.ScanDuration <= 0 {
		opts.ScanDuration = DefaultScanDuration
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.RSSIInterval <= 0 {
		opts.RSSIInterval = DefaultRSSIInterval
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Runner{
		central:  central,
		registry: reg,
		table:    registry.NewHandleTable(logger),
		reporter: reporter,
		opts:     opts,
		logger:   logger,
	}
}

// OnTransition installs a hook called on every state change. It must be set
// before Run and must not block.
func (r *Runner) OnTransition(fn func(from, to State)) {
	r.onTransition = fn
}

// State returns the current state.
func (r *Runner) State() State {
	return State(r.state.Load())
}

// Handles exposes the handle table of the current connection.
func (r *Runner) Handles() *registry.HandleTable {
	return r.table
}

func (r *Runner) transition(to State) {
	from := State(r.state.Swap(int32(to)))
	if from == to {
		return
	}
	r.logger.WithFields(logrus.Fields{
		"from": from.String(),
		"to":   to.String(),
	}).Debug("Runner state change")
	if r.onTransition != nil {
		r.onTransition(from, to)
	}
}

type candidate struct {
	desc *registry.Descriptor
	addr string
	name string
}

// Run scans and serves peripherals until ctx is cancelled or a scan window
// finds nothing.
func (r *Runner) Run(ctx context.Context) (Outcome, error) {
	defer r.transition(Idle)

	if err := r.registry.Init(); err != nil {
		return PowerDown, err
	}

	for {
		r.transition(Scanning)
		r.reporter.ReportState(stash.Scanning)

		c, err := r.scan(ctx)
		if ctx.Err() != nil {
			return PowerDown, nil
		}
		if err != nil {
			return PowerDown, err
		}
		if c == nil {
			r.logger.WithField("window", r.opts.ScanDuration).Info("Nothing found during scan")
			return NotFound, nil
		}

		err = r.session(ctx, c)
		if ctx.Err() != nil {
			return PowerDown, nil
		}
		if err != nil {
			r.logger.WithFields(logrus.Fields{
				"peripheral": c.desc.Key(),
				"address":    c.addr,
				"error":      err,
			}).Warn("Session failed, rescanning")
		}
	}
}

// scan returns the first advertiser a descriptor matches, or nil when the
// scan window elapses.
func (r *Runner) scan(ctx context.Context) (*candidate, error) {
	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var expired atomic.Bool
	timer := r.opts.Clock.AfterFunc(r.opts.ScanDuration, func() {
		expired.Store(true)
		cancel()
	})
	defer timer.Stop()

	var (
		mu    sync.Mutex
		found *candidate
	)
	r.logger.WithField("window", r.opts.ScanDuration).Info("Scanning")

	err := r.central.Scan(scanCtx, func(adv device.Advertisement) {
		name := adv.LocalName()
		if name == "" {
			name = adv.Addr()
		}
		r.reporter.ReportName(name)

		mu.Lock()
		defer mu.Unlock()
		if found != nil {
			return
		}
		d, ok := r.registry.Match(adv)
		if !ok {
			return
		}
		found = &candidate{desc: d, addr: adv.Addr(), name: name}
		r.logger.WithFields(logrus.Fields{
			"peripheral": d.Key(),
			"name":       name,
			"address":    adv.Addr(),
			"rssi":       adv.RSSI(),
		}).Info("Found supported peripheral, stopping scan")
		cancel()
	})

	mu.Lock()
	defer mu.Unlock()
	switch {
	case found != nil:
		return found, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case expired.Load():
		return nil, nil
	case err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded):
		return nil, fmt.Errorf("scan failed: %w", device.NormalizeError(err))
	}
	return nil, nil
}

// session serves one peripheral until it disconnects or ctx is done.
func (r *Runner) session(ctx context.Context, c *candidate) (err error) {
	r.transition(Connecting)
	r.reporter.ReportState(stash.Connecting)
	r.reporter.ReportFound(true)
	r.reporter.ReportName(c.name)

	var (
		link    device.Link
		started registry.Lifecycle
		pollers *groutine.Group
	)
	// Close the link before Stop: no notification may reach the decoder
	// while it resets.
	defer func() {
		if pollers != nil {
			pollers.Stop()
		}
		if link != nil {
			if cerr := link.Close(); cerr != nil {
				r.logger.WithField("error", cerr).Debug("Failed to close link")
			}
		}
		if started != nil {
			started.Stop()
		}
		r.table.Reset()
		r.reporter.ReportFound(false)
		r.transition(Disconnected)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.opts.Clock.After(c.desc.Delay()):
	}

	r.logger.WithFields(logrus.Fields{
		"peripheral": c.desc.Key(),
		"address":    c.addr,
	}).Info("Connecting")
	link, err = r.central.Connect(ctx, c.addr, r.opts.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.addr, device.NormalizeError(err))
	}

	r.transition(ServiceDiscovery)
	services, err := link.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discover %s: %w", c.addr, device.NormalizeError(err))
	}
	if r.logger.IsLevelEnabled(logrus.DebugLevel) {
		for _, svc := range services {
			r.logger.WithFields(logrus.Fields{
				"service_uuid":    svc.UUID,
				"service_name":    bledb.LookupService(svc.UUID),
				"characteristics": len(svc.Characteristics),
			}).Debug("Discovered service")
		}
	}

	r.transition(CharacteristicDiscovery)
	if err := r.table.Bind(c.desc, services); err != nil {
		return err
	}

	if lc := c.desc.Lifecycle; lc != nil {
		if err := lc.Start(link); err != nil {
			return fmt.Errorf("start %s: %w", c.desc.Key(), err)
		}
		started = lc
	}

	for _, h := range r.table.NotifyHandles() {
		if err := link.Subscribe(h, r.dispatch); err != nil {
			return fmt.Errorf("subscribe 0x%04x: %w", h, device.NormalizeError(err))
		}
	}
	r.transition(Subscribed)

	pollers = groutine.NewGroup(ctx)
	pollers.Go("rssi-poller", func(ctx context.Context) { r.pollRSSI(ctx, link) })

	r.reporter.ReportState(stash.Receiving)
	r.transition(Receiving)
	r.logger.WithField("peripheral", c.desc.Key()).Info("Receiving")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-link.Disconnected():
		r.logger.WithField("peripheral", c.desc.Key()).Info("Peripheral disconnected")
		return nil
	}
}

func (r *Runner) dispatch(handle uint16, data []byte) {
	r.table.Dispatch(handle, data)
}

func (r *Runner) pollRSSI(ctx context.Context, link device.Link) {
	ticker := r.opts.Clock.NewTicker(r.opts.RSSIInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			rssi, err := link.RSSI()
			if err != nil {
				r.logger.WithField("error", err).Debug("Failed to read RSSI")
				continue
			}
			r.reporter.ReportRSSI(RSSIBars(rssi))
		}
	}
}

// RSSIBars maps a signal strength in dBm to 0..4 bars.
func RSSIBars(rssi int) uint8 {
	bars := (90 + rssi) / 10
	switch {
	case bars < 0:
		return 0
	case bars > maxRSSIBars:
		return maxRSSIBars
	}
	return uint8(bars)
}
