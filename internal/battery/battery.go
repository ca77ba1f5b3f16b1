// Package battery tracks the charge of the receiver's own LiPo cell.
package battery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

const (
	DefaultInterval = 15 * time.Second

	// The cell is measured through a 1:2 divider: 3.0V..4.0V reads as
	// 1500..2000 mV.
	emptyMillivolts = 1500
	millivoltsPerPc = 5
)

var ErrNoSource = errors.New("battery source not configured")

// Percent maps a divider reading in millivolts to a charge percentage.
func Percent(mv int) uint8 {
	pct := (mv - emptyMillivolts) / millivoltsPerPc
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return uint8(pct)
}

// Source reads the divider voltage in millivolts.
type Source interface {
	Millivolts() (int, error)
}

// Reporter receives the local battery percentage.
type Reporter interface {
	ReportLocalBattery(pct uint8)
}

// SysfsSource reads a power_supply voltage_now attribute (microvolts of the
// full cell) and converts it to the divider reading.
type SysfsSource struct {
	Path string
}

func (s SysfsSource) Millivolts() (int, error) {
	if s.Path == "" {
		return 0, ErrNoSource
	}
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return 0, fmt.Errorf("failed to read battery voltage: %w", err)
	}
	uv, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("failed to parse battery voltage %q: %w", raw, err)
	}
	return uv / 2000, nil
}

// Monitor polls a Source and reports the percentage.
type Monitor struct {
	source   Source
	reporter Reporter
	interval time.Duration
	clock    clockwork.Clock
	logger   *logrus.Logger
}

// NewMonitor creates a monitor. A zero interval uses DefaultInterval and a
// nil clock the real one.
func NewMonitor(source Source, reporter Reporter, interval time.Duration, clock clockwork.Clock, logger *logrus.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Monitor{
		source:   source,
		reporter: reporter,
		interval: interval,
		clock:    clock,
		logger:   logger,
	}
}

// Run samples immediately and then once per interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	m.poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.poll()
		}
	}
}

func (m *Monitor) poll() {
	mv, err := m.source.Millivolts()
	if err != nil {
		m.logger.WithField("error", err).Warn("Failed to read local battery")
		return
	}
	pct := Percent(mv)
	m.logger.WithFields(logrus.Fields{
		"millivolts": mv,
		"percent":    pct,
	}).Debug("Local battery")
	m.reporter.ReportLocalBattery(pct)
}
