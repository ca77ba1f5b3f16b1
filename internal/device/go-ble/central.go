// Package goble implements the device radio interfaces on top of go-ble.
package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/tinyecg/internal/device"
)

// DeviceFactory creates the host ble.Device. Tests may replace it.
//
//nolint:revive // exported for test overrides
var DeviceFactory = newDevice

// Central is the host radio. The underlying device is opened on first use
// and shared by scans and connections.
type Central struct {
	mu     sync.Mutex
	dev    ble.Device
	logger *logrus.Logger
}

// NewCentral creates a Central.
func NewCentral(logger *logrus.Logger) *Central {
	if logger == nil {
		logger = logrus.New()
	}
	return &Central{logger: logger}
}

func (c *Central) device() (ble.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev != nil {
		return c.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		c.logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	c.dev = dev
	return dev, nil
}

// Scan reports advertisements until ctx is done. Duplicates are reported so
// that names resolved from scan responses reach the handler.
func (c *Central) Scan(ctx context.Context, handler func(device.Advertisement)) error {
	dev, err := c.device()
	if err != nil {
		return err
	}
	err = dev.Scan(ctx, true, func(adv ble.Advertisement) {
		handler(NewBLEAdvertisement(adv))
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return NormalizeError(err)
	}
	return ctx.Err()
}

// Connect dials addr and returns the established link.
func (c *Central) Connect(ctx context.Context, addr string, timeout time.Duration) (device.Link, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, errors.New("device address is empty")
	}
	dev, err := c.device()
	if err != nil {
		return nil, err
	}

	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.logger.WithFields(logrus.Fields{
		"address": addr,
		"timeout": timeout,
	}).Debug("Dialing BLE device...")
	client, err := dev.Dial(connCtx, ble.NewAddr(addr))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("failed to connect to %q: %w", addr, device.ErrTimeout)
		}
		return nil, fmt.Errorf("failed to connect to %q: %w", addr, NormalizeError(err))
	}
	return newLink(client, c.logger), nil
}

// Close releases the host device.
func (c *Central) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev == nil {
		return nil
	}
	err := c.dev.Stop()
	c.dev = nil
	return err
}
