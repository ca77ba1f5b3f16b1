package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/tinyecg/internal/device"
	"github.com/srg/tinyecg/internal/groutine"
)

// Link is an established go-ble client connection.
type Link struct {
	client ble.Client
	logger *logrus.Logger

	mu    sync.RWMutex
	chars map[uint16]*ble.Characteristic

	// writeMu serialises GATT writes.
	writeMu sync.Mutex

	gone      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newLink(client ble.Client, logger *logrus.Logger) *Link {
	l := &Link{
		client: client,
		logger: logger,
		chars:  make(map[uint16]*ble.Characteristic),
		gone:   make(chan struct{}),
	}

	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "ble-link-monitor", func(context.Context) {
			select {
			case <-dc.Disconnected():
				l.logger.WithField("address", l.Addr()).Warn("Radio reported disconnection")
				l.markGone()
			case <-l.gone:
			}
		})
	} else {
		l.logger.Debug("Client does not report disconnections")
	}
	return l
}

func (l *Link) markGone() {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.gone:
	default:
		close(l.gone)
	}
}

func (l *Link) Addr() string {
	if a := l.client.Addr(); a != nil {
		return a.String()
	}
	return ""
}

// Discover runs full profile discovery and indexes characteristics by value
// handle.
func (l *Link) Discover(ctx context.Context) ([]device.Service, error) {
	type result struct {
		p   *ble.Profile
		err error
	}
	done := make(chan result, 1)
	go func() {
		p, err := l.client.DiscoverProfile(true)
		done <- result{p, err}
	}()

	var res result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-done:
	}
	if res.err != nil {
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(res.err))
	}

	l.mu.Lock()
	clear(l.chars)
	for _, s := range res.p.Services {
		for _, c := range s.Characteristics {
			l.chars[c.ValueHandle] = c
		}
	}
	l.mu.Unlock()

	services := convertProfile(res.p)
	l.logger.WithFields(logrus.Fields{
		"address":  l.Addr(),
		"services": len(services),
	}).Debug("Profile discovered")
	return services, nil
}

func (l *Link) characteristic(handle uint16) (*ble.Characteristic, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.chars[handle]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%04x", device.ErrUnknownHandle, handle)
	}
	return c, nil
}

// Subscribe enables notifications, or indications when the characteristic
// only supports those.
func (l *Link) Subscribe(handle uint16, fn device.NotifyFunc) error {
	c, err := l.characteristic(handle)
	if err != nil {
		return err
	}
	indicate := c.Property&ble.CharNotify == 0 && c.Property&ble.CharIndicate != 0
	if !indicate && c.Property&ble.CharNotify == 0 {
		return fmt.Errorf("%w: characteristic 0x%04x cannot notify", device.ErrUnsupported, handle)
	}
	err = l.client.Subscribe(c, indicate, func(data []byte) {
		fn(handle, data)
	})
	if err != nil {
		return NormalizeError(err)
	}
	l.logger.WithFields(logrus.Fields{
		"handle":   handle,
		"indicate": indicate,
	}).Debug("Subscribed")
	return nil
}

// Write sends data with a write request, or a write command when the
// characteristic only supports that.
func (l *Link) Write(handle uint16, data []byte) error {
	select {
	case <-l.gone:
		return device.ErrNotConnected
	default:
	}
	c, err := l.characteristic(handle)
	if err != nil {
		return err
	}
	noRsp := c.Property&ble.CharWrite == 0 && c.Property&ble.CharWriteNR != 0

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.client.WriteCharacteristic(c, data, noRsp); err != nil {
		return fmt.Errorf("failed to write handle 0x%04x: %w", handle, NormalizeError(err))
	}
	return nil
}

func (l *Link) RSSI() (int, error) {
	select {
	case <-l.gone:
		return 0, device.ErrNotConnected
	default:
	}
	return l.client.ReadRSSI(), nil
}

func (l *Link) Disconnected() <-chan struct{} {
	return l.gone
}

// Close drops subscriptions and cancels the connection. It is safe to call
// more than once.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		if err := l.client.ClearSubscriptions(); err != nil {
			l.logger.WithField("error", err).Debug("Failed to clear subscriptions")
		}
		l.closeErr = NormalizeError(l.client.CancelConnection())
		l.markGone()
	})
	return l.closeErr
}
