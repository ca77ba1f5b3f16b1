package main

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/tinyecg/internal/device"
	"github.com/srg/tinyecg/internal/frame"
	"github.com/srg/tinyecg/internal/pc80b"
	"github.com/srg/tinyecg/internal/runner"
	"github.com/srg/tinyecg/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeAdv struct {
	name string
	addr string
}

func (a fakeAdv) LocalName() string        { return a.name }
func (a fakeAdv) ManufacturerData() []byte { return nil }
func (a fakeAdv) Services() []string       { return nil }
func (a fakeAdv) Connectable() bool        { return true }
func (a fakeAdv) RSSI() int                { return -62 }
func (a fakeAdv) Addr() string             { return a.addr }

type fakeLink struct {
	mu         sync.Mutex
	subscribed map[uint16]device.NotifyFunc
	writes     [][]byte
	closed     bool
	gone       chan struct{}
}

func newFakeLink() *fakeLink {
	return &fakeLink{subscribed: map[uint16]device.NotifyFunc{}, gone: make(chan struct{})}
}

func (l *fakeLink) Addr() string                  { return "aa:bb:cc:dd:ee:ff" }
func (l *fakeLink) RSSI() (int, error)            { return -60, nil }
func (l *fakeLink) Disconnected() <-chan struct{} { return l.gone }

func (l *fakeLink) Discover(context.Context) ([]device.Service, error) {
	return []device.Service{{
		UUID: "fff0",
		Characteristics: []device.Characteristic{
			{UUID: "fff1", Handle: 0x0E, Properties: device.PropNotify},
			{UUID: "fff2", Handle: 0x11, Properties: device.PropWriteWithoutResponse},
		},
	}}, nil
}

func (l *fakeLink) Subscribe(handle uint16, fn device.NotifyFunc) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribed[handle] = fn
	return nil
}

func (l *fakeLink) Write(_ uint16, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writes = append(l.writes, append([]byte{}, data...))
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) subscriber(handle uint16) device.NotifyFunc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subscribed[handle]
}

func (l *fakeLink) Writes() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte{}, l.writes...)
}

func (l *fakeLink) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// fakeCentral reports its advertisements and then scans until the context
// ends. A non-nil hang makes Scan ignore the context until hang is closed.
type fakeCentral struct {
	advs []device.Advertisement
	link *fakeLink
	hang chan struct{}
}

func (c *fakeCentral) Scan(ctx context.Context, handler func(device.Advertisement)) error {
	for _, a := range c.advs {
		handler(a)
	}
	if c.hang != nil {
		<-c.hang
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *fakeCentral) Connect(context.Context, string, time.Duration) (device.Link, error) {
	return c.link, nil
}

type runResult struct {
	outcome runner.Outcome
	err     error
}

func startPipeline(t *testing.T, cfg *config.Config, central device.Central) (context.CancelFunc, <-chan runResult, *bytes.Buffer) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	out := new(bytes.Buffer)

	p, err := newPipeline(cfg, central, out, clockwork.NewRealClock(), logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan runResult, 1)
	go func() {
		outcome, err := p.run(ctx)
		done <- runResult{outcome, err}
	}()
	return cancel, done, out
}

func waitResult(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not return")
		return runResult{}
	}
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.NoColor = true
	cfg.Width = 100
	cfg.ConnectDelay = time.Millisecond
	return cfg
}

func TestPipeline_NotFound(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	cfg.ScanDuration = 20 * time.Millisecond

	cancel, done, out := startPipeline(t, cfg, &fakeCentral{advs: []device.Advertisement{fakeAdv{name: "Kettle", addr: "01:02"}}})
	defer cancel()

	res := waitResult(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, runner.NotFound, res.outcome)
	assert.Contains(t, out.String(), "[not found] Kettle")
}

func TestPipeline_ServesPC80B(t *testing.T) {
	defer goleak.VerifyNone(t)

	link := newFakeLink()
	central := &fakeCentral{
		advs: []device.Advertisement{fakeAdv{name: pc80b.DeviceName, addr: "aa:bb:cc:dd:ee:ff"}},
		link: link,
	}
	cancel, done, out := startPipeline(t, testConfig(), central)
	defer cancel()

	require.Eventually(t, func() bool { return link.subscriber(0x0E) != nil }, 2*time.Second, 5*time.Millisecond)
	link.subscriber(0x0E)(0x0E, frame.MustEncode(frame.OpContinuous, []byte{0x3F}))

	require.Eventually(t, func() bool { return len(link.Writes()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte{0xA5, 0xAA, 0x02, 0x3F, 0x00, 0x29}, link.Writes()[0])

	cancel()
	res := waitResult(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, runner.PowerDown, res.outcome)
	assert.True(t, link.Closed())
	assert.Contains(t, out.String(), "[off] PC80B-BLE")
}

func TestPipeline_ShutdownTimeout(t *testing.T) {
	hang := make(chan struct{})
	cfg := testConfig()
	cfg.ShutdownGrace = 20 * time.Millisecond

	cancel, done, _ := startPipeline(t, cfg, &fakeCentral{hang: hang})
	time.Sleep(10 * time.Millisecond)
	cancel()

	res := waitResult(t, done)
	assert.ErrorIs(t, res.err, ErrShutdownTimeout)
	close(hang)
}

func TestNewPipeline_InvalidRates(t *testing.T) {
	logger, _ := test.NewNullLogger()
	cfg := testConfig()
	cfg.FrameRate = 24

	_, err := newPipeline(cfg, &fakeCentral{}, new(bytes.Buffer), clockwork.NewRealClock(), logger)
	assert.Error(t, err)
}

func TestFormatUserError(t *testing.T) {
	assert.Contains(t, FormatUserError(device.ErrBluetoothOff), "Bluetooth is off")
	assert.Contains(t, FormatUserError(ErrNotFound), "no PC-80B recorder")
	assert.Equal(t, assert.AnError.Error(), FormatUserError(assert.AnError))
}
