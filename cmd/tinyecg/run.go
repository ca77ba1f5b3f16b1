package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/tinyecg/internal/battery"
	"github.com/srg/tinyecg/internal/device"
	goble "github.com/srg/tinyecg/internal/device/go-ble"
	"github.com/srg/tinyecg/internal/groutine"
	"github.com/srg/tinyecg/internal/hrm"
	"github.com/srg/tinyecg/internal/pc80b"
	"github.com/srg/tinyecg/internal/registry"
	"github.com/srg/tinyecg/internal/render"
	"github.com/srg/tinyecg/internal/ringchan"
	"github.com/srg/tinyecg/internal/runner"
	"github.com/srg/tinyecg/internal/stash"
	"github.com/srg/tinyecg/pkg/config"
)

// frameQueue is the number of rendered frames buffered for a slow terminal.
const frameQueue = 3

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Scan, connect and display a live ECG",
	Long: `Scan for a PC-80B ECG recorder or a BLE heart rate monitor, connect to the
first one found and display its waveform and vitals until interrupted.

When the peripheral goes away the receiver scans again. The command exits
with an error when a whole scan window passes without a supported device.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var (
	runScanDuration time.Duration
	runBatteryPath  string
	runNoColor      bool
)

func init() {
	runCmd.Flags().DurationVarP(&runScanDuration, "duration", "d", 0, "Scan window before giving up (overrides scan_duration)")
	runCmd.Flags().StringVar(&runBatteryPath, "battery", "", "sysfs voltage_now file of the local battery")
	runCmd.Flags().BoolVar(&runNoColor, "no-color", false, "Disable colored output")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyRunFlags(cmd, cfg); err != nil {
		return err
	}

	// Configure logger based on --log-level and --verbose flags
	logger, err := configureLogger(cmd, cfg, "verbose")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	// Create a cancellable context for signal handling
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Listen for Ctrl+C to power down
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	central := goble.NewCentral(logger)
	defer func() {
		if err := central.Close(); err != nil {
			logger.WithField("error", err).Debug("Failed to release BLE device")
		}
	}()

	p, err := newPipeline(cfg, central, cmd.OutOrStdout(), clockwork.NewRealClock(), logger)
	if err != nil {
		return err
	}

	outcome, err := p.run(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout())
	if outcome == runner.NotFound {
		return ErrNotFound
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Powered off")
	return nil
}

func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("duration") {
		cfg.ScanDuration = runScanDuration
	}
	if cmd.Flags().Changed("battery") {
		cfg.BatteryPath = runBatteryPath
	}
	if runNoColor {
		cfg.NoColor = true
	}
	return cfg.Validate()
}

// pipeline wires the receiver: the runner feeds the stash through the
// peripheral drivers, the sampler drains it at the frame rate and the
// display draws what the sampler publishes.
type pipeline struct {
	cfg     *config.Config
	clock   clockwork.Clock
	logger  *logrus.Logger
	stash   *stash.Stash
	runner  *runner.Runner
	sampler *render.Sampler
	frames  *ringchan.RingChannel[render.Frame]
	display render.Display
	battery *battery.Monitor
}

func newPipeline(cfg *config.Config, central device.Central, out io.Writer, clock clockwork.Clock, logger *logrus.Logger) (*pipeline, error) {
	st := stash.New(cfg.StashCapacity, logger)

	ecg := pc80b.New(st, pc80b.Options{
		Decoder:           cfg.DecoderOptions(),
		HeartbeatInterval: cfg.HeartbeatInterval,
		QueueSize:         cfg.OutboundQueue,
		Clock:             clock,
	}, logger)
	ecgDesc := ecg.Descriptor()
	ecgDesc.ConnectDelay = cfg.ConnectDelay

	reg := registry.New(logger)
	if err := reg.Add(hrm.New(st, logger).Descriptor()); err != nil {
		return nil, err
	}
	if err := reg.Add(ecgDesc); err != nil {
		return nil, err
	}

	frames := ringchan.New[render.Frame](frameQueue)
	sampler, err := render.NewSampler(st, cfg.SampleRate, cfg.FrameRate, clock, frames, logger)
	if err != nil {
		return nil, err
	}

	p := &pipeline{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		stash:  st,
		runner: runner.New(central, reg, st, runner.Options{
			ScanDuration:   cfg.ScanDuration,
			ConnectTimeout: cfg.ConnectTimeout,
			RSSIInterval:   cfg.RSSIInterval,
			Clock:          clock,
		}, logger),
		sampler: sampler,
		frames:  frames,
		display: render.NewTermDisplay(out, render.TermOptions{Width: cfg.Width, NoColor: cfg.NoColor}),
	}
	if cfg.BatteryPath != "" {
		p.battery = battery.NewMonitor(battery.SysfsSource{Path: cfg.BatteryPath}, st, cfg.BatteryInterval, clock, logger)
	}
	return p, nil
}

// run drives the receiver until ctx is cancelled or a scan finds nothing.
// Once ctx is cancelled the runner gets the shutdown grace period to tear
// the session down.
func (p *pipeline) run(ctx context.Context) (runner.Outcome, error) {
	group := groutine.NewGroup(context.Background())
	defer func() {
		group.Stop()
		p.frames.Close()
	}()

	group.Go("render-sampler", p.sampler.Run)
	group.Go("render-display", func(ctx context.Context) {
		_ = render.Pump(ctx, p.frames, p.display, p.logger)
	})
	if p.battery != nil {
		group.Go("local-battery", p.battery.Run)
	}

	type result struct {
		outcome runner.Outcome
		err     error
	}
	done := make(chan result, 1)
	groutine.Go(ctx, "runner", func(ctx context.Context) {
		outcome, err := p.runner.Run(ctx)
		done <- result{outcome, err}
	})

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		select {
		case res = <-done:
		case <-p.clock.After(p.cfg.ShutdownGrace):
			p.logger.WithField("grace", p.cfg.ShutdownGrace).Error("Runner did not stop in time")
			return runner.PowerDown, ErrShutdownTimeout
		}
	}
	if res.err == nil {
		group.Stop()
		p.finish(res.outcome)
	}
	return res.outcome, res.err
}

// finish shows the terminal state once the sampler and display have stopped.
func (p *pipeline) finish(outcome runner.Outcome) {
	st := stash.OffButton
	if outcome == runner.NotFound {
		st = stash.NotFound
	}
	p.stash.ReportState(st)
	p.stash.ReportFound(false)
	if err := p.display.Render(render.Frame{At: p.clock.Now(), Record: p.stash.Get(nil)}); err != nil {
		p.logger.WithField("error", err).Debug("Failed to render final state")
	}
}
