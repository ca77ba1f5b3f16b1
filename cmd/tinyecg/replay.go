package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/tinyecg/internal/frame"
	"github.com/srg/tinyecg/internal/pc80b"
	"github.com/srg/tinyecg/internal/render"
	"github.com/srg/tinyecg/internal/stash"
	"github.com/srg/tinyecg/pkg/config"
)

// replayWriteHandle stands in for the recorder's write characteristic.
const replayWriteHandle uint16 = 0x0011

// replayCmd represents the replay command
var replayCmd = &cobra.Command{
	Use:   "replay <capture>",
	Short: "Decode a captured PC-80B notification stream",
	Long: `Feed a capture of PC-80B notifications through the frame decoder and
render the resulting waveform, without a radio.

The capture holds one notification per line as hex bytes; spaces and colons
between bytes are ignored and '#' starts a comment. Commands the receiver
would send back to the recorder are logged instead of written.`,
	Example: `  tinyecg replay session.hex
  tinyecg replay --no-color --width 120 session.hex`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

var (
	replayNoColor bool
	replayWidth   int
)

func init() {
	replayCmd.Flags().BoolVar(&replayNoColor, "no-color", false, "Disable colored output")
	replayCmd.Flags().IntVar(&replayWidth, "width", 0, "Display width (defaults to the terminal width)")
}

// replayStats summarises one replay.
type replayStats struct {
	Notifications int
	Frames        int
	Driver        pc80b.Stats
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if replayNoColor {
		cfg.NoColor = true
	}
	if cmd.Flags().Changed("width") {
		cfg.Width = replayWidth
	}

	logger, err := configureLogger(cmd, cfg, "verbose")
	if err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open capture: %w", err)
	}
	defer f.Close()

	cmd.SilenceUsage = true

	out := cmd.OutOrStdout()
	display := render.NewTermDisplay(out, render.TermOptions{Width: cfg.Width, NoColor: cfg.NoColor})
	stats, err := replay(cmd.Context(), f, cfg, display, logger)
	if err != nil {
		return err
	}

	d := stats.Driver.Decoder
	fmt.Fprintln(out)
	fmt.Fprintf(out, "notifications %d, frames %d, rendered %d\n", stats.Notifications, d.Frames, stats.Frames)
	fmt.Fprintf(out, "rejected: tag %d, checksum %d, opcode %d, unknown %d, overflow %d\n",
		d.BadTags, d.BadChecksums, d.BadOpcodes, d.UnknownOpcodes, d.Overflows)
	fmt.Fprintf(out, "commands: sent %d, dropped %d\n", stats.Driver.Sent, stats.Driver.Dropped)
	return nil
}

// replay decodes every notification of the capture in r and renders a
// frame whenever the stash holds a full frame of samples.
func replay(ctx context.Context, r io.Reader, cfg *config.Config, d render.Display, logger *logrus.Logger) (replayStats, error) {
	var stats replayStats

	st := stash.New(cfg.StashCapacity, logger)
	st.ReportName(pc80b.DeviceName)
	st.ReportFound(true)
	st.ReportState(stash.Receiving)

	p := pc80b.New(st, pc80b.Options{
		Decoder:           cfg.DecoderOptions(),
		HeartbeatInterval: cfg.HeartbeatInterval,
		QueueSize:         cfg.OutboundQueue,
	}, logger)
	p.SetWriteHandle(replayWriteHandle)
	if err := p.Start(&ackLogger{logger: logger}); err != nil {
		return stats, err
	}
	defer p.Stop()

	perFrame := cfg.SampleRate / cfg.FrameRate
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		data, err := parseCaptureLine(scanner.Text())
		if err != nil {
			return stats, fmt.Errorf("capture line %d: %w", line, err)
		}
		if len(data) == 0 {
			continue
		}

		p.Feed(data)
		stats.Notifications++

		for st.Len() >= perFrame {
			samples := make([]int8, perFrame)
			rec := st.Get(samples)
			stats.Frames++
			if err := d.Render(render.Frame{Seq: uint64(stats.Frames), Record: rec, Samples: samples}); err != nil {
				return stats, fmt.Errorf("failed to render frame: %w", err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("failed to read capture: %w", err)
	}

	idleCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownGrace)
	defer cancel()
	if err := p.WaitIdle(idleCtx); err != nil {
		logger.WithField("error", err).Warn("Commands still queued at end of capture")
	}
	stats.Driver = p.Stats()
	return stats, nil
}

// parseCaptureLine decodes one capture line. Blank and comment-only lines
// yield nil.
func parseCaptureLine(s string) ([]byte, error) {
	if i := strings.IndexByte(s, '#'); i >= 0 {
		s = s[:i]
	}
	s = strings.NewReplacer(" ", "", "\t", "", ":", "", "0x", "", "0X", "").Replace(s)
	if s == "" {
		return nil, nil
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return data, nil
}

// ackLogger is the replay stand-in for the radio: it logs every command
// frame the driver would have written.
type ackLogger struct {
	logger *logrus.Logger
}

func (a *ackLogger) Write(handle uint16, data []byte) error {
	fields := logrus.Fields{
		"handle": handle,
		"frame":  fmt.Sprintf("% X", data),
	}
	if len(data) > frame.HeaderSize {
		if op, err := frame.ParseOpcode(data[1]); err == nil {
			fields["op"] = op.String()
		}
	}
	a.logger.WithFields(fields).Info("Command to recorder")
	return nil
}
