package render

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/srg/tinyecg/internal/stash"
	"golang.org/x/term"
)

const (
	defaultWidth    = 80
	minTraceWidth   = 8
	clearLine       = "\r\033[K"
	rssiBars        = 4
	traceSeparator  = " |"
	sparkLevelCount = 8
)

var sparkLevels = []rune("▁▂▃▄▅▆▇█")

// TermDisplay repaints a single terminal line per frame: a status block
// followed by a scrolling trace of the most recent samples.
type TermDisplay struct {
	w     io.Writer
	width int
	trace []int8

	state   *color.Color
	alert   *color.Color
	heart   *color.Color
	dimmed  *color.Color
	waveCol *color.Color
}

// TermOptions configures a TermDisplay. A zero Width is taken from the
// terminal when w is one.
type TermOptions struct {
	Width   int
	NoColor bool
}

// NewTermDisplay creates a terminal display writing to w.
func NewTermDisplay(w io.Writer, opts TermOptions) *TermDisplay {
	width := opts.Width
	if width <= 0 {
		width = terminalWidth(w)
	}
	d := &TermDisplay{
		w:       w,
		width:   width,
		state:   color.New(color.FgCyan, color.Bold),
		alert:   color.New(color.FgRed, color.Bold),
		heart:   color.New(color.FgMagenta),
		dimmed:  color.New(color.FgHiBlack),
		waveCol: color.New(color.FgGreen),
	}
	if opts.NoColor {
		for _, c := range []*color.Color{d.state, d.alert, d.heart, d.dimmed, d.waveCol} {
			c.DisableColor()
		}
	}
	return d
}

func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return defaultWidth
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return defaultWidth
	}
	return width
}

// Render implements Display.
func (d *TermDisplay) Render(f Frame) error {
	plain, styled := d.status(f.Record)

	traceWidth := d.width - len([]rune(plain)) - len(traceSeparator)
	if traceWidth < minTraceWidth {
		traceWidth = minTraceWidth
	}
	d.trace = append(d.trace, f.Samples...)
	if len(d.trace) > traceWidth {
		d.trace = append(d.trace[:0], d.trace[len(d.trace)-traceWidth:]...)
	}

	_, err := fmt.Fprintf(d.w, "%s%s%s%s", clearLine, styled, traceSeparator, d.waveCol.Sprint(Sparkline(d.trace)))
	return err
}

// status returns the status block both without and with colour codes so the
// visible width can be measured.
func (d *TermDisplay) status(r stash.Record) (plain, styled string) {
	var p, s strings.Builder
	add := func(c *color.Color, text string) {
		p.WriteString(text)
		if c == nil {
			s.WriteString(text)
			return
		}
		s.WriteString(c.Sprint(text))
	}

	add(d.state, "["+r.State.String()+"]")
	if r.Name != "" {
		add(nil, " "+r.Name)
	}
	if r.Found {
		add(d.heart, fmt.Sprintf(" HR %3d", r.HeartRate))
		add(nil, fmt.Sprintf(" ecg %3d%%", r.RemoteBattery))
		add(nil, " rssi "+signalBars(r.RSSI))
	}
	add(d.dimmed, fmt.Sprintf(" bat %3d%%", r.LocalBattery))
	if r.LeadOff {
		add(d.alert, " LEAD OFF")
	}
	if r.Overrun {
		add(d.alert, " OVR")
	}
	if r.Underrun {
		add(d.dimmed, " UNR")
	}
	return p.String(), s.String()
}

func signalBars(n uint8) string {
	if n > rssiBars {
		n = rssiBars
	}
	return strings.Repeat("#", int(n)) + strings.Repeat(".", rssiBars-int(n))
}

// Sparkline maps every sample to one of eight block heights.
func Sparkline(samples []int8) string {
	out := make([]rune, len(samples))
	for i, v := range samples {
		out[i] = sparkLevels[(int(v)+128)*sparkLevelCount/256]
	}
	return string(out)
}
