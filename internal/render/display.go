package render

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/srg/tinyecg/internal/ringchan"
)

// Display draws frames.
type Display interface {
	Render(f Frame) error
}

// Pump renders every frame from ch until ch is closed or ctx is done. Render
// errors are logged and do not stop the pump.
func Pump(ctx context.Context, ch *ringchan.RingChannel[Frame], d Display, logger *logrus.Logger) error {
	for {
		f, ok := ch.Receive(ctx)
		if !ok {
			return ctx.Err()
		}
		if err := d.Render(f); err != nil {
			logger.WithFields(logrus.Fields{
				"seq":   f.Seq,
				"error": err,
			}).Warn("Failed to render frame")
		}
	}
}
