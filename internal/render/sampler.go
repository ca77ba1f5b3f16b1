// Package render consumes the sample stash at a fixed frame rate and hands
// each snapshot to a display.
package render

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/srg/tinyecg/internal/ringchan"
	"github.com/srg/tinyecg/internal/stash"
)

var ErrRate = errors.New("invalid sampling rates")

// Frame is one rendered snapshot: the stash scalars and exactly
// sps/fps samples.
type Frame struct {
	Seq     uint64
	At      time.Time
	Record  stash.Record
	Samples []int8
}

// Source is the stash side of the sampler.
type Source interface {
	Get(out []int8) stash.Record
}

// ValidateRates checks that fps is a supported display rate and that every
// frame carries a whole number of samples.
func ValidateRates(sps, fps int) error {
	if fps != 25 && fps != 30 {
		return fmt.Errorf("%w: frame rate %d, want 25 or 30", ErrRate, fps)
	}
	if sps <= 0 || sps%fps != 0 {
		return fmt.Errorf("%w: sample rate %d is not a positive multiple of frame rate %d", ErrRate, sps, fps)
	}
	return nil
}

// Sampler pulls sps/fps samples from the stash once per frame period.
type Sampler struct {
	src      Source
	perFrame int
	period   time.Duration
	clock    clockwork.Clock
	out      *ringchan.RingChannel[Frame]
	logger   *logrus.Logger
}

// NewSampler creates a sampler publishing to out.
func NewSampler(src Source, sps, fps int, clock clockwork.Clock, out *ringchan.RingChannel[Frame], logger *logrus.Logger) (*Sampler, error) {
	if err := ValidateRates(sps, fps); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Sampler{
		src:      src,
		perFrame: sps / fps,
		period:   time.Second / time.Duration(fps),
		clock:    clock,
		out:      out,
		logger:   logger,
	}, nil
}

// PerFrame returns the number of samples in each frame.
func (s *Sampler) PerFrame() int { return s.perFrame }

// Period returns the frame period.
func (s *Sampler) Period() time.Duration { return s.period }

// Run samples until ctx is done.
func (s *Sampler) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.period)
	defer ticker.Stop()

	s.logger.WithFields(logrus.Fields{
		"period":    s.period,
		"per_frame": s.perFrame,
	}).Debug("Sampler started")

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case at := <-ticker.Chan():
			buf := make([]int8, s.perFrame)
			rec := s.src.Get(buf)
			seq++
			if s.out.Send(Frame{Seq: seq, At: at, Record: rec, Samples: buf}) {
				s.logger.WithField("seq", seq).Debug("Display is behind, dropped oldest frame")
			}
		}
	}
}
