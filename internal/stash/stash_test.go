package stash

import (
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestStash(capacity int) (*Stash, *test.Hook) {
	logger, hook := test.NewNullLogger()
	return New(capacity, logger), hook
}

func seq(from, n int) []int8 {
	out := make([]int8, n)
	for i := range out {
		out[i] = int8(from + i)
	}
	return out
}

func TestStash_UnderrunPadsWithLastSample(t *testing.T) {
	s, _ := newTestStash(16)
	s.ReportJumbo(Dynamic{HeartRate: 72}, []int8{1, 2, 3, 4})

	out := make([]int8, 10)
	rec := s.Get(out)

	assert.Equal(t, []int8{1, 2, 3, 4, 4, 4, 4, 4, 4, 4}, out)
	assert.True(t, rec.Underrun)
	assert.Equal(t, uint8(72), rec.HeartRate)
	assert.Zero(t, s.Len())
}

func TestStash_UnderrunOnEmptyPadsWithZero(t *testing.T) {
	s, hook := newTestStash(16)

	out := []int8{9, 9, 9}
	rec := s.Get(out)

	assert.Equal(t, []int8{0, 0, 0}, out)
	assert.True(t, rec.Underrun)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestStash_UnderrunLogsAreCoalesced(t *testing.T) {
	s, hook := newTestStash(16)
	out := make([]int8, 4)
	for i := 0; i < 100; i++ {
		s.Get(out)
	}
	assert.Len(t, hook.AllEntries(), 1)
}

func TestStash_ExactReadClearsUnderrun(t *testing.T) {
	s, _ := newTestStash(16)
	s.Get(make([]int8, 4))

	s.ReportJumbo(Dynamic{}, seq(1, 4))
	out := make([]int8, 4)
	rec := s.Get(out)

	assert.False(t, rec.Underrun)
	assert.Equal(t, seq(1, 4), out)
}

func TestStash_Overrun(t *testing.T) {
	t.Run("single oversized batch keeps newest", func(t *testing.T) {
		s, _ := newTestStash(8)
		s.ReportJumbo(Dynamic{}, seq(0, 11))

		assert.Equal(t, 8, s.Len())
		out := make([]int8, 8)
		rec := s.Get(out)
		assert.True(t, rec.Overrun)
		assert.Equal(t, seq(3, 8), out)
	})

	t.Run("oversized batch behind buffered samples", func(t *testing.T) {
		s, _ := newTestStash(8)
		s.ReportJumbo(Dynamic{}, seq(0, 3))
		s.ReportJumbo(Dynamic{}, seq(20, 10))

		assert.Equal(t, 8, s.Len())
		out := make([]int8, 8)
		rec := s.Get(out)
		assert.True(t, rec.Overrun)
		assert.Equal(t, seq(22, 8), out)
	})

	t.Run("accumulated batches drop oldest", func(t *testing.T) {
		s, _ := newTestStash(8)
		s.ReportJumbo(Dynamic{}, seq(0, 5))
		s.ReportJumbo(Dynamic{}, seq(5, 5))

		out := make([]int8, 8)
		rec := s.Get(out)
		assert.True(t, rec.Overrun)
		assert.Equal(t, seq(2, 8), out)
	})

	t.Run("flag clears on next fitting batch", func(t *testing.T) {
		s, _ := newTestStash(8)
		s.ReportJumbo(Dynamic{}, seq(0, 9))
		s.Get(make([]int8, 8))
		s.ReportJumbo(Dynamic{}, seq(0, 2))

		rec := s.Get(make([]int8, 2))
		assert.False(t, rec.Overrun)
	})
}

func TestStash_WrapAround(t *testing.T) {
	s, _ := newTestStash(8)
	s.ReportJumbo(Dynamic{}, seq(0, 6))
	s.Get(make([]int8, 5))
	s.ReportJumbo(Dynamic{}, seq(6, 6)) // writes across the end of the ring

	out := make([]int8, 7)
	rec := s.Get(out)
	assert.False(t, rec.Underrun)
	assert.Equal(t, seq(5, 7), out)
}

func TestStash_JumboReplacesDynamic(t *testing.T) {
	s, _ := newTestStash(8)
	s.ReportJumbo(Dynamic{HeartRate: 80, Gain: 2, LeadOff: true}, nil)
	s.ReportJumbo(Dynamic{Stage: 3}, nil)

	rec := s.Get(nil)
	assert.Equal(t, Dynamic{Stage: 3}, rec.Dynamic)
	assert.False(t, rec.Underrun)
}

func TestStash_ScalarReports(t *testing.T) {
	s, _ := newTestStash(8)
	s.ReportRemoteBattery(66)
	s.ReportLocalBattery(40)
	s.ReportRSSI(3)
	s.ReportName("PC-80B-0123456789ABCDEF")
	s.ReportState(Receiving)
	s.ReportFound(true)
	s.ReportTransmission(Transmission{DeviceType: 0x80, Fast: true})

	rec := s.Get(nil)
	assert.Equal(t, uint8(66), rec.RemoteBattery)
	assert.Equal(t, uint8(40), rec.LocalBattery)
	assert.Equal(t, uint8(3), rec.RSSI)
	assert.Equal(t, "PC-80B-01234567", rec.Name)
	assert.Len(t, rec.Name, MaxNameLen)
	assert.Equal(t, Receiving, rec.State)
	assert.True(t, rec.Found)
	assert.True(t, rec.Transmission.Fast)
}

func TestStash_RequestLargerThanCapacity(t *testing.T) {
	s, hook := newTestStash(4)
	s.ReportJumbo(Dynamic{}, seq(1, 4))
	s.Get(make([]int8, 1))
	s.ReportJumbo(Dynamic{}, seq(5, 1)) // ring is full with the read pointer at 1

	out := make([]int8, 6)
	rec := s.Get(out)

	assert.Equal(t, []int8{2, 3, 4, 5, 5, 5}, out)
	assert.True(t, rec.Underrun)
	assert.Zero(t, s.Len())
	assert.Zero(t, s.read, "ring must be back at its empty baseline")

	s.ReportJumbo(Dynamic{}, seq(10, 3))
	next := make([]int8, 3)
	s.Get(next)
	assert.Equal(t, seq(10, 3), next)

	var errs int
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			errs++
		}
	}
	assert.Equal(t, 1, errs)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "receiving", Receiving.String())
	assert.Equal(t, "unknown", State(42).String())
}

// The ring is checked against a plain slice model.
func TestStash_MatchesModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 32).Draw(t, "capacity")
		s := New(capacity, logrus.New())
		s.logger.SetLevel(logrus.PanicLevel)
		var model []int8
		var overrun bool

		steps := rapid.IntRange(1, 50).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(t, "write") {
				batch := rapid.SliceOfN(rapid.Int8(), 0, capacity*2).Draw(t, "batch")
				s.ReportJumbo(Dynamic{}, batch)
				model = append(model, batch...)
				overrun = len(model) > capacity
				if overrun {
					model = model[len(model)-capacity:]
				}
			} else {
				n := rapid.IntRange(0, capacity).Draw(t, "read")
				out := make([]int8, n)
				rec := s.Get(out)

				k := min(n, len(model))
				for j := 0; j < k; j++ {
					if out[j] != model[j] {
						t.Fatalf("sample %d: got %d want %d", j, out[j], model[j])
					}
				}
				if rec.Underrun != (n > len(model)) {
					t.Fatalf("underrun=%v with n=%d buffered=%d", rec.Underrun, n, len(model))
				}
				if rec.Overrun != overrun {
					t.Fatalf("overrun=%v, want %v", rec.Overrun, overrun)
				}
				model = model[k:]
			}

			if got := s.Len(); got < 0 || got > capacity || got != len(model) {
				t.Fatalf("count %d, model %d, capacity %d", got, len(model), capacity)
			}
		}
	})
}

func TestStash_ConcurrentProducerConsumer(t *testing.T) {
	s, _ := newTestStash(64)
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			s.ReportJumbo(Dynamic{HeartRate: uint8(i)}, seq(0, 25))
			s.ReportRSSI(uint8(i % 5))
		}
	}()
	go func() {
		defer wg.Done()
		out := make([]int8, 6)
		for i := 0; i < 1000; i++ {
			s.Get(out)
		}
	}()
	wg.Wait()

	n := s.Len()
	assert.GreaterOrEqual(t, n, 0)
	assert.LessOrEqual(t, n, s.Cap())
}
