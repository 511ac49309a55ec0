package stage

import (
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hilab/pmctl/event"
)

// scriptCtl replays canned position samples; no busy flag.
type scriptCtl struct {
	samples []float64
	reads   int
	moves   int
	stops   int
	homes   int
}

func (c *scriptCtl) GetPos(addr string) (float64, error) {
	if c.reads >= len(c.samples) {
		return 0, errors.New("script exhausted")
	}
	p := c.samples[c.reads]
	c.reads++
	return p, nil
}
func (c *scriptCtl) MoveAbs(addr string, pos float64) error   { c.moves++; return nil }
func (c *scriptCtl) MoveRel(addr string, delta float64) error { c.moves++; return nil }
func (c *scriptCtl) Home(addr string) error                   { c.homes++; return nil }
func (c *scriptCtl) Stop(addr string) error                   { c.stops++; return nil }

// busyCtl has a hardware busy flag.
type busyCtl struct {
	scriptCtl
	busySeq   []bool
	busyReads int
}

func (c *busyCtl) Busy(addr string) (bool, error) {
	if c.busyReads >= len(c.busySeq) {
		return false, nil
	}
	b := c.busySeq[c.busyReads]
	c.busyReads++
	return b, nil
}

type harness struct {
	s      *Supervisor
	events <-chan event.Event
	cancel func()
}

func newHarness(t *testing.T, cfg Config, ctl Controller) *harness {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	bus := event.NewBus()
	events, cancel := bus.Subscribe()
	t.Cleanup(cancel)
	return &harness{s: New(cfg, ctl, bus, log), events: events, cancel: cancel}
}

func (h *harness) drain() []event.Event {
	var out []event.Event
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func kindsOf(evs []event.Event, k event.Kind) []event.Event {
	var out []event.Event
	for _, ev := range evs {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

func TestStabilityCompletesOnSecondRepeat(t *testing.T) {
	// three identical samples with threshold 2: the second repeat is the
	// third sample, and that is where motion completes (plus one final
	// readback)
	ctl := &scriptCtl{samples: []float64{1.0, 1.0, 1.0, 1.0}}
	h := newHarness(t, Config{StableCount: 2}, ctl)

	h.s.beginMove("1", "mm", "move", func() error { return ctl.MoveAbs("1", 1.0) })
	require.Contains(t, h.s.active, "1")

	h.s.pollAll()
	assert.Contains(t, h.s.active, "1", "one sample is never enough")
	h.s.pollAll()
	assert.Contains(t, h.s.active, "1", "first repeat is not yet stable")
	h.s.pollAll()
	assert.NotContains(t, h.s.active, "1", "second repeat completes")

	evs := h.drain()
	done := kindsOf(evs, event.KindMotion)
	require.Len(t, done, 1)
	assert.Equal(t, "1", done[0].Address)
	assert.Equal(t, 1.0, done[0].Position)
	assert.Equal(t, "mm", done[0].Unit)
	require.Len(t, kindsOf(evs, event.KindPosition), 1)
}

func TestStabilityResetsWhenStillMoving(t *testing.T) {
	ctl := &scriptCtl{samples: []float64{1.0, 2.0, 3.0, 3.0, 3.0, 3.0}}
	h := newHarness(t, Config{StableCount: 2}, ctl)

	h.s.beginMove("1", "mm", "move", func() error { return ctl.MoveAbs("1", 3.0) })
	for i := 0; i < 4; i++ {
		h.s.pollAll()
		assert.Contains(t, h.s.active, "1", "still settling at poll %d", i+1)
	}
	h.s.pollAll()
	assert.NotContains(t, h.s.active, "1")
	done := kindsOf(h.drain(), event.KindMotion)
	require.Len(t, done, 1)
	assert.Equal(t, 3.0, done[0].Position)
}

func TestBusyFlagPreferredOverStability(t *testing.T) {
	ctl := &busyCtl{
		scriptCtl: scriptCtl{samples: []float64{5.5}},
		busySeq:   []bool{true, true, false},
	}
	h := newHarness(t, Config{}, ctl)
	require.True(t, h.s.Caps().HasBusyFlag)

	h.s.beginMove("2", "mm", "move", func() error { return ctl.MoveAbs("2", 5.5) })
	h.s.pollAll()
	h.s.pollAll()
	require.Contains(t, h.s.active, "2")
	h.s.pollAll()
	assert.NotContains(t, h.s.active, "2")

	// position was only read once, for the final readback
	assert.Equal(t, 1, ctl.reads)
	done := kindsOf(h.drain(), event.KindMotion)
	require.Len(t, done, 1)
	assert.Equal(t, 5.5, done[0].Position)
}

func TestReissueWhileMovingIsRejected(t *testing.T) {
	ctl := &scriptCtl{samples: []float64{1, 2, 3, 4}}
	h := newHarness(t, Config{}, ctl)

	h.s.beginMove("1", "mm", "move", func() error { return ctl.MoveAbs("1", 4) })
	h.s.beginMove("1", "mm", "move", func() error { return ctl.MoveAbs("1", 9) })

	assert.Equal(t, 1, ctl.moves, "second move never reaches the hardware")
	errs := kindsOf(h.drain(), event.KindError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Msg, "already in progress")
}

func TestStopSupersedesPoller(t *testing.T) {
	ctl := &scriptCtl{samples: []float64{7.25}}
	h := newHarness(t, Config{}, ctl)

	h.s.beginMove("3", "deg", "move", func() error { return ctl.MoveAbs("3", 90) })
	h.s.stop("3", "deg")

	assert.NotContains(t, h.s.active, "3")
	assert.Equal(t, 1, ctl.stops)
	evs := h.drain()
	done := kindsOf(evs, event.KindMotion)
	require.Len(t, done, 1, "stop emits motion-complete immediately")
	assert.Equal(t, 7.25, done[0].Position)
	assert.Equal(t, "deg", done[0].Unit)
}

func TestPollBudgetExceeded(t *testing.T) {
	ctl := &scriptCtl{samples: []float64{1, 2, 3, 4, 5, 6}}
	h := newHarness(t, Config{MaxAttempts: 3}, ctl)

	h.s.beginMove("1", "mm", "move", func() error { return ctl.MoveAbs("1", 99) })
	h.s.pollAll()
	h.s.pollAll()
	h.s.pollAll()

	assert.NotContains(t, h.s.active, "1")
	evs := h.drain()
	assert.Empty(t, kindsOf(evs, event.KindMotion))
	errs := kindsOf(evs, event.KindError)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[len(errs)-1].Msg, "budget exceeded")
}

func TestReadbackEmitsPositionAndSpeed(t *testing.T) {
	sim := NewSim()
	require.NoError(t, sim.SetVelocity("1", 2.5))
	h := newHarness(t, Config{}, sim)

	h.s.readback("1", "mm")
	evs := h.drain()
	pos := kindsOf(evs, event.KindPosition)
	require.Len(t, pos, 1)
	assert.Equal(t, "1", pos[0].Address)
	assert.Equal(t, "mm", pos[0].Unit)
	spd := kindsOf(evs, event.KindSpeed)
	require.Len(t, spd, 1)
	assert.Equal(t, 2.5, spd[0].Speed)
	assert.Equal(t, "mm", spd[0].Unit)
}

func TestReadbackWithoutSpeedCapability(t *testing.T) {
	ctl := &scriptCtl{samples: []float64{3.25}}
	h := newHarness(t, Config{}, ctl)

	h.s.readback("2", "mm")
	evs := h.drain()
	pos := kindsOf(evs, event.KindPosition)
	require.Len(t, pos, 1)
	assert.Equal(t, 3.25, pos[0].Position)
	assert.Empty(t, kindsOf(evs, event.KindSpeed))
	assert.Empty(t, kindsOf(evs, event.KindError))
}

// speedFaultCtl has the velocity capability but its encoder read fails.
type speedFaultCtl struct{ scriptCtl }

func (c *speedFaultCtl) SetVelocity(addr string, v float64) error { return nil }
func (c *speedFaultCtl) GetVelocity(addr string) (float64, error) {
	return 0, errors.New("encoder offline")
}

func TestReadbackReportsSpeedFault(t *testing.T) {
	ctl := &speedFaultCtl{scriptCtl{samples: []float64{1.5}}}
	h := newHarness(t, Config{}, ctl)

	h.s.readback("1", "mm")
	evs := h.drain()
	require.Len(t, kindsOf(evs, event.KindPosition), 1, "position still reported")
	assert.Empty(t, kindsOf(evs, event.KindSpeed))
	errs := kindsOf(evs, event.KindError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Msg, "speed read failed")
}

func TestCapabilitiesResolvedAtConstruction(t *testing.T) {
	h1 := newHarness(t, Config{}, &scriptCtl{})
	assert.False(t, h1.s.Caps().HasBusyFlag)
	assert.False(t, h1.s.Caps().HasVelocity)

	h2 := newHarness(t, Config{}, &busyCtl{})
	assert.True(t, h2.s.Caps().HasBusyFlag)

	h3 := newHarness(t, Config{}, NewSim())
	assert.False(t, h3.s.Caps().HasBusyFlag)
	assert.True(t, h3.s.Caps().HasVelocity)
}

func TestSpeedWithoutCapabilityReportsError(t *testing.T) {
	h := newHarness(t, Config{}, &scriptCtl{})
	h.s.setSpeed("1", 2.0, "deg/s")
	errs := kindsOf(h.drain(), event.KindError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Msg, "velocity")
}

func TestSimConvergesUnderSupervisor(t *testing.T) {
	sim := NewSim()
	h := newHarness(t, Config{StableCount: 2}, sim)

	h.s.beginMove("1", "mm", "move", func() error { return sim.MoveAbs("1", 8) })
	for i := 0; i < 100 && len(h.s.active) > 0; i++ {
		h.s.pollAll()
	}
	require.Empty(t, h.s.active, "sim motion settles")
	done := kindsOf(h.drain(), event.KindMotion)
	require.Len(t, done, 1)
	assert.InDelta(t, 8.0, done[0].Position, 1e-3)
}
