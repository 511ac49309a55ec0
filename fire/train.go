package fire

import (
	"github.com/hilab/pmctl/event"
	"github.com/hilab/pmctl/kinesis"
)

// train is the N-in-succession pulse sub-state-machine.  While non-nil it
// owns the output lines; the periodic tick does not touch them.
type train struct {
	total     int
	remaining int
}

// startTrain begins an n-pulse train, aborting any prior one.  Mutually
// exclusive with the one-shot pulse; a train requested while a one-shot is
// in flight is ignored.
func (c *Controller) startTrain(n int) {
	if c.oneShot {
		c.logf("pulse train ignored: one-shot pulse in progress")
		return
	}
	if c.train != nil {
		c.abortTrain()
	}
	if n < 1 {
		n = 1
	}
	c.train = &train{total: n, remaining: n}
	c.progress(0, n)
	c.logf("starting %d-pulse train", n)
	c.trainPulseOn()
}

// trainPulseOn is the pulse-on phase: shutter energized, all lines high,
// pulse-off scheduled after the pulse width.
func (c *Controller) trainPulseOn() {
	if c.train == nil {
		return
	}
	c.solState(kinesis.Active)
	c.write(true, true, true)
	c.schedule(c.cfg.PulseWidth, ownerTrain, c.trainPulseOff)
}

// trainPulseOff is the pulse-off phase: shutter released, lines low,
// progress reported; either the next pulse-on is scheduled after the gap or
// the train finishes.
func (c *Controller) trainPulseOff() {
	t := c.train
	if t == nil {
		return
	}
	c.solState(kinesis.Inactive)
	c.write(false, false, false)
	c.progress(t.total-t.remaining+1, t.total)
	t.remaining--
	if t.remaining > 0 {
		c.schedule(c.cfg.PulseGap, ownerTrain, c.trainPulseOn)
		return
	}
	c.train = nil
	c.status("Single sequence complete")
	c.logf("pulse train complete")
}

// abortTrain cancels an in-flight train regardless of phase: pending train
// tasks are dropped, outputs zeroed, shutter released.  Reported exactly
// once per aborted train.
func (c *Controller) abortTrain() {
	if c.train == nil {
		return
	}
	c.cancelOwned(ownerTrain)
	c.train = nil
	c.write(false, false, false)
	c.solState(kinesis.Inactive)
	c.status("Single sequence aborted")
	c.logf("pulse train aborted")
}

// fireOneShot fires a single pulse outside the train machinery.  The
// completion event carries the timestamp captured as the outputs return
// low; the finalizer uses it as the canonical shot time.
func (c *Controller) fireOneShot() {
	if !c.opened {
		c.errorf("one-shot ignored: controller not open")
		return
	}
	if c.oneShot {
		c.logf("one-shot ignored: pulse already in progress")
		return
	}
	if c.train != nil {
		c.logf("one-shot ignored: pulse train in progress")
		return
	}
	c.oneShot = true
	c.solState(kinesis.Active)
	c.write(true, true, true)
	c.schedule(c.cfg.PulseWidth, ownerOneShot, func() {
		c.solState(kinesis.Inactive)
		c.write(false, false, false)
		ts := c.now()
		c.oneShot = false
		c.bus.Publish(event.Event{
			Kind:      event.KindShot,
			Time:      ts,
			Timestamp: float64(ts.UnixNano()) / 1e9,
		})
		c.logf("one-shot pulse complete")
	})
}

// cancelOneShot drops a pending one-shot completion, forcing the safe
// state immediately.
func (c *Controller) cancelOneShot() {
	if !c.oneShot {
		return
	}
	c.cancelOwned(ownerOneShot)
	c.oneShot = false
	c.write(false, false, false)
	c.solState(kinesis.Inactive)
	c.logf("one-shot pulse aborted")
}
