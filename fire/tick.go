package fire

import (
	"fmt"

	"github.com/hilab/pmctl/gpio"
	"github.com/hilab/pmctl/kinesis"
)

// tick is the periodic poll step.  While a pulse train or one-shot pulse
// owns the outputs it is a strict no-op.  It never returns an error: every
// hardware fault inside it degrades to safe defaults and the next tick
// retries.
func (c *Controller) tick() {
	if c.train != nil || c.oneShot {
		return
	}
	if !c.opened {
		return
	}
	cur := c.readTrigger()
	falling := c.lastTrigger == gpio.High && cur == gpio.Low

	switch c.mode {
	case ModeContinuous:
		c.actuate(kinesis.ModeManual, kinesis.Active)
		if cur == gpio.Unknown {
			c.write(true, false, false)
		} else {
			inv := cur == gpio.Low
			c.write(true, inv, inv)
		}

	case ModeSingle:
		c.actuate(kinesis.ModeTriggered, kinesis.Active)
		if c.fireReq && (!c.cfg.SingleWaitsForEdge || falling) {
			c.fireReq = false
			c.startTrain(c.numShots)
		} else {
			c.write(false, false, false)
		}

	case ModeBurst:
		c.actuate(kinesis.ModeTriggered, kinesis.Active)
		if c.fireReq {
			if cur == gpio.Unknown {
				c.write(true, false, false)
			} else {
				inv := cur == gpio.Low
				c.write(true, inv, inv)
			}
			if falling {
				c.burstCount++
				c.progress(c.burstCount, c.numShots)
				if c.burstCount >= c.numShots {
					c.fireReq = false
					c.burstCount = 0
					c.write(false, false, false)
					c.status("Burst complete")
					c.logf("burst complete")
				}
			}
		} else {
			c.write(false, false, false)
		}

	default:
		c.actuate(kinesis.ModeManual, kinesis.Inactive)
		c.write(false, false, false)
	}

	c.lastTrigger = cur
	c.diag.record(c.now(), c.mode, cur, c.fireReq, c.lastOut)
	c.maybeStatus(cur)
}

// maybeStatus emits a throttled status line.
func (c *Controller) maybeStatus(cur gpio.Level) {
	if !c.statusGate.Allow() {
		return
	}
	armed := ""
	if c.fireReq {
		armed = " armed"
	}
	c.status(fmt.Sprintf("mode=%s%s shots=%d trigger=%s", c.mode, armed, c.numShots, cur))
}
