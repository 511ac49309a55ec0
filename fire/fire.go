/*Package fire implements the shot-sequencing controller for the plasma
mirror shutter and trigger lines.

The controller owns a single I/O goroutine.  A fixed-period tick samples
the external trigger and drives the output lines for the current mode;
pulse trains and one-shot pulses advance on an explicit delayed-task queue
drained by the same goroutine.  Nothing ever blocks that goroutine on a
hardware state change: waiting is state carried between ticks, not a
blocked call.

All public command methods are safe to call from any goroutine; they are
marshaled onto the I/O goroutine as queued requests.
*/
package fire

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/hilab/pmctl/event"
	"github.com/hilab/pmctl/gpio"
	"github.com/hilab/pmctl/kinesis"
)

// Mode is the firing mode selected by the operator.
type Mode int

const (
	// ModeManual is the idle mode; outputs low, shutter de-energized.
	ModeManual Mode = iota
	// ModeContinuous mirrors the inverted trigger onto the camera and
	// spectrometer lines while holding the shutter line high.
	ModeContinuous
	// ModeSingle fires a bounded pulse train on command (optionally gated
	// on a falling trigger edge).
	ModeSingle
	// ModeBurst gates N falling edges through to the instruments.
	ModeBurst
)

func (m Mode) String() string {
	switch m {
	case ModeContinuous:
		return "continuous"
	case ModeSingle:
		return "single"
	case ModeBurst:
		return "burst"
	default:
		return "manual"
	}
}

// ParseMode converts an operator string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "manual":
		return ModeManual, nil
	case "continuous":
		return ModeContinuous, nil
	case "single":
		return ModeSingle, nil
	case "burst":
		return ModeBurst, nil
	default:
		return ModeManual, fmt.Errorf("fire: unknown mode %q", s)
	}
}

// Config is the immutable per-session configuration.
type Config struct {
	// PollPeriod is the tick cadence.
	PollPeriod time.Duration
	// PulseWidth is the on-duration of each pulse in a train or one-shot.
	PulseWidth time.Duration
	// PulseGap is the off-duration between pulses in a train.
	PulseGap time.Duration
	// SingleWaitsForEdge gates single-mode trains on a falling edge.
	SingleWaitsForEdge bool
	// StatusInterval throttles the periodic status line.
	StatusInterval time.Duration
	// DiagCapacity is the diagnostics ring depth.
	DiagCapacity int
}

// WithDefaults fills zero fields with the lab defaults.
func (c Config) WithDefaults() Config {
	if c.PollPeriod == 0 {
		c.PollPeriod = 20 * time.Millisecond
	}
	if c.PulseWidth == 0 {
		c.PulseWidth = 100 * time.Millisecond
	}
	if c.PulseGap == 0 {
		c.PulseGap = 50 * time.Millisecond
	}
	if c.StatusInterval == 0 {
		c.StatusInterval = time.Second
	}
	if c.DiagCapacity == 0 {
		c.DiagCapacity = 4096
	}
	return c
}

const (
	ownerTrain   = "train"
	ownerOneShot = "oneshot"
)

// delayed is one entry on the delayed-task queue.  Tasks carry an owner tag
// so an abort can cancel a whole sub-sequence atomically.
type delayed struct {
	at    time.Time
	owner string
	fn    func()
}

// Controller multiplexes the trigger input and the shutter solenoid across
// the firing modes.  Create with New, drive with the command methods.
type Controller struct {
	cfg   Config
	lines gpio.Lines
	sol   kinesis.Solenoid
	bus   *event.Bus
	log   logrus.FieldLogger

	reqs chan func()
	quit chan struct{}
	done chan struct{}

	// now is the clock; swapped out in tests.
	now func() time.Time

	// state below is owned by the I/O goroutine
	opened      bool
	mode        Mode
	fireReq     bool
	numShots    int
	burstCount  int
	lastTrigger gpio.Level
	lastOut     gpio.Outputs
	train       *train
	oneShot     bool
	timers      []delayed
	statusGate  *rate.Limiter
	diag        *diag
}

// New returns a Controller.  Call Start to launch the I/O goroutine and
// then Open to claim hardware.
func New(cfg Config, lines gpio.Lines, sol kinesis.Solenoid, bus *event.Bus, log logrus.FieldLogger) *Controller {
	cfg = cfg.WithDefaults()
	return &Controller{
		cfg:         cfg,
		lines:       lines,
		sol:         sol,
		bus:         bus,
		log:         log,
		reqs:        make(chan func(), 64),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		now:         time.Now,
		numShots:    1,
		lastTrigger: gpio.Unknown,
		statusGate:  rate.NewLimiter(rate.Every(cfg.StatusInterval), 1),
		diag:        newDiag(cfg.DiagCapacity),
	}
}

// Start launches the I/O goroutine.
func (c *Controller) Start() {
	go c.run()
}

// Shutdown closes the device if open and stops the I/O goroutine.  The
// controller cannot be restarted.
func (c *Controller) Shutdown() {
	closed := make(chan struct{})
	c.enqueue(func() {
		c.close()
		close(closed)
	})
	select {
	case <-closed:
	case <-time.After(time.Second):
	}
	close(c.quit)
	<-c.done
}

// Open claims the digital lines and the solenoid.  Failures leave the
// controller disabled but non-crashing; ticks keep running and default to
// the safe branch.
func (c *Controller) Open() { c.enqueue(c.open) }

// Close aborts any in-flight sequence, forces outputs low, and releases
// the hardware.
func (c *Controller) Close() { c.enqueue(c.close) }

// SetMode switches firing mode, aborting any in-flight sequence first.
func (c *Controller) SetMode(m Mode) { c.enqueue(func() { c.setMode(m) }) }

// SetNumShots sets the pulse/edge count for single and burst mode.
func (c *Controller) SetNumShots(n int) { c.enqueue(func() { c.setNumShots(n) }) }

// Fire arms or starts firing according to the current mode.
func (c *Controller) Fire() { c.enqueue(c.fire) }

// FireOneShot fires a single pulse independent of the train machinery.
func (c *Controller) FireOneShot() { c.enqueue(c.fireOneShot) }

// EnableDiagnostics toggles per-tick sample recording.
func (c *Controller) EnableDiagnostics(on bool) {
	c.enqueue(func() { c.diag.enabled = on })
}

// DumpDiagnostics writes the diagnostics ring to path as CSV.  Unlike the
// other commands it waits for the result.
func (c *Controller) DumpDiagnostics(path string) error {
	errc := make(chan error, 1)
	select {
	case c.reqs <- func() { errc <- c.diag.dump(path) }:
	case <-c.done:
		return errors.New("fire: controller stopped")
	}
	select {
	case err := <-errc:
		return err
	case <-c.done:
		return errors.New("fire: controller stopped")
	}
}

// Status is a point-in-time snapshot of the controller.
type Status struct {
	Opened      bool   `json:"opened"`
	Mode        string `json:"mode"`
	Armed       bool   `json:"armed"`
	NumShots    int    `json:"numShots"`
	BurstCount  int    `json:"burstCount"`
	LastTrigger string `json:"lastTrigger"`
	InTrain     bool   `json:"inTrain"`
	Diagnostics bool   `json:"diagnostics"`
}

// GetStatus snapshots the controller state, marshaled through the I/O
// goroutine like everything else.
func (c *Controller) GetStatus() Status {
	ch := make(chan Status, 1)
	fn := func() {
		ch <- Status{
			Opened:      c.opened,
			Mode:        c.mode.String(),
			Armed:       c.fireReq,
			NumShots:    c.numShots,
			BurstCount:  c.burstCount,
			LastTrigger: c.lastTrigger.String(),
			InTrain:     c.train != nil,
			Diagnostics: c.diag.enabled,
		}
	}
	select {
	case c.reqs <- fn:
	case <-c.done:
		return Status{}
	}
	select {
	case st := <-ch:
		return st
	case <-c.done:
		return Status{}
	}
}

// enqueue marshals fn onto the I/O goroutine.  A full queue drops the
// command with an error event rather than blocking the caller.
func (c *Controller) enqueue(fn func()) {
	select {
	case c.reqs <- fn:
	default:
		c.errorf("fire: command queue full, command dropped")
	}
}

// run is the I/O goroutine: a ticker for the periodic poll, a timer for
// the delayed-task queue, and the command queue.
func (c *Controller) run() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.PollPeriod)
	defer ticker.Stop()
	wake := time.NewTimer(time.Hour)
	wake.Stop()
	defer wake.Stop()

	rearm := func() {
		wake.Stop()
		if next, ok := c.nextDeadline(); ok {
			d := next.Sub(c.now())
			if d < 0 {
				d = 0
			}
			wake.Reset(d)
		}
	}

	for {
		select {
		case fn := <-c.reqs:
			fn()
		case <-ticker.C:
			c.runDue()
			c.tick()
		case <-wake.C:
			c.runDue()
		case <-c.quit:
			return
		}
		rearm()
	}
}

// schedule appends a delayed task.
func (c *Controller) schedule(d time.Duration, owner string, fn func()) {
	c.timers = append(c.timers, delayed{at: c.now().Add(d), owner: owner, fn: fn})
}

// cancelOwned removes every pending task with the given owner tag.
func (c *Controller) cancelOwned(owner string) {
	kept := c.timers[:0]
	for _, t := range c.timers {
		if t.owner != owner {
			kept = append(kept, t)
		}
	}
	c.timers = kept
}

// nextDeadline reports the earliest pending task time.
func (c *Controller) nextDeadline() (time.Time, bool) {
	if len(c.timers) == 0 {
		return time.Time{}, false
	}
	min := c.timers[0].at
	for _, t := range c.timers[1:] {
		if t.at.Before(min) {
			min = t.at
		}
	}
	return min, true
}

// runDue runs every task whose deadline has passed, in deadline order.
// Tasks may schedule further tasks; those are picked up in the same drain
// if already due.
func (c *Controller) runDue() {
	for {
		now := c.now()
		idx := -1
		for i, t := range c.timers {
			if !t.at.After(now) && (idx < 0 || t.at.Before(c.timers[idx].at)) {
				idx = i
			}
		}
		if idx < 0 {
			return
		}
		t := c.timers[idx]
		c.timers = append(c.timers[:idx], c.timers[idx+1:]...)
		t.fn()
	}
}

// open claims the hardware and resets state to safe defaults.
func (c *Controller) open() {
	if c.opened {
		c.logf("fire controller already open")
		return
	}
	if err := c.lines.Open(); err != nil {
		c.errorf("fire I/O unavailable: %v", err)
		return
	}
	if err := c.sol.Open(); err != nil {
		c.lines.Close()
		c.errorf("shutter controller unavailable: %v", err)
		return
	}
	c.opened = true
	c.mode = ModeManual
	c.fireReq = false
	c.burstCount = 0
	c.lastTrigger = gpio.Unknown
	c.actuate(kinesis.ModeManual, kinesis.Inactive)
	c.write(false, false, false)
	c.bus.Publish(event.Event{Kind: event.KindConnected, Time: c.now(), Device: c.sol.Identity()})
	c.logf("fire controller open, shutter %s", c.sol.Identity())
}

// close forces a safe state and releases the hardware.
func (c *Controller) close() {
	if !c.opened {
		return
	}
	c.abortTrain()
	c.cancelOneShot()
	c.write(false, false, false)
	c.actuate(kinesis.ModeManual, kinesis.Inactive)
	if err := c.sol.Close(); err != nil {
		c.errorf("closing shutter controller: %v", err)
	}
	if err := c.lines.Close(); err != nil {
		c.errorf("closing digital lines: %v", err)
	}
	c.opened = false
	c.mode = ModeManual
	c.fireReq = false
	c.burstCount = 0
	c.lastTrigger = gpio.Unknown
	c.logf("fire controller closed")
}

// setMode aborts any in-flight sequence and enters m.
func (c *Controller) setMode(m Mode) {
	if !c.opened {
		c.errorf("set mode %s ignored: controller not open", m)
		return
	}
	c.abortTrain()
	c.cancelOneShot()
	switch m {
	case ModeContinuous:
		c.actuate(kinesis.ModeManual, kinesis.Active)
		c.write(false, false, false)
	case ModeSingle, ModeBurst:
		c.actuate(kinesis.ModeTriggered, kinesis.Active)
		c.fireReq = false
		c.burstCount = 0
		c.lastTrigger = c.readTrigger()
		c.write(false, false, false)
	default:
		c.actuate(kinesis.ModeManual, kinesis.Inactive)
		c.write(false, false, false)
	}
	c.mode = m
	c.logf("mode set to %s", m)
}

// setNumShots sets the shot count, clamped to at least one.
func (c *Controller) setNumShots(n int) {
	if n < 1 {
		c.errorf("shot count %d invalid, using 1", n)
		n = 1
	}
	c.numShots = n
	c.logf("shot count set to %d", n)
}

// fire arms or starts the current mode's sequence.
func (c *Controller) fire() {
	if !c.opened {
		c.errorf("fire ignored: controller not open")
		return
	}
	switch {
	case c.mode == ModeManual:
		c.logf("fire ignored in manual mode")
	case c.mode == ModeContinuous:
		c.logf("fire ignored in continuous mode: outputs already follow the trigger")
	case c.mode == ModeSingle && !c.cfg.SingleWaitsForEdge:
		c.startTrain(c.numShots)
	default:
		// single gated on an edge, or burst (always edge gated): arm now
		// and pre-assert the triggered pattern so the very first edge
		// before the next tick is not lost.
		c.fireReq = true
		c.burstCount = 0
		c.actuate(kinesis.ModeTriggered, kinesis.Active)
		lvl := c.readTrigger()
		if lvl == gpio.Unknown {
			c.write(true, false, false)
		} else {
			inv := lvl == gpio.Low
			c.write(true, inv, inv)
		}
		c.lastTrigger = lvl
		c.logf("armed: %s mode, %d shots", c.mode, c.numShots)
	}
}

// readTrigger samples the trigger input, degrading to Unknown on a fault.
// The input channel is recreated after a failed read so the next tick gets
// a fresh chance.
func (c *Controller) readTrigger() gpio.Level {
	lvl, err := c.lines.ReadTrigger()
	if err != nil {
		c.errorf("trigger read failed: %v", err)
		if rerr := c.lines.ResetInput(); rerr != nil {
			c.errorf("trigger input reset failed: %v", rerr)
		}
		return gpio.Unknown
	}
	return lvl
}

// write drives the three output lines.  Failures are reported and the tick
// carries on; the write is retried naturally on the next tick.
func (c *Controller) write(shutter, camera, spectrometer bool) {
	c.lastOut = gpio.Outputs{Shutter: shutter, Camera: camera, Spectrometer: spectrometer}
	if err := c.lines.WriteLines(shutter, camera, spectrometer); err != nil {
		c.errorf("output write failed: %v", err)
	}
}

// actuate sets the solenoid operating mode and state, fault isolated per
// call.
func (c *Controller) actuate(m kinesis.OperatingMode, s kinesis.State) {
	if err := c.sol.SetOperatingMode(m); err != nil {
		c.errorf("shutter mode %s failed: %v", m, err)
	}
	if err := c.sol.SetState(s); err != nil {
		c.errorf("shutter state %s failed: %v", s, err)
	}
}

// solState sets only the coil state.
func (c *Controller) solState(s kinesis.State) {
	if err := c.sol.SetState(s); err != nil {
		c.errorf("shutter state %s failed: %v", s, err)
	}
}

func (c *Controller) logf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	c.log.Info(msg)
	c.bus.Publish(event.Log(msg))
}

func (c *Controller) errorf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	c.log.Error(msg)
	c.bus.Publish(event.Error(msg))
}

func (c *Controller) status(msg string) {
	c.bus.Publish(event.Status(msg))
}

func (c *Controller) progress(current, total int) {
	c.bus.Publish(event.Progress(current, total))
}
