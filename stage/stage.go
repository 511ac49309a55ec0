/*Package stage supervises motion on addressable stages without ever
blocking on the hardware.

Move, home and stop commands are marshaled onto one I/O goroutine per
supervisor (one per device family).  Completion is detected by polling: a
hardware busy flag when the driver has one, otherwise a position-stability
heuristic (position unchanged within epsilon for N consecutive samples).
Each address has at most one live poller; its lifetime is scoped to one
outstanding motion request.
*/
package stage

import (
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hilab/pmctl/event"
)

// Controller is the minimal driver surface the supervisor needs.
type Controller interface {
	// GetPos gets the current position of an address.
	GetPos(addr string) (float64, error)

	// MoveAbs moves an address to an absolute position.
	MoveAbs(addr string, pos float64) error

	// MoveRel moves an address a relative amount.
	MoveRel(addr string, delta float64) error

	// Home homes an address.
	Home(addr string) error

	// Stop halts motion on an address.
	Stop(addr string) error
}

// Busyer is an optional driver capability: a hardware busy/idle flag.
type Busyer interface {
	// Busy reports whether the address is still moving.
	Busy(addr string) (bool, error)
}

// Speeder is an optional driver capability: a velocity setpoint.
type Speeder interface {
	// SetVelocity sets the velocity setpoint on an address.
	SetVelocity(addr string, v float64) error

	// GetVelocity gets the velocity setpoint on an address.
	GetVelocity(addr string) (float64, error)
}

// Capabilities is resolved once when the supervisor is created, never
// re-probed per call.
type Capabilities struct {
	HasBusyFlag bool
	HasVelocity bool
}

// Config tunes completion detection.
type Config struct {
	// PollPeriod is the poller cadence.
	PollPeriod time.Duration
	// Epsilon is the position-stability tolerance.
	Epsilon float64
	// StableCount is how many consecutive unchanged samples declare idle.
	StableCount int
	// MaxAttempts bounds a single motion's poll count; exceeding it
	// abandons the poller and reports a timeout.
	MaxAttempts int
}

// WithDefaults fills zero fields with the lab defaults.
func (c Config) WithDefaults() Config {
	if c.PollPeriod == 0 {
		c.PollPeriod = 50 * time.Millisecond
	}
	if c.Epsilon == 0 {
		c.Epsilon = 1e-4
	}
	if c.StableCount == 0 {
		c.StableCount = 2
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 1200
	}
	return c
}

// record tracks one outstanding motion.
type record struct {
	unit     string
	lastPos  float64
	hasLast  bool
	stable   int
	attempts int
}

// Supervisor issues non-blocking motion commands and emits completion
// events.  Create with New, launch with Start.
type Supervisor struct {
	cfg  Config
	ctl  Controller
	busy Busyer
	spd  Speeder
	caps Capabilities
	bus  *event.Bus
	log  logrus.FieldLogger

	reqs chan func()
	quit chan struct{}
	done chan struct{}

	// active is owned by the I/O goroutine
	active map[string]*record
}

// New returns a Supervisor for ctl.  Optional capabilities are probed once
// here; the per-call "try this shape, then that one" dance is deliberately
// absent.
func New(cfg Config, ctl Controller, bus *event.Bus, log logrus.FieldLogger) *Supervisor {
	s := &Supervisor{
		cfg:    cfg.WithDefaults(),
		ctl:    ctl,
		bus:    bus,
		log:    log,
		reqs:   make(chan func(), 64),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		active: make(map[string]*record),
	}
	if b, ok := ctl.(Busyer); ok {
		s.busy = b
		s.caps.HasBusyFlag = true
	}
	if sp, ok := ctl.(Speeder); ok {
		s.spd = sp
		s.caps.HasVelocity = true
	}
	return s
}

// Caps reports the resolved driver capabilities.
func (s *Supervisor) Caps() Capabilities { return s.caps }

// Start launches the I/O goroutine.
func (s *Supervisor) Start() {
	go s.run()
}

// Shutdown stops the I/O goroutine, abandoning any active pollers.
func (s *Supervisor) Shutdown() {
	close(s.quit)
	<-s.done
}

// MoveAbsolute issues an absolute move and begins polling for completion.
func (s *Supervisor) MoveAbsolute(addr string, target float64, unit string) {
	s.enqueue(func() { s.beginMove(addr, unit, "move", func() error { return s.ctl.MoveAbs(addr, target) }) })
}

// MoveDelta issues a relative move and begins polling for completion.
func (s *Supervisor) MoveDelta(addr string, delta float64, unit string) {
	s.enqueue(func() { s.beginMove(addr, unit, "move", func() error { return s.ctl.MoveRel(addr, delta) }) })
}

// Home issues a homing move and begins polling for completion.
func (s *Supervisor) Home(addr string, unit string) {
	s.enqueue(func() { s.beginMove(addr, unit, "home", func() error { return s.ctl.Home(addr) }) })
}

// Stop halts an address.  It bypasses and supersedes any active poller:
// the halted position is read back and motion-complete emitted
// immediately.
func (s *Supervisor) Stop(addr string, unit string) {
	s.enqueue(func() { s.stop(addr, unit) })
}

// SetTargetSpeed sets the velocity setpoint and emits a speed event.
func (s *Supervisor) SetTargetSpeed(addr string, v float64, unit string) {
	s.enqueue(func() { s.setSpeed(addr, v, unit) })
}

// ReadPositionSpeed reads back position and (when supported) speed,
// emitting one event for each.
func (s *Supervisor) ReadPositionSpeed(addr string, unit string) {
	s.enqueue(func() { s.readback(addr, unit) })
}

// Position reads the position synchronously, marshaled through the I/O
// goroutine.  For the HTTP layer.
func (s *Supervisor) Position(addr string) (float64, error) {
	type res struct {
		pos float64
		err error
	}
	ch := make(chan res, 1)
	s.reqs <- func() {
		p, err := s.ctl.GetPos(addr)
		ch <- res{p, err}
	}
	r := <-ch
	return r.pos, r.err
}

// Velocity reads the velocity setpoint synchronously.
func (s *Supervisor) Velocity(addr string) (float64, error) {
	if s.spd == nil {
		return 0, fmt.Errorf("stage: %s: driver has no velocity capability", addr)
	}
	type res struct {
		v   float64
		err error
	}
	ch := make(chan res, 1)
	s.reqs <- func() {
		v, err := s.spd.GetVelocity(addr)
		ch <- res{v, err}
	}
	r := <-ch
	return r.v, r.err
}

// Moving reports whether addr has an outstanding motion, marshaled
// through the I/O goroutine.
func (s *Supervisor) Moving(addr string) bool {
	ch := make(chan bool, 1)
	s.reqs <- func() {
		_, ok := s.active[addr]
		ch <- ok
	}
	return <-ch
}

func (s *Supervisor) enqueue(fn func()) {
	select {
	case s.reqs <- fn:
	default:
		s.errorf("stage: command queue full, command dropped")
	}
}

func (s *Supervisor) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.PollPeriod)
	defer ticker.Stop()
	for {
		select {
		case fn := <-s.reqs:
			fn()
		case <-ticker.C:
			s.pollAll()
		case <-s.quit:
			return
		}
	}
}

// beginMove runs in the I/O goroutine.  Re-issuing a move for an address
// that is still being polled is a caller error: the command is reported
// and dropped.
func (s *Supervisor) beginMove(addr, unit, verb string, issue func() error) {
	if _, exists := s.active[addr]; exists {
		s.errorf("stage: %s: %s rejected, motion already in progress (stop or await first)", addr, verb)
		return
	}
	if err := issue(); err != nil {
		s.errorf("stage: %s: %s failed: %v", addr, verb, err)
		return
	}
	s.active[addr] = &record{unit: unit}
	s.logf("stage: %s: %s issued", addr, verb)
}

func (s *Supervisor) stop(addr, unit string) {
	delete(s.active, addr)
	if err := s.ctl.Stop(addr); err != nil {
		s.errorf("stage: %s: stop failed: %v", addr, err)
		return
	}
	pos, err := s.ctl.GetPos(addr)
	if err != nil {
		s.errorf("stage: %s: position readback after stop failed: %v", addr, err)
		s.emitMotionDone(addr, 0, unit)
		return
	}
	s.emitPosition(addr, pos, unit)
	s.emitMotionDone(addr, pos, unit)
	s.logf("stage: %s: stopped at %g %s", addr, pos, unit)
}

func (s *Supervisor) setSpeed(addr string, v float64, unit string) {
	if s.spd == nil {
		s.errorf("stage: %s: driver has no velocity capability", addr)
		return
	}
	if err := s.spd.SetVelocity(addr, v); err != nil {
		s.errorf("stage: %s: set speed failed: %v", addr, err)
		return
	}
	s.bus.Publish(event.Event{Kind: event.KindSpeed, Time: time.Now(), Address: addr, Speed: v, Unit: unit})
	s.logf("stage: %s: target speed %g %s", addr, v, unit)
}

func (s *Supervisor) readback(addr, unit string) {
	pos, err := s.ctl.GetPos(addr)
	if err != nil {
		s.errorf("stage: %s: position read failed: %v", addr, err)
	} else {
		s.emitPosition(addr, pos, unit)
	}
	if s.spd == nil {
		return
	}
	v, err := s.spd.GetVelocity(addr)
	if err != nil {
		s.errorf("stage: %s: speed read failed: %v", addr, err)
		return
	}
	s.bus.Publish(event.Event{Kind: event.KindSpeed, Time: time.Now(), Address: addr, Speed: v, Unit: unit})
}

// pollAll advances every active poller by one sample.
func (s *Supervisor) pollAll() {
	for addr, rec := range s.active {
		s.pollAddr(addr, rec)
	}
}

// pollAddr is one completion sample for one address.  Failures inside it
// produce no state change; the next poll retries.
func (s *Supervisor) pollAddr(addr string, rec *record) {
	rec.attempts++
	if s.busy != nil {
		busy, err := s.busy.Busy(addr)
		if err != nil {
			s.errorf("stage: %s: busy poll failed: %v", addr, err)
		} else if !busy {
			s.complete(addr, rec)
			return
		}
	} else {
		pos, err := s.ctl.GetPos(addr)
		if err != nil {
			s.errorf("stage: %s: position poll failed: %v", addr, err)
		} else {
			if rec.hasLast && math.Abs(pos-rec.lastPos) <= s.cfg.Epsilon {
				rec.stable++
			} else {
				rec.stable = 0
			}
			rec.lastPos = pos
			rec.hasLast = true
			if rec.stable >= s.cfg.StableCount {
				s.complete(addr, rec)
				return
			}
		}
	}
	if rec.attempts >= s.cfg.MaxAttempts {
		delete(s.active, addr)
		s.errorf("stage: %s: motion poll budget exceeded after %d attempts", addr, rec.attempts)
	}
}

// complete emits the final reading and motion-complete, then destroys the
// poller.
func (s *Supervisor) complete(addr string, rec *record) {
	delete(s.active, addr)
	pos, err := s.ctl.GetPos(addr)
	if err != nil {
		if rec.hasLast {
			pos = rec.lastPos
		}
		s.errorf("stage: %s: final position read failed: %v", addr, err)
	}
	s.emitPosition(addr, pos, rec.unit)
	s.emitMotionDone(addr, pos, rec.unit)
	s.logf("stage: %s: motion complete at %g %s", addr, pos, rec.unit)
}

func (s *Supervisor) emitPosition(addr string, pos float64, unit string) {
	s.bus.Publish(event.Event{Kind: event.KindPosition, Time: time.Now(), Address: addr, Position: pos, Unit: unit})
}

func (s *Supervisor) emitMotionDone(addr string, pos float64, unit string) {
	s.bus.Publish(event.Event{Kind: event.KindMotion, Time: time.Now(), Address: addr, Position: pos, Unit: unit})
}

func (s *Supervisor) logf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	s.log.Info(msg)
	s.bus.Publish(event.Log(msg))
}

func (s *Supervisor) errorf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	s.log.Error(msg)
	s.bus.Publish(event.Error(msg))
}
