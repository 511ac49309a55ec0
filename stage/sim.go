package stage

import (
	"fmt"
	"sync"
)

// Sim is an in-memory stage used when the daemon runs without hardware.
// Moves land over a few position reads rather than instantly so the
// stability detection has something to chew on.  It has velocity but no
// busy flag.
type Sim struct {
	sync.Mutex
	pos map[string]float64
	tgt map[string]float64
	vel map[string]float64
}

// NewSim returns a Sim with all axes at zero.
func NewSim() *Sim {
	return &Sim{
		pos: make(map[string]float64),
		tgt: make(map[string]float64),
		vel: make(map[string]float64),
	}
}

// GetPos steps the axis halfway to its target and returns the new
// position; repeated reads converge.
func (s *Sim) GetPos(addr string) (float64, error) {
	s.Lock()
	defer s.Unlock()
	p, t := s.pos[addr], s.tgt[addr]
	d := t - p
	if d > -1e-6 && d < 1e-6 {
		s.pos[addr] = t
		return t, nil
	}
	p += d / 2
	s.pos[addr] = p
	return p, nil
}

// MoveAbs retargets the axis.
func (s *Sim) MoveAbs(addr string, pos float64) error {
	s.Lock()
	defer s.Unlock()
	s.tgt[addr] = pos
	return nil
}

// MoveRel retargets the axis relative to its current target.
func (s *Sim) MoveRel(addr string, delta float64) error {
	s.Lock()
	defer s.Unlock()
	s.tgt[addr] += delta
	return nil
}

// Home sends the axis to zero.
func (s *Sim) Home(addr string) error {
	return s.MoveAbs(addr, 0)
}

// Stop freezes the axis where it is.
func (s *Sim) Stop(addr string) error {
	s.Lock()
	defer s.Unlock()
	s.tgt[addr] = s.pos[addr]
	return nil
}

// SetVelocity records the setpoint.
func (s *Sim) SetVelocity(addr string, v float64) error {
	if v <= 0 {
		return fmt.Errorf("stage: sim: velocity must be positive, got %g", v)
	}
	s.Lock()
	defer s.Unlock()
	s.vel[addr] = v
	return nil
}

// GetVelocity returns the setpoint.
func (s *Sim) GetVelocity(addr string) (float64, error) {
	s.Lock()
	defer s.Unlock()
	return s.vel[addr], nil
}
