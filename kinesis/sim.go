package kinesis

import (
	"errors"
	"sync"
)

// ErrNotOpen is returned by Sim operations before Open or after Close.
var ErrNotOpen = errors.New("kinesis: solenoid not open")

// Sim is an in-memory Solenoid.
type Sim struct {
	mu    sync.Mutex
	open  bool
	mode  OperatingMode
	state State
}

// NewSim returns a Sim in Manual/Inactive.
func NewSim() *Sim {
	return &Sim{}
}

// Open implements Solenoid.
func (s *Sim) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	s.mode = ModeManual
	s.state = Inactive
	return nil
}

// Close implements Solenoid.
func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Inactive
	s.open = false
	return nil
}

// SetOperatingMode implements Solenoid.
func (s *Sim) SetOperatingMode(m OperatingMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrNotOpen
	}
	s.mode = m
	return nil
}

// SetState implements Solenoid.
func (s *Sim) SetState(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrNotOpen
	}
	s.state = st
	return nil
}

// Identity implements Solenoid.
func (s *Sim) Identity() string { return "sim-solenoid" }

// Mode returns the current operating mode.
func (s *Sim) Mode() OperatingMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// CoilState returns the current coil state.
func (s *Sim) CoilState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
