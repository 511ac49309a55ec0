package gpio

import (
	"errors"
	"sync"
)

// ErrNotOpen is returned by Sim operations before Open or after Close.
var ErrNotOpen = errors.New("gpio: lines not open")

// Outputs is one observed output write, in line order.
type Outputs struct {
	Shutter      bool
	Camera       bool
	Spectrometer bool
}

// Sim is an in-memory Lines implementation.  Tests and bench-less operation
// drive the trigger with SetTrigger and observe writes with Last/History.
type Sim struct {
	mu      sync.Mutex
	open    bool
	trigger Level
	last    Outputs
	history []Outputs

	// FailReads makes ReadTrigger error until ResetInput is called, to
	// exercise the degraded path.
	FailReads bool
	resets    int
}

// NewSim returns a Sim with the trigger at Low.
func NewSim() *Sim {
	return &Sim{trigger: Low}
}

// Open implements Lines.
func (s *Sim) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	s.last = Outputs{}
	return nil
}

// Close implements Lines.
func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = Outputs{}
	s.history = append(s.history, s.last)
	s.open = false
	return nil
}

// WriteLines implements Lines.
func (s *Sim) WriteLines(shutter, camera, spectrometer bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrNotOpen
	}
	s.last = Outputs{Shutter: shutter, Camera: camera, Spectrometer: spectrometer}
	s.history = append(s.history, s.last)
	return nil
}

// ReadTrigger implements Lines.
func (s *Sim) ReadTrigger() (Level, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return Unknown, ErrNotOpen
	}
	if s.FailReads {
		return Unknown, errors.New("gpio: simulated read fault")
	}
	return s.trigger, nil
}

// ResetInput implements Lines.  It clears FailReads, standing in for a
// channel teardown and re-create on the real card.
func (s *Sim) ResetInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailReads = false
	s.resets++
	return nil
}

// SetTrigger drives the simulated trigger input.
func (s *Sim) SetTrigger(l Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trigger = l
}

// Last returns the most recent output write.
func (s *Sim) Last() Outputs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// History returns every output write since Open, oldest first.
func (s *Sim) History() []Outputs {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Outputs, len(s.history))
	copy(out, s.history)
	return out
}

// Resets returns how many times ResetInput has been called.
func (s *Sim) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}
