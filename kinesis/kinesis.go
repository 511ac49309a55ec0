// Package kinesis abstracts the Thorlabs solenoid controller holding the
// fast shutter.  Only the operating mode and coil state are needed by the
// fire controller; the vendor runtime behind a real unit is out of scope
// and a simulator is provided for bench-less operation and tests.
package kinesis

// OperatingMode selects how the controller sources its actuation.
type OperatingMode int

const (
	// ModeManual makes the coil follow SetState directly.
	ModeManual OperatingMode = iota
	// ModeTriggered hands the coil to the hardware trigger input.
	ModeTriggered
)

func (m OperatingMode) String() string {
	if m == ModeTriggered {
		return "triggered"
	}
	return "manual"
}

// State is the commanded coil state.
type State int

const (
	// Inactive de-energizes the coil (shutter closed).
	Inactive State = iota
	// Active energizes the coil.
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "inactive"
}

// Solenoid is the shutter capability surface.
type Solenoid interface {
	// Open connects to the controller and leaves it Manual/Inactive.
	Open() error
	// Close de-energizes the coil and releases the controller.
	Close() error
	// SetOperatingMode selects manual or hardware-triggered actuation.
	SetOperatingMode(OperatingMode) error
	// SetState commands the coil.
	SetState(State) error
	// Identity reports the device serial, for the connection event.
	Identity() string
}
