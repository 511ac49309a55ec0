// Package gpio abstracts the digital I/O card carrying the experiment's
// trigger and gating lines.  The concrete card (an NI USB DIO in the lab)
// is driven through its vendor runtime; this package only fixes the
// capability surface the fire controller needs, plus a simulator so the
// rest of the system runs on a desk.
package gpio

// Level is a sampled logic level.  Unknown is the degraded state after a
// read fault; consumers must treat it as "apply safe defaults", never as a
// third logic value.
type Level int

const (
	// Unknown means the trigger input could not be read.
	Unknown Level = iota
	// Low is logic 0.
	Low
	// High is logic 1.
	High
)

func (l Level) String() string {
	switch l {
	case Low:
		return "low"
	case High:
		return "high"
	default:
		return "unknown"
	}
}

// LevelOf converts a bool sample to a Level.
func LevelOf(high bool) Level {
	if high {
		return High
	}
	return Low
}

// Lines is the digital I/O capability surface: three active-high output
// lines in stable order (shutter, camera, spectrometer) and one active-high
// trigger input sampled on demand.
type Lines interface {
	// Open claims the lines.  All outputs are driven low on success.
	Open() error
	// Close drives all outputs low and releases the lines.
	Close() error
	// WriteLines sets the three output lines in one operation.
	WriteLines(shutter, camera, spectrometer bool) error
	// ReadTrigger samples the trigger input.
	ReadTrigger() (Level, error)
	// ResetInput closes and reopens the input channel after a read fault.
	ResetInput() error
}
