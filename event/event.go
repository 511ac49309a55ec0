// Package event defines the typed event stream emitted by the device
// controllers and a small fan-out bus carrying it to consumers (the HTTP
// event feed, the shot finalizer, logs).
package event

import "time"

// Kind discriminates Event payloads.
type Kind int

const (
	// KindLog is a human readable log line.
	KindLog Kind = iota
	// KindError is a recoverable error surfaced to the operator.
	KindError
	// KindConnected reports a device came online; Device carries its identity.
	KindConnected
	// KindStatus is a one-line controller status.
	KindStatus
	// KindProgress reports shots progress as Current of Total.
	KindProgress
	// KindShot reports a completed single shot; Timestamp is the moment the
	// outputs returned low, in seconds since the epoch.
	KindShot
	// KindMotion reports completed motion on Address at Position.
	KindMotion
	// KindPosition reports a position readback.
	KindPosition
	// KindSpeed reports a speed readback.
	KindSpeed
	// KindRename reports a finalized shot file moving from Old to New.
	KindRename
)

func (k Kind) String() string {
	switch k {
	case KindLog:
		return "log"
	case KindError:
		return "error"
	case KindConnected:
		return "connected"
	case KindStatus:
		return "status"
	case KindProgress:
		return "progress"
	case KindShot:
		return "shot"
	case KindMotion:
		return "motion"
	case KindPosition:
		return "position"
	case KindSpeed:
		return "speed"
	case KindRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Event is one item on the stream.  Only the fields relevant to Kind are
// populated; consumers correlate streams by the explicit Timestamp, Address
// and shot-number fields, never by arrival order across devices.
type Event struct {
	Kind Kind      `json:"kind"`
	Time time.Time `json:"t"`

	Msg    string `json:"msg,omitempty"`
	Device string `json:"device,omitempty"`

	Current int `json:"current,omitempty"`
	Total   int `json:"total,omitempty"`

	// Timestamp is seconds since the epoch for KindShot.
	Timestamp float64 `json:"timestamp,omitempty"`

	Address  string  `json:"address,omitempty"`
	Position float64 `json:"position,omitempty"`
	Speed    float64 `json:"speed,omitempty"`
	Unit     string  `json:"unit,omitempty"`

	Shot int    `json:"shot,omitempty"`
	Old  string `json:"old,omitempty"`
	New  string `json:"new,omitempty"`
}

// Log makes a KindLog event.
func Log(msg string) Event {
	return Event{Kind: KindLog, Time: time.Now(), Msg: msg}
}

// Error makes a KindError event.
func Error(msg string) Event {
	return Event{Kind: KindError, Time: time.Now(), Msg: msg}
}

// Status makes a KindStatus event.
func Status(msg string) Event {
	return Event{Kind: KindStatus, Time: time.Now(), Msg: msg}
}

// Progress makes a KindProgress event.
func Progress(current, total int) Event {
	return Event{Kind: KindProgress, Time: time.Now(), Current: current, Total: total}
}
