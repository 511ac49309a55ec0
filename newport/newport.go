/*Package newport talks to Newport 8742 picomotor controllers.

The 8742 speaks a terse ASCII dialect (xxTP?, xxPA, xxOR...) over RS-232
or raw TCP.  Every command is followed by a TE? error query so faults
surface as typed MotorError values instead of silently latching in the
controller.
*/
package newport

import "fmt"

const (
	// RxTerm and TxTerm are the line terminators the controller uses.
	RxTerm = '\n'
	TxTerm = '\r'
)

// errorCodes covers the non-axis errors the 8742 can latch.
var errorCodes = map[int]string{
	0:  "NO ERROR",
	3:  "OVER TEMPERATURE SHUTDOWN",
	6:  "COMMAND DOES NOT EXIST",
	7:  "PARAMETER OUT OF RANGE",
	9:  "AXIS NUMBER OUT OF RANGE",
	10: "EEPROM WRITE IN PROGRESS",
	38: "COMMAND PARAMETER MISSING",
	46: "RS-485 ETX FAULT DETECTED",
}

// axisErrorCodes covers errors reported as axis*100 + code.
var axisErrorCodes = map[int]string{
	0:  "MOTOR TYPE NOT DEFINED",
	10: "MAX VELOCITY EXCEEDED",
	11: "MAX ACCELERATION EXCEEDED",
	14: "MOTOR NOT CONNECTED",
	20: "HOMING ABORTED",
	25: "FOLLOWING ERROR",
}

// MotorError is a nonzero TE? response.  Axis 0 means the error is not
// axis-specific.
type MotorError struct {
	Axis, Code int
}

func (e MotorError) Error() string {
	if e.Axis == 0 {
		if msg, ok := errorCodes[e.Code]; ok {
			return fmt.Sprintf("newport: error %d: %s", e.Code, msg)
		}
		return fmt.Sprintf("newport: error %d", e.Code)
	}
	if msg, ok := axisErrorCodes[e.Code]; ok {
		return fmt.Sprintf("newport: axis %d error %d: %s", e.Axis, e.Code, msg)
	}
	return fmt.Sprintf("newport: axis %d error %d", e.Axis, e.Code)
}

// decodeError converts a TE? integer to a MotorError, or nil for zero.
func decodeError(i int) error {
	if i == 0 {
		return nil
	}
	if i < 100 {
		return MotorError{Code: i}
	}
	return MotorError{Axis: i / 100, Code: i % 100}
}
