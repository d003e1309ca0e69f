package grbl

import (
	"errors"
	"fmt"
)

var (
	// ErrDesync is returned when an acknowledgement arrives with no
	// command outstanding.
	ErrDesync = errors.New("grbl: acknowledgement with no pending command")

	// ErrAlarmLocked is returned for commands sent while an alarm is active.
	ErrAlarmLocked = errors.New("grbl: alarm active, unlock or reset required")

	// ErrAborted ends a job that was stopped by the user.
	ErrAborted = errors.New("grbl: job aborted")

	// ErrReset ends a job when the controller resets unexpectedly.
	ErrReset = errors.New("grbl: controller reset")
)

var errorDescriptions = map[int]string{
	1:  "Expected command letter",
	2:  "Bad number format",
	3:  "Invalid $ statement",
	4:  "Negative value",
	5:  "Homing not enabled",
	6:  "Step pulse too short",
	7:  "EEPROM read fail",
	8:  "Not idle",
	9:  "G-code lock",
	10: "Soft limit",
	11: "Overflow",
	12: "Max step rate exceeded",
	13: "Check door",
	14: "Line length exceeded",
	15: "Travel exceeded",
	16: "Invalid jog command",
	17: "Laser mode requires PWM",
	20: "Unsupported command",
	21: "Modal group violation",
	22: "Undefined feed rate",
	23: "Invalid G-code ID",
	24: "Value word conflict",
	25: "Self-referencing arc",
	26: "No arc axis words",
	27: "Unused value words",
}

var alarmDescriptions = map[int]string{
	1: "Hard limit triggered",
	2: "Soft limit alarm",
	3: "Abort during cycle",
	4: "Probe fail, not cleared",
	5: "Probe fail, not contacted",
	6: "Homing fail, reset",
	7: "Homing fail, door",
	8: "Homing fail, pull off",
	9: "Homing fail, no switch",
}

// ErrorDescription returns a description of a firmware `error:N` code.
func ErrorDescription(code int) string {
	if s, ok := errorDescriptions[code]; ok {
		return s
	}
	return "Unknown error"
}

// AlarmDescription returns a description of an `ALARM:N` code.
func AlarmDescription(code int) string {
	if s, ok := alarmDescriptions[code]; ok {
		return s
	}
	return "Unknown alarm"
}

// FirmwareError is a per-command error reported by the controller.
// The command was discarded but streaming may continue.
type FirmwareError struct {
	Code int

	// Line and Text identify the command the error was matched to.
	Line int
	Text string
}

func (e *FirmwareError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("error:%d (%s)", e.Code, ErrorDescription(e.Code))
	}
	return fmt.Sprintf("line %d %q: error:%d (%s)", e.Line, e.Text, e.Code, ErrorDescription(e.Code))
}

// AlarmError is a controller safety stop. Further commands are refused
// until the alarm is cleared.
type AlarmError struct {
	Code int
}

func (e *AlarmError) Error() string {
	return fmt.Sprintf("ALARM:%d (%s)", e.Code, AlarmDescription(e.Code))
}
