package machine

import (
	"errors"
	"fmt"

	"github.com/mastercactapus/gstream/gcode"
)

var (
	// ErrNotConnected is returned when an operation needs a live connection.
	ErrNotConnected = errors.New("not connected")

	// ErrJobActive is returned when a job is already streaming.
	ErrJobActive = errors.New("a job is already active")
)

// OversizedCommandError is returned for a command that can never fit in the
// controller's receive buffer.
type OversizedCommandError struct {
	Command  gcode.Command
	Capacity int
}

func (e *OversizedCommandError) Error() string {
	return fmt.Sprintf("line %d: command is %d bytes, receive buffer holds %d", e.Command.Line, e.Command.Len(), e.Capacity)
}
