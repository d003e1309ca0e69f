package machine

import (
	"context"

	"github.com/mastercactapus/gstream/gcode"
)

// An Adapter represents a live connection to a controller.
type Adapter interface {
	State() <-chan State
	CurrentState() State

	// Capacity is the size of the controller's receive buffer in bytes.
	Capacity() int

	// Stream sends all commands from r, recording progress in job. It
	// returns after every command has been acknowledged or the job ends.
	Stream(ctx context.Context, r gcode.Reader, job *Job) error

	// Send queues a single command outside of a job and waits for its
	// acknowledgement.
	Send(ctx context.Context, cmd gcode.Command) error

	// Realtime writes a single control byte, bypassing flow control.
	Realtime(b byte) error

	Hold() error
	Resume() error
	Abort() error
	SoftReset() error
	Unlock(ctx context.Context) error

	Subscribe() (<-chan string, func())

	// History returns recent informational lines, oldest first.
	History() []string

	Done() <-chan struct{}
	Err() error
	Close() error
}
