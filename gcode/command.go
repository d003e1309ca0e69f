package gcode

import "strconv"

// Command is a single normalized line ready to be sent to a controller.
type Command struct {
	// Line is the 1-based line number in the original source.
	Line int
	Text string
}

// Len returns the number of bytes the command occupies on the wire,
// including the line terminator.
func (c Command) Len() int { return len(c.Text) + 1 }

// Bytes returns the wire representation of c.
func (c Command) Bytes() []byte { return append([]byte(c.Text), '\n') }

func (c Command) String() string {
	return strconv.Itoa(c.Line) + ": " + c.Text
}
