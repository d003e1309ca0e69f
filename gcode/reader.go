package gcode

import "io"

type Reader interface {
	Read() (Command, error)
}

type CommandsReader struct {
	Commands []Command
	n        int
}

func (r *CommandsReader) Read() (Command, error) {
	if r.n == len(r.Commands) {
		return Command{}, io.EOF
	}

	r.n++
	return r.Commands[r.n-1], nil
}
