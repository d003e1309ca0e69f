package gcode

import (
	"io"
	"io/ioutil"
	"strings"
)

// Program is a restartable command source. Each call to Commands
// starts a new pass over the original text.
type Program struct {
	data string
}

func NewProgram(data string) *Program { return &Program{data: data} }

// ReadProgram will read all of r into a new Program.
func ReadProgram(r io.Reader) (*Program, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return NewProgram(string(data)), nil
}

// Commands returns a parser positioned at the start of the program.
func (p *Program) Commands() *Parser { return NewParser(strings.NewReader(p.data)) }

// Count will do a full pass and return the number of commands,
// or the first error encountered.
func (p *Program) Count() (n int, err error) {
	return p.Walk(func(Command) error { return nil })
}

// Walk calls fn for every command in the program, stopping at the first error.
func (p *Program) Walk(fn func(Command) error) (n int, err error) {
	r := p.Commands()
	for {
		cmd, err := r.Read()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		err = fn(cmd)
		if err != nil {
			return n, err
		}
		n++
	}
}
