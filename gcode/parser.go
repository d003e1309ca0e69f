package gcode

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// MalformedInputError is returned when a source line can not be decoded.
type MalformedInputError struct {
	Line int
	Text string
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("line %d: invalid UTF-8 in %q", e.Line, e.Text)
}

// Parser reads commands from a line-oriented source, dropping blank lines
// and comments.
type Parser struct {
	br   *bufio.Reader
	line int
	err  error
}

var _ Reader = &Parser{}

func NewParser(r io.Reader) *Parser {
	if br, ok := r.(*bufio.Reader); ok {
		return &Parser{br: br}
	}

	return &Parser{br: bufio.NewReader(r)}
}

// Line returns the number of source lines consumed so far.
func (p *Parser) Line() int { return p.line }

// Read returns the next command. It returns io.EOF once the source is
// exhausted. A *MalformedInputError does not stop the parser; the next
// call continues with the following line.
func (p *Parser) Read() (Command, error) {
	for {
		if p.err != nil {
			return Command{}, p.err
		}
		s, err := p.br.ReadString('\n')
		if err == io.EOF && s != "" {
			err = nil
		}
		if err != nil {
			p.err = err
			return Command{}, err
		}
		p.line++

		if !utf8.ValidString(s) {
			return Command{}, &MalformedInputError{Line: p.line, Text: strings.TrimRight(s, "\r\n")}
		}

		s = strings.TrimSpace(stripComments(s))
		if s == "" {
			continue
		}

		return Command{Line: p.line, Text: s}, nil
	}
}

// stripComments removes `(...)` comments and everything after a `;`.
// An unterminated `(` comments out the rest of the line.
func stripComments(s string) string {
	if !strings.ContainsAny(s, ";(") {
		return s
	}
	var b strings.Builder
	var paren bool
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case paren:
			if c == ')' {
				paren = false
			}
		case c == '(':
			paren = true
		case c == ';':
			return b.String()
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
