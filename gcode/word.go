package gcode

import (
	"strconv"
	"strings"
)

// Word is a single letter/value pair, used to build generated commands.
type Word struct {
	W   byte
	Arg float64
}

func formatFloat(f float64, prec int) string {
	s := strconv.FormatFloat(f, 'f', prec, 64)
	if strings.ContainsRune(s, '.') {
		s = strings.TrimRight(s, "0")
	}
	s = strings.TrimRight(s, ".")
	if s == "-0" {
		return "0"
	}
	return s
}

func (w Word) String() string {
	return string(w.W) + formatFloat(w.Arg, 3)
}

// Words will join words into the text of a single command.
func Words(prefix string, words ...Word) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, w := range words {
		b.WriteString(w.String())
	}
	return b.String()
}
