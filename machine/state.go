package machine

import (
	"strings"
	"time"

	"github.com/mastercactapus/gstream/coord"
)

// Mode is the controller run state reported in status messages.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeIdle
	ModeRun
	ModeJog
	ModeHold
	ModeAlarm
	ModeDoor
	ModeCheck
	ModeHome
	ModeSleep
)

var modeNames = [...]string{
	ModeUnknown: "Unknown",
	ModeIdle:    "Idle",
	ModeRun:     "Run",
	ModeJog:     "Jog",
	ModeHold:    "Hold",
	ModeAlarm:   "Alarm",
	ModeDoor:    "Door",
	ModeCheck:   "Check",
	ModeHome:    "Home",
	ModeSleep:   "Sleep",
}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return modeNames[ModeUnknown]
	}
	return modeNames[m]
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// ParseMode will parse a status word like `Idle` or `Hold:0`, returning
// the base mode and the sub-state (if any).
func ParseMode(s string) (m Mode, sub string) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s, sub = s[:i], s[i+1:]
	}
	for i, name := range modeNames {
		if name == s {
			return Mode(i), sub
		}
	}
	return ModeUnknown, sub
}

// Buffer is the `Bf:` field of a status report.
type Buffer struct {
	Valid   bool
	Planner int
	RX      int
}

// Override is the `Ov:` field of a status report, in percent.
type Override struct {
	Feed, Rapid, Spindle float64
}

type ProbeResult struct {
	coord.Point
	Valid bool
}

// State is a snapshot of the controller as last reported.
type State struct {
	Mode     Mode
	SubState string `json:",omitempty"`

	MPos coord.Point
	WPos coord.Point
	WCO  coord.Point

	// ReportWPos selects WPos (instead of MPos) as the primary Position.
	ReportWPos bool

	Feed     float64
	Spindle  float64
	Buffer   Buffer
	Override Override
	Pins     string `json:",omitempty"`

	Probe   *ProbeResult `json:",omitempty"`
	Alarm   int          `json:",omitempty"`
	Version string       `json:",omitempty"`

	Updated time.Time
}

// Position returns the position in the configured reporting format.
func (s State) Position() coord.Point {
	if s.ReportWPos {
		return s.WPos
	}
	return s.MPos
}

// Reset returns the zero state, keeping only the reporting preference.
func (s State) Reset() State { return State{ReportWPos: s.ReportWPos} }
