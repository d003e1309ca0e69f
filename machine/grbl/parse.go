package grbl

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mastercactapus/gstream/coord"
	"github.com/mastercactapus/gstream/machine"
)

// EventType is the classification of a line received from the controller.
type EventType int

const (
	EventInfo EventType = iota
	EventStatus
	EventOK
	EventError
	EventAlarm
	EventWelcome
	EventProbe
)

func (t EventType) String() string {
	switch t {
	case EventStatus:
		return "status"
	case EventOK:
		return "ok"
	case EventError:
		return "error"
	case EventAlarm:
		return "alarm"
	case EventWelcome:
		return "welcome"
	case EventProbe:
		return "probe"
	}
	return "info"
}

// Event is a classified controller line.
type Event struct {
	Type EventType
	Line string

	// Code is set for EventError and EventAlarm.
	Code int

	// Version is set for EventWelcome.
	Version string
}

var rxWelcome = regexp.MustCompile(`(?i)^Grbl\s+(\S+)`)

func parseCode(s, prefix string) (int, bool) {
	if !strings.HasPrefix(s, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(s[len(prefix):]))
	if err != nil {
		return 0, false
	}
	return n, true
}

// classify will determine the type of a single line from the controller.
func classify(line string) Event {
	line = strings.TrimSpace(line)
	ev := Event{Type: EventInfo, Line: line}
	switch {
	case strings.HasPrefix(line, "<") && strings.HasSuffix(line, ">"):
		ev.Type = EventStatus
	case line == "ok":
		ev.Type = EventOK
	case strings.HasPrefix(line, "error:"):
		if code, ok := parseCode(line, "error:"); ok {
			ev.Type = EventError
			ev.Code = code
		}
	case strings.HasPrefix(line, "ALARM:"):
		ev.Type = EventAlarm
		ev.Code, _ = parseCode(line, "ALARM:")
	case strings.HasPrefix(line, "[PRB:"):
		ev.Type = EventProbe
	default:
		if m := rxWelcome.FindStringSubmatch(line); m != nil {
			ev.Type = EventWelcome
			ev.Version = m[1]
		}
	}
	return ev
}

func parseCoords(data string) (p coord.Point, err error) {
	parts := strings.Split(data, ",")
	if len(parts) < 2 {
		return p, errors.New("invalid number of elements")
	}
	p.X, err = strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return p, err
	}
	p.Y, err = strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return p, err
	}
	if len(parts) > 2 {
		p.Z, err = strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return p, err
		}
	}
	return p, nil
}

func parseFloats(data string, dst ...*float64) (err error) {
	parts := strings.Split(data, ",")
	for i, p := range parts {
		if i == len(dst) {
			break
		}
		*dst[i], err = strconv.ParseFloat(p, 64)
		if err != nil {
			return err
		}
	}
	return nil
}

func parseProbe(data string) (*machine.ProbeResult, error) {
	data = strings.TrimSpace(data)
	data = strings.TrimPrefix(data, "[")
	data = strings.TrimSuffix(data, "]")
	parts := strings.Split(data, ":")
	if len(parts) != 3 || parts[0] != "PRB" {
		return nil, errors.New("invalid probe report: " + data)
	}
	var res machine.ProbeResult
	var err error
	res.Valid = parts[2] == "1"
	res.Point, err = parseCoords(parts[1])
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// parseStatus will apply a `<...>` status report onto stat.
//
// Reports carry either MPos or WPos; the other is derived from the last
// known work coordinate offset.
func parseStatus(stat machine.State, data string) (*machine.State, error) {
	data = strings.TrimSpace(data)
	data = strings.TrimPrefix(data, "<")
	data = strings.TrimSuffix(data, ">")
	parts := strings.Split(data, "|")
	stat.Mode, stat.SubState = machine.ParseMode(parts[0])
	stat.Pins = ""
	var hasMPos, hasWPos bool
	var err error
	for _, s := range parts[1:] {
		sParts := strings.SplitN(s, ":", 2)
		if len(sParts) != 2 {
			continue
		}
		switch sParts[0] {
		case "MPos":
			stat.MPos, err = parseCoords(sParts[1])
			hasMPos = true
		case "WPos":
			stat.WPos, err = parseCoords(sParts[1])
			hasWPos = true
		case "WCO":
			stat.WCO, err = parseCoords(sParts[1])
		case "Bf":
			var planner, rx float64
			err = parseFloats(sParts[1], &planner, &rx)
			stat.Buffer = machine.Buffer{Valid: err == nil, Planner: int(planner), RX: int(rx)}
		case "F":
			err = parseFloats(sParts[1], &stat.Feed)
		case "FS":
			err = parseFloats(sParts[1], &stat.Feed, &stat.Spindle)
		case "Ov":
			err = parseFloats(sParts[1], &stat.Override.Feed, &stat.Override.Rapid, &stat.Override.Spindle)
		case "Pn":
			stat.Pins = sParts[1]
		}
		if err != nil {
			return nil, errors.New("parse " + sParts[0] + ": " + err.Error())
		}
	}
	switch {
	case hasMPos:
		stat.WPos = stat.MPos.Sub(stat.WCO)
	case hasWPos:
		stat.MPos = stat.WPos.Add(stat.WCO)
	}
	if stat.Mode != machine.ModeAlarm {
		stat.Alarm = 0
	}
	stat.Updated = time.Now()
	return &stat, nil
}
