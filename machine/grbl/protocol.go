package grbl

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mastercactapus/gstream/machine"
)

// historySize is the number of informational lines kept for display.
const historySize = 100

// Protocol interprets lines from the controller, tracking machine state
// and routing acknowledgements to the Streamer.
type Protocol struct {
	s   *Streamer
	log *logrus.Entry

	// OnStatus, if set, is called after each status report.
	OnStatus func(machine.State)

	lines broadcaster

	mx      sync.RWMutex
	state   machine.State
	history []string
	welcome chan struct{}
	stateCh chan machine.State
}

// NewProtocol creates a Protocol feeding acknowledgements to s.
func NewProtocol(s *Streamer, log *logrus.Entry) *Protocol {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Protocol{
		s:       s,
		log:     log,
		welcome: make(chan struct{}),
		stateCh: make(chan machine.State, 1),
	}
}

// SetReportWPos selects work coordinates as the primary reported position.
func (p *Protocol) SetReportWPos(wpos bool) {
	p.mx.Lock()
	p.state.ReportWPos = wpos
	p.mx.Unlock()
}

// CurrentState returns a copy of the last known state.
func (p *Protocol) CurrentState() machine.State {
	p.mx.RLock()
	defer p.mx.RUnlock()
	return p.state
}

// State returns a channel that receives the latest state after each update.
// Intermediate updates are dropped if the reader falls behind.
func (p *Protocol) State() <-chan machine.State { return p.stateCh }

// Welcome returns a channel closed on the next welcome banner.
func (p *Protocol) Welcome() <-chan struct{} {
	p.mx.RLock()
	defer p.mx.RUnlock()
	return p.welcome
}

// History returns recent informational lines, oldest first.
func (p *Protocol) History() []string {
	p.mx.RLock()
	defer p.mx.RUnlock()
	return append([]string(nil), p.history...)
}

// Subscribe returns a channel receiving every non-empty line fed.
func (p *Protocol) Subscribe() (<-chan string, func()) { return p.lines.Subscribe() }

func (p *Protocol) update(fn func(s *machine.State)) machine.State {
	p.mx.Lock()
	fn(&p.state)
	stat := p.state
	p.mx.Unlock()

	select {
	case <-p.stateCh:
	default:
	}
	select {
	case p.stateCh <- stat:
	default:
	}
	return stat
}

func (p *Protocol) remember(line string) {
	p.mx.Lock()
	p.history = append(p.history, line)
	if len(p.history) > historySize {
		p.history = append(p.history[:0], p.history[len(p.history)-historySize:]...)
	}
	p.mx.Unlock()
}

// Feed consumes one line from the controller.
//
// The returned error reports a line that could not be applied, such as an
// unparseable status report or an acknowledgement with nothing pending.
func (p *Protocol) Feed(line string) (Event, error) {
	ev := classify(line)
	if ev.Line == "" {
		return ev, nil
	}
	p.lines.publish(ev.Line)

	switch ev.Type {
	case EventStatus:
		p.mx.RLock()
		stat, err := parseStatus(p.state, ev.Line)
		p.mx.RUnlock()
		if err != nil {
			return ev, err
		}
		newStat := p.update(func(s *machine.State) { *s = *stat })
		if p.OnStatus != nil {
			p.OnStatus(newStat)
		}
	case EventOK:
		_, err := p.s.Acknowledge(Ack{OK: true})
		return ev, err
	case EventError:
		fwErr, err := p.s.Acknowledge(Ack{Code: ev.Code})
		if err != nil {
			return ev, err
		}
		p.log.WithField("line", fwErr.Line).Warn(fwErr.Error())
	case EventAlarm:
		p.update(func(s *machine.State) {
			s.Mode = machine.ModeAlarm
			s.Alarm = ev.Code
		})
		p.s.Alarm(ev.Code)
		p.remember(ev.Line)
		p.log.Warn((&AlarmError{Code: ev.Code}).Error())
	case EventWelcome:
		p.update(func(s *machine.State) {
			*s = s.Reset()
			s.Version = ev.Version
		})
		p.s.Reset(ErrReset)
		p.remember(ev.Line)
		p.mx.Lock()
		close(p.welcome)
		p.welcome = make(chan struct{})
		p.mx.Unlock()
		p.log.WithField("version", ev.Version).Info("controller reset")
	case EventProbe:
		prb, err := parseProbe(ev.Line)
		if err != nil {
			return ev, err
		}
		p.update(func(s *machine.State) { s.Probe = prb })
		p.remember(ev.Line)
	default:
		p.remember(ev.Line)
		p.log.Debug("grbl: ", ev.Line)
	}

	return ev, nil
}

// Close ends all line subscriptions.
func (p *Protocol) Close() { p.lines.close() }
