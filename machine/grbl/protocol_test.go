package grbl

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastercactapus/gstream/coord"
	"github.com/mastercactapus/gstream/gcode"
	"github.com/mastercactapus/gstream/machine"
)

func newTestProtocol() (*Protocol, *Streamer, writeRecorder) {
	s, w := newTestStreamer(128)
	return NewProtocol(s, nil), s, w
}

func TestProtocol_Status(t *testing.T) {
	p, _, _ := newTestProtocol()
	var reports int
	p.OnStatus = func(machine.State) { reports++ }

	ev, err := p.Feed("<Run|MPos:1.000,2.000,3.000|FS:250,0>")
	require.NoError(t, err)
	assert.Equal(t, EventStatus, ev.Type)
	assert.Equal(t, 1, reports)

	stat := p.CurrentState()
	assert.Equal(t, machine.ModeRun, stat.Mode)
	assert.Equal(t, coord.Point{X: 1, Y: 2, Z: 3}, stat.MPos)

	select {
	case s := <-p.State():
		assert.Equal(t, stat.MPos, s.MPos)
	default:
		t.Fatal("expected a state update")
	}

	_, err = p.Feed("<Run|MPos:bad>")
	assert.Error(t, err)
	assert.Equal(t, 1, reports)
	assert.Equal(t, stat.MPos, p.CurrentState().MPos)
}

func TestProtocol_LatestState(t *testing.T) {
	p, _, _ := newTestProtocol()
	p.Feed("<Idle|MPos:1.000,0.000,0.000>")
	p.Feed("<Idle|MPos:2.000,0.000,0.000>")

	s := <-p.State()
	assert.Equal(t, 2.0, s.MPos.X)
}

func TestProtocol_ReportWPos(t *testing.T) {
	p, _, _ := newTestProtocol()
	p.SetReportWPos(true)
	p.Feed("<Idle|MPos:5.000,5.000,0.000|WCO:1.000,1.000,0.000>")

	stat := p.CurrentState()
	assert.True(t, stat.ReportWPos)
	assert.Equal(t, coord.Point{X: 4, Y: 4}, stat.Position())
}

func TestProtocol_Acknowledge(t *testing.T) {
	p, s, w := newTestProtocol()

	_, err := p.Feed("ok")
	assert.Equal(t, ErrDesync, err)

	sent := make(chan error, 1)
	go func() { sent <- s.Send(context.Background(), gcode.Command{Line: 3, Text: "G1"}) }()
	w.next(t)

	ev, err := p.Feed("error:22")
	require.NoError(t, err)
	assert.Equal(t, EventError, ev.Type)
	assert.Error(t, waitErr(t, sent))
	assert.Equal(t, 0, s.InFlight())
}

func TestProtocol_Alarm(t *testing.T) {
	p, s, _ := newTestProtocol()

	ev, err := p.Feed("ALARM:2")
	require.NoError(t, err)
	assert.Equal(t, EventAlarm, ev.Type)

	stat := p.CurrentState()
	assert.Equal(t, machine.ModeAlarm, stat.Mode)
	assert.Equal(t, 2, stat.Alarm)
	assert.Equal(t, ErrAlarmLocked, s.Locked())
	assert.Contains(t, p.History(), "ALARM:2")
}

func TestProtocol_Welcome(t *testing.T) {
	p, s, _ := newTestProtocol()
	p.Feed("<Idle|MPos:1.000,1.000,1.000>")
	p.Feed("ALARM:1")

	welcome := p.Welcome()
	ev, err := p.Feed("Grbl 1.1h ['$' for help]")
	require.NoError(t, err)
	assert.Equal(t, EventWelcome, ev.Type)

	select {
	case <-welcome:
	default:
		t.Fatal("welcome channel not closed")
	}
	assert.NotEqual(t, welcome, p.Welcome())

	stat := p.CurrentState()
	assert.Equal(t, "1.1h", stat.Version)
	assert.Equal(t, machine.ModeUnknown, stat.Mode)
	assert.Equal(t, 0, stat.Alarm)
	assert.NoError(t, s.Locked())
}

func TestProtocol_Probe(t *testing.T) {
	p, _, _ := newTestProtocol()
	_, err := p.Feed("[PRB:1.000,2.000,-3.000:1]")
	require.NoError(t, err)

	prb := p.CurrentState().Probe
	require.NotNil(t, prb)
	assert.True(t, prb.Valid)
	assert.Equal(t, -3.0, prb.Z)

	_, err = p.Feed("<Idle|MPos:0.000,0.000,0.000>")
	require.NoError(t, err)
	assert.NotNil(t, p.CurrentState().Probe)
}

func TestProtocol_History(t *testing.T) {
	p, _, _ := newTestProtocol()
	for i := 0; i < 150; i++ {
		p.Feed(fmt.Sprintf("[MSG:%d]", i))
	}
	p.Feed("")
	p.Feed("<Idle|MPos:0.000,0.000,0.000>")

	h := p.History()
	require.Len(t, h, historySize)
	assert.Equal(t, "[MSG:50]", h[0])
	assert.Equal(t, "[MSG:149]", h[len(h)-1])
}

func TestProtocol_Subscribe(t *testing.T) {
	p, _, _ := newTestProtocol()
	lines, cancel := p.Subscribe()
	defer cancel()

	p.Feed("")
	p.Feed("[VER:1.1h.20190825:]")
	p.Feed("ok")

	assert.Equal(t, "[VER:1.1h.20190825:]", <-lines)
	assert.Equal(t, "ok", <-lines)

	p.Close()
	_, ok := <-lines
	assert.False(t, ok)

	late, _ := p.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
}
