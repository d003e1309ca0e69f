package grbl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastercactapus/gstream/gcode"
	"github.com/mastercactapus/gstream/machine"
	"github.com/mastercactapus/gstream/transport"
)

func newTestConn(t *testing.T, capacity int) (*Conn, *fakeGrbl) {
	t.Helper()
	f, tr := newFakeGrbl(t, capacity)
	c := NewConn(tr, Options{
		RxBufferSize:     capacity,
		PollInterval:     20 * time.Millisecond,
		HandshakeTimeout: time.Second,
	})
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Handshake(ctx))
	return c, f
}

func TestConn_HandshakeStatus(t *testing.T) {
	c, f := newTestConn(t, 128)
	f.SetStatus("<Idle|MPos:1.000,2.000,3.000|FS:0,0>")

	assert.Eventually(t, func() bool {
		return c.CurrentState().MPos.X == 1
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, f.Realtime(), CmdStatusQuery)
}

func TestConn_HandshakeWelcome(t *testing.T) {
	f, tr := newFakeGrbl(t, 128)
	c := NewConn(tr, Options{PollInterval: time.Hour, HandshakeTimeout: time.Second})
	defer c.Close()

	go f.send(fakeBanner)
	require.NoError(t, c.Handshake(context.Background()))
	assert.Eventually(t, func() bool {
		return c.CurrentState().Version == "1.1h"
	}, time.Second, 10*time.Millisecond)
}

func TestConn_Stream(t *testing.T) {
	c, f := newTestConn(t, 32)

	var src strings.Builder
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&src, "G1 X%d Y%d F%d ; move %d\n", i, i*3, 100+i*7, i)
		if i%10 == 0 {
			src.WriteString("(pause)\n\n")
		}
	}
	p := gcode.NewProgram(src.String())
	n, err := p.Count()
	require.NoError(t, err)

	job := machine.NewJob("test", n)
	require.NoError(t, c.Stream(context.Background(), p.Commands(), job))

	stat := job.Status()
	assert.Equal(t, machine.OutcomeCompleted, stat.Outcome)
	assert.Equal(t, n, stat.Sent)
	assert.Equal(t, n, stat.Acked)
	assert.Equal(t, n, c.Streamer().Created())
	assert.LessOrEqual(t, c.Streamer().HighWater(), 32)
	assert.LessOrEqual(t, f.MaxRx(), 32)
	assert.Equal(t, 0, c.Streamer().InFlight())
	assert.Len(t, f.Received(), n)
}

func TestConn_StreamErrors(t *testing.T) {
	c, f := newTestConn(t, 128)
	f.SetError("G5", 20)

	job := machine.NewJob("test", 3)
	err := c.Stream(context.Background(), gcode.NewProgram("G0X1\nG5\nG0X2\n").Commands(), job)
	require.NoError(t, err)

	stat := job.Status()
	assert.Equal(t, machine.OutcomeCompleted, stat.Outcome)
	assert.Equal(t, 1, stat.Errors)
	assert.Equal(t, 3, stat.Sent)
}

func TestConn_Alarm(t *testing.T) {
	c, f := newTestConn(t, 128)
	f.SetAlarm("G0X2", 1)

	job := machine.NewJob("test", 3)
	err := c.Stream(context.Background(), gcode.NewProgram("G0X1\nG0X2\nG0X3\n").Commands(), job)
	var aErr *AlarmError
	require.True(t, errors.As(err, &aErr), "got %v", err)
	assert.Equal(t, machine.OutcomeFailed, job.Status().Outcome)

	assert.Equal(t, ErrAlarmLocked, c.Send(context.Background(), gcode.Command{Text: "G0X0"}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Unlock(ctx))
	require.NoError(t, c.Send(ctx, gcode.Command{Text: "G0X0"}))
}

func TestConn_SoftReset(t *testing.T) {
	c, f := newTestConn(t, 128)
	f.SetManual(true)

	job := machine.NewJob("test", 3)
	res := make(chan error, 1)
	go func() {
		res <- c.Stream(context.Background(), gcode.NewProgram("G0X1\nG0X2\nG0X3\n").Commands(), job)
	}()
	f.WaitQueued(3)

	require.NoError(t, c.SoftReset())
	err := waitErr(t, res)
	assert.True(t, errors.Is(err, ErrAborted), "got %v", err)
	assert.Equal(t, machine.OutcomeAborted, job.Status().Outcome)
	assert.Equal(t, 0, c.Streamer().InFlight())
	assert.Equal(t, "1.1h", c.CurrentState().Version)

	f.SetManual(false)
	require.NoError(t, c.Send(context.Background(), gcode.Command{Text: "G0X0"}))
}

func TestConn_HoldResume(t *testing.T) {
	c, f := newTestConn(t, 128)

	// no job: the feed hold still goes out, but commands are not gated
	require.NoError(t, c.Hold())
	assert.False(t, c.Streamer().Held())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Send(ctx, gcode.Command{Text: "$X"}))

	f.SetManual(true)
	job := machine.NewJob("test", 2)
	res := make(chan error, 1)
	go func() {
		res <- c.Stream(context.Background(), gcode.NewProgram("G0X1\nG0X2\n").Commands(), job)
	}()
	f.WaitQueued(2)

	require.NoError(t, c.Hold())
	assert.True(t, c.Streamer().Held())
	assert.Equal(t, machine.JobHeld, job.Status().State)
	require.NoError(t, c.Resume())
	assert.False(t, c.Streamer().Held())

	f.Ack(2)
	require.NoError(t, waitErr(t, res))

	assert.Eventually(t, func() bool {
		rt := f.Realtime()
		return bytes.IndexByte(rt, CmdFeedHold) >= 0 && bytes.IndexByte(rt, CmdCycleStart) >= 0
	}, time.Second, 10*time.Millisecond)

	assert.Error(t, c.Realtime('G'))
}

// deadPort reports endless EOF reads and failing writes, like a tty
// after the device was unplugged.
type deadPort struct {
	reads  int64
	closes int64
}

func (d *deadPort) Read(p []byte) (int, error) {
	atomic.AddInt64(&d.reads, 1)
	return 0, io.EOF
}

func (d *deadPort) Write(p []byte) (int, error) { return 0, syscall.EIO }

func (d *deadPort) Close() error {
	atomic.AddInt64(&d.closes, 1)
	return nil
}

func TestConn_HungUp(t *testing.T) {
	d := &deadPort{}
	c := NewConn(transport.New(d, transport.EOFIsTimeout()), Options{PollInterval: 10 * time.Millisecond})

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("connection not done after write failure")
	}
	assert.True(t, errors.Is(c.Err(), syscall.EIO), "got %v", c.Err())
	assert.Equal(t, int64(1), atomic.LoadInt64(&d.closes))

	time.Sleep(20 * time.Millisecond)
	n := atomic.LoadInt64(&d.reads)
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt64(&d.reads), n+1)

	require.NoError(t, c.Close())
	assert.Equal(t, int64(1), atomic.LoadInt64(&d.closes))
}

func TestConn_Unplug(t *testing.T) {
	c, f := newTestConn(t, 128)
	f.SetManual(true)

	res := make(chan error, 1)
	go func() { res <- c.Send(context.Background(), gcode.Command{Text: "G4P10"}) }()
	f.WaitQueued(1)
	f.Close()

	var cErr *transport.ConnectionError
	assert.True(t, errors.As(waitErr(t, res), &cErr))

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("connection not closed")
	}
	assert.True(t, errors.As(c.Err(), &cErr))
	assert.True(t, errors.As(c.Send(context.Background(), gcode.Command{Text: "G0"}), &cErr))
}

func TestConn_Close(t *testing.T) {
	c, _ := newTestConn(t, 128)
	lines, _ := c.Subscribe()

	require.NoError(t, c.Close())
	<-c.Done()
	assert.NoError(t, c.Err())

	for range lines {
	}
}
