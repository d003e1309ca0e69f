package grbl

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/mastercactapus/gstream/gcode"
	"github.com/mastercactapus/gstream/machine"
)

// DefaultBufferSize is the receive buffer size of a stock Grbl build.
const DefaultBufferSize = 128

// A Writer delivers bytes to the controller.
type Writer interface {
	Write(p []byte) error
}

// WriterFunc adapts a function to a Writer.
type WriterFunc func(p []byte) error

func (fn WriterFunc) Write(p []byte) error { return fn(p) }

// Ack is a single `ok` or `error:N` response.
type Ack struct {
	OK   bool
	Code int
}

type pending struct {
	cmd    gcode.Command
	sentAt time.Time

	job  *machine.Job
	done chan error
}

// Streamer implements character-counting flow control. Commands are sent
// as long as the bytes not yet acknowledged fit in the controller's
// receive buffer.
type Streamer struct {
	w        Writer
	capacity int
	pacing   time.Duration

	// sendMx keeps reservation and write order identical.
	sendMx sync.Mutex

	mx        sync.Mutex
	pending   []pending
	inFlight  int
	highWater int
	created   int
	held      bool
	alarm     *AlarmError
	err       error
	job       *machine.Job
	changed   chan struct{}
}

// NewStreamer creates a Streamer writing to w for a controller with the
// given receive buffer size.
func NewStreamer(w Writer, capacity int) *Streamer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &Streamer{
		w:        w,
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

// SetPacing sets a delay after each command write.
func (s *Streamer) SetPacing(d time.Duration) { s.pacing = d }

func (s *Streamer) Capacity() int { return s.capacity }

// InFlight returns the number of unacknowledged bytes.
func (s *Streamer) InFlight() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.inFlight
}

// Pending returns the number of unacknowledged commands.
func (s *Streamer) Pending() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return len(s.pending)
}

// HighWater returns the largest InFlight value observed.
func (s *Streamer) HighWater() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.highWater
}

// Created returns the number of commands ever written.
func (s *Streamer) Created() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.created
}

// Locked returns a non-nil error if new commands are currently refused.
func (s *Streamer) Locked() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.refusal(nil)
}

// broadcast wakes all waiters; s.mx must be held.
func (s *Streamer) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// refusal returns the reason a command for job can not be sent; s.mx must be held.
func (s *Streamer) refusal(job *machine.Job) error {
	if s.err != nil {
		return s.err
	}
	if job != nil && job.Finished() {
		if err := job.Status().Err; err != nil {
			return err
		}
		return ErrAborted
	}
	if s.alarm != nil {
		return ErrAlarmLocked
	}
	return nil
}

// dispatch blocks until p fits in the receive buffer, then writes it.
func (s *Streamer) dispatch(ctx context.Context, p pending) error {
	n := p.cmd.Len()
	if n > s.capacity {
		return &machine.OversizedCommandError{Command: p.cmd, Capacity: s.capacity}
	}

	for {
		s.sendMx.Lock()
		s.mx.Lock()
		if err := s.refusal(p.job); err != nil {
			s.mx.Unlock()
			s.sendMx.Unlock()
			return err
		}
		// a hold only gates job commands; manual commands like $X still go out
		if !(s.held && p.job != nil) && s.inFlight+n <= s.capacity {
			break
		}
		ch := s.changed
		s.mx.Unlock()
		s.sendMx.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}

	// reserve before writing so an ack can never outrun its entry
	p.sentAt = time.Now()
	s.pending = append(s.pending, p)
	s.inFlight += n
	if s.inFlight > s.highWater {
		s.highWater = s.inFlight
	}
	s.created++
	if p.job != nil {
		p.job.MarkSent()
	}
	s.mx.Unlock()

	err := s.w.Write(p.cmd.Bytes())
	s.sendMx.Unlock()
	if err != nil {
		s.Fail(err)
		return err
	}
	return nil
}

// Send writes a single command and waits for its acknowledgement.
//
// A *FirmwareError is returned if the controller rejected it.
func (s *Streamer) Send(ctx context.Context, cmd gcode.Command) error {
	done := make(chan error, 1)
	err := s.dispatch(ctx, pending{cmd: cmd, done: done})
	if err != nil {
		return err
	}
	select {
	case err = <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Streamer) finish(job *machine.Job, err error) error {
	o := machine.OutcomeFailed
	if errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled) {
		o = machine.OutcomeAborted
	}
	if !job.Finish(o, err) {
		if jErr := job.Status().Err; jErr != nil {
			return jErr
		}
	}
	return err
}

// Stream will send every command from r as part of job, returning once
// all of them have been acknowledged or the job ends early.
//
// Per-command firmware errors are recorded in the job and do not stop it.
func (s *Streamer) Stream(ctx context.Context, r gcode.Reader, job *machine.Job) error {
	s.mx.Lock()
	if s.job != nil && !s.job.Finished() {
		s.mx.Unlock()
		return machine.ErrJobActive
	}
	if err := s.refusal(nil); err != nil {
		s.mx.Unlock()
		return s.finish(job, err)
	}
	s.job = job
	s.held = false
	s.mx.Unlock()

	defer func() {
		s.mx.Lock()
		if s.job == job {
			s.job = nil
			s.held = false
			s.broadcast()
		}
		s.mx.Unlock()
	}()

	job.Start()
	for {
		cmd, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return s.finish(job, err)
		}

		err = s.dispatch(ctx, pending{cmd: cmd, job: job})
		if err != nil {
			return s.finish(job, err)
		}

		if s.pacing > 0 {
			t := time.NewTimer(s.pacing)
			select {
			case <-ctx.Done():
				t.Stop()
				return s.finish(job, ctx.Err())
			case <-t.C:
			}
		}
	}

	err := s.drain(ctx, job)
	if err != nil {
		return s.finish(job, err)
	}
	job.Finish(machine.OutcomeCompleted, nil)
	return nil
}

// drain waits until no command of job is pending.
func (s *Streamer) drain(ctx context.Context, job *machine.Job) error {
	for {
		s.mx.Lock()
		if err := s.refusal(job); err != nil {
			s.mx.Unlock()
			return err
		}
		var n int
		for _, p := range s.pending {
			if p.job == job {
				n++
			}
		}
		ch := s.changed
		s.mx.Unlock()
		if n == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Acknowledge matches ack to the oldest pending command and frees its
// buffer space. ErrDesync is returned if nothing is pending.
func (s *Streamer) Acknowledge(ack Ack) (*FirmwareError, error) {
	s.mx.Lock()
	if len(s.pending) == 0 {
		s.mx.Unlock()
		return nil, ErrDesync
	}
	p := s.pending[0]
	s.pending[0] = pending{}
	s.pending = s.pending[1:]
	s.inFlight -= p.cmd.Len()
	s.broadcast()
	s.mx.Unlock()

	var fwErr *FirmwareError
	var err error
	if !ack.OK {
		fwErr = &FirmwareError{Code: ack.Code, Line: p.cmd.Line, Text: p.cmd.Text}
		err = fwErr
	}
	if p.job != nil {
		p.job.MarkAcked(err)
	}
	if p.done != nil {
		p.done <- err
	}
	return fwErr, nil
}

// clear drops all accounting and ends the current job; s.mx must be held.
func (s *Streamer) clear(o machine.Outcome, err error) {
	for _, p := range s.pending {
		if p.done != nil {
			p.done <- err
		}
	}
	s.pending = nil
	s.inFlight = 0
	s.held = false
	if s.job != nil {
		s.job.Finish(o, err)
	}
	s.broadcast()
}

// Alarm fails the current job and refuses new commands until Unlock or Reset.
func (s *Streamer) Alarm(code int) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.alarm = &AlarmError{Code: code}
	s.clear(machine.OutcomeFailed, s.alarm)
}

// Unlock clears an alarm lock.
func (s *Streamer) Unlock() {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.alarm = nil
	s.broadcast()
}

// Reset is called when the controller's buffer was discarded. The current
// job ends with err, as Aborted if err is ErrAborted and Failed otherwise.
func (s *Streamer) Reset(err error) {
	o := machine.OutcomeFailed
	if errors.Is(err, ErrAborted) {
		o = machine.OutcomeAborted
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	s.alarm = nil
	s.clear(o, err)
}

// Fail permanently stops the streamer; every blocked and later call
// returns err.
func (s *Streamer) Fail(err error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.err != nil {
		return
	}
	s.err = err
	s.clear(machine.OutcomeFailed, err)
}

// Hold stops dispatching job commands. It does nothing without an
// active job.
func (s *Streamer) Hold() {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.job == nil || s.job.Finished() {
		return
	}
	s.held = true
	s.job.SetHeld(true)
	s.broadcast()
}

// Resume continues dispatching after Hold.
func (s *Streamer) Resume() {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.held = false
	if s.job != nil {
		s.job.SetHeld(false)
	}
	s.broadcast()
}

// Held returns true while dispatch is suspended by Hold.
func (s *Streamer) Held() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.held
}
