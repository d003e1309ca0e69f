package grbl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mastercactapus/gstream/gcode"
	"github.com/mastercactapus/gstream/machine"
	"github.com/mastercactapus/gstream/transport"
)

// Options configure a Conn.
type Options struct {
	// RxBufferSize is the controller's receive buffer size in bytes.
	RxBufferSize int

	PollInterval time.Duration

	// TxPacing is a delay after each streamed command.
	TxPacing time.Duration

	// HandshakeTimeout bounds the wait for the controller to identify itself.
	HandshakeTimeout time.Duration

	// ReportWPos selects work coordinates as the reported position.
	ReportWPos bool

	Logger *logrus.Entry
}

func (o Options) withDefaults() Options {
	if o.RxBufferSize <= 0 {
		o.RxBufferSize = DefaultBufferSize
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	o.Logger = o.Logger.WithField("component", "grbl")
	return o
}

// Conn represents a live connection to a Grbl controller.
type Conn struct {
	t   *transport.Transport
	opt Options
	log *logrus.Entry

	// wMx serializes all writes to the transport.
	wMx sync.Mutex

	streamer *Streamer
	proto    *Protocol
	poller   *Poller

	first    chan struct{}
	firstOne sync.Once

	cancel func()
	done   chan struct{}
	wg     sync.WaitGroup

	mx  sync.Mutex
	err error
}

var _ machine.Adapter = &Conn{}

// Dial opens the serial device and waits for the controller to respond.
func Dial(ctx context.Context, cfg transport.Config, opt Options) (*Conn, error) {
	t, err := transport.Open(cfg)
	if err != nil {
		return nil, err
	}
	c := NewConn(t, opt)
	err = c.Handshake(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// NewConn starts the reader loop and status poller on t.
func NewConn(t *transport.Transport, opt Options) *Conn {
	opt = opt.withDefaults()
	c := &Conn{
		t:     t,
		opt:   opt,
		log:   opt.Logger,
		first: make(chan struct{}),
		done:  make(chan struct{}),
	}
	c.streamer = NewStreamer(WriterFunc(c.writeLine), opt.RxBufferSize)
	c.streamer.SetPacing(opt.TxPacing)
	c.proto = NewProtocol(c.streamer, c.log)
	c.proto.SetReportWPos(opt.ReportWPos)
	c.poller = NewPoller(func() error { return c.Realtime(CmdStatusQuery) }, opt.PollInterval, t.Done(), t.Err)
	c.proto.OnStatus = func(machine.State) {
		c.poller.Received()
		c.firstOne.Do(func() { close(c.first) })
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(2)
	go c.readLoop()
	go func() {
		defer c.wg.Done()
		err := c.poller.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, transport.ErrClosed) {
			c.log.WithError(err).Error("status poller stopped")
		}
	}()

	return c
}

// Handshake waits for the welcome banner or, failing that, a status report.
// A controller that stays silent is logged but not treated as an error.
func (c *Conn) Handshake(ctx context.Context) error {
	if v := c.proto.CurrentState().Version; v != "" {
		c.log.WithField("version", v).Info("connected")
		return nil
	}
	t := time.NewTimer(c.opt.HandshakeTimeout)
	defer t.Stop()
	select {
	case <-c.proto.Welcome():
		stat := c.proto.CurrentState()
		c.log.WithField("version", stat.Version).Info("connected")
	case <-c.first:
		stat := c.proto.CurrentState()
		c.log.WithField("mode", stat.Mode).Info("connected via status query")
	case <-t.C:
		c.log.Warn("no welcome message or status report from controller")
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	for {
		line, err := c.t.ReadLine(0)
		if err != nil {
			c.shutdown(err)
			return
		}
		c.log.Debug("RX ", line)
		ev, err := c.proto.Feed(line)
		if err != nil {
			c.log.WithError(err).WithField("event", ev.Type).Warn("protocol: " + line)
		}
	}
}

func (c *Conn) shutdown(err error) {
	closed := errors.Is(err, transport.ErrClosed)
	if !closed {
		c.log.WithError(err).Error("connection lost")
	}

	c.mx.Lock()
	if !closed {
		c.err = err
	}
	c.mx.Unlock()

	var cErr *transport.ConnectionError
	if !errors.As(err, &cErr) {
		err = &transport.ConnectionError{Op: "read", Err: err}
	}
	c.streamer.Fail(err)
	c.cancel()
	c.proto.Close()
	if !closed {
		// release the device; a hung-up port may otherwise keep reporting idle reads
		c.t.Close()
	}
	close(c.done)
}

func (c *Conn) writeLine(p []byte) error {
	c.wMx.Lock()
	defer c.wMx.Unlock()
	c.log.Debugf("TX %q", p)
	return c.t.Write(p)
}

// Realtime writes a single real-time command byte, bypassing flow control.
func (c *Conn) Realtime(b byte) error {
	if !IsRealtime(b) {
		return fmt.Errorf("grbl: 0x%02x is not a real-time command", b)
	}
	c.wMx.Lock()
	defer c.wMx.Unlock()
	return c.t.Write([]byte{b})
}

func (c *Conn) State() <-chan machine.State { return c.proto.State() }
func (c *Conn) CurrentState() machine.State { return c.proto.CurrentState() }
func (c *Conn) Capacity() int { return c.streamer.Capacity() }
func (c *Conn) Subscribe() (<-chan string, func()) { return c.proto.Subscribe() }

// History returns recent informational lines from the controller.
func (c *Conn) History() []string { return c.proto.History() }

// Streamer exposes flow-control accounting.
func (c *Conn) Streamer() *Streamer { return c.streamer }

func (c *Conn) Stream(ctx context.Context, r gcode.Reader, job *machine.Job) error {
	err := c.streamer.Stream(ctx, r, job)
	stat := job.Status()
	c.log.WithFields(logrus.Fields{
		"job":     stat.Name,
		"sent":    stat.Sent,
		"acked":   stat.Acked,
		"errors":  stat.Errors,
		"outcome": stat.Outcome,
	}).Info("job finished")
	return err
}

func (c *Conn) Send(ctx context.Context, cmd gcode.Command) error {
	return c.streamer.Send(ctx, cmd)
}

// Hold sends a feed hold and stops dispatching commands.
func (c *Conn) Hold() error {
	err := c.Realtime(CmdFeedHold)
	if err != nil {
		return err
	}
	c.streamer.Hold()
	return nil
}

// Resume sends a cycle start and continues dispatching.
func (c *Conn) Resume() error {
	err := c.Realtime(CmdCycleStart)
	if err != nil {
		return err
	}
	c.streamer.Resume()
	return nil
}

// Abort stops the current job by resetting the controller.
func (c *Conn) Abort() error { return c.SoftReset() }

// SoftReset resets the controller, clearing its buffer and any alarm lock.
// A streaming job ends as Aborted.
func (c *Conn) SoftReset() error {
	welcome := c.proto.Welcome()

	// end the job first, so the banner's own reset can not fail it
	c.streamer.Reset(ErrAborted)
	err := c.Realtime(CmdReset)
	if err != nil {
		return err
	}

	t := time.NewTimer(c.opt.HandshakeTimeout)
	defer t.Stop()
	select {
	case <-welcome:
	case <-t.C:
		c.log.Warn("no welcome message after reset")
	case <-c.done:
		return c.Err()
	}
	return nil
}

// Unlock clears an alarm lock with `$X`.
func (c *Conn) Unlock(ctx context.Context) error {
	c.streamer.Unlock()
	return c.streamer.Send(ctx, gcode.Command{Text: "$X"})
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the reason the connection was lost, or nil if it is open or
// was closed normally.
func (c *Conn) Err() error {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.err
}

// Close will abort any in-progress writes and close the transport.
func (c *Conn) Close() error {
	err := c.t.Close()
	c.wg.Wait()
	return err
}
