package machine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mastercactapus/gstream/gcode"
)

// ConnState is the lifecycle state of the machine's connection.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	ConnError
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case ConnError:
		return "Error"
	}
	return "Disconnected"
}

func (s ConnState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// jogCancel is the real-time jog cancel byte.
const jogCancel byte = 0x85

// spindleOffTimeout bounds the M5 sent after Stop.
const spindleOffTimeout = 2 * time.Second

// A Dialer opens a connection to a controller.
type Dialer func(ctx context.Context, port string, baud int) (Adapter, error)

// Machine owns at most one controller connection and at most one active job.
type Machine struct {
	dial Dialer
	log  *logrus.Entry

	mx      sync.Mutex
	conn    ConnState
	connErr error
	a       Adapter
	job     *Job
	cancel  context.CancelFunc

	states chan State
}

func NewMachine(dial Dialer, log *logrus.Entry) *Machine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Machine{
		dial:   dial,
		log:    log.WithField("component", "machine"),
		states: make(chan State, 1),
	}
}

// ConnState returns the connection state and, in the Error state, its cause.
func (m *Machine) ConnState() (ConnState, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.conn, m.connErr
}

// States returns a channel receiving the latest controller state. It
// survives reconnects.
func (m *Machine) States() <-chan State { return m.states }

func (m *Machine) adapter() (Adapter, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.a == nil {
		return nil, ErrNotConnected
	}
	return m.a, nil
}

// Connect opens a connection, closing any existing one first.
func (m *Machine) Connect(ctx context.Context, port string, baud int) error {
	m.Disconnect()

	m.mx.Lock()
	if m.conn == Connecting {
		m.mx.Unlock()
		return errors.New("connect already in progress")
	}
	m.conn = Connecting
	m.connErr = nil
	m.mx.Unlock()

	log := m.log.WithField("port", port)
	log.Info("connecting")
	a, err := m.dial(ctx, port, baud)

	m.mx.Lock()
	defer m.mx.Unlock()
	if err != nil {
		log.WithError(err).Error("connect failed")
		m.conn = ConnError
		m.connErr = err
		return err
	}
	m.a = a
	m.conn = Connected
	go m.watch(a)
	return nil
}

func (m *Machine) watch(a Adapter) {
	states := a.State()
	for {
		select {
		case stat := <-states:
			select {
			case <-m.states:
			default:
			}
			select {
			case m.states <- stat:
			default:
			}
		case <-a.Done():
			m.mx.Lock()
			if m.a == a {
				m.a = nil
				if err := a.Err(); err != nil {
					m.conn = ConnError
					m.connErr = err
				} else {
					m.conn = Disconnected
				}
			}
			m.mx.Unlock()
			if err := a.Close(); err != nil {
				m.log.WithError(err).Debug("close lost connection")
			}
			return
		}
	}
}

// Disconnect closes the current connection, if any.
func (m *Machine) Disconnect() error {
	m.mx.Lock()
	a := m.a
	m.a = nil
	if m.conn != Connecting {
		m.conn = Disconnected
		m.connErr = nil
	}
	m.mx.Unlock()
	if a == nil {
		return nil
	}
	m.log.Info("disconnecting")
	return a.Close()
}

// State returns the last known controller state.
func (m *Machine) State() (State, error) {
	a, err := m.adapter()
	if err != nil {
		return State{}, err
	}
	return a.CurrentState(), nil
}

// Subscribe returns a stream of lines received from the controller.
func (m *Machine) Subscribe() (<-chan string, func(), error) {
	a, err := m.adapter()
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := a.Subscribe()
	return ch, cancel, nil
}

// History returns recent informational lines from the controller.
func (m *Machine) History() ([]string, error) {
	a, err := m.adapter()
	if err != nil {
		return nil, err
	}
	return a.History(), nil
}

// Job returns the status of the current or most recent job.
func (m *Machine) Job() (JobStatus, bool) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.job == nil {
		return JobStatus{}, false
	}
	return m.job.Status(), true
}

func (m *Machine) activeJob() *Job {
	if m.job != nil && !m.job.Finished() {
		return m.job
	}
	return nil
}

// Run validates p and starts streaming it in the background. Every
// command is checked against the controller's buffer size before
// anything is sent.
func (m *Machine) Run(ctx context.Context, name string, p *gcode.Program) (*Job, error) {
	a, err := m.adapter()
	if err != nil {
		return nil, err
	}
	capacity := a.Capacity()
	total, err := p.Walk(func(cmd gcode.Command) error {
		if cmd.Len() > capacity {
			return &OversizedCommandError{Command: cmd, Capacity: capacity}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.mx.Lock()
	if m.activeJob() != nil {
		m.mx.Unlock()
		return nil, ErrJobActive
	}
	if m.a != a {
		m.mx.Unlock()
		return nil, ErrNotConnected
	}
	job := NewJob(name, total)
	jobCtx, cancel := context.WithCancel(context.Background())
	m.job = job
	m.cancel = cancel
	m.mx.Unlock()

	log := m.log.WithField("job", name)
	log.WithField("commands", total).Info("job started")
	go func() {
		defer cancel()
		err := a.Stream(jobCtx, p.Commands(), job)
		if err != nil {
			log.WithError(err).Warn("job ended early")
		}
	}()

	return job, nil
}

// Wait blocks until the current job finishes.
func (m *Machine) Wait(ctx context.Context) (JobStatus, error) {
	m.mx.Lock()
	job := m.job
	m.mx.Unlock()
	if job == nil {
		return JobStatus{}, errors.New("no job")
	}
	return job.Wait(ctx)
}

// Pause holds the current job.
func (m *Machine) Pause() error {
	a, err := m.adapter()
	if err != nil {
		return err
	}
	return a.Hold()
}

// Resume continues a held job.
func (m *Machine) Resume() error {
	a, err := m.adapter()
	if err != nil {
		return err
	}
	return a.Resume()
}

// Stop aborts the current job, resets the controller and then turns the
// spindle or laser off with M5. The M5 is best effort; a controller that
// alarmed on the reset will refuse it.
func (m *Machine) Stop() error {
	a, err := m.adapter()
	if err != nil {
		return err
	}
	m.mx.Lock()
	cancel := m.cancel
	m.mx.Unlock()

	err = a.Abort()
	if cancel != nil {
		cancel()
	}
	if err != nil {
		return err
	}

	ctx, done := context.WithTimeout(context.Background(), spindleOffTimeout)
	defer done()
	if err := a.Send(ctx, gcode.Command{Text: "M5"}); err != nil {
		m.log.WithError(err).Warn("spindle off after stop")
	}
	return nil
}

// SoftReset resets the controller, ending any job.
func (m *Machine) SoftReset() error {
	a, err := m.adapter()
	if err != nil {
		return err
	}
	return a.SoftReset()
}

// Unlock clears an alarm lock.
func (m *Machine) Unlock(ctx context.Context) error {
	a, err := m.adapter()
	if err != nil {
		return err
	}
	return a.Unlock(ctx)
}

// Realtime sends a real-time command byte.
func (m *Machine) Realtime(b byte) error {
	a, err := m.adapter()
	if err != nil {
		return err
	}
	return a.Realtime(b)
}

// Command sends a single command and waits for its acknowledgement.
// It is refused while a job is active.
func (m *Machine) Command(ctx context.Context, text string) error {
	a, err := m.adapter()
	if err != nil {
		return err
	}
	m.mx.Lock()
	active := m.activeJob() != nil
	m.mx.Unlock()
	if active {
		return ErrJobActive
	}

	cmds, err := gcode.Parse(text)
	if err != nil {
		return err
	}
	for _, cmd := range cmds {
		err = a.Send(ctx, cmd)
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) Home(ctx context.Context) error { return m.Command(ctx, "$H") }

func (m *Machine) RequestSettings(ctx context.Context) error { return m.Command(ctx, "$$") }
func (m *Machine) RequestParserState(ctx context.Context) error { return m.Command(ctx, "$G") }
func (m *Machine) RequestBuildInfo(ctx context.Context) error { return m.Command(ctx, "$I") }

// Jog moves by (or to, if not incremental) the given position. Zero
// axes are omitted.
func (m *Machine) Jog(ctx context.Context, x, y, z, feed float64, incremental bool) error {
	mode := "$J=G90"
	if incremental {
		mode = "$J=G91"
	}
	var w []gcode.Word
	for _, a := range []gcode.Word{{W: 'X', Arg: x}, {W: 'Y', Arg: y}, {W: 'Z', Arg: z}} {
		if a.Arg != 0 {
			w = append(w, a)
		}
	}
	w = append(w, gcode.Word{W: 'F', Arg: feed})
	return m.Command(ctx, gcode.Words(mode, w...))
}

// JogCancel stops an in-progress jog.
func (m *Machine) JogCancel() error { return m.Realtime(jogCancel) }

// SetZero sets the work coordinate origin of the selected axes to the
// current position.
func (m *Machine) SetZero(ctx context.Context, x, y, z bool) error {
	var w []gcode.Word
	for i, set := range []bool{x, y, z} {
		if set {
			w = append(w, gcode.Word{W: "XYZ"[i]})
		}
	}
	if len(w) == 0 {
		return nil
	}
	return m.Command(ctx, gcode.Words("G92", w...))
}
