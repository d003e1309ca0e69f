// Package transport provides line-oriented access to a serial device.
package transport

import (
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

var (
	// ErrTimeout is returned from ReadLine when no line arrives in time.
	ErrTimeout = errors.New("read timeout")

	// ErrClosed is wrapped by the ConnectionError returned after Close.
	ErrClosed = errors.New("transport closed")
)

// ConnectionError indicates the device was lost or could not be used.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string { return "connection " + e.Op + ": " + e.Err.Error() }
func (e *ConnectionError) Unwrap() error { return e.Err }

// MaxLineLength bounds a received line. Longer lines are discarded.
const MaxLineLength = 256

type Option func(*Transport)

// EOFIsTimeout will treat io.EOF from the device as an idle read rather
// than a lost connection. Some drivers report read timeouts this way.
func EOFIsTimeout() Option { return func(t *Transport) { t.eofIsTimeout = true } }

// Transport reads newline-terminated lines from a device in the background
// and exposes them through ReadLine.
//
// Write is not synchronized; callers must ensure a single writer.
type Transport struct {
	rw           io.ReadWriteCloser
	eofIsTimeout bool

	lines chan string
	done  chan struct{}

	mx        sync.Mutex
	err       error
	closeOnce sync.Once
	rwOnce    sync.Once
}

// New wraps rw and starts reading from it.
func New(rw io.ReadWriteCloser, opts ...Option) *Transport {
	t := &Transport{
		rw:    rw,
		lines: make(chan string, 64),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	go t.readLoop()
	return t
}

func (t *Transport) isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || os.IsTimeout(err) {
		return true
	}
	return t.eofIsTimeout && err == io.EOF
}

func (t *Transport) readLoop() {
	buf := make([]byte, 512)
	line := make([]byte, 0, MaxLineLength)
	var overlong bool
	for {
		n, err := t.rw.Read(buf)
		for _, b := range buf[:n] {
			if b != '\n' {
				if len(line) < MaxLineLength {
					line = append(line, b)
				} else {
					overlong = true
				}
				continue
			}
			if overlong {
				overlong = false
				line = line[:0]
				continue
			}
			s := strings.ToValidUTF8(strings.TrimRight(string(line), "\r"), "�")
			line = line[:0]
			select {
			case t.lines <- s:
			case <-t.done:
				return
			}
		}
		if err == nil || t.isTimeout(err) {
			select {
			case <-t.done:
				return
			default:
			}
			continue
		}
		t.fail(&ConnectionError{Op: "read", Err: err})
		return
	}
}

func (t *Transport) fail(err error) {
	t.mx.Lock()
	if t.err == nil {
		t.err = err
	}
	t.mx.Unlock()
	t.closeOnce.Do(func() { close(t.done) })
}

// Done is closed when the transport is closed or the device is lost.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Err returns the reason the transport ended, or nil while it is open.
func (t *Transport) Err() error {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.err
}

// ReadLine returns the next line without its terminator. A timeout of
// zero waits indefinitely.
func (t *Transport) ReadLine(timeout time.Duration) (string, error) {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case s := <-t.lines:
		return s, nil
	case <-t.done:
		select {
		case s := <-t.lines:
			return s, nil
		default:
		}
		return "", t.Err()
	case <-timeoutCh:
		return "", ErrTimeout
	}
}

// Write will write all of p to the device.
func (t *Transport) Write(p []byte) error {
	select {
	case <-t.done:
		return t.Err()
	default:
	}

	n, err := t.rw.Write(p)
	if err == nil && n != len(p) {
		err = io.ErrShortWrite
	}
	if err != nil {
		cErr := &ConnectionError{Op: "write", Err: err}
		t.fail(cErr)
		return t.Err()
	}
	return nil
}

// Close will close the underlying device. It is safe to call more than once.
func (t *Transport) Close() (err error) {
	t.fail(&ConnectionError{Op: "close", Err: ErrClosed})
	t.rwOnce.Do(func() { err = t.rw.Close() })
	return err
}
