package grbl

import (
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/mastercactapus/gstream/transport"
)

const fakeBanner = "Grbl 1.1h ['$' for help]"

// fakeGrbl emulates the serial side of a controller. It tracks its own
// receive buffer and fails the test if the host ever overfills it.
type fakeGrbl struct {
	t        *testing.T
	conn     net.Conn
	capacity int

	mx       sync.Mutex
	rx       int
	maxRx    int
	line     []byte
	queue    []string
	manual   bool
	alarmed  bool
	errors   map[string]int
	alarms   map[string]int
	received []string
	realtime []byte
	status   string
	queued   chan struct{}

	out       chan string
	stop      chan struct{}
	closeOnce sync.Once
}

// newFakeGrbl returns the fake and a transport connected to it.
func newFakeGrbl(t *testing.T, capacity int) (*fakeGrbl, *transport.Transport) {
	t.Helper()
	host, dev := net.Pipe()
	f := &fakeGrbl{
		t:        t,
		conn:     dev,
		capacity: capacity,
		errors:   make(map[string]int),
		alarms:   make(map[string]int),
		status:   "<Idle|MPos:0.000,0.000,0.000|FS:0,0>",
		queued:   make(chan struct{}, 1024),
		out:      make(chan string, 1024),
		stop:     make(chan struct{}),
	}
	go f.readLoop()
	go f.writeLoop()

	tr := transport.New(host)
	t.Cleanup(func() {
		tr.Close()
		f.Close()
	})
	return f, tr
}

func (f *fakeGrbl) Close() {
	f.closeOnce.Do(func() {
		close(f.stop)
		f.conn.Close()
	})
}

func (f *fakeGrbl) send(s string) {
	select {
	case f.out <- s + "\r\n":
	case <-f.stop:
	}
}

func (f *fakeGrbl) writeLoop() {
	for {
		select {
		case s := <-f.out:
			_, err := f.conn.Write([]byte(s))
			if err != nil {
				return
			}
		case <-f.stop:
			return
		}
	}
}

func (f *fakeGrbl) readLoop() {
	buf := make([]byte, 256)
	for {
		n, err := f.conn.Read(buf)
		for _, b := range buf[:n] {
			f.handle(b)
		}
		if err != nil {
			return
		}
	}
}

func (f *fakeGrbl) handle(b byte) {
	if IsRealtime(b) {
		f.mx.Lock()
		f.realtime = append(f.realtime, b)
		status := f.status
		if b == CmdReset {
			f.rx = 0
			f.line = nil
			f.queue = nil
			f.alarmed = false
		}
		f.mx.Unlock()

		switch b {
		case CmdStatusQuery:
			f.send(status)
		case CmdReset:
			f.send("")
			f.send(fakeBanner)
		}
		return
	}

	f.mx.Lock()
	f.rx++
	if f.rx > f.maxRx {
		f.maxRx = f.rx
	}
	if f.rx > f.capacity {
		f.t.Errorf("receive buffer overflow: %d > %d bytes", f.rx, f.capacity)
	}
	if b != '\n' {
		f.line = append(f.line, b)
		f.mx.Unlock()
		return
	}
	text := string(f.line)
	f.line = nil
	f.received = append(f.received, text)
	if f.manual {
		f.queue = append(f.queue, text)
		f.mx.Unlock()
		f.queued <- struct{}{}
		return
	}
	resp := f.process(text)
	f.mx.Unlock()
	if resp != "" {
		f.send(resp)
	}
}

// process executes a line and returns its response; f.mx must be held.
func (f *fakeGrbl) process(text string) string {
	f.rx -= len(text) + 1
	switch {
	case text == "$X":
		f.alarmed = false
		return "ok"
	case f.alarmed:
		// the controller flushes its input while alarmed
		return ""
	}
	if code, ok := f.alarms[text]; ok {
		f.alarmed = true
		f.rx = 0
		f.queue = nil
		return fmt.Sprintf("ALARM:%d", code)
	}
	if code, ok := f.errors[text]; ok {
		return fmt.Sprintf("error:%d", code)
	}
	return "ok"
}

// SetManual queues received lines until Ack is called.
func (f *fakeGrbl) SetManual(manual bool) {
	f.mx.Lock()
	f.manual = manual
	f.mx.Unlock()
}

// WaitQueued blocks until n more lines were queued in manual mode.
func (f *fakeGrbl) WaitQueued(n int) {
	for i := 0; i < n; i++ {
		<-f.queued
	}
}

// Ack processes the n oldest queued lines.
func (f *fakeGrbl) Ack(n int) {
	for i := 0; i < n; i++ {
		f.mx.Lock()
		if len(f.queue) == 0 {
			f.mx.Unlock()
			f.t.Error("ack with empty queue")
			return
		}
		text := f.queue[0]
		f.queue = f.queue[1:]
		resp := f.process(text)
		f.mx.Unlock()
		if resp != "" {
			f.send(resp)
		}
	}
}

func (f *fakeGrbl) SetError(text string, code int) {
	f.mx.Lock()
	f.errors[text] = code
	f.mx.Unlock()
}

func (f *fakeGrbl) SetAlarm(text string, code int) {
	f.mx.Lock()
	f.alarms[text] = code
	f.mx.Unlock()
}

func (f *fakeGrbl) SetStatus(s string) {
	f.mx.Lock()
	f.status = s
	f.mx.Unlock()
}

func (f *fakeGrbl) Received() []string {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]string(nil), f.received...)
}

func (f *fakeGrbl) Realtime() []byte {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]byte(nil), f.realtime...)
}

func (f *fakeGrbl) MaxRx() int {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.maxRx
}
