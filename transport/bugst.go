package transport

import (
	"time"

	"go.bug.st/serial"
)

// dtrPulse is how long DTR is held low to reset the board on open.
const dtrPulse = 50 * time.Millisecond

func openBugst(cfg Config) (*Transport, error) {
	p, err := serial.Open(cfg.Name, &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, &ConnectionError{Op: "open", Err: err}
	}

	closeErr := func(err error) (*Transport, error) {
		p.Close()
		return nil, &ConnectionError{Op: "open", Err: err}
	}
	if err = p.SetReadTimeout(cfg.readTimeout()); err != nil {
		return closeErr(err)
	}
	if err = p.SetDTR(false); err != nil {
		return closeErr(err)
	}
	time.Sleep(dtrPulse)
	if err = p.SetDTR(true); err != nil {
		return closeErr(err)
	}
	if err = p.ResetInputBuffer(); err != nil {
		return closeErr(err)
	}

	return New(p), nil
}
