package transport

import (
	"github.com/tarm/serial"
)

func openTarm(cfg Config) (*Transport, error) {
	p, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Name,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.readTimeout(),
	})
	if err != nil {
		return nil, &ConnectionError{Op: "open", Err: err}
	}
	err = p.Flush()
	if err != nil {
		p.Close()
		return nil, &ConnectionError{Op: "open", Err: err}
	}

	// tarm reports an expired read timeout as io.EOF
	return New(p, EOFIsTimeout()), nil
}
