package transport

import (
	"fmt"
	"time"
)

const (
	DriverTarm  = "tarm"
	DriverBugst = "bugst"
	DriverSPJS  = "spjs"
)

const defaultReadTimeout = 100 * time.Millisecond

// Config identifies a serial device.
type Config struct {
	Name   string
	Baud   int
	Driver string

	// URL is the websocket address of the server for DriverSPJS.
	URL string

	// ReadTimeout bounds each read from the device so a closed port is
	// noticed promptly. It does not limit ReadLine.
	ReadTimeout time.Duration
}

func (cfg Config) readTimeout() time.Duration {
	if cfg.ReadTimeout <= 0 {
		return defaultReadTimeout
	}
	return cfg.ReadTimeout
}

// Open will open the serial device described by cfg.
func Open(cfg Config) (*Transport, error) {
	if cfg.Baud <= 0 {
		return nil, &ConnectionError{Op: "open", Err: fmt.Errorf("invalid baud rate %d", cfg.Baud)}
	}
	switch cfg.Driver {
	case "", DriverTarm:
		return openTarm(cfg)
	case DriverBugst:
		return openBugst(cfg)
	case DriverSPJS:
		return openSPJS(cfg)
	}
	return nil, &ConnectionError{Op: "open", Err: fmt.Errorf("unknown serial driver %q", cfg.Driver)}
}
