// Package config loads gstream settings from defaults, a .env file, the
// environment and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/mastercactapus/gstream/transport"
)

// ThreadingMode trades status responsiveness against contention with the
// data channel.
type ThreadingMode struct {
	Name string

	// StatusQuery is the status poll interval.
	StatusQuery time.Duration

	// TxPacing is the delay after each streamed command.
	TxPacing time.Duration
}

// ThreadingModes maps mode names to their timing.
var ThreadingModes = map[string]ThreadingMode{
	"Slow":      {Name: "Slow", StatusQuery: 2000 * time.Millisecond, TxPacing: 4 * time.Millisecond},
	"Quiet":     {Name: "Quiet", StatusQuery: 1000 * time.Millisecond, TxPacing: 2 * time.Millisecond},
	"Fast":      {Name: "Fast", StatusQuery: 500 * time.Millisecond, TxPacing: 1 * time.Millisecond},
	"UltraFast": {Name: "UltraFast", StatusQuery: 250 * time.Millisecond, TxPacing: 0},
}

// ModeNames returns the known threading mode names, sorted.
func ModeNames() []string {
	names := make([]string, 0, len(ThreadingModes))
	for name := range ThreadingModes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const (
	ReportMPos = "mpos"
	ReportWPos = "wpos"
)

type Config struct {
	Port   string
	Baud   int
	Driver string

	// SPJSURL is the websocket URL used by the spjs driver.
	SPJSURL string

	ThreadingMode string
	RxBufferSize  int

	// StatusPollMS overrides the threading mode's poll interval when non-zero.
	StatusPollMS int

	ReportFormat     string
	HandshakeTimeout time.Duration

	Addr string
	File string

	LogLevel  string
	LogFormat string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:             "/dev/ttyUSB0",
		Baud:             115200,
		Driver:           transport.DriverTarm,
		ThreadingMode:    "Fast",
		RxBufferSize:     128,
		ReportFormat:     ReportMPos,
		HandshakeTimeout: 10 * time.Second,
		Addr:             ":9091",
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// Mode returns the configured threading mode.
func (c Config) Mode() (ThreadingMode, error) {
	m, ok := ThreadingModes[c.ThreadingMode]
	if !ok {
		return m, fmt.Errorf("unknown threading mode %q (want one of %s)", c.ThreadingMode, strings.Join(ModeNames(), ", "))
	}
	return m, nil
}

// PollInterval returns the status poll interval.
func (c Config) PollInterval() time.Duration {
	if c.StatusPollMS > 0 {
		return time.Duration(c.StatusPollMS) * time.Millisecond
	}
	m, _ := c.Mode()
	return m.StatusQuery
}

func (c Config) Validate() error {
	if _, err := c.Mode(); err != nil {
		return err
	}
	if c.RxBufferSize < 16 {
		return fmt.Errorf("rx buffer size %d is too small", c.RxBufferSize)
	}
	if c.Baud <= 0 {
		return fmt.Errorf("invalid baud rate %d", c.Baud)
	}
	if c.StatusPollMS < 0 {
		return errors.New("status poll interval must not be negative")
	}
	switch c.ReportFormat {
	case ReportMPos, ReportWPos:
	default:
		return fmt.Errorf("unknown report format %q", c.ReportFormat)
	}
	switch c.Driver {
	case transport.DriverTarm, transport.DriverBugst:
	case transport.DriverSPJS:
		if c.SPJSURL == "" {
			return errors.New("spjs driver requires a server URL")
		}
	default:
		return fmt.Errorf("unknown serial driver %q", c.Driver)
	}
	return nil
}

const envPrefix = "GSTREAM_"

type lookupFunc func(key string) (string, bool)

// applyEnv overrides c with GSTREAM_* values found through lookup.
func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}
	var err error
	num := func(key string, dst *int) {
		v, ok := lookup(envPrefix + key)
		if !ok || err != nil {
			return
		}
		*dst, err = strconv.Atoi(v)
		if err != nil {
			err = fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
	}
	str("PORT", &c.Port)
	num("BAUD", &c.Baud)
	str("DRIVER", &c.Driver)
	str("SPJS_URL", &c.SPJSURL)
	str("THREADING_MODE", &c.ThreadingMode)
	num("RX_BUFFER_SIZE", &c.RxBufferSize)
	num("STATUS_POLL_MS", &c.StatusPollMS)
	str("REPORT_FORMAT", &c.ReportFormat)
	str("ADDR", &c.Addr)
	str("FILE", &c.File)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	if v, ok := lookup(envPrefix + "HANDSHAKE_TIMEOUT"); ok && err == nil {
		c.HandshakeTimeout, err = time.ParseDuration(v)
		if err != nil {
			err = fmt.Errorf("%sHANDSHAKE_TIMEOUT: %w", envPrefix, err)
		}
	}
	return err
}

// Flags registers all settings on fs, using c's values as defaults.
func (c *Config) Flags(fs *flag.FlagSet) {
	fs.StringVar(&c.Port, "port", c.Port, "Serial port path.")
	fs.IntVar(&c.Baud, "baud", c.Baud, "Serial baud rate.")
	fs.StringVar(&c.Driver, "driver", c.Driver, "Serial driver to use (tarm, bugst or spjs).")
	fs.StringVar(&c.SPJSURL, "spjs", c.SPJSURL, "Websocket URL of the SPJS server to use with the spjs driver.")
	fs.StringVar(&c.ThreadingMode, "threading-mode", c.ThreadingMode, "Threading mode: "+strings.Join(ModeNames(), ", ")+".")
	fs.IntVar(&c.RxBufferSize, "rx-buffer", c.RxBufferSize, "Controller receive buffer size in bytes.")
	fs.IntVar(&c.StatusPollMS, "status-poll-ms", c.StatusPollMS, "Status poll interval in ms (0 uses the threading mode).")
	fs.StringVar(&c.ReportFormat, "report", c.ReportFormat, "Reported position: mpos or wpos.")
	fs.DurationVar(&c.HandshakeTimeout, "handshake-timeout", c.HandshakeTimeout, "Time to wait for the controller to respond after connecting.")
	fs.StringVar(&c.Addr, "addr", c.Addr, "Address to bind the API server to.")
	fs.StringVar(&c.File, "file", c.File, "G-code file to stream (run mode).")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level.")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format: text or json.")
}

// Load builds a Config from defaults, the .env file named by GSTREAM_ENV
// (default `.env`, optional), the environment and args.
func Load(fs *flag.FlagSet, args []string) (Config, error) {
	envFile := os.Getenv(envPrefix + "ENV")
	if envFile == "" {
		envFile = ".env"
	}
	fileEnv, err := godotenv.Read(envFile)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("read %s: %w", envFile, err)
	}

	cfg := Default()
	err = cfg.applyEnv(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileEnv[key]
		return v, ok
	})
	if err != nil {
		return Config{}, err
	}

	cfg.Flags(fs)
	err = fs.Parse(args)
	if err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

// Logger returns a logger configured with the log level and format.
func (c Config) Logger() (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	l := logrus.New()
	l.SetLevel(lvl)
	switch c.LogFormat {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return l, nil
}
