package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mastercactapus/gstream/config"
	"github.com/mastercactapus/gstream/gcode"
	"github.com/mastercactapus/gstream/machine"
	"github.com/mastercactapus/gstream/machine/grbl"
	"github.com/mastercactapus/gstream/transport"
)

func main() {
	fs := flag.NewFlagSet("gstream", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: gstream [flags] [serve|run]")
		fs.PrintDefaults()
	}
	cfg, err := config.Load(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	l, err := cfg.Logger()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	log := logrus.NewEntry(l)

	m := machine.NewMachine(newDialer(cfg, log), log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	switch mode := fs.Arg(0); mode {
	case "run":
		os.Exit(run(ctx, cfg, m, log))
	case "", "serve":
		serve(ctx, cfg, m, log)
	default:
		log.Fatalf("unknown mode '%s'", mode)
	}
}

func newDialer(cfg config.Config, log *logrus.Entry) machine.Dialer {
	mode, _ := cfg.Mode()
	opt := grbl.Options{
		RxBufferSize:     cfg.RxBufferSize,
		PollInterval:     cfg.PollInterval(),
		TxPacing:         mode.TxPacing,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReportWPos:       cfg.ReportFormat == config.ReportWPos,
		Logger:           log,
	}
	return func(ctx context.Context, port string, baud int) (machine.Adapter, error) {
		c, err := grbl.Dial(ctx, transport.Config{Name: port, Baud: baud, Driver: cfg.Driver, URL: cfg.SPJSURL}, opt)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// run streams cfg.File and returns the process exit code.
func run(ctx context.Context, cfg config.Config, m *machine.Machine, log *logrus.Entry) int {
	if cfg.File == "" {
		log.Error("run: -file is required")
		return 2
	}
	f, err := os.Open(cfg.File)
	if err != nil {
		log.WithError(err).Error("open program")
		return 1
	}
	p, err := gcode.ReadProgram(f)
	f.Close()
	if err != nil {
		log.WithError(err).Error("read program")
		return 1
	}

	err = m.Connect(ctx, cfg.Port, cfg.Baud)
	if err != nil {
		return 1
	}
	defer m.Disconnect()

	job, err := m.Run(ctx, filepath.Base(cfg.File), p)
	if err != nil {
		log.WithError(err).Error("start job")
		return 1
	}

	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
wait:
	for {
		select {
		case <-t.C:
			stat := job.Status()
			log.WithFields(logrus.Fields{
				"acked":    stat.Acked,
				"total":    stat.Total,
				"errors":   stat.Errors,
				"progress": fmt.Sprintf("%.1f%%", stat.Progress()*100),
			}).Info("streaming")
		case <-ctx.Done():
			log.Warn("interrupted, stopping job")
			err = m.Stop()
			if err != nil {
				log.WithError(err).Error("stop")
			}
			<-job.Done()
			break wait
		case <-job.Done():
			break wait
		}
	}

	stat := job.Status()
	entry := log.WithFields(logrus.Fields{
		"outcome": stat.Outcome,
		"sent":    stat.Sent,
		"acked":   stat.Acked,
		"errors":  stat.Errors,
		"elapsed": stat.Finished.Sub(stat.Started).Round(time.Millisecond),
	})
	if stat.Outcome != machine.OutcomeCompleted {
		entry.WithField("error", stat.Error).Error("job did not complete")
		return 1
	}
	entry.Info("job complete")
	return 0
}

func serve(ctx context.Context, cfg config.Config, m *machine.Machine, log *logrus.Entry) {
	if cfg.Port != "" {
		err := m.Connect(ctx, cfg.Port, cfg.Baud)
		if err != nil {
			log.Warn("not connected, use /api/connect to retry")
		}
	}

	a := newAPI(m, cfg, log)
	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "*")
			a.log.Debugf("%s %s - %s", req.Method, req.URL.Path, req.RemoteAddr)
			a.ServeHTTP(w, req)
		}),
	}
	go func() {
		<-ctx.Done()
		a.Close()
		srv.Close()
	}()

	log.WithField("addr", cfg.Addr).Info("listening")
	err := srv.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
	m.Disconnect()
}
