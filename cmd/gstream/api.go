package main

import (
	"context"
	"encoding/json"
	"errors"
	"io/ioutil"
	"log"
	"net/http"
	"strconv"
	"time"

	sse "github.com/alexandrevicenzi/go-sse"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mastercactapus/gstream/config"
	"github.com/mastercactapus/gstream/gcode"
	"github.com/mastercactapus/gstream/machine"
	"github.com/mastercactapus/gstream/machine/grbl"
	"github.com/mastercactapus/gstream/transport"
)

const jobEventInterval = 500 * time.Millisecond

type api struct {
	http.Handler
	m   *machine.Machine
	cfg config.Config
	log *logrus.Entry
	sse *sse.Server
	ws  websocket.Upgrader

	stop chan struct{}
}

func newAPI(m *machine.Machine, cfg config.Config, logger *logrus.Entry) *api {
	r := mux.NewRouter()

	a := &api{
		Handler: r,
		m:       m,
		cfg:     cfg,
		log:     logger.WithField("component", "api"),
		sse: sse.NewServer(&sse.Options{
			Logger: log.New(ioutil.Discard, "", 0),
		}),
		ws:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		stop: make(chan struct{}),
	}

	r.HandleFunc("/api/connect", a.connect).Methods("POST")
	r.HandleFunc("/api/disconnect", a.disconnect).Methods("POST")
	r.HandleFunc("/api/jobs", a.startJob).Methods("POST")
	r.HandleFunc("/api/job", a.job).Methods("GET")
	r.HandleFunc("/api/job/{action}", a.jobAction).Methods("POST")
	r.HandleFunc("/api/realtime/{cmd}", a.realtime).Methods("POST")
	r.HandleFunc("/api/command", a.command).Methods("POST")
	r.HandleFunc("/api/state", a.state).Methods("GET")
	r.HandleFunc("/api/history", a.history).Methods("GET")
	r.HandleFunc("/ws/console", a.console)
	r.PathPrefix("/events/").Handler(a.sse)

	go a.sendStates()
	go a.sendJobs()

	return a
}

// Close stops event delivery.
func (a *api) Close() {
	close(a.stop)
	a.sse.Shutdown()
}

func (a *api) publish(channel string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		a.log.WithError(err).Error("marshal json")
		return
	}
	a.sse.SendMessage(channel, sse.SimpleMessage(string(data)))
}

func (a *api) sendStates() {
	for {
		select {
		case state := <-a.m.States():
			a.publish("/events/state", state)
		case <-a.stop:
			return
		}
	}
}

func (a *api) sendJobs() {
	t := time.NewTicker(jobEventInterval)
	defer t.Stop()
	var last machine.JobStatus
	for {
		select {
		case <-t.C:
		case <-a.stop:
			return
		}
		stat, ok := a.m.Job()
		if !ok || (stat.Acked == last.Acked && stat.State == last.State && stat.Name == last.Name && stat.Started.Equal(last.Started)) {
			continue
		}
		last = stat
		a.publish("/events/job", stat)
	}
}

// httpStatus maps err to a response code.
func httpStatus(err error) int {
	var oErr *machine.OversizedCommandError
	var mErr *gcode.MalformedInputError
	var fwErr *grbl.FirmwareError
	var cErr *transport.ConnectionError
	switch {
	case errors.Is(err, machine.ErrNotConnected), errors.As(err, &cErr):
		return http.StatusServiceUnavailable
	case errors.Is(err, machine.ErrJobActive), errors.Is(err, grbl.ErrAlarmLocked):
		return http.StatusConflict
	case errors.As(err, &oErr), errors.As(err, &mErr), errors.As(err, &fwErr):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (a *api) fail(w http.ResponseWriter, op string, err error) {
	code := httpStatus(err)
	entry := a.log.WithError(err).WithField("op", op)
	if code == http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Warn("request rejected")
	}
	http.Error(w, err.Error(), code)
}

func (a *api) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		a.log.WithError(err).Error("encode")
	}
}

func (a *api) connect(w http.ResponseWriter, req *http.Request) {
	port := req.FormValue("port")
	if port == "" {
		port = a.cfg.Port
	}
	baud := a.cfg.Baud
	if s := req.FormValue("baud"); s != "" {
		var err error
		baud, err = strconv.Atoi(s)
		if err != nil || baud <= 0 {
			http.Error(w, "invalid baud rate", http.StatusBadRequest)
			return
		}
	}

	err := a.m.Connect(req.Context(), port, baud)
	if err != nil {
		a.fail(w, "connect", err)
		return
	}
	a.state(w, req)
}

func (a *api) disconnect(w http.ResponseWriter, req *http.Request) {
	err := a.m.Disconnect()
	if err != nil {
		a.log.WithError(err).Warn("disconnect")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) startJob(w http.ResponseWriter, req *http.Request) {
	name := req.FormValue("name")
	if name == "" {
		name = "job-" + time.Now().Format("20060102-150405")
	}
	p, err := gcode.ReadProgram(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	job, err := a.m.Run(req.Context(), name, p)
	if err != nil {
		a.fail(w, "run", err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, job.Status())
}

func (a *api) job(w http.ResponseWriter, req *http.Request) {
	stat, ok := a.m.Job()
	if !ok {
		http.Error(w, "no job", http.StatusNotFound)
		return
	}
	a.writeJSON(w, http.StatusOK, stat)
}

func (a *api) jobAction(w http.ResponseWriter, req *http.Request) {
	var err error
	switch action := mux.Vars(req)["action"]; action {
	case "pause":
		err = a.m.Pause()
	case "resume":
		err = a.m.Resume()
	case "stop":
		err = a.m.Stop()
	default:
		http.Error(w, "unknown action '"+action+"'", http.StatusNotFound)
		return
	}
	if err != nil {
		a.fail(w, "job", err)
		return
	}
	a.job(w, req)
}

// realtimeBytes are the controller commands exposed by name.
var realtimeBytes = map[string]byte{
	"status":        grbl.CmdStatusQuery,
	"hold":          grbl.CmdFeedHold,
	"start":         grbl.CmdCycleStart,
	"door":          grbl.CmdSafetyDoor,
	"jogcancel":     grbl.CmdJogCancel,
	"feed-reset":    grbl.CmdFeedOvReset,
	"feed+10":       grbl.CmdFeedOvPlus10,
	"feed-10":       grbl.CmdFeedOvMinus10,
	"feed+1":        grbl.CmdFeedOvPlus1,
	"feed-1":        grbl.CmdFeedOvMinus1,
	"rapid-reset":   grbl.CmdRapidOvReset,
	"rapid-50":      grbl.CmdRapidOvHalf,
	"rapid-25":      grbl.CmdRapidOvLow,
	"spindle-reset": grbl.CmdSpindleOvReset,
	"spindle+10":    grbl.CmdSpindleOvPlus10,
	"spindle-10":    grbl.CmdSpindleOvMinus10,
	"spindle+1":     grbl.CmdSpindleOvPlus1,
	"spindle-1":     grbl.CmdSpindleOvMinus1,
	"spindle-stop":  grbl.CmdSpindleStop,
	"flood":         grbl.CmdFloodToggle,
	"mist":          grbl.CmdMistToggle,
}

func (a *api) realtime(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), a.cfg.HandshakeTimeout)
	defer cancel()

	var err error
	switch cmd := mux.Vars(req)["cmd"]; cmd {
	case "unlock":
		err = a.m.Unlock(ctx)
	case "home":
		err = a.m.Home(ctx)
	case "reset":
		err = a.m.SoftReset()
	default:
		b, ok := realtimeBytes[cmd]
		if !ok {
			http.Error(w, "unknown command '"+cmd+"'", http.StatusNotFound)
			return
		}
		err = a.m.Realtime(b)
	}
	if err != nil {
		a.fail(w, "realtime", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) command(w http.ResponseWriter, req *http.Request) {
	data, err := ioutil.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = a.m.Command(req.Context(), string(data))
	if err != nil {
		a.fail(w, "command", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type stateResponse struct {
	Conn      machine.ConnState
	ConnError string             `json:",omitempty"`
	State     *machine.State     `json:",omitempty"`
	Job       *machine.JobStatus `json:",omitempty"`
}

func (a *api) state(w http.ResponseWriter, req *http.Request) {
	var res stateResponse
	var err error
	res.Conn, err = a.m.ConnState()
	if err != nil {
		res.ConnError = err.Error()
	}
	if stat, err := a.m.State(); err == nil {
		res.State = &stat
	}
	if job, ok := a.m.Job(); ok {
		res.Job = &job
	}
	a.writeJSON(w, http.StatusOK, res)
}

func (a *api) history(w http.ResponseWriter, req *http.Request) {
	lines, err := a.m.History()
	if err != nil {
		a.fail(w, "history", err)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	a.writeJSON(w, http.StatusOK, lines)
}

// console streams controller lines to the client. Each text message
// received is sent as a command.
func (a *api) console(w http.ResponseWriter, req *http.Request) {
	lines, unsubscribe, err := a.m.Subscribe()
	if err != nil {
		a.fail(w, "console", err)
		return
	}
	defer unsubscribe()

	ws, err := a.ws.Upgrade(w, req, nil)
	if err != nil {
		a.log.WithError(err).Warn("websocket upgrade")
		return
	}
	defer ws.Close()

	log := a.log.WithField("remote", req.RemoteAddr)
	log.Info("console attached")
	defer log.Info("console detached")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			err = a.m.Command(req.Context(), string(data))
			if err != nil {
				log.WithError(err).Warn("console command")
			}
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "disconnected"))
				return
			}
			err = ws.WriteMessage(websocket.TextMessage, []byte(line))
			if err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
