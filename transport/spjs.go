package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
)

// DataFrame is serial data relayed by a Serial Port JSON Server.
type DataFrame struct {
	Port string `json:"P"`
	Data string `json:"D"`
}

type spjsError struct {
	Error string
}

// spjsConn is a serial port reached through a Serial Port JSON Server.
// Data is written with `sendnobuf` so the server adds no flow control
// of its own.
type spjsConn struct {
	ws   *websocket.Conn
	port string

	wMx sync.Mutex
	buf []byte
}

func openSPJS(cfg Config) (*Transport, error) {
	if cfg.URL == "" {
		return nil, &ConnectionError{Op: "open", Err: errors.New("spjs: server URL required")}
	}
	ws, _, err := websocket.DefaultDialer.Dial(cfg.URL, nil)
	if err != nil {
		return nil, &ConnectionError{Op: "open", Err: err}
	}
	c := &spjsConn{ws: ws, port: cfg.Name}
	err = c.command("open " + cfg.Name + " " + strconv.Itoa(cfg.Baud) + " default")
	if err != nil {
		ws.Close()
		return nil, &ConnectionError{Op: "open", Err: err}
	}
	return New(c), nil
}

func (c *spjsConn) command(s string) error {
	c.wMx.Lock()
	defer c.wMx.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, []byte(s))
}

// parseFrame returns the serial data carried by msg for port, if any.
func parseFrame(msg []byte, port string) ([]byte, error) {
	if !bytes.HasPrefix(msg, []byte("{")) {
		// ignore echo messages
		return nil, nil
	}
	var e spjsError
	err := json.Unmarshal(msg, &e)
	if err != nil {
		return nil, err
	}
	if e.Error != "" {
		return nil, errors.New("spjs: " + e.Error)
	}
	var f DataFrame
	err = json.Unmarshal(msg, &f)
	if err != nil {
		return nil, err
	}
	if f.Port != port {
		return nil, nil
	}
	return []byte(f.Data), nil
}

func (c *spjsConn) Read(p []byte) (int, error) {
	for len(c.buf) == 0 {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return 0, io.EOF
			}
			return 0, err
		}
		c.buf, err = parseFrame(msg, c.port)
		if err != nil {
			return 0, err
		}
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *spjsConn) Write(p []byte) (int, error) {
	err := c.command(fmt.Sprintf("sendnobuf %s %s", c.port, p))
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *spjsConn) Close() error {
	c.command("close " + c.port)
	return c.ws.Close()
}
