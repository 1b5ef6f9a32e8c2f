package server

import (
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// wsConn carries one line per WebSocket text frame.
type wsConn struct {
	conn *websocket.Conn
	id   string

	writeMu      sync.Mutex
	writeTimeout time.Duration
	closed       bool

	closeOnce sync.Once
	closeErr  error
}

func newWSConn(conn *websocket.Conn, limit int) *wsConn {
	c := &wsConn{conn: conn, id: uuid.NewString()}
	c.SetReadLimit(limit)
	return c
}

func (c *wsConn) ReadLine() (string, error) {
	_, payload, err := c.conn.ReadMessage()
	if err != nil {
		return "", c.translateReadError(err)
	}
	return strings.TrimRight(string(payload), "\r\n"), nil
}

// translateReadError maps WebSocket closure onto the stream conventions used
// by lineConn so sessions treat both transports alike.
func (c *wsConn) translateReadError(err error) error {
	if errors.Is(err, websocket.ErrReadLimit) {
		return ErrLineTooLong
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) {
		return io.EOF
	}
	return err
}

func (c *wsConn) WriteLine(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return ErrConnClosed
	}
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (c *wsConn) SetReadLimit(limit int) {
	if limit > 0 {
		c.conn.SetReadLimit(int64(limit))
	}
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *wsConn) SetWriteTimeout(d time.Duration) {
	c.writeMu.Lock()
	c.writeTimeout = d
	c.writeMu.Unlock()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *wsConn) ID() string {
	return c.id
}

// Close sends a close frame on a best-effort basis and closes the socket once.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		if !c.closed {
			deadline := time.Now().Add(time.Second)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		}
		c.closed = true
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
