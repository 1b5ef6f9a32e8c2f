// Package server frames TCP streams into newline-terminated lines and exposes
// them through the Conn interface used by sessions and the registry.
package server

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Conn is one participant endpoint. Identity is the Conn value itself, never
// its remote address. ReadLine must only be called from the goroutine that
// owns the connection; WriteLine and Close are safe for concurrent use.
type Conn interface {
	// ReadLine returns the next line without its terminator. A peer that
	// closed the stream yields io.EOF.
	ReadLine() (string, error)
	WriteLine(line string) error
	// SetReadLimit bounds the size of subsequent lines in bytes.
	SetReadLimit(limit int)
	SetReadDeadline(t time.Time) error
	// SetWriteTimeout bounds each WriteLine call. Zero disables the bound.
	SetWriteTimeout(d time.Duration)
	RemoteAddr() net.Addr
	ID() string
	Close() error
}

// lineConn frames a byte stream into newline-terminated lines.
type lineConn struct {
	conn   net.Conn
	reader *bufio.Reader
	id     string
	limit  int

	writeMu      sync.Mutex
	writeTimeout time.Duration
	closed       bool

	closeOnce sync.Once
	closeErr  error
}

// NewLineConn wraps a stream connection. Lines longer than limit bytes fail
// with ErrLineTooLong.
func NewLineConn(conn net.Conn, limit int) Conn {
	return &lineConn{
		conn:   conn,
		reader: bufio.NewReader(conn),
		id:     uuid.NewString(),
		limit:  limit,
	}
}

func (c *lineConn) ReadLine() (string, error) {
	var line []byte
	for {
		frag, err := c.reader.ReadSlice('\n')
		line = append(line, frag...)
		// leave room for a "\r\n" terminator before giving up
		if c.limit > 0 && len(line) > c.limit+2 {
			return "", ErrLineTooLong
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(line) > 0 {
			// unterminated final line
			break
		}
		return "", err
	}

	content := bytes.TrimRight(line, "\r\n")
	if c.limit > 0 && len(content) > c.limit {
		return "", ErrLineTooLong
	}
	return string(content), nil
}

func (c *lineConn) WriteLine(line string) error {
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

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	_, err := c.conn.Write(buf)
	return err
}

func (c *lineConn) SetReadLimit(limit int) {
	c.limit = limit
}

func (c *lineConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *lineConn) SetWriteTimeout(d time.Duration) {
	c.writeMu.Lock()
	c.writeTimeout = d
	c.writeMu.Unlock()
}

func (c *lineConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *lineConn) ID() string {
	return c.id
}

// Close closes the underlying stream once. Later calls return nil.
func (c *lineConn) Close() error {
	c.closeOnce.Do(func() {
		// Closing first unblocks a writer stuck on a full buffer.
		c.closeErr = c.conn.Close()
		c.writeMu.Lock()
		c.closed = true
		c.writeMu.Unlock()
	})
	return c.closeErr
}
