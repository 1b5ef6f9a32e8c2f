package client

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/linechat/internal/server"
)

// syncBuffer is a bytes.Buffer safe for the printer and the test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newPipeSession(t *testing.T, opts ...Option) (*Session, net.Conn, *syncBuffer) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})

	out := &syncBuffer{}
	opts = append([]Option{WithColor(false)}, opts...)
	return NewSession(local, out, opts...), remote, out
}

func readRemoteLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimRight(line, "\n")
}

func TestSession_Join(t *testing.T) {
	req := require.New(t)
	session, remote, _ := newPipeSession(t)

	req.ErrorIs(session.Join("   "), ErrEmptyName)

	joined := make(chan error, 1)
	go func() { joined <- session.Join("  alice ") }()
	req.Equal("alice", readRemoteLine(t, bufio.NewReader(remote)))
	req.NoError(<-joined)
	req.Equal("alice", session.Name())
}

func TestSession_Receive_Prints_And_Stops_On_Shutdown(t *testing.T) {
	req := require.New(t)
	session, remote, out := newPipeSession(t)
	session.now = func() time.Time { return time.Date(2024, 1, 1, 9, 30, 0, 0, time.Local) }

	done := make(chan error, 1)
	go func() { done <- session.Receive() }()

	_, err := remote.Write([]byte("[Server] bob Joined.\n" + server.ShutdownNotice + "\n"))
	req.NoError(err)

	select {
	case err := <-done:
		req.ErrorIs(err, ErrServerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not return")
	}

	req.Contains(out.String(), "[09:30:00] [Server] bob Joined.")
	req.Contains(out.String(), "server shut down")
	req.Contains(out.String(), Prompt)
	<-session.Done()
}

func TestSession_Receive_Name_Rejected(t *testing.T) {
	notices := []string{server.NameTakenNotice, server.EmptyNameNotice, server.NameTooLongNotice}
	for _, notice := range notices {
		t.Run(notice, func(t *testing.T) {
			session, remote, _ := newPipeSession(t)

			done := make(chan error, 1)
			go func() { done <- session.Receive() }()

			_, err := remote.Write([]byte(notice + "\n"))
			require.NoError(t, err)
			require.ErrorIs(t, <-done, ErrNameRejected)
		})
	}
}

func TestSession_Receive_Connection_Interrupted(t *testing.T) {
	session, remote, out := newPipeSession(t)

	done := make(chan error, 1)
	go func() { done <- session.Receive() }()

	require.NoError(t, remote.Close())
	require.NoError(t, <-done)
	require.Contains(t, out.String(), "connection interrupted")
}

func TestSession_Run_Sends_Lines_Until_Quit(t *testing.T) {
	req := require.New(t)
	session, remote, _ := newPipeSession(t)

	received := make(chan string, 4)
	go func() {
		r := bufio.NewReader(remote)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				close(received)
				return
			}
			received <- strings.TrimRight(line, "\n")
		}
	}()

	input := strings.NewReader("hello\n\n   \nsecond line\n/q\nnever sent\n")
	req.NoError(session.Run(input))

	var got []string
	for line := range received {
		got = append(got, line)
	}
	req.Equal([]string{"hello", "second line"}, got)
	<-session.Done()
}

// failingConn fails the first failures writes.
type failingConn struct {
	mu       sync.Mutex
	failures int
	written  bytes.Buffer
	closed   bool
}

func (c *failingConn) Read([]byte) (int, error) { return 0, io.EOF }

func (c *failingConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return 0, errors.New("write: connection reset by peer")
	}
	return c.written.Write(p)
}

func (c *failingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func TestSession_Send_Retries_Then_Succeeds(t *testing.T) {
	req := require.New(t)
	conn := &failingConn{failures: 2}
	out := &syncBuffer{}
	session := NewSession(conn, out, WithColor(false))

	req.NoError(session.Send("hello"))
	req.Equal("hello\n", conn.written.String())
	req.Contains(out.String(), "retrying (1/3)")
	req.Contains(out.String(), "retrying (2/3)")
	req.False(conn.closed)
}

func TestSession_Send_Gives_Up_After_Attempts(t *testing.T) {
	req := require.New(t)
	conn := &failingConn{failures: 10}
	out := &syncBuffer{}
	session := NewSession(conn, out, WithColor(false), WithSendAttempts(3))

	err := session.Send("hello")
	req.ErrorIs(err, ErrSendFailed)
	req.True(conn.closed)
	req.Equal(7, conn.failures)
	req.Contains(out.String(), "[Fatal]")

	req.ErrorIs(session.Send("again"), ErrClosed)
}
