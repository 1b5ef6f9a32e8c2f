package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, time.March, 9, 13, 4, 5, 0, time.Local)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn records written lines and can be told to fail sends.
type fakeConn struct {
	id string

	mu         sync.Mutex
	lines      []string
	failWrites bool
	closeCount int
}

func newFakeConn() *fakeConn {
	return &fakeConn{id: uuid.NewString()}
}

func (c *fakeConn) ReadLine() (string, error) { return "", io.EOF }

func (c *fakeConn) WriteLine(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites {
		return errors.New("write: connection reset by peer")
	}
	if c.closeCount > 0 {
		return ErrConnClosed
	}
	c.lines = append(c.lines, line)
	return nil
}

func (c *fakeConn) SetReadLimit(int) {}
func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }
func (c *fakeConn) SetWriteTimeout(time.Duration) {}
func (c *fakeConn) RemoteAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4242} }
func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCount++
	return nil
}

func (c *fakeConn) failSends() {
	c.mu.Lock()
	c.failWrites = true
	c.mu.Unlock()
}

func (c *fakeConn) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func (c *fakeConn) closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

func testConfig() Config {
	cfg := Sanitize(Config{
		Host:             "127.0.0.1",
		AllowedOrigins:   []string{"http://localhost:8080"},
		HandshakeTimeout: 2 * time.Second,
		SendTimeout:      time.Second,
		ShutdownTimeout:  2 * time.Second,
	})
	return cfg
}

func newTestRelay(t *testing.T, mutate func(*Config)) *Relay {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	relay, err := NewRelay(cfg, testLogger())
	require.NoError(t, err)
	relay.now = func() time.Time { return fixedNow }
	return relay
}

// startTestRelay serves a relay on an ephemeral loopback port.
func startTestRelay(t *testing.T, mutate func(*Config)) (*Relay, string, <-chan error) {
	t.Helper()

	relay := newTestRelay(t, mutate)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- relay.Serve(context.Background(), ln) }()

	t.Cleanup(func() {
		_ = relay.Shutdown(2 * time.Second)
	})
	return relay, ln.Addr().String(), served
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dialTestClient(t *testing.T, addr string) *testClient {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

// joinTestClient dials, sends name and waits until the relay registered it.
func joinTestClient(t *testing.T, relay *Relay, addr, name string) *testClient {
	t.Helper()

	c := dialTestClient(t, addr)
	c.send(name)
	require.Eventually(t, func() bool {
		_, ok := relay.Registry().Lookup(name)
		return ok
	}, 2*time.Second, 5*time.Millisecond, "participant %q never registered", name)
	return c
}

func (c *testClient) send(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *testClient) readLine() (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		return "", err
	}
	line, err := c.reader.ReadString('\n')
	return strings.TrimRight(line, "\n"), err
}

func (c *testClient) expectLine(want string) {
	c.t.Helper()
	line, err := c.readLine()
	require.NoError(c.t, err)
	require.Equal(c.t, want, line)
}

// expectSilence fails if anything arrives within wait.
func (c *testClient) expectSilence(wait time.Duration) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(wait)))
	line, err := c.reader.ReadString('\n')
	var netErr net.Error
	require.True(c.t, errors.As(err, &netErr) && netErr.Timeout(), "unexpected line %q (err %v)", line, err)
}

// expectClosed reads until the relay closes the connection.
func (c *testClient) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := io.ReadAll(c.reader)
	if err != nil {
		// a reset also means the relay closed its end
		var netErr net.Error
		require.False(c.t, errors.As(err, &netErr) && netErr.Timeout(), "connection was not closed by the relay")
	}
}
