// Package client implements the interactive side of the line relay: it sends
// the display name, prints relayed lines as they arrive and sends user input
// with a bounded number of retries.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gookit/color"

	"github.com/Tyrowin/linechat/internal/server"
)

const (
	// QuitCommand ends the session locally.
	QuitCommand = "/q"
	// Prompt is redrawn after every printed line.
	Prompt = "Type Message Here: "

	defaultSendAttempts = 3
)

var (
	ErrEmptyName    = errors.New("name must not be empty")
	ErrNameRejected = errors.New("name rejected by server")
	ErrServerClosed = errors.New("server shut down")
	ErrSendFailed   = errors.New("message could not be sent")
	ErrClosed       = errors.New("session closed")
)

// Dial connects to a relay at addr.
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return conn, nil
}

// Session is one client connection to a relay.
type Session struct {
	conn     io.ReadWriteCloser
	reader   *bufio.Reader
	out      *printer
	attempts int
	now      func() time.Time

	writeMu sync.Mutex
	name    string

	closeOnce sync.Once
	done      chan struct{}
}

// Option configures a Session.
type Option func(*Session)

// WithColor toggles ANSI colouring of system lines.
func WithColor(enabled bool) Option {
	return func(s *Session) { s.out.colored = enabled }
}

// WithSendAttempts sets how many times a line is written before giving up.
func WithSendAttempts(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// NewSession wraps an established connection. Output goes to out.
func NewSession(conn io.ReadWriteCloser, out io.Writer, opts ...Option) *Session {
	s := &Session{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		out:      &printer{w: out, colored: true},
		attempts: defaultSendAttempts,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the name sent by Join.
func (s *Session) Name() string {
	return s.name
}

// Done is closed when the session ends for any reason.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Join sends the display name. Blank names are refused locally.
func (s *Session) Join(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	if err := s.writeLine(name); err != nil {
		return fmt.Errorf("send name: %w", err)
	}
	s.name = name
	return nil
}

// Receive prints relayed lines until the connection ends. It returns nil on
// an orderly close and ErrNameRejected or ErrServerClosed when the relay
// says so.
func (s *Session) Receive() error {
	defer s.Close()

	for {
		line, err := s.reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		if line != "" {
			switch line {
			case server.NameTakenNotice, server.EmptyNameNotice, server.NameTooLongNotice:
				s.out.system(fmt.Sprintf("[System] %s", line))
				return ErrNameRejected
			case server.ShutdownNotice:
				s.out.system("[System] server shut down")
				return ErrServerClosed
			default:
				s.out.line(fmt.Sprintf("[%s] %s", s.now().Format("15:04:05"), line))
			}
		}

		if err != nil {
			if s.isClosed() {
				return nil
			}
			if errors.Is(err, io.EOF) {
				s.out.system("[System] connection interrupted")
				return nil
			}
			s.out.errorf("[Error] receive failed: %v", err)
			return err
		}
	}
}

// Send writes line, retrying up to the configured number of attempts. After
// the last failure the session is closed.
func (s *Session) Send(line string) error {
	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err = s.writeLine(line); err == nil {
			return nil
		}
		if s.isClosed() {
			return ErrClosed
		}
		if attempt < s.attempts {
			s.out.errorf("[Error] send failed, retrying (%d/%d)...", attempt, s.attempts)
		}
	}

	s.out.errorf("[Fatal] message could not be sent: %v", err)
	_ = s.Close()
	return fmt.Errorf("%w: %w", ErrSendFailed, err)
}

// Run reads user input line by line until EOF, QuitCommand, a fatal send
// error or the end of the session.
func (s *Session) Run(input io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(input)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-s.done:
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-s.done:
			return nil
		case err := <-readErr:
			_ = s.Close()
			return err
		case raw := <-lines:
			msg := strings.TrimSpace(raw)
			if msg == "" {
				continue
			}
			if msg == QuitCommand {
				return s.Close()
			}
			if err := s.Send(msg); err != nil {
				if errors.Is(err, ErrClosed) {
					return nil
				}
				return err
			}
		}
	}
}

// PrintWelcome shows the banner after a successful join.
func (s *Session) PrintWelcome() {
	bar := strings.Repeat("=", 40)
	s.out.system(fmt.Sprintf("\n%s\nYou Joined: [%s]\nType a message to chat (/q to quit)\n%s\n", bar, s.name, bar))
}

// Close closes the connection once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) writeLine(line string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return ErrClosed
	}
	_, err := io.WriteString(s.conn, line+"\n")
	return err
}

// printer serialises terminal output and keeps the prompt visible.
type printer struct {
	mu      sync.Mutex
	w       io.Writer
	colored bool
}

func (p *printer) print(text string, style color.Color) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.colored {
		text = style.Sprint(text)
	}
	_, _ = fmt.Fprintf(p.w, "\n%s\n%s", text, Prompt)
}

func (p *printer) line(text string) {
	p.print(text, color.FgDefault)
}

func (p *printer) system(text string) {
	p.print(text, color.FgCyan)
}

func (p *printer) errorf(format string, args ...any) {
	p.print(fmt.Sprintf(format, args...), color.FgRed)
}
