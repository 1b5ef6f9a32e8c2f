// Package server runs the per-connection join handshake and receive loop.
package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// session owns one Conn from accept until close.
type session struct {
	relay   *Relay
	conn    Conn
	name    string
	log     *slog.Logger
	limiter *rateLimiter
}

func newSession(relay *Relay, conn Conn) *session {
	conn.SetWriteTimeout(relay.cfg.SendTimeout)

	remote := "unknown"
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}

	s := &session{
		relay: relay,
		conn:  conn,
		log:   relay.log.With("session", conn.ID(), "remote", remote),
	}
	if relay.cfg.RateLimit.Enabled() {
		s.limiter = newRateLimiter(relay.cfg.RateLimit)
	}
	return s
}

// serve runs the handshake and, on success, the receive loop.
func (s *session) serve() {
	err := s.handshake()
	s.relay.handshakeDone(s.conn)
	if err != nil {
		s.reject(err)
		return
	}

	s.log = s.log.With("name", s.name)
	s.log.Info("participant joined", "participants", s.relay.registry.Len())
	s.relay.Broadcast(joinAnnouncement(s.name), s.conn)

	s.receiveLoop()
	s.leave()
}

// normalizeName trims whitespace and folds the name to NFC so that visually
// identical names collide.
func normalizeName(raw string) string {
	return norm.NFC.String(strings.TrimSpace(raw))
}

// handshake reads the name line and registers it atomically.
func (s *session) handshake() error {
	cfg := s.relay.cfg

	s.conn.SetReadLimit(cfg.MaxNameSize)
	if cfg.HandshakeTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(cfg.HandshakeTimeout)); err != nil {
			return fmt.Errorf("set handshake deadline: %w", err)
		}
	}

	line, err := s.conn.ReadLine()
	if errors.Is(err, ErrLineTooLong) {
		return ErrNameTooLong
	}
	if err != nil {
		return fmt.Errorf("read name: %w", err)
	}

	name := normalizeName(line)
	if name == "" {
		return ErrEmptyName
	}

	if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear handshake deadline: %w", err)
	}
	s.conn.SetReadLimit(cfg.MaxMessageSize)

	if err := s.relay.registry.Register(s.conn, name); err != nil {
		return err
	}
	s.name = name
	return nil
}

// reject tells the peer why it was refused, when there is something to say,
// and closes the connection without registering it.
func (s *session) reject(err error) {
	var notice string
	switch {
	case errors.Is(err, ErrNameTaken):
		notice = NameTakenNotice
	case errors.Is(err, ErrEmptyName):
		notice = EmptyNameNotice
	case errors.Is(err, ErrNameTooLong):
		notice = NameTooLongNotice
	case errors.Is(err, ErrRelayClosed):
		notice = ShutdownNotice
	}

	if notice != "" {
		if werr := s.conn.WriteLine(notice); werr != nil && !isExpectedCloseError(werr) {
			s.log.Warn("failed to send rejection", "error", werr)
		}
	}

	s.log.Warn("handshake rejected", "error", err)
	s.relay.closeConn(s.conn)
}

// receiveLoop reads lines until the peer leaves, a read fails or the peer
// asks to quit.
func (s *session) receiveLoop() {
	for {
		line, err := s.conn.ReadLine()
		if err != nil {
			s.logReadError(err)
			return
		}

		if !s.handleLine(line) {
			s.log.Info("participant requested disconnect")
			return
		}
	}
}

// handleLine processes one inbound line and returns false when the session
// should end.
func (s *session) handleLine(line string) bool {
	if line == "" {
		return true
	}

	if cmd, ok := parseCommand(line); ok {
		switch cmd {
		case CommandQuit:
			return false
		default:
			s.log.Debug("ignoring reserved command", "command", string(cmd))
			return true
		}
	}

	if !s.checkRateLimit() {
		return true
	}

	s.log.Debug("received message", "bytes", len(line))
	s.relay.Broadcast(chatLine(s.relay.now(), s.name, line), s.conn)
	return true
}

// checkRateLimit verifies if the participant has exceeded rate limits
// and returns true if the message should be relayed. A throttled sender is
// told that its line was dropped.
func (s *session) checkRateLimit() bool {
	if s.limiter == nil || s.limiter.allow() {
		return true
	}

	rl := s.relay.cfg.RateLimit
	s.log.Warn("rate limit exceeded; discarding message", "burst", rl.Burst, "interval", rl.RefillInterval)
	if err := s.conn.WriteLine(RateLimitNotice); err != nil && !isExpectedCloseError(err) {
		s.log.Warn("failed to send rate limit notice", "error", err)
	}
	return false
}

// logReadError classifies why the read side ended.
func (s *session) logReadError(err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		s.log.Info("participant disconnected")
	case errors.Is(err, ErrLineTooLong):
		s.log.Warn("message exceeded maximum size", "limit", s.relay.cfg.MaxMessageSize)
	case isExpectedCloseError(err):
		s.log.Info("connection closed", "error", err)
	case errors.As(err, &netErr) && netErr.Timeout():
		s.log.Warn("read timed out", "error", err)
	default:
		s.log.Warn("read error", "error", err)
	}
}

// leave removes the participant if nothing else has, announces the
// departure once and closes the connection.
func (s *session) leave() {
	if name, removed := s.relay.registry.Remove(s.conn); removed {
		s.log.Info("participant left", "participants", s.relay.registry.Len())
		s.relay.Broadcast(departureAnnouncement(name), nil)
	}
	s.relay.closeConn(s.conn)
}
