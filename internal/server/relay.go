// Package server coordinates participant registration, line fan-out and
// connection cleanup for the relay via the Relay type.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

// Relay accepts connections, runs one session per participant and fans
// lines out through its Registry.
type Relay struct {
	cfg      Config
	log      *slog.Logger
	registry *Registry
	banned   *BanList
	upgrader websocket.Upgrader
	now      func() time.Time

	// mu guards the fields below. The Registry has its own lock.
	mu           sync.Mutex
	listener     net.Listener
	pending      map[Conn]struct{}
	closing      bool
	shutdownDone chan struct{}

	wg sync.WaitGroup
}

// NewRelay creates a Relay from a sanitized configuration. A nil logger
// falls back to slog.Default.
func NewRelay(cfg Config, logger *slog.Logger) (*Relay, error) {
	if logger == nil {
		logger = slog.Default()
	}

	banned, err := NewBanList(cfg.BannedIPs)
	if err != nil {
		return nil, fmt.Errorf("load banned IPs: %w", err)
	}

	origins := newOriginPolicy(cfg.AllowedOrigins, logger)
	return &Relay{
		cfg:      cfg,
		log:      logger,
		registry: NewRegistry(),
		banned:   banned,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
		now:          time.Now,
		pending:      make(map[Conn]struct{}),
		shutdownDone: make(chan struct{}),
	}, nil
}

// Registry returns the participant registry for inspection.
func (r *Relay) Registry() *Registry {
	return r.registry
}

// Addr returns the bound listener address, or nil before Serve.
func (r *Relay) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Broadcast sends message to every participant except exclude. It never
// fails from the caller's point of view: recipients whose send fails are
// evicted and announced as departed.
func (r *Relay) Broadcast(message string, exclude Conn) {
	targets := lo.Filter(r.registry.Snapshot(), func(p Participant, _ int) bool {
		return p.Conn != exclude
	})
	if len(targets) == 0 {
		return
	}

	r.log.Debug("broadcasting message", "targets", len(targets))

	failed := r.broadcastToParticipants(targets, message)
	r.evict(failed)
}

// broadcastToParticipants sends outside the registry lock and returns the
// recipients whose send failed.
func (r *Relay) broadcastToParticipants(targets []Participant, message string) []Participant {
	var failed []Participant

	for _, p := range targets {
		if err := p.Conn.WriteLine(message); err != nil {
			if !isExpectedCloseError(err) {
				r.log.Warn("send failed", "session", p.Conn.ID(), "name", p.Name, "error", err)
			}
			failed = append(failed, p)
		}
	}

	return failed
}

// evict removes and closes failed recipients. Only recipients this call
// actually removed are announced, so a concurrent session exit never
// produces a second departure line.
func (r *Relay) evict(failed []Participant) {
	for _, p := range failed {
		name, removed := r.registry.Remove(p.Conn)
		r.closeConn(p.Conn)
		if !removed {
			continue
		}

		r.log.Warn("participant evicted after failed send", "session", p.Conn.ID(), "name", name)
		r.Broadcast(departureAnnouncement(name), nil)
	}
}

// startSession tracks conn and runs its session on a new goroutine. It
// reports false when the relay is already shutting down.
func (r *Relay) startSession(conn Conn) bool {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		_ = conn.WriteLine(ShutdownNotice)
		r.closeConn(conn)
		return false
	}
	r.pending[conn] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		newSession(r, conn).serve()
	}()
	return true
}

// handshakeDone stops tracking conn as pending. From here on the Registry
// owns it for shutdown purposes.
func (r *Relay) handshakeDone(conn Conn) {
	r.mu.Lock()
	delete(r.pending, conn)
	r.mu.Unlock()
}

// closeConn safely closes a connection with proper error handling
func (r *Relay) closeConn(conn Conn) {
	if err := conn.Close(); err != nil && !isExpectedCloseError(err) {
		r.log.Warn("error closing connection", "session", conn.ID(), "error", err)
	}
}

// Shutdown notifies and disconnects every participant, closes the listener
// and waits up to timeout for all sessions to finish. Partial failures never
// stop the remaining participants from being closed. Calling Shutdown more
// than once is harmless.
func (r *Relay) Shutdown(timeout time.Duration) error {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return nil
	}
	r.closing = true
	ln := r.listener
	pending := lo.Keys(r.pending)
	r.mu.Unlock()

	defer close(r.shutdownDone)
	r.log.Info("shutting down relay")

	participants := r.registry.Close(func(p Participant) {
		if err := p.Conn.WriteLine(ShutdownNotice); err != nil && !isExpectedCloseError(err) {
			r.log.Warn("failed to deliver shutdown notice", "name", p.Name, "error", err)
		}
		r.closeConn(p.Conn)
	})
	for _, conn := range pending {
		r.closeConn(conn)
	}
	r.log.Info("closed participant connections", "participants", len(participants), "pending", len(pending))

	if ln != nil {
		if err := ln.Close(); err != nil && !isExpectedCloseError(err) {
			r.log.Warn("error closing listener", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.log.Info("relay shutdown completed")
		return nil
	case <-time.After(timeout):
		r.log.Warn("relay shutdown timeout reached, some sessions may still be running")
		return context.DeadlineExceeded
	}
}
