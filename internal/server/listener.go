// Package server binds the TCP listener and runs the accept loop that hands
// each admitted connection to its own session goroutine.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// ListenAndServe binds Host:Port and serves until ctx is cancelled or
// Shutdown is called. Bind failures wrap ErrBind and are not retried.
func (r *Relay) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(r.cfg.Host, strconv.Itoa(r.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w %s: %w", ErrBind, addr, err)
	}
	return r.Serve(ctx, ln)
}

// Serve accepts connections on ln. Banned peers are closed without a
// handshake; everyone else gets a session goroutine. Accept errors are
// logged and retried with backoff. Serve returns ErrServerClosed once the
// relay has shut down; cancelling ctx triggers that shutdown.
func (r *Relay) Serve(ctx context.Context, ln net.Listener) error {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	r.listener = ln
	r.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		_ = r.Shutdown(r.cfg.ShutdownTimeout)
	})
	defer stop()

	r.log.Info("relay listening", "addr", ln.Addr().String(), "banned", r.banned.Len())

	var delay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if r.isClosing() || errors.Is(err, net.ErrClosed) {
				<-r.shutdownWait()
				return ErrServerClosed
			}

			delay = nextAcceptBackoff(delay)
			r.log.Warn("accept failed; retrying", "error", err, "retry_in", delay)
			time.Sleep(delay)
			continue
		}
		delay = 0

		if r.banned.Contains(nc.RemoteAddr()) {
			r.log.Warn("blocked banned peer", "remote", nc.RemoteAddr().String())
			if err := nc.Close(); err != nil && !isExpectedCloseError(err) {
				r.log.Warn("error closing banned connection", "error", err)
			}
			continue
		}

		r.startSession(NewLineConn(nc, r.cfg.MaxNameSize))
	}
}

func nextAcceptBackoff(delay time.Duration) time.Duration {
	if delay == 0 {
		return minAcceptBackoff
	}
	return min(delay*2, maxAcceptBackoff)
}

func (r *Relay) isClosing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closing
}

// shutdownWait returns a channel closed once Shutdown has finished, or an
// already closed one if the listener was closed by someone else.
func (r *Relay) shutdownWait() <-chan struct{} {
	if r.isClosing() {
		return r.shutdownDone
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}
