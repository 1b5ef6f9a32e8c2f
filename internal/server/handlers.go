// Package server exposes HTTP handlers: the WebSocket transport upgrade and
// the health check.
package server

import (
	"fmt"
	"net/http"
)

// WebSocketHandler upgrades GET requests to WebSocket and hands the
// connection to the relay as a participant. Each text frame is one line.
// Banned peers are refused before the upgrade.
func (r *Relay) WebSocketHandler(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	if r.banned.ContainsHostPort(req.RemoteAddr) {
		r.log.Warn("blocked banned peer", "remote", req.RemoteAddr, "transport", "websocket")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn("WebSocket upgrade failed", "remote", req.RemoteAddr, "error", err)
		return
	}

	// The session goroutine owns the connection from here.
	r.startSession(newWSConn(conn, r.cfg.MaxNameSize))
}

// HealthHandler reports that the relay is running and how many participants
// are joined.
func (r *Relay) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "linechat relay is running! participants: %d", r.registry.Len())
}
