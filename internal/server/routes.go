// Package server wires HTTP handlers into a ServeMux for the relay via
// routing helpers.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application routes.
// It sets up handlers for health check and the WebSocket transport.
func SetupRoutes(relay *Relay) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", relay.HealthHandler)
	mux.HandleFunc("/ws", relay.WebSocketHandler)
	return mux
}
