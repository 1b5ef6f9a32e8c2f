// Package server implements the line relay: a registry of named participants,
// the join handshake and receive loop run for every connection, fan-out with
// per-recipient failure isolation, and the TCP and WebSocket listeners.
//
// Lines are newline-terminated on TCP and one per text frame on WebSocket.
// The first line from a peer is its display name; every later line is relayed
// to all other participants as "[HH:MM:SS] name: line".
package server
