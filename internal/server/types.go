// Package server defines the line formats, control strings and small helpers
// shared by sessions, the registry and the transports.
package server

import (
	"fmt"
	"strings"
	"time"
)

// Control strings understood by clients by convention.
const (
	NameTakenNotice   = "用户名已存在"
	EmptyNameNotice   = "用户名不能为空"
	NameTooLongNotice = "用户名过长"
	ShutdownNotice    = "SERVER_SHUTDOWN"

	// RateLimitNotice goes only to the sender of a throttled line.
	RateLimitNotice = "[Server] Rate limit exceeded, message dropped."
)

const timestampLayout = "15:04:05"

// Command is a slash command recognised by the receive loop.
type Command string

const (
	CommandQuit Command = "/q"
	// CommandMute is reserved; the relay accepts it and does nothing.
	CommandMute Command = "/mute"
)

var knownCommands = map[Command]struct{}{
	CommandQuit: {},
	CommandMute: {},
}

// parseCommand reports the recognised command a payload starts with.
// Unknown slash syntax is not a command and is relayed as chat.
func parseCommand(payload string) (Command, bool) {
	if !strings.HasPrefix(payload, "/") {
		return "", false
	}
	word, _, _ := strings.Cut(payload, " ")
	cmd := Command(word)
	if _, ok := knownCommands[cmd]; !ok {
		return "", false
	}
	return cmd, true
}

func joinAnnouncement(name string) string {
	return fmt.Sprintf("[Server] %s Joined.", name)
}

func departureAnnouncement(name string) string {
	return fmt.Sprintf("[Server] %s Exited.", name)
}

// chatLine stamps payload with the local receive time.
func chatLine(at time.Time, name, payload string) string {
	return fmt.Sprintf("[%s] %s: %s", at.Format(timestampLayout), name, payload)
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, ErrConnClosed.Error())
}
