package server

import "errors"

var (
	// ErrBind is returned when the relay cannot bind its listening socket.
	ErrBind = errors.New("bind listener")
	// ErrServerClosed is returned by Serve once Shutdown has closed the listener.
	ErrServerClosed = errors.New("relay closed")

	ErrEmptyName   = errors.New("empty name")
	ErrNameTaken   = errors.New("name already taken")
	ErrNameTooLong = errors.New("name too long")
	ErrRelayClosed = errors.New("relay is shutting down")

	// ErrLineTooLong reports a line that exceeded the configured size limit.
	ErrLineTooLong = errors.New("line exceeds size limit")
	// ErrConnClosed is returned by Conn operations after Close.
	ErrConnClosed = errors.New("connection closed")
)
