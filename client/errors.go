package client

import "errors"

var (
	// ErrClientClosed is returned for every command pending or submitted after Quit.
	ErrClientClosed = errors.New("client closed")

	// ErrConnectionLost wraps the transport error that failed a connection.
	// Every request pending on that connection receives it.
	ErrConnectionLost = errors.New("connection lost")

	// ErrConnectTimeout means the dial or handshake did not finish within
	// Options.ConnectTimeout.
	ErrConnectTimeout = errors.New("connect timed out")

	// ErrAuth means the store rejected the credentials during the handshake.
	ErrAuth = errors.New("authentication failed")

	ErrEmptyCommand = errors.New("command has no arguments")

	// errNotSubmitted means the session died before it accepted the request,
	// nothing was written so the request is safe to retry on a new session.
	errNotSubmitted = errors.New("request was not submitted")
)
