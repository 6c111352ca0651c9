package mcp

import (
	"errors"
	"fmt"
)

// Sentinel errors wrapped by [ProtocolError].
var (
	// ErrEmptyResponse is returned when the server answers with a blank line.
	ErrEmptyResponse = errors.New("empty response from MCP server")

	// ErrNoResult is returned when a response has neither an error nor a
	// result field.
	ErrNoResult = errors.New("no result field in response")

	// ErrIDMismatch is returned when a response carries an id that does
	// not belong to the outstanding request.
	ErrIDMismatch = errors.New("response id mismatch")

	// ErrLineTooLong is returned when the server writes a line past the
	// size limit. The connection is killed.
	ErrLineTooLong = errors.New("MCP server output line too long")

	// ErrClosed is returned when the subprocess output stream has ended
	// or the connection was killed while a request was outstanding.
	ErrClosed = errors.New("MCP server connection closed")
)

// SpawnError indicates the server executable could not be started.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn MCP server %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ProtocolError indicates a failed request/response exchange: a write
// error, a closed pipe, a malformed or empty response line, or an error
// object returned by the server.
type ProtocolError struct {
	Method string
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %v", e.Method, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// KillError indicates the termination signal could not be delivered.
type KillError struct {
	PID int
	Err error
}

func (e *KillError) Error() string {
	return fmt.Sprintf("failed to kill MCP server process %d: %v", e.PID, e.Err)
}

func (e *KillError) Unwrap() error {
	return e.Err
}
