package registry

import (
	"errors"
	"fmt"
)

// NotFoundError is returned for a server ID that was never connected.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("MCP server %q not found", e.ID)
}

// InvalidStateError is returned when an operation needs a connected
// server but the server is in another state.
type InvalidStateError struct {
	ID     string
	Status Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("MCP server %q is not connected (status: %s)", e.ID, e.Status)
}

// ConnectError records the stage at which a connect attempt failed. Its
// message is what the server's record carries in Error.
type ConnectError struct {
	ID    string
	Stage string // "spawn", "initialize", "list tools" or "commit"
	Err   error
}

func (e *ConnectError) Error() string {
	return e.Stage + ": " + e.Err.Error()
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Reasons a connect attempt is abandoned without touching the record.
var (
	// ErrSuperseded means a later Connect, Disconnect or Forget for the
	// same server took over while the attempt was in flight.
	ErrSuperseded = errors.New("connect superseded")

	// ErrClosed means the registry was closed.
	ErrClosed = errors.New("registry closed")
)
