package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// Request is a JSON-RPC 2.0 request message. Params is always present
// on the wire; callers with nothing to send use an empty object.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and params.
func NewRequest(id uint64, method string, params any) *Request {
	if params == nil {
		params = struct{}{}
	}
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Notification is a JSON-RPC 2.0 notification (no ID, no response expected).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification creates a JSON-RPC 2.0 notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
}

// Response is a JSON-RPC 2.0 message read from the server. The raw
// fields keep "absent" distinguishable from "null": a missing field
// decodes to a nil RawMessage, while an explicit null decodes to the
// literal bytes "null".
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object returned by the server. Raw
// holds the error field exactly as received, so servers that send a
// non-standard error shape still produce a useful message.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("MCP server error: %s", e.Raw)
	}
	return fmt.Sprintf("MCP server error %d: %s", e.Code, e.Message)
}

func newRPCError(raw json.RawMessage) *RPCError {
	e := &RPCError{Raw: raw}
	// A non-object error field still yields an RPCError carrying Raw.
	_ = json.Unmarshal(raw, e)
	return e
}

// lineVerdict says what to do with one line read from the server.
type lineVerdict int

const (
	verdictAccept lineVerdict = iota
	verdictSkip
)

// classify decodes one output line and decides whether it answers the
// request with the given id. Lines carrying a method are server-initiated
// messages and are skipped. A line with no id is accepted as the answer,
// since servers are not required to echo it. A numeric id lower than
// want belongs to an earlier exchange that was abandoned (for example
// on context timeout) and is skipped; any other id is an error.
func classify(line []byte, want uint64) (*Response, lineVerdict, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, verdictAccept, ErrEmptyResponse
	}

	var resp Response
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, verdictAccept, fmt.Errorf("parse response: %w", err)
	}

	if resp.Method != "" {
		return &resp, verdictSkip, nil
	}

	if len(resp.ID) == 0 || bytes.Equal(resp.ID, []byte("null")) {
		return &resp, verdictAccept, nil
	}

	got, err := strconv.ParseUint(string(resp.ID), 10, 64)
	if err != nil {
		return nil, verdictAccept, fmt.Errorf("%w: got %s, want %d", ErrIDMismatch, resp.ID, want)
	}
	switch {
	case got == want:
		return &resp, verdictAccept, nil
	case got < want:
		return &resp, verdictSkip, nil
	default:
		return nil, verdictAccept, fmt.Errorf("%w: got %d, want %d", ErrIDMismatch, got, want)
	}
}

// resultOf extracts the result of an accepted response. An error field
// takes precedence over a result field.
func resultOf(resp *Response) (json.RawMessage, error) {
	if len(resp.Error) > 0 && !bytes.Equal(resp.Error, []byte("null")) {
		return nil, newRPCError(resp.Error)
	}
	if resp.Result == nil {
		return nil, ErrNoResult
	}
	return resp.Result, nil
}
