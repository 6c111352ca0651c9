package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/nugget/toolhost/internal/buildinfo"
	"github.com/nugget/toolhost/internal/config"
)

// ProtocolVersion is the MCP protocol version we advertise during initialization.
const ProtocolVersion = "2024-11-05"

// ServerConfig describes how to launch one MCP server. It is supplied by
// the caller at connect time and treated as immutable.
type ServerConfig struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Command     string            `json:"command" yaml:"command"`
	Args        []string          `json:"args" yaml:"args"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Tool is an MCP tool as returned by tools/list. InputSchema is passed
// through untouched; arguments are never validated against it here.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

// initializeResult is the subset of the initialize result we log.
type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      clientInfo `json:"serverInfo"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Option configures a Conn at spawn time.
type Option func(*Conn)

// WithLogger sets the structured logger. The server ID is attached to
// every record.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conn) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClientInfo overrides the client name and version sent during the
// handshake.
func WithClientInfo(name, version string) Option {
	return func(c *Conn) {
		c.client = clientInfo{Name: name, Version: version}
	}
}

// Conn is a live connection to one MCP server subprocess. All exchanges
// on a Conn are serialized: the protocol has exactly one request in
// flight at a time, and responses are read in order from stdout.
//
// A Conn that becomes unreachable without Kill being called still has
// its subprocess killed by a runtime cleanup.
type Conn struct {
	config ServerConfig
	client clientInfo
	logger *slog.Logger
	proc   *process

	// io serializes request/response exchanges. It is a weighted
	// semaphore rather than a mutex so waiters honor their context.
	io     *semaphore.Weighted
	nextID atomic.Uint64
}

// Spawn starts the server described by cfg. The subprocess environment
// is the current process environment plus overrides plus cfg.Env, with
// later sources winning and empty values skipped.
func Spawn(cfg ServerConfig, overrides map[string]string, opts ...Option) (*Conn, error) {
	c := &Conn{
		config: cfg,
		client: clientInfo{Name: "toolhost", Version: buildinfo.Version},
		logger: slog.Default(),
		io:     semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("mcp_server", cfg.ID)

	env, keys := buildEnv(os.Environ(), overrides, cfg.Env)

	c.logger.Info("starting MCP server",
		"command", cfg.Command,
		"args", cfg.Args,
		"env_keys", keys,
	)

	p, err := startProcess(cfg, env, c.logger)
	if err != nil {
		return nil, &SpawnError{Command: cfg.Command, Err: err}
	}
	c.proc = p

	runtime.AddCleanup(c, func(p *process) { p.release() }, p)

	c.logger.Info("MCP server started", "pid", p.pid)
	return c, nil
}

// Config returns the configuration the server was spawned with.
func (c *Conn) Config() ServerConfig {
	return c.config
}

// PID returns the operating system process ID of the server.
func (c *Conn) PID() int {
	return c.proc.pid
}

// Initialize performs the MCP handshake: an initialize request declaring
// the protocol version, an empty capability set and client info, then
// the notifications/initialized notification. On failure the process is
// left running; terminating it is the caller's decision.
func (c *Conn) Initialize(ctx context.Context) error {
	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      c.client,
	}

	raw, err := c.send(ctx, "initialize", params)
	if err != nil {
		return err
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return &ProtocolError{Method: "initialize", Err: fmt.Errorf("unmarshal result: %w", err)}
	}

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	return c.notify(ctx, "notifications/initialized")
}

// ListTools calls tools/list and returns the server's tool definitions.
// A server reporting no tools yields an empty, non-nil slice.
func (c *Conn) ListTools(ctx context.Context) ([]Tool, error) {
	raw, err := c.send(ctx, "tools/list", struct{}{})
	if err != nil {
		return nil, err
	}

	var result struct {
		Tools json.RawMessage `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &ProtocolError{Method: "tools/list", Err: fmt.Errorf("unmarshal result: %w", err)}
	}
	if result.Tools == nil || bytes.Equal(result.Tools, []byte("null")) {
		return nil, &ProtocolError{Method: "tools/list", Err: fmt.Errorf("no 'tools' field in response")}
	}

	tools := []Tool{}
	if err := json.Unmarshal(result.Tools, &tools); err != nil {
		return nil, &ProtocolError{Method: "tools/list", Err: fmt.Errorf("parse tools: %w", err)}
	}

	c.logger.Info("discovered MCP tools", "count", len(tools))
	for _, t := range tools {
		c.logger.Debug("MCP tool", "tool", t.Name, "description", t.Description)
	}
	return tools, nil
}

// CallTool invokes a tool by name. args is sent as the arguments value
// (an empty object when nil) and the result value is returned exactly as
// the server sent it. A failed call says nothing about the health of the
// connection.
func (c *Conn) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}

	c.logger.Debug("calling MCP tool", "tool", name)

	return c.send(ctx, "tools/call", callToolParams{Name: name, Arguments: args})
}

// IsAlive reports whether the subprocess is still running. It never
// blocks waiting for exit.
func (c *Conn) IsAlive() bool {
	return c.proc.alive()
}

// Kill closes the server's stdin and sends it SIGKILL without waiting
// for the exit to be confirmed. It does not wait for an in-flight
// exchange; that exchange fails with ErrClosed instead. Killing an
// exited process is not an error.
func (c *Conn) Kill() error {
	c.logger.Info("killing MCP server", "pid", c.proc.pid)
	return c.proc.kill()
}

// send runs one request/response exchange while holding the I/O lock.
// Request IDs come from a per-connection counter starting at 1.
func (c *Conn) send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := c.io.Acquire(ctx, 1); err != nil {
		return nil, &ProtocolError{Method: method, Err: err}
	}
	defer c.io.Release(1)

	id := c.nextID.Add(1)
	data, err := json.Marshal(NewRequest(id, method, params))
	if err != nil {
		return nil, &ProtocolError{Method: method, Err: fmt.Errorf("marshal request: %w", err)}
	}

	c.logger.Log(ctx, config.LevelTrace, "MCP request", "id", id, "payload", string(data))

	if err := c.proc.write(ctx, data); err != nil {
		return nil, &ProtocolError{Method: method, Err: err}
	}

	for {
		line, err := c.proc.readLine(ctx)
		if err != nil {
			return nil, &ProtocolError{Method: method, Err: err}
		}

		c.logger.Log(ctx, config.LevelTrace, "MCP response", "id", id, "payload", string(line))

		resp, verdict, err := classify(line, id)
		if err != nil {
			return nil, &ProtocolError{Method: method, Err: err}
		}
		if verdict == verdictSkip {
			c.logger.Debug("skipping unrelated MCP message",
				"want_id", id,
				"id", string(resp.ID),
				"method", resp.Method,
			)
			continue
		}

		result, err := resultOf(resp)
		if err != nil {
			return nil, &ProtocolError{Method: method, Err: err}
		}
		return result, nil
	}
}

// notify writes a notification. No response is read and no request ID
// is consumed.
func (c *Conn) notify(ctx context.Context, method string) error {
	if err := c.io.Acquire(ctx, 1); err != nil {
		return &ProtocolError{Method: method, Err: err}
	}
	defer c.io.Release(1)

	data, err := json.Marshal(NewNotification(method, nil))
	if err != nil {
		return &ProtocolError{Method: method, Err: fmt.Errorf("marshal notification: %w", err)}
	}
	if err := c.proc.write(ctx, data); err != nil {
		return &ProtocolError{Method: method, Err: err}
	}
	return nil
}
