// Package registry tracks named MCP server connections: their declared
// configuration, lifecycle status, discovered tools and live process
// handles. It is the only owner of connection state; callers address
// servers by ID and never hold a process handle themselves.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/toolhost/internal/credentials"
	"github.com/nugget/toolhost/internal/events"
	"github.com/nugget/toolhost/internal/mcp"
)

// Status is the lifecycle state of one server.
type Status string

// Statuses.
const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Record is the registry's view of one server. Tools is empty unless
// Status is connected; Error is set only when Status is error.
type Record struct {
	Config mcp.ServerConfig `json:"config"`
	Status Status           `json:"status"`
	Tools  []mcp.Tool       `json:"tools"`
	Error  string           `json:"error,omitempty"`
}

// clone returns a copy that shares no slices or maps with r.
func (r Record) clone() Record {
	r.Config.Args = slices.Clone(r.Config.Args)
	r.Config.Env = maps.Clone(r.Config.Env)
	if r.Tools == nil {
		r.Tools = []mcp.Tool{}
	} else {
		r.Tools = slices.Clone(r.Tools)
	}
	return r
}

// ServerTools groups the tools of one connected server.
type ServerTools struct {
	ServerID string     `json:"server_id"`
	Name     string     `json:"name"`
	Tools    []mcp.Tool `json:"tools"`
}

// Session is the live connection operations the registry needs.
// *mcp.Conn satisfies it.
type Session interface {
	Initialize(ctx context.Context) error
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
	IsAlive() bool
	Kill() error
}

// Spawner starts a server process with the given environment overrides.
type Spawner func(cfg mcp.ServerConfig, env map[string]string, logger *slog.Logger) (Session, error)

// SpawnProcess is the default Spawner.
func SpawnProcess(cfg mcp.ServerConfig, env map[string]string, logger *slog.Logger) (Session, error) {
	c, err := mcp.Spawn(cfg, env, mcp.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ConfigStore persists server configs across restarts.
type ConfigStore interface {
	SaveServer(cfg mcp.ServerConfig) error
	DeleteServer(id string) error
	Servers() ([]mcp.ServerConfig, error)
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithSpawner replaces how server processes are started.
func WithSpawner(s Spawner) Option {
	return func(r *Registry) { r.spawn = s }
}

// WithCredentials sets the source of environment overrides passed to
// every spawned server. It is consulted on each connect.
func WithCredentials(fn func() map[string]string) Option {
	return func(r *Registry) { r.credentials = fn }
}

// WithEvents publishes record changes and tool calls to bus.
func WithEvents(bus *events.Bus) Option {
	return func(r *Registry) { r.events = bus }
}

// WithTimeouts bounds connect (spawn, handshake and discovery) and
// individual tool calls. Zero means no bound.
func WithTimeouts(connect, call time.Duration) Option {
	return func(r *Registry) {
		r.connectTimeout = connect
		r.callTimeout = call
	}
}

// WithStore saves configs of successfully connected servers to store so
// Restore can reconnect them.
func WithStore(store ConfigStore) Option {
	return func(r *Registry) { r.store = store }
}

// WithParallelism limits how many servers ConnectAll starts at once.
func WithParallelism(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.parallel = n
		}
	}
}

// Registry owns all connection records and live handles.
//
// recMu guards records and procMu guards handles, attempt generations
// and closed. Both are held only long enough to read or replace an
// entry, never across process I/O, and procMu is never acquired while
// recMu is held.
//
// Every Connect takes a fresh generation for its id; Disconnect and
// Forget take one too. A connect attempt may write its record or handle
// only while its generation is still the id's latest, so the record and
// handle of an id always come from the same attempt.
type Registry struct {
	logger      *slog.Logger
	spawn       Spawner
	credentials func() map[string]string
	events      *events.Bus
	store       ConfigStore

	connectTimeout time.Duration
	callTimeout    time.Duration
	parallel       int

	recMu   sync.RWMutex
	records map[string]Record

	procMu  sync.Mutex
	handles map[string]Session
	gens    map[string]uint64
	seq     uint64
	closed  bool
}

// New returns an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		logger:      slog.Default(),
		spawn:       SpawnProcess,
		credentials: credentials.Discover,
		parallel:    4,
		records:     make(map[string]Record),
		handles:     make(map[string]Session),
		gens:        make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect starts the server described by cfg under id, performs the
// handshake and discovers its tools. Every step is published to the
// record before the next begins. On failure the process, if started, is
// killed, the record is left in the error state with a message naming
// the failed stage, and a *ConnectError carrying that message is
// returned.
//
// Connecting an id that already has a live process replaces it; the old
// process is killed first. When a later Connect, Disconnect or Forget
// for the same id overtakes this one, its process is killed and the
// record is left to the newer operation. The returned error is then the
// attempt's own failure, or wraps ErrSuperseded if it had succeeded.
func (r *Registry) Connect(ctx context.Context, id string, cfg mcp.ServerConfig) (Record, error) {
	cfg.ID = id
	logger := r.logger.With("mcp_server", id)

	gen, old := r.begin(id)
	if old != nil {
		logger.Info("replacing existing MCP server connection")
		r.kill(logger, old)
	}

	if err := r.commit(gen, Record{Config: cfg, Status: StatusConnecting}, nil); err != nil {
		return r.abandon(logger, cfg, err)
	}

	if r.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.connectTimeout)
		defer cancel()
	}

	var env map[string]string
	if r.credentials != nil {
		env = r.credentials()
	}

	sess, err := r.spawn(cfg, env, r.logger)
	if err != nil {
		return r.fail(logger, gen, cfg, "spawn", err)
	}

	if err := sess.Initialize(ctx); err != nil {
		r.kill(logger, sess)
		return r.fail(logger, gen, cfg, "initialize", err)
	}

	tools, err := sess.ListTools(ctx)
	if err != nil {
		r.kill(logger, sess)
		return r.fail(logger, gen, cfg, "list tools", err)
	}

	rec := Record{Config: cfg, Status: StatusConnected, Tools: tools}
	if err := r.commit(gen, rec, sess); err != nil {
		r.kill(logger, sess)
		return r.abandon(logger, cfg, err)
	}

	logger.Info("MCP server connected", "tools", len(tools))

	if r.store != nil {
		if err := r.store.SaveServer(cfg); err != nil {
			logger.Warn("failed to save MCP server config", "error", err)
		}
	}

	return rec.clone(), nil
}

// fail records a connect failure and returns it. A superseded attempt
// still reports its own failure but leaves the record alone.
func (r *Registry) fail(logger *slog.Logger, gen uint64, cfg mcp.ServerConfig, stage string, err error) (Record, error) {
	cerr := &ConnectError{ID: cfg.ID, Stage: stage, Err: err}
	rec := Record{Config: cfg, Status: StatusError, Error: cerr.Error()}
	if err := r.commit(gen, rec, nil); err != nil {
		logger.Debug("connect failure not recorded", "reason", err)
	}

	logger.Error("MCP server connect failed", "stage", stage, "error", err)
	return rec.clone(), cerr
}

// abandon reports a connect attempt that lost its id to a newer
// operation. The returned record is whatever the registry holds now.
func (r *Registry) abandon(logger *slog.Logger, cfg mcp.ServerConfig, reason error) (Record, error) {
	logger.Info("MCP server connect abandoned", "reason", reason)

	rec, ok := r.Get(cfg.ID)
	if !ok {
		rec = Record{Config: cfg, Status: StatusDisconnected}.clone()
	}
	return rec, &ConnectError{ID: cfg.ID, Stage: "commit", Err: reason}
}

// Disconnect kills the server's process, if any, and marks it
// disconnected with no tools. It never fails; kill errors are logged.
// An unknown id is a no-op. A Connect still in flight for id is
// abandoned.
func (r *Registry) Disconnect(id string) {
	r.disconnect(id, false)
}

// Forget disconnects the server, drops its record and removes it from
// the config store.
func (r *Registry) Forget(id string) error {
	r.disconnect(id, true)

	if r.store != nil {
		return r.store.DeleteServer(id)
	}
	return nil
}

func (r *Registry) disconnect(id string, forget bool) {
	logger := r.logger.With("mcp_server", id)

	r.procMu.Lock()
	if _, ok := r.gens[id]; ok {
		r.seq++
		r.gens[id] = r.seq
	}
	if forget {
		delete(r.gens, id)
	}
	sess := r.handles[id]
	delete(r.handles, id)

	r.recMu.Lock()
	rec, ok := r.records[id]
	if ok {
		rec.Status = StatusDisconnected
		rec.Tools = nil
		rec.Error = ""
		if forget {
			delete(r.records, id)
		} else {
			r.records[id] = rec
		}
	}
	r.recMu.Unlock()
	r.procMu.Unlock()

	if sess != nil {
		r.kill(logger, sess)
	}
	if ok {
		r.publish(rec)
		logger.Info("MCP server disconnected", "forget", forget)
	}
}

// CallTool invokes a tool on a connected server. An unknown id yields a
// *NotFoundError and a server that is not connected an
// *InvalidStateError; in both cases the process is not touched. Errors
// from the call itself are returned as is and never change the record.
func (r *Registry) CallTool(ctx context.Context, id, tool string, args json.RawMessage) (json.RawMessage, error) {
	r.recMu.RLock()
	rec, ok := r.records[id]
	r.recMu.RUnlock()

	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	if rec.Status != StatusConnected {
		return nil, &InvalidStateError{ID: id, Status: rec.Status}
	}

	sess := r.handle(id)
	if sess == nil {
		// Disconnect is in progress.
		return nil, &InvalidStateError{ID: id, Status: StatusDisconnected}
	}

	if r.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
	}

	r.events.Emit(events.SourceRegistry, events.KindToolCall, id, map[string]any{"tool": tool})
	start := time.Now()

	result, err := sess.CallTool(ctx, tool, args)

	elapsed := time.Since(start)
	r.events.Emit(events.SourceRegistry, events.KindToolDone, id, map[string]any{
		"tool":        tool,
		"ok":          err == nil,
		"duration_ms": elapsed.Milliseconds(),
	})
	if err != nil {
		r.logger.Warn("MCP tool call failed", "mcp_server", id, "tool", tool, "elapsed", elapsed, "error", err)
		return nil, err
	}

	r.logger.Debug("MCP tool call complete", "mcp_server", id, "tool", tool, "elapsed", elapsed)
	return result, nil
}

// HealthCheck reports whether id has a live process. It is false for
// unknown or disconnected servers.
func (r *Registry) HealthCheck(id string) bool {
	sess := r.handle(id)
	if sess == nil {
		return false
	}
	return sess.IsAlive()
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (Record, bool) {
	r.recMu.RLock()
	defer r.recMu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// List returns a copy of every record, sorted by server ID.
func (r *Registry) List() []Record {
	r.recMu.RLock()
	defer r.recMu.RUnlock()

	out := make([]Record, 0, len(r.records))
	for _, id := range slices.Sorted(maps.Keys(r.records)) {
		out = append(out, r.records[id].clone())
	}
	return out
}

// Tools returns the tools of every connected server, sorted by server
// ID.
func (r *Registry) Tools() []ServerTools {
	var out []ServerTools
	for _, rec := range r.List() {
		if rec.Status != StatusConnected {
			continue
		}
		out = append(out, ServerTools{
			ServerID: rec.Config.ID,
			Name:     rec.Config.Name,
			Tools:    rec.Tools,
		})
	}
	return out
}

// ConnectAll connects every server in cfgs concurrently. All servers are
// attempted; the returned error joins every failure.
func (r *Registry) ConnectAll(ctx context.Context, cfgs []mcp.ServerConfig) error {
	var (
		mu   sync.Mutex
		errs []error
	)

	var g errgroup.Group
	g.SetLimit(r.parallel)
	for _, cfg := range cfgs {
		g.Go(func() error {
			if _, err := r.Connect(ctx, cfg.ID, cfg); err != nil {
				mu.Lock()
				errs = append(errs, &ConnectAllError{ID: cfg.ID, Err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// ConnectAllError identifies which server a ConnectAll failure belongs
// to.
type ConnectAllError struct {
	ID  string
	Err error
}

func (e *ConnectAllError) Error() string {
	return e.ID + ": " + e.Err.Error()
}

func (e *ConnectAllError) Unwrap() error {
	return e.Err
}

// Restore reconnects every server saved in the config store that the
// registry does not already know about.
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	saved, err := r.store.Servers()
	if err != nil {
		return err
	}

	var cfgs []mcp.ServerConfig
	r.recMu.RLock()
	for _, cfg := range saved {
		if _, known := r.records[cfg.ID]; !known {
			cfgs = append(cfgs, cfg)
		}
	}
	r.recMu.RUnlock()
	if len(cfgs) == 0 {
		return nil
	}

	r.logger.Info("restoring saved MCP servers", "count", len(cfgs))
	return r.ConnectAll(ctx, cfgs)
}

// Close disconnects every server with a live process. Connects still in
// flight are abandoned and later ones fail with ErrClosed.
func (r *Registry) Close() {
	r.procMu.Lock()
	r.closed = true
	ids := slices.Collect(maps.Keys(r.handles))
	r.procMu.Unlock()

	for _, id := range ids {
		r.Disconnect(id)
	}
}

func (r *Registry) handle(id string) Session {
	r.procMu.Lock()
	defer r.procMu.Unlock()
	return r.handles[id]
}

// begin opens a connect attempt for id. It returns the attempt's
// generation and removes any live handle, which the caller must kill.
func (r *Registry) begin(id string) (uint64, Session) {
	r.procMu.Lock()
	defer r.procMu.Unlock()

	r.seq++
	r.gens[id] = r.seq
	sess := r.handles[id]
	delete(r.handles, id)
	return r.seq, sess
}

// commit stores rec, and sess when non-nil, provided gen is still the
// latest attempt for the record's id.
func (r *Registry) commit(gen uint64, rec Record, sess Session) error {
	id := rec.Config.ID

	r.procMu.Lock()
	if r.closed {
		r.procMu.Unlock()
		return ErrClosed
	}
	if r.gens[id] != gen {
		r.procMu.Unlock()
		return ErrSuperseded
	}
	if sess != nil {
		r.handles[id] = sess
	}
	r.recMu.Lock()
	r.records[id] = rec
	r.recMu.Unlock()
	r.procMu.Unlock()

	r.publish(rec)
	return nil
}

func (r *Registry) kill(logger *slog.Logger, sess Session) {
	if err := sess.Kill(); err != nil {
		logger.Warn("failed to kill MCP server", "error", err)
	}
}

func (r *Registry) publish(rec Record) {
	data := map[string]any{
		"status": string(rec.Status),
		"tools":  len(rec.Tools),
	}
	if rec.Error != "" {
		data["error"] = rec.Error
	}
	r.events.Emit(events.SourceRegistry, events.KindStatus, rec.Config.ID, data)
}
