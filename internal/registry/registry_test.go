package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/toolhost/internal/events"
	"github.com/nugget/toolhost/internal/mcp"
)

// fakeSession records every operation the registry performs on it.
type fakeSession struct {
	mu sync.Mutex

	initErr error
	listErr error
	callErr error
	killErr error
	tools   []mcp.Tool
	block   bool // Initialize waits for ctx

	// When set, ListTools closes listEntered and waits for listGate.
	listGate    chan struct{}
	listEntered chan struct{}

	calls  []string
	killed int
	dead   bool
}

func (f *fakeSession) Initialize(ctx context.Context) error {
	f.record("initialize")
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.initErr
}

func (f *fakeSession) ListTools(context.Context) ([]mcp.Tool, error) {
	f.record("tools/list")
	if f.listGate != nil {
		close(f.listEntered)
		<-f.listGate
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tools, nil
}

func (f *fakeSession) CallTool(_ context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	f.record("tools/call:" + name)
	if f.callErr != nil {
		return nil, f.callErr
	}
	return json.RawMessage(fmt.Sprintf(`{"tool":%q,"args":%s}`, name, args)), nil
}

func (f *fakeSession) IsAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.dead
}

func (f *fakeSession) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed++
	f.dead = true
	return f.killErr
}

func (f *fakeSession) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
}

func (f *fakeSession) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeSession) killCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

// fakeSpawner hands out sessions in order and remembers what it was
// asked to spawn.
type fakeSpawner struct {
	mu       sync.Mutex
	sessions map[string][]*fakeSession
	errs     map[string]error
	envs     []map[string]string
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{
		sessions: make(map[string][]*fakeSession),
		errs:     make(map[string]error),
	}
}

// add queues a session for the next spawn of id.
func (s *fakeSpawner) add(id string, f *fakeSession) *fakeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = append(s.sessions[id], f)
	return f
}

func (s *fakeSpawner) spawn(cfg mcp.ServerConfig, env map[string]string, _ *slog.Logger) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)

	if err := s.errs[cfg.ID]; err != nil {
		return nil, err
	}
	queue := s.sessions[cfg.ID]
	if len(queue) == 0 {
		return &fakeSession{}, nil
	}
	s.sessions[cfg.ID] = queue[1:]
	return queue[0], nil
}

var twoTools = []mcp.Tool{
	{Name: "list_events", Description: "List calendar events", InputSchema: json.RawMessage(`{"type":"object"}`)},
	{Name: "create_event", InputSchema: json.RawMessage(`{"type":"object"}`)},
}

func serverConfig(id string) mcp.ServerConfig {
	return mcp.ServerConfig{ID: id, Name: "Server " + id, Command: "/usr/bin/" + id, Args: []string{"--stdio"}}
}

func newTestRegistry(t *testing.T, sp *fakeSpawner, opts ...Option) *Registry {
	t.Helper()
	base := []Option{
		WithSpawner(sp.spawn),
		WithCredentials(func() map[string]string { return map[string]string{"GOOGLE_OAUTH_CLIENT_ID": "abc"} }),
	}
	return New(append(base, opts...)...)
}

func TestUnknownServer(t *testing.T) {
	r := newTestRegistry(t, newFakeSpawner())

	_, err := r.CallTool(context.Background(), "ghost", "anything", nil)
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.ID != "ghost" {
		t.Errorf("CallTool err = %v, want *NotFoundError for ghost", err)
	}
	if r.HealthCheck("ghost") {
		t.Error("HealthCheck(ghost) = true")
	}
	if _, ok := r.Get("ghost"); ok {
		t.Error("Get(ghost) reported found")
	}

	r.Disconnect("ghost")
	if got := r.List(); len(got) != 0 {
		t.Errorf("Disconnect of an unknown id created records: %+v", got)
	}
}

func TestConnect_Success(t *testing.T) {
	sp := newFakeSpawner()
	sess := sp.add("cal", &fakeSession{tools: twoTools})
	bus := events.New()
	sub := bus.Subscribe(16)
	defer sub.Close()

	r := newTestRegistry(t, sp, WithEvents(bus))

	rec, err := r.Connect(context.Background(), "cal", serverConfig("cal"))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if rec.Status != StatusConnected || rec.Error != "" {
		t.Errorf("record = %+v, want connected without error", rec)
	}
	if len(rec.Tools) != 2 || rec.Tools[0].Name != "list_events" {
		t.Errorf("tools = %+v", rec.Tools)
	}
	if !r.HealthCheck("cal") {
		t.Error("HealthCheck = false after connect")
	}

	if got, want := sess.ops(), []string{"initialize", "tools/list"}; !slices.Equal(got, want) {
		t.Errorf("session ops = %v, want %v", got, want)
	}
	if len(sp.envs) != 1 || sp.envs[0]["GOOGLE_OAUTH_CLIENT_ID"] != "abc" {
		t.Errorf("spawn env = %v, want credentials passed through", sp.envs)
	}

	var statuses []any
	for len(sub.C) > 0 {
		e := <-sub.C
		if e.Kind == events.KindStatus {
			statuses = append(statuses, e.Data["status"])
		}
	}
	if !slices.Equal(statuses, []any{"connecting", "connected"}) {
		t.Errorf("published statuses = %v", statuses)
	}
}

func TestConnect_NoTools(t *testing.T) {
	sp := newFakeSpawner()
	sp.add("empty", &fakeSession{tools: []mcp.Tool{}})
	r := newTestRegistry(t, sp)

	rec, err := r.Connect(context.Background(), "empty", serverConfig("empty"))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if rec.Status != StatusConnected {
		t.Errorf("Status = %q, want connected", rec.Status)
	}
	if rec.Tools == nil || len(rec.Tools) != 0 {
		t.Errorf("Tools = %#v, want empty", rec.Tools)
	}
}

func TestConnect_UsesRegistryID(t *testing.T) {
	sp := newFakeSpawner()
	r := newTestRegistry(t, sp)

	cfg := serverConfig("other")
	rec, err := r.Connect(context.Background(), "mine", cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if rec.Config.ID != "mine" {
		t.Errorf("Config.ID = %q, want mine", rec.Config.ID)
	}
}

func TestConnect_Failures(t *testing.T) {
	tests := []struct {
		name      string
		spawnErr  error
		session   *fakeSession
		stage     string
		wantKills int
	}{
		{
			name:     "spawn",
			spawnErr: &mcp.SpawnError{Command: "/usr/bin/bad", Err: errors.New("no such file")},
			stage:    "spawn",
		},
		{
			name:      "initialize",
			session:   &fakeSession{initErr: &mcp.ProtocolError{Method: "initialize", Err: mcp.ErrEmptyResponse}},
			stage:     "initialize",
			wantKills: 1,
		},
		{
			name:      "list tools",
			session:   &fakeSession{listErr: errors.New("no 'tools' field in response")},
			stage:     "list tools",
			wantKills: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sp := newFakeSpawner()
			if tt.spawnErr != nil {
				sp.errs["bad"] = tt.spawnErr
			}
			if tt.session != nil {
				sp.add("bad", tt.session)
			}
			r := newTestRegistry(t, sp)

			rec, err := r.Connect(context.Background(), "bad", serverConfig("bad"))
			if err == nil {
				t.Fatal("Connect succeeded")
			}

			var cerr *ConnectError
			if !errors.As(err, &cerr) || cerr.Stage != tt.stage {
				t.Fatalf("err = %v, want *ConnectError at stage %q", err, tt.stage)
			}
			if !strings.HasPrefix(err.Error(), tt.stage+": ") {
				t.Errorf("err = %q, want %q prefix", err, tt.stage)
			}
			if rec.Status != StatusError || rec.Error != err.Error() {
				t.Errorf("record = %+v, want error status carrying %q", rec, err)
			}
			if len(rec.Tools) != 0 {
				t.Errorf("tools = %v, want none", rec.Tools)
			}

			stored, _ := r.Get("bad")
			if stored.Status != StatusError {
				t.Errorf("stored status = %q, want error", stored.Status)
			}
			if r.HealthCheck("bad") {
				t.Error("HealthCheck = true after failed connect")
			}
			if tt.session != nil && tt.session.killCount() != tt.wantKills {
				t.Errorf("kills = %d, want %d", tt.session.killCount(), tt.wantKills)
			}
		})
	}
}

func TestConnect_SpawnErrorUnwraps(t *testing.T) {
	sp := newFakeSpawner()
	sp.errs["bad"] = &mcp.SpawnError{Command: "/usr/bin/bad", Err: errors.New("exec: not found")}
	r := newTestRegistry(t, sp)

	_, err := r.Connect(context.Background(), "bad", serverConfig("bad"))
	var spawnErr *mcp.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("err = %v, want wrapped *mcp.SpawnError", err)
	}
	if !strings.Contains(err.Error(), "/usr/bin/bad") {
		t.Errorf("err = %q, want command name", err)
	}
}

func TestConnect_Timeout(t *testing.T) {
	sp := newFakeSpawner()
	sess := sp.add("slow", &fakeSession{block: true})
	r := newTestRegistry(t, sp, WithTimeouts(50*time.Millisecond, 0))

	_, err := r.Connect(context.Background(), "slow", serverConfig("slow"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	if sess.killCount() != 1 {
		t.Errorf("kills = %d, want 1", sess.killCount())
	}
}

func TestConnect_ReplacesLiveConnection(t *testing.T) {
	sp := newFakeSpawner()
	first := sp.add("cal", &fakeSession{tools: twoTools})
	second := sp.add("cal", &fakeSession{tools: twoTools[:1]})
	r := newTestRegistry(t, sp)
	ctx := context.Background()

	if _, err := r.Connect(ctx, "cal", serverConfig("cal")); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	rec, err := r.Connect(ctx, "cal", serverConfig("cal"))
	if err != nil {
		t.Fatalf("second Connect: %v", err)
	}

	if first.killCount() != 1 {
		t.Errorf("old session kills = %d, want 1", first.killCount())
	}
	if second.killCount() != 0 {
		t.Errorf("new session kills = %d, want 0", second.killCount())
	}
	if len(rec.Tools) != 1 {
		t.Errorf("tools = %v, want the new session's", rec.Tools)
	}

	if _, err := r.CallTool(ctx, "cal", "list_events", nil); err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if slices.Contains(first.ops(), "tools/call:list_events") {
		t.Error("call went to the replaced session")
	}
}

func gatedSession(tools []mcp.Tool, listErr error) *fakeSession {
	return &fakeSession{
		tools:       tools,
		listErr:     listErr,
		listGate:    make(chan struct{}),
		listEntered: make(chan struct{}),
	}
}

type connectResult struct {
	rec Record
	err error
}

// connectAsync starts Connect in a goroutine and waits until sess is
// parked in ListTools.
func connectAsync(r *Registry, id string, sess *fakeSession) <-chan connectResult {
	done := make(chan connectResult, 1)
	go func() {
		rec, err := r.Connect(context.Background(), id, serverConfig(id))
		done <- connectResult{rec, err}
	}()
	<-sess.listEntered
	return done
}

func TestConnect_OverlappingAttempts(t *testing.T) {
	tests := []struct {
		name    string
		listErr error
		wantErr error
	}{
		{name: "older attempt fails", listErr: errors.New("list exploded")},
		{name: "older attempt succeeds", wantErr: ErrSuperseded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sp := newFakeSpawner()
			older := sp.add("cal", gatedSession(twoTools, tt.listErr))
			newer := sp.add("cal", &fakeSession{tools: twoTools[:1]})
			r := newTestRegistry(t, sp)
			ctx := context.Background()

			done := connectAsync(r, "cal", older)

			if _, err := r.Connect(ctx, "cal", serverConfig("cal")); err != nil {
				t.Fatalf("newer Connect: %v", err)
			}

			close(older.listGate)
			res := <-done

			var cerr *ConnectError
			if !errors.As(res.err, &cerr) {
				t.Fatalf("older Connect err = %v, want *ConnectError", res.err)
			}
			if tt.wantErr != nil && !errors.Is(res.err, tt.wantErr) {
				t.Errorf("older Connect err = %v, want %v", res.err, tt.wantErr)
			}

			if older.killCount() != 1 {
				t.Errorf("older session kills = %d, want 1", older.killCount())
			}
			if newer.killCount() != 0 {
				t.Errorf("newer session kills = %d, want 0", newer.killCount())
			}

			rec, _ := r.Get("cal")
			if rec.Status != StatusConnected || len(rec.Tools) != 1 || rec.Error != "" {
				t.Errorf("record = %+v, want the newer connection", rec)
			}
			if !r.HealthCheck("cal") {
				t.Error("HealthCheck = false, want the newer session alive")
			}

			if _, err := r.CallTool(ctx, "cal", "list_events", nil); err != nil {
				t.Fatalf("CallTool: %v", err)
			}
			if slices.Contains(older.ops(), "tools/call:list_events") {
				t.Error("call went to the older session")
			}
		})
	}
}

func TestDisconnect_DuringConnect(t *testing.T) {
	tests := []struct {
		name   string
		forget bool
	}{
		{name: "disconnect"},
		{name: "forget", forget: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sp := newFakeSpawner()
			sess := sp.add("cal", gatedSession(twoTools, nil))
			r := newTestRegistry(t, sp)

			done := connectAsync(r, "cal", sess)

			if tt.forget {
				if err := r.Forget("cal"); err != nil {
					t.Fatalf("Forget: %v", err)
				}
			} else {
				r.Disconnect("cal")
			}

			close(sess.listGate)
			res := <-done

			if !errors.Is(res.err, ErrSuperseded) {
				t.Errorf("Connect err = %v, want ErrSuperseded", res.err)
			}
			if sess.killCount() != 1 {
				t.Errorf("kills = %d, want 1", sess.killCount())
			}
			if r.HealthCheck("cal") {
				t.Error("HealthCheck = true, want no live handle")
			}

			rec, ok := r.Get("cal")
			switch {
			case tt.forget && ok:
				t.Errorf("record = %+v, want none after Forget", rec)
			case !tt.forget && rec.Status != StatusDisconnected:
				t.Errorf("status = %q, want disconnected", rec.Status)
			}
		})
	}
}

func TestConnect_AfterClose(t *testing.T) {
	sp := newFakeSpawner()
	r := newTestRegistry(t, sp)
	r.Close()

	_, err := r.Connect(context.Background(), "cal", serverConfig("cal"))
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if len(sp.envs) != 0 {
		t.Errorf("spawned %d servers after Close, want 0", len(sp.envs))
	}
}

func TestClose_AbandonsConnectInFlight(t *testing.T) {
	sp := newFakeSpawner()
	sess := sp.add("cal", gatedSession(twoTools, nil))
	r := newTestRegistry(t, sp)

	done := connectAsync(r, "cal", sess)
	r.Close()
	close(sess.listGate)

	if res := <-done; !errors.Is(res.err, ErrClosed) {
		t.Errorf("Connect err = %v, want ErrClosed", res.err)
	}
	if sess.killCount() != 1 {
		t.Errorf("kills = %d, want 1", sess.killCount())
	}
	if r.HealthCheck("cal") {
		t.Error("HealthCheck = true after Close")
	}
}

func TestDisconnect(t *testing.T) {
	sp := newFakeSpawner()
	sess := sp.add("cal", &fakeSession{tools: twoTools})
	r := newTestRegistry(t, sp)

	if _, err := r.Connect(context.Background(), "cal", serverConfig("cal")); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	r.Disconnect("cal")

	rec, ok := r.Get("cal")
	if !ok {
		t.Fatal("record removed by Disconnect")
	}
	if rec.Status != StatusDisconnected || len(rec.Tools) != 0 || rec.Error != "" {
		t.Errorf("record = %+v, want disconnected with no tools", rec)
	}
	if sess.killCount() != 1 {
		t.Errorf("kills = %d, want 1", sess.killCount())
	}
	if r.HealthCheck("cal") {
		t.Error("HealthCheck = true after disconnect")
	}

	// Disconnecting again is harmless and does not kill twice.
	r.Disconnect("cal")
	if sess.killCount() != 1 {
		t.Errorf("kills = %d after second Disconnect, want 1", sess.killCount())
	}
}

func TestDisconnect_AfterError(t *testing.T) {
	sp := newFakeSpawner()
	sp.errs["bad"] = errors.New("boom")
	r := newTestRegistry(t, sp)

	_, _ = r.Connect(context.Background(), "bad", serverConfig("bad"))
	r.Disconnect("bad")

	rec, _ := r.Get("bad")
	if rec.Status != StatusDisconnected || rec.Error != "" {
		t.Errorf("record = %+v, want disconnected with error cleared", rec)
	}
}

func TestDisconnect_KillFailureIsSwallowed(t *testing.T) {
	sp := newFakeSpawner()
	sp.add("cal", &fakeSession{killErr: &mcp.KillError{PID: 42, Err: errors.New("operation not permitted")}})
	r := newTestRegistry(t, sp)

	if _, err := r.Connect(context.Background(), "cal", serverConfig("cal")); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	r.Disconnect("cal")

	if rec, _ := r.Get("cal"); rec.Status != StatusDisconnected {
		t.Errorf("Status = %q, want disconnected", rec.Status)
	}
}

func TestCallTool(t *testing.T) {
	sp := newFakeSpawner()
	sp.add("cal", &fakeSession{tools: twoTools})
	r := newTestRegistry(t, sp)
	ctx := context.Background()

	if _, err := r.Connect(ctx, "cal", serverConfig("cal")); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	got, err := r.CallTool(ctx, "cal", "list_events", json.RawMessage(`{"day":"today"}`))
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if string(got) != `{"tool":"list_events","args":{"day":"today"}}` {
		t.Errorf("result = %s", got)
	}
}

func TestCallTool_NotConnectedNeverTouchesProcess(t *testing.T) {
	t.Run("error status", func(t *testing.T) {
		sp := newFakeSpawner()
		sess := sp.add("bad", &fakeSession{listErr: errors.New("broken")})
		r := newTestRegistry(t, sp)
		_, _ = r.Connect(context.Background(), "bad", serverConfig("bad"))

		_, err := r.CallTool(context.Background(), "bad", "x", nil)
		var ise *InvalidStateError
		if !errors.As(err, &ise) || ise.Status != StatusError {
			t.Fatalf("err = %v, want *InvalidStateError with error status", err)
		}
		for _, op := range sess.ops() {
			if strings.HasPrefix(op, "tools/call") {
				t.Errorf("session received %q", op)
			}
		}
	})

	t.Run("disconnected", func(t *testing.T) {
		sp := newFakeSpawner()
		sess := sp.add("cal", &fakeSession{})
		r := newTestRegistry(t, sp)
		_, _ = r.Connect(context.Background(), "cal", serverConfig("cal"))
		r.Disconnect("cal")

		_, err := r.CallTool(context.Background(), "cal", "x", nil)
		var ise *InvalidStateError
		if !errors.As(err, &ise) || ise.Status != StatusDisconnected {
			t.Fatalf("err = %v, want *InvalidStateError with disconnected status", err)
		}
		if slices.Contains(sess.ops(), "tools/call:x") {
			t.Error("session received the call")
		}
	})
}

func TestCallTool_FailureKeepsStatus(t *testing.T) {
	sp := newFakeSpawner()
	callErr := &mcp.ProtocolError{Method: "tools/call", Err: errors.New("MCP server error -32602: bad args")}
	sp.add("cal", &fakeSession{callErr: callErr})
	r := newTestRegistry(t, sp)

	if _, err := r.Connect(context.Background(), "cal", serverConfig("cal")); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err := r.CallTool(context.Background(), "cal", "x", nil)
	if !errors.Is(err, callErr) {
		t.Errorf("err = %v, want the session error unchanged", err)
	}
	if rec, _ := r.Get("cal"); rec.Status != StatusConnected || rec.Error != "" {
		t.Errorf("record = %+v, want still connected", rec)
	}
}

func TestCallTool_PublishesEvents(t *testing.T) {
	sp := newFakeSpawner()
	bus := events.New()
	r := newTestRegistry(t, sp, WithEvents(bus))
	if _, err := r.Connect(context.Background(), "cal", serverConfig("cal")); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	sub := bus.Subscribe(8)
	defer sub.Close()
	if _, err := r.CallTool(context.Background(), "cal", "ping", nil); err != nil {
		t.Fatalf("CallTool: %v", err)
	}

	var kinds []string
	for len(sub.C) > 0 {
		kinds = append(kinds, (<-sub.C).Kind)
	}
	if !slices.Equal(kinds, []string{events.KindToolCall, events.KindToolDone}) {
		t.Errorf("kinds = %v", kinds)
	}
}

func TestHealthCheck_ProcessExited(t *testing.T) {
	sp := newFakeSpawner()
	sess := sp.add("cal", &fakeSession{})
	r := newTestRegistry(t, sp)
	if _, err := r.Connect(context.Background(), "cal", serverConfig("cal")); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	sess.mu.Lock()
	sess.dead = true
	sess.mu.Unlock()

	if r.HealthCheck("cal") {
		t.Error("HealthCheck = true for an exited process")
	}
	// Liveness is reported, not acted on.
	if rec, _ := r.Get("cal"); rec.Status != StatusConnected {
		t.Errorf("Status = %q, want connected", rec.Status)
	}
}

func TestList_SortedCopies(t *testing.T) {
	sp := newFakeSpawner()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		sp.add(id, &fakeSession{tools: slices.Clone(twoTools)})
	}
	r := newTestRegistry(t, sp)
	for _, id := range []string{"zeta", "alpha", "mid"} {
		if _, err := r.Connect(context.Background(), id, serverConfig(id)); err != nil {
			t.Fatalf("Connect(%s): %v", id, err)
		}
	}

	list := r.List()
	var ids []string
	for _, rec := range list {
		ids = append(ids, rec.Config.ID)
	}
	if !slices.Equal(ids, []string{"alpha", "mid", "zeta"}) {
		t.Errorf("ids = %v, want sorted", ids)
	}

	list[0].Tools[0].Name = "mutated"
	list[0].Config.Args[0] = "mutated"
	again, _ := r.Get("alpha")
	if again.Tools[0].Name == "mutated" || again.Config.Args[0] == "mutated" {
		t.Error("List returned records aliasing registry state")
	}
}

func TestTools_OnlyConnected(t *testing.T) {
	sp := newFakeSpawner()
	sp.add("cal", &fakeSession{tools: twoTools})
	sp.add("files", &fakeSession{tools: twoTools[:1]})
	sp.errs["broken"] = errors.New("boom")
	r := newTestRegistry(t, sp)
	ctx := context.Background()

	for _, id := range []string{"cal", "files", "broken"} {
		_, _ = r.Connect(ctx, id, serverConfig(id))
	}
	r.Disconnect("files")

	got := r.Tools()
	if len(got) != 1 || got[0].ServerID != "cal" || len(got[0].Tools) != 2 {
		t.Errorf("Tools() = %+v, want only cal", got)
	}
}

func TestConnectAll(t *testing.T) {
	sp := newFakeSpawner()
	sp.errs["broken"] = errors.New("boom")
	r := newTestRegistry(t, sp, WithParallelism(2))

	cfgs := []mcp.ServerConfig{serverConfig("a"), serverConfig("broken"), serverConfig("b"), serverConfig("c")}
	err := r.ConnectAll(context.Background(), cfgs)
	if err == nil {
		t.Fatal("ConnectAll should report the broken server")
	}

	var cae *ConnectAllError
	if !errors.As(err, &cae) || cae.ID != "broken" {
		t.Errorf("err = %v, want *ConnectAllError for broken", err)
	}
	if !strings.Contains(err.Error(), "broken: spawn: boom") {
		t.Errorf("err = %q", err)
	}

	for _, id := range []string{"a", "b", "c"} {
		if rec, _ := r.Get(id); rec.Status != StatusConnected {
			t.Errorf("%s status = %q, want connected", id, rec.Status)
		}
	}
}

func TestClose(t *testing.T) {
	sp := newFakeSpawner()
	a := sp.add("a", &fakeSession{})
	b := sp.add("b", &fakeSession{})
	r := newTestRegistry(t, sp)
	for _, id := range []string{"a", "b"} {
		if _, err := r.Connect(context.Background(), id, serverConfig(id)); err != nil {
			t.Fatalf("Connect(%s): %v", id, err)
		}
	}

	r.Close()

	if a.killCount() != 1 || b.killCount() != 1 {
		t.Errorf("kills = %d/%d, want 1/1", a.killCount(), b.killCount())
	}
	for _, rec := range r.List() {
		if rec.Status != StatusDisconnected {
			t.Errorf("%s status = %q after Close", rec.Config.ID, rec.Status)
		}
	}
}

func TestConcurrentCallsAndDisconnect(t *testing.T) {
	sp := newFakeSpawner()
	r := newTestRegistry(t, sp)
	ctx := context.Background()
	if _, err := r.Connect(ctx, "cal", serverConfig("cal")); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.CallTool(ctx, "cal", "ping", nil)
			var ise *InvalidStateError
			if err != nil && !errors.As(err, &ise) {
				t.Errorf("CallTool: %v", err)
			}
			_ = r.List()
			_ = r.HealthCheck("cal")
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.Disconnect("cal")
	}()
	wg.Wait()

	if rec, _ := r.Get("cal"); rec.Status != StatusDisconnected {
		t.Errorf("Status = %q, want disconnected", rec.Status)
	}
}

type memStore struct {
	mu      sync.Mutex
	servers map[string]mcp.ServerConfig
}

func (m *memStore) SaveServer(cfg mcp.ServerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[cfg.ID] = cfg
	return nil
}

func (m *memStore) DeleteServer(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.servers, id)
	return nil
}

func (m *memStore) Servers() ([]mcp.ServerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mcp.ServerConfig
	for _, cfg := range m.servers {
		out = append(out, cfg)
	}
	return out, nil
}

func TestStore_SaveForgetRestore(t *testing.T) {
	store := &memStore{servers: make(map[string]mcp.ServerConfig)}
	sp := newFakeSpawner()
	sp.errs["bad"] = errors.New("boom")
	r := newTestRegistry(t, sp, WithStore(store))
	ctx := context.Background()

	for _, id := range []string{"a", "b", "bad"} {
		_, _ = r.Connect(ctx, id, serverConfig(id))
	}
	if _, ok := store.servers["bad"]; ok {
		t.Error("failed connect was saved")
	}
	if len(store.servers) != 2 {
		t.Fatalf("saved %d servers, want 2", len(store.servers))
	}

	if err := r.Forget("b"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if _, ok := r.Get("b"); ok {
		t.Error("Forget kept the record")
	}
	if _, ok := store.servers["b"]; ok {
		t.Error("Forget kept the saved config")
	}

	// A fresh registry picks up what was saved.
	fresh := newTestRegistry(t, newFakeSpawner(), WithStore(store))
	if err := fresh.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	list := fresh.List()
	if len(list) != 1 || list[0].Config.ID != "a" || list[0].Status != StatusConnected {
		t.Errorf("restored = %+v, want only a, connected", list)
	}
}

func TestRestore_NoStore(t *testing.T) {
	r := newTestRegistry(t, newFakeSpawner())
	if err := r.Restore(context.Background()); err != nil {
		t.Errorf("Restore without store = %v, want nil", err)
	}
}

func TestRestore_SkipsKnownServers(t *testing.T) {
	store := &memStore{servers: map[string]mcp.ServerConfig{
		"a": serverConfig("a"),
		"b": serverConfig("b"),
	}}
	sp := newFakeSpawner()
	r := newTestRegistry(t, sp, WithStore(store))
	ctx := context.Background()

	if _, err := r.Connect(ctx, "a", serverConfig("a")); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	spawnsBefore := len(sp.envs)

	if err := r.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := len(sp.envs) - spawnsBefore; got != 1 {
		t.Errorf("Restore spawned %d servers, want 1", got)
	}
	if rec, ok := r.Get("b"); !ok || rec.Status != StatusConnected {
		t.Errorf("b = %+v, %v; want connected", rec, ok)
	}
}
