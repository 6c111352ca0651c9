// Package connwatch monitors the liveness of connected MCP server
// processes. It only observes: a server whose process dies is logged and
// announced on the event bus, but its registry record is left alone.
// Reconnecting is the caller's decision.
//
// Each Watcher polls one probe on a fixed interval and reports
// transitions between alive and dead. A Monitor keeps one Watcher per
// connected server in step with the registry.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a server is alive. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// WatcherConfig configures a single watcher.
type WatcherConfig struct {
	// Name identifies the watched server in logs and status.
	Name string

	// Probe checks health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Interval between probes (default 30s).
	Interval time.Duration

	// ProbeTimeout limits each probe call (default 5s).
	ProbeTimeout time.Duration

	// OnReady is called when the probe starts succeeding after failing.
	// Called in its own goroutine. Optional.
	OnReady func()

	// OnDown is called when the probe starts failing after succeeding,
	// including on the first probe. Called in its own goroutine.
	// Optional.
	OnDown func(err error)

	// Logger uses slog.Default() if nil.
	Logger *slog.Logger
}

// ServerStatus is the last observed health of one server.
type ServerStatus struct {
	Name      string    `json:"name"`
	Alive     bool      `json:"alive"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher polls one server.
type Watcher struct {
	config WatcherConfig
	alive  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsAlive reports the result of the most recent probe.
func (w *Watcher) IsAlive() bool {
	return w.alive.Load()
}

// Status returns the last observed health.
func (w *Watcher) Status() ServerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServerStatus{
		Name:      w.config.Name,
		Alive:     w.alive.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// run probes immediately and then on every tick. A watcher starts out
// presumed alive, since it is only created for connected servers.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	logger := w.config.Logger.With("mcp_server", w.config.Name)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		w.recordResult(err)

		wasAlive := w.alive.Load()
		switch {
		case wasAlive && err != nil:
			w.alive.Store(false)
			logger.Warn("MCP server process is not running", "error", err)
			if w.config.OnDown != nil {
				go w.config.OnDown(err)
			}
		case !wasAlive && err == nil:
			w.alive.Store(true)
			logger.Info("MCP server process is running again")
			if w.config.OnReady != nil {
				go w.config.OnReady()
			}
		case !wasAlive:
			logger.Debug("MCP server still not running", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

func (w *Watcher) recordResult(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// Manager owns a set of watchers keyed by name.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch starts a watcher for cfg.Name, replacing any existing watcher
// of that name. It runs until ctx is cancelled, Unwatch or Stop.
//
// Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	w.alive.Store(true)

	m.mu.Lock()
	old := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	if old != nil {
		old.Stop()
	}

	go w.run(watchCtx)
	return w
}

// Unwatch stops and removes the watcher for name, if any.
func (m *Manager) Unwatch(name string) {
	m.mu.Lock()
	w := m.watchers[name]
	delete(m.watchers, name)
	m.mu.Unlock()

	if w != nil {
		w.Stop()
	}
}

// Watching reports whether name has a watcher.
func (m *Manager) Watching(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.watchers[name]
	return ok
}

// Names returns the watched names in no particular order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.watchers))
	for name := range m.watchers {
		names = append(names, name)
	}
	return names
}

// Status returns the health of every watched server.
func (m *Manager) Status() map[string]ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServerStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := m.watchers
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}
