package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nugget/toolhost/internal/events"
	"github.com/nugget/toolhost/internal/registry"
)

// ErrNotRunning is the probe error for a server whose process is gone.
var ErrNotRunning = errors.New("MCP server process not running")

// Source is the part of the registry the monitor reads.
type Source interface {
	List() []registry.Record
	HealthCheck(id string) bool
}

// Monitor keeps a watcher on every connected server in a Source.
type Monitor struct {
	source   Source
	bus      *events.Bus
	interval time.Duration
	logger   *slog.Logger
	manager  *Manager
}

// NewMonitor creates a monitor that checks liveness every interval.
func NewMonitor(source Source, bus *events.Bus, interval time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		source:   source,
		bus:      bus,
		interval: interval,
		logger:   logger,
		manager:  NewManager(logger),
	}
}

// Status returns the last observed health of every watched server.
func (m *Monitor) Status() map[string]ServerStatus {
	return m.manager.Status()
}

// Run syncs watchers with the source every interval until ctx is
// cancelled, then stops them all.
func (m *Monitor) Run(ctx context.Context) {
	defer m.manager.Stop()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("MCP server liveness monitor started", "interval", m.interval)
	for {
		m.sync(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sync starts watchers for newly connected servers and stops those for
// servers that are no longer connected.
func (m *Monitor) sync(ctx context.Context) {
	connected := make(map[string]bool)
	for _, rec := range m.source.List() {
		if rec.Status == registry.StatusConnected {
			connected[rec.Config.ID] = true
		}
	}

	for _, name := range m.manager.Names() {
		if !connected[name] {
			m.manager.Unwatch(name)
		}
	}

	for id := range connected {
		if m.manager.Watching(id) {
			continue
		}
		m.manager.Watch(ctx, WatcherConfig{
			Name:     id,
			Probe:    m.probe(id),
			Interval: m.interval,
			OnDown: func(err error) {
				m.bus.Emit(events.SourceWatch, events.KindHealth, id, map[string]any{
					"alive": false,
					"error": err.Error(),
				})
			},
			OnReady: func() {
				m.bus.Emit(events.SourceWatch, events.KindHealth, id, map[string]any{"alive": true})
			},
		})
	}
}

func (m *Monitor) probe(id string) ProbeFunc {
	return func(context.Context) error {
		if !m.source.HealthCheck(id) {
			return ErrNotRunning
		}
		return nil
	}
}
