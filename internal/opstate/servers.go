package opstate

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/nugget/toolhost/internal/mcp"
)

// Namespaces used by toolhost.
const (
	NamespaceServers = "mcp_servers"
	NamespaceRuntime = "runtime"
)

// SaveServer stores cfg keyed by its ID.
func (s *Store) SaveServer(cfg mcp.ServerConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("save server: empty id")
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode server %s: %w", cfg.ID, err)
	}
	return s.Set(NamespaceServers, cfg.ID, string(data))
}

// DeleteServer removes the saved config for id.
func (s *Store) DeleteServer(id string) error {
	return s.Delete(NamespaceServers, id)
}

// Servers returns every saved config ordered by ID.
func (s *Store) Servers() ([]mcp.ServerConfig, error) {
	raw, err := s.List(NamespaceServers)
	if err != nil {
		return nil, err
	}

	out := make([]mcp.ServerConfig, 0, len(raw))
	for id, data := range raw {
		var cfg mcp.ServerConfig
		if err := json.Unmarshal([]byte(data), &cfg); err != nil {
			return nil, fmt.Errorf("decode server %s: %w", id, err)
		}
		cfg.ID = id
		out = append(out, cfg)
	}
	slices.SortFunc(out, func(a, b mcp.ServerConfig) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}
