// Package config handles toolhost configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers accepted for store_driver. Both open the same SQLite
// schema; "sqlite" is the pure-Go driver and needs no cgo.
const (
	DriverCgo  = "sqlite3"
	DriverPure = "sqlite"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/toolhost/config.yaml, /etc/toolhost/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "toolhost", "config.yaml"))
	}

	paths = append(paths, "/etc/toolhost/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all toolhost configuration.
type Config struct {
	Listen      ListenConfig      `yaml:"listen"`
	LogLevel    string            `yaml:"log_level"`
	LogFormat   string            `yaml:"log_format"` // text (default) or json
	DataDir     string            `yaml:"data_dir"`
	StoreDriver string            `yaml:"store_driver"`
	Credentials CredentialsConfig `yaml:"credentials"`
	MQTT        MQTTConfig        `yaml:"mqtt"`

	// ConnectTimeout bounds spawn, handshake and tool discovery for one
	// server.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// CallTimeout bounds a single tool call. Zero means no limit.
	CallTimeout time.Duration `yaml:"call_timeout"`
	// HealthInterval is how often connected servers are polled for
	// liveness. Zero disables the monitor.
	HealthInterval time.Duration `yaml:"health_interval"`

	Servers []ServerConfig `yaml:"servers"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
	// MaxConns caps simultaneous API connections (default 64, -1 for
	// no cap).
	MaxConns int `yaml:"max_conns"`
}

// CredentialsConfig controls where the .env file is searched for.
type CredentialsConfig struct {
	// SearchDir is the starting directory. Empty means the working
	// directory.
	SearchDir string `yaml:"search_dir"`
}

// MQTTConfig defines the optional status feed broker. The feed is
// disabled when Broker is empty.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// Configured reports whether a broker is set.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// ServerConfig declares one MCP server.
type ServerConfig struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`

	// AutoConnect connects the server when serve starts.
	AutoConnect bool `yaml:"autoconnect"`
}

// Server returns the server declared with id.
func (c *Config) Server(id string) (ServerConfig, bool) {
	for _, s := range c.Servers {
		if s.ID == id {
			return s, true
		}
	}
	return ServerConfig{}, false
}

// StorePath returns the location of the operational state database.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "toolhost.db")
}

// Load reads configuration from a YAML file, expanding ${VAR}
// references first, then applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8090
	}
	if c.Listen.MaxConns == 0 {
		c.Listen.MaxConns = 64
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.StoreDriver == "" {
		c.StoreDriver = DriverCgo
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "toolhost"
	}
	for i := range c.Servers {
		if c.Servers[i].Name == "" {
			c.Servers[i].Name = c.Servers[i].ID
		}
	}
}

// Validate checks for settings that would fail later in confusing ways.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}
	if c.StoreDriver != DriverCgo && c.StoreDriver != DriverPure {
		errs = append(errs, fmt.Errorf("store_driver %q (valid: %s, %s)", c.StoreDriver, DriverCgo, DriverPure))
	}
	if c.Listen.MaxConns < -1 {
		errs = append(errs, fmt.Errorf("listen.max_conns %d (use -1 for no cap)", c.Listen.MaxConns))
	}
	if c.ConnectTimeout < 0 || c.CallTimeout < 0 || c.HealthInterval < 0 {
		errs = append(errs, errors.New("timeouts and intervals must not be negative"))
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		switch {
		case s.ID == "":
			errs = append(errs, fmt.Errorf("servers[%d]: id is required", i))
		case seen[s.ID]:
			errs = append(errs, fmt.Errorf("servers[%d]: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = true
		if s.Command == "" {
			errs = append(errs, fmt.Errorf("servers[%d] (%s): command is required", i, s.ID))
		}
	}

	return errors.Join(errs...)
}
