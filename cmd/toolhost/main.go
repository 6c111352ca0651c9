// Toolhost launches and supervises MCP servers: external processes that
// speak JSON-RPC over stdin/stdout and expose tools.
//
// It serves an HTTP API for connecting servers, listing their tools and
// calling them, and a CLI for one-shot discovery and calls. Configuration
// is loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	toolhost serve                       Start the API server
//	toolhost init [dir]                  Write an example config
//	toolhost servers                     List configured servers
//	toolhost tools <server>              Connect a server and list its tools
//	toolhost call <server> <tool> [json] Call one tool and print the result
//	toolhost version                     Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nugget/toolhost/internal/api"
	"github.com/nugget/toolhost/internal/buildinfo"
	"github.com/nugget/toolhost/internal/config"
	"github.com/nugget/toolhost/internal/connwatch"
	"github.com/nugget/toolhost/internal/credentials"
	"github.com/nugget/toolhost/internal/events"
	"github.com/nugget/toolhost/internal/mcp"
	"github.com/nugget/toolhost/internal/mqtt"
	"github.com/nugget/toolhost/internal/opstate"
	"github.com/nugget/toolhost/internal/registry"
)

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand so that run
// can be called concurrently from tests without flag package globals.
// Logs go to stderr so command output on stdout stays machine-readable.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "servers":
		return runServers(stdout, configPath, outputFmt)
	case "tools":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: toolhost tools <server>")
		}
		return runTools(ctx, stdout, stderr, configPath, outputFmt, cmdArgs[0])
	case "call":
		if len(cmdArgs) < 2 || len(cmdArgs) > 3 {
			return fmt.Errorf("usage: toolhost call <server> <tool> [json-args]")
		}
		var rawArgs string
		if len(cmdArgs) == 3 {
			rawArgs = cmdArgs[2]
		}
		return runCall(ctx, stdout, stderr, configPath, cmdArgs[0], cmdArgs[1], rawArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "toolhost - MCP server supervisor")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: toolhost [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                        Start the API server")
	fmt.Fprintln(w, "  init [dir]                   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  servers                      List configured servers")
	fmt.Fprintln(w, "  tools <server>               Connect a server and list its tools")
	fmt.Fprintln(w, "  call <server> <tool> [json]  Call a tool and print its result")
	fmt.Fprintln(w, "  version                      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/toolhost/config.yaml, /etc/toolhost/config.yaml")
	return nil
}

// runServe starts every long-running component and blocks until ctx is
// cancelled or SIGINT/SIGTERM arrives.
func runServe(ctx context.Context, logw io.Writer, configPath string) error {
	logger := newLogger(logw, slog.LevelInfo, "text")
	logger.Info("starting toolhost", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Validate has already accepted the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(logw, level, cfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"servers", len(cfg.Servers),
		"store_driver", cfg.StoreDriver,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Operational state ---
	// Saved server configs so connections made over the API survive a
	// restart, plus a few runtime markers.
	store, err := opstate.Open(cfg.StoreDriver, cfg.StorePath())
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	if last, err := store.Get(opstate.NamespaceRuntime, "last_shutdown"); err == nil && last != "" {
		logger.Info("previous shutdown", "at", last)
	}
	if err := store.Set(opstate.NamespaceRuntime, "last_start", time.Now().UTC().Format(time.RFC3339)); err != nil {
		logger.Warn("failed to record start time", "error", err)
	}

	// --- Registry ---
	bus := events.New()
	reg := newRegistry(cfg, logger, registry.WithEvents(bus), registry.WithStore(store))

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup

	// Configured servers first, then anything saved from a previous run.
	// Failures are recorded per server and never stop startup.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := reg.ConnectAll(ctx, autoConnectServers(cfg)); err != nil {
			logger.Warn("some configured servers failed to connect", "error", err)
		}
		if err := reg.Restore(ctx); err != nil {
			logger.Warn("some saved servers failed to reconnect", "error", err)
		}
	}()

	// --- Liveness monitor ---
	if cfg.HealthInterval > 0 {
		monitor := connwatch.NewMonitor(reg, bus, cfg.HealthInterval, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			monitor.Run(ctx)
		}()
	}

	// --- MQTT status publisher ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		mqttPub = mqtt.New(cfg.MQTT, "toolhost-"+instanceID, reg, bus, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mqttPub.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled", "broker", cfg.MQTT.Broker, "topic_prefix", cfg.MQTT.TopicPrefix)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- HTTP API ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, reg, bus, logger)
	server.SetMaxConns(cfg.Listen.MaxConns)

	// Joined by wg so in-flight API handlers have drained before the
	// registry closes.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("API server shutdown failed", "error", err)
		}
		if mqttPub != nil {
			if err := mqttPub.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
	}()

	err = server.Start(ctx)
	if err != nil && ctx.Err() == nil {
		cancel()
		wg.Wait()
		reg.Close()
		return fmt.Errorf("server failed: %w", err)
	}

	wg.Wait()
	reg.Close()

	if err := store.Set(opstate.NamespaceRuntime, "last_shutdown", time.Now().UTC().Format(time.RFC3339)); err != nil {
		logger.Warn("failed to record shutdown time", "error", err)
	}
	logger.Info("toolhost stopped")
	return nil
}

// runServers prints the servers declared in the config file.
func runServers(stdout io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		out := make([]mcp.ServerConfig, 0, len(cfg.Servers))
		for _, s := range cfg.Servers {
			out = append(out, toServerConfig(s))
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tAUTOCONNECT\tCOMMAND")
	for _, s := range cfg.Servers {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", s.ID, s.Name, s.AutoConnect, strings.Join(append([]string{s.Command}, s.Args...), " "))
	}
	return tw.Flush()
}

// runTools connects one configured server, prints its tools and shuts it
// down again.
func runTools(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, id string) error {
	reg, rec, err := connectOne(ctx, stderr, configPath, id)
	if err != nil {
		return err
	}
	defer reg.Close()

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec.Tools)
	}

	if len(rec.Tools) == 0 {
		fmt.Fprintf(stdout, "%s exposes no tools\n", id)
		return nil
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tDESCRIPTION")
	for _, t := range rec.Tools {
		fmt.Fprintf(tw, "%s\t%s\n", t.Name, firstLine(t.Description))
	}
	return tw.Flush()
}

// runCall connects one configured server, calls a single tool and
// prints the raw result.
func runCall(ctx context.Context, stdout, stderr io.Writer, configPath, id, tool, rawArgs string) error {
	args := json.RawMessage(rawArgs)
	if rawArgs != "" && !json.Valid(args) {
		return fmt.Errorf("tool arguments are not valid JSON: %s", rawArgs)
	}

	reg, _, err := connectOne(ctx, stderr, configPath, id)
	if err != nil {
		return err
	}
	defer reg.Close()

	result, err := reg.CallTool(ctx, id, tool, args)
	if err != nil {
		return fmt.Errorf("call %s/%s: %w", id, tool, err)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// connectOne loads the config and connects the named server in a
// throwaway registry.
func connectOne(ctx context.Context, logw io.Writer, configPath, id string) (*registry.Registry, registry.Record, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, registry.Record{}, err
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	if level < slog.LevelWarn {
		level = slog.LevelWarn
	}
	logger := newLogger(logw, level, cfg.LogFormat)

	sc, ok := cfg.Server(id)
	if !ok {
		return nil, registry.Record{}, fmt.Errorf("server %q is not configured", id)
	}

	reg := newRegistry(cfg, logger)
	rec, err := reg.Connect(ctx, id, toServerConfig(sc))
	if err != nil {
		reg.Close()
		return nil, rec, fmt.Errorf("connect %s: %w", id, err)
	}
	return reg, rec, nil
}

// newRegistry builds a registry with the timeouts and credential source
// from cfg.
func newRegistry(cfg *config.Config, logger *slog.Logger, opts ...registry.Option) *registry.Registry {
	base := []registry.Option{
		registry.WithLogger(logger),
		registry.WithTimeouts(cfg.ConnectTimeout, cfg.CallTimeout),
	}
	if dir := cfg.Credentials.SearchDir; dir != "" {
		base = append(base, registry.WithCredentials(func() map[string]string {
			return credentials.Load(credentials.SearchDirs(dir), os.LookupEnv)
		}))
	}
	return registry.New(append(base, opts...)...)
}

func autoConnectServers(cfg *config.Config) []mcp.ServerConfig {
	var out []mcp.ServerConfig
	for _, s := range cfg.Servers {
		if s.AutoConnect {
			out = append(out, toServerConfig(s))
		}
	}
	return out
}

func toServerConfig(s config.ServerConfig) mcp.ServerConfig {
	return mcp.ServerConfig{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		Command:     s.Command,
		Args:        s.Args,
		Env:         s.Env,
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// newLogger creates a structured logger writing to w. Format "json"
// selects the JSON handler; anything else is text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
