package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace sits below [slog.LevelDebug] and is used for full JSON-RPC
// lines exchanged with MCP servers. -8 matches the value other slog
// extensions use for trace.
const LevelTrace = slog.Level(-8)

// ParseLogLevel converts a log_level setting to an [slog.Level]. Matching
// is case-insensitive and ignores surrounding whitespace; the empty
// string means info.
//
//   - "trace": [LevelTrace], every MCP request and response line
//   - "debug": server stderr, skipped messages, tool listings
//   - "info": lifecycle events
//   - "warn" or "warning"
//   - "error"
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
}

// ReplaceLogLevelNames is a [slog.HandlerOptions.ReplaceAttr] hook that
// prints [LevelTrace] as "TRACE" instead of slog's "DEBUG-4".
func ReplaceLogLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}
