// Package credentials discovers secrets destined for MCP server
// environments. Values come from the nearest .env file or, failing that,
// from the process environment. Values are never logged.
package credentials

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// FileName is the environment-definition file searched for.
const FileName = ".env"

// maxAncestors is how many parent directories above the starting
// directory are searched.
const maxAncestors = 3

// Mapped lists the recognized source keys and the names they are
// re-emitted under in a server's environment.
var Mapped = []struct {
	Source string
	Target string
}{
	{Source: "VITE_GOOGLE_OAUTH_CLIENT_ID", Target: "GOOGLE_OAUTH_CLIENT_ID"},
	{Source: "VITE_GOOGLE_OAUTH_CLIENT_SECRET", Target: "GOOGLE_OAUTH_CLIENT_SECRET"},
}

// SearchDirs returns wd followed by up to three of its ancestors, nearest
// first. The filesystem root is not repeated.
func SearchDirs(wd string) []string {
	dirs := []string{wd}
	dir := wd
	for range maxAncestors {
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dirs = append(dirs, parent)
		dir = parent
	}
	return dirs
}

// Load returns the recognized credentials under their target names. The
// first .env found in dirs is used. If none exists, or it yields no
// recognized non-empty values, environ is consulted for the same source
// keys. The result holds only non-empty values and may be empty.
func Load(dirs []string, environ func(string) (string, bool)) map[string]string {
	out := make(map[string]string)

	for _, dir := range dirs {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err != nil {
			continue
		}

		entries, err := ParseFile(path)
		if err != nil {
			slog.Warn("failed to read credentials file", "path", path, "error", err)
			break
		}
		for _, m := range Mapped {
			if v := entries[m.Source]; v != "" {
				out[m.Target] = v
			}
		}
		slog.Debug("loaded credentials file", "path", path, "keys", keys(out))
		break
	}

	if len(out) > 0 || environ == nil {
		return out
	}

	for _, m := range Mapped {
		if v, ok := environ(m.Source); ok && v != "" {
			out[m.Target] = v
		}
	}
	if len(out) > 0 {
		slog.Debug("loaded credentials from environment", "keys", keys(out))
	}
	return out
}

// Discover loads credentials starting from the current working
// directory.
func Discover() map[string]string {
	wd, err := os.Getwd()
	if err != nil {
		return Load(nil, os.LookupEnv)
	}
	return Load(SearchDirs(wd), os.LookupEnv)
}

// ParseFile parses the KEY=VALUE file at path.
func ParseFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return entries, nil
}

// Parse reads KEY=VALUE lines. Blank lines, lines starting with '#' and
// lines without '=' are skipped. Keys and values are trimmed, and one
// layer of matching single or double quotes is removed from the value.
// A repeated key keeps its last value.
func Parse(r io.Reader) (map[string]string, error) {
	entries := make(map[string]string)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		entries[key] = unquote(strings.TrimSpace(value))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func unquote(v string) string {
	if len(v) >= 2 {
		first, last := v[0], v[len(v)-1]
		if first == last && (first == '"' || first == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// keys returns the sorted key names of m for logging.
func keys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}
