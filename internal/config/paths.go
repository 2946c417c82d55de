package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultBaseDir = ".calldesk"

// Paths holds resolved filesystem paths for calldesk data.
type Paths struct {
	Base        string // ~/.calldesk
	Config      string // ~/.calldesk/config.yaml
	Credentials string // ~/.calldesk/credentials
	Logs        string // ~/.calldesk/logs
	Data        string // ~/.calldesk/data
	Database    string // ~/.calldesk/data/calldesk.db
}

// ResolvePaths computes all standard paths from the home directory.
// If CALLDESK_HOME is set, it overrides the default base directory.
func ResolvePaths() (Paths, error) {
	base := os.Getenv("CALLDESK_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Paths{}, err
		}
		base = filepath.Join(home, defaultBaseDir)
	}

	data := filepath.Join(base, "data")
	return Paths{
		Base:        base,
		Config:      filepath.Join(base, "config.yaml"),
		Credentials: filepath.Join(base, "credentials"),
		Logs:        filepath.Join(base, "logs"),
		Data:        data,
		Database:    filepath.Join(data, "calldesk.db"),
	}, nil
}

// EnsureDirs creates all standard directories if they don't exist.
func (p Paths) EnsureDirs() error {
	dirs := []string{p.Base, p.Credentials, p.Logs, p.Data}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return err
		}
	}
	return nil
}

// StorePath returns the database file for cfg, falling back to the
// standard data directory.
func (p Paths) StorePath(cfg *Config) string {
	if cfg.Store.Path != "" {
		return cfg.Store.Path
	}
	return p.Database
}

// blockedKeys are keys that must never appear in config paths.
var blockedKeys = map[string]bool{
	"__proto__":   true,
	"prototype":   true,
	"constructor": true,
}

// ParseConfigPath splits a dot-separated config path into segments.
// Returns an error if any segment is blocked or empty.
func ParseConfigPath(raw string) ([]string, error) {
	if raw == "" {
		return nil, &ConfigError{Message: "empty config path"}
	}
	parts := strings.Split(raw, ".")
	for _, p := range parts {
		if p == "" {
			return nil, &ConfigError{Message: "config path contains empty segment"}
		}
		if blockedKeys[p] {
			return nil, &ConfigError{Message: "config path contains blocked key: " + p}
		}
	}
	return parts, nil
}

// child returns the element of a map or list node addressed by key. List
// elements are addressed by index, so "businesses.0.phoneNumber" reaches
// into the first business.
func child(node any, key string) (any, bool) {
	switch n := node.(type) {
	case map[string]any:
		v, ok := n[key]
		return v, ok
	case []any:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(n) {
			return nil, false
		}
		return n[i], true
	}
	return nil, false
}

// GetValueAtPath returns the value at path in a raw config document.
func GetValueAtPath(root map[string]any, path []string) (any, bool) {
	var node any = root
	for _, key := range path {
		next, ok := child(node, key)
		if !ok {
			return nil, false
		}
		node = next
	}
	return node, true
}

// SetValueAtPath stores value at path, creating missing maps on the way.
// An existing list element may be replaced by index; lists are never grown.
func SetValueAtPath(root map[string]any, path []string, value any) bool {
	var node any = root
	for i, key := range path {
		last := i == len(path)-1
		switch n := node.(type) {
		case map[string]any:
			if last {
				n[key] = value
				return true
			}
			next, ok := n[key]
			if _, list := next.([]any); !ok || !(list || isMap(next)) {
				next = map[string]any{}
				n[key] = next
			}
			node = next
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(n) {
				return false
			}
			if last {
				n[idx] = value
				return true
			}
			if _, ok := n[idx].(map[string]any); !ok {
				n[idx] = map[string]any{}
			}
			node = n[idx]
		default:
			return false
		}
	}
	return false
}

func isMap(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}

// UnsetValueAtPath removes the map key at path. Returns true if removed.
func UnsetValueAtPath(root map[string]any, path []string) bool {
	parent, ok := GetValueAtPath(root, path[:len(path)-1])
	if !ok {
		return false
	}
	m, ok := parent.(map[string]any)
	if !ok {
		return false
	}
	last := path[len(path)-1]
	if _, ok := m[last]; !ok {
		return false
	}
	delete(m, last)
	return true
}
