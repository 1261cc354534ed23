// Package workspace manages per-session working directories.
//
// Each session owns one directory under a fixed root, created lazily on
// first use and never deleted by the service. Callers may stage input
// files in the directory before execution and collect artifacts after.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// artifactGroups are the recognized artifact extensions in report order.
var artifactGroups = []string{".png", ".csv", ".tsv", ".txt", ".json"}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets a structured logger for the manager.
// If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager hands out session directories under a fixed root.
// Safe for concurrent use.
type Manager struct {
	root   string
	logger *slog.Logger
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// NewManager creates the workspace root if needed and returns a Manager
// rooted there.
func NewManager(root string, opts ...Option) (*Manager, error) {
	if root == "" {
		return nil, errors.New("workspace root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	m := &Manager{root: abs, logger: nopLogger}
	for _, opt := range opts {
		opt(m)
	}
	m.logger.Debug("workspace: root ready", "root", abs)
	return m, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string { return m.root }

// Dir returns the directory a session maps to without creating it. The
// mapping is deterministic, so callers can stage input files at the
// returned path before the session's first execution.
func (m *Manager) Dir(sessionID string) (string, error) {
	name, err := dirName(sessionID)
	if err != nil {
		return "", err
	}
	return filepath.Join(m.root, name), nil
}

// Ensure creates the session directory if needed and returns its path.
// Creation is idempotent and safe under concurrent calls.
func (m *Manager) Ensure(sessionID string) (string, error) {
	dir, err := m.Dir(sessionID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create session directory: %w", err)
	}
	m.logger.Debug("workspace: directory ensured", "session_id", sessionID, "dir", dir)
	return dir, nil
}

// dirName maps a session identifier to a bare directory name. Base strips
// any path structure, so separators and traversal collapse to the last
// element; identifiers with no usable last element are rejected.
func dirName(sessionID string) (string, error) {
	name := filepath.Base(filepath.Clean(sessionID))
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return "", fmt.Errorf("unusable session id %q", sessionID)
	}
	return name, nil
}

// Resolve maps a user-supplied file name to an absolute path inside dir.
// Absolute names and traversal components are clamped to the directory;
// names that resolve to the directory itself are rejected.
func Resolve(dir, name string) (string, error) {
	if name == "" {
		return "", errors.New("empty file name")
	}
	p := filepath.Join(dir, filepath.Clean("/"+name))
	if p == dir {
		return "", fmt.Errorf("file name %q resolves to the directory itself", name)
	}
	if !strings.HasPrefix(p, dir+string(filepath.Separator)) {
		return "", fmt.Errorf("file %q escapes the session directory", name)
	}
	return p, nil
}

// Scan lists artifacts in dir: regular files whose extension belongs to a
// recognized group, groups in fixed report order, names sorted within a
// group. A directory that does not exist yet scans as empty.
func Scan(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan session directory: %w", err)
	}
	var names []string
	for _, ext := range artifactGroups {
		// ReadDir sorts entries by name, so each group comes out sorted.
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if filepath.Ext(e.Name()) == ext {
				names = append(names, e.Name())
			}
		}
	}
	return names, nil
}
