// Package workspace hands out throwaway build directories under one root.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Manager owns per-build scratch directories.
type Manager struct {
	root string
}

// Workspace is a directory reserved for a single build.
type Workspace struct {
	ID  string
	Dir string
	m   *Manager
}

// New ensures the root exists.
func New(root string) (*Manager, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute root directory.
func (m *Manager) Root() string {
	return m.root
}

// Acquire creates a fresh directory named after prefix and a random id.
func (m *Manager) Acquire(prefix string) (*Workspace, error) {
	id := uuid.NewString()
	name := id
	if prefix = sanitize(prefix); prefix != "" {
		name = prefix + "-" + id
	}
	dir := filepath.Join(m.root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{ID: id, Dir: dir, m: m}, nil
}

// Path joins elems onto the workspace directory.
func (w *Workspace) Path(elems ...string) string {
	return filepath.Join(append([]string{w.Dir}, elems...)...)
}

// Release removes the workspace and everything in it.
func (w *Workspace) Release() error {
	if w == nil {
		return nil
	}
	return w.m.remove(w.Dir)
}

func (m *Manager) remove(path string) error {
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to remove %s outside workspace root", path)
	}
	return os.RemoveAll(path)
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
