// Package workspace materializes uploaded job definitions into isolated
// temporary directories. A Workspace belongs to exactly one submission or
// export attempt and must be removed by whoever owns it last.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Workspace is an ephemeral, exclusively owned staging directory.
type Workspace struct {
	Dir string
}

// New creates a fresh workspace under baseDir. An empty baseDir uses the
// system temp directory.
func New(baseDir, prefix string) (*Workspace, error) {
	if baseDir != "" {
		if err := os.MkdirAll(baseDir, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace root: %w", err)
		}
	}
	dir, err := os.MkdirTemp(baseDir, prefix)
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{Dir: dir}, nil
}

// Path returns the location of name inside the workspace.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// Rel returns path relative to the workspace, or path unchanged when it lies
// outside.
func (w *Workspace) Rel(path string) string {
	rel, err := filepath.Rel(w.Dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return rel
}

// Remove deletes the workspace and everything in it.
func (w *Workspace) Remove() error {
	if w == nil || w.Dir == "" {
		return nil
	}
	return os.RemoveAll(w.Dir)
}
