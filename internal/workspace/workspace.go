// Package workspace manages the Nyumba runtime directory structure.
// All runtime state (database, artifacts, ephemeral sandbox scripts and
// outputs) is consolidated under a single workspace root, making Nyumba
// portable.
//
// Default workspace: ~/.nyumba (configurable via config or NYUMBA_WORKSPACE env var).
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Default workspace location relative to user home directory.
const defaultRelativePath = ".nyumba"

// Workspace manages all Nyumba runtime directories and derived paths.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Workspace rooted at the given path.
// It resolves ~ to the user's home directory and creates the root directory
// with appropriate permissions if it does not exist.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}

	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return w, nil
}

// Default creates a Workspace at ~/.nyumba.
func Default() (*Workspace, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// --- Top-level directory accessors ---

// ArtifactsDir returns <root>/artifacts/. Base directory of the artifact store.
func (w *Workspace) ArtifactsDir() string {
	return w.dir("artifacts")
}

// ScriptsDir returns <root>/scripts/ with 0700 permissions.
// Ephemeral LLM-generated scripts are written here before being mounted
// read-only into the sandbox, and removed after the run.
func (w *Workspace) ScriptsDir() string {
	return w.restrictedDir("scripts")
}

// OutputsDir returns <root>/outputs/. Per-run sandbox output directories.
func (w *Workspace) OutputsDir() string {
	return w.dir("outputs")
}

// DataDir returns <root>/data/. Persistent data (SQLite database).
func (w *Workspace) DataDir() string {
	return w.dir("data")
}

// LogsDir returns <root>/logs/. Application log files.
func (w *Workspace) LogsDir() string {
	return w.dir("logs")
}

// --- Derived paths ---

// ConfigPath returns <root>/config.json.
func (w *Workspace) ConfigPath() string {
	return filepath.Join(w.Root, "config.json")
}

// DatabasePath returns <root>/data/nyumba.db.
func (w *Workspace) DatabasePath() string {
	return filepath.Join(w.DataDir(), "nyumba.db")
}

// --- Run-scoped paths ---

// RunOutputDir returns <root>/outputs/<runID>/, the writable directory a
// sandboxed script emits files into.
func (w *Workspace) RunOutputDir(runID string) string {
	p := filepath.Join(w.OutputsDir(), sanitizeName(runID))
	_ = w.ensureDir(p, 0750)
	return p
}

// ReportDir returns <root>/artifacts/<reportID>/ without creating it.
// The artifact store owns creation; this accessor exists for cleanup paths.
func (w *Workspace) ReportDir(reportID string) string {
	return filepath.Join(w.ArtifactsDir(), sanitizeName(reportID))
}

// --- Cleanup ---

// CleanScripts removes all contents of the scripts directory.
// Leftovers only exist after a crash; scripts are normally removed per-run.
func (w *Workspace) CleanScripts() error {
	return w.cleanDir("scripts")
}

// CleanOutputs removes all contents of the outputs directory.
func (w *Workspace) CleanOutputs() error {
	return w.cleanDir("outputs")
}

func (w *Workspace) cleanDir(name string) error {
	dir := filepath.Join(w.Root, name)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading %s dir: %w", name, err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("removing %s entry %s: %w", name, entry.Name(), err)
		}
	}
	return nil
}

// EnsureAll creates all standard workspace directories.
// Call this during first startup.
func (w *Workspace) EnsureAll() error {
	// Regular directories (0750).
	dirs := []string{
		w.ArtifactsDir(),
		w.OutputsDir(),
		w.DataDir(),
		w.LogsDir(),
	}
	for _, d := range dirs {
		if err := w.ensureDir(d, 0750); err != nil {
			return err
		}
	}
	// Restricted directories (0700).
	_ = w.ScriptsDir()
	return nil
}

// --- Internal helpers ---

// dir returns an absolute path under the workspace root and ensures the directory exists.
func (w *Workspace) dir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0750)
	return p
}

// restrictedDir is like dir but uses 0700 permissions.
func (w *Workspace) restrictedDir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0700)
	return p
}

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// sanitizeName replaces path separator characters to prevent directory traversal.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "_"
	}
	return name
}
