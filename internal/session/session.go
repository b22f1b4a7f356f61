// Package session tracks the isolated workspaces being edited: each
// session pairs an id with a validated root directory. It also hosts the
// entry-point discovery and root-containment helpers the watcher, the
// bundler and the locator share.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conneroisu/workbench/internal/errors"
)

// DefaultEntryFiles is the ordered list of conventional entry filenames
// probed by FindEntry.
var DefaultEntryFiles = []string{
	"index.tsx", "index.ts", "index.jsx", "index.js",
	"App.tsx", "App.ts", "App.jsx", "App.js",
	"src/index.tsx", "src/index.ts", "src/index.jsx", "src/index.js",
	"src/App.tsx", "src/App.jsx",
}

// ErrNotFound matches any lookup of an unknown session id with errors.Is.
var ErrNotFound = errors.ErrSessionNotFound("")

// Session is a validated workspace.
type Session struct {
	ID        string    `json:"id"`
	Root      string    `json:"root"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager owns the set of live sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Create registers a session rooted at root. An empty id gets a fresh
// UUID. Creating an id that already exists replaces its root.
func (m *Manager) Create(id, root string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if strings.ContainsAny(id, "/\\") {
		return nil, errors.NewValidationError(errors.ErrCodeValidationFailed,
			fmt.Sprintf("session id %q must not contain path separators", id))
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.ErrInvalidPath(root)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, errors.WrapIO(err, errors.ErrCodeInvalidPath, "session root is not accessible")
	}
	if !info.IsDir() {
		return nil, errors.ErrInvalidPath(root).WithContext("reason", "not a directory")
	}

	s := &Session{ID: id, Root: abs, CreatedAt: time.Now()}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	return s, nil
}

// Get returns the session with the given id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, errors.ErrSessionNotFound(id)
	}
	return s, nil
}

// Root implements the lookup the build service needs.
func (m *Manager) Root(id string) (string, error) {
	s, err := m.Get(id)
	if err != nil {
		return "", err
	}
	return s.Root, nil
}

// List returns all sessions ordered by id.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove forgets a session. It reports whether the session existed.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.sessions[id]
	delete(m.sessions, id)
	return ok
}

// FindEntry returns the absolute path of the first candidate entry file
// present under root. A nil candidates list uses DefaultEntryFiles.
func FindEntry(root string, candidates []string) (string, error) {
	if len(candidates) == 0 {
		candidates = DefaultEntryFiles
	}
	for _, name := range candidates {
		path := filepath.Join(root, filepath.FromSlash(name))
		if !Contains(root, path) {
			continue
		}
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, nil
		}
	}
	return "", errors.NewValidationError(errors.ErrCodeEntryNotFound,
		fmt.Sprintf("no entry file found in %s (tried %s)", root, strings.Join(candidates, ", ")))
}

// Contains reports whether path lies inside root once both are cleaned.
// Root itself counts as contained.
func Contains(root, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// Relative returns path relative to root in slash form, or an error when
// path escapes root.
func Relative(root, path string) (string, error) {
	if !Contains(root, path) {
		return "", errors.ErrPathTraversal(path)
	}
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return "", errors.ErrInvalidPath(path)
	}
	return filepath.ToSlash(rel), nil
}
