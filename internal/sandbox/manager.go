package sandbox

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/nextlevelbuilder/loom/internal/session"
)

// Manager hands out refcounted FS instances keyed by main session id.
// Subsessions share their parent's instance: concurrent tool calls of a
// session (and its subagents) all see the same view.
type Manager struct {
	dir string // parent of all per-session directories

	mu      sync.Mutex
	entries map[string]*managed
}

type managed struct {
	fs   *FS
	refs int
}

// NewManager stores session directories under dir.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir, entries: make(map[string]*managed)}
}

// Acquire returns the FS for sessionID's main session, creating it on
// first use, and increments its refcount. Pair with Release.
func (m *Manager) Acquire(sessionID string, roots []string) (*FS, error) {
	main, _ := session.Split(sessionID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[main]; ok {
		e.refs++
		e.fs.SetRoots(roots)
		return e.fs, nil
	}
	fs, err := New(filepath.Join(m.dir, main), roots)
	if err != nil {
		return nil, fmt.Errorf("sandbox for %s: %w", main, err)
	}
	m.entries[main] = &managed{fs: fs, refs: 1}
	return fs, nil
}

// Release decrements the refcount; at zero the instance is dropped. The
// session directory itself stays on disk until the session is deleted.
func (m *Manager) Release(sessionID string) {
	main, _ := session.Split(sessionID)

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[main]
	if !ok {
		slog.Warn("sandbox release without acquire", "session", main)
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(m.entries, main)
	}
}

// Destroy removes the session directory from disk (session deleted).
func (m *Manager) Destroy(sessionID string) error {
	main, _ := session.Split(sessionID)

	m.mu.Lock()
	delete(m.entries, main)
	m.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(m.dir, main)); err != nil {
		return fmt.Errorf("destroy sandbox %s: %w", main, err)
	}
	return nil
}
