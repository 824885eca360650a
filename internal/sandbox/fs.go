// Package sandbox scopes filesystem tool effects to a per-session view:
// an anonymous base directory plus the roots the session's environment
// has mounted. Every path a tool touches goes through Resolve, which
// rejects traversal and symlink escapes.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrDenied marks a path outside every root and the session directory.
// Tool handlers surface it as a bad-request error.
var ErrDenied = errors.New("path outside sandbox")

// FS is one session's filesystem view. Safe for concurrent tool calls;
// root mutation is serialized behind mu.
type FS struct {
	base string // anonymous per-session directory

	mu    sync.RWMutex
	roots []string // absolute, cleaned mounted roots
}

// New creates the session directory if needed.
func New(base string, roots []string) (*FS, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox dir: %w", err)
	}
	fs := &FS{base: abs}
	fs.SetRoots(roots)
	return fs, nil
}

// Base returns the anonymous session directory.
func (f *FS) Base() string { return f.base }

// SetRoots replaces the mounted roots (environment changed).
func (f *FS) SetRoots(roots []string) {
	cleaned := make([]string, 0, len(roots))
	for _, r := range roots {
		if abs, err := filepath.Abs(filepath.Clean(r)); err == nil {
			cleaned = append(cleaned, abs)
		}
	}
	f.mu.Lock()
	f.roots = cleaned
	f.mu.Unlock()
}

// Roots returns a copy of the current roots.
func (f *FS) Roots() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]string(nil), f.roots...)
}

// Resolve maps a tool-supplied path to a real path. Absolute paths must
// land inside a mounted root; relative paths resolve against the session
// directory. Symlinks are followed before containment is checked so a
// link pointing outside cannot smuggle access.
func (f *FS) Resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrDenied)
	}

	var abs string
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Join(f.base, path)
	}

	real, err := evalExisting(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrDenied, path)
	}

	if isInside(real, f.base) {
		return real, nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, root := range f.roots {
		rootReal, err := evalExisting(root)
		if err != nil {
			continue
		}
		if isInside(real, rootReal) {
			return real, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrDenied, path)
}

// ReadFile reads a resolved file.
func (f *FS) ReadFile(path string) ([]byte, error) {
	resolved, err := f.Resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// WriteFile creates parent directories and atomically replaces the
// target (write to a sibling temp file, rename over).
func (f *FS) WriteFile(path string, data []byte) error {
	resolved, err := f.Resolve(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(resolved)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parents of %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(dir, ".write-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), resolved); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// TreeEntry is one node of a bounded directory listing.
type TreeEntry struct {
	Name      string      `json:"name"`
	Dir       bool        `json:"dir,omitempty"`
	Size      int64       `json:"size,omitempty"`
	Children  []TreeEntry `json:"children,omitempty"`
	Truncated bool        `json:"truncated,omitempty"`
}

// ListDirectory returns a tree rooted at path with at most maxEntries
// nodes; subtrees cut off by the cap carry a truncation marker.
func (f *FS) ListDirectory(path string, maxEntries int) (*TreeEntry, error) {
	resolved, err := f.Resolve(path)
	if err != nil {
		return nil, err
	}
	if maxEntries <= 0 {
		maxEntries = 200
	}
	budget := maxEntries
	root := &TreeEntry{Name: filepath.Base(resolved), Dir: true}
	if err := f.listInto(resolved, root, &budget); err != nil {
		return nil, err
	}
	return root, nil
}

func (f *FS) listInto(dir string, node *TreeEntry, budget *int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if *budget <= 0 {
			node.Truncated = true
			return nil
		}
		*budget--
		child := TreeEntry{Name: e.Name(), Dir: e.IsDir()}
		if e.IsDir() {
			if err := f.listInto(filepath.Join(dir, e.Name()), &child, budget); err != nil {
				return err
			}
		} else if info, err := e.Info(); err == nil {
			child.Size = info.Size()
		}
		node.Children = append(node.Children, child)
	}
	return nil
}

// Glob matches pattern against the session directory and every root.
// "**" crosses directory boundaries. Returned paths are absolute.
func (f *FS) Glob(pattern string) ([]string, error) {
	bases := append([]string{f.base}, f.Roots()...)
	seen := map[string]bool{}
	var out []string
	for _, base := range bases {
		matches, err := globUnder(base, pattern)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func globUnder(base, pattern string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree: skip, don't fail the glob
		}
		rel, err := filepath.Rel(base, path)
		if err != nil || rel == "." {
			return nil
		}
		ok, merr := matchGlob(pattern, filepath.ToSlash(rel))
		if merr != nil {
			return merr
		}
		if ok {
			out = append(out, path)
		}
		return nil
	})
	return out, err
}

// matchGlob extends path.Match with "**" segments.
func matchGlob(pattern, name string) (bool, error) {
	pseg := strings.Split(pattern, "/")
	nseg := strings.Split(name, "/")
	return matchSegs(pseg, nseg)
}

func matchSegs(pseg, nseg []string) (bool, error) {
	for len(pseg) > 0 {
		if pseg[0] == "**" {
			// "**" matches zero or more leading segments.
			for skip := 0; skip <= len(nseg); skip++ {
				ok, err := matchSegs(pseg[1:], nseg[skip:])
				if err != nil || ok {
					return ok, err
				}
			}
			return false, nil
		}
		if len(nseg) == 0 {
			return false, nil
		}
		ok, err := filepath.Match(pseg[0], nseg[0])
		if err != nil || !ok {
			return false, err
		}
		pseg, nseg = pseg[1:], nseg[1:]
	}
	return len(nseg) == 0, nil
}

// Run executes a command with cwd at the session directory.
func (f *FS) Run(command string, args ...string) (int, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = f.base
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("run %s: %w", command, err)
}

// evalExisting resolves symlinks, falling back to the deepest existing
// ancestor for not-yet-created paths (write_file targets).
func evalExisting(path string) (string, error) {
	real, err := filepath.EvalSymlinks(path)
	if err == nil {
		return real, nil
	}
	parent, base := filepath.Dir(path), filepath.Base(path)
	if parent == path {
		return "", err
	}
	parentReal, err := evalExisting(parent)
	if err != nil {
		return "", err
	}
	if base == ".." {
		return filepath.Dir(parentReal), nil
	}
	return filepath.Join(parentReal, base), nil
}

func isInside(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
