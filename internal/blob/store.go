// Package blob is a content-addressed binary store. Bytes are keyed by
// the hex SHA-512/256 of their content and live as flat files under one
// base directory, so identical attachments are stored once regardless of
// how many messages reference them.
package blob

import (
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotFound is returned when a hash has no stored bytes.
var ErrNotFound = errors.New("blob not found")

// Store persists blobs under dir, one file per hash.
type Store struct {
	dir string
}

// Open creates the blob directory if needed and returns a Store.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Hash returns the hex SHA-512/256 of data.
func Hash(data []byte) string {
	sum := sha512.Sum512_256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores data and returns its hash. Idempotent: re-putting existing
// content is a no-op.
func (s *Store) Put(data []byte) (string, error) {
	hash := Hash(data)
	path := s.path(hash)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	// Write-then-rename so concurrent puts of the same content never
	// expose a partial file.
	tmp, err := os.CreateTemp(s.dir, ".put-*")
	if err != nil {
		return "", fmt.Errorf("blob temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("blob write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("blob close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("blob rename: %w", err)
	}
	return hash, nil
}

// Get returns the bytes for hash or ErrNotFound.
func (s *Store) Get(hash string) ([]byte, error) {
	if !validHash(hash) {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(s.path(hash))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blob read: %w", err)
	}
	return data, nil
}

// Exists reports whether hash has stored bytes.
func (s *Store) Exists(hash string) bool {
	if !validHash(hash) {
		return false
	}
	_, err := os.Stat(s.path(hash))
	return err == nil
}

// Delete removes a blob. Missing blobs are not an error (GC races with
// concurrent sweeps).
func (s *Store) Delete(hash string) error {
	if !validHash(hash) {
		return nil
	}
	err := os.Remove(s.path(hash))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob delete: %w", err)
	}
	return nil
}

// Walk calls fn for every stored hash. Used by the janitor's GC sweep.
func (s *Store) Walk(fn func(hash string) error) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("blob walk: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !validHash(e.Name()) {
			continue
		}
		if err := fn(e.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) path(hash string) string {
	return filepath.Join(s.dir, hash)
}

// validHash gates filesystem access: exactly 64 lowercase hex chars.
func validHash(hash string) bool {
	if len(hash) != 64 {
		return false
	}
	for i := 0; i < len(hash); i++ {
		c := hash[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
