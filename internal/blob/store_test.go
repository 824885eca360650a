package blob

import (
	"bytes"
	"errors"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	data := []byte("hello blob")
	hash, err := s.Put(data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if hash != Hash(data) {
		t.Errorf("Put hash = %q, want %q", hash, Hash(data))
	}

	got, err := s.Get(hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Get = %q, want %q", got, data)
	}
	if !s.Exists(hash) {
		t.Error("Exists = false after Put")
	}
}

func TestPutIdempotent(t *testing.T) {
	s, _ := Open(t.TempDir())
	h1, err := s.Put([]byte("same"))
	if err != nil {
		t.Fatalf("first Put: %v", err)
	}
	h2, err := s.Put([]byte("same"))
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hashes differ: %q vs %q", h1, h2)
	}
}

func TestGetUnknown(t *testing.T) {
	s, _ := Open(t.TempDir())
	if _, err := s.Get(Hash([]byte("never stored"))); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get unknown = %v, want ErrNotFound", err)
	}
	if _, err := s.Get("../../etc/passwd"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get with traversal = %v, want ErrNotFound", err)
	}
	if s.Exists("nothex") {
		t.Error("Exists accepted malformed hash")
	}
}

func TestWalkAndDelete(t *testing.T) {
	s, _ := Open(t.TempDir())
	h, _ := s.Put([]byte("walk me"))

	var seen []string
	if err := s.Walk(func(hash string) error {
		seen = append(seen, hash)
		return nil
	}); err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(seen) != 1 || seen[0] != h {
		t.Errorf("Walk saw %v, want [%s]", seen, h)
	}

	if err := s.Delete(h); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Exists(h) {
		t.Error("blob still exists after Delete")
	}
	if err := s.Delete(h); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}
