package store

import "errors"

// Sentinel errors shared by all storage backends. HTTP handlers map these
// to status codes with errors.Is, so backends must wrap rather than
// replace them.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrCorrupt  = errors.New("corrupt record")
	ErrIO       = errors.New("storage io")
)
