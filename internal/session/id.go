// Package session holds session identifier helpers.
//
// Session ids are opaque strings with two structural conventions:
//
//	Temporary:  a leading "." excludes the session from listings
//	            (".scratch-42")
//	Subsession: a "." strictly after position 0 separates the main
//	            session id from the subsession suffix
//	            ("sess-abc.worker-1" is a subsession of "sess-abc")
//
// Both combine: ".tmp1.sub" is a temporary session ".tmp1" with
// subsession suffix ".sub". Subsessions share their main session's
// sandbox; everything else treats them as independent sessions.
package session

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a fresh opaque session id.
func New() string {
	return "s-" + uuid.NewString()
}

// NewTemporary returns a fresh temporary session id (excluded from listings).
func NewTemporary() string {
	return ".s-" + uuid.NewString()
}

// Split returns the main session id and the subsession suffix.
// The suffix includes its leading "." and is empty for plain ids.
// A leading "." (temporary marker) never starts a suffix.
func Split(id string) (main, suffix string) {
	if len(id) == 0 {
		return id, ""
	}
	if i := strings.Index(id[1:], "."); i >= 0 {
		return id[:i+1], id[i+1:]
	}
	return id, ""
}

// IsSubsession reports whether id carries a subsession suffix.
func IsSubsession(id string) bool {
	_, suffix := Split(id)
	return suffix != ""
}

// IsTemporary reports whether id marks a temporary session.
func IsTemporary(id string) bool {
	return strings.HasPrefix(id, ".")
}

// Subsession builds a subsession id under main. The label must not
// contain "."; callers pass short labels like "subagent-3".
func Subsession(main, label string) string {
	return main + "." + label
}
