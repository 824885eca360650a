package agent

import "testing"

func TestCopySessionName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "New Chat (Copy)"},
		{"   ", "New Chat (Copy)"},
		{"Trip planning", "Trip planning (Copy)"},
		{"Trip planning (Copy)", "Trip planning (Copy 2)"},
		{"Trip planning (Copy 2)", "Trip planning (Copy 3)"},
		{"Trip planning (Copy 9)", "Trip planning (Copy 10)"},
		{"Trip planning (copy)", "Trip planning (Copy 2)"},
		{"Trip planning (COPY 3)", "Trip planning (Copy 4)"},
		// A zero counter normalizes to the unnumbered form.
		{"Notes (Copy 0)", "Notes (Copy)"},
		// Unicode whitespace separators and trailing line endings.
		{"Another session\t(COPY　7)\r\n", "Another session (Copy 8)"},
		// Doubled separators disqualify the suffix: it reads as part of
		// the name.
		{"Notes  (Copy)", "Notes  (Copy) (Copy)"},
		{"Notes (Copy  2)", "Notes (Copy  2) (Copy)"},
		// Marker not at the end is not a marker.
		{"(Copy) of something", "(Copy) of something (Copy)"},
		{"Notes (Copy 2) extra", "Notes (Copy 2) extra (Copy)"},
		// Nested-looking names increment the trailing marker only.
		{"Notes (Copy) (Copy)", "Notes (Copy) (Copy 2)"},
	}
	for _, tt := range tests {
		if got := CopySessionName(tt.in); got != tt.want {
			t.Errorf("CopySessionName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeSessionName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Plain Title", "Plain Title"},
		{"  padded \n title\t", "padded title"},
		{"\"Quoted Title\"", "Quoted Title"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := sanitizeSessionName(tt.in); got != tt.want {
			t.Errorf("sanitizeSessionName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
