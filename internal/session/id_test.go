package session

import "testing"

func TestSplit(t *testing.T) {
	tests := []struct {
		id     string
		main   string
		suffix string
	}{
		{"session789.suffix", "session789", ".suffix"},
		{".temp123.suffix", ".temp123", ".suffix"},
		{".temp456", ".temp456", ""},
		{"plain", "plain", ""},
		{"", "", ""},
		{".", ".", ""},
		{"a.b.c", "a", ".b.c"},
	}
	for _, tt := range tests {
		main, suffix := Split(tt.id)
		if main != tt.main || suffix != tt.suffix {
			t.Errorf("Split(%q) = (%q, %q), want (%q, %q)", tt.id, main, suffix, tt.main, tt.suffix)
		}
	}
}

func TestIsSubsession(t *testing.T) {
	if IsSubsession("sess-1") {
		t.Error("plain id reported as subsession")
	}
	if !IsSubsession("sess-1.sub") {
		t.Error("suffixed id not reported as subsession")
	}
	if IsSubsession(".tmp-only") {
		t.Error("temporary marker alone must not make a subsession")
	}
	if !IsSubsession(".tmp.sub") {
		t.Error("temporary subsession not detected")
	}
}

func TestIsTemporary(t *testing.T) {
	if !IsTemporary(".x") || IsTemporary("x.y") || IsTemporary("") {
		t.Error("temporary detection wrong")
	}
}

func TestSubsessionRoundTrip(t *testing.T) {
	id := Subsession("sess-1", "subagent-3")
	main, suffix := Split(id)
	if main != "sess-1" || suffix != ".subagent-3" {
		t.Errorf("round trip broke: %q -> (%q, %q)", id, main, suffix)
	}
}
