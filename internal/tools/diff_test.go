package tools

import "testing"

func TestUnifiedDiff(t *testing.T) {
	tests := []struct {
		name string
		old  string
		new  string
		path string
		k    int
		want string
	}{
		{
			name: "create from empty",
			old:  "",
			new:  "line1\nline2\n",
			path: "empty.txt",
			k:    1,
			want: "--- a/empty.txt\n+++ b/empty.txt\n@@ -0,0 +1,2 @@\n+line1\n+line2",
		},
		{
			name: "identical files header only",
			old:  "same\n",
			new:  "same\n",
			path: "a.txt",
			k:    3,
			want: "--- a/a.txt\n+++ b/a.txt",
		},
		{
			name: "both empty header only",
			old:  "",
			new:  "",
			path: "void.txt",
			k:    3,
			want: "--- a/void.txt\n+++ b/void.txt",
		},
		{
			name: "trailing newline is not a change",
			old:  "alpha\nbeta",
			new:  "alpha\nbeta\n",
			path: "nl.txt",
			k:    3,
			want: "--- a/nl.txt\n+++ b/nl.txt",
		},
		{
			name: "single line replaced with context",
			old:  "one\ntwo\nthree\n",
			new:  "one\n2\nthree\n",
			path: "n.txt",
			k:    1,
			want: "--- a/n.txt\n+++ b/n.txt\n@@ -1,3 +1,3 @@\n one\n-two\n+2\n three",
		},
		{
			name: "delete everything",
			old:  "gone\n",
			new:  "",
			path: "g.txt",
			k:    1,
			want: "--- a/g.txt\n+++ b/g.txt\n@@ -1,1 +0,0 @@\n-gone",
		},
		{
			name: "distant changes split into two hunks",
			old:  "a\nb\nc\nd\ne\nf\ng\nh\n",
			new:  "A\nb\nc\nd\ne\nf\ng\nH\n",
			path: "far.txt",
			k:    1,
			want: "--- a/far.txt\n+++ b/far.txt\n" +
				"@@ -1,2 +1,2 @@\n-a\n+A\n b\n" +
				"@@ -7,2 +7,2 @@\n g\n-h\n+H",
		},
		{
			name: "close changes merge into one hunk",
			old:  "a\nb\nc\nd\n",
			new:  "A\nb\nc\nD\n",
			path: "near.txt",
			k:    1,
			want: "--- a/near.txt\n+++ b/near.txt\n@@ -1,4 +1,4 @@\n-a\n+A\n b\n c\n-d\n+D",
		},
		{
			name: "insertion mid file",
			old:  "top\nbottom\n",
			new:  "top\nmiddle\nbottom\n",
			path: "mid.txt",
			k:    1,
			want: "--- a/mid.txt\n+++ b/mid.txt\n@@ -1,2 +1,3 @@\n top\n+middle\n bottom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := UnifiedDiff(tt.old, tt.new, tt.path, tt.k)
			if got != tt.want {
				t.Errorf("UnifiedDiff:\ngot:\n%s\nwant:\n%s", got, tt.want)
			}
		})
	}
}
