package tools

import (
	"fmt"
	"strings"
)

// UnifiedDiff renders the change from old to new as a unified diff with
// k lines of context per hunk. Trailing newlines are normalized away
// before comparison, so "a\n" and "a" diff as equal. The two-line
// header is always present, even when the contents are identical.
func UnifiedDiff(old, new, path string, k int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n", path, path)

	oldLines := splitLines(old)
	newLines := splitLines(new)

	ops := diffLines(oldLines, newLines)
	for _, h := range buildHunks(ops, k) {
		fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", h.oldStart, h.oldLen, h.newStart, h.newLen)
		for _, op := range h.ops {
			b.WriteByte(byte(op.kind))
			b.WriteString(op.line)
			b.WriteByte('\n')
		}
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

type opKind byte

const (
	opEqual  opKind = ' '
	opDelete opKind = '-'
	opInsert opKind = '+'
)

type diffOp struct {
	kind opKind
	line string
}

// diffLines computes a line-level edit script via a longest common
// subsequence table. Inputs here are file contents from write_file
// calls, small enough that the quadratic table is not a concern.
func diffLines(old, new []string) []diffOp {
	n, m := len(old), len(new)
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if old[i] == new[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else if lcs[i+1][j] >= lcs[i][j+1] {
				lcs[i][j] = lcs[i+1][j]
			} else {
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}

	var ops []diffOp
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case old[i] == new[j]:
			ops = append(ops, diffOp{opEqual, old[i]})
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			ops = append(ops, diffOp{opDelete, old[i]})
			i++
		default:
			ops = append(ops, diffOp{opInsert, new[j]})
			j++
		}
	}
	for ; i < n; i++ {
		ops = append(ops, diffOp{opDelete, old[i]})
	}
	for ; j < m; j++ {
		ops = append(ops, diffOp{opInsert, new[j]})
	}
	return ops
}

type hunk struct {
	oldStart, oldLen int
	newStart, newLen int
	ops              []diffOp
}

// buildHunks groups the edit script into hunks carrying k lines of
// context, merging hunks whose context regions would touch or overlap.
func buildHunks(ops []diffOp, k int) []hunk {
	// Indices into ops of every non-equal op.
	var changes []int
	for i, op := range ops {
		if op.kind != opEqual {
			changes = append(changes, i)
		}
	}
	if len(changes) == 0 {
		return nil
	}

	// Merge change runs whose k-context windows touch.
	type span struct{ lo, hi int } // inclusive op index range
	var spans []span
	cur := span{changes[0], changes[0]}
	for _, c := range changes[1:] {
		// Merge when at most 2k unchanged lines separate the changes:
		// the trailing and leading context regions would meet.
		if c-cur.hi-1 <= 2*k {
			cur.hi = c
			continue
		}
		spans = append(spans, cur)
		cur = span{c, c}
	}
	spans = append(spans, cur)

	// Running line positions per op index.
	oldPos := make([]int, len(ops)+1) // old line number before op i (0-based)
	newPos := make([]int, len(ops)+1)
	for i, op := range ops {
		oldPos[i+1] = oldPos[i]
		newPos[i+1] = newPos[i]
		if op.kind != opInsert {
			oldPos[i+1]++
		}
		if op.kind != opDelete {
			newPos[i+1]++
		}
	}

	var hunks []hunk
	for _, sp := range spans {
		lo := sp.lo - k
		if lo < 0 {
			lo = 0
		}
		hi := sp.hi + k
		if hi > len(ops)-1 {
			hi = len(ops) - 1
		}

		h := hunk{ops: ops[lo : hi+1]}
		for _, op := range h.ops {
			if op.kind != opInsert {
				h.oldLen++
			}
			if op.kind != opDelete {
				h.newLen++
			}
		}
		// Unified diff numbers lines from 1; an empty range is anchored
		// at the line before the insertion point.
		h.oldStart = oldPos[lo] + 1
		if h.oldLen == 0 {
			h.oldStart = oldPos[lo]
		}
		h.newStart = newPos[lo] + 1
		if h.newLen == 0 {
			h.newStart = newPos[lo]
		}
		hunks = append(hunks, h)
	}
	return hunks
}
