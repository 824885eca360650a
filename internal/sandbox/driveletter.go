package sandbox

import "errors"

// ErrNoFreeLetter is returned when all 26 drive letters are taken.
var ErrNoFreeLetter = errors.New("no free drive letter")

// FindBestDriveLetter picks a mount letter for platforms with virtual
// drives: the midpoint of the largest contiguous run of free letters in
// A–Z, so neighbouring mounts stay far apart. used is a bitmask with bit
// 0 = 'A' … bit 25 = 'Z'.
func FindBestDriveLetter(used uint32) (rune, error) {
	bestStart, bestLen := -1, 0
	start := -1
	for i := 0; i <= 26; i++ {
		free := i < 26 && used&(1<<i) == 0
		if free {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			if n := i - start; n > bestLen {
				bestStart, bestLen = start, n
			}
			start = -1
		}
	}
	if bestLen == 0 {
		return 0, ErrNoFreeLetter
	}
	return rune('A' + bestStart + (bestLen-1)/2), nil
}
