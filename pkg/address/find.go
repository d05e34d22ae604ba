package address

import (
	"github.com/Mauler125/r5sdk-sub022/pkg/pattern"
)

// lowestMapped is the lowest address Windows and Linux map by default.
const lowestMapped = 0x10000

// FindPattern scans at most bound bytes from h for p and returns the start
// of the occurrence-th match. Forward scans cover [h, h+bound); backward
// scans look at match starts in [h-bound, h] and walk toward lower
// addresses, which is how a function start is found from inside its body.
// A backward scan reads at most p.Len()-1 bytes past h, so that a match
// starting at h is complete, and its window never reaches below lowestMapped.
func (h Handle) FindPattern(p pattern.Pattern, dir pattern.Direction, bound int, occurrence int) Handle {
	if h == Null || bound <= 0 || p.Len() == 0 {
		return Null
	}
	switch dir {
	case pattern.Backward:
		if uintptr(h) <= lowestMapped {
			return Null
		}
		if uintptr(bound) > uintptr(h)-lowestMapped {
			bound = int(uintptr(h) - lowestMapped)
		}
		start := h.Offset(-int64(bound))
		off := pattern.Scan(start.Bytes(bound+p.Len()), p, pattern.Backward, occurrence)
		if off < 0 {
			return Null
		}
		return start.Offset(int64(off))
	default:
		off := pattern.Scan(h.Bytes(bound), p, pattern.Forward, occurrence)
		if off < 0 {
			return Null
		}
		return h.Offset(int64(off))
	}
}
