package pattern

import (
	"bytes"
)

// Direction of a scan.
type Direction int

const (
	// Forward scans toward higher addresses.
	Forward Direction = iota
	// Backward scans toward lower addresses.
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// Scan returns the offset in data of the occurrence-th match of p, counted
// in scan direction, or -1. Matches must lie entirely inside data.
//
// Candidates come from searching for the pattern's first fixed byte with
// bytes.IndexByte, which the runtime vectorizes; the mask is only checked
// at those candidates.
func Scan(data []byte, p Pattern, dir Direction, occurrence int) int {
	if occurrence < 1 {
		occurrence = 1
	}
	found := -1
	Each(data, p, dir, func(off int) bool {
		occurrence--
		if occurrence == 0 {
			found = off
			return false
		}
		return true
	})
	return found
}

// Each calls fn with every match offset in scan order until fn returns false.
func Each(data []byte, p Pattern, dir Direction, fn func(off int) bool) {
	n := p.Len()
	if n == 0 || len(data) < n {
		return
	}
	last := len(data) - n
	a := p.anchor
	ab := p.bytes[a]

	if dir == Backward {
		hi := last
		for hi >= 0 {
			idx := bytes.LastIndexByte(data[a:hi+a+1], ab)
			if idx < 0 {
				return
			}
			if p.matchAt(data, idx) && !fn(idx) {
				return
			}
			hi = idx - 1
		}
		return
	}

	lo := 0
	for lo <= last {
		idx := bytes.IndexByte(data[lo+a:last+a+1], ab)
		if idx < 0 {
			return
		}
		start := lo + idx
		if p.matchAt(data, start) && !fn(start) {
			return
		}
		lo = start + 1
	}
}

// Count returns the number of matches of p in data.
func Count(data []byte, p Pattern) int {
	n := 0
	Each(data, p, Forward, func(int) bool {
		n++
		return true
	})
	return n
}
