// Package vmem changes protection of code pages and allocates executable
// memory for trampolines.
package vmem

import (
	"unsafe"

	"github.com/pkg/errors"
)

// ErrProtect means the pages around a patch site could not be made writable
var ErrProtect = errors.New("cannot change page protection")

var pageSize uintptr

// PageSize is the protection granularity of the host.
func PageSize() uintptr { return pageSize }

func makeSlice(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// pageSpan returns the page aligned range covering [addr, addr+size).
func pageSpan(addr, size uintptr) (start, length uintptr) {
	start = pageSize * (addr / pageSize)
	length = pageSize * ((addr + size + pageSize - 1 - start) / pageSize)
	return start, length
}

// Write copies b over the code at addr. Pages are made writable for the
// copy, restored, and the instruction cache flushed for the range. Write
// does not allocate on success, so it is safe while other threads are
// suspended.
func Write(addr uintptr, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	size := uintptr(len(b))
	old, err := unprotect(addr, size)
	if err != nil {
		return errors.Wrapf(ErrProtect, "%#x+%d: %v", addr, size, err)
	}
	copy(makeSlice(addr, size), b)
	if err := reprotect(addr, size, old); err != nil {
		return errors.Wrapf(ErrProtect, "restore %#x+%d: %v", addr, size, err)
	}
	return flush(addr, size)
}

// Read returns a copy of size bytes at addr.
func Read(addr uintptr, size int) []byte {
	return append([]byte(nil), makeSlice(addr, uintptr(size))...)
}

// ErrNoNearMemory means no free block was found within reach of the
// requested address.
var ErrNoNearMemory = errors.New("no free memory near address")

const (
	// allocStep is the allocation granularity of Windows; hints are tried
	// at this stride on every host.
	allocStep = 0x10000
	// maxReach keeps a block and every byte of it within rel32 of the hint.
	maxReach = 1<<31 - 1<<20
	// address range handed out to user mode on x86-64 hosts
	minUserAddr = 0x10000
	maxUserAddr = 0x7FFFFFFE0000
)

// Alloc returns size bytes of writable executable memory.
// When near is not zero the block lies within ±2 GiB of it, so code moved
// from near keeps reaching its rel32 and RIP-relative operands. Candidate
// addresses are tried outward from near, above first, one allocStep at a
// time.
func Alloc(near uintptr, size int) (uintptr, error) {
	if near == 0 {
		return alloc(0, size)
	}
	origin := near &^ (allocStep - 1)
	for d := uintptr(allocStep); d < maxReach; d += allocStep {
		if hi := origin + d; hi < maxUserAddr {
			if addr, ok := tryNear(hi, near, size); ok {
				return addr, nil
			}
		}
		if origin > minUserAddr+d {
			if addr, ok := tryNear(origin-d, near, size); ok {
				return addr, nil
			}
		}
	}
	return 0, errors.Wrapf(ErrNoNearMemory, "%d bytes near %#x", size, near)
}

// tryNear allocates at hint and keeps the block only if the host placed it
// within reach of near.
func tryNear(hint, near uintptr, size int) (uintptr, bool) {
	addr, err := alloc(hint, size)
	if err != nil || addr == 0 {
		return 0, false
	}
	if !reaches(addr, uintptr(size), near) {
		free(addr, size)
		return 0, false
	}
	return addr, true
}

// reaches reports whether every byte of [addr, addr+size) is within
// maxReach of near.
func reaches(addr, size, near uintptr) bool {
	if addr >= near {
		return addr+size-near < maxReach
	}
	return near-addr < maxReach
}

// Free releases memory returned by Alloc.
func Free(addr uintptr, size int) error {
	return free(addr, size)
}

// Memory adapts the package functions to the detour Memory interface.
type Memory struct{}

func (Memory) Write(addr uintptr, b []byte) error            { return Write(addr, b) }
func (Memory) Read(addr uintptr, size int) []byte            { return Read(addr, size) }
func (Memory) Alloc(near uintptr, size int) (uintptr, error) { return Alloc(near, size) }
func (Memory) Free(addr uintptr, size int) error             { return Free(addr, size) }
