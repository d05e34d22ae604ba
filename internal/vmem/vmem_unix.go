//go:build !windows

package vmem

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func init() {
	pageSize = uintptr(unix.Getpagesize())
}

// unprotect has no query for the current protection; code pages are
// restored to read+exec.
func unprotect(addr, size uintptr) (uint32, error) {
	start, length := pageSpan(addr, size)
	return unix.PROT_EXEC | unix.PROT_READ, mprotect(start, length, unix.PROT_EXEC|unix.PROT_READ|unix.PROT_WRITE)
}

func reprotect(addr, size uintptr, old uint32) error {
	start, length := pageSpan(addr, size)
	return mprotect(start, length, int(old))
}

func mprotect(start, length uintptr, prot int) error {
	for i := uintptr(0); i < length; i += pageSize {
		if err := unix.Mprotect(makeSlice(start+i, pageSize), prot); err != nil {
			return err
		}
	}
	return nil
}

// alloc maps anonymous memory, at hint if that range is free. Without
// MAP_FIXED the kernel may place it elsewhere; callers check the result.
func alloc(hint uintptr, size int) (uintptr, error) {
	p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), uintptr(size),
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, err
	}
	return uintptr(p), nil
}

func free(addr uintptr, size int) error {
	return unix.MunmapPtr(unsafe.Pointer(addr), uintptr(size))
}

// x86 keeps instruction fetch coherent with stores.
func flush(addr, size uintptr) error { return nil }
