//go:build windows

package vmem

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

var (
	kernel32                  = windows.NewLazySystemDLL("kernel32.dll")
	procFlushInstructionCache = kernel32.NewProc("FlushInstructionCache")
)

func init() {
	pageSize = uintptr(windows.Getpagesize())
}

func unprotect(addr, size uintptr) (uint32, error) {
	var old uint32
	err := windows.VirtualProtect(addr, size, windows.PAGE_EXECUTE_READWRITE, &old)
	return old, err
}

func reprotect(addr, size uintptr, old uint32) error {
	var tmp uint32
	return windows.VirtualProtect(addr, size, old, &tmp)
}

// alloc reserves and commits memory at hint, or anywhere when hint is 0.
// An occupied hint fails.
func alloc(hint uintptr, size int) (uintptr, error) {
	return windows.VirtualAlloc(hint, uintptr(size), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
}

func free(addr uintptr, size int) error {
	return windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
}

func flush(addr, size uintptr) error {
	r, _, err := procFlushInstructionCache.Call(uintptr(windows.CurrentProcess()), addr, size)
	if r == 0 {
		return errors.Wrap(err, "FlushInstructionCache")
	}
	return nil
}
