//go:build !(windows && amd64)

package threads

import "runtime"

// Freeze only pins the calling goroutine to its thread. Patching outside
// Windows relies on the host being quiescent.
func Freeze() (*Frozen, error) {
	runtime.LockOSThread()
	return &Frozen{}, nil
}

func (f *Frozen) Resume() error {
	runtime.UnlockOSThread()
	return nil
}

// Retarget has no suspended threads to move.
func (f *Frozen) Retarget(move func(ip uintptr) uintptr) error { return nil }
