// Package threads suspends the other threads of the process while code is
// being rewritten.
package threads

import "github.com/pkg/errors"

// ErrContext means the registers of a suspended thread could not be read
// or written.
var ErrContext = errors.New("cannot access thread context")

// Frozen is a set of suspended threads. Resume must be called exactly once.
type Frozen struct {
	handles []uintptr
	// room for one aligned register record, reused per thread
	scratch []byte
}

// Count returns how many threads were suspended.
func (f *Frozen) Count() int {
	if f == nil {
		return 0
	}
	return len(f.handles)
}
