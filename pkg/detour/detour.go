// Package detour installs and removes trampolines in batches.
//
// A detour overwrites the start of a target function with a jump to a
// replacement. The overwritten instructions are moved into a trampoline
// that ends with a jump back into the target, so calling the trampoline
// runs the original function.
package detour

import (
	"github.com/pkg/errors"

	"github.com/Mauler125/r5sdk-sub022/pkg/address"
)

var (
	// ErrDoubleHook means the target is already hooked
	ErrDoubleHook = errors.New("double hook")
	// ErrHookNotFound means the target is not hooked
	ErrHookNotFound = errors.New("hook not found")
	// ErrNullTarget means a target was never resolved
	ErrNullTarget = errors.New("null detour target")
	// ErrRelativeAddr means a moved instruction cannot reach its operand
	ErrRelativeAddr = errors.New("relative address in instruction")
	// ErrTooShort means the function ends before a patch fits
	ErrTooShort = errors.New("function too short to patch")
	// ErrDecode means the target does not start with valid instructions
	ErrDecode = errors.New("cannot decode target")
	// ErrTransactionDone means the transaction was already committed or aborted
	ErrTransactionDone = errors.New("transaction already finished")
)

// Hook is one detour, prepared or installed.
type Hook struct {
	Target      address.Handle
	Replacement address.Handle
	// Trampoline runs the original function.
	Trampoline address.Handle

	patch     []byte
	saved     []byte
	trampSize int
}

// Patcher rewrites code for single hooks. Prepare may allocate. Apply and
// Revert run while the other threads of the process are suspended and must
// not allocate.
//
// over is the hook installed on target that the same commit removes before
// applying the new one, or nil. While over is in place the target starts
// with its patch, so the new hook is built from the code over replaced.
type Patcher interface {
	Prepare(target, replacement address.Handle, over *Hook) (*Hook, error)
	Apply(h *Hook) error
	Revert(h *Hook) error
	Release(h *Hook) error
}

// Memory is the code memory a patcher works on.
type Memory interface {
	Read(addr uintptr, size int) []byte
	Write(addr uintptr, b []byte) error
	// Alloc returns executable memory within rel32 reach of near.
	Alloc(near uintptr, size int) (uintptr, error)
	Free(addr uintptr, size int) error
}

// Inline patches x86-64 function prologues with a 14-byte absolute jump.
type Inline struct {
	mem Memory
}

func NewInline(mem Memory) *Inline {
	return &Inline{mem: mem}
}

func (p *Inline) Prepare(target, replacement address.Handle, over *Hook) (*Hook, error) {
	if target.IsNull() || replacement.IsNull() {
		return nil, errors.Wrapf(ErrNullTarget, "target %v replacement %v", target, replacement)
	}
	code := p.mem.Read(target.Uintptr(), absJumpLen+maxInstLen)
	if over != nil {
		if over.Target != target {
			return nil, errors.Wrapf(ErrHookNotFound, "%v is not hooked by the replaced hook", target)
		}
		code = append(append([]byte(nil), over.saved...), code[len(over.saved):]...)
	}
	n, err := instLen(code, absJumpLen)
	if err != nil {
		return nil, errors.WithMessagef(err, "target %v", target)
	}
	size := n + absJumpLen
	tramp, err := p.mem.Alloc(target.Uintptr(), size)
	if err != nil {
		return nil, errors.Wrapf(err, "allocate trampoline for %v", target)
	}
	body, err := buildTrampoline(code, n, target.Uintptr(), tramp)
	if err == nil {
		err = p.mem.Write(tramp, body)
	}
	if err != nil {
		p.mem.Free(tramp, size)
		return nil, errors.WithMessagef(err, "target %v", target)
	}
	return &Hook{
		Target:      target,
		Replacement: replacement,
		Trampoline:  address.Handle(tramp),
		patch:       buildPatch(n, replacement.Uintptr()),
		saved:       append([]byte(nil), code[:n]...),
		trampSize:   size,
	}, nil
}

func (p *Inline) Apply(h *Hook) error {
	return p.mem.Write(h.Target.Uintptr(), h.patch)
}

func (p *Inline) Revert(h *Hook) error {
	return p.mem.Write(h.Target.Uintptr(), h.saved)
}

func (p *Inline) Release(h *Hook) error {
	if h.Trampoline.IsNull() {
		return nil
	}
	err := p.mem.Free(h.Trampoline.Uintptr(), h.trampSize)
	h.Trampoline = address.Null
	return err
}
