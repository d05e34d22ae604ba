// Package sdk locates code and data in an unsymbolized game image and
// detours it.
//
// Feature code implements Descriptor. The engine takes an explicit table of
// descriptor factories, resolves every descriptor in ordered sweeps and
// installs all detours in one transaction.
package sdk

import (
	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/Mauler125/r5sdk-sub022/pkg/detour"
)

var (
	// ErrDuplicate means two descriptors share a name
	ErrDuplicate = errors.New("duplicate descriptor")
	// ErrUnknownDescriptor means no descriptor has that name
	ErrUnknownDescriptor = errors.New("unknown descriptor")
	// ErrNotResolved means a descriptor was attached before its resolution completed
	ErrNotResolved = errors.New("descriptor not resolved")
)

// Descriptor is one feature's set of addresses and detours.
//
// GetFun, GetVar and GetCon run in that order, each once for every
// descriptor before the next starts, so GetVar may use functions resolved
// by any descriptor. A target that is still null when Attach queues it is
// fatal at commit.
type Descriptor interface {
	Name() string
	// GetFun resolves function addresses.
	GetFun(r *Resolver)
	// GetVar resolves globals, usually from code found by GetFun.
	GetVar(r *Resolver)
	// GetCon resolves constants such as vtables.
	GetCon(r *Resolver)
	// GetAdr reports what was resolved.
	GetAdr(l log.Interface)
	Attach(tx *detour.Transaction)
	Detach(tx *detour.Transaction)
}

// Factory creates a descriptor. The engine calls each factory once, in
// table order.
type Factory func() Descriptor

// State is a descriptor's position in its lifecycle.
type State int

const (
	Unresolved State = iota
	FunctionsResolved
	VariablesResolved
	ConstantsResolved
	Attached
	Detached
)

func (s State) String() string {
	switch s {
	case Unresolved:
		return "unresolved"
	case FunctionsResolved:
		return "functions resolved"
	case VariablesResolved:
		return "variables resolved"
	case ConstantsResolved:
		return "constants resolved"
	case Attached:
		return "attached"
	case Detached:
		return "detached"
	}
	return "invalid"
}

// CanAttach reports whether resolution is complete.
func (s State) CanAttach() bool {
	return s == ConstantsResolved || s == Detached
}
