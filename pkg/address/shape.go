package address

import (
	"github.com/pkg/errors"
)

// ErrUnknownMethod is returned when a shape has no slot of that name.
var ErrUnknownMethod = errors.New("unknown vtable method")

// Shape describes one kind of host object by the vtable slots that are
// actually called on it. Slot indices never leave this type.
type Shape struct {
	Name    string
	Methods map[string]int
}

// Object is a host object bound to its shape.
type Object struct {
	shape *Shape
	this  Handle
}

// Bind attaches the shape to the object at obj. The first pointer of obj is
// its vtable.
func (s *Shape) Bind(obj Handle) Object {
	return Object{shape: s, this: obj}
}

// This returns the object address.
func (o Object) This() Handle { return o.this }

// VTable returns the vtable address of the object.
func (o Object) VTable() Handle { return o.this.Deref() }

// Method returns the function pointer stored in the named slot.
func (o Object) Method(name string) (Handle, error) {
	idx, ok := o.shape.Methods[name]
	if !ok {
		return Null, errors.Wrapf(ErrUnknownMethod, "%s::%s", o.shape.Name, name)
	}
	return o.VTable().WalkVTable(idx).Deref(), nil
}

// Slot returns the address of the named slot, for swapping an entry.
func (o Object) Slot(name string) (Handle, error) {
	idx, ok := o.shape.Methods[name]
	if !ok {
		return Null, errors.Wrapf(ErrUnknownMethod, "%s::%s", o.shape.Name, name)
	}
	return o.VTable().WalkVTable(idx), nil
}
