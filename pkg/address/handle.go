// Package address wraps raw addresses inside the running process.
//
// Every unchecked pointer read in this module happens here. A Handle is a
// plain value; each operation returns a new Handle and a Null handle stays
// Null through any chain of operations without touching memory. Reads from
// a non-null handle trust the caller: handles are only meant to be produced
// by scanning a module's own sections.
package address

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// Handle is an address in the current process.
type Handle uintptr

// Null is the sentinel for "not found".
const Null Handle = 0

// PtrSize is the size of a native pointer.
const PtrSize = int(unsafe.Sizeof(uintptr(0)))

// FromPointer returns the handle of p.
func FromPointer(p unsafe.Pointer) Handle {
	return Handle(uintptr(p))
}

// FromSlice returns the handle of the first element of b, or Null if b is
// empty. The caller keeps b alive for as long as the handle is used.
func FromSlice(b []byte) Handle {
	if len(b) == 0 {
		return Null
	}
	return Handle(uintptr(unsafe.Pointer(&b[0])))
}

func (h Handle) IsNull() bool { return h == Null }

// Uintptr returns the raw address.
func (h Handle) Uintptr() uintptr { return uintptr(h) }

func (h Handle) String() string {
	if h == Null {
		return "<null>"
	}
	return fmt.Sprintf("0x%X", uintptr(h))
}

// Offset moves the handle by delta bytes. It never reads memory.
func (h Handle) Offset(delta int64) Handle {
	if h == Null {
		return Null
	}
	return Handle(uintptr(int64(uintptr(h)) + delta))
}

// Sub returns h - o in bytes.
func (h Handle) Sub(o Handle) int64 {
	return int64(uintptr(h)) - int64(uintptr(o))
}

// Deref reads the pointer stored at h.
func (h Handle) Deref() Handle {
	return h.DerefN(1)
}

// DerefN reads a pointer at h, then at the result, times times. A null
// address at any step ends the chain with Null.
func (h Handle) DerefN(times int) Handle {
	for i := 0; i < times; i++ {
		if h == Null {
			return Null
		}
		h = Handle(*(*uintptr)(unsafe.Pointer(uintptr(h))))
	}
	return h
}

// ResolveRelativeAddress decodes the signed 32-bit displacement at
// h+regOffset and returns h+nextInstrOffset+displacement. This is the
// RIP-relative operand model: regOffset locates the disp32 field inside the
// instruction and nextInstrOffset is the length of the instruction.
//
//	lea rax, [rip+disp32]   48 8D 05 xx xx xx xx   regOffset=3, nextInstrOffset=7
func (h Handle) ResolveRelativeAddress(regOffset, nextInstrOffset int) Handle {
	if h == Null {
		return Null
	}
	disp := h.Offset(int64(regOffset)).ReadI32()
	return h.Offset(int64(nextInstrOffset) + int64(disp))
}

// FollowNearCall resolves the destination of a 5-byte `call rel32` at h.
func (h Handle) FollowNearCall() Handle {
	return h.ResolveRelativeAddress(1, 5)
}

// FollowNearCallAt is FollowNearCall for encodings where the opcode is not
// a single byte or the call is embedded in a longer sequence.
func (h Handle) FollowNearCallAt(opcodeOffset, nextInstrOffset int) Handle {
	return h.ResolveRelativeAddress(opcodeOffset, nextInstrOffset)
}

// WalkVTable returns the address of slot index of the table at h. Deref the
// result to get the function pointer stored in that slot.
func (h Handle) WalkVTable(index int) Handle {
	return h.Offset(int64(index) * int64(PtrSize))
}

// Bytes returns a view of n bytes at h. The view aliases live memory.
func (h Handle) Bytes(n int) []byte {
	if h == Null || n <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(h))), n)
}

func (h Handle) ReadU8() uint8 {
	if h == Null {
		return 0
	}
	return *(*uint8)(unsafe.Pointer(uintptr(h)))
}

func (h Handle) ReadU16() uint16 {
	if h == Null {
		return 0
	}
	return binary.LittleEndian.Uint16(h.Bytes(2))
}

func (h Handle) ReadU32() uint32 {
	if h == Null {
		return 0
	}
	return binary.LittleEndian.Uint32(h.Bytes(4))
}

func (h Handle) ReadI32() int32 {
	return int32(h.ReadU32())
}

func (h Handle) ReadU64() uint64 {
	if h == Null {
		return 0
	}
	return binary.LittleEndian.Uint64(h.Bytes(8))
}

// CString reads a NUL terminated string of at most max bytes.
func (h Handle) CString(max int) string {
	if h == Null {
		return ""
	}
	for i := 0; i < max; i++ {
		if h.Offset(int64(i)).ReadU8() == 0 {
			return string(h.Bytes(i))
		}
	}
	return string(h.Bytes(max))
}

// CheckOpCodes reports whether the bytes at h equal ops.
func (h Handle) CheckOpCodes(ops []byte) bool {
	if h == Null {
		return false
	}
	b := h.Bytes(len(ops))
	for i := range ops {
		if b[i] != ops[i] {
			return false
		}
	}
	return true
}
