package detour

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

const (
	// jmp qword ptr [rip+0] followed by the absolute destination
	absJumpLen = 14
	// longest x86 instruction
	maxInstLen = 15
)

// absJump encodes an absolute jump to dest that clobbers no register.
func absJump(dest uintptr) []byte {
	b := make([]byte, absJumpLen)
	b[0], b[1] = 0xFF, 0x25
	binary.LittleEndian.PutUint64(b[6:], uint64(dest))
	return b
}

// instLen returns the number of whole instructions at the start of code
// covering at least size bytes. A patch never splits an instruction.
func instLen(code []byte, size int) (int, error) {
	n := 0
	for n < size {
		if n >= len(code) {
			return 0, errors.Wrapf(ErrTooShort, "ran out of code after %d bytes", n)
		}
		inst, err := x86asm.Decode(code[n:], 64)
		if err != nil {
			return 0, errors.Wrapf(ErrDecode, "at +%d: %v", n, err)
		}
		if endsFunction(code[n], inst) && n+inst.Len < size {
			return 0, errors.Wrapf(ErrTooShort, "function ends at +%d", n+inst.Len)
		}
		n += inst.Len
	}
	return n, nil
}

func endsFunction(first byte, inst x86asm.Inst) bool {
	return inst.Op == x86asm.RET || first == 0xCC
}

// relocate copies the first n bytes of code, which live at from, so they run
// at to. rel32 branches and RIP-relative operands are re-encoded against the
// new location; shorter relative branches cannot be widened in place and
// are refused.
func relocate(code []byte, n int, from, to uintptr) ([]byte, error) {
	out := make([]byte, 0, n+absJumpLen)
	for off := 0; off < n; {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			return nil, errors.Wrapf(ErrDecode, "at +%d: %v", off, err)
		}
		raw := append([]byte(nil), code[off:off+inst.Len]...)

		dispOff, dispLen := pcRelField(inst, raw)
		switch {
		case dispLen == 0:
		case dispLen != 4:
			return nil, errors.Wrapf(ErrRelativeAddr, "%v at +%d has a %d byte displacement", inst.Op, off, dispLen)
		default:
			disp := int64(int32(binary.LittleEndian.Uint32(raw[dispOff:])))
			dest := int64(from) + int64(off+inst.Len) + disp
			moved := dest - (int64(to) + int64(len(out)+inst.Len))
			if moved < math.MinInt32 || moved > math.MaxInt32 {
				return nil, errors.Wrapf(ErrRelativeAddr, "%v at +%d cannot reach %#x from %#x", inst.Op, off, dest, to)
			}
			binary.LittleEndian.PutUint32(raw[dispOff:], uint32(int32(moved)))
		}
		out = append(out, raw...)
		off += inst.Len
	}
	return out, nil
}

// pcRelField returns where the PC-relative displacement of inst sits in raw.
func pcRelField(inst x86asm.Inst, raw []byte) (off, size int) {
	if inst.PCRel != 0 {
		return inst.PCRelOff, inst.PCRel
	}
	for _, a := range inst.Args {
		mem, ok := a.(x86asm.Mem)
		if !ok || mem.Base != x86asm.RIP {
			continue
		}
		// RIP-relative ModRM is mod=00 rm=101 followed by disp32
		for i := len(raw) - 4; i >= 1; i-- {
			if raw[i-1]&0xC7 == 0x05 && int32(binary.LittleEndian.Uint32(raw[i:])) == int32(mem.Disp) {
				return i, 4
			}
		}
		return 0, -1
	}
	return 0, 0
}

// buildTrampoline returns the trampoline placed at tramp for a function at
// target whose first n bytes are stolen: the relocated prologue followed by
// a jump to the rest of the original function.
func buildTrampoline(code []byte, n int, target, tramp uintptr) ([]byte, error) {
	body, err := relocate(code, n, target, tramp)
	if err != nil {
		return nil, err
	}
	return append(body, absJump(target+uintptr(n))...), nil
}

// buildPatch returns the bytes written over the n stolen bytes: a jump to
// replacement padded with int3.
func buildPatch(n int, replacement uintptr) []byte {
	b := absJump(replacement)
	for len(b) < n {
		b = append(b, 0xCC)
	}
	return b
}
