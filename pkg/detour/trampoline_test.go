package detour

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
)

// mov [rsp+8], rbx; lea rax, [rip+0x10]; call +0x100
var prologue = []byte{
	0x48, 0x89, 0x5C, 0x24, 0x08,
	0x48, 0x8D, 0x05, 0x10, 0x00, 0x00, 0x00,
	0xE8, 0x00, 0x01, 0x00, 0x00,
	0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90,
}

func TestInstLen(t *testing.T) {
	n, err := instLen(prologue, absJumpLen)
	if err != nil {
		t.Fatal(err)
	}
	if n != 17 {
		t.Errorf("instLen = %d, want 17", n)
	}

	short := []byte{0xC3, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC}
	if _, err := instLen(short, absJumpLen); errors.Cause(err) != ErrTooShort {
		t.Errorf("ret-only function: %v", err)
	}
}

func TestRelocate(t *testing.T) {
	const from, to = 0x140001000, 0x140801000
	out, err := relocate(prologue, 17, from, to)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 17 {
		t.Fatalf("relocated %d bytes", len(out))
	}
	if !bytes.Equal(out[:5], prologue[:5]) {
		t.Errorf("position independent instruction changed: % X", out[:5])
	}
	leaDest := int64(from) + 12 + 0x10
	if got := int64(to) + 12 + int64(int32(binary.LittleEndian.Uint32(out[8:]))); got != leaDest {
		t.Errorf("lea now reaches %#x, want %#x", got, leaDest)
	}
	callDest := int64(from) + 17 + 0x100
	if got := int64(to) + 17 + int64(int32(binary.LittleEndian.Uint32(out[13:]))); got != callDest {
		t.Errorf("call now reaches %#x, want %#x", got, callDest)
	}
}

func TestRelocateRefuses(t *testing.T) {
	jmp8 := append([]byte{0xEB, 0x10}, bytes.Repeat([]byte{0x90}, 20)...)
	if _, err := relocate(jmp8, 14, 0x1000, 0x2000); errors.Cause(err) != ErrRelativeAddr {
		t.Errorf("rel8 jump: %v", err)
	}
	if _, err := relocate(prologue, 17, 0x1000, 0x7FFF00000000); errors.Cause(err) != ErrRelativeAddr {
		t.Errorf("out of rel32 range: %v", err)
	}
}

func TestBuildTrampoline(t *testing.T) {
	const from, to = 0x140001000, 0x140801000
	tr, err := buildTrampoline(prologue, 17, from, to)
	if err != nil {
		t.Fatal(err)
	}
	if len(tr) != 17+absJumpLen {
		t.Fatalf("trampoline is %d bytes", len(tr))
	}
	back := tr[17:]
	if back[0] != 0xFF || back[1] != 0x25 || binary.LittleEndian.Uint32(back[2:]) != 0 {
		t.Errorf("jump back opcode % X", back[:6])
	}
	if got := binary.LittleEndian.Uint64(back[6:]); got != from+17 {
		t.Errorf("jump back to %#x, want %#x", got, from+17)
	}
}

func TestBuildPatch(t *testing.T) {
	p := buildPatch(17, 0xDEADBEEF)
	if len(p) != 17 {
		t.Fatalf("patch is %d bytes", len(p))
	}
	if binary.LittleEndian.Uint64(p[6:]) != 0xDEADBEEF {
		t.Errorf("patch target % X", p[6:14])
	}
	if !bytes.Equal(p[14:], []byte{0xCC, 0xCC, 0xCC}) {
		t.Errorf("padding % X", p[14:])
	}
}
