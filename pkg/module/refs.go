package module

import (
	"bytes"
	"encoding/binary"

	"github.com/Mauler125/r5sdk-sub022/pkg/address"
	"github.com/Mauler125/r5sdk-sub022/pkg/pattern"
)

// FindString locates s in .rdata and returns the address of the
// occurrence-th `lea r64, [rip+disp32]` in .text that loads it. With
// nullTerminated the stored string must end right after s.
func (m *Module) FindString(s string, occurrence int, nullTerminated bool) address.Handle {
	rdata := m.SectionByName(".rdata")
	text := m.SectionByName(".text")
	if !rdata.Present() || !text.Present() || s == "" {
		return address.Null
	}
	needle := []byte(s)
	if nullTerminated {
		needle = append(needle, 0)
	}
	off := bytes.Index(rdata.Bytes(), needle)
	if off < 0 {
		return address.Null
	}
	target := rdata.Base.Offset(int64(off))
	return m.findLeaTo(text, target, occurrence)
}

// findLeaTo finds REX.W LEA instructions with a RIP-relative operand
// pointing at target.
func (m *Module) findLeaTo(text Section, target address.Handle, occurrence int) address.Handle {
	if occurrence < 1 {
		occurrence = 1
	}
	code := text.Bytes()
	for i := 1; i+6 <= len(code); i++ {
		if code[i] != 0x8D || code[i+1]&0xC7 != 0x05 {
			continue
		}
		if rex := code[i-1]; rex != 0x48 && rex != 0x4C {
			continue
		}
		disp := int32(binary.LittleEndian.Uint32(code[i+2:]))
		insn := text.Base.Offset(int64(i - 1))
		if insn.Offset(7+int64(disp)) != target {
			continue
		}
		occurrence--
		if occurrence == 0 {
			return insn
		}
	}
	return address.Null
}

// FindVirtualTable returns the vtable of the MSVC class typeName (without
// the ".?AV" decoration), found through its RTTI type descriptor. refIndex
// selects among the complete object locators of the class, 0 being the
// primary vtable.
func (m *Module) FindVirtualTable(typeName string, refIndex int) address.Handle {
	data := m.SectionByName(".data")
	rdata := m.SectionByName(".rdata")
	if !data.Present() || !rdata.Present() {
		return address.Null
	}
	decorated := ".?AV" + typeName + "@@"
	off := bytes.Index(data.Bytes(), append([]byte(decorated), 0))
	if off < 0 {
		return address.Null
	}
	// TypeDescriptor: pVFTable, spare, then the name
	typeDesc := data.Base.Offset(int64(off) - 2*int64(address.PtrSize))

	var rvaBytes [4]byte
	binary.LittleEndian.PutUint32(rvaBytes[:], uint32(m.RVA(typeDesc)))
	rvaPattern, err := pattern.Exact(rvaBytes[:])
	if err != nil {
		return address.Null
	}

	// CompleteObjectLocator: signature, offset, cdOffset, pTypeDescriptor
	// (RVA), pClassDescriptor, pSelf
	col := address.Null
	seen := 0
	raw := rdata.Bytes()
	pattern.Each(raw, rvaPattern, pattern.Forward, func(at int) bool {
		if at < 12 {
			return true
		}
		cand := rdata.Base.Offset(int64(at - 12))
		if cand.ReadU32() != 1 {
			return true
		}
		if seen == refIndex {
			col = cand
			return false
		}
		seen++
		return true
	})
	if col.IsNull() {
		return address.Null
	}

	var ptrBytes [8]byte
	binary.LittleEndian.PutUint64(ptrBytes[:], uint64(col.Uintptr()))
	ptrPattern, err := pattern.Exact(ptrBytes[:address.PtrSize])
	if err != nil {
		return address.Null
	}
	at := pattern.Scan(raw, ptrPattern, pattern.Forward, 1)
	if at < 0 {
		return address.Null
	}
	// the locator pointer sits in the slot right before the first method
	return rdata.Base.Offset(int64(at + address.PtrSize))
}
