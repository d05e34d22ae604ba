package symbols

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

// writePE writes a minimal PE32+ file with .text and .rdata stored at file
// alignment 0x200 and mapped at 0x1000 and 0x2000.
func writePE(t *testing.T) (string, []byte, []byte) {
	t.Helper()
	raw := make([]byte, 0x800)
	le := binary.LittleEndian
	copy(raw, "MZ")
	le.PutUint32(raw[0x3C:], 0x80)
	copy(raw[0x80:], "PE\x00\x00")
	le.PutUint16(raw[0x84:], 0x8664)
	le.PutUint16(raw[0x86:], 2)
	le.PutUint32(raw[0x88:], 0x5F3A0011)
	le.PutUint16(raw[0x94:], 0xF0)
	le.PutUint16(raw[0x96:], 0x22)

	const opt = 0x98
	le.PutUint16(raw[opt:], 0x20B)
	le.PutUint64(raw[opt+24:], 0x140000000)
	le.PutUint32(raw[opt+32:], 0x1000)
	le.PutUint32(raw[opt+36:], 0x200)
	le.PutUint32(raw[opt+56:], 0x3000)
	le.PutUint32(raw[opt+60:], 0x400)
	le.PutUint32(raw[opt+108:], 16)

	sections := []struct {
		name    string
		va, off uint32
		flags   uint32
	}{
		{".text", 0x1000, 0x400, 0x60000020},
		{".rdata", 0x2000, 0x600, 0x40000040},
	}
	for i, s := range sections {
		hdr := 0x188 + i*40
		copy(raw[hdr:hdr+8], s.name)
		le.PutUint32(raw[hdr+8:], 0x180)
		le.PutUint32(raw[hdr+12:], s.va)
		le.PutUint32(raw[hdr+16:], 0x200)
		le.PutUint32(raw[hdr+20:], s.off)
		le.PutUint32(raw[hdr+36:], s.flags)
	}
	text := []byte{0x40, 0x53, 0x48, 0x83, 0xEC, 0x20, 0xC3}
	rdata := []byte("host_thread_mode\x00")
	copy(raw[0x400:], text)
	copy(raw[0x600:], rdata)
	raw[0x400+0x190] = 0xAA

	path := filepath.Join(t.TempDir(), "game.exe")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	return path, text, rdata
}

func TestMapImage(t *testing.T) {
	path, text, rdata := writePE(t)
	img, err := MapImage(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(img) != 0x3000 {
		t.Fatalf("mapped %#x bytes", len(img))
	}
	if string(img[:2]) != "MZ" {
		t.Error("headers not copied")
	}
	if !bytes.Equal(img[0x1000:0x1000+len(text)], text) {
		t.Errorf(".text at 0x1000 = % X", img[0x1000:0x1008])
	}
	if !bytes.Equal(img[0x2000:0x2000+len(rdata)], rdata) {
		t.Errorf(".rdata at 0x2000 = %q", img[0x2000:0x2000+len(rdata)])
	}
	// VirtualSize trims the raw padding
	if img[0x1000+0x190] != 0 {
		t.Error("bytes past VirtualSize copied")
	}
}

func TestReadSymbols(t *testing.T) {
	path, _, _ := writePE(t)
	syms, err := ReadSymbols(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(syms) != 0 {
		t.Errorf("stripped image has symbols: %v", syms)
	}
}

func TestNotPE(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("not an image"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := MapImage(path); errors.Cause(err) != ErrFormat {
		t.Errorf("MapImage = %v", err)
	}
	if _, err := ReadSymbols(filepath.Join(t.TempDir(), "absent.exe")); !os.IsNotExist(errors.Cause(err)) {
		t.Errorf("missing file = %v", err)
	}
}
