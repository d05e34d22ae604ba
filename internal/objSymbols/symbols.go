// Package symbols reads PE images from disk: their named symbols, and a
// copy laid out the way the loader maps them so the image can be scanned
// offline.
package symbols

import (
	"bytes"
	"os"

	"github.com/Binject/debug/pe"
	"github.com/pkg/errors"
)

// ErrFormat means the file is not a PE image
var ErrFormat = errors.New("unrecognized object file")

type peFile struct {
	pe  *pe.File
	raw []byte
}

func openPE(name string) (*peFile, error) {
	raw, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	f, err := pe.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrapf(ErrFormat, "open %s: %v", name, err)
	}
	return &peFile{pe: f, raw: raw}, nil
}

// Symbols maps COFF symbol names to their values and export names to their
// RVAs. Exports win on a name clash.
func (f *peFile) Symbols() (map[string]uintptr, error) {
	out := make(map[string]uintptr, len(f.pe.Symbols))
	for _, s := range f.pe.Symbols {
		out[s.Name] = uintptr(s.Value)
	}
	exports, err := f.pe.Exports()
	if err != nil {
		return out, nil
	}
	for _, e := range exports {
		if e.Name != "" {
			out[e.Name] = uintptr(e.VirtualAddress)
		}
	}
	return out, nil
}

// ReadSymbols returns the symbols of the image at name.
func ReadSymbols(name string) (map[string]uintptr, error) {
	f, err := openPE(name)
	if err != nil {
		return nil, err
	}
	defer f.pe.Close()
	return f.Symbols()
}
