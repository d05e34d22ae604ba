// Package module describes one loaded image: its base, size and named
// sections, and the lookups that are scoped to it.
package module

import (
	"fmt"
	"io"
	"strings"

	"github.com/Binject/debug/pe"
	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/Mauler125/r5sdk-sub022/pkg/address"
	"github.com/Mauler125/r5sdk-sub022/pkg/pattern"
)

var (
	// ErrImageNotFound means no image is loaded at that base or under that name
	ErrImageNotFound = errors.New("image not found")
	// ErrSectionNotFound means the image has no section of that name
	ErrSectionNotFound = errors.New("section not found")
)

const (
	scnMemExecute = 0x20000000

	dirImport = 1

	maxHeaderOffset = 1024
)

// Section is a named range of the mapped image. A zero Size marks a section
// that is not present.
type Section struct {
	Name       string
	Base       address.Handle
	Size       uintptr
	Executable bool
}

// Present reports whether the section exists in the image.
func (s Section) Present() bool { return s.Size != 0 }

// Bytes is a view of the section memory.
func (s Section) Bytes() []byte { return s.Base.Bytes(int(s.Size)) }

// Contains reports whether h lies inside the section.
func (s Section) Contains(h address.Handle) bool {
	return h >= s.Base && uintptr(h) < uintptr(s.Base)+s.Size
}

// Module is immutable after Load.
type Module struct {
	name     string
	base     address.Handle
	size     uintptr
	sections []Section
	buildID  string
	exports  map[string]uint32
	imports  pe.DataDirectory
	log      log.Interface
}

// New returns a module over known ranges, without reading any headers.
func New(name string, base address.Handle, size uintptr, sections []Section) *Module {
	return &Module{
		name:     name,
		base:     base,
		size:     size,
		sections: append([]Section(nil), sections...),
		exports:  map[string]uint32{},
		log:      log.Log,
	}
}

// imageReader serves a mapped image to the PE parser.
type imageReader struct {
	data []byte
}

func (r *imageReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Load parses the headers of the image mapped at base. It is a single read
// pass over the header structures.
func Load(base address.Handle, name string) (*Module, error) {
	if base.IsNull() {
		return nil, errors.Wrap(ErrImageNotFound, name)
	}
	if !base.CheckOpCodes([]byte{'M', 'Z'}) {
		return nil, errors.Wrapf(ErrImageNotFound, "%s: no DOS signature at %v", name, base)
	}
	lfanew := base.Offset(0x3C).ReadU32()
	if lfanew >= maxHeaderOffset {
		return nil, errors.Wrapf(ErrImageNotFound, "%s: PE offset %#x too large", name, lfanew)
	}
	nt := base.Offset(int64(lfanew))
	if !nt.CheckOpCodes([]byte{'P', 'E', 0, 0}) {
		return nil, errors.Wrapf(ErrImageNotFound, "%s: no PE signature", name)
	}
	// the optional header starts after the signature and the COFF header,
	// SizeOfImage is at +56 in both PE32 and PE32+
	sizeOfImage := nt.Offset(24 + 56).ReadU32()

	f, err := pe.NewFileFromMemory(&imageReader{data: base.Bytes(int(sizeOfImage))})
	if err != nil {
		return nil, errors.Wrapf(err, "%s: parse headers", name)
	}
	defer f.Close()
	return fromFile(f, base, name)
}

func fromFile(f *pe.File, base address.Handle, name string) (*Module, error) {
	m := &Module{
		name:    name,
		base:    base,
		exports: map[string]uint32{},
		log:     log.WithField("module", name),
	}
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		m.size = uintptr(oh.SizeOfImage)
		if int(oh.NumberOfRvaAndSizes) > dirImport {
			m.imports = oh.DataDirectory[dirImport]
		}
	case *pe.OptionalHeader32:
		m.size = uintptr(oh.SizeOfImage)
		if int(oh.NumberOfRvaAndSizes) > dirImport {
			m.imports = oh.DataDirectory[dirImport]
		}
	default:
		return nil, errors.Wrapf(ErrImageNotFound, "%s: no optional header", name)
	}
	m.buildID = fmt.Sprintf("%08X%X", f.FileHeader.TimeDateStamp, m.size)

	for _, s := range f.Sections {
		size := uintptr(s.VirtualSize)
		if size == 0 {
			size = uintptr(s.Size)
		}
		m.sections = append(m.sections, Section{
			Name:       s.Name,
			Base:       base.Offset(int64(s.VirtualAddress)),
			Size:       size,
			Executable: s.Characteristics&scnMemExecute != 0,
		})
	}

	exports, err := f.Exports()
	if err != nil {
		m.log.WithError(err).Debug("no export table")
	}
	for _, e := range exports {
		if e.Name != "" {
			m.exports[e.Name] = e.VirtualAddress
		}
	}
	m.log.WithFields(log.Fields{
		"base":     base.String(),
		"size":     fmt.Sprintf("%#x", m.size),
		"sections": len(m.sections),
		"build":    m.buildID,
	}).Debug("module loaded")
	return m, nil
}

func (m *Module) Name() string         { return m.name }
func (m *Module) Base() address.Handle { return m.base }
func (m *Module) Size() uintptr        { return m.size }
func (m *Module) Sections() []Section  { return append([]Section(nil), m.sections...) }

func (m *Module) Contains(h address.Handle) bool {
	return h >= m.base && uintptr(h) < uintptr(m.base)+m.size
}

// BuildID identifies the exact build of the image: COFF TimeDateStamp and
// SizeOfImage, the way symbol servers key images.
func (m *Module) BuildID() string { return m.buildID }

// WithBuildID overrides the build identifier of a module made with New.
func (m *Module) WithBuildID(id string) *Module {
	m.buildID = id
	return m
}

// SectionByName returns the named section, or a zero Section when the image
// has none. Callers branch on Present for optional sections.
func (m *Module) SectionByName(name string) Section {
	for _, s := range m.sections {
		if s.Name == name {
			return s
		}
	}
	return Section{Name: name}
}

// LookupSection is SectionByName for callers that need the section.
func (m *Module) LookupSection(name string) (Section, error) {
	s := m.SectionByName(name)
	if !s.Present() {
		return s, errors.Wrapf(ErrSectionNotFound, "%s in %s", name, m.name)
	}
	return s, nil
}

// RVA converts an address inside the image to an offset from its base.
func (m *Module) RVA(h address.Handle) uint64 {
	return uint64(h.Sub(m.base))
}

// FromRVA converts an offset from the image base to an address.
func (m *Module) FromRVA(rva uint64) address.Handle {
	return m.base.Offset(int64(rva))
}

// FindPattern returns the occurrence-th match of p in the named section, or
// Null.
func (m *Module) FindPattern(p pattern.Pattern, section string, occurrence int) address.Handle {
	s := m.SectionByName(section)
	if !s.Present() {
		return address.Null
	}
	off := pattern.Scan(s.Bytes(), p, pattern.Forward, occurrence)
	if off < 0 {
		return address.Null
	}
	return s.Base.Offset(int64(off))
}

// ExportedSymbol returns the address of a named export, or Null.
func (m *Module) ExportedSymbol(name string) address.Handle {
	rva, ok := m.exports[name]
	if !ok {
		return address.Null
	}
	return m.base.Offset(int64(rva))
}

// ImportedSymbol returns the import address table slot that the loader
// bound for symbol from moduleName. Deref the slot for the function; write
// to it to redirect the import.
func (m *Module) ImportedSymbol(moduleName, symbol string) address.Handle {
	if m.imports.VirtualAddress == 0 {
		return address.Null
	}
	const descSize = 20
	for desc := m.base.Offset(int64(m.imports.VirtualAddress)); ; desc = desc.Offset(descSize) {
		oft := desc.ReadU32()
		nameRVA := desc.Offset(12).ReadU32()
		ft := desc.Offset(16).ReadU32()
		if oft == 0 && nameRVA == 0 && ft == 0 {
			return address.Null
		}
		dll := m.base.Offset(int64(nameRVA)).CString(256)
		if !strings.EqualFold(dll, moduleName) {
			continue
		}
		lookup := oft
		if lookup == 0 {
			lookup = ft
		}
		names := m.base.Offset(int64(lookup))
		for i := 0; ; i++ {
			thunk := names.Offset(int64(i * 8)).ReadU64()
			if thunk == 0 {
				break
			}
			if thunk&(1<<63) != 0 {
				// by ordinal
				continue
			}
			// IMAGE_IMPORT_BY_NAME: u16 hint, then the name
			if m.base.Offset(int64(uint32(thunk))+2).CString(512) == symbol {
				return m.base.Offset(int64(ft) + int64(i*8))
			}
		}
	}
}
