package symbols

import (
	"github.com/Binject/debug/pe"
	"github.com/pkg/errors"
)

// maxImageSize bounds SizeOfImage of a file to map.
const maxImageSize = 1 << 31

// MapImage reads the image at name and returns its mapped layout: headers
// at offset 0 and every section at its virtual address.
func MapImage(name string) ([]byte, error) {
	f, err := openPE(name)
	if err != nil {
		return nil, err
	}
	defer f.pe.Close()

	var sizeOfImage, sizeOfHeaders uint32
	switch oh := f.pe.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		sizeOfImage, sizeOfHeaders = oh.SizeOfImage, oh.SizeOfHeaders
	case *pe.OptionalHeader32:
		sizeOfImage, sizeOfHeaders = oh.SizeOfImage, oh.SizeOfHeaders
	default:
		return nil, errors.Wrapf(ErrFormat, "%s: no optional header", name)
	}
	if sizeOfImage == 0 || sizeOfImage > maxImageSize {
		return nil, errors.Wrapf(ErrFormat, "%s: SizeOfImage %#x", name, sizeOfImage)
	}

	img := make([]byte, sizeOfImage)
	copy(img, f.raw[:min(int(sizeOfHeaders), len(f.raw))])
	for _, s := range f.pe.Sections {
		start, end := int(s.Offset), int(s.Offset)+int(s.Size)
		if s.Size == 0 || start >= len(f.raw) {
			continue
		}
		if end > len(f.raw) {
			end = len(f.raw)
		}
		if int(s.VirtualAddress) >= len(img) {
			return nil, errors.Wrapf(ErrFormat, "%s: section %s outside the image", name, s.Name)
		}
		data := f.raw[start:end]
		if s.VirtualSize != 0 && int(s.VirtualSize) < len(data) {
			data = data[:s.VirtualSize]
		}
		copy(img[s.VirtualAddress:], data)
	}
	return img, nil
}
