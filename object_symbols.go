package sdk

import (
	"path/filepath"

	"github.com/pkg/errors"

	sym "github.com/Mauler125/r5sdk-sub022/internal/objSymbols"
	"github.com/Mauler125/r5sdk-sub022/pkg/address"
	"github.com/Mauler125/r5sdk-sub022/pkg/module"
)

// GetSymbols returns the COFF and export symbols of the image file at path,
// as RVAs.
func GetSymbols(path string) (map[string]uintptr, error) {
	return sym.ReadSymbols(path)
}

// OfflineImage is an image file copied into memory in its mapped layout.
type OfflineImage struct {
	*module.Module
	data []byte
}

// OpenImage maps the image file at path so it can be resolved like a
// loaded module. Imports are not bound; IAT slots hold their on-disk
// values.
func OpenImage(path string) (*OfflineImage, error) {
	data, err := sym.MapImage(path)
	if err != nil {
		return nil, err
	}
	mod, err := module.Load(address.FromSlice(data), filepath.Base(path))
	if err != nil {
		return nil, errors.WithMessage(err, path)
	}
	return &OfflineImage{Module: mod, data: data}, nil
}

// Bytes returns the mapped image. It stays valid for the life of img.
func (img *OfflineImage) Bytes() []byte { return img.data }
