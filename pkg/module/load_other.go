//go:build !windows

package module

import "github.com/pkg/errors"

// LoadByName is only supported for PE images mapped by the Windows loader.
// Elsewhere wrap a mapped image with Load or New.
func LoadByName(name string) (*Module, error) {
	return nil, errors.Wrapf(ErrImageNotFound, "%s: no PE loader on this platform", name)
}
