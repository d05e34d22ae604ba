//go:build windows

package module

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"

	"github.com/Mauler125/r5sdk-sub022/pkg/address"
)

// LoadByName loads the module of an image already mapped into this process.
// An empty name selects the main executable.
func LoadByName(name string) (*Module, error) {
	var namePtr *uint16
	if name != "" {
		p, err := windows.UTF16PtrFromString(name)
		if err != nil {
			return nil, errors.Wrap(err, name)
		}
		namePtr = p
	}
	var h windows.Handle
	if err := windows.GetModuleHandleEx(windows.GET_MODULE_HANDLE_EX_FLAG_UNCHANGED_REFCOUNT, namePtr, &h); err != nil {
		return nil, errors.Wrapf(ErrImageNotFound, "%s: %v", name, err)
	}
	if name == "" {
		name = mainImageName()
	}
	return Load(address.Handle(h), name)
}

func mainImageName() string {
	var buf [windows.MAX_PATH]uint16
	n, err := windows.GetModuleFileName(0, &buf[0], uint32(len(buf)))
	if err != nil || n == 0 {
		return "main"
	}
	full := windows.UTF16ToString(buf[:n])
	for i := len(full) - 1; i >= 0; i-- {
		if full[i] == '\\' || full[i] == '/' {
			return full[i+1:]
		}
	}
	return full
}
