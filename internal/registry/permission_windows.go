//go:build windows

package registry

import (
	"errors"
	"io/fs"
	"os"

	"github.com/agentworkforce/localsave/internal/faults"
)

func probeDirectory(path string) (Permission, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return PermissionDenied, nil
		}
		return PermissionUnknown, faults.FromOS("check permission", path, err)
	}
	if !info.IsDir() {
		return PermissionDenied, nil
	}
	f, err := os.CreateTemp(path, ".localsave-probe-*")
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return PermissionDenied, nil
		}
		return PermissionUnknown, faults.FromOS("check permission", path, err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return PermissionGranted, nil
}

func repairDirectory(string) error {
	return nil
}
