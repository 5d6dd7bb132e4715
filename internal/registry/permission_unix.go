//go:build !windows

package registry

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"

	"github.com/agentworkforce/localsave/internal/faults"
)

// probeDirectory never prompts. A directory the current user owns but cannot
// use is prompt-required since its mode can be fixed without elevation.
func probeDirectory(path string) (Permission, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENOTDIR) {
			return PermissionDenied, nil
		}
		if errors.Is(err, unix.EACCES) {
			return PermissionDenied, nil
		}
		return PermissionUnknown, faults.FromOS("check permission", path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return PermissionDenied, nil
	}
	err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK)
	switch {
	case err == nil:
		return PermissionGranted, nil
	case errors.Is(err, unix.EACCES):
		if int(st.Uid) == os.Geteuid() {
			return PermissionPromptRequired, nil
		}
		return PermissionDenied, nil
	case errors.Is(err, unix.EROFS), errors.Is(err, unix.EPERM):
		return PermissionDenied, nil
	default:
		return PermissionUnknown, faults.FromOS("check permission", path, err)
	}
}

func repairDirectory(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.Chmod(path, info.Mode().Perm()|0o700)
}
