//go:build !windows

package faults

import (
	"errors"
	"io/fs"

	"golang.org/x/sys/unix"
)

var (
	permissionErrnos = []unix.Errno{unix.EACCES, unix.EPERM}
	transientErrnos  = []unix.Errno{unix.EAGAIN, unix.EWOULDBLOCK, unix.EBUSY, unix.EINTR, unix.ETXTBSY, unix.ETIMEDOUT, unix.ENOLCK}
	permanentErrnos  = []unix.Errno{unix.ENOSPC, unix.EDQUOT, unix.EROFS, unix.ENOENT, unix.ENOTDIR, unix.EISDIR, unix.EIO, unix.EFBIG, unix.ENAMETOOLONG, unix.ENODEV, unix.ENXIO}
)

func classifyOS(err error) Kind {
	var errno unix.Errno
	if errors.As(err, &errno) {
		switch {
		case errnoIn(errno, permissionErrnos):
			return KindPermissionDenied
		case errnoIn(errno, transientErrnos):
			return KindTransientIO
		case errnoIn(errno, permanentErrnos):
			return KindPermanentIO
		}
	}
	switch {
	case errors.Is(err, fs.ErrPermission):
		return KindPermissionDenied
	case errors.Is(err, fs.ErrNotExist):
		return KindPermanentIO
	}
	return KindTransientIO
}

func errnoIn(errno unix.Errno, set []unix.Errno) bool {
	for _, candidate := range set {
		if errno == candidate {
			return true
		}
	}
	return false
}
