//go:build windows

package faults

import (
	"errors"
	"io/fs"
)

func classifyOS(err error) Kind {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return KindPermissionDenied
	case errors.Is(err, fs.ErrNotExist):
		return KindPermanentIO
	}
	return KindTransientIO
}
