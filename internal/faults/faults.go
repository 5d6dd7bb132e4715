// Package faults defines the failure taxonomy shared by the registry, the
// write engine and the lifecycle coordinator.
//
// Every failure that crosses a package boundary is either one of the sentinel
// errors below or a *Error carrying a Kind. Callers branch with errors.Is:
//
//	if errors.Is(err, faults.ErrTransientIO) {
//		// retry later
//	}
package faults

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindPermissionDenied
	KindPromptDismissed
	KindTransientIO
	KindPermanentIO
	KindStoreUnavailable
	KindCancelled
	KindInvalidInput
	KindNotConnected
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrPromptDismissed  = errors.New("permission prompt dismissed")
	ErrTransientIO      = errors.New("transient io failure")
	ErrPermanentIO      = errors.New("permanent io failure")
	ErrStoreUnavailable = errors.New("handle store unavailable")
	ErrCancelled        = errors.New("operation cancelled")
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotConnected     = errors.New("not connected")
	ErrNotFound         = errors.New("not found")
)

var sentinels = map[Kind]error{
	KindPermissionDenied: ErrPermissionDenied,
	KindPromptDismissed:  ErrPromptDismissed,
	KindTransientIO:      ErrTransientIO,
	KindPermanentIO:      ErrPermanentIO,
	KindStoreUnavailable: ErrStoreUnavailable,
	KindCancelled:        ErrCancelled,
	KindInvalidInput:     ErrInvalidInput,
	KindNotConnected:     ErrNotConnected,
}

func (k Kind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission-denied"
	case KindPromptDismissed:
		return "permission-prompt-dismissed"
	case KindTransientIO:
		return "transient-io"
	case KindPermanentIO:
		return "permanent-io"
	case KindStoreUnavailable:
		return "store-unavailable"
	case KindCancelled:
		return "cancelled"
	case KindInvalidInput:
		return "invalid-input"
	case KindNotConnected:
		return "not-connected"
	default:
		return "unknown"
	}
}

// Retryable reports whether the coordinator may retry automatically.
func (k Kind) Retryable() bool {
	return k == KindTransientIO || k == KindUnknown
}

// Error is a classified failure. Op names the operation ("write", "registry
// get", ...) and Path the file or key involved, when there is one.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func New(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	sentinel, ok := sentinels[e.Kind]
	return ok && target == sentinel
}

// KindOf returns the Kind of the first classified error in err's chain.
// Bare sentinels are recognised too; anything else is KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// FromOS wraps an error returned by the os package, classifying it by errno.
// Errors that are already classified pass through untouched.
func FromOS(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Kind: classifyOS(err), Op: op, Path: path, Err: err}
}
