package lifecycle

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentworkforce/localsave/internal/faults"
	"github.com/agentworkforce/localsave/internal/registry"
)

type StateKind string

const (
	KindDisconnected StateKind = "disconnected"
	KindConnecting   StateKind = "connecting"
	KindReady        StateKind = "ready"
	KindSaving       StateKind = "saving"
	KindRetrying     StateKind = "retrying"
	KindBlocked      StateKind = "blocked"
	KindFatal        StateKind = "error"
)

// State is one of Disconnected, Connecting, Ready, Saving, Retrying, Blocked
// or FatalError. Each carries only the fields meaningful to it.
type State interface {
	Kind() StateKind
	state()
}

type Disconnected struct{}

type Connecting struct {
	Existing bool
}

type Ready struct{}

type Saving struct {
	Attempt uint
}

type Retrying struct {
	Attempt     uint
	Delay       time.Duration
	NextAttempt time.Time
	Cause       error
}

type Blocked struct {
	Permission registry.Permission
	Reason     string
}

type FatalError struct {
	Cause   error
	ErrKind faults.Kind
}

func (Disconnected) Kind() StateKind { return KindDisconnected }
func (Connecting) Kind() StateKind   { return KindConnecting }
func (Ready) Kind() StateKind        { return KindReady }
func (Saving) Kind() StateKind       { return KindSaving }
func (Retrying) Kind() StateKind     { return KindRetrying }
func (Blocked) Kind() StateKind      { return KindBlocked }
func (FatalError) Kind() StateKind   { return KindFatal }

func (Disconnected) state() {}
func (Connecting) state()   {}
func (Ready) state()        {}
func (Saving) state()       {}
func (Retrying) state()     {}
func (Blocked) state()      {}
func (FatalError) state()   {}

// PermissionNotApplicable is reported while no location is connected.
const PermissionNotApplicable registry.Permission = "not-applicable"

type Status struct {
	State               State
	Permission          registry.Permission
	LastSaveTime        *time.Time
	ConsecutiveFailures uint
	PendingWrites       int
	Message             string
}

type statusJSON struct {
	State               StateKind           `json:"state"`
	Permission          registry.Permission `json:"permission"`
	LastSaveTime        *time.Time          `json:"lastSaveTime"`
	ConsecutiveFailures uint                `json:"consecutiveFailures"`
	PendingWrites       int                 `json:"pendingWrites"`
	Message             string              `json:"message"`
	Attempt             uint                `json:"attempt,omitempty"`
	NextAttempt         *time.Time          `json:"nextAttempt,omitempty"`
	ErrorKind           string              `json:"errorKind,omitempty"`
	Existing            bool                `json:"existing,omitempty"`
}

func (s Status) MarshalJSON() ([]byte, error) {
	out := statusJSON{
		State:               KindDisconnected,
		Permission:          s.Permission,
		LastSaveTime:        s.LastSaveTime,
		ConsecutiveFailures: s.ConsecutiveFailures,
		PendingWrites:       s.PendingWrites,
		Message:             s.Message,
	}
	if s.State != nil {
		out.State = s.State.Kind()
	}
	switch st := s.State.(type) {
	case Connecting:
		out.Existing = st.Existing
	case Saving:
		out.Attempt = st.Attempt
	case Retrying:
		out.Attempt = st.Attempt
		next := st.NextAttempt
		out.NextAttempt = &next
		out.ErrorKind = faults.KindOf(st.Cause).String()
	case FatalError:
		out.ErrorKind = st.ErrKind.String()
	}
	return json.Marshal(out)
}

const unsavedMessage = "Unsaved changes"

func describe(state State) string {
	switch st := state.(type) {
	case Disconnected:
		return "Not connected"
	case Connecting:
		if st.Existing {
			return "Reconnecting to saved location"
		}
		return "Waiting for a location"
	case Ready:
		return "All changes saved"
	case Saving:
		if st.Attempt > 1 {
			return fmt.Sprintf("Saving (attempt %d)", st.Attempt)
		}
		return "Saving"
	case Retrying:
		return fmt.Sprintf("Save failed, retrying in %s (attempt %d)", st.Delay, st.Attempt+1)
	case Blocked:
		if st.Reason != "" {
			return "Permission required: " + st.Reason
		}
		return "Permission required"
	case FatalError:
		return "Save failed, please reconnect"
	}
	return ""
}
