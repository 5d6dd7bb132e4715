package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentworkforce/localsave/internal/faults"
)

// Granter asks the user to confirm access to path. Returning false means the
// prompt was dismissed.
type Granter interface {
	ConfirmGrant(ctx context.Context, path string) (bool, error)
}

type declineGranter struct{}

func (declineGranter) ConfirmGrant(context.Context, string) (bool, error) {
	return false, nil
}

// OSProber checks directory access with the operating system. Request may
// repair owner permission bits after the Granter confirms.
type OSProber struct {
	granter Granter
}

func NewOSProber(granter Granter) *OSProber {
	if granter == nil {
		granter = declineGranter{}
	}
	return &OSProber{granter: granter}
}

func (p *OSProber) Check(h Handle) (Permission, error) {
	return probeDirectory(h.Path())
}

func (p *OSProber) Request(ctx context.Context, h Handle) (Permission, error) {
	permission, err := p.Check(h)
	if err != nil || permission != PermissionPromptRequired {
		return permission, err
	}
	ok, err := p.granter.ConfirmGrant(ctx, h.Path())
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return PermissionPromptRequired, faults.New(faults.KindCancelled, "request permission", h.Path(), err)
		}
		return PermissionPromptRequired, faults.New(faults.KindPromptDismissed, "request permission", h.Path(), err)
	}
	if !ok {
		return PermissionPromptRequired, faults.New(faults.KindPromptDismissed, "request permission", h.Path(), fmt.Errorf("access was not confirmed"))
	}
	if err := repairDirectory(h.Path()); err != nil {
		return PermissionDenied, faults.FromOS("request permission", h.Path(), err)
	}
	return p.Check(h)
}
