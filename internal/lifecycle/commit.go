package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/localsave/internal/faults"
	"github.com/agentworkforce/localsave/internal/location"
	"github.com/agentworkforce/localsave/internal/registry"
	"github.com/agentworkforce/localsave/internal/writer"
)

type permissionLost struct {
	permission registry.Permission
}

func (e *permissionLost) Error() string {
	return fmt.Sprintf("permission is %s", e.permission)
}

// gatedTarget re-checks permission before every physical write.
type gatedTarget struct {
	c   *Coordinator
	gen uint64
}

func (t gatedTarget) Write(ctx context.Context, req writer.Request) error {
	c := t.c
	c.mu.Lock()
	if c.gen != t.gen || c.handle.IsZero() {
		c.mu.Unlock()
		return faults.New(faults.KindCancelled, "write", req.TargetFileName, fmt.Errorf("session ended"))
	}
	h, loc := c.handle, c.loc
	c.mu.Unlock()

	perm, err := c.registry.CheckPermission(h)
	if err != nil {
		return err
	}
	if perm != registry.PermissionGranted {
		return faults.New(faults.KindPermissionDenied, "write", h.Path(), &permissionLost{permission: perm})
	}
	if loc == nil {
		opened, err := location.Open(h.Path())
		if err != nil {
			return err
		}
		c.mu.Lock()
		if c.gen == t.gen && c.loc == nil {
			c.loc = opened
		}
		c.mu.Unlock()
		loc = opened
	}
	backup, err := c.write(loc, ctx, req.TargetFileName, req.Payload, req.Replace)
	if backup != nil {
		c.logger.WithFields(logrus.Fields{
			"file":   backup.SourceFile,
			"backup": backup.Path,
			"bytes":  backup.Size,
		}).Info("backed up file before replace")
	}
	return err
}

func (c *Coordinator) onCommitStart(gen uint64, _ writer.Request) {
	c.mu.Lock()
	if _, blocked := c.state.(Blocked); c.gen != gen || blocked {
		c.mu.Unlock()
		return
	}
	c.transitionLocked(Saving{Attempt: c.failures + 1}, "")
	c.mu.Unlock()
	c.drain()
}

func (c *Coordinator) onCommitFinish(gen uint64, res writer.Result) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	if res.Err == nil {
		now := c.clock.Now()
		c.lastSave = &now
		c.failures = 0
		c.stopRetryLocked()
		regained := false
		if blocked, ok := c.state.(Blocked); ok {
			// revoked while the commit was in flight
			c.engine.Suspend()
			c.transitionLocked(blocked, "")
		} else {
			regained = c.permission != registry.PermissionGranted
			c.permission = registry.PermissionGranted
			c.transitionLocked(Ready{}, "")
		}
		c.mu.Unlock()
		c.drain()
		if regained {
			c.recordPermission(registry.PermissionGranted)
		}
		return
	}

	err := res.Err
	kind := faults.KindOf(err)
	c.reportLocked("save "+res.Request.TargetFileName, err)
	record := registry.Permission("")
	switch {
	case kind == faults.KindCancelled:
		c.engine.Resume()
		c.transitionLocked(Ready{}, "save cancelled")
	case kind == faults.KindPermissionDenied || kind == faults.KindPromptDismissed:
		perm := registry.PermissionDenied
		var lost *permissionLost
		if errors.As(err, &lost) {
			perm = lost.permission
		}
		c.permission = perm
		record = perm
		c.stopRetryLocked()
		c.transitionLocked(Blocked{Permission: perm, Reason: err.Error()}, "")
	case kind.Retryable():
		c.failures++
		if c.failures >= c.settings.MaxRetries {
			c.stopRetryLocked()
			c.transitionLocked(FatalError{Cause: err, ErrKind: kind}, err.Error())
			break
		}
		delay := c.settings.Backoff(c.failures)
		next := c.clock.Now().Add(delay)
		c.stopRetryLocked()
		c.retryTimer = c.clock.AfterFunc(delay, func() { c.retry(gen) })
		c.transitionLocked(Retrying{Attempt: c.failures, Delay: delay, NextAttempt: next, Cause: err}, "")
	default:
		c.failures++
		c.stopRetryLocked()
		c.transitionLocked(FatalError{Cause: err, ErrKind: kind}, err.Error())
	}
	c.mu.Unlock()
	c.drain()
	if record != "" {
		c.recordPermission(record)
	}
}

func (c *Coordinator) retry(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.engine == nil {
		c.mu.Unlock()
		return
	}
	if _, retrying := c.state.(Retrying); !retrying {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	engine := c.engine
	c.mu.Unlock()
	_ = engine.Flush(c.ctx)
}
