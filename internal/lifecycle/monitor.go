package lifecycle

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/localsave/internal/faults"
	"github.com/agentworkforce/localsave/internal/registry"
)

// startMonitoringLocked arms the periodic permission check and, when
// enabled, the directory watch for the current session.
func (c *Coordinator) startMonitoringLocked(gen uint64) {
	if c.checkTimer != nil {
		c.checkTimer.Stop()
	}
	c.checkTimer = c.clock.AfterFunc(c.settings.PermissionCheckInterval, func() { c.periodicCheck(gen) })
	if c.watch && c.watcher == nil && !c.handle.IsZero() {
		w, err := watchDirectory(c.handle.Path(), func() { c.checkPermission(gen) }, c.logger)
		if err != nil {
			c.logger.WithError(err).WithField("path", c.handle.Path()).Warn("directory watch unavailable, relying on periodic checks")
			return
		}
		c.watcher = w
	}
}

func (c *Coordinator) periodicCheck(gen uint64) {
	c.checkPermission(gen)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.handle.IsZero() {
		return
	}
	c.checkTimer = c.clock.AfterFunc(c.settings.PermissionCheckInterval, func() { c.periodicCheck(gen) })
}

// checkPermission moves the session to Blocked when access was lost. It never
// unblocks; that takes an explicit EnsurePermission.
func (c *Coordinator) checkPermission(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.handle.IsZero() {
		c.mu.Unlock()
		return
	}
	h := c.handle
	c.mu.Unlock()

	perm, err := c.registry.CheckPermission(h)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.reportLocked("permission check", err)
		c.mu.Unlock()
		c.drain()
		return
	}
	_, blocked := c.state.(Blocked)
	_, disconnected := c.state.(Disconnected)
	if perm == registry.PermissionGranted || blocked || disconnected {
		c.mu.Unlock()
		return
	}
	c.permission = perm
	if c.engine != nil {
		c.engine.Suspend()
	}
	c.stopRetryLocked()
	reason := "access to " + h.Path() + " was revoked"
	c.reportLocked("permission check", faults.New(faults.KindPermissionDenied, "permission check", h.Path(), &permissionLost{permission: perm}))
	c.transitionLocked(Blocked{Permission: perm, Reason: reason}, "")
	c.mu.Unlock()
	c.drain()
	c.recordPermission(perm)
}

type dirWatcher struct {
	w *fsnotify.Watcher
}

// watchDirectory watches the parent of root so removal, rename and mode
// changes of root itself are seen.
func watchDirectory(root string, onChange func(), logger logrus.FieldLogger) (*dirWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	root = filepath.Clean(root)
	if err := w.Add(filepath.Dir(root)); err != nil {
		_ = w.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != root {
					continue
				}
				if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Chmod) {
					onChange()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("directory watch error")
			}
		}
	}()
	return &dirWatcher{w: w}, nil
}

func (d *dirWatcher) Close() {
	_ = d.w.Close()
}

