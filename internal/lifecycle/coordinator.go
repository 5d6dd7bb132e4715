// Package lifecycle drives a storage session: acquiring and re-verifying
// permission for a location, gating writes, retrying transient failures and
// publishing one discrete status.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/localsave/internal/clock"
	"github.com/agentworkforce/localsave/internal/faults"
	"github.com/agentworkforce/localsave/internal/location"
	"github.com/agentworkforce/localsave/internal/registry"
	"github.com/agentworkforce/localsave/internal/telemetry"
	"github.com/agentworkforce/localsave/internal/writer"
)

// Picker asks the user for a new location.
type Picker interface {
	PickLocation(ctx context.Context) (string, error)
}

type PickerFunc func(ctx context.Context) (string, error)

func (f PickerFunc) PickLocation(ctx context.Context) (string, error) {
	return f(ctx)
}

type Options struct {
	Registry   *registry.Registry
	Picker     Picker
	LogicalKey string
	Settings   Settings
	Clock      clock.Clock
	Sink       telemetry.Sink
	OnStatus   func(Status)
	// Watch enables an fsnotify watch on the location in addition to the
	// periodic permission check.
	Watch  bool
	Logger logrus.FieldLogger
}

type writeFunc func(loc *location.Location, ctx context.Context, name string, data []byte, replace bool) (*location.BackupRecord, error)

type notice struct {
	status  *Status
	message string
	kind    faults.Kind
}

type Coordinator struct {
	registry *registry.Registry
	picker   Picker
	key      string
	clock    clock.Clock
	sink     telemetry.Sink
	onStatus func(Status)
	watch    bool
	logger   logrus.FieldLogger
	write    writeFunc
	ctx      context.Context
	cancel   context.CancelFunc

	mu            sync.Mutex
	settings      Settings
	state         State
	permission    registry.Permission
	lastSave      *time.Time
	failures      uint
	message       string
	gen           uint64
	handle        registry.Handle
	stored        bool
	loc           *location.Location
	engine        *writer.Engine
	connectCancel context.CancelFunc
	retryTimer    clock.Timer
	checkTimer    clock.Timer
	watcher       *dirWatcher
	closed        bool

	outbox   []notice
	draining bool
}

func New(opts Options) (*Coordinator, error) {
	if opts.Registry == nil {
		return nil, faults.New(faults.KindInvalidInput, "new coordinator", "", fmt.Errorf("registry is required"))
	}
	settings := opts.Settings
	if settings == (Settings{}) {
		settings = DefaultSettings()
	}
	settings, err := settings.Normalize()
	if err != nil {
		return nil, err
	}
	key := opts.LogicalKey
	if key == "" {
		key = registry.DefaultLogicalKey
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	sink := opts.Sink
	if sink == nil {
		sink = telemetry.Discard{}
	}
	logger := opts.Logger
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		registry:   opts.Registry,
		picker:     opts.Picker,
		key:        key,
		clock:      clk,
		sink:       sink,
		onStatus:   opts.OnStatus,
		watch:      opts.Watch,
		logger:     logger.WithField("component", "lifecycle"),
		write:      (*location.Location).WriteFile,
		ctx:        ctx,
		cancel:     cancel,
		settings:   settings,
		state:      Disconnected{},
		permission: PermissionNotApplicable,
		message:    describe(Disconnected{}),
	}, nil
}

// Connect asks the picker for a new location and connects to it. It returns
// true only once the session is Ready. A Blocked outcome returns false with
// a nil error; the status says why.
func (c *Coordinator) Connect(ctx context.Context) (bool, error) {
	if c.picker == nil {
		return false, faults.New(faults.KindInvalidInput, "connect", "", fmt.Errorf("no location picker configured"))
	}
	gen, cctx, cancel, err := c.beginConnect(ctx, false)
	if err != nil {
		return false, err
	}
	defer cancel()

	path, err := c.picker.PickLocation(cctx)
	if err != nil {
		return c.failConnect(gen, "pick location", err)
	}
	h, err := registry.NewHandle(path)
	if err != nil {
		return c.failConnect(gen, "connect", err)
	}
	perm, err := c.registry.RequestPermission(cctx, h)
	return c.establish(cctx, gen, h, perm, err, false)
}

// ConnectToExisting reconnects to the remembered location without a picker.
// A prompt-required record gets exactly one permission prompt. With nothing
// remembered it returns false and a nil error.
func (c *Coordinator) ConnectToExisting(ctx context.Context) (bool, error) {
	gen, cctx, cancel, err := c.beginConnect(ctx, true)
	if err != nil {
		return false, err
	}
	defer cancel()

	rec, err := c.registry.Get(cctx, c.key)
	if err != nil {
		return c.failConnect(gen, "load saved location", err)
	}
	if rec == nil {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return false, faults.New(faults.KindCancelled, "connect", "", fmt.Errorf("superseded by disconnect"))
		}
		c.connectCancel = nil
		c.transitionLocked(Disconnected{}, "no saved location")
		c.mu.Unlock()
		c.drain()
		return false, nil
	}

	h := rec.Handle
	if rec.LastVerifiedPermission == registry.PermissionDenied {
		return c.establish(cctx, gen, h, registry.PermissionDenied, nil, true)
	}
	perm, err := c.registry.CheckPermission(h)
	if err == nil && perm == registry.PermissionPromptRequired {
		perm, err = c.registry.RequestPermission(cctx, h)
	}
	return c.establish(cctx, gen, h, perm, err, true)
}

func (c *Coordinator) beginConnect(ctx context.Context, existing bool) (uint64, context.Context, context.CancelFunc, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, nil, nil, faults.New(faults.KindNotConnected, "connect", "", fmt.Errorf("coordinator is closed"))
	}
	if _, busy := c.state.(Connecting); busy {
		c.mu.Unlock()
		return 0, nil, nil, faults.New(faults.KindInvalidInput, "connect", "", fmt.Errorf("a connect attempt is already in progress"))
	}
	cleanup := c.detachLocked()
	c.gen++
	gen := c.gen
	cctx, cancel := context.WithCancel(ctx)
	c.connectCancel = cancel
	c.failures = 0
	c.permission = registry.PermissionUnknown
	c.transitionLocked(Connecting{Existing: existing}, "")
	c.mu.Unlock()
	cleanup()
	c.drain()
	return gen, cctx, cancel, nil
}

func (c *Coordinator) failConnect(gen uint64, op string, err error) (bool, error) {
	c.mu.Lock()
	if c.gen != gen || errors.Is(err, context.Canceled) {
		c.mu.Unlock()
		return false, faults.New(faults.KindCancelled, op, "", err)
	}
	c.connectCancel = nil
	c.permission = PermissionNotApplicable
	c.reportLocked(op, err)
	c.transitionLocked(Disconnected{}, err.Error())
	c.mu.Unlock()
	c.drain()
	return false, err
}

func (c *Coordinator) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Coordinator) establish(ctx context.Context, gen uint64, h registry.Handle, perm registry.Permission, permErr error, existing bool) (bool, error) {
	if !c.current(gen) {
		return false, faults.New(faults.KindCancelled, "connect", h.Path(), fmt.Errorf("superseded by disconnect"))
	}
	reason := ""
	if permErr != nil {
		switch faults.KindOf(permErr) {
		case faults.KindPermissionDenied, faults.KindPromptDismissed:
			if perm == registry.PermissionGranted || perm == registry.PermissionUnknown {
				perm = registry.PermissionDenied
			}
			reason = permErr.Error()
		default:
			return c.failConnect(gen, "request permission", permErr)
		}
	}

	var (
		loc      *location.Location
		previous *registry.Record
		replaced bool
	)
	if perm == registry.PermissionGranted {
		if !existing {
			prev, err := c.registry.Get(ctx, c.key)
			if err != nil {
				return c.failConnect(gen, "store location", err)
			}
			if err := c.registry.Put(ctx, c.key, h); err != nil {
				return c.failConnect(gen, "store location", err)
			}
			previous, replaced = prev, true
		}
		if err := c.registry.RecordPermission(ctx, c.key, registry.PermissionGranted); err != nil {
			if replaced && !c.current(gen) {
				c.restore(h, previous)
			}
			return c.failConnect(gen, "store location", err)
		}
		if replaced && !c.current(gen) {
			c.restore(h, previous)
			return false, faults.New(faults.KindCancelled, "connect", h.Path(), fmt.Errorf("superseded by disconnect"))
		}
		opened, err := location.Open(h.Path())
		switch {
		case err == nil:
			loc = opened
		case faults.KindOf(err) == faults.KindPermissionDenied:
			perm = registry.PermissionDenied
			reason = err.Error()
		default:
			return c.failConnect(gen, "open location", err)
		}
	} else if existing {
		if err := c.registry.RecordPermission(ctx, c.key, perm); err != nil {
			return c.failConnect(gen, "store location", err)
		}
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		if replaced {
			c.restore(h, previous)
		}
		return false, faults.New(faults.KindCancelled, "connect", h.Path(), fmt.Errorf("superseded by disconnect"))
	}
	c.connectCancel = nil
	c.handle = h
	c.stored = existing || perm == registry.PermissionGranted
	c.loc = loc
	c.permission = perm
	engine, err := c.newEngineLocked(gen)
	if err != nil {
		c.handle = registry.Handle{}
		c.loc = nil
		c.permission = PermissionNotApplicable
		c.reportLocked("connect", err)
		c.transitionLocked(Disconnected{}, err.Error())
		c.mu.Unlock()
		c.drain()
		return false, err
	}
	c.engine = engine
	if perm == registry.PermissionGranted {
		c.transitionLocked(Ready{}, "")
		c.startMonitoringLocked(gen)
	} else {
		engine.Suspend()
		if reason == "" {
			reason = fmt.Sprintf("access to %s is %s", h.Path(), perm)
		}
		c.reportLocked("connect", faults.New(faults.KindPermissionDenied, "connect", h.Path(), errors.New(reason)))
		c.transitionLocked(Blocked{Permission: perm, Reason: reason}, "")
	}
	c.mu.Unlock()
	c.drain()
	c.logger.WithFields(logrus.Fields{"path": h.Path(), "permission": perm, "existing": existing}).Info("location connected")
	return perm == registry.PermissionGranted, nil
}

// Disconnect drops the session and discards pending writes. The remembered
// location is kept. It returns the number of discarded payloads.
func (c *Coordinator) Disconnect() int {
	c.mu.Lock()
	c.gen++
	dropped := 0
	if c.engine != nil {
		dropped = c.engine.Pending()
	}
	cleanup := c.detachLocked()
	c.failures = 0
	c.permission = PermissionNotApplicable
	if dropped > 0 {
		c.outbox = append(c.outbox, notice{
			message: fmt.Sprintf("disconnect: discarded %d pending write(s)", dropped),
			kind:    faults.KindCancelled,
		})
	}
	if _, already := c.state.(Disconnected); !already {
		c.transitionLocked(Disconnected{}, "")
	}
	c.mu.Unlock()
	cleanup()
	c.drain()
	return dropped
}

// Purge disconnects and forgets the remembered location.
func (c *Coordinator) Purge(ctx context.Context) error {
	c.Disconnect()
	if err := c.registry.Clear(ctx, c.key); err != nil {
		c.report("purge", err)
		return err
	}
	return nil
}

// EnsurePermission re-checks and, if needed, re-prompts for the current
// location. On success the session returns to Ready from Blocked or
// FatalError.
func (c *Coordinator) EnsurePermission(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.handle.IsZero() {
		c.mu.Unlock()
		return false, faults.New(faults.KindNotConnected, "ensure permission", "", fmt.Errorf("no location connected"))
	}
	gen, h, stored, loc := c.gen, c.handle, c.stored, c.loc
	c.mu.Unlock()

	perm, err := c.registry.RequestPermission(ctx, h)
	if err != nil {
		switch faults.KindOf(err) {
		case faults.KindPermissionDenied, faults.KindPromptDismissed:
			if perm == registry.PermissionGranted || perm == registry.PermissionUnknown {
				perm = registry.PermissionDenied
			}
		default:
			c.report("ensure permission", err)
			return false, err
		}
	}
	if perm == registry.PermissionGranted {
		if !stored {
			if putErr := c.registry.Put(ctx, c.key, h); putErr != nil {
				c.report("store location", putErr)
			} else {
				stored = true
			}
		}
		if loc == nil {
			opened, openErr := location.Open(h.Path())
			if openErr != nil {
				c.report("open location", openErr)
				return false, openErr
			}
			loc = opened
		}
	}
	c.recordPermission(perm)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false, faults.New(faults.KindCancelled, "ensure permission", h.Path(), fmt.Errorf("superseded by disconnect"))
	}
	c.permission = perm
	if perm != registry.PermissionGranted {
		reason := fmt.Sprintf("access to %s is %s", h.Path(), perm)
		if err != nil {
			reason = err.Error()
		}
		if c.engine != nil {
			c.engine.Suspend()
		}
		c.transitionLocked(Blocked{Permission: perm, Reason: reason}, "")
		c.mu.Unlock()
		c.drain()
		return false, err
	}
	c.stored = stored
	c.loc = loc
	c.failures = 0
	c.stopRetryLocked()
	c.transitionLocked(Ready{}, "")
	c.startMonitoringLocked(gen)
	engine := c.engine
	c.mu.Unlock()
	if engine != nil {
		engine.Resume()
	}
	c.drain()
	return true, nil
}

// Save enqueues payload for the next debounced commit. In Blocked and
// FatalError the payload is kept but nothing is written until the session
// recovers.
func (c *Coordinator) Save(payload []byte) error {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	if engine == nil {
		return faults.New(faults.KindNotConnected, "save", "", fmt.Errorf("no location connected"))
	}
	return engine.Enqueue(payload, false)
}

// Replace enqueues payload as a wholesale replacement and commits it now.
// The previous file content is backed up first.
func (c *Coordinator) Replace(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	engine := c.engine
	err := c.blockedErrLocked("replace")
	c.mu.Unlock()
	if engine == nil {
		return faults.New(faults.KindNotConnected, "replace", "", fmt.Errorf("no location connected"))
	}
	if err != nil {
		return err
	}
	if err := engine.Enqueue(payload, true); err != nil {
		return err
	}
	return c.Flush(ctx)
}

// Flush commits pending content immediately. It is also the explicit retry
// out of FatalError. While Blocked it fails with PermissionDenied; only
// EnsurePermission leaves Blocked.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.mu.Lock()
	engine := c.engine
	if engine == nil {
		c.mu.Unlock()
		return faults.New(faults.KindNotConnected, "flush", "", fmt.Errorf("no location connected"))
	}
	if err := c.blockedErrLocked("flush"); err != nil {
		c.mu.Unlock()
		return err
	}
	if _, fatal := c.state.(FatalError); fatal {
		c.failures = 0
	}
	c.stopRetryLocked()
	c.mu.Unlock()
	return engine.Flush(ctx)
}

func (c *Coordinator) Reconfigure(s Settings) error {
	s, err := s.Normalize()
	if err != nil {
		return err
	}
	c.mu.Lock()
	old := c.settings
	c.settings = s
	engine := c.engine
	if old.PermissionCheckInterval != s.PermissionCheckInterval && c.checkTimer != nil {
		c.startMonitoringLocked(c.gen)
	}
	c.mu.Unlock()
	if engine != nil {
		return engine.SetSettings(s.writerSettings())
	}
	return nil
}

func (c *Coordinator) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Path returns the connected directory, or "" when disconnected.
func (c *Coordinator) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle.Path()
}

// WithLocation lends the open location to fn for the duration of the call.
// fn must not retain it.
func (c *Coordinator) WithLocation(fn func(*location.Location) error) error {
	c.mu.Lock()
	loc := c.loc
	c.mu.Unlock()
	if loc == nil {
		return faults.New(faults.KindNotConnected, "read", "", fmt.Errorf("no location connected"))
	}
	return fn(loc)
}

func (c *Coordinator) Close() {
	c.Disconnect()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
}

func (c *Coordinator) newEngineLocked(gen uint64) (*writer.Engine, error) {
	return writer.New(writer.Options{
		Target:   gatedTarget{c: c, gen: gen},
		Settings: c.settings.writerSettings(),
		Clock:    c.clock,
		Logger:   c.logger,
		Hooks: writer.Hooks{
			OnStart:  func(req writer.Request) { c.onCommitStart(gen, req) },
			OnFinish: func(res writer.Result) { c.onCommitFinish(gen, res) },
		},
	})
}

// detachLocked drops the live session. The returned func closes resources
// that must not be closed under c.mu.
func (c *Coordinator) detachLocked() func() {
	if c.connectCancel != nil {
		c.connectCancel()
		c.connectCancel = nil
	}
	c.stopRetryLocked()
	if c.checkTimer != nil {
		c.checkTimer.Stop()
		c.checkTimer = nil
	}
	if c.engine != nil {
		c.engine.Close()
		c.engine = nil
	}
	watcher := c.watcher
	c.watcher = nil
	c.loc = nil
	c.handle = registry.Handle{}
	c.stored = false
	return func() {
		if watcher != nil {
			watcher.Close()
		}
	}
}

func (c *Coordinator) blockedErrLocked(op string) error {
	blocked, ok := c.state.(Blocked)
	if !ok {
		return nil
	}
	return faults.New(faults.KindPermissionDenied, op, c.handle.Path(), fmt.Errorf("access is %s, call EnsurePermission", blocked.Permission))
}

func (c *Coordinator) stopRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Coordinator) transitionLocked(state State, detail string) {
	c.state = state
	c.message = describe(state)
	if detail != "" {
		c.message += ": " + detail
	}
	status := c.snapshotLocked()
	c.outbox = append(c.outbox, notice{status: &status})
}

func (c *Coordinator) reportLocked(op string, err error) {
	c.outbox = append(c.outbox, notice{message: op + ": " + err.Error(), kind: faults.KindOf(err)})
}

func (c *Coordinator) report(op string, err error) {
	c.mu.Lock()
	c.reportLocked(op, err)
	c.mu.Unlock()
	c.drain()
}

// drain delivers queued statuses and reports in order, outside c.mu. Only
// one goroutine drains at a time; others leave their notices to it.
func (c *Coordinator) drain() {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.outbox) > 0 {
		n := c.outbox[0]
		c.outbox = c.outbox[1:]
		c.mu.Unlock()
		if n.status != nil {
			if c.onStatus != nil {
				c.onStatus(*n.status)
			}
		} else {
			c.sink.Report(n.message, n.kind)
		}
		c.mu.Lock()
	}
	c.draining = false
	c.mu.Unlock()
}

func (c *Coordinator) snapshotLocked() Status {
	status := Status{
		State:               c.state,
		Permission:          c.permission,
		ConsecutiveFailures: c.failures,
		Message:             c.message,
	}
	if c.lastSave != nil {
		t := *c.lastSave
		status.LastSaveTime = &t
	}
	if c.engine != nil {
		status.PendingWrites = c.engine.Pending()
	}
	if _, ready := c.state.(Ready); ready && status.PendingWrites > 0 && c.message == describe(Ready{}) {
		status.Message = unsavedMessage
	}
	return status
}

// restore puts back the record a superseded connect overwrote. It does
// nothing once a newer session owns the record.
func (c *Coordinator) restore(h registry.Handle, previous *registry.Record) {
	c.mu.Lock()
	owned := !c.handle.IsZero()
	c.mu.Unlock()
	if owned {
		return
	}
	rec, err := c.registry.Get(c.ctx, c.key)
	if err != nil || rec == nil || rec.Handle.Path() != h.Path() {
		return
	}
	if previous == nil {
		err = c.registry.Clear(c.ctx, c.key)
	} else if err = c.registry.Put(c.ctx, c.key, previous.Handle); err == nil {
		err = c.registry.RecordPermission(c.ctx, c.key, previous.LastVerifiedPermission)
	}
	if err != nil {
		c.report("restore location", err)
	}
}

func (c *Coordinator) recordPermission(perm registry.Permission) {
	if err := c.registry.RecordPermission(c.ctx, c.key, perm); err != nil {
		c.report("record permission", err)
	}
}
