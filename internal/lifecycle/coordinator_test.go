package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/localsave/internal/clock"
	"github.com/agentworkforce/localsave/internal/faults"
	"github.com/agentworkforce/localsave/internal/location"
	"github.com/agentworkforce/localsave/internal/registry"
	"github.com/agentworkforce/localsave/internal/telemetry"
)

var epoch = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

type fakeProber struct {
	mu         sync.Mutex
	check      registry.Permission
	request    registry.Permission
	requestErr error
	requests   int
}

func (p *fakeProber) Check(registry.Handle) (registry.Permission, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.check, nil
}

func (p *fakeProber) Request(context.Context, registry.Handle) (registry.Permission, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests++
	if p.requestErr != nil {
		return registry.PermissionPromptRequired, p.requestErr
	}
	if p.request == registry.PermissionGranted {
		p.check = registry.PermissionGranted
	}
	return p.request, nil
}

func (p *fakeProber) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}

func (p *fakeProber) resetRequests() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = 0
}

func (p *fakeProber) set(check, request registry.Permission) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.check = check
	p.request = request
}

type brokenBackend struct{}

func (brokenBackend) Load(context.Context, string, string) (*registry.Record, error) {
	return nil, errors.New("store cannot be opened")
}
func (brokenBackend) Save(context.Context, string, registry.Record) error {
	return errors.New("store cannot be opened")
}
func (brokenBackend) Delete(context.Context, string, string) error {
	return errors.New("store cannot be opened")
}
func (brokenBackend) Close() error { return nil }

type harness struct {
	c        *Coordinator
	clock    *clock.Fake
	prober   *fakeProber
	registry *registry.Registry
	dir      string
	ring     *telemetry.Ring

	mu       sync.Mutex
	statuses []Status
	attempts int
	failures []error
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		clock:  clock.NewFake(epoch),
		prober: &fakeProber{check: registry.PermissionGranted, request: registry.PermissionGranted},
		dir:    t.TempDir(),
		ring:   telemetry.NewRing(64, nil),
	}
	reg, err := registry.New(registry.Options{Backend: registry.NewInMemoryBackend(), Prober: h.prober})
	require.NoError(t, err)
	h.registry = reg
	opts := Options{
		Registry: reg,
		Picker:   PickerFunc(func(context.Context) (string, error) { return h.dir, nil }),
		Settings: DefaultSettings(),
		Clock:    h.clock,
		Sink:     h.ring,
		OnStatus: func(s Status) {
			h.mu.Lock()
			h.statuses = append(h.statuses, s)
			h.mu.Unlock()
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	c.write = func(loc *location.Location, ctx context.Context, name string, data []byte, replace bool) (*location.BackupRecord, error) {
		h.mu.Lock()
		h.attempts++
		var failure error
		if len(h.failures) > 0 {
			failure = h.failures[0]
			h.failures = h.failures[1:]
		}
		h.mu.Unlock()
		if failure != nil {
			return nil, failure
		}
		return loc.WriteFile(ctx, name, data, replace)
	}
	h.c = c
	t.Cleanup(c.Close)
	return h
}

func (h *harness) failNext(errs ...error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, errs...)
}

func (h *harness) attemptCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts
}

func (h *harness) kinds() []StateKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]StateKind, 0, len(h.statuses))
	for _, s := range h.statuses {
		out = append(out, s.State.Kind())
	}
	return out
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	ok, err := h.c.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
}

func transient() error {
	return faults.New(faults.KindTransientIO, "write", "data.json", errors.New("resource busy"))
}

func TestConnectReachesReadyAndRemembersLocation(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	status := h.c.Status()
	assert.Equal(t, KindReady, status.State.Kind())
	assert.Equal(t, registry.PermissionGranted, status.Permission)
	assert.Equal(t, h.dir, h.c.Path())
	assert.Equal(t, []StateKind{KindConnecting, KindReady}, h.kinds())

	rec, err := h.registry.Get(context.Background(), registry.DefaultLogicalKey)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, h.dir, rec.Handle.Path())
	assert.Equal(t, registry.PermissionGranted, rec.LastVerifiedPermission)
}

func TestDebouncedSaveWritesLastPayload(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	require.NoError(t, h.c.Save([]byte("A")))
	h.clock.Advance(time.Second)
	require.NoError(t, h.c.Save([]byte("B")))
	assert.Equal(t, 2, h.c.Status().PendingWrites)

	h.clock.Advance(4999 * time.Millisecond)
	assert.Equal(t, 0, h.attemptCount())
	h.clock.Advance(time.Millisecond)
	assert.Equal(t, 1, h.attemptCount())

	data, err := os.ReadFile(filepath.Join(h.dir, DefaultFileName))
	require.NoError(t, err)
	assert.Equal(t, "B", string(data))

	status := h.c.Status()
	assert.Equal(t, KindReady, status.State.Kind())
	require.NotNil(t, status.LastSaveTime)
	assert.Equal(t, epoch.Add(6*time.Second), *status.LastSaveTime)
	assert.Equal(t, []StateKind{KindConnecting, KindReady, KindSaving, KindReady}, h.kinds())
}

func TestTwoTransientFailuresThenSuccess(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	h.failNext(transient(), transient())

	require.NoError(t, h.c.Save([]byte("payload")))
	h.clock.Advance(DefaultSettings().DebounceDelay)
	status := h.c.Status()
	require.Equal(t, KindRetrying, status.State.Kind())
	assert.Equal(t, uint(1), status.ConsecutiveFailures)
	retry := status.State.(Retrying)
	assert.Equal(t, time.Second, retry.Delay)

	h.clock.Advance(time.Second)
	status = h.c.Status()
	require.Equal(t, KindRetrying, status.State.Kind())
	assert.Equal(t, uint(2), status.ConsecutiveFailures)
	assert.Equal(t, 2*time.Second, status.State.(Retrying).Delay)

	h.clock.Advance(2 * time.Second)
	status = h.c.Status()
	assert.Equal(t, KindReady, status.State.Kind())
	assert.Equal(t, uint(0), status.ConsecutiveFailures)
	assert.Equal(t, 3, h.attemptCount())

	data, err := os.ReadFile(filepath.Join(h.dir, DefaultFileName))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.Len(t, h.ring.Events(), 2)
}

func TestMaxRetriesEndsInFatalError(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	for i := 0; i < 10; i++ {
		h.failNext(transient())
	}

	require.NoError(t, h.c.Save([]byte("payload")))
	h.clock.Advance(DefaultSettings().DebounceDelay)
	h.clock.Advance(time.Second)
	h.clock.Advance(2 * time.Second)

	status := h.c.Status()
	require.Equal(t, KindFatal, status.State.Kind())
	assert.Equal(t, uint(3), status.ConsecutiveFailures)
	assert.Equal(t, faults.KindTransientIO, status.State.(FatalError).ErrKind)
	assert.Equal(t, 3, h.attemptCount())

	h.clock.Advance(time.Hour)
	require.NoError(t, h.c.Save([]byte("more")))
	h.clock.Advance(time.Hour)
	assert.Equal(t, 3, h.attemptCount(), "no automatic attempts after FatalError")
	assert.Equal(t, 2, h.c.Status().PendingWrites, "the failed payload and the newer one are both accounted for")

	h.mu.Lock()
	h.failures = nil
	h.mu.Unlock()
	require.NoError(t, h.c.Flush(context.Background()))
	assert.Equal(t, KindReady, h.c.Status().State.Kind())
	assert.Equal(t, 4, h.attemptCount())
}

func TestPermanentFailureGoesStraightToFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	h.failNext(faults.New(faults.KindPermanentIO, "write", "data.json", errors.New("no space left on device")))

	require.NoError(t, h.c.Save([]byte("payload")))
	h.clock.Advance(DefaultSettings().DebounceDelay)
	status := h.c.Status()
	assert.Equal(t, KindFatal, status.State.Kind())
	assert.Equal(t, uint(1), status.ConsecutiveFailures)
	assert.Contains(t, status.Message, "no space left")
	h.clock.Advance(time.Hour)
	assert.Equal(t, 1, h.attemptCount())
}

func TestDisconnectDuringConnectDiscardsLateSuccess(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, nil)
	dir := h.dir
	h.c.picker = PickerFunc(func(context.Context) (string, error) {
		close(entered)
		<-release
		return dir, nil
	})

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ok, err := h.c.Connect(context.Background())
		done <- result{ok, err}
	}()
	<-entered
	assert.Equal(t, KindConnecting, h.c.Status().State.Kind())

	h.c.Disconnect()
	close(release)
	res := <-done

	assert.False(t, res.ok)
	require.ErrorIs(t, res.err, faults.ErrCancelled)
	assert.Equal(t, KindDisconnected, h.c.Status().State.Kind())
	assert.Empty(t, h.c.Path())
	rec, err := h.registry.Get(context.Background(), registry.DefaultLogicalKey)
	require.NoError(t, err)
	assert.Nil(t, rec)
	require.ErrorIs(t, h.c.Save([]byte("x")), faults.ErrNotConnected)
}

func TestConnectToExistingWithDeniedRecordIsBlocked(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	handle, err := registry.NewHandle(h.dir)
	require.NoError(t, err)
	require.NoError(t, h.registry.Put(ctx, registry.DefaultLogicalKey, handle))
	require.NoError(t, h.registry.RecordPermission(ctx, registry.DefaultLogicalKey, registry.PermissionDenied))

	ok, err := h.c.ConnectToExisting(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	status := h.c.Status()
	require.Equal(t, KindBlocked, status.State.Kind())
	assert.Equal(t, registry.PermissionDenied, status.Permission)
	assert.Equal(t, 0, h.prober.requests, "a denied record is not re-prompted")

	require.NoError(t, h.c.Save([]byte("kept")))
	h.clock.Advance(time.Hour)
	assert.Equal(t, 0, h.attemptCount())
	assert.Equal(t, 1, h.c.Status().PendingWrites)

	ok, err = h.c.EnsurePermission(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, KindReady, h.c.Status().State.Kind())
	h.clock.Advance(DefaultSettings().DebounceDelay)
	data, err := os.ReadFile(filepath.Join(h.dir, DefaultFileName))
	require.NoError(t, err)
	assert.Equal(t, "kept", string(data))
}

func TestConnectToExistingWithoutRecord(t *testing.T) {
	h := newHarness(t, nil)
	ok, err := h.c.ConnectToExisting(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	status := h.c.Status()
	assert.Equal(t, KindDisconnected, status.State.Kind())
	assert.Contains(t, status.Message, "no saved location")
}

func TestConnectToExistingRepromptsOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.connect(t)
	h.c.Disconnect()
	h.prober.resetRequests()

	h.prober.set(registry.PermissionPromptRequired, registry.PermissionGranted)
	ok, err := h.c.ConnectToExisting(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, h.prober.requestCount())

	h.c.Disconnect()
	h.prober.set(registry.PermissionPromptRequired, registry.PermissionPromptRequired)
	h.prober.requestErr = faults.New(faults.KindPromptDismissed, "request permission", h.dir, errors.New("user cancelled"))
	ok, err = h.c.ConnectToExisting(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, h.prober.requestCount())
	status := h.c.Status()
	require.Equal(t, KindBlocked, status.State.Kind())
	assert.Contains(t, status.State.(Blocked).Reason, "user cancelled")
}

func TestConnectFailsFastWhenStoreUnavailable(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		reg, err := registry.New(registry.Options{Backend: brokenBackend{}, Prober: &fakeProber{check: registry.PermissionGranted, request: registry.PermissionGranted}})
		require.NoError(t, err)
		o.Registry = reg
	})
	ok, err := h.c.Connect(context.Background())
	assert.False(t, ok)
	require.ErrorIs(t, err, faults.ErrStoreUnavailable)
	assert.Equal(t, KindDisconnected, h.c.Status().State.Kind())

	ok, err = h.c.ConnectToExisting(context.Background())
	assert.False(t, ok)
	require.ErrorIs(t, err, faults.ErrStoreUnavailable)

	events := h.ring.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, faults.KindStoreUnavailable, events[len(events)-1].Kind)
}

func TestMidSessionDenialBlocksNextSave(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	h.prober.set(registry.PermissionDenied, registry.PermissionDenied)
	require.NoError(t, h.c.Save([]byte("after revoke")))
	h.clock.Advance(DefaultSettings().DebounceDelay)

	status := h.c.Status()
	require.Equal(t, KindBlocked, status.State.Kind())
	assert.Equal(t, registry.PermissionDenied, status.Permission)
	assert.Equal(t, 0, h.attemptCount(), "the gate stops the write before any I/O")
	assert.Equal(t, 1, status.PendingWrites)

	rec, err := h.registry.Get(context.Background(), registry.DefaultLogicalKey)
	require.NoError(t, err)
	assert.Equal(t, registry.PermissionDenied, rec.LastVerifiedPermission)
}

func TestPeriodicCheckBlocksOnRevocation(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	h.prober.set(registry.PermissionPromptRequired, registry.PermissionGranted)

	h.clock.Advance(DefaultPermissionCheckInterval)
	status := h.c.Status()
	require.Equal(t, KindBlocked, status.State.Kind())
	assert.Equal(t, registry.PermissionPromptRequired, status.Permission)

	h.clock.Advance(DefaultPermissionCheckInterval)
	assert.Equal(t, KindBlocked, h.c.Status().State.Kind(), "checks never unblock on their own")

	ok, err := h.c.EnsurePermission(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, KindReady, h.c.Status().State.Kind())
}

func TestPurgeForgetsLocation(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	require.NoError(t, h.c.Save([]byte("unsaved")))

	require.NoError(t, h.c.Purge(context.Background()))
	assert.Equal(t, KindDisconnected, h.c.Status().State.Kind())
	rec, err := h.registry.Get(context.Background(), registry.DefaultLogicalKey)
	require.NoError(t, err)
	assert.Nil(t, rec)

	h.clock.Advance(time.Hour)
	assert.Equal(t, 0, h.attemptCount(), "pending data is discarded on disconnect")
	_, err = h.c.EnsurePermission(context.Background())
	require.ErrorIs(t, err, faults.ErrNotConnected)
}

func TestReplaceBacksUpAndWritesImmediately(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, DefaultFileName), []byte("original"), 0o600))

	require.NoError(t, h.c.Replace(context.Background(), []byte("imported")))
	data, err := os.ReadFile(filepath.Join(h.dir, DefaultFileName))
	require.NoError(t, err)
	assert.Equal(t, "imported", string(data))

	err = h.c.WithLocation(func(loc *location.Location) error {
		backups, err := loc.Backups(DefaultFileName)
		require.NoError(t, err)
		require.Len(t, backups, 1)
		saved, err := os.ReadFile(backups[0].Path)
		require.NoError(t, err)
		assert.Equal(t, "original", string(saved))
		return nil
	})
	require.NoError(t, err)
}

func TestReconfigureAppliesToPendingWrite(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	settings := DefaultSettings()
	settings.DebounceDelay = 500 * time.Millisecond
	settings.FileName = "notes.json"
	require.NoError(t, h.c.Reconfigure(settings))

	require.NoError(t, h.c.Save([]byte("quick")))
	h.clock.Advance(500 * time.Millisecond)
	data, err := os.ReadFile(filepath.Join(h.dir, "notes.json"))
	require.NoError(t, err)
	assert.Equal(t, "quick", string(data))

	settings.FileName = "../escape.json"
	require.ErrorIs(t, h.c.Reconfigure(settings), faults.ErrInvalidInput)
}

func TestStatusCallbacksSeeTransitionsInOrder(t *testing.T) {
	var h *harness
	var seen []StateKind
	h = newHarness(t, func(o *Options) {
		o.OnStatus = func(s Status) {
			seen = append(seen, s.State.Kind())
			// re-entrant reads must not deadlock
			_ = h.c.Status()
		}
	})
	h.connect(t)
	h.failNext(transient())
	require.NoError(t, h.c.Save([]byte("x")))
	h.clock.Advance(DefaultSettings().DebounceDelay)
	h.clock.Advance(time.Second)
	h.c.Disconnect()

	assert.Equal(t, []StateKind{
		KindConnecting, KindReady,
		KindSaving, KindRetrying,
		KindSaving, KindReady,
		KindDisconnected,
	}, seen)
}

func TestBackoffIsCappedExponential(t *testing.T) {
	s := DefaultSettings()
	s.RetryBaseDelay = 100 * time.Millisecond
	s.RetryMaxExponent = 3
	assert.Equal(t, 100*time.Millisecond, s.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, s.Backoff(2))
	assert.Equal(t, 400*time.Millisecond, s.Backoff(3))
	assert.Equal(t, 800*time.Millisecond, s.Backoff(4))
	assert.Equal(t, 800*time.Millisecond, s.Backoff(9))
}

func TestStatusJSON(t *testing.T) {
	retry := Status{
		State:      Retrying{Attempt: 2, NextAttempt: epoch, Cause: transient()},
		Permission: registry.PermissionGranted,
		Message:    "retrying",
	}
	data, err := retry.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"state": "retrying",
		"permission": "granted",
		"lastSaveTime": null,
		"consecutiveFailures": 0,
		"pendingWrites": 0,
		"message": "retrying",
		"attempt": 2,
		"nextAttempt": "2026-07-01T08:00:00Z",
		"errorKind": "transient-io"
	}`, string(data))
}

func TestBlockedRefusesFlushUntilEnsurePermission(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.connect(t)

	h.prober.set(registry.PermissionDenied, registry.PermissionDenied)
	require.NoError(t, h.c.Save([]byte("kept")))
	h.clock.Advance(DefaultSettings().DebounceDelay)
	require.Equal(t, KindBlocked, h.c.Status().State.Kind())
	before := len(h.kinds())

	require.ErrorIs(t, h.c.Flush(ctx), faults.ErrPermissionDenied)
	require.ErrorIs(t, h.c.Replace(ctx, []byte("import")), faults.ErrPermissionDenied)
	assert.Len(t, h.kinds(), before, "no Saving while Blocked")
	assert.Equal(t, 1, h.c.Status().PendingWrites, "a refused replace is not queued")

	// access comes back outside the app; the session stays Blocked
	h.prober.set(registry.PermissionGranted, registry.PermissionGranted)
	require.ErrorIs(t, h.c.Flush(ctx), faults.ErrPermissionDenied)
	assert.Equal(t, KindBlocked, h.c.Status().State.Kind())
	assert.Equal(t, 0, h.attemptCount())

	ok, err := h.c.EnsurePermission(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h.c.Flush(ctx))
	status := h.c.Status()
	assert.Equal(t, KindReady, status.State.Kind())
	assert.Equal(t, registry.PermissionGranted, status.Permission)
	data, err := os.ReadFile(filepath.Join(h.dir, DefaultFileName))
	require.NoError(t, err)
	assert.Equal(t, "kept", string(data))

	rec, err := h.registry.Get(ctx, registry.DefaultLogicalKey)
	require.NoError(t, err)
	assert.Equal(t, registry.PermissionGranted, rec.LastVerifiedPermission)

	h.c.Disconnect()
	ok, err = h.c.ConnectToExisting(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, KindReady, h.c.Status().State.Kind())
}

type hookedBackend struct {
	*registry.InMemoryBackend
	mu     sync.Mutex
	onSave func(registry.Record)
}

func (b *hookedBackend) Save(ctx context.Context, store string, rec registry.Record) error {
	if err := b.InMemoryBackend.Save(ctx, store, rec); err != nil {
		return err
	}
	b.mu.Lock()
	hook := b.onSave
	b.mu.Unlock()
	if hook != nil {
		hook(rec)
	}
	return nil
}

func TestDisconnectDuringRegistryWriteKeepsPreviousRecord(t *testing.T) {
	ctx := context.Background()
	backend := &hookedBackend{InMemoryBackend: registry.NewInMemoryBackend()}
	previousDir := t.TempDir()
	h := newHarness(t, func(o *Options) {
		reg, err := registry.New(registry.Options{Backend: backend, Prober: &fakeProber{check: registry.PermissionGranted, request: registry.PermissionGranted}})
		require.NoError(t, err)
		o.Registry = reg
	})
	h.registry = h.c.registry
	previous, err := registry.NewHandle(previousDir)
	require.NoError(t, err)
	require.NoError(t, h.registry.Put(ctx, registry.DefaultLogicalKey, previous))
	require.NoError(t, h.registry.RecordPermission(ctx, registry.DefaultLogicalKey, registry.PermissionGranted))

	var once sync.Once
	backend.mu.Lock()
	backend.onSave = func(rec registry.Record) {
		if rec.Handle.Path() == h.dir {
			once.Do(func() { h.c.Disconnect() })
		}
	}
	backend.mu.Unlock()

	ok, err := h.c.Connect(ctx)
	assert.False(t, ok)
	require.ErrorIs(t, err, faults.ErrCancelled)
	assert.Equal(t, KindDisconnected, h.c.Status().State.Kind())

	rec, err := h.registry.Get(ctx, registry.DefaultLogicalKey)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, previousDir, rec.Handle.Path())
	assert.Equal(t, registry.PermissionGranted, rec.LastVerifiedPermission)
}

func TestReadyMessageReflectsPendingWrites(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	assert.Equal(t, "All changes saved", h.c.Status().Message)

	require.NoError(t, h.c.Save([]byte("draft")))
	status := h.c.Status()
	assert.Equal(t, KindReady, status.State.Kind())
	assert.Equal(t, "Unsaved changes", status.Message)

	h.clock.Advance(DefaultSettings().DebounceDelay)
	assert.Equal(t, "All changes saved", h.c.Status().Message)
}

func TestFatalStatusJSONCarriesErrorKind(t *testing.T) {
	fatal := Status{State: FatalError{Cause: transient(), ErrKind: faults.KindPermanentIO}}
	data, err := fatal.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"error"`)
	assert.Contains(t, string(data), `"errorKind":"permanent-io"`)
}
