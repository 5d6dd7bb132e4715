// Package writer debounces and serializes writes to a single target file.
//
// Enqueued payloads coalesce latest-wins. A commit starts when the debounce
// window closes, when the max-wait ceiling is reached, or on an explicit
// Flush. At most one commit is in flight at any time; the payload committed
// is always the newest one at the moment the commit starts.
package writer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	"github.com/agentworkforce/localsave/internal/clock"
	"github.com/agentworkforce/localsave/internal/faults"
)

const (
	DefaultDebounce = 5 * time.Second
	DefaultMaxWait  = 2 * time.Minute
)

type Request struct {
	Payload        []byte
	TargetFileName string
	EnqueuedAt     time.Time
	Replace        bool
}

type Result struct {
	Request    Request
	Coalesced  int
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

// Target performs the physical write. Implementations classify their errors
// with the faults package.
type Target interface {
	Write(ctx context.Context, req Request) error
}

type TargetFunc func(ctx context.Context, req Request) error

func (f TargetFunc) Write(ctx context.Context, req Request) error {
	return f(ctx, req)
}

type Settings struct {
	FileName      string
	Debounce      time.Duration
	MaxWait       time.Duration
	Enabled       bool
	SkipUnchanged bool
}

func DefaultSettings(fileName string) Settings {
	return Settings{
		FileName: fileName,
		Debounce: DefaultDebounce,
		MaxWait:  DefaultMaxWait,
		Enabled:  true,
	}
}

// Hooks run outside the engine lock, on the goroutine performing the
// commit. OnFinish for one commit always runs before OnStart of the next.
type Hooks struct {
	OnStart  func(Request)
	OnFinish func(Result)
}

type Options struct {
	Target   Target
	Settings Settings
	Clock    clock.Clock
	Hooks    Hooks
	Logger   logrus.FieldLogger
}

type Engine struct {
	target Target
	clock  clock.Clock
	hooks  Hooks
	logger logrus.FieldLogger
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	settings  Settings
	pending   *Request
	coalesced int
	inFlight  bool
	done      chan struct{}
	rearm     bool
	suspended bool
	closed    bool

	debounce    clock.Timer
	maxWait     clock.Timer
	debounceSeq uint64
	maxWaitSeq  uint64

	digest    uint64
	hasDigest bool
}

func New(opts Options) (*Engine, error) {
	if opts.Target == nil {
		return nil, faults.New(faults.KindInvalidInput, "new engine", "", fmt.Errorf("target is required"))
	}
	settings, err := normalizeSettings(opts.Settings)
	if err != nil {
		return nil, err
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := opts.Logger
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		target:   opts.Target,
		clock:    clk,
		hooks:    opts.Hooks,
		logger:   logger.WithField("component", "writer"),
		ctx:      ctx,
		cancel:   cancel,
		settings: settings,
	}, nil
}

func normalizeSettings(s Settings) (Settings, error) {
	if s.FileName == "" {
		return s, faults.New(faults.KindInvalidInput, "engine settings", "", fmt.Errorf("file name is required"))
	}
	if s.Debounce < 0 || s.MaxWait < 0 {
		return s, faults.New(faults.KindInvalidInput, "engine settings", s.FileName, fmt.Errorf("durations must not be negative"))
	}
	if s.Debounce == 0 {
		s.Debounce = DefaultDebounce
	}
	if s.MaxWait == 0 {
		s.MaxWait = DefaultMaxWait
	}
	return s, nil
}

// Enqueue records payload as the newest content for the target. It never
// blocks on I/O. A replace request stays a replace request when newer
// payloads coalesce into it.
func (e *Engine) Enqueue(payload []byte, replace bool) error {
	if payload == nil {
		return faults.New(faults.KindInvalidInput, "enqueue", "", fmt.Errorf("payload is required"))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return faults.New(faults.KindNotConnected, "enqueue", e.settings.FileName, fmt.Errorf("engine is closed"))
	}
	if e.settings.SkipUnchanged && !replace && e.hasDigest && xxh3.Hash(payload) == e.digest {
		if e.pending != nil && !e.pending.Replace {
			e.logger.WithField("file", e.settings.FileName).Debug("dropping pending write, content matches last commit")
			e.pending = nil
			e.coalesced = 0
			e.stopTimersLocked()
		}
		return nil
	}

	req := Request{
		Payload:        append([]byte(nil), payload...),
		TargetFileName: e.settings.FileName,
		EnqueuedAt:     e.clock.Now(),
		Replace:        replace,
	}
	if e.pending != nil && e.pending.Replace {
		req.Replace = true
	}
	e.pending = &req
	e.coalesced++
	if e.settings.Enabled && !e.suspended {
		e.scheduleLocked()
	}
	return nil
}

// Flush commits the pending request now, waiting for an in-flight commit to
// finish first. It returns the error of the commit it ran, or nil when there
// was nothing to write.
func (e *Engine) Flush(ctx context.Context) error {
	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return faults.New(faults.KindNotConnected, "flush", e.settings.FileName, fmt.Errorf("engine is closed"))
		}
		if e.inFlight {
			done := e.done
			e.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return faults.New(faults.KindCancelled, "flush", e.settings.FileName, ctx.Err())
			}
		}
		if e.pending == nil {
			e.mu.Unlock()
			return nil
		}
		e.mu.Unlock()

		result, ran := e.commit(ctx)
		if ran {
			return result.Err
		}
	}
}

// Suspend stops automatic commits. Pending content is kept and Flush still
// works.
func (e *Engine) Suspend() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.suspended = true
	e.stopTimersLocked()
}

func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.suspended = false
	if e.pending != nil && e.settings.Enabled && !e.inFlight {
		e.scheduleLocked()
	}
}

func (e *Engine) Suspended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.suspended
}

func (e *Engine) SetSettings(s Settings) error {
	s, err := normalizeSettings(s)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settings = s
	if e.pending != nil {
		e.pending.TargetFileName = s.FileName
	}
	e.stopTimersLocked()
	if e.pending != nil && s.Enabled && !e.suspended && !e.inFlight {
		e.scheduleLocked()
	}
	return nil
}

func (e *Engine) Settings() Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// Pending reports how many enqueued payloads are waiting, coalesced into
// the single pending request.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.coalesced
}

func (e *Engine) InFlight() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight
}

// Close drops pending content and cancels an in-flight commit. It returns
// the number of discarded payloads.
func (e *Engine) Close() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0
	}
	e.closed = true
	e.stopTimersLocked()
	dropped := e.coalesced
	e.pending = nil
	e.coalesced = 0
	e.cancel()
	return dropped
}

func (e *Engine) scheduleLocked() {
	if e.debounce != nil {
		e.debounce.Stop()
	}
	e.debounceSeq++
	seq := e.debounceSeq
	e.debounce = e.clock.AfterFunc(e.settings.Debounce, func() { e.onTimer(&e.debounceSeq, seq) })
	if e.maxWait == nil {
		e.maxWaitSeq++
		seq := e.maxWaitSeq
		e.maxWait = e.clock.AfterFunc(e.settings.MaxWait, func() { e.onTimer(&e.maxWaitSeq, seq) })
	}
}

func (e *Engine) stopTimersLocked() {
	if e.debounce != nil {
		e.debounce.Stop()
		e.debounce = nil
	}
	if e.maxWait != nil {
		e.maxWait.Stop()
		e.maxWait = nil
	}
	e.debounceSeq++
	e.maxWaitSeq++
}

func (e *Engine) onTimer(current *uint64, seq uint64) {
	e.mu.Lock()
	if *current != seq {
		e.mu.Unlock()
		return
	}
	e.stopTimersLocked()
	if e.inFlight {
		e.rearm = true
		e.mu.Unlock()
		return
	}
	if e.closed || e.suspended || !e.settings.Enabled || e.pending == nil {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.commit(e.ctx)
}

// commit takes the pending request and writes it. ran is false when another
// commit already holds the in-flight slot or nothing was pending.
func (e *Engine) commit(ctx context.Context) (result Result, ran bool) {
	e.mu.Lock()
	if e.inFlight || e.closed || e.pending == nil {
		e.mu.Unlock()
		return Result{}, false
	}
	req := *e.pending
	coalesced := e.coalesced
	e.pending = nil
	e.coalesced = 0
	e.inFlight = true
	e.done = make(chan struct{})
	e.stopTimersLocked()
	if e.settings.SkipUnchanged {
		e.digest = xxh3.Hash(req.Payload)
		e.hasDigest = true
	}
	e.mu.Unlock()

	if e.hooks.OnStart != nil {
		e.hooks.OnStart(req)
	}
	result = Result{Request: req, Coalesced: coalesced, StartedAt: e.clock.Now()}
	result.Err = e.target.Write(ctx, req)
	result.FinishedAt = e.clock.Now()

	e.mu.Lock()
	if result.Err != nil {
		if e.pending == nil {
			restored := req
			e.pending = &restored
		} else if req.Replace {
			e.pending.Replace = true
		}
		e.coalesced += coalesced
		e.suspended = true
		e.hasDigest = false
	} else {
		e.suspended = false
	}
	e.mu.Unlock()

	logger := e.logger.WithFields(logrus.Fields{
		"file":      req.TargetFileName,
		"bytes":     len(req.Payload),
		"coalesced": coalesced,
		"replace":   req.Replace,
		"duration":  result.FinishedAt.Sub(result.StartedAt).String(),
	})
	if result.Err != nil {
		logger.WithError(result.Err).Warn("commit failed")
	} else {
		logger.Debug("commit succeeded")
	}

	if e.hooks.OnFinish != nil {
		e.hooks.OnFinish(result)
	}

	e.mu.Lock()
	e.inFlight = false
	close(e.done)
	rearm := e.rearm
	e.rearm = false
	if e.pending != nil && !e.closed && !e.suspended && e.settings.Enabled && (rearm || e.debounce == nil) {
		e.scheduleLocked()
	}
	e.mu.Unlock()
	return result, true
}
