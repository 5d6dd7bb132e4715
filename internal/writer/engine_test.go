package writer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/localsave/internal/clock"
	"github.com/agentworkforce/localsave/internal/faults"
)

var epoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type recordedWrite struct {
	at  time.Time
	req Request
}

type recordingTarget struct {
	clock clock.Clock

	mu     sync.Mutex
	writes []recordedWrite
	fail   []error
}

func (r *recordingTarget) Write(_ context.Context, req Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, recordedWrite{at: r.clock.Now(), req: req})
	if len(r.fail) > 0 {
		err := r.fail[0]
		r.fail = r.fail[1:]
		return err
	}
	return nil
}

func (r *recordingTarget) snapshot() []recordedWrite {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedWrite(nil), r.writes...)
}

func newTestEngine(t *testing.T, settings Settings, hooks Hooks) (*Engine, *clock.Fake, *recordingTarget) {
	t.Helper()
	fake := clock.NewFake(epoch)
	target := &recordingTarget{clock: fake}
	engine, err := New(Options{Target: target, Settings: settings, Clock: fake, Hooks: hooks})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine, fake, target
}

func TestDebounceWritesLastPayloadOnce(t *testing.T) {
	engine, fake, target := newTestEngine(t, DefaultSettings("data.json"), Hooks{})

	require.NoError(t, engine.Enqueue([]byte("A"), false))
	fake.Advance(time.Second)
	require.NoError(t, engine.Enqueue([]byte("B"), false))
	assert.Equal(t, 2, engine.Pending())

	fake.Advance(4900 * time.Millisecond)
	assert.Empty(t, target.snapshot(), "no write before the window closes")

	fake.Advance(100 * time.Millisecond)
	writes := target.snapshot()
	require.Len(t, writes, 1)
	assert.Equal(t, "B", string(writes[0].req.Payload))
	assert.Equal(t, "data.json", writes[0].req.TargetFileName)
	assert.Equal(t, epoch.Add(6*time.Second), writes[0].at)
	assert.Equal(t, 0, engine.Pending())

	fake.Advance(10 * time.Minute)
	assert.Len(t, target.snapshot(), 1)
}

func TestBurstCoalescesIntoSingleWrite(t *testing.T) {
	engine, fake, target := newTestEngine(t, DefaultSettings("data.json"), Hooks{})
	var last string
	for i := 0; i < 20; i++ {
		last = string(rune('a' + i))
		require.NoError(t, engine.Enqueue([]byte(last), false))
		fake.Advance(200 * time.Millisecond)
	}
	fake.Advance(DefaultDebounce)
	writes := target.snapshot()
	require.Len(t, writes, 1)
	assert.Equal(t, last, string(writes[0].req.Payload))
}

func TestMaxWaitForcesFlushForContinuousWriter(t *testing.T) {
	settings := DefaultSettings("data.json")
	settings.Debounce = 5 * time.Second
	settings.MaxWait = 12 * time.Second
	engine, fake, target := newTestEngine(t, settings, Hooks{})

	for i := 0; i < 4; i++ {
		require.NoError(t, engine.Enqueue([]byte{byte('0' + i)}, false))
		fake.Advance(4 * time.Second)
	}
	writes := target.snapshot()
	require.Len(t, writes, 1)
	assert.Equal(t, epoch.Add(12*time.Second), writes[0].at)
	assert.Equal(t, "2", string(writes[0].req.Payload))

	fake.Advance(settings.Debounce)
	writes = target.snapshot()
	require.Len(t, writes, 2)
	assert.Equal(t, "3", string(writes[1].req.Payload))
}

func TestReplaceSurvivesCoalescing(t *testing.T) {
	engine, fake, target := newTestEngine(t, DefaultSettings("data.json"), Hooks{})
	require.NoError(t, engine.Enqueue([]byte("import"), true))
	require.NoError(t, engine.Enqueue([]byte("edit"), false))
	fake.Advance(DefaultDebounce)

	writes := target.snapshot()
	require.Len(t, writes, 1)
	assert.True(t, writes[0].req.Replace)
	assert.Equal(t, "edit", string(writes[0].req.Payload))
}

func TestFailureSuspendsAndKeepsPayload(t *testing.T) {
	var finished []Result
	engine, fake, target := newTestEngine(t, DefaultSettings("data.json"), Hooks{
		OnFinish: func(r Result) { finished = append(finished, r) },
	})
	target.fail = []error{faults.New(faults.KindTransientIO, "write", "data.json", errors.New("busy"))}

	require.NoError(t, engine.Enqueue([]byte("A"), false))
	fake.Advance(DefaultDebounce)
	require.Len(t, finished, 1)
	require.ErrorIs(t, finished[0].Err, faults.ErrTransientIO)
	assert.True(t, engine.Suspended())
	assert.Equal(t, 1, engine.Pending())

	fake.Advance(time.Hour)
	assert.Len(t, target.snapshot(), 1, "suspended engine must not retry on its own")

	require.NoError(t, engine.Flush(context.Background()))
	writes := target.snapshot()
	require.Len(t, writes, 2)
	assert.Equal(t, "A", string(writes[1].req.Payload))
	assert.False(t, engine.Suspended())
	assert.Equal(t, 0, engine.Pending())
}

func TestNewerPayloadWinsOverFailedOne(t *testing.T) {
	engine, fake, target := newTestEngine(t, DefaultSettings("data.json"), Hooks{})
	target.fail = []error{errors.New("boom")}
	require.NoError(t, engine.Enqueue([]byte("old"), false))
	fake.Advance(DefaultDebounce)
	require.NoError(t, engine.Enqueue([]byte("new"), false))
	require.NoError(t, engine.Flush(context.Background()))

	writes := target.snapshot()
	require.Len(t, writes, 2)
	assert.Equal(t, "new", string(writes[1].req.Payload))
}

func TestResumeReschedulesPendingWrite(t *testing.T) {
	engine, fake, target := newTestEngine(t, DefaultSettings("data.json"), Hooks{})
	engine.Suspend()
	require.NoError(t, engine.Enqueue([]byte("A"), false))
	fake.Advance(time.Hour)
	assert.Empty(t, target.snapshot())

	engine.Resume()
	fake.Advance(DefaultDebounce)
	assert.Len(t, target.snapshot(), 1)
}

func TestDisabledEngineOnlyWritesOnFlush(t *testing.T) {
	settings := DefaultSettings("data.json")
	settings.Enabled = false
	engine, fake, target := newTestEngine(t, settings, Hooks{})
	require.NoError(t, engine.Enqueue([]byte("A"), false))
	fake.Advance(time.Hour)
	assert.Empty(t, target.snapshot())

	require.NoError(t, engine.Flush(context.Background()))
	assert.Len(t, target.snapshot(), 1)

	settings.Enabled = true
	require.NoError(t, engine.SetSettings(settings))
	require.NoError(t, engine.Enqueue([]byte("B"), false))
	fake.Advance(DefaultDebounce)
	assert.Len(t, target.snapshot(), 2)
}

func TestSkipUnchangedDropsIdenticalPayload(t *testing.T) {
	settings := DefaultSettings("data.json")
	settings.SkipUnchanged = true
	engine, fake, target := newTestEngine(t, settings, Hooks{})

	require.NoError(t, engine.Enqueue([]byte("same"), false))
	fake.Advance(DefaultDebounce)
	require.NoError(t, engine.Enqueue([]byte("other"), false))
	require.NoError(t, engine.Enqueue([]byte("same"), false))
	assert.Equal(t, 0, engine.Pending())
	fake.Advance(DefaultDebounce)
	assert.Len(t, target.snapshot(), 1)

	require.NoError(t, engine.Enqueue([]byte("same"), true))
	require.NoError(t, engine.Flush(context.Background()))
	assert.Len(t, target.snapshot(), 2, "replace requests are never skipped")
}

func TestTimerDuringCommitFoldsIntoNextCycle(t *testing.T) {
	fake := clock.NewFake(epoch)
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	var mu sync.Mutex
	var payloads []string
	target := TargetFunc(func(_ context.Context, req Request) error {
		mu.Lock()
		payloads = append(payloads, string(req.Payload))
		first := len(payloads) == 1
		mu.Unlock()
		entered <- struct{}{}
		if first {
			<-release
		}
		return nil
	})
	engine, err := New(Options{Target: target, Settings: DefaultSettings("data.json"), Clock: fake})
	require.NoError(t, err)
	defer engine.Close()

	require.NoError(t, engine.Enqueue([]byte("A"), false))
	flushed := make(chan error, 1)
	go func() { flushed <- engine.Flush(context.Background()) }()
	<-entered
	require.True(t, engine.InFlight())

	require.NoError(t, engine.Enqueue([]byte("B"), false))
	fake.Advance(DefaultDebounce)
	mu.Lock()
	assert.Equal(t, []string{"A"}, payloads, "timer must not start a second commit")
	mu.Unlock()

	close(release)
	require.NoError(t, <-flushed)
	assert.Positive(t, fake.Pending(), "pending payload is re-armed after the commit")

	fake.Advance(DefaultDebounce)
	<-entered
	mu.Lock()
	assert.Equal(t, []string{"A", "B"}, payloads)
	mu.Unlock()
}

func TestConcurrentSavesNeverOverlap(t *testing.T) {
	var inFlight, maxInFlight, writes int32
	target := TargetFunc(func(ctx context.Context, req Request) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			prev := atomic.LoadInt32(&maxInFlight)
			if n <= prev || atomic.CompareAndSwapInt32(&maxInFlight, prev, n) {
				break
			}
		}
		time.Sleep(200 * time.Microsecond)
		atomic.AddInt32(&writes, 1)
		atomic.AddInt32(&inFlight, -1)
		return nil
	})
	settings := DefaultSettings("data.json")
	settings.Debounce = time.Millisecond
	settings.MaxWait = 3 * time.Millisecond
	engine, err := New(Options{Target: target, Settings: settings})
	require.NoError(t, err)
	defer engine.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_ = engine.Enqueue([]byte{byte(i), byte(j)}, false)
				if j%5 == 0 {
					_ = engine.Flush(context.Background())
				}
			}
		}(i)
	}
	wg.Wait()
	require.NoError(t, engine.Flush(context.Background()))

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
	assert.Positive(t, atomic.LoadInt32(&writes))
	assert.Equal(t, 0, engine.Pending())
}

func TestHooksBracketEachCommit(t *testing.T) {
	var events []string
	engine, fake, _ := newTestEngine(t, DefaultSettings("data.json"), Hooks{
		OnStart:  func(r Request) { events = append(events, "start:"+string(r.Payload)) },
		OnFinish: func(r Result) { events = append(events, "finish:"+string(r.Request.Payload)) },
	})
	require.NoError(t, engine.Enqueue([]byte("A"), false))
	fake.Advance(DefaultDebounce)
	require.NoError(t, engine.Enqueue([]byte("B"), false))
	require.NoError(t, engine.Flush(context.Background()))
	assert.Equal(t, []string{"start:A", "finish:A", "start:B", "finish:B"}, events)
}

func TestCloseDiscardsPending(t *testing.T) {
	engine, fake, target := newTestEngine(t, DefaultSettings("data.json"), Hooks{})
	require.NoError(t, engine.Enqueue([]byte("A"), false))
	require.NoError(t, engine.Enqueue([]byte("B"), false))
	assert.Equal(t, 2, engine.Close())
	fake.Advance(time.Hour)
	assert.Empty(t, target.snapshot())

	require.ErrorIs(t, engine.Enqueue([]byte("C"), false), faults.ErrNotConnected)
	require.ErrorIs(t, engine.Flush(context.Background()), faults.ErrNotConnected)
	assert.Equal(t, 0, engine.Close())
}

func TestNewRejectsInvalidSettings(t *testing.T) {
	target := TargetFunc(func(context.Context, Request) error { return nil })
	_, err := New(Options{Target: target, Settings: Settings{}})
	require.ErrorIs(t, err, faults.ErrInvalidInput)
	_, err = New(Options{Settings: DefaultSettings("data.json")})
	require.ErrorIs(t, err, faults.ErrInvalidInput)

	engine, err := New(Options{Target: target, Settings: DefaultSettings("data.json")})
	require.NoError(t, err)
	defer engine.Close()
	require.ErrorIs(t, engine.Enqueue(nil, false), faults.ErrInvalidInput)
}
