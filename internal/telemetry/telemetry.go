// Package telemetry carries failure reports out of the state machine. A Sink
// must not block; wrap slow sinks with NewAsync.
package telemetry

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/localsave/internal/faults"
)

type Sink interface {
	Report(message string, kind faults.Kind)
}

type SinkFunc func(message string, kind faults.Kind)

func (f SinkFunc) Report(message string, kind faults.Kind) {
	f(message, kind)
}

type Event struct {
	Time    time.Time
	Message string
	Kind    faults.Kind
}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Time    time.Time `json:"time"`
		Message string    `json:"message"`
		Kind    string    `json:"kind"`
	}{e.Time, e.Message, e.Kind.String()})
}

type Discard struct{}

func (Discard) Report(string, faults.Kind) {}

type LogSink struct {
	Logger logrus.FieldLogger
}

func (s LogSink) Report(message string, kind faults.Kind) {
	entry := s.Logger.WithField("kind", kind.String())
	switch kind {
	case faults.KindPermanentIO, faults.KindStoreUnavailable:
		entry.Error(message)
	case faults.KindCancelled:
		entry.Info(message)
	default:
		entry.Warn(message)
	}
}

type multi []Sink

func (m multi) Report(message string, kind faults.Kind) {
	for _, sink := range m {
		sink.Report(message, kind)
	}
}

// Multi fans every report out to sinks in order. Nil sinks are skipped.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			out = append(out, sink)
		}
	}
	return out
}

// Ring keeps the most recent events for diagnostics.
type Ring struct {
	now func() time.Time

	mu     sync.Mutex
	events []Event
	next   int
	full   bool
}

func NewRing(capacity int, now func() time.Time) *Ring {
	if capacity <= 0 {
		capacity = 128
	}
	if now == nil {
		now = time.Now
	}
	return &Ring{now: now, events: make([]Event, capacity)}
}

func (r *Ring) Report(message string, kind faults.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[r.next] = Event{Time: r.now().UTC(), Message: message, Kind: kind}
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
}

// Events returns the retained events, oldest first.
func (r *Ring) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Event(nil), r.events[:r.next]...)
	}
	out := make([]Event, 0, len(r.events))
	out = append(out, r.events[r.next:]...)
	return append(out, r.events[:r.next]...)
}

type report struct {
	message string
	kind    faults.Kind
}

// Async delivers reports to the wrapped sink on its own goroutine. Reports
// arriving while the buffer is full are dropped and counted.
type Async struct {
	next    Sink
	ch      chan report
	done    chan struct{}
	dropped atomic.Uint64

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func NewAsync(next Sink, buffer int) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	a := &Async{next: next, ch: make(chan report, buffer), done: make(chan struct{})}
	go a.run()
	return a
}

func (a *Async) Report(message string, kind faults.Kind) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.ch <- report{message: message, kind: kind}:
	default:
		a.dropped.Add(1)
	}
}

func (a *Async) Dropped() uint64 {
	return a.dropped.Load()
}

// Close stops accepting reports and waits until the buffered ones are
// delivered.
func (a *Async) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.ch)
		a.mu.Unlock()
	})
	<-a.done
}

func (a *Async) run() {
	defer close(a.done)
	for r := range a.ch {
		a.next.Report(r.message, r.kind)
	}
}
