// Package scheduler implements the single-threaded event queue that drives
// the scribe's dispatcher: every state transition in pkg/scribe runs as a
// callback invoked from this scheduler's goroutine, so LogStore and protocol
// state never need their own locks beyond what pkg/logstore already holds
// for concurrent readers.
//
// The queue is a time-ordered min-heap guarded by a mutex/condition
// variable pair, matching the producer/consumer shape of container/heap's
// own priority-queue example: other goroutines push Events in, and a single
// Run loop pops them out in time order.
package scheduler

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"
)

// Event is a scheduled callback. The zero value is not usable; Events are
// only obtained from a Scheduler's Add methods.
type Event struct {
	time     time.Time
	seq      uint64
	callback func()
	handled  bool
	canceled bool
}

// Handled reports whether the event has already fired.
func (e *Event) Handled() bool {
	return e.handled
}

// Canceled reports whether Cancel was called on this event.
func (e *Event) Canceled() bool {
	return e.canceled
}

type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].time.Equal(h[j].time) {
		return h[i].seq < h[j].seq
	}
	return h[i].time.Before(h[j].time)
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)   { *h = append(*h, x.(*Event)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler is a thread-safe priority queue of timed callbacks, matching
// the dispatcher contract the scribe engine is built around: callers from
// any goroutine may schedule or cancel work, but only the goroutine running
// Run ever invokes a callback.
type Scheduler struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending eventHeap
	seq     uint64
	forever bool
	running bool
	now     func() time.Time
	onError func(event *Event, err any)
}

// New creates a Scheduler. By default Forever is true (Run blocks waiting
// for work indefinitely); call SetForever(false) to let Run drain pending
// events and return once the queue empties.
func New() *Scheduler {
	s := &Scheduler{forever: true, now: time.Now}
	s.cond = sync.NewCond(&s.mu)
	s.onError = func(e *Event, err any) {
		slog.Error("scheduler callback panicked", "error", err)
	}
	return s
}

// OnError overrides the panic handler invoked when a callback panics. The
// default logs and continues; a caller that wants run-to-crash semantics
// can install a handler that re-panics.
func (s *Scheduler) OnError(f func(event *Event, err any)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = f
}

// AddAbs schedules callback to run at t.
func (s *Scheduler) AddAbs(t time.Time, callback func()) *Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &Event{time: t, seq: s.seq, callback: callback}
	s.seq++
	heap.Push(&s.pending, e)
	s.cond.Broadcast()
	return e
}

// Add schedules callback to run after delay.
func (s *Scheduler) Add(delay time.Duration, callback func()) *Event {
	return s.AddAbs(s.now().Add(delay), callback)
}

// AddNow schedules callback to run as soon as the dispatcher is free.
func (s *Scheduler) AddNow(callback func()) *Event {
	return s.AddAbs(s.now(), callback)
}

// Cancel marks e canceled. It returns true if e had not already fired.
func (s *Scheduler) Cancel(e *Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.canceled = true
	s.cond.Broadcast()
	return !e.handled
}

// Clear discards every pending event without running it.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	s.cond.Broadcast()
}

// SetForever controls whether Run blocks waiting for future work (true) or
// returns once the pending queue has fully drained (false).
func (s *Scheduler) SetForever(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forever = v
	s.cond.Broadcast()
}

// Forever reports the current forever flag.
func (s *Scheduler) Forever() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forever
}

// Shutdown is SetForever(false): it tells Run to stop once the currently
// pending events have all fired, rather than waiting indefinitely for more.
func (s *Scheduler) Shutdown() {
	s.SetForever(false)
}

// Join blocks until Run is not running, or returns immediately if Run has
// never been started or has already stopped.
func (s *Scheduler) Join() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.running {
		s.cond.Wait()
	}
}

// Len reports the number of events still pending.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// NextDue reports the time of the earliest pending event, if any.
func (s *Scheduler) NextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return time.Time{}, false
	}
	return s.pending[0].time, true
}

func (s *Scheduler) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.cond.Broadcast()
	s.mu.Unlock()
}

// RunOnce processes at most one event. If hangup is true and the queue is
// currently empty, RunOnce blocks until an event is scheduled or the forever
// flag is cleared. If the queue is non-empty but the earliest event is not
// yet due, RunOnce always waits for it regardless of hangup: hangup only
// controls behavior when there is nothing pending at all. It returns false
// when the queue is empty and either hangup is false or the forever flag is
// off; in every other case it waits for, and runs, exactly one event before
// returning true.
func (s *Scheduler) RunOnce(hangup bool) bool {
	s.mu.Lock()
	for {
		if len(s.pending) == 0 {
			if !hangup || !s.forever {
				s.mu.Unlock()
				return false
			}
			s.cond.Wait()
			continue
		}
		head := s.pending[0]
		now := s.now()
		if head.time.After(now) {
			s.waitUntilLocked(head.time)
			continue
		}
		heap.Pop(&s.pending)
		head.handled = true
		canceled := head.canceled
		s.mu.Unlock()
		if !canceled {
			s.invoke(head)
		}
		return true
	}
}

// waitUntilLocked waits, with s.mu held, until either t passes or the queue
// state changes (a new event was added, or something was canceled). It must
// be called with s.mu locked and returns with s.mu locked.
func (s *Scheduler) waitUntilLocked(t time.Time) {
	d := t.Sub(s.now())
	if d <= 0 {
		return
	}
	timer := time.AfterFunc(d, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	s.cond.Wait()
	timer.Stop()
}

func (s *Scheduler) invoke(e *Event) {
	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			onError := s.onError
			s.mu.Unlock()
			if onError != nil {
				onError(e, r)
			}
		}
	}()
	e.callback()
}

// Run processes events until Forever is false and the queue has drained.
func (s *Scheduler) Run() {
	s.setRunning(true)
	defer s.setRunning(false)
	for {
		f := s.Forever()
		if !s.RunOnce(f) && !f {
			return
		}
	}
}
