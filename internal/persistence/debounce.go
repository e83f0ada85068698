package persistence

import (
	"sync"
	"time"
)

// Scheduler implements the debounced-flush policy from spec.md §4.2:
// fire debounce after the last Arm call, but never later than ceiling
// after the first unflushed Arm call. A flush already running is never
// preempted: if the timer fires while a flush is in flight, exactly one
// more flush is queued, and it is re-armed through Arm (debounce,
// bounded by the ceiling) once the first completes.
type Scheduler struct {
	debounce time.Duration
	ceiling  time.Duration
	flushFn  func()

	mu           sync.Mutex
	timer        *time.Timer
	firstPending time.Time
	inFlight     bool
	queued       bool
	stopped      bool
}

// NewScheduler creates a Scheduler that calls flushFn (the caller's
// snapshot-and-write routine) debounce after the most recent Arm or
// ceiling after the first Arm of a pending batch, whichever comes
// first.
func NewScheduler(debounce, ceiling time.Duration, flushFn func()) *Scheduler {
	return &Scheduler{
		debounce: debounce,
		ceiling:  ceiling,
		flushFn:  flushFn,
	}
}

// Arm schedules a flush. Called on every accepted update.
func (s *Scheduler) Arm() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	now := time.Now()
	if s.firstPending.IsZero() {
		s.firstPending = now
	}

	delay := s.debounce
	if remaining := s.ceiling - now.Sub(s.firstPending); remaining < delay {
		delay = remaining
	}
	if delay < 0 {
		delay = 0
	}

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(delay, s.fire)
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	if s.inFlight {
		s.queued = true
		s.mu.Unlock()
		return
	}
	s.inFlight = true
	s.firstPending = time.Time{}
	s.mu.Unlock()

	s.flushFn()

	s.mu.Lock()
	s.inFlight = false
	requeue := s.queued
	s.queued = false
	s.mu.Unlock()

	if requeue {
		s.Arm()
	}
}

// Disarm cancels any pending (not yet fired) flush timer, without
// affecting a flush already in flight.
func (s *Scheduler) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.firstPending = time.Time{}
	s.queued = false
}

// Stop disarms the scheduler and prevents any future Arm from
// scheduling a flush. Call once the owning room is destroyed.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.queued = false
}

// Pending reports whether a flush is armed or currently running —
// used when a Room's last peer leaves to decide whether the Room can
// be destroyed immediately.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight || !s.firstPending.IsZero()
}
