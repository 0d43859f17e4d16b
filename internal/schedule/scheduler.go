// Package schedule provides the single timer facility of the relay. Every
// deadline in the system (challenge expiry, proposal expiry, dispute phase
// deadlines, captcha timeouts, callback delivery) is a named registration
// here, so cancellation is idempotent and a fire against stale state is a
// no-op.
package schedule

import (
	"sync"
	"time"
)

type registration struct {
	timer *time.Timer
	seq   uint64
}

// Scheduler tracks cancellable one-shot timers keyed by name.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*registration
	seq     uint64
	stopped bool
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{entries: make(map[string]*registration)}
}

// Schedule registers fn to run after d. Re-registering a key replaces the
// previous timer; the replaced timer never fires its fn.
func (s *Scheduler) Schedule(key string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	if prev, ok := s.entries[key]; ok {
		prev.timer.Stop()
	}

	s.seq++
	reg := &registration{seq: s.seq}
	reg.timer = time.AfterFunc(d, func() {
		// A fire races with Cancel/replace: only the currently registered
		// entry may run.
		s.mu.Lock()
		cur, ok := s.entries[key]
		if !ok || cur.seq != reg.seq {
			s.mu.Unlock()
			return
		}
		delete(s.entries, key)
		s.mu.Unlock()
		fn()
	})
	s.entries[key] = reg
}

// Cancel removes a registration. Safe to call for unknown or already fired
// keys.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reg, ok := s.entries[key]; ok {
		reg.timer.Stop()
		delete(s.entries, key)
	}
}

// Pending reports whether a key currently has a live registration.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// Len returns the number of live registrations.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop cancels everything and rejects further registrations. Used on
// shutdown so no timer fires into torn-down stores.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for key, reg := range s.entries {
		reg.timer.Stop()
		delete(s.entries, key)
	}
}
