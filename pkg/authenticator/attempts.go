package authenticator

import (
	"sync"
	"time"
)

type attemptKey struct {
	peer      string
	mechanism string
}

type attemptState struct {
	failures  int
	coolUntil time.Time
}

// attemptTracker counts consecutive failures per (peer, mechanism) and imposes a cool-down once
// the count reaches the cap.
type attemptTracker struct {
	limit    int
	coolDown time.Duration

	mu     sync.Mutex
	states map[attemptKey]*attemptState
}

func newAttemptTracker(limit int, coolDown time.Duration) *attemptTracker {
	return &attemptTracker{limit: limit, coolDown: coolDown, states: make(map[attemptKey]*attemptState)}
}

// allowed returns false while the pair is cooling down. It also returns the 1-based number of the
// next attempt.
func (t *attemptTracker) allowed(peer, mechanism string, now time.Time) (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[attemptKey{peer, mechanism}]
	if !ok {
		return true, 1
	}
	if !s.coolUntil.IsZero() {
		if now.Before(s.coolUntil) {
			return false, 0
		}
		s.coolUntil = time.Time{}
		s.failures = 0
	}
	return true, s.failures + 1
}

// failed records a failure and returns true if the pair entered its cool-down.
func (t *attemptTracker) failed(peer, mechanism string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := attemptKey{peer, mechanism}
	s, ok := t.states[key]
	if !ok {
		s = &attemptState{}
		t.states[key] = s
	}
	s.failures++
	if s.failures >= t.limit && s.coolUntil.IsZero() {
		s.coolUntil = now.Add(t.coolDown)
		return true
	}
	return false
}

func (t *attemptTracker) succeeded(peer, mechanism string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, attemptKey{peer, mechanism})
}

func (t *attemptTracker) forget(peer string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.states {
		if key.peer == peer {
			delete(t.states, key)
		}
	}
}
