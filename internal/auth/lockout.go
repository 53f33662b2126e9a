// lockout.go - Failed-login throttling per account.
package auth

import (
	"sync"
	"time"
)

// failureRecord keeps the time of each failure still inside the window.
type failureRecord struct {
	times       []time.Time
	lockedUntil time.Time
}

// trim drops failures at or before cutoff.
func (r *failureRecord) trim(cutoff time.Time) {
	i := 0
	for i < len(r.times) && !r.times[i].After(cutoff) {
		i++
	}
	r.times = r.times[i:]
}

// Lockout locks an account key after too many failures inside a window.
type Lockout struct {
	mu          sync.Mutex
	failures    map[string]*failureRecord
	maxFailures int
	window      time.Duration
	lockFor     time.Duration
	now         func() time.Time
}

// NewLockout allows maxFailures failures per window before locking for lockFor.
func NewLockout(maxFailures int, window, lockFor time.Duration) *Lockout {
	return &Lockout{
		failures:    make(map[string]*failureRecord),
		maxFailures: maxFailures,
		window:      window,
		lockFor:     lockFor,
		now:         time.Now,
	}
}

// Locked reports whether key is currently locked and until when.
func (l *Lockout) Locked(key string) (bool, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.failures[key]
	if !ok || r.lockedUntil.IsZero() || !l.now().Before(r.lockedUntil) {
		return false, time.Time{}
	}
	return true, r.lockedUntil
}

// Fail records a failure and reports whether it locked the key.
func (l *Lockout) Fail(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	r, ok := l.failures[key]
	if !ok {
		r = &failureRecord{}
		l.failures[key] = r
	}
	r.trim(now.Add(-l.window))
	r.times = append(r.times, now)

	if len(r.times) >= l.maxFailures {
		r.lockedUntil = now.Add(l.lockFor)
		r.times = nil
		return true
	}
	return false
}

// Reset clears the key after a successful login.
func (l *Lockout) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failures, key)
}

// prune drops records that are neither locked nor holding recent failures.
func (l *Lockout) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	for k, r := range l.failures {
		r.trim(cutoff)
		if len(r.times) == 0 && now.After(r.lockedUntil) {
			delete(l.failures, k)
		}
	}
}
