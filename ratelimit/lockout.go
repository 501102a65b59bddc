package ratelimit

import (
	"sync"
	"time"
)

// Lockout tracks failed attempts per key, e.g. a remote IP or a remote IP
// with account name. When a key reaches the limit of any window, the key is
// locked out for Duration. Callers check Locked before attempting expensive
// work like password verification.
type Lockout struct {
	sync.Mutex
	Windows  []LockoutWindow
	Duration time.Duration // How long a lockout lasts once triggered.

	locked map[string]time.Time // Key -> lockout expiry.
}

// LockoutWindow is a fixed window with a failure limit.
type LockoutWindow struct {
	Window time.Duration
	Limit  int64

	time   uint32
	counts map[string]int64
}

// Locked returns whether key is currently locked out at time tm. Expired
// lockouts are removed.
func (l *Lockout) Locked(key string, tm time.Time) bool {
	l.Lock()
	defer l.Unlock()

	expiry, ok := l.locked[key]
	if !ok {
		return false
	}
	if tm.Before(expiry) {
		return true
	}
	delete(l.locked, key)
	return false
}

// Failure records a failed attempt for key at time tm, locking the key out if
// any window limit is reached.
func (l *Lockout) Failure(key string, tm time.Time) {
	l.Lock()
	defer l.Unlock()

	for i := range l.Windows {
		w := &l.Windows[i]
		t := uint32(tm.UnixNano() / int64(w.Window))
		if t > w.time || w.counts == nil {
			w.time = t
			w.counts = map[string]int64{}
		}
		w.counts[key]++
		if w.counts[key] >= w.Limit {
			if l.locked == nil {
				l.locked = map[string]time.Time{}
			}
			l.locked[key] = tm.Add(l.Duration)
		}
	}
}

// Success clears the failure counts and any lockout for key. Called after a
// successful authentication so earlier typos don't linger.
func (l *Lockout) Success(key string, tm time.Time) {
	l.Lock()
	defer l.Unlock()

	delete(l.locked, key)
	for i := range l.Windows {
		w := &l.Windows[i]
		t := uint32(tm.UnixNano() / int64(w.Window))
		if t != w.time || w.counts == nil {
			continue
		}
		delete(w.counts, key)
	}
}
