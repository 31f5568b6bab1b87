package pool

import (
	"sync"
	"time"
)

// TokenLock serializes image generation per credential. The image flow runs
// one request at a time on a credential, so the lock is a plain try-lock with
// a staleness timeout equal to the image generation budget. Entries older
// than the timeout count as released; a crashed holder can not wedge the
// credential forever.
type TokenLock struct {
	mu      sync.Mutex
	timeout time.Duration
	locks   map[int64]time.Time
	now     func() time.Time
}

// NewTokenLock creates a lock table with the given staleness timeout.
func NewTokenLock(timeout time.Duration) *TokenLock {
	return &TokenLock{
		timeout: timeout,
		locks:   make(map[int64]time.Time),
		now:     time.Now,
	}
}

// TryAcquire takes the lock for id. It returns false while another holder is
// active and not stale. Not re-entrant.
func (l *TokenLock) TryAcquire(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if at, held := l.locks[id]; held && l.now().Sub(at) <= l.timeout {
		return false
	}
	l.locks[id] = l.now()
	return true
}

// Release drops the lock for id. Releasing an unheld lock is a no-op, so
// deferred cleanup paths can call it unconditionally.
func (l *TokenLock) Release(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, id)
}

// IsLocked reports whether id is currently held. A stale entry is removed
// and reported as free.
func (l *TokenLock) IsLocked(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	at, held := l.locks[id]
	if !held {
		return false
	}
	if l.now().Sub(at) > l.timeout {
		delete(l.locks, id)
		return false
	}
	return true
}

// SetTimeout applies a new staleness timeout. The admin surface calls this
// when the image generation budget changes.
func (l *TokenLock) SetTimeout(timeout time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timeout = timeout
}

// CleanupExpired removes stale entries and returns how many were dropped.
func (l *TokenLock) CleanupExpired() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, at := range l.locks {
		if l.now().Sub(at) > l.timeout {
			delete(l.locks, id)
			removed++
		}
	}
	return removed
}

// LockedIDs lists credentials currently holding a lock.
func (l *TokenLock) LockedIDs() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]int64, 0, len(l.locks))
	for id := range l.locks {
		ids = append(ids, id)
	}
	return ids
}
