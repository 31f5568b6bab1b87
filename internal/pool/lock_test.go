package pool

import (
	"testing"
	"time"
)

func TestTokenLockTryAcquire(t *testing.T) {
	lock := NewTokenLock(5 * time.Minute)

	if !lock.TryAcquire(1) {
		t.Fatal("first acquire should succeed")
	}
	if lock.TryAcquire(1) {
		t.Fatal("second acquire on held lock should fail")
	}
	if !lock.TryAcquire(2) {
		t.Fatal("acquire on a different id should succeed")
	}
	if !lock.IsLocked(1) || !lock.IsLocked(2) {
		t.Fatal("both ids should report locked")
	}

	lock.Release(1)
	if lock.IsLocked(1) {
		t.Fatal("released lock should report free")
	}
	if !lock.TryAcquire(1) {
		t.Fatal("acquire after release should succeed")
	}
}

func TestTokenLockReleaseUnheld(t *testing.T) {
	lock := NewTokenLock(time.Minute)
	// Deferred cleanup paths release unconditionally.
	lock.Release(42)
	if lock.IsLocked(42) {
		t.Fatal("unheld id should not be locked")
	}
}

func TestTokenLockStaleEntryExpires(t *testing.T) {
	now := time.Now()
	lock := NewTokenLock(5 * time.Minute)
	lock.now = func() time.Time { return now }

	if !lock.TryAcquire(7) {
		t.Fatal("acquire should succeed")
	}

	now = now.Add(4 * time.Minute)
	if !lock.IsLocked(7) {
		t.Fatal("lock within timeout should still be held")
	}
	if lock.TryAcquire(7) {
		t.Fatal("held lock should not be re-acquirable")
	}

	now = now.Add(2 * time.Minute)
	if lock.IsLocked(7) {
		t.Fatal("stale lock should report free")
	}
	if !lock.TryAcquire(7) {
		t.Fatal("stale lock should be acquirable")
	}
}

func TestTokenLockSetTimeout(t *testing.T) {
	now := time.Now()
	lock := NewTokenLock(10 * time.Minute)
	lock.now = func() time.Time { return now }

	lock.TryAcquire(1)
	now = now.Add(2 * time.Minute)
	if !lock.IsLocked(1) {
		t.Fatal("lock should be held under the original timeout")
	}

	// Shrinking the image budget shrinks the staleness horizon with it.
	lock.SetTimeout(time.Minute)
	if lock.IsLocked(1) {
		t.Fatal("lock should be stale under the shortened timeout")
	}
}

func TestTokenLockCleanupExpired(t *testing.T) {
	now := time.Now()
	lock := NewTokenLock(time.Minute)
	lock.now = func() time.Time { return now }

	lock.TryAcquire(1)
	lock.TryAcquire(2)
	now = now.Add(30 * time.Second)
	lock.TryAcquire(3)
	now = now.Add(45 * time.Second)

	if removed := lock.CleanupExpired(); removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	ids := lock.LockedIDs()
	if len(ids) != 1 || ids[0] != 3 {
		t.Fatalf("LockedIDs = %v, want [3]", ids)
	}
}
