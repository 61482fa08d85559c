package txposix

import "testing"

func newTestOwner(idx int) *LockOwner {
	return &LockOwner{Index: idx}
}

func TestRWLock_TryLockExclusive(t *testing.T) {
	l := NewRWLock(LockID{Table: "test"})
	a := newTestOwner(1)
	b := newTestOwner(2)

	if err := l.TryLock(a); err != nil {
		t.Fatalf("first writer should succeed: %v", err)
	}
	if err := l.TryLock(b); err == nil {
		t.Fatalf("second writer should conflict")
	}
	l.Unlock(a)
	if err := l.TryLock(b); err != nil {
		t.Fatalf("writer should succeed after release: %v", err)
	}
}

func TestRWLock_MultipleReaders(t *testing.T) {
	l := NewRWLock(LockID{Table: "test"})
	a := newTestOwner(1)
	b := newTestOwner(2)

	if err := l.TryRLock(a); err != nil {
		t.Fatalf("first reader should succeed: %v", err)
	}
	if err := l.TryRLock(b); err != nil {
		t.Fatalf("second reader should succeed: %v", err)
	}
	if !l.IsHeld() {
		t.Fatalf("lock should be held")
	}
}

func TestRWLock_ReaderBlocksWriter(t *testing.T) {
	l := NewRWLock(LockID{Table: "test"})
	a := newTestOwner(1)
	b := newTestOwner(2)

	if err := l.TryRLock(a); err != nil {
		t.Fatalf("reader should succeed: %v", err)
	}
	if err := l.TryLock(b); err == nil {
		t.Fatalf("writer should conflict with existing reader")
	}
}

func TestRWLock_UpgradeInPlace(t *testing.T) {
	l := NewRWLock(LockID{Table: "test"})
	a := newTestOwner(1)

	if err := l.TryRLock(a); err != nil {
		t.Fatalf("reader should succeed: %v", err)
	}
	if err := l.TryLock(a); err != nil {
		t.Fatalf("sole reader should be able to upgrade in place: %v", err)
	}
	a.ReleaseAll()
	if l.IsHeld() {
		t.Fatalf("lock should be free after releasing the upgraded owner")
	}
}

func TestRWLock_UpgradeBlockedByOtherReaders(t *testing.T) {
	l := NewRWLock(LockID{Table: "test"})
	a := newTestOwner(1)
	b := newTestOwner(2)

	if err := l.TryRLock(a); err != nil {
		t.Fatalf("reader a should succeed: %v", err)
	}
	if err := l.TryRLock(b); err != nil {
		t.Fatalf("reader b should succeed: %v", err)
	}
	if err := l.TryLock(a); err == nil {
		t.Fatalf("upgrade should conflict while another reader holds the lock")
	}
}

func TestRWLock_IdempotentReacquire(t *testing.T) {
	l := NewRWLock(LockID{Table: "test"})
	a := newTestOwner(1)

	if err := l.TryLock(a); err != nil {
		t.Fatalf("writer should succeed: %v", err)
	}
	if err := l.TryLock(a); err != nil {
		t.Fatalf("re-locking as the same writer should be a no-op: %v", err)
	}
	if err := l.TryRLock(a); err != nil {
		t.Fatalf("read-locking while already holding the write lock should be a no-op: %v", err)
	}
}

func TestRWLock_FrontWaiterFairness(t *testing.T) {
	l := NewRWLock(LockID{Table: "test"})
	a := newTestOwner(1)
	b := newTestOwner(5)
	c := newTestOwner(3)

	if err := l.TryLock(a); err != nil {
		t.Fatalf("writer should succeed: %v", err)
	}
	if err := l.TryLock(b); err == nil {
		t.Fatalf("b should conflict")
	}
	if err := l.TryLock(c); err == nil {
		t.Fatalf("c should conflict")
	}
	if front := l.frontWaiter(); front != 3 {
		t.Fatalf("expected lowest-indexed waiter 3, got %d", front)
	}
}
