package txposix

import (
	"sync"
)

// rwState is the per-owner record of how it currently holds a particular
// RWLock, kept in the owner's rwstate array so unlocking at finish is a
// flat sweep with no allocation (spec §4.1).
type rwState uint8

const (
	rwNone rwState = iota
	rwReader
	rwWriter
)

// RWLock is the field-level reader/writer lock described in spec §4.1. It
// never blocks: TryRLock/TryLock either succeed immediately or report a
// Conflicting error, so the caller (the transaction driver) can restart
// rather than wait. A short internal mutex protects the bookkeeping only;
// it is never held across a syscall.
type RWLock struct {
	mu         sync.Mutex
	readers    map[int]struct{} // owner index -> held as reader
	writer     int              // owner index of current writer, or -1
	waiters    []int            // owner indices that have seen Conflicting, in arrival order
	privileged int              // owner index the lock manager last woke, or -1
	id         LockID
}

// NewRWLock creates an unlocked RW-lock tagged with id for diagnostics.
func NewRWLock(id LockID) *RWLock {
	return &RWLock{
		readers:    make(map[int]struct{}),
		writer:     -1,
		privileged: -1,
		id:         id,
	}
}

// blockedByPrivilege reports whether some other owner currently has
// wake-up priority on this lock, in which case owner must keep
// conflicting (and stay queued) even if the lock would otherwise admit
// it. Callers hold l.mu. This is what makes §4.1's fairness guarantee
// real rather than aspirational: without it, a higher-indexed owner that
// happens to retry sooner could repeatedly cut in front of a
// lower-indexed one that lost a race, starving it indefinitely.
func (l *RWLock) blockedByPrivilege(owner *LockOwner) bool {
	return l.privileged != -1 && l.privileged != owner.Index
}

// TryRLock attempts to take the lock for reading on behalf of owner. It
// returns nil on success (including the no-op case where owner already
// holds it), or a Conflicting error naming this lock.
func (l *RWLock) TryRLock(owner *LockOwner) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer == owner.Index {
		return nil // already held as writer, which subsumes a read lock
	}
	if _, ok := l.readers[owner.Index]; ok {
		return nil // already held as reader
	}
	if l.writer != -1 || l.blockedByPrivilege(owner) {
		l.recordWaiter(owner.Index)
		owner.noteConflict(l)
		return Conflicting(l.id)
	}

	l.readers[owner.Index] = struct{}{}
	owner.noteAcquired(l, rwReader)
	l.grantedTo(owner.Index)
	return nil
}

// TryLock attempts to take the lock for writing. If owner already holds
// it as the sole reader, this is an in-place upgrade. Otherwise any
// other reader or writer causes Conflicting.
func (l *RWLock) TryLock(owner *LockOwner) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer == owner.Index {
		return nil // already held as writer
	}

	if _, ok := l.readers[owner.Index]; ok {
		if len(l.readers) == 1 {
			delete(l.readers, owner.Index)
			l.writer = owner.Index
			owner.upgradeAcquired(l)
			l.grantedTo(owner.Index)
			return nil
		}
		l.recordWaiter(owner.Index)
		owner.noteConflict(l)
		return Conflicting(l.id)
	}

	if l.writer != -1 || len(l.readers) > 0 || l.blockedByPrivilege(owner) {
		l.recordWaiter(owner.Index)
		owner.noteConflict(l)
		return Conflicting(l.id)
	}

	l.writer = owner.Index
	owner.noteAcquired(l, rwWriter)
	l.grantedTo(owner.Index)
	return nil
}

// grantedTo clears owner's waiter record once it actually holds the
// lock, and releases its wake-up privilege, freeing any other compatible
// waiter to be admitted without waiting for a further Unlock. Callers
// hold l.mu.
func (l *RWLock) grantedTo(idx int) {
	l.removeWaiter(idx)
	if l.privileged == idx {
		l.privileged = -1
	}
}

// Unlock releases whatever hold owner has on the lock (reader, writer,
// or none — a no-op in the last case). If the lock became free or
// reader-only and owner has a lock manager, it asks the manager to wake
// waiters.
func (l *RWLock) Unlock(owner *LockOwner) {
	l.mu.Lock()
	becameFree := false
	becameReaderOnly := false

	if l.writer == owner.Index {
		l.writer = -1
		becameFree = len(l.readers) == 0
		becameReaderOnly = len(l.readers) > 0
	} else if _, ok := l.readers[owner.Index]; ok {
		delete(l.readers, owner.Index)
		becameFree = l.writer == -1 && len(l.readers) == 0
	}
	l.removeWaiter(owner.Index)
	mgr := owner.Manager
	l.mu.Unlock()

	if mgr != nil && (becameFree || becameReaderOnly) {
		mgr.wakeUp(l, becameReaderOnly)
	}
}

// recordWaiter appends idx to the waiter list if not already present.
// Callers hold l.mu.
func (l *RWLock) recordWaiter(idx int) {
	for _, w := range l.waiters {
		if w == idx {
			return
		}
	}
	l.waiters = append(l.waiters, idx)
}

// removeWaiter drops idx from the waiter list. Callers hold l.mu.
func (l *RWLock) removeWaiter(idx int) {
	for i, w := range l.waiters {
		if w == idx {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return
		}
	}
}

// frontWaiter returns the lowest-indexed waiter, or -1 if none, giving
// the lock manager the fairness order required by spec §4.1 (lowest
// index wakes first).
func (l *RWLock) frontWaiter() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frontWaiterLocked()
}

// frontWaiterLocked is frontWaiter's body for callers that already hold
// l.mu.
func (l *RWLock) frontWaiterLocked() int {
	best := -1
	for _, w := range l.waiters {
		if best == -1 || w < best {
			best = w
		}
	}
	return best
}

// abandonWait drops idx from the waiter list and clears its wake-up
// privilege if it holds one, without touching anything it actually
// holds. Called when an owner's transaction finishes without ever
// retrying a lock it once conflicted on, so a privilege granted to that
// now-dead index cannot block every other waiter forever.
func (l *RWLock) abandonWait(idx int) {
	l.mu.Lock()
	l.removeWaiter(idx)
	if l.privileged == idx {
		l.privileged = -1
	}
	l.mu.Unlock()
}

// privilegeFront is called by the lock manager (via wakeUp) once a lock
// becomes free or reader-only. It grants the lowest-indexed queued
// owner exclusive wake-up privilege: until that owner either acquires
// the lock or is the one retrying, every other owner's try-lock on this
// lock fails with Conflicting regardless of what the lock would
// otherwise allow. This is the mechanism behind spec §4.1/§4.2's
// no-starvation guarantee.
func (l *RWLock) privilegeFront() {
	l.mu.Lock()
	l.privileged = l.frontWaiterLocked()
	l.mu.Unlock()
}

// IsHeld reports whether any owner currently holds this lock, for tests
// and diagnostics only.
func (l *RWLock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer != -1 || len(l.readers) > 0
}
