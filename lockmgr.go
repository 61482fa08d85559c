package txposix

import (
	"sync"
)

// MaxOwners bounds the number of concurrently active transactions, i.e.
// the size of the dense owner-index space (spec §3, §4.2).
const MaxOwners = 1024

// heldLock records one lock an owner currently holds, so releasing at
// finish is a flat sweep with no allocation (spec §4.1).
type heldLock struct {
	lock  *RWLock
	state rwState
}

// LockOwner is the identity a transaction uses to acquire and release
// locks (spec GLOSSARY). It has a stable, recyclable dense index and
// tracks every lock it currently holds.
type LockOwner struct {
	Index   int
	Manager *LockManager

	mu        sync.Mutex
	held      []heldLock
	conflicts []*RWLock // locks this owner is queued on but does not hold
}

func (o *LockOwner) noteAcquired(l *RWLock, state rwState) {
	o.mu.Lock()
	o.held = append(o.held, heldLock{lock: l, state: state})
	o.mu.Unlock()
}

// noteConflict records that owner is now queued on l (spec §4.1's waiter
// list) without holding it, so ReleaseAll can abandon the wait if this
// owner's transaction finishes without ever retrying l — otherwise a
// wake-up privilege (§4.2) granted to a dead owner index would starve
// every other waiter on l forever.
func (o *LockOwner) noteConflict(l *RWLock) {
	o.mu.Lock()
	for _, c := range o.conflicts {
		if c == l {
			o.mu.Unlock()
			return
		}
	}
	o.conflicts = append(o.conflicts, l)
	o.mu.Unlock()
}

// upgradeAcquired rewrites the existing record for l from reader to
// writer in place, rather than appending a duplicate entry.
func (o *LockOwner) upgradeAcquired(l *RWLock) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.held {
		if o.held[i].lock == l {
			o.held[i].state = rwWriter
			return
		}
	}
	o.held = append(o.held, heldLock{lock: l, state: rwWriter})
}

// ReleaseAll unlocks every lock this owner holds, in the order they
// were acquired, and resets the held list. This is the "flat sweep"
// finish does under spec §4.1 — no allocation, no lookup.
func (o *LockOwner) ReleaseAll() {
	o.mu.Lock()
	held := o.held
	o.held = nil
	conflicts := o.conflicts
	o.conflicts = nil
	o.mu.Unlock()

	for _, h := range held {
		h.lock.Unlock(o)
	}
	for _, l := range conflicts {
		l.abandonWait(o.Index)
	}
}

// HeldCount reports how many locks this owner currently holds, for
// tests and diagnostics.
func (o *LockOwner) HeldCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.held)
}

// LockManager registers lock owners, arbitrates the single
// irrevocability token, and coordinates wake-up fairness across RW-locks
// (spec §4.2).
type LockManager struct {
	mu     sync.Mutex
	owners [MaxOwners]*LockOwner
	free   []int // recyclable indices, LIFO is fine, order does not matter for fairness

	excl       sync.Mutex // serializes make_irrevocable/release_irrevocability transitions
	cond       *sync.Cond
	exclusive  *LockOwner // current irrevocable owner, or nil
	activeRevo int        // count of revocable owners currently mid-transaction
}

// NewLockManager creates a lock manager with all MaxOwners slots free.
func NewLockManager() *LockManager {
	m := &LockManager{
		free: make([]int, MaxOwners),
	}
	for i := range m.free {
		m.free[i] = MaxOwners - 1 - i
	}
	m.cond = sync.NewCond(&m.excl)
	return m
}

// Register assigns a dense index to a new lock owner. A full manager is
// a deterministic Conflicting error, never a deadlock: the caller can
// retry once a concurrent transaction unregisters.
func (m *LockManager) Register() (*LockOwner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.free) == 0 {
		return nil, Conflicting(LockID{Table: "lockmgr", Slot: -1})
	}
	idx := m.free[len(m.free)-1]
	m.free = m.free[:len(m.free)-1]

	owner := &LockOwner{Index: idx, Manager: m}
	m.owners[idx] = owner
	return owner, nil
}

// Unregister releases owner's index back to the free pool. The caller
// must have already released every lock the owner held.
func (m *LockManager) Unregister(owner *LockOwner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[owner.Index] = nil
	m.free = append(m.free, owner.Index)
}

// MakeIrrevocable acquires the exclusive token for owner, blocking until
// every other revocable transaction has quiesced (spec §4.2, §5 "the
// irrevocability token: at most one writer transaction"). This and
// EnterRevocable are the only places in the engine that block a
// goroutine.
func (m *LockManager) MakeIrrevocable(owner *LockOwner) {
	m.excl.Lock()
	defer m.excl.Unlock()
	for m.exclusive != nil {
		m.cond.Wait()
	}
	m.exclusive = owner
	for m.activeRevo > 0 {
		m.cond.Wait()
	}
}

// ReleaseIrrevocability releases the exclusive token, waking any
// transactions parked waiting to become irrevocable themselves.
func (m *LockManager) ReleaseIrrevocability() {
	m.excl.Lock()
	m.exclusive = nil
	m.cond.Broadcast()
	m.excl.Unlock()
}

// IsIrrevocable reports whether some owner other than the given one
// currently holds the exclusive token. RWLock's try-locks do not
// consult it and never return Revocable: revocable transactions that
// are already running keep going until they finish (MakeIrrevocable
// waits for them), and new ones park in EnterRevocable.
func (m *LockManager) IsIrrevocable(owner *LockOwner) bool {
	m.excl.Lock()
	defer m.excl.Unlock()
	return m.exclusive != nil && m.exclusive != owner
}

// EnterRevocable records that a revocable transaction is now actively
// running, so MakeIrrevocable can rendezvous with it. While some owner
// holds the exclusive token, new revocable attempts park here until it
// is released — the invariant is all-or-nothing: either the token is
// free and any number of revocable transactions run, or it is held and
// every other transaction is quiesced (spec §3).
func (m *LockManager) EnterRevocable() {
	m.excl.Lock()
	for m.exclusive != nil {
		m.cond.Wait()
	}
	m.activeRevo++
	m.excl.Unlock()
}

// LeaveRevocable is the matching decrement for EnterRevocable, called at
// finish regardless of commit/rollback outcome.
func (m *LockManager) LeaveRevocable() {
	m.excl.Lock()
	m.activeRevo--
	if m.activeRevo == 0 {
		m.cond.Broadcast()
	}
	m.excl.Unlock()
}

// LockManagerSnapshot is a diagnostic, point-in-time view of manager
// state, used by cmd/txshell to inspect a live engine without exposing
// internal lock owner pointers.
type LockManagerSnapshot struct {
	RegisteredOwners int
	FreeSlots        int
	ExclusiveOwner   int // -1 if no transaction currently holds the irrevocability token
	ActiveRevocable  int
}

// Snapshot returns a diagnostic view of the manager's current state.
func (m *LockManager) Snapshot() LockManagerSnapshot {
	m.mu.Lock()
	free := len(m.free)
	m.mu.Unlock()

	m.excl.Lock()
	defer m.excl.Unlock()
	excl := -1
	if m.exclusive != nil {
		excl = m.exclusive.Index
	}
	return LockManagerSnapshot{
		RegisteredOwners: MaxOwners - free,
		FreeSlots:        free,
		ExclusiveOwner:   excl,
		ActiveRevocable:  m.activeRevo,
	}
}

// wakeUp is invoked by RWLock.Unlock after a lock becomes free or
// reader-only. Because locks are try-only, "waking" a waiter means
// granting the lowest-indexed queued owner (spec §4.1's fairness order)
// exclusive privilege to succeed its next try-lock on l; every other
// owner's try-lock on l conflicts until that owner acquires the lock (or
// stops waiting), so the same owner can never be starved by
// later-arriving, faster-retrying transactions cutting in line. The
// owner itself is still responsible for re-attempting the lock on its
// next driver restart — nothing here blocks a goroutine.
//
// readersOK is unused: fairness here is strictly by owner index, not by
// reader/writer compatibility, so the same single-privileged-owner rule
// applies whether the lock just became reader-only or fully free.
func (m *LockManager) wakeUp(l *RWLock, readersOK bool) {
	l.privilegeFront()
}
