package txposix

import "sync"

// Identity constrains the key types file tables are indexed by — FileID
// and OfdID both satisfy it. Self-referential generic constraints let a
// single Table[I, T] implementation serve every table in spec §4.4
// (regfile/dir/fifo/chrdev/socket/ofd) without per-kind duplication.
type Identity[Self any] interface {
	Equal(Self) bool
	Cleared() bool
}

// slotData is the payload of one table slot: its identity plus the
// caller-supplied value (a *Regfile, *Socket, *Ofd, ...).
type slotData[I any, T any] struct {
	id    I
	value T
}

// Table is the fixed-capacity, rwlocked vector of identity-keyed slots
// described in spec §4.4. Lookup is a linear scan under a table-wide
// lock; every slot is itself a Ref so identity and refcount change
// together (spec §4.3).
type Table[I Identity[I], T any] struct {
	mu    sync.RWMutex
	slots []*Ref[slotData[I, T]]
	name  string
}

// NewTable allocates a table with the given fixed capacity. newValue is
// called once per slot to construct its zero-value payload.
func NewTable[I Identity[I], T any](name string, capacity int, newValue func() T) *Table[I, T] {
	t := &Table[I, T]{
		slots: make([]*Ref[slotData[I, T]], capacity),
		name:  name,
	}
	for i := range t.slots {
		t.slots[i] = NewRef(slotData[I, T]{value: newValue()})
	}
	return t
}

// Capacity returns the fixed number of slots in the table.
func (t *Table[I, T]) Capacity() int {
	return len(t.slots)
}

// Ref implements ref_fildes from spec §4.4: it looks up the slot whose
// identity equals id, incrementing its refcount; if none exists, it
// claims a free (cleared-identity) slot and runs init on it. init may
// itself fail (e.g. a syscall inside first-ref setup), in which case
// the slot is left cleared and the error propagates. If every slot is
// in use, it returns Conflicting so the driver retries — the spec's
// required alternative to deadlock.
func (t *Table[I, T]) Ref(id I, init func(*T) error) (int, *Ref[slotData[I, T]], error) {
	if idx, slot, ok := t.refExisting(id); ok {
		return idx, slot, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Rescan under the write lock: another goroutine may have raced us
	// to create the same identity since we dropped the read lock.
	for i, slot := range t.slots {
		if slot.CmpAndRef(func(d slotData[I, T]) bool { return d.id.Equal(id) }) {
			return i, slot, nil
		}
	}

	for i, slot := range t.slots {
		matched, err := slot.RefOrSetUp(
			func(d slotData[I, T]) bool { return d.id.Cleared() },
			func(d *slotData[I, T]) error {
				d.id = id
				if init != nil {
					if err := init(&d.value); err != nil {
						var zero I
						d.id = zero
						return err
					}
				}
				return nil
			},
		)
		if err != nil {
			return -1, nil, err
		}
		if matched {
			return i, slot, nil
		}
	}

	return -1, nil, Conflicting(LockID{Table: t.name, Slot: -1})
}

// refExisting performs the read-locked fast path of Ref.
func (t *Table[I, T]) refExisting(id I) (int, *Ref[slotData[I, T]], bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i, slot := range t.slots {
		if slot.CmpAndRef(func(d slotData[I, T]) bool { return d.id.Equal(id) }) {
			return i, slot, true
		}
	}
	return -1, nil, false
}

// Unref releases a reference on the slot at idx; on last-ref it clears
// the slot's identity (spec §3: "the slot stays initialised but with a
// cleared id") itself, then passes the value to finalise (if non-nil)
// to reset.
func (t *Table[I, T]) Unref(idx int, finalise func(*T)) {
	t.mu.RLock()
	slot := t.slots[idx]
	t.mu.RUnlock()

	slot.Unref(func(d *slotData[I, T]) {
		var zero I
		d.id = zero
		if finalise != nil {
			finalise(&d.value)
		}
	})
}

// Slot returns the Ref at idx directly, for callers that already hold
// an index from a prior Ref call (e.g. FD table entries pointing at an
// OFD table slot).
func (t *Table[I, T]) Slot(idx int) *Ref[slotData[I, T]] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.slots[idx]
}

// RefIdx unconditionally increments the refcount of the slot at idx and
// returns it. Used when the index is already known to be correct — the
// FD table, not an identity lookup, is the authority for which OFD
// index an fd is bound to (spec §4.4) — so no identity comparison is
// needed here, unlike Ref.
func (t *Table[I, T]) RefIdx(idx int) *Ref[slotData[I, T]] {
	t.mu.RLock()
	slot := t.slots[idx]
	t.mu.RUnlock()
	slot.Ref()
	return slot
}

// Value extracts the T payload from a slot reference, for callers that
// only need the value and not the identity.
func Value[I any, T any](slot *Ref[slotData[I, T]]) T {
	var v T
	slot.With(func(d *slotData[I, T]) { v = d.value })
	return v
}

// WithValue runs fn under the slot's lock with direct access to both
// identity and payload.
func WithValue[I any, T any](slot *Ref[slotData[I, T]], fn func(id I, value *T)) {
	slot.With(func(d *slotData[I, T]) { fn(d.id, &d.value) })
}
