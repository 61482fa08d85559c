package txposix

import (
	"sync"

	"github.com/txposix/txposix/internal/bitmap"
)

// rangeGroupSize is the number of records covered by one second-level
// group of the range-lock radix tree.
const rangeGroupSize = 4096

// rangeGroup is the second level of the tree: a lazily-populated array
// of per-record locks. allocated tracks which slots have actually had
// a lock constructed, so diagnostics (ActiveRecords) don't need to scan
// the whole array under the map lock for a count that is otherwise
// implicit in "is this pointer nil".
type rangeGroup struct {
	locks     [rangeGroupSize]*RWLock
	allocated *bitmap.Bitmap
}

func newRangeGroup() *rangeGroup {
	return &rangeGroup{allocated: bitmap.New(rangeGroupSize)}
}

// RangeLock is the two-level record-lock map described in spec §4.6:
// a regular file's byte range is divided into fixed-size records, each
// guarded by its own RWLock, organised as a sparse radix tree so a huge
// or sparsely-written file does not require allocating one lock per
// record up front. Locks are always acquired in ascending record order,
// which combined with the driver's try-only locking rules out deadlock
// between two transactions touching overlapping ranges in different
// orders.
type RangeLock struct {
	mu      sync.Mutex
	recSize int64
	name    string
	groups  map[uint32]*rangeGroup
}

// NewRangeLock creates a range-lock map with the given record size in
// bytes.
func NewRangeLock(recSize int, name string) *RangeLock {
	if recSize <= 0 {
		recSize = 4096
	}
	return &RangeLock{recSize: int64(recSize), name: name, groups: make(map[uint32]*rangeGroup)}
}

// recordOf maps a byte offset to its record index.
func (r *RangeLock) recordOf(offset int64) uint32 {
	return uint32(offset / r.recSize)
}

// lockFor returns the RWLock guarding record rec, allocating its group
// and the lock itself on first use.
func (r *RangeLock) lockFor(rec uint32) *RWLock {
	r.mu.Lock()
	defer r.mu.Unlock()

	groupIdx := rec / rangeGroupSize
	slot := rec % rangeGroupSize

	g, ok := r.groups[groupIdx]
	if !ok {
		g = newRangeGroup()
		r.groups[groupIdx] = g
	}
	if g.locks[slot] == nil {
		g.locks[slot] = NewRWLock(LockID{Table: r.name, Slot: int(rec)})
		g.allocated.Set(int(slot))
	}
	return g.locks[slot]
}

// ActiveRecords returns the total number of records across the map
// that have ever had a lock constructed, for diagnostics and tests.
func (r *RangeLock) ActiveRecords() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, g := range r.groups {
		n += g.allocated.Count()
	}
	return n
}

// recordsFor lists, in ascending order, every record index a byte range
// [offset, offset+length) overlaps. length <= 0 yields no records.
func (r *RangeLock) recordsFor(offset, length int64) []uint32 {
	if length <= 0 {
		return nil
	}
	first := r.recordOf(offset)
	last := r.recordOf(offset + length - 1)
	recs := make([]uint32, 0, last-first+1)
	for rec := first; rec <= last; rec++ {
		recs = append(recs, rec)
	}
	return recs
}

// TryLockRange attempts to lock every record overlapping [offset,
// offset+length) for owner, as a reader or writer. On the first
// conflicting record it releases every record already acquired in this
// call (leaving any locks owner held before this call untouched) and
// returns the Conflicting error.
func (r *RangeLock) TryLockRange(owner *LockOwner, offset, length int64, write bool) error {
	records := r.recordsFor(offset, length)
	acquired := make([]*RWLock, 0, len(records))

	for _, rec := range records {
		lock := r.lockFor(rec)
		lock.mu.Lock()
		_, wasReader := lock.readers[owner.Index]
		heldBefore := wasReader || lock.writer == owner.Index
		lock.mu.Unlock()
		var err error
		if write {
			err = lock.TryLock(owner)
		} else {
			err = lock.TryRLock(owner)
		}
		if err != nil {
			for _, al := range acquired {
				al.Unlock(owner)
			}
			return err
		}
		if !heldBefore {
			acquired = append(acquired, lock)
		}
	}
	return nil
}
