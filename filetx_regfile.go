package txposix

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Regfile is the process-wide shared state of one regular file's
// content: the range-lock map guarding its records, a whole-file lock
// guarding size changes, and the per-record version counters CCTs reads
// against (spec §4.6).
type Regfile struct {
	lock   *RWLock
	ranges *RangeLock

	mu          sync.Mutex
	recVersions map[uint32]uint64
}

func newRegfile(recSize int) *Regfile {
	return &Regfile{
		lock:        NewRWLock(LockID{Table: "regfile"}),
		ranges:      NewRangeLock(recSize, "regfile-range"),
		recVersions: make(map[uint32]uint64),
	}
}

func (r *Regfile) versionOf(rec uint32) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recVersions[rec]
}

func (r *Regfile) bumpVersion(rec uint32) {
	r.mu.Lock()
	r.recVersions[rec]++
	r.mu.Unlock()
}

// regfileOp tags which regfile-level operation an event recorded.
type regfileOp uint16

const (
	regfileOpWrite regfileOp = iota
	regfileOpTruncate
)

// writeLogEntry records one pwrite so commit (CCTs) or rollback (CC2pl)
// can replay or reverse it.
type writeLogEntry struct {
	fildes  int
	offset  int64
	oldData []byte
	newData []byte
	oldSize int64 // file size before a CC2pl write-through, for undoing an extension
}

// truncateLogEntry records one eager ftruncate so rollback can restore
// the previous size and, for a shrink, the bytes it cut off.
type truncateLogEntry struct {
	fildes  int
	oldSize int64
	tailOff int64
	tail    []byte
}

// RegfileTx is a transaction's shadow of one regular file's content: the
// records it has locked or versioned, and the writes it has buffered or
// already applied, depending on cc.
type RegfileTx struct {
	tx       *Tx
	moduleID uint8

	id   FileID
	idx  int
	slot *Ref[slotData[FileID, *Regfile]]
	rf   *Regfile
	cc   CCMode

	lockedRecords map[uint32]rwState
	readVersions  map[uint32]uint64
	writtenRecs   map[uint32]struct{}
	writes        []writeLogEntry
	truncs        []truncateLogEntry
}

// regfileTxFor returns (creating if necessary) the shadow for id within
// tx, under the given concurrency-control mode (fixed at first open;
// later opens of the same file in the same transaction reuse it).
func (tx *Tx) regfileTxFor(id FileID, cc CCMode) (*RegfileTx, error) {
	if existing, ok := tx.filetxs[id]; ok {
		return existing.(*RegfileTx), nil
	}

	idx, slot, err := tx.Engine().regfileTab.Ref(id, nil)
	if err != nil {
		return nil, err
	}
	var rf *Regfile
	WithValue(slot, func(_ FileID, v **Regfile) { rf = *v })

	shadow := &RegfileTx{
		tx:            tx,
		id:            id,
		idx:           idx,
		slot:          slot,
		rf:            rf,
		cc:            cc,
		lockedRecords: make(map[uint32]rwState),
		readVersions:  make(map[uint32]uint64),
		writtenRecs:   make(map[uint32]struct{}),
	}
	shadow.moduleID = tx.modules.Register(newRegfileTxOps(shadow), shadow)
	tx.filetxs[id] = shadow
	return shadow, nil
}

// FileID implements FileTx.
func (r *RegfileTx) FileID() FileID { return r.id }

// lockRange acquires range-locks over every record overlapping
// [offset, offset+length) for owner, skipping records this shadow
// already holds at a sufficient level, and rolling back only the
// records it newly acquires if a later record conflicts.
func (r *RegfileTx) lockRange(offset, length int64, write bool) error {
	if length <= 0 {
		return nil
	}
	owner := r.tx.Owner()
	records := r.rf.ranges.recordsFor(offset, length)

	var newlyAcquired []*RWLock
	for _, rec := range records {
		if have, ok := r.lockedRecords[rec]; ok && (have == rwWriter || !write) {
			continue
		}
		lock := r.rf.ranges.lockFor(rec)
		var err error
		if write {
			err = lock.TryLock(owner)
		} else {
			err = lock.TryRLock(owner)
		}
		if err != nil {
			for _, al := range newlyAcquired {
				al.Unlock(owner)
			}
			return err
		}
		newlyAcquired = append(newlyAcquired, lock)
		if write {
			r.lockedRecords[rec] = rwWriter
		} else if _, ok := r.lockedRecords[rec]; !ok {
			r.lockedRecords[rec] = rwReader
		}
	}
	return nil
}

// Pread reads into buf at ofd's current cursor, advancing it — the
// non-positional read(2) semantics (spec §4.5 conflates read/pread's
// record-tracking logic; only the cursor handling differs, which is
// why PreadAt below delegates to the same readAt core).
func (r *RegfileTx) Pread(fildes int, ofd *OfdTx, buf []byte) (int, error) {
	offset := ofd.Offset()
	n, err := r.readAt(fildes, offset, buf)
	if err != nil {
		return 0, err
	}
	ofd.Seek(offset + int64(n))
	return n, nil
}

// PreadAt reads from a caller-supplied offset without touching any
// OFD's cursor — true POSIX pread(2) semantics.
func (r *RegfileTx) PreadAt(fildes int, offset int64, buf []byte) (int, error) {
	return r.readAt(fildes, offset, buf)
}

func (r *RegfileTx) readAt(fildes int, offset int64, buf []byte) (int, error) {
	// CC2pl read-locks the touched records for the rest of the
	// transaction; CCTs takes no locks here at all — it records the
	// versions it read and leaves conflict detection to commit-time
	// validation (spec §4.5).
	if r.cc == CC2pl && len(buf) > 0 {
		if err := r.lockRange(offset, int64(len(buf)), false); err != nil {
			return 0, err
		}
	}
	n, err := unix.Pread(fildes, buf, offset)
	if err != nil {
		return 0, recoverableFromErr(err)
	}
	if r.cc == CCTs {
		n = r.mergeWriteLog(offset, buf, n)
		for _, rec := range r.rf.ranges.recordsFor(offset, int64(n)) {
			if _, seen := r.readVersions[rec]; !seen {
				r.readVersions[rec] = r.rf.versionOf(rec)
			}
		}
	}
	return n, nil
}

// mergeWriteLog overlays this transaction's own buffered (not yet applied
// to the kernel) CCTs writes onto buf, which holds n bytes read from
// fildes starting at offset. Later log entries override earlier ones, and
// a write that extends past what the kernel read grows the read's
// apparent length (up to buf's capacity), giving CCTs reads read-your-
// writes semantics (spec §4.5, §8 scenario 6) without touching the
// kernel.
func (r *RegfileTx) mergeWriteLog(offset int64, buf []byte, n int) int {
	end := offset + int64(n)
	for _, w := range r.writes {
		if wEnd := w.offset + int64(len(w.newData)); wEnd > end {
			end = wEnd
		}
	}
	if max := offset + int64(len(buf)); end > max {
		end = max
	}

	for _, w := range r.writes {
		wEnd := w.offset + int64(len(w.newData))
		lo, hi := w.offset, wEnd
		if lo < offset {
			lo = offset
		}
		if hi > end {
			hi = end
		}
		if hi <= lo {
			continue
		}
		copy(buf[lo-offset:hi-offset], w.newData[lo-w.offset:hi-w.offset])
	}

	if grown := int(end - offset); grown > n {
		n = grown
	}
	return n
}

// Pwrite writes data at ofd's current cursor, advancing it. Behavior
// depends on cc: CC2pl writes through immediately with a full undo log;
// CCTs buffers the write until commit's apply phase; CCNoUndo writes
// through with no log at all.
func (r *RegfileTx) Pwrite(fildes int, ofd *OfdTx, data []byte) (int, error) {
	offset := ofd.Offset()
	if ofd.StatusFlags()&unix.O_APPEND != 0 {
		// Append writes target end-of-file, not the cursor. CC2pl pins
		// the size with the whole-file lock; CCTs relies on the target
		// records' versions moving if a competing append commits first.
		if r.cc == CC2pl {
			if err := r.rf.lock.TryLock(r.tx.Owner()); err != nil {
				return 0, err
			}
		}
		st, err := r.FstatMerged(fildes)
		if err != nil {
			return 0, err
		}
		offset = st.Size
	}
	n, err := r.writeAt(fildes, offset, data)
	if err != nil {
		return 0, err
	}
	ofd.Seek(offset + int64(n))
	return n, nil
}

// PwriteAt writes at a caller-supplied offset without touching any
// OFD's cursor — true POSIX pwrite(2) semantics.
func (r *RegfileTx) PwriteAt(fildes int, offset int64, data []byte) (int, error) {
	return r.writeAt(fildes, offset, data)
}

func (r *RegfileTx) writeAt(fildes int, offset int64, data []byte) (int, error) {
	length := int64(len(data))

	switch r.cc {
	case CCNoUndo:
		n, err := unix.Pwrite(fildes, data, offset)
		if err != nil {
			return 0, recoverableFromErr(err)
		}
		return n, nil

	case CC2pl:
		if err := r.lockRange(offset, length, true); err != nil {
			return 0, err
		}
		var st unix.Stat_t
		if err := unix.Fstat(fildes, &st); err != nil {
			return 0, recoverableFromErr(err)
		}
		old := make([]byte, length)
		nread, rerr := unix.Pread(fildes, old, offset)
		if rerr != nil {
			if offset < st.Size {
				return 0, recoverableFromErr(rerr)
			}
			nread = 0 // nothing at or past EOF to save, e.g. a write-only append
		}
		n, err := unix.Pwrite(fildes, data, offset)
		if err != nil {
			return 0, recoverableFromErr(err)
		}
		entry := writeLogEntry{
			fildes:  fildes,
			offset:  offset,
			oldData: old[:nread],
			newData: append([]byte(nil), data[:n]...),
			oldSize: st.Size,
		}
		r.writes = append(r.writes, entry)
		for _, rec := range r.rf.ranges.recordsFor(offset, int64(n)) {
			r.writtenRecs[rec] = struct{}{}
		}
		r.tx.log.Append(r.moduleID, uint16(regfileOpWrite), uintptr(len(r.writes)-1))
		return n, nil

	case CCTs:
		entry := writeLogEntry{fildes: fildes, offset: offset, newData: append([]byte(nil), data...)}
		r.writes = append(r.writes, entry)
		for _, rec := range r.rf.ranges.recordsFor(offset, length) {
			r.writtenRecs[rec] = struct{}{}
			if _, seen := r.readVersions[rec]; !seen {
				r.readVersions[rec] = r.rf.versionOf(rec)
			}
		}
		r.tx.log.Append(r.moduleID, uint16(regfileOpWrite), uintptr(len(r.writes)-1))
		return len(data), nil
	}
	return 0, Irrecoverable("regfile: unknown cc mode")
}

// Truncate changes the file's size, guarded by the whole-file lock
// rather than the per-record range map, since size is metadata shared
// by every record past the new end. Under CC2pl the truncate happens
// eagerly, with the previous size — and for a shrink, the bytes being
// cut off — saved so rollback can restore both. CCTs cannot order an
// eager truncate against its own buffered writes, so it promotes to
// irrevocable execution first, the same treatment an O_TRUNC open gets.
func (r *RegfileTx) Truncate(fildes int, size int64) error {
	if r.cc == CCTs {
		r.tx.RequestIrrevocable()
	}
	if r.cc == CCNoUndo {
		if err := unix.Ftruncate(fildes, size); err != nil {
			return recoverableFromErr(err)
		}
		return nil
	}

	if err := r.rf.lock.TryLock(r.tx.Owner()); err != nil {
		return err
	}
	var st unix.Stat_t
	if err := unix.Fstat(fildes, &st); err != nil {
		return recoverableFromErr(err)
	}
	entry := truncateLogEntry{fildes: fildes, oldSize: st.Size}
	if size < st.Size {
		entry.tailOff = size
		entry.tail = make([]byte, st.Size-size)
		n, err := unix.Pread(fildes, entry.tail, size)
		if err != nil {
			return recoverableFromErr(err)
		}
		entry.tail = entry.tail[:n]
	}
	if err := unix.Ftruncate(fildes, size); err != nil {
		return recoverableFromErr(err)
	}
	r.truncs = append(r.truncs, entry)
	r.tx.log.Append(r.moduleID, uint16(regfileOpTruncate), uintptr(len(r.truncs)-1))
	return nil
}

// FstatMerged returns the kernel's fstat for fildes with its size
// patched to reflect this transaction's own pending CCTs writes, which
// have not reached the kernel yet (spec §3 supplement, grounded in the
// original implementation's fstat/write-log merge).
func (r *RegfileTx) FstatMerged(fildes int) (unix.Stat_t, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fildes, &st); err != nil {
		return st, recoverableFromErr(err)
	}
	if r.cc != CCTs {
		return st, nil
	}
	maxExtent := st.Size
	for _, w := range r.writes {
		if end := w.offset + int64(len(w.newData)); end > maxExtent {
			maxExtent = end
		}
	}
	st.Size = maxExtent
	return st, nil
}

func newRegfileTxOps(shadow *RegfileTx) ModuleOps {
	return ModuleOps{
		Lock: func(tx *Tx) error {
			if shadow.cc != CCTs {
				return nil // CC2pl/NoUndo already hold what they need from the body
			}
			for rec := range shadow.readVersions {
				lock := shadow.rf.ranges.lockFor(rec)
				_, writer := shadow.writtenRecs[rec]
				var err error
				if writer {
					err = lock.TryLock(tx.Owner())
				} else {
					err = lock.TryRLock(tx.Owner())
				}
				if err != nil {
					return err
				}
			}
			return nil
		},
		Validate: func(tx *Tx) error {
			if shadow.cc != CCTs {
				return nil
			}
			for rec, seen := range shadow.readVersions {
				if shadow.rf.versionOf(rec) != seen {
					return Conflicting(LockID{Table: "regfile-range", Slot: int(rec)})
				}
			}
			return nil
		},
		ApplyEvent: func(tx *Tx, ev Event) error {
			switch regfileOp(ev.Head) {
			case regfileOpWrite:
				if shadow.cc != CCTs {
					return nil // CC2pl already wrote through in the body
				}
				w := shadow.writes[ev.Tail]
				if _, err := unix.Pwrite(w.fildes, w.newData, w.offset); err != nil {
					return recoverableFromErr(err)
				}
				return nil
			case regfileOpTruncate:
				return nil // already applied eagerly
			}
			return nil
		},
		UndoEvent: func(tx *Tx, ev Event) error {
			switch regfileOp(ev.Head) {
			case regfileOpWrite:
				if shadow.cc != CC2pl {
					return nil // CCTs never reached the kernel; CCNoUndo is never logged
				}
				w := shadow.writes[ev.Tail]
				if w.offset+int64(len(w.newData)) > w.oldSize {
					if err := unix.Ftruncate(w.fildes, w.oldSize); err != nil {
						return recoverableFromErr(err)
					}
				}
				if len(w.oldData) > 0 {
					if _, err := unix.Pwrite(w.fildes, w.oldData, w.offset); err != nil {
						return recoverableFromErr(err)
					}
				}
				return nil
			case regfileOpTruncate:
				entry := shadow.truncs[ev.Tail]
				if err := unix.Ftruncate(entry.fildes, entry.oldSize); err != nil {
					return recoverableFromErr(err)
				}
				if len(entry.tail) > 0 {
					if _, err := unix.Pwrite(entry.fildes, entry.tail, entry.tailOff); err != nil {
						return recoverableFromErr(err)
					}
				}
				return nil
			}
			return nil
		},
		UpdateCC: func(tx *Tx) error {
			for rec := range shadow.writtenRecs {
				shadow.rf.bumpVersion(rec)
			}
			return nil
		},
		Finish: func(tx *Tx) error {
			tx.Engine().regfileTab.Unref(shadow.idx, nil)
			return nil
		},
	}
}
