package txposix

import (
	"golang.org/x/sys/unix"
)

// fdOp tags which fd-level operation an event recorded.
type fdOp uint16

const (
	fdOpSetFD fdOp = iota
	fdOpClose
	fdOpCreate
)

// fdCreateInfo is attached to a FdTx that was brought into existence by
// this transaction (open/dup/pipe/socket) rather than one that already
// existed when the transaction began. Rollback always closes the fd and
// releases the OFD table reference taken at creation time; if the fd
// was opened with O_CREAT|O_EXCL, rollback additionally unlinks the
// path it created, confirmed against the live directory entry's
// identity so a racing process that reused the name isn't affected
// (spec §8 "round-trip laws", §4.5 "open").
type fdCreateInfo struct {
	dirfd int
	path  string
	excl  bool
	id    FileID
}

// FdTx is a transaction's shadow of one process file descriptor: the fd
// table slot it refers to, the version that slot had when first
// touched this attempt, and the log of fd-flag changes made so far
// (spec §3, §4.4). Close is modelled as apply-only (resolves spec.md's
// close-visibility open question conservatively): the real close(2)
// happens during commit's apply phase, never eagerly during the body,
// so a rollback never needs to undo it.
type FdTx struct {
	tx       *Tx
	moduleID uint8

	fildes   int
	version  uint64
	ofdIndex int

	fdFlags int

	closeRequested bool
	oldFDFlags     []int

	created *fdCreateInfo
}

// fdTxFor returns the shadow for fildes within tx, creating it (and
// registering its module) on first touch, and validating the fd is
// still open. An fd the engine has never seen — inherited from the
// parent, opened outside any transaction — is adopted into the fd
// table on first touch, exactly the ref_fildes flow of spec §4.4:
// derive the identity from the fd, then claim a slot for it.
func (tx *Tx) fdTxFor(fildes int) (*FdTx, error) {
	if shadow, ok := tx.fdtxs[fildes]; ok {
		return shadow, nil
	}

	entry, err := tx.Engine().fdTab.Lookup(fildes)
	if err == nil {
		if err := tx.Engine().fdTab.Ref(fildes, entry.version); err != nil {
			return nil, err
		}
	} else {
		entry, err = tx.adoptForeign(fildes)
		if err != nil {
			// Another transaction may have won the race to adopt the
			// same fd; fall back to the normal lookup once.
			raced, lerr := tx.Engine().fdTab.Lookup(fildes)
			if lerr != nil {
				return nil, err
			}
			if rerr := tx.Engine().fdTab.Ref(fildes, raced.version); rerr != nil {
				return nil, rerr
			}
			entry = raced
		}
	}

	shadow := &FdTx{
		tx:       tx,
		fildes:   fildes,
		version:  entry.version,
		ofdIndex: entry.ofdIndex,
		fdFlags:  entry.fdFlags,
	}
	shadow.moduleID = tx.modules.Register(newFdTxOps(shadow), shadow)
	tx.fdtxs[fildes] = shadow
	return shadow, nil
}

// adoptForeign registers an fd that is open in the kernel but unknown
// to the engine's fd table, seeding its OFD state (status flags and
// cursor) from the kernel so transactional reads and seeks start from
// where the descriptor really is.
func (tx *Tx) adoptForeign(fildes int) (fdEntry, error) {
	id, err := StatFildes(fildes)
	if err != nil {
		return fdEntry{}, err
	}

	statusFlags, ferr := unix.FcntlInt(uintptr(fildes), unix.F_GETFL, 0)
	if ferr != nil {
		statusFlags = 0
	}
	statusFlags &^= unix.O_ACCMODE
	offset, serr := unix.Seek(fildes, 0, unix.SEEK_CUR)
	if serr != nil {
		offset = 0 // pipes and sockets have no cursor
	}

	ofdIdx, _, err := tx.Engine().ofdTab.Ref(OfdID{File: id, Fildes: fildes}, func(o **Ofd) error {
		(*o).flags = statusFlags
		(*o).offset = offset
		return nil
	})
	if err != nil {
		return fdEntry{}, err
	}

	fdFlags := 0
	if fdf, err := unix.FcntlInt(uintptr(fildes), unix.F_GETFD, 0); err == nil {
		fdFlags = fdf
	}
	version, err := tx.Engine().fdTab.Adopt(fildes, ofdIdx, fdFlags)
	if err != nil {
		tx.Engine().ofdTab.Unref(ofdIdx, func(o **Ofd) { *o = newOfd() })
		return fdEntry{}, err
	}
	return fdEntry{state: FDOpen, refcount: 1, ofdIndex: ofdIdx, fdFlags: fdFlags, version: version}, nil
}

// newCreatedFdTx registers a shadow for a kernel fd this transaction
// just created (open/dup/pipe/socket), logging a fdOpCreate event so
// rollback knows to close it. created carries the extra detail needed
// to unwind an O_CREAT|O_EXCL open; pass nil for dup/pipe/socket.
func (tx *Tx) newCreatedFdTx(fildes, ofdIndex, fdFlags int, version uint64, created *fdCreateInfo) *FdTx {
	shadow := &FdTx{
		tx:       tx,
		fildes:   fildes,
		version:  version,
		ofdIndex: ofdIndex,
		fdFlags:  fdFlags,
		created:  created,
	}
	shadow.moduleID = tx.modules.Register(newFdTxOps(shadow), shadow)
	tx.fdtxs[fildes] = shadow
	shadow.tx.log.Append(shadow.moduleID, uint16(fdOpCreate), 0)
	return shadow
}

// SetFDFlags changes the fd's close-on-exec style flags. The real
// fcntl runs immediately; the previous value is logged so a rollback
// can restore it.
func (f *FdTx) SetFDFlags(flags int) error {
	if f.closeRequested {
		return Recoverable(unix.EBADF)
	}
	old := f.fdFlags
	if _, err := unix.FcntlInt(uintptr(f.fildes), unix.F_SETFD, flags); err != nil {
		return recoverableFromErr(err)
	}
	f.oldFDFlags = append(f.oldFDFlags, old)
	f.fdFlags = flags
	f.tx.log.Append(f.moduleID, uint16(fdOpSetFD), uintptr(len(f.oldFDFlags)-1))
	return nil
}

// RequestClose marks this fd to be closed at commit. Repeated calls are
// idempotent.
func (f *FdTx) RequestClose() {
	if f.closeRequested {
		return
	}
	f.closeRequested = true
	f.tx.log.Append(f.moduleID, uint16(fdOpClose), 0)
}

// newFdTxOps builds the module vtable for one fd shadow. Every hook
// closes directly over shadow: each shadow registers under its own
// moduleID, so the registry only ever dispatches this shadow's own
// events to ApplyEvent/UndoEvent.
func newFdTxOps(shadow *FdTx) ModuleOps {
	return ModuleOps{
		Validate: func(tx *Tx) error {
			entry, err := tx.Engine().fdTab.Lookup(shadow.fildes)
			if err != nil {
				return err
			}
			if entry.version != shadow.version {
				return Conflicting(LockID{Table: "fdtable", Slot: shadow.fildes})
			}
			return nil
		},
		ApplyEvent: func(tx *Tx, ev Event) error {
			return applyFdEvent(tx, shadow, ev)
		},
		UndoEvent: func(tx *Tx, ev Event) error {
			return undoFdEvent(shadow, ev)
		},
		Finish: func(tx *Tx) error {
			tx.Engine().fdTab.Unref(shadow.fildes)
			return nil
		},
	}
}

func applyFdEvent(tx *Tx, shadow *FdTx, ev Event) error {
	switch fdOp(ev.Head) {
	case fdOpSetFD:
		return nil // already applied eagerly by SetFDFlags
	case fdOpCreate:
		return nil // the fd already exists; nothing more to do at apply
	case fdOpClose:
		if err := tx.Engine().fdTab.MarkClosing(shadow.fildes, shadow.version); err != nil {
			return err
		}
		if err := unix.Close(shadow.fildes); err != nil {
			return recoverableFromErr(err)
		}
		tx.Engine().fdTab.ReleaseClosed(shadow.fildes)
		tx.Engine().ofdTab.Unref(shadow.ofdIndex, func(o **Ofd) { *o = newOfd() })
		return nil
	}
	return nil
}

func undoFdEvent(shadow *FdTx, ev Event) error {
	switch fdOp(ev.Head) {
	case fdOpSetFD:
		old := shadow.oldFDFlags[ev.Tail]
		if _, err := unix.FcntlInt(uintptr(shadow.fildes), unix.F_SETFD, old); err != nil {
			return recoverableFromErr(err)
		}
		return nil
	case fdOpCreate:
		return undoFdCreate(shadow)
	case fdOpClose:
		// Apply-only: if rollback runs, apply never touched the
		// kernel, so there is nothing to undo.
		return nil
	}
	return nil
}

// undoFdCreate closes a kernel fd this transaction created and releases
// the OFD table reference taken at creation; if the open used
// O_CREAT|O_EXCL, it also removes the path, but only if the directory
// entry still resolves to the exact (dev,ino) this transaction created
// — a concurrent process may have already removed and recreated it.
func undoFdCreate(shadow *FdTx) error {
	tx := shadow.tx
	tx.Engine().fdTab.ReleaseClosed(shadow.fildes)
	unix.Close(shadow.fildes)
	tx.Engine().ofdTab.Unref(shadow.ofdIndex, func(o **Ofd) { *o = newOfd() })

	info := shadow.created
	if info == nil || !info.excl {
		return nil
	}

	var st unix.Stat_t
	if err := unix.Fstatat(info.dirfd, info.path, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return nil // already gone or replaced; nothing safe to do
	}
	if uint64(st.Dev) != info.id.Dev || st.Ino != info.id.Ino {
		return nil // identity no longer matches what we created
	}
	if err := unix.Unlinkat(info.dirfd, info.path, 0); err != nil {
		return recoverableFromErr(err)
	}
	return nil
}
