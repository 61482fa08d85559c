package txposix

import (
	"golang.org/x/sys/unix"
)

// This file implements the process-wide operations spec §4.5 describes
// as executed eagerly against the kernel (open, dup, pipe, socket,
// fcntl) plus the per-type dispatch for read/write/lseek/fstat/sync —
// the thin POSIX-wrapper layer spec §1 calls "out of scope" for its own
// documentation purposes, but which still has to exist for the core's
// module contract to have anything to drive. Every function here takes
// a *Tx first, exactly like the embedded DSL described in spec §6.

// resolveFile returns the FdTx and OfdTx shadows for fildes within tx,
// materialising both on first touch (spec §4.5). It does not resolve
// the underlying file's type-specific shadow — callers that need the
// file content (read/write/lseek) do that themselves once they know
// the FileID.
func (tx *Tx) resolveFile(fildes int) (*FdTx, *OfdTx, error) {
	fdtx, err := tx.fdTxFor(fildes)
	if err != nil {
		return nil, nil, err
	}
	if shadow, ok := tx.ofdtxs[fdtx.ofdIndex]; ok {
		return fdtx, shadow, nil
	}
	slot := tx.Engine().ofdTab.RefIdx(fdtx.ofdIndex)
	ofdtx := tx.ofdTxFor(fdtx.ofdIndex, slot)
	return fdtx, ofdtx, nil
}

// fileIDFor derives the FileID backing fildes, used to pick which
// per-type shadow (regfile/dir/fifo/chrdev/socket) an operation
// dispatches to. It is cheap (one fstat) and deliberately not cached on
// FdTx, matching spec §4.4's "derive the identity from the fd" step of
// ref_fildes.
func fileIDFor(fildes int) (FileID, error) {
	return StatFildes(fildes)
}

// Open creates or opens path relative to dirfd (unix.AT_FDCWD for the
// process cwd), eagerly against the kernel (spec §4.5 "open: executed
// eagerly"). Rollback closes the new fd and, for O_CREAT|O_EXCL, tries
// to remove the path it created (spec §8 scenario 5, "mkstemp
// rollback").
func Open(tx *Tx, dirfd int, path string, flags int, mode uint32) (int, error) {
	// An O_TRUNC open destroys the file's old content before the
	// transaction commits and no undo can bring it back; it is one of
	// the operations spec §1 names as inherently irrevocable.
	if flags&unix.O_TRUNC != 0 {
		tx.RequestIrrevocable()
	}

	fildes, err := unix.Openat(dirfd, path, flags, mode)
	if err != nil {
		errno := mapError(err)
		tx.setErrno(errno)
		return -1, Recoverable(errno)
	}

	id, err := fileIDFor(fildes)
	if err != nil {
		unix.Close(fildes)
		return -1, err
	}

	statusFlags := flags &^ (unix.O_CREAT | unix.O_EXCL | unix.O_TRUNC | unix.O_CLOEXEC | unix.O_ACCMODE)
	ofdIdx, _, err := tx.Engine().ofdTab.Ref(OfdID{File: id, Fildes: fildes}, func(o **Ofd) error {
		(*o).flags = statusFlags
		return nil
	})
	if err != nil {
		unix.Close(fildes)
		return -1, err
	}

	fdFlags := 0
	if flags&unix.O_CLOEXEC != 0 {
		fdFlags = unix.FD_CLOEXEC
	}
	version, err := tx.Engine().fdTab.Adopt(fildes, ofdIdx, fdFlags)
	if err != nil {
		tx.Engine().ofdTab.Unref(ofdIdx, nil)
		unix.Close(fildes)
		return -1, err
	}

	var created *fdCreateInfo
	if flags&unix.O_CREAT != 0 && flags&unix.O_EXCL != 0 {
		created = &fdCreateInfo{dirfd: dirfd, path: path, excl: true, id: id}
	}
	tx.newCreatedFdTx(fildes, ofdIdx, fdFlags, version, created)
	return fildes, nil
}

// Close marks fildes to be closed at commit (spec §4.5: "close: record
// an event; ... apply closes the kernel fd"; undo is a no-op since the
// kernel was never touched before apply).
func Close(tx *Tx, fildes int) error {
	fdtx, err := tx.fdTxFor(fildes)
	if err != nil {
		return err
	}
	fdtx.RequestClose()
	return nil
}

// Dup duplicates oldfd onto a new, kernel-chosen fd that shares the
// same OFD (and therefore the same cursor and status flags). Rollback
// closes the new fd only; the OFD itself is untouched since oldfd still
// references it.
func Dup(tx *Tx, oldfd int) (int, error) {
	oldShadow, err := tx.fdTxFor(oldfd)
	if err != nil {
		return -1, err
	}

	newfd, err := unix.Dup(oldfd)
	if err != nil {
		errno := mapError(err)
		tx.setErrno(errno)
		return -1, Recoverable(errno)
	}

	tx.Engine().ofdTab.RefIdx(oldShadow.ofdIndex)
	version, err := tx.Engine().fdTab.Adopt(newfd, oldShadow.ofdIndex, 0)
	if err != nil {
		tx.Engine().ofdTab.Unref(oldShadow.ofdIndex, func(o **Ofd) { *o = newOfd() })
		unix.Close(newfd)
		return -1, err
	}

	tx.newCreatedFdTx(newfd, oldShadow.ofdIndex, 0, version, nil)
	return newfd, nil
}

// Pipe creates a pipe, returning (readFD, writeFD). Both ends are
// independent OFDs (no shared cursor), each logged for rollback like an
// open.
func Pipe(tx *Tx) (int, int, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		errno := mapError(err)
		tx.setErrno(errno)
		return -1, -1, Recoverable(errno)
	}

	for _, fd := range fds {
		id, err := fileIDFor(fd)
		if err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return -1, -1, err
		}
		ofdIdx, _, err := tx.Engine().ofdTab.Ref(OfdID{File: id, Fildes: fd}, nil)
		if err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return -1, -1, err
		}
		version, err := tx.Engine().fdTab.Adopt(fd, ofdIdx, unix.FD_CLOEXEC)
		if err != nil {
			tx.Engine().ofdTab.Unref(ofdIdx, nil)
			unix.Close(fds[0])
			unix.Close(fds[1])
			return -1, -1, err
		}
		tx.newCreatedFdTx(fd, ofdIdx, unix.FD_CLOEXEC, version, nil)
	}
	return fds[0], fds[1], nil
}

// SocketSyscall creates a socket of the given domain/type/protocol, logged
// the same way Open is: rollback just closes the new fd.
func SocketSyscall(tx *Tx, domain, typ, proto int) (int, error) {
	fildes, err := unix.Socket(domain, typ, proto)
	if err != nil {
		errno := mapError(err)
		tx.setErrno(errno)
		return -1, Recoverable(errno)
	}

	id, err := fileIDFor(fildes)
	if err != nil {
		unix.Close(fildes)
		return -1, err
	}
	ofdIdx, _, err := tx.Engine().ofdTab.Ref(OfdID{File: id, Fildes: fildes}, nil)
	if err != nil {
		unix.Close(fildes)
		return -1, err
	}
	version, err := tx.Engine().fdTab.Adopt(fildes, ofdIdx, 0)
	if err != nil {
		tx.Engine().ofdTab.Unref(ofdIdx, nil)
		unix.Close(fildes)
		return -1, err
	}
	tx.newCreatedFdTx(fildes, ofdIdx, 0, version, nil)
	return fildes, nil
}

// fcntlForcesIrrevocable reports whether cmd is one of the fcntl
// subcommands spec §4.5 calls out as unconditionally irrevocable in
// 2pl/Ts mode: F_SETFD, F_SETFL, F_SETOWN, F_SETLK, F_SETLKW.
func fcntlForcesIrrevocable(cmd int) bool {
	switch cmd {
	case unix.F_SETFD, unix.F_SETFL, unix.F_SETOWN, unix.F_SETLK, unix.F_SETLKW:
		return true
	default:
		return false
	}
}

// Fcntl performs fcntl(fildes, cmd, arg). The mutating subcommands spec
// §4.5 names force the transaction irrevocable before touching the
// kernel (scenario 4: "Irrevocability upgrade"); once irrevocable, the
// call goes straight through. F_SETFD is logged and restored if a later
// part of the same (now-irrevocable) attempt still fails; F_SETFL only
// updates the transaction-local flags alongside the kernel call, and a
// rollback does not revert the kernel's status flags.
func Fcntl(tx *Tx, fildes, cmd, arg int) (int, error) {
	if fcntlForcesIrrevocable(cmd) && !tx.IsIrrevocable() {
		tx.RequestIrrevocable()
	}

	switch cmd {
	case unix.F_SETFD:
		fdtx, err := tx.fdTxFor(fildes)
		if err != nil {
			return -1, err
		}
		if err := fdtx.SetFDFlags(arg); err != nil {
			return -1, err
		}
		return 0, nil

	case unix.F_SETFL:
		_, ofdtx, err := tx.resolveFile(fildes)
		if err != nil {
			return -1, err
		}
		ofdtx.SetStatusFlags(arg)
		if _, err := unix.FcntlInt(uintptr(fildes), unix.F_SETFL, arg); err != nil {
			errno := mapError(err)
			tx.setErrno(errno)
			return -1, Recoverable(errno)
		}
		return 0, nil

	default:
		r, err := unix.FcntlInt(uintptr(fildes), cmd, arg)
		if err != nil {
			errno := mapError(err)
			tx.setErrno(errno)
			return -1, Recoverable(errno)
		}
		return r, nil
	}
}

// Lseek resolves a transaction-local cursor move (spec §4.5). The
// SEEK_CUR/offset==0 case is a pure read of the local offset and does
// not itself mark the OFD dirty (spec §8 "boundary behaviour": "lseek
// with no prior operation returns the kernel offset without marking
// LocalState" — here, the transaction-local offset, seeded from the
// kernel at first touch, stands in for "the kernel offset").
func Lseek(tx *Tx, fildes int, offset int64, whence int) (int64, error) {
	_, ofdtx, err := tx.resolveFile(fildes)
	if err != nil {
		return -1, err
	}

	switch whence {
	case unix.SEEK_CUR:
		if offset == 0 {
			return ofdtx.Offset(), nil
		}
		newOff := ofdtx.Offset() + offset
		ofdtx.Seek(newOff)
		return newOff, nil

	case unix.SEEK_SET:
		ofdtx.Seek(offset)
		return offset, nil

	case unix.SEEK_END:
		id, err := fileIDFor(fildes)
		if err != nil {
			return -1, err
		}
		if id.Kind != KindRegfile {
			errno := unix.ESPIPE
			tx.setErrno(errno)
			return -1, Recoverable(errno)
		}
		rtx, err := tx.regfileTxFor(id, ccModeFor(tx))
		if err != nil {
			return -1, err
		}
		st, err := rtx.FstatMerged(fildes)
		if err != nil {
			return -1, err
		}
		newOff := st.Size + offset
		ofdtx.Seek(newOff)
		return newOff, nil

	default:
		errno := unix.EINVAL
		tx.setErrno(errno)
		return -1, Recoverable(errno)
	}
}

// Read dispatches read(2) to the shadow matching fildes's file type,
// returning EISDIR (spec §4.5) for a directory, which does not support
// a plain read.
func Read(tx *Tx, fildes int, buf []byte) (int, error) {
	_, ofdtx, err := tx.resolveFile(fildes)
	if err != nil {
		return -1, err
	}
	id, err := fileIDFor(fildes)
	if err != nil {
		return -1, err
	}

	switch id.Kind {
	case KindRegfile:
		rtx, err := tx.regfileTxFor(id, ccModeFor(tx))
		if err != nil {
			return -1, err
		}
		return rtx.Pread(fildes, ofdtx, buf)
	case KindFifo:
		ftx, err := tx.fifoTxFor(id)
		if err != nil {
			return -1, err
		}
		return ftx.Read(fildes, buf)
	case KindChrdev:
		ctx, err := tx.chrdevTxFor(id)
		if err != nil {
			return -1, err
		}
		return ctx.Read(fildes, buf)
	case KindSocket:
		stx, err := tx.socketTxFor(id)
		if err != nil {
			return -1, err
		}
		return stx.Recv(fildes, buf, 0)
	default:
		tx.setErrno(unix.EISDIR)
		return -1, Recoverable(unix.EISDIR)
	}
}

// Write dispatches write(2) the same way Read dispatches read(2).
func Write(tx *Tx, fildes int, data []byte) (int, error) {
	_, ofdtx, err := tx.resolveFile(fildes)
	if err != nil {
		return -1, err
	}
	id, err := fileIDFor(fildes)
	if err != nil {
		return -1, err
	}

	switch id.Kind {
	case KindRegfile:
		rtx, err := tx.regfileTxFor(id, ccModeFor(tx))
		if err != nil {
			return -1, err
		}
		return rtx.Pwrite(fildes, ofdtx, data)
	case KindFifo:
		ftx, err := tx.fifoTxFor(id)
		if err != nil {
			return -1, err
		}
		return ftx.Write(fildes, data)
	case KindChrdev:
		ctx, err := tx.chrdevTxFor(id)
		if err != nil {
			return -1, err
		}
		return ctx.Write(fildes, data)
	case KindSocket:
		stx, err := tx.socketTxFor(id)
		if err != nil {
			return -1, err
		}
		stx.Send(fildes, data, 0)
		return len(data), nil
	default:
		tx.setErrno(unix.EISDIR)
		return -1, Recoverable(unix.EISDIR)
	}
}

// Pread/Pwrite are only meaningful for regular files (spec §4.5); every
// other kind reports ESPIPE, matching POSIX.

func Pread(tx *Tx, fildes int, buf []byte, offset int64) (int, error) {
	id, err := fileIDFor(fildes)
	if err != nil {
		return -1, err
	}
	if id.Kind != KindRegfile {
		tx.setErrno(unix.ESPIPE)
		return -1, Recoverable(unix.ESPIPE)
	}
	rtx, err := tx.regfileTxFor(id, ccModeFor(tx))
	if err != nil {
		return -1, err
	}
	return rtx.PreadAt(fildes, offset, buf)
}

func Pwrite(tx *Tx, fildes int, data []byte, offset int64) (int, error) {
	id, err := fileIDFor(fildes)
	if err != nil {
		return -1, err
	}
	if id.Kind != KindRegfile {
		tx.setErrno(unix.ESPIPE)
		return -1, Recoverable(unix.ESPIPE)
	}
	rtx, err := tx.regfileTxFor(id, ccModeFor(tx))
	if err != nil {
		return -1, err
	}
	return rtx.PwriteAt(fildes, offset, data)
}

// Ftruncate changes a regular file's size.
func Ftruncate(tx *Tx, fildes int, size int64) error {
	id, err := fileIDFor(fildes)
	if err != nil {
		return err
	}
	if id.Kind != KindRegfile {
		tx.setErrno(unix.EINVAL)
		return Recoverable(unix.EINVAL)
	}
	rtx, err := tx.regfileTxFor(id, ccModeFor(tx))
	if err != nil {
		return err
	}
	return rtx.Truncate(fildes, size)
}

// Fstat returns fildes's kernel metadata, merged with this
// transaction's own unapplied writes when the file is in Ts mode (spec
// §3 supplement, grounded in comfstx.c).
func Fstat(tx *Tx, fildes int) (unix.Stat_t, error) {
	id, err := fileIDFor(fildes)
	if err != nil {
		return unix.Stat_t{}, err
	}
	if id.Kind != KindRegfile {
		var st unix.Stat_t
		if err := unix.Fstat(fildes, &st); err != nil {
			return st, recoverableFromErr(err)
		}
		return st, nil
	}
	rtx, err := tx.regfileTxFor(id, ccModeFor(tx))
	if err != nil {
		return unix.Stat_t{}, err
	}
	return rtx.FstatMerged(fildes)
}

// syncOp tags the one event the sync module ever appends.
type syncOp uint16

const syncOpSync syncOp = 0

// SyncTx is a transaction's shadow for sync(2)/fsync(2)/fdatasync(2):
// irrevocable-only, applied once at commit, never undone (spec §4.5
// "sync: irrevocable-only").
type SyncTx struct {
	tx       *Tx
	moduleID uint8
	fildes   int
	datasync bool
}

func (tx *Tx) syncTxFor() *SyncTx {
	shadow := &SyncTx{tx: tx}
	shadow.moduleID = tx.modules.Register(ModuleOps{
		ApplyEvent: func(tx *Tx, ev Event) error {
			if syncOp(ev.Head) != syncOpSync {
				return nil
			}
			var err error
			if shadow.fildes < 0 {
				unix.Sync()
			} else if shadow.datasync {
				err = unix.Fdatasync(shadow.fildes)
			} else {
				err = unix.Fsync(shadow.fildes)
			}
			if err != nil {
				return recoverableFromErr(err)
			}
			return nil
		},
	}, shadow)
	return shadow
}

// Sync forces the transaction irrevocable and schedules a whole-
// filesystem sync(2) at commit.
func Sync(tx *Tx) {
	tx.RequestIrrevocable()
	shadow := tx.syncTxFor()
	shadow.fildes = -1
	tx.log.Append(shadow.moduleID, uint16(syncOpSync), 0)
}

// Fsync forces the transaction irrevocable and schedules fsync(2) (or
// fdatasync(2)) on fildes at commit.
func Fsync(tx *Tx, fildes int, dataOnly bool) {
	tx.RequestIrrevocable()
	shadow := tx.syncTxFor()
	shadow.fildes = fildes
	shadow.datasync = dataOnly
	tx.log.Append(shadow.moduleID, uint16(syncOpSync), 0)
}
