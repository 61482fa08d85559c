package txposix

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// parseDirents walks a getdents64 buffer, returning entry names with
// "." and ".." filtered out.
func parseDirents(buf []byte) []string {
	const fixedHeader = 19 // d_ino(8) + d_off(8) + d_reclen(2) + d_type(1)
	var names []string
	i := 0
	for i+fixedHeader <= len(buf) {
		reclen := int(binary.LittleEndian.Uint16(buf[i+16 : i+18]))
		if reclen == 0 || i+reclen > len(buf) {
			break
		}
		raw := buf[i+fixedHeader : i+reclen]
		if nul := bytes.IndexByte(raw, 0); nul >= 0 {
			raw = raw[:nul]
		}
		name := string(raw)
		if name != "." && name != ".." {
			names = append(names, name)
		}
		i += reclen
	}
	return names
}

// Dir is the process-wide shared state of one open directory: a single
// whole-directory lock. Unlike regular files, directory content changes
// (mkdir/unlink/link/rename) conflict at the granularity of the whole
// directory rather than per-entry — the same coarse-grained choice the
// original implementation makes for namespace operations.
type Dir struct {
	lock *RWLock
}

// dirOp tags which directory-level operation an event recorded.
type dirOp uint16

const (
	dirOpMkdirat dirOp = iota
	dirOpUnlinkat
	dirOpLinkat
	dirOpRenameat
)

// dirUndoEntry carries enough state to reverse one namespace mutation.
type dirUndoEntry struct {
	name    string
	other   string
	mode    uint32
	savedFD int
	isDir   bool
}

// DirTx is a transaction's shadow of one open directory fd: entries
// created or removed through it during the body, logged so rollback
// can reverse them in the kernel.
type DirTx struct {
	tx       *Tx
	moduleID uint8

	id    FileID
	idx   int
	slot  *Ref[slotData[FileID, *Dir]]
	d     *Dir
	dirfd int

	undos []dirUndoEntry
}

func (tx *Tx) dirTxFor(id FileID, dirfd int) (*DirTx, error) {
	if existing, ok := tx.filetxs[id]; ok {
		return existing.(*DirTx), nil
	}
	idx, slot, err := tx.Engine().dirTab.Ref(id, nil)
	if err != nil {
		return nil, err
	}
	var d *Dir
	WithValue(slot, func(_ FileID, v **Dir) { d = *v })

	shadow := &DirTx{tx: tx, id: id, idx: idx, slot: slot, d: d, dirfd: dirfd}
	shadow.moduleID = tx.modules.Register(newDirTxOps(shadow), shadow)
	tx.filetxs[id] = shadow
	return shadow, nil
}

func (d *DirTx) FileID() FileID { return d.id }

// ReadDir lists entry names via getdents64, under a read lock on the
// whole directory.
func (d *DirTx) ReadDir() ([]string, error) {
	if err := d.d.lock.TryRLock(d.tx.Owner()); err != nil {
		return nil, err
	}
	buf := make([]byte, 64*1024)
	var names []string
	for {
		n, err := unix.Getdents(d.dirfd, buf)
		if err != nil {
			return nil, recoverableFromErr(err)
		}
		if n == 0 {
			break
		}
		names = append(names, parseDirents(buf[:n])...)
	}
	return names, nil
}

// Mkdirat creates a subdirectory, logging its removal for undo.
func (d *DirTx) Mkdirat(name string, mode uint32) error {
	if err := d.d.lock.TryLock(d.tx.Owner()); err != nil {
		return err
	}
	if err := unix.Mkdirat(d.dirfd, name, mode); err != nil {
		return recoverableFromErr(err)
	}
	d.undos = append(d.undos, dirUndoEntry{name: name, isDir: true})
	d.tx.log.Append(d.moduleID, uint16(dirOpMkdirat), uintptr(len(d.undos)-1))
	return nil
}

// Unlinkat removes a directory entry. For regular files it keeps the
// inode alive across the unlink by holding an open fd on it, so undo
// can resurrect the entry via linkat(2) on /proc/self/fd — the same
// technique used to implement Linux's O_TMPFILE linking. Directory
// removal cannot be resurrected this way (rmdir requires the directory
// be empty, and relinking a directory inode is not permitted), so that
// case forces the transaction irrevocable instead.
func (d *DirTx) Unlinkat(name string, isDir bool) error {
	if err := d.d.lock.TryLock(d.tx.Owner()); err != nil {
		return err
	}

	if isDir {
		d.tx.RequestIrrevocable()
		if err := unix.Unlinkat(d.dirfd, name, unix.AT_REMOVEDIR); err != nil {
			return recoverableFromErr(err)
		}
		d.undos = append(d.undos, dirUndoEntry{name: name, isDir: true, savedFD: -1})
		d.tx.log.Append(d.moduleID, uint16(dirOpUnlinkat), uintptr(len(d.undos)-1))
		return nil
	}

	fd, err := unix.Openat(d.dirfd, name, unix.O_PATH|unix.O_NOFOLLOW, 0)
	if err != nil {
		return recoverableFromErr(err)
	}
	if err := unix.Unlinkat(d.dirfd, name, 0); err != nil {
		unix.Close(fd)
		return recoverableFromErr(err)
	}
	d.undos = append(d.undos, dirUndoEntry{name: name, savedFD: fd})
	d.tx.log.Append(d.moduleID, uint16(dirOpUnlinkat), uintptr(len(d.undos)-1))
	return nil
}

// Linkat creates a hard link to name within this directory, logging its
// removal for undo.
func (d *DirTx) Linkat(existingName, newName string) error {
	if err := d.d.lock.TryLock(d.tx.Owner()); err != nil {
		return err
	}
	if err := unix.Linkat(d.dirfd, existingName, d.dirfd, newName, 0); err != nil {
		return recoverableFromErr(err)
	}
	d.undos = append(d.undos, dirUndoEntry{name: newName})
	d.tx.log.Append(d.moduleID, uint16(dirOpLinkat), uintptr(len(d.undos)-1))
	return nil
}

// Renameat renames oldName to newName within this directory. If
// newName already existed, that entry is lost permanently on commit —
// rollback can only rename back to oldName, not resurrect what
// newName used to point at.
func (d *DirTx) Renameat(oldName, newName string) error {
	if err := d.d.lock.TryLock(d.tx.Owner()); err != nil {
		return err
	}
	if err := unix.Renameat(d.dirfd, oldName, d.dirfd, newName); err != nil {
		return recoverableFromErr(err)
	}
	d.undos = append(d.undos, dirUndoEntry{name: oldName, other: newName})
	d.tx.log.Append(d.moduleID, uint16(dirOpRenameat), uintptr(len(d.undos)-1))
	return nil
}

func newDirTxOps(shadow *DirTx) ModuleOps {
	return ModuleOps{
		ApplyEvent: func(tx *Tx, ev Event) error {
			if dirOp(ev.Head) == dirOpUnlinkat {
				entry := shadow.undos[ev.Tail]
				if entry.savedFD >= 0 {
					unix.Close(entry.savedFD)
				}
			}
			return nil
		},
		UndoEvent: func(tx *Tx, ev Event) error {
			entry := shadow.undos[ev.Tail]
			switch dirOp(ev.Head) {
			case dirOpMkdirat:
				return recoverableFromErr(unix.Unlinkat(shadow.dirfd, entry.name, unix.AT_REMOVEDIR))
			case dirOpUnlinkat:
				if entry.savedFD < 0 {
					return nil // directory removal: not reversible, already irrevocable
				}
				defer unix.Close(entry.savedFD)
				src := fmt.Sprintf("/proc/self/fd/%d", entry.savedFD)
				return recoverableFromErr(unix.Linkat(unix.AT_FDCWD, src, shadow.dirfd, entry.name, unix.AT_SYMLINK_FOLLOW))
			case dirOpLinkat:
				return recoverableFromErr(unix.Unlinkat(shadow.dirfd, entry.name, 0))
			case dirOpRenameat:
				return recoverableFromErr(unix.Renameat(shadow.dirfd, entry.other, shadow.dirfd, entry.name))
			}
			return nil
		},
		Finish: func(tx *Tx) error {
			tx.Engine().dirTab.Unref(shadow.idx, nil)
			return nil
		},
	}
}
