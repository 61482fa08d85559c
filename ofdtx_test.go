package txposix

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestOfdTx_SeekIsLocalUntilCommit(t *testing.T) {
	e := newTestEngine(t)
	h, err := e.NewHandle()
	if err != nil {
		t.Fatalf("new handle: %v", err)
	}
	defer h.Close()

	path := tempFile(t)

	err = h.Run(func(tx *Tx) error {
		fd, err := Open(tx, unix.AT_FDCWD, path, unix.O_RDWR, 0)
		if err != nil {
			return err
		}
		if _, err := Lseek(tx, fd, 42, unix.SEEK_SET); err != nil {
			return err
		}
		ofdtx := tx.ofdtxs[tx.fdtxs[fd].ofdIndex]
		if ofdtx.ofd.offset != 0 {
			t.Fatalf("expected the shared OFD offset to stay 0 until commit, got %d", ofdtx.ofd.offset)
		}
		if ofdtx.Offset() != 42 {
			t.Fatalf("expected the local offset to be 42, got %d", ofdtx.Offset())
		}
		return Close(tx, fd)
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestOfdTx_SeekCommitsToSharedOfd(t *testing.T) {
	e := newTestEngine(t)
	h, err := e.NewHandle()
	if err != nil {
		t.Fatalf("new handle: %v", err)
	}
	defer h.Close()

	path := tempFile(t)

	var idx int
	err = h.Run(func(tx *Tx) error {
		fd, err := Open(tx, unix.AT_FDCWD, path, unix.O_RDWR, 0)
		if err != nil {
			return err
		}
		idx = tx.fdtxs[fd].ofdIndex
		if _, err := Lseek(tx, fd, 7, unix.SEEK_SET); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var committed int64
	WithValue(e.ofdTab.RefIdx(idx), func(_ OfdID, v **Ofd) { committed = (*v).offset })
	e.ofdTab.Unref(idx, nil)
	if committed != 7 {
		t.Fatalf("expected the shared OFD offset to become 7 after commit, got %d", committed)
	}
}

func TestOfdTx_SetStatusFlagsLogsPreviousValue(t *testing.T) {
	e := newTestEngine(t)
	h, err := e.NewHandle()
	if err != nil {
		t.Fatalf("new handle: %v", err)
	}
	defer h.Close()

	path := tempFile(t)

	err = h.Run(func(tx *Tx) error {
		fd, err := Open(tx, unix.AT_FDCWD, path, unix.O_RDWR, 0)
		if err != nil {
			return err
		}
		ofdtx := tx.ofdtxs[tx.fdtxs[fd].ofdIndex]
		ofdtx.SetStatusFlags(unix.O_APPEND)
		if len(ofdtx.oldFlags) != 1 || ofdtx.oldFlags[0] != 0 {
			t.Fatalf("expected the prior flags value (0) to be logged, got %v", ofdtx.oldFlags)
		}
		return Close(tx, fd)
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestOfdTx_LockUpgradesToWriteAfterSeek(t *testing.T) {
	e := newTestEngine(t)
	h, err := e.NewHandle()
	if err != nil {
		t.Fatalf("new handle: %v", err)
	}
	defer h.Close()

	path := tempFile(t)

	err = h.Run(func(tx *Tx) error {
		fd, err := Open(tx, unix.AT_FDCWD, path, unix.O_RDWR, 0)
		if err != nil {
			return err
		}
		ofdtx := tx.ofdtxs[tx.fdtxs[fd].ofdIndex]
		if ofdtx.lockedWrite {
			t.Fatalf("expected a freshly touched OFD to not yet require a write lock")
		}
		if _, err := Lseek(tx, fd, 1, unix.SEEK_SET); err != nil {
			return err
		}
		if !ofdtx.lockedWrite {
			t.Fatalf("expected Seek to require a write lock for the rest of the attempt")
		}
		return Close(tx, fd)
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
}
