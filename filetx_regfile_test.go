package txposix

import (
	"errors"
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func newEngineWithCC(t *testing.T, cc CCMode) *Engine {
	t.Helper()
	opts := DefaultEngineOptions()
	opts.DefaultCC = cc
	return NewEngine(opts)
}

func TestRegfileTx_CC2plWriteIsUndoneOnRollback(t *testing.T) {
	e := newEngineWithCC(t, CC2pl)
	h, err := e.NewHandle()
	if err != nil {
		t.Fatalf("new handle: %v", err)
	}
	defer h.Close()

	path := tempFile(t)
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	sentinel := errors.New("abort")
	err = h.Run(func(tx *Tx) error {
		fd, err := Open(tx, unix.AT_FDCWD, path, unix.O_RDWR, 0)
		if err != nil {
			return err
		}
		if _, err := Pwrite(tx, fd, []byte("XXXXX"), 0); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != "0123456789" {
		t.Fatalf("expected CC2pl to undo the eager write on rollback, got %q", got)
	}
}

func TestRegfileTx_CCTsWriteIsBufferedUntilCommit(t *testing.T) {
	e := newEngineWithCC(t, CCTs)
	h, err := e.NewHandle()
	if err != nil {
		t.Fatalf("new handle: %v", err)
	}
	defer h.Close()

	path := tempFile(t)
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	err = h.Run(func(tx *Tx) error {
		fd, err := Open(tx, unix.AT_FDCWD, path, unix.O_RDWR, 0)
		if err != nil {
			return err
		}
		if _, err := Pwrite(tx, fd, []byte("YYYYY"), 0); err != nil {
			return err
		}
		mid, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if string(mid) != "0123456789" {
			t.Fatalf("expected CCTs to buffer the write until commit, kernel already shows %q", mid)
		}
		return Close(tx, fd)
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != "YYYYY56789" {
		t.Fatalf("expected the buffered write to land at commit, got %q", got)
	}
}

func TestRegfileTx_CC2plExtendingWriteShrinksBackOnRollback(t *testing.T) {
	e := newEngineWithCC(t, CC2pl)
	h, err := e.NewHandle()
	if err != nil {
		t.Fatalf("new handle: %v", err)
	}
	defer h.Close()

	path := tempFile(t)
	if err := os.WriteFile(path, []byte("0123"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	sentinel := errors.New("abort")
	err = h.Run(func(tx *Tx) error {
		fd, err := Open(tx, unix.AT_FDCWD, path, unix.O_RDWR, 0)
		if err != nil {
			return err
		}
		if _, err := Pwrite(tx, fd, []byte("ABCDEFGH"), 2); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != "0123" {
		t.Fatalf("expected the extending write to be fully undone, size and all, got %q", got)
	}
}

func TestRegfileTx_TruncateRestoresTailOnRollback(t *testing.T) {
	e := newEngineWithCC(t, CC2pl)
	h, err := e.NewHandle()
	if err != nil {
		t.Fatalf("new handle: %v", err)
	}
	defer h.Close()

	path := tempFile(t)
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	sentinel := errors.New("abort")
	err = h.Run(func(tx *Tx) error {
		fd, err := Open(tx, unix.AT_FDCWD, path, unix.O_RDWR, 0)
		if err != nil {
			return err
		}
		if err := Ftruncate(tx, fd, 4); err != nil {
			return err
		}
		mid, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if string(mid) != "0123" {
			t.Fatalf("expected the CC2pl truncate to be applied eagerly, got %q", mid)
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != "0123456789" {
		t.Fatalf("expected rollback to restore the truncated-away tail, got %q", got)
	}
}

// TestRegfileTx_AppendWritesLandAtEOF is the sequential skeleton of
// spec §8 scenario 2: two committed transactions each open the same
// file with O_APPEND and write the 13-byte greeting; the file must end
// up holding both, back to back.
func TestRegfileTx_AppendWritesLandAtEOF(t *testing.T) {
	e := newEngineWithCC(t, CC2pl)
	h, err := e.NewHandle()
	if err != nil {
		t.Fatalf("new handle: %v", err)
	}
	defer h.Close()

	path := tempFile(t)

	for i := 0; i < 2; i++ {
		err = h.Run(func(tx *Tx) error {
			fd, err := Open(tx, unix.AT_FDCWD, path, unix.O_WRONLY|unix.O_APPEND, 0)
			if err != nil {
				return err
			}
			if _, err := Write(tx, fd, []byte("Hello world!\n")); err != nil {
				return err
			}
			return Close(tx, fd)
		})
		if err != nil {
			t.Fatalf("append run %d: %v", i, err)
		}
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != "Hello world!\nHello world!\n" {
		t.Fatalf("expected both appends back to back, got %q", got)
	}
}

func TestRegfileTx_CCTsConflictOnVersionMismatch(t *testing.T) {
	e := newEngineWithCC(t, CCTs)
	h, err := e.NewHandle()
	if err != nil {
		t.Fatalf("new handle: %v", err)
	}
	defer h.Close()

	path := tempFile(t)
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var id FileID
	err = h.Run(func(tx *Tx) error {
		fd, err := Open(tx, unix.AT_FDCWD, path, unix.O_RDWR, 0)
		if err != nil {
			return err
		}
		id, err = fileIDFor(fd)
		if err != nil {
			return err
		}
		return Close(tx, fd)
	})
	if err != nil {
		t.Fatalf("setup run: %v", err)
	}

	idx, slot, err := e.regfileTab.Ref(id, nil)
	if err != nil {
		t.Fatalf("ref regfile: %v", err)
	}
	var rf *Regfile
	WithValue(slot, func(_ FileID, v **Regfile) { rf = *v })
	e.regfileTab.Unref(idx, nil)

	attempts := 0
	err = h.Run(func(tx *Tx) error {
		attempts++
		fd, err := Open(tx, unix.AT_FDCWD, path, unix.O_RDWR, 0)
		if err != nil {
			return err
		}
		buf := make([]byte, 4)
		if _, err := Pread(tx, fd, buf, 0); err != nil {
			return err
		}
		if attempts == 1 {
			rf.bumpVersion(0)
		}
		return Close(tx, fd)
	})
	if err != nil {
		t.Fatalf("expected the conflicting read to restart transparently, got %v", err)
	}
	if attempts < 2 {
		t.Fatalf("expected at least one restart due to version mismatch, got %d attempts", attempts)
	}
}

// TestRegfileTx_CCTsReadYourWrites is spec.md §8 scenario 6, literally:
// write("abc") at offset 0, then read 3 bytes at offset 0 in the same
// CCTs transaction must observe "abc" even though the kernel file still
// holds the old bytes until commit.
func TestRegfileTx_CCTsReadYourWrites(t *testing.T) {
	e := newEngineWithCC(t, CCTs)
	h, err := e.NewHandle()
	if err != nil {
		t.Fatalf("new handle: %v", err)
	}
	defer h.Close()

	path := tempFile(t)
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	err = h.Run(func(tx *Tx) error {
		fd, err := Open(tx, unix.AT_FDCWD, path, unix.O_RDWR, 0)
		if err != nil {
			return err
		}
		if _, err := Pwrite(tx, fd, []byte("abc"), 0); err != nil {
			return err
		}
		buf := make([]byte, 3)
		n, err := Pread(tx, fd, buf, 0)
		if err != nil {
			return err
		}
		if string(buf[:n]) != "abc" {
			t.Fatalf("expected read-your-writes to observe %q, got %q", "abc", buf[:n])
		}
		onDisk, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if string(onDisk) != "0123456789" {
			t.Fatalf("expected the kernel file to be untouched before commit, got %q", onDisk)
		}
		return Close(tx, fd)
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != "abc3456789" {
		t.Fatalf("expected the buffered write to land at commit, got %q", got)
	}
}

// TestRegfileTx_CCTsReadYourWritesPastEOF checks the write-log overlay
// also grows the apparent read length when the buffered write extends
// past what the kernel read returned.
func TestRegfileTx_CCTsReadYourWritesPastEOF(t *testing.T) {
	e := newEngineWithCC(t, CCTs)
	h, err := e.NewHandle()
	if err != nil {
		t.Fatalf("new handle: %v", err)
	}
	defer h.Close()

	path := tempFile(t)
	if err := os.WriteFile(path, []byte("0123"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	err = h.Run(func(tx *Tx) error {
		fd, err := Open(tx, unix.AT_FDCWD, path, unix.O_RDWR, 0)
		if err != nil {
			return err
		}
		if _, err := Pwrite(tx, fd, []byte("XYZ"), 2); err != nil {
			return err
		}
		buf := make([]byte, 5)
		n, err := Pread(tx, fd, buf, 0)
		if err != nil {
			return err
		}
		if string(buf[:n]) != "01XYZ" {
			t.Fatalf("expected the pending write to extend the read past on-disk EOF, got %q", buf[:n])
		}
		return Close(tx, fd)
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRegfileTx_FstatMergedReflectsPendingCCTsWrite(t *testing.T) {
	e := newEngineWithCC(t, CCTs)
	h, err := e.NewHandle()
	if err != nil {
		t.Fatalf("new handle: %v", err)
	}
	defer h.Close()

	path := tempFile(t)
	if err := os.WriteFile(path, make([]byte, 4), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	err = h.Run(func(tx *Tx) error {
		fd, err := Open(tx, unix.AT_FDCWD, path, unix.O_RDWR, 0)
		if err != nil {
			return err
		}
		if _, err := Pwrite(tx, fd, []byte("abcdefgh"), 10); err != nil {
			return err
		}
		st, err := Fstat(tx, fd)
		if err != nil {
			return err
		}
		if st.Size != 18 {
			t.Fatalf("expected FstatMerged to report size 18 for a pending write past EOF, got %d", st.Size)
		}
		return Close(tx, fd)
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
}
