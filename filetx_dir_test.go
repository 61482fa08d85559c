package txposix

import (
	"errors"
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func openDirTx(t *testing.T, tx *Tx, dir string) *DirTx {
	t.Helper()
	dirfd, err := unix.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		t.Fatalf("open dir: %v", err)
	}
	id, err := fileIDFor(dirfd)
	if err != nil {
		t.Fatalf("file id: %v", err)
	}
	dtx, err := tx.dirTxFor(id, dirfd)
	if err != nil {
		t.Fatalf("dirTxFor: %v", err)
	}
	t.Cleanup(func() { unix.Close(dirfd) })
	return dtx
}

func TestDirTx_MkdiratRollbackRemovesTheDirectory(t *testing.T) {
	e := newTestEngine(t)
	h, err := e.NewHandle()
	if err != nil {
		t.Fatalf("new handle: %v", err)
	}
	defer h.Close()

	dir := t.TempDir()
	sentinel := errors.New("abort")
	err = h.Run(func(tx *Tx) error {
		dtx := openDirTx(t, tx, dir)
		if err := dtx.Mkdirat("sub", 0o755); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if _, statErr := os.Stat(dir + "/sub"); !os.IsNotExist(statErr) {
		t.Fatalf("expected mkdir to be rolled back")
	}
}

func TestDirTx_MkdiratCommits(t *testing.T) {
	e := newTestEngine(t)
	h, err := e.NewHandle()
	if err != nil {
		t.Fatalf("new handle: %v", err)
	}
	defer h.Close()

	dir := t.TempDir()
	err = h.Run(func(tx *Tx) error {
		dtx := openDirTx(t, tx, dir)
		return dtx.Mkdirat("sub", 0o755)
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	info, statErr := os.Stat(dir + "/sub")
	if statErr != nil || !info.IsDir() {
		t.Fatalf("expected sub to exist as a directory, err: %v", statErr)
	}
}

func TestDirTx_UnlinkatRegularFileRollbackResurrectsContent(t *testing.T) {
	e := newTestEngine(t)
	h, err := e.NewHandle()
	if err != nil {
		t.Fatalf("new handle: %v", err)
	}
	defer h.Close()

	dir := t.TempDir()
	path := dir + "/file.txt"
	if err := os.WriteFile(path, []byte("keep me"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	sentinel := errors.New("abort")
	err = h.Run(func(tx *Tx) error {
		dtx := openDirTx(t, tx, dir)
		if err := dtx.Unlinkat("file.txt", false); err != nil {
			return err
		}
		if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
			t.Fatalf("expected the entry to be gone mid-transaction")
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected the file to be resurrected after rollback: %v", err)
	}
	if string(got) != "keep me" {
		t.Fatalf("expected resurrected content %q, got %q", "keep me", got)
	}
}

func TestDirTx_LinkatRollbackRemovesTheLink(t *testing.T) {
	e := newTestEngine(t)
	h, err := e.NewHandle()
	if err != nil {
		t.Fatalf("new handle: %v", err)
	}
	defer h.Close()

	dir := t.TempDir()
	path := dir + "/orig.txt"
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	sentinel := errors.New("abort")
	err = h.Run(func(tx *Tx) error {
		dtx := openDirTx(t, tx, dir)
		if err := dtx.Linkat("orig.txt", "linked.txt"); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if _, statErr := os.Stat(dir + "/linked.txt"); !os.IsNotExist(statErr) {
		t.Fatalf("expected the new link to be removed on rollback")
	}
}

func TestDirTx_RenameatRollbackRenamesBack(t *testing.T) {
	e := newTestEngine(t)
	h, err := e.NewHandle()
	if err != nil {
		t.Fatalf("new handle: %v", err)
	}
	defer h.Close()

	dir := t.TempDir()
	path := dir + "/old.txt"
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	sentinel := errors.New("abort")
	err = h.Run(func(tx *Tx) error {
		dtx := openDirTx(t, tx, dir)
		if err := dtx.Renameat("old.txt", "new.txt"); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if _, statErr := os.Stat(dir + "/old.txt"); statErr != nil {
		t.Fatalf("expected old.txt to exist again after rollback: %v", statErr)
	}
	if _, statErr := os.Stat(dir + "/new.txt"); !os.IsNotExist(statErr) {
		t.Fatalf("expected new.txt to be gone after rollback")
	}
}
