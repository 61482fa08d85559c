package txposix

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestChrdevTx_ReadFromDevZeroDoesNotForceIrrevocable(t *testing.T) {
	e := newTestEngine(t)
	h, err := e.NewHandle()
	if err != nil {
		t.Fatalf("new handle: %v", err)
	}
	defer h.Close()

	err = h.Run(func(tx *Tx) error {
		fd, err := Open(tx, unix.AT_FDCWD, "/dev/zero", unix.O_RDONLY, 0)
		if err != nil {
			return err
		}
		buf := make([]byte, 8)
		n, err := Read(tx, fd, buf)
		if err != nil {
			return err
		}
		if n != len(buf) {
			t.Fatalf("expected to read %d bytes from /dev/zero, got %d", len(buf), n)
		}
		for _, b := range buf {
			if b != 0 {
				t.Fatalf("expected /dev/zero to read all zero bytes, got %v", buf)
			}
		}
		if tx.IsIrrevocable() {
			t.Fatalf("expected chrdev I/O to stay revocable under CCNoUndo")
		}
		return Close(tx, fd)
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestChrdevTx_WriteToDevNull(t *testing.T) {
	e := newTestEngine(t)
	h, err := e.NewHandle()
	if err != nil {
		t.Fatalf("new handle: %v", err)
	}
	defer h.Close()

	err = h.Run(func(tx *Tx) error {
		fd, err := Open(tx, unix.AT_FDCWD, "/dev/null", unix.O_WRONLY, 0)
		if err != nil {
			return err
		}
		n, err := Write(tx, fd, []byte("discarded"))
		if err != nil {
			return err
		}
		if n != len("discarded") {
			t.Fatalf("expected to write all bytes to /dev/null, got %d", n)
		}
		return Close(tx, fd)
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
}
