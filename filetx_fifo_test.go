package txposix

import "testing"

func TestFifoTx_ReadWriteForcesIrrevocable(t *testing.T) {
	e := newTestEngine(t)
	h, err := e.NewHandle()
	if err != nil {
		t.Fatalf("new handle: %v", err)
	}
	defer h.Close()

	var modes []Mode
	err = h.Run(func(tx *Tx) error {
		modes = append(modes, tx.Mode())
		r, w, err := Pipe(tx)
		if err != nil {
			return err
		}
		if _, err := Write(tx, w, []byte("ping")); err != nil {
			return err
		}
		buf := make([]byte, 4)
		if _, err := Read(tx, r, buf); err != nil {
			return err
		}
		if string(buf) != "ping" {
			t.Fatalf("expected to read back %q, got %q", "ping", buf)
		}
		if !tx.IsIrrevocable() {
			t.Fatalf("expected a FIFO read/write to force the transaction irrevocable")
		}
		Close(tx, w)
		return Close(tx, r)
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(modes) != 2 || modes[0] != ModeStart || modes[1] != ModeIrrevocable {
		t.Fatalf("unexpected mode sequence restarting into irrevocable: %v", modes)
	}
}

func TestFifoTx_SharesShadowAcrossSameFileID(t *testing.T) {
	e := newTestEngine(t)
	h, err := e.NewHandle()
	if err != nil {
		t.Fatalf("new handle: %v", err)
	}
	defer h.Close()

	err = h.Run(func(tx *Tx) error {
		r, w, err := Pipe(tx)
		if err != nil {
			return err
		}
		idR, err := fileIDFor(r)
		if err != nil {
			return err
		}
		first, err := tx.fifoTxFor(idR)
		if err != nil {
			return err
		}
		second, err := tx.fifoTxFor(idR)
		if err != nil {
			return err
		}
		if first != second {
			t.Fatalf("expected the same FileID to reuse one FifoTx shadow within an attempt")
		}
		Close(tx, w)
		return Close(tx, r)
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
}
