package txposix

import "golang.org/x/sys/unix"

// Fifo is the process-wide shared state of one open named pipe: a
// single whole-object lock. A FIFO has no byte-range addressing the way
// a regular file does, so there is nothing finer to lock.
type Fifo struct {
	lock *RWLock
}

// FifoTx is a transaction's shadow of one open FIFO. Reading from or
// writing to a pipe consumes or produces bytes no other reader/writer
// will ever see again, so neither operation can be undone: both force
// the transaction irrevocable before touching the kernel, the same
// fallback the original implementation uses for pipe I/O.
type FifoTx struct {
	tx       *Tx
	moduleID uint8

	id   FileID
	idx  int
	slot *Ref[slotData[FileID, *Fifo]]
	f    *Fifo
}

func (tx *Tx) fifoTxFor(id FileID) (*FifoTx, error) {
	if existing, ok := tx.filetxs[id]; ok {
		return existing.(*FifoTx), nil
	}
	idx, slot, err := tx.Engine().fifoTab.Ref(id, nil)
	if err != nil {
		return nil, err
	}
	var f *Fifo
	WithValue(slot, func(_ FileID, v **Fifo) { f = *v })

	shadow := &FifoTx{tx: tx, id: id, idx: idx, slot: slot, f: f}
	shadow.moduleID = tx.modules.Register(newFifoTxOps(shadow), shadow)
	tx.filetxs[id] = shadow
	return shadow, nil
}

func (f *FifoTx) FileID() FileID { return f.id }

// Read consumes from the pipe, forcing irrevocable execution first.
func (f *FifoTx) Read(fildes int, buf []byte) (int, error) {
	f.tx.RequestIrrevocable()
	if err := f.f.lock.TryLock(f.tx.Owner()); err != nil {
		return 0, err
	}
	n, err := unix.Read(fildes, buf)
	if err != nil {
		return 0, recoverableFromErr(err)
	}
	return n, nil
}

// Write produces to the pipe, forcing irrevocable execution first.
func (f *FifoTx) Write(fildes int, data []byte) (int, error) {
	f.tx.RequestIrrevocable()
	if err := f.f.lock.TryLock(f.tx.Owner()); err != nil {
		return 0, err
	}
	n, err := unix.Write(fildes, data)
	if err != nil {
		return 0, recoverableFromErr(err)
	}
	return n, nil
}

func newFifoTxOps(shadow *FifoTx) ModuleOps {
	return ModuleOps{
		Finish: func(tx *Tx) error {
			tx.Engine().fifoTab.Unref(shadow.idx, nil)
			return nil
		},
	}
}
