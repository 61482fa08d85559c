package txposix

import "golang.org/x/sys/unix"

// Chrdev is the process-wide shared state of one open character device:
// a single whole-object lock.
type Chrdev struct {
	lock *RWLock
}

// ChrdevTx is a transaction's shadow of one open character device.
// Unlike a FIFO, most character devices in practice (/dev/null,
// /dev/zero, /dev/urandom, a non-canonical terminal) are side-effect
// free enough that forcing every access irrevocable would be overly
// conservative, so this repo treats chrdev I/O as CCNoUndo: eager,
// uncancellable, and never logged. A caller whose device genuinely
// needs rollback semantics should not rely on this module.
type ChrdevTx struct {
	tx       *Tx
	moduleID uint8

	id   FileID
	idx  int
	slot *Ref[slotData[FileID, *Chrdev]]
	c    *Chrdev
}

func (tx *Tx) chrdevTxFor(id FileID) (*ChrdevTx, error) {
	if existing, ok := tx.filetxs[id]; ok {
		return existing.(*ChrdevTx), nil
	}
	idx, slot, err := tx.Engine().chrdevTab.Ref(id, nil)
	if err != nil {
		return nil, err
	}
	var c *Chrdev
	WithValue(slot, func(_ FileID, v **Chrdev) { c = *v })

	shadow := &ChrdevTx{tx: tx, id: id, idx: idx, slot: slot, c: c}
	shadow.moduleID = tx.modules.Register(newChrdevTxOps(shadow), shadow)
	tx.filetxs[id] = shadow
	return shadow, nil
}

func (c *ChrdevTx) FileID() FileID { return c.id }

// Read reads from the device immediately, under a shared lock.
func (c *ChrdevTx) Read(fildes int, buf []byte) (int, error) {
	if err := c.c.lock.TryRLock(c.tx.Owner()); err != nil {
		return 0, err
	}
	n, err := unix.Read(fildes, buf)
	if err != nil {
		return 0, recoverableFromErr(err)
	}
	return n, nil
}

// Write writes to the device immediately, under an exclusive lock.
func (c *ChrdevTx) Write(fildes int, data []byte) (int, error) {
	if err := c.c.lock.TryLock(c.tx.Owner()); err != nil {
		return 0, err
	}
	n, err := unix.Write(fildes, data)
	if err != nil {
		return 0, recoverableFromErr(err)
	}
	return n, nil
}

func newChrdevTxOps(shadow *ChrdevTx) ModuleOps {
	return ModuleOps{
		Finish: func(tx *Tx) error {
			tx.Engine().chrdevTab.Unref(shadow.idx, nil)
			return nil
		},
	}
}
