package txposix

import (
	"sync"

	"golang.org/x/sys/unix"
)

// CwdShared is the process-wide current-working-directory state: one
// shared RW-lock, since every thread in the process shares a single
// cwd (spec §3, grounded in the original implementation's cwd_tx.c).
type CwdShared struct {
	lock *RWLock
	mu   sync.Mutex
	path string
}

func newCwdShared() *CwdShared {
	shared := &CwdShared{lock: NewRWLock(LockID{Table: "cwd"})}
	if wd, err := unix.Getwd(); err == nil {
		shared.path = wd
	}
	return shared
}

// cwdOp tags which cwd-level operation an event recorded.
type cwdOp uint16

const cwdOpChdir cwdOp = 0

// CwdTx is a transaction's shadow of the process's current directory:
// a local, tentative path, applied to the kernel and to CwdShared only
// at commit.
type CwdTx struct {
	tx       *Tx
	moduleID uint8

	shared *CwdShared

	localPath string
	touched   bool
	oldPath   string
}

// cwdTxFor returns (creating if necessary) this transaction's cwd
// shadow.
func (tx *Tx) cwdTxFor() *CwdTx {
	if tx.cwdTx != nil {
		return tx.cwdTx
	}
	shared := tx.Engine().cwd
	shared.mu.Lock()
	path := shared.path
	shared.mu.Unlock()

	shadow := &CwdTx{tx: tx, shared: shared, localPath: path}
	shadow.moduleID = tx.modules.Register(newCwdTxOps(shadow), shadow)
	tx.cwdTx = shadow
	return shadow
}

// Getcwd returns the transaction-local view of the current directory.
func (c *CwdTx) Getcwd() string { return c.localPath }

// Chdir updates the transaction-local current directory. The real
// chdir(2) (which is process-wide, not per-thread, on every platform Go
// supports) happens only at commit, guarded by a write lock so no two
// committing transactions race each other's chdir.
func (c *CwdTx) Chdir(path string) {
	if !c.touched {
		c.oldPath = c.localPath
		c.touched = true
	}
	c.localPath = path
	c.tx.log.Append(c.moduleID, uint16(cwdOpChdir), 0)
}

func newCwdTxOps(shadow *CwdTx) ModuleOps {
	return ModuleOps{
		Lock: func(tx *Tx) error {
			if !shadow.touched {
				return shadow.shared.lock.TryRLock(tx.Owner())
			}
			return shadow.shared.lock.TryLock(tx.Owner())
		},
		Unlock: func(tx *Tx) {
			shadow.shared.lock.Unlock(tx.Owner())
		},
		ApplyEvent: func(tx *Tx, ev Event) error {
			if !shadow.touched {
				return nil
			}
			if err := unix.Chdir(shadow.localPath); err != nil {
				return recoverableFromErr(err)
			}
			shadow.shared.mu.Lock()
			shadow.shared.path = shadow.localPath
			shadow.shared.mu.Unlock()
			return nil
		},
		UndoEvent: func(tx *Tx, ev Event) error {
			return nil // tx-local field only; the kernel was never touched
		},
	}
}
