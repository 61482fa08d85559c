package txposix

import "syscall"

// ErrnoTx is a transaction's private shadow of the POSIX errno value a
// transactional wrapper sets after a failing syscall, grounded in the
// original implementation's error/module.c. It needs no lock and no
// commit-time apply step: errno is purely a diagnostic side channel
// local to this transaction, never shared kernel state.
type ErrnoTx struct {
	tx    *Tx
	value syscall.Errno
}

func (tx *Tx) errnoTxFor() *ErrnoTx {
	if tx.errnoTx == nil {
		tx.errnoTx = &ErrnoTx{tx: tx}
	}
	return tx.errnoTx
}

// Errno returns the last errno a transactional wrapper recorded for
// this transaction attempt, or 0 if none has failed yet.
func (tx *Tx) Errno() syscall.Errno {
	return tx.errnoTxFor().value
}

// setErrno records errno for the current attempt. Transactional
// wrappers call this instead of consulting the real thread-local errno,
// which syscall.Errno already insulates Go callers from.
func (tx *Tx) setErrno(errno syscall.Errno) {
	tx.errnoTxFor().value = errno
}
