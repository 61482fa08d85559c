package txposix

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind classifies a transaction-visible error (spec §7).
type Kind int

const (
	// KindConflicting means a lock could not be acquired; the driver
	// rolls back and restarts the transaction transparently.
	KindConflicting Kind = iota
	// KindRevocable means the operation can only complete in irrevocable
	// mode; the driver restarts the transaction as irrevocable.
	KindRevocable
	// KindRecoverable surfaces a kernel-equivalent errno (or allocation
	// failure, or invalid environment) to the user's recovery handler.
	KindRecoverable
	// KindIrrecoverable means apply or undo failed after some side
	// effects were already applied; the engine must abort the process.
	KindIrrecoverable
)

func (k Kind) String() string {
	switch k {
	case KindConflicting:
		return "conflicting"
	case KindRevocable:
		return "revocable"
	case KindRecoverable:
		return "recoverable"
	case KindIrrecoverable:
		return "irrecoverable"
	default:
		return "unknown"
	}
}

// LockID identifies the lock a Conflicting error was raised on, for
// diagnostics only — the driver never inspects it to decide retry
// behavior, it just restarts.
type LockID struct {
	Table string
	Slot  int
	Field int
}

// TxError is the error type every transactional wrapper and module
// hook returns. Exactly one of Errno, Lock is meaningful, selected by
// Kind; Detail is always allowed as free-form diagnostic text.
type TxError struct {
	Kind   Kind
	Errno  syscall.Errno
	Lock   LockID
	Detail string
}

func (e *TxError) Error() string {
	switch e.Kind {
	case KindConflicting:
		return fmt.Sprintf("conflicting: %s", e.Detail)
	case KindRevocable:
		return "revocable: operation requires irrevocable execution"
	case KindRecoverable:
		if e.Errno != 0 {
			return fmt.Sprintf("recoverable: %s", e.Errno)
		}
		return fmt.Sprintf("recoverable: %s", e.Detail)
	case KindIrrecoverable:
		return fmt.Sprintf("irrecoverable: %s", e.Detail)
	default:
		return "unknown transaction error"
	}
}

// Unwrap lets callers use errors.Is(err, someErrno).
func (e *TxError) Unwrap() error {
	if e.Errno != 0 {
		return e.Errno
	}
	return nil
}

// Conflicting builds a KindConflicting error for the named lock.
func Conflicting(lock LockID) *TxError {
	return &TxError{Kind: KindConflicting, Lock: lock, Detail: fmt.Sprintf("%s[%d].%d", lock.Table, lock.Slot, lock.Field)}
}

// Revocable builds a KindRevocable error.
func Revocable() *TxError {
	return &TxError{Kind: KindRevocable}
}

// Recoverable builds a KindRecoverable error wrapping a kernel errno.
func Recoverable(errno syscall.Errno) *TxError {
	return &TxError{Kind: KindRecoverable, Errno: errno}
}

// RecoverableDetail builds a KindRecoverable error without an errno,
// e.g. allocation failure or invalid environment.
func RecoverableDetail(detail string) *TxError {
	return &TxError{Kind: KindRecoverable, Detail: detail}
}

// Irrecoverable builds a KindIrrecoverable error.
func Irrecoverable(detail string) *TxError {
	return &TxError{Kind: KindIrrecoverable, Detail: detail}
}

// upgradeToIrrecoverable is applied by the driver to any error surfacing
// from apply/undo, per spec §7 propagation policy: once side effects may
// have been partially applied, any failure becomes fatal.
func upgradeToIrrecoverable(err error) *TxError {
	if err == nil {
		return nil
	}
	var txerr *TxError
	if errors.As(err, &txerr) {
		return &TxError{Kind: KindIrrecoverable, Errno: txerr.Errno, Detail: txerr.Error()}
	}
	return Irrecoverable(err.Error())
}

// mapError translates a Go stdlib/kernel error into the Errno leaf of a
// Recoverable TxError, the same way the teacher's mapError folds os/io
// sentinel errors into a syscall.Errno.
func mapError(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}

	switch {
	case errors.Is(err, syscall.ENOENT):
		return syscall.ENOENT
	case errors.Is(err, syscall.EEXIST):
		return syscall.EEXIST
	case errors.Is(err, syscall.EACCES):
		return syscall.EACCES
	case errors.Is(err, syscall.EBADF):
		return syscall.EBADF
	case errors.Is(err, syscall.EINVAL):
		return syscall.EINVAL
	}

	return syscall.EIO
}

// recoverableFromErr wraps a plain error as a Recoverable TxError with
// its mapped errno.
func recoverableFromErr(err error) *TxError {
	if err == nil {
		return nil
	}
	return Recoverable(mapError(err))
}
