package txposix

import (
	"errors"
	"sync/atomic"
	"syscall"
)

// Mode selects how a transaction (re-)enters its body, mirroring the
// modes spec.md §6 lists for the embedded begin…commit DSL.
type Mode int

const (
	ModeStart Mode = iota
	ModeRestart
	ModeRetry
	ModeIrrevocable
)

func (m Mode) String() string {
	switch m {
	case ModeStart:
		return "start"
	case ModeRestart:
		return "restart"
	case ModeRetry:
		return "retry"
	case ModeIrrevocable:
		return "irrevocable"
	default:
		return "unknown"
	}
}

// State is a transaction's position in the state machine of spec §4.5.
type State int

const (
	StateIdle State = iota
	StateActive
	StateCommitting
	StateRollingBack
	StateFinalising
)

// EngineOptions configures an Engine, following the teacher's
// options.go/DefaultMountOptions shape: a plain struct plus a
// Default... constructor rather than functional options, since the
// teacher never reaches for the latter.
type EngineOptions struct {
	// MaxRetries bounds how many attempts a Conflicting transaction
	// makes (the first run included) before the engine gives up and
	// returns the conflict to the caller as an error. 0 means unlimited.
	MaxRetries int

	// RecSize is the record size in bytes used by every regular file's
	// range-lock map (spec §4.6).
	RecSize int

	// DefaultCC is the concurrency-control mode a regular file, OFD, or
	// socket adopts the first time a revocable transaction touches it
	// (spec §4.5). An irrevocable transaction always uses CCNoUndo
	// regardless of this setting.
	DefaultCC CCMode
}

// DefaultEngineOptions returns the options this repo ships with.
func DefaultEngineOptions() EngineOptions {
	return EngineOptions{
		MaxRetries: 0,
		RecSize:    4096,
		DefaultCC:  CC2pl,
	}
}

// EngineStats is a point-in-time snapshot of engine activity, returned
// by Engine.Stats() the same way the teacher's FuseFS.Stats() works.
type EngineStats struct {
	Commits             uint64
	Restarts            uint64
	IrrevocableUpgrades uint64
	Conflicts           uint64
	Irrecoverable       uint64
	OpenFiles           int
}

// engineStats holds the atomic counters backing EngineStats.
type engineStats struct {
	commits             atomic.Uint64
	restarts            atomic.Uint64
	irrevocableUpgrades atomic.Uint64
	conflicts           atomic.Uint64
	irrecoverable       atomic.Uint64
}

// Engine is the process-wide transaction manager: it owns the lock
// manager, the fd/ofd/file tables, and the shared cwd state. One Engine
// should be constructed per process (spec §9: "a single, lazily
// initialised global"); this repo makes that explicit rather than
// hiding it behind a package-level singleton, so tests can run many
// isolated engines concurrently.
type Engine struct {
	opts    EngineOptions
	lockMgr *LockManager
	fdTab   *FDTable

	regfileTab *Table[FileID, *Regfile]
	dirTab     *Table[FileID, *Dir]
	fifoTab    *Table[FileID, *Fifo]
	chrdevTab  *Table[FileID, *Chrdev]
	socketTab  *Table[FileID, *Socket]
	ofdTab     *Table[OfdID, *Ofd]

	cwd   *CwdShared
	arena *Arena

	stats engineStats
}

// TableCapacity bounds each file-identity table (spec §4.4).
const TableCapacity = 1024

// NewEngine constructs an Engine with the given options, allocating
// every fixed-capacity table up front.
func NewEngine(opts EngineOptions) *Engine {
	e := &Engine{
		opts:    opts,
		lockMgr: NewLockManager(),
		fdTab:   NewFDTable(),
	}
	e.regfileTab = NewTable[FileID, *Regfile]("regfile", TableCapacity, func() *Regfile { return newRegfile(opts.RecSize) })
	e.dirTab = NewTable[FileID, *Dir]("dir", TableCapacity, func() *Dir { return &Dir{lock: NewRWLock(LockID{Table: "dir"})} })
	e.fifoTab = NewTable[FileID, *Fifo]("fifo", TableCapacity, func() *Fifo { return &Fifo{lock: NewRWLock(LockID{Table: "fifo"})} })
	e.chrdevTab = NewTable[FileID, *Chrdev]("chrdev", TableCapacity, func() *Chrdev { return &Chrdev{lock: NewRWLock(LockID{Table: "chrdev"})} })
	e.socketTab = NewTable[FileID, *Socket]("socket", TableCapacity, func() *Socket { return &Socket{lock: NewRWLock(LockID{Table: "socket"})} })
	e.ofdTab = NewTable[OfdID, *Ofd]("ofd", TableCapacity, newOfd)
	e.cwd = newCwdShared()
	e.arena = NewArena()
	return e
}

// ccModeFor picks the concurrency-control mode a newly-touched file
// should adopt: CCNoUndo once a transaction is running irrevocably,
// otherwise the engine's configured default (spec §4.5).
func ccModeFor(tx *Tx) CCMode {
	if tx.IsIrrevocable() {
		return CCNoUndo
	}
	return tx.Engine().opts.DefaultCC
}

// Stats returns a snapshot of engine-wide counters.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Commits:             e.stats.commits.Load(),
		Restarts:            e.stats.restarts.Load(),
		IrrevocableUpgrades: e.stats.irrevocableUpgrades.Load(),
		Conflicts:           e.stats.conflicts.Load(),
		Irrecoverable:       e.stats.irrecoverable.Load(),
		OpenFiles:           e.fdTab.Count(),
	}
}

// LockManagerSnapshot returns a diagnostic view of the engine's lock
// manager, for cmd/txshell to inspect a live run.
func (e *Engine) LockManagerSnapshot() LockManagerSnapshot {
	return e.lockMgr.Snapshot()
}

// Close tears the engine down. It never forcibly closes any fd the
// caller's process still has open through it — ownership of real kernel
// resources always stays with the caller — it only releases the
// engine's own bookkeeping.
func (e *Engine) Close() error {
	return nil
}

// TxHandle is the per-thread object that begin…commit blocks run
// through. Spec §3 describes the lock owner and the fd/ofd/file shadows
// as living "for the thread": Go gives a goroutine no stable identity
// tied to the OS thread it happens to run on, so this repo makes the
// handle explicit instead — one TxHandle per goroutine that will run
// transactions, created once and reused across many Run calls, the same
// way the lock owner itself is registered once and reused (spec §4.2).
type TxHandle struct {
	engine *Engine
	owner  *LockOwner
}

// NewHandle registers a new lock owner and returns a handle bound to
// it. Call Close when the goroutine is done running transactions.
func (e *Engine) NewHandle() (*TxHandle, error) {
	owner, err := e.lockMgr.Register()
	if err != nil {
		return nil, err
	}
	return &TxHandle{engine: e, owner: owner}, nil
}

// Close unregisters the handle's lock owner. The caller must not still
// be holding any lock through it.
func (h *TxHandle) Close() {
	h.engine.lockMgr.Unregister(h.owner)
}

// RecoveryDecision is returned by a recovery handler given to RunRecover.
type RecoveryDecision int

const (
	RecoveryAbort RecoveryDecision = iota
	RecoveryRetry
)

// Body is a transactional block. Returning nil commits; returning an
// error built by Conflicting/Revocable/Recoverable/Irrecoverable (or
// via Tx's own Restart/RequestIrrevocable helpers) drives the
// corresponding state transition.
type Body func(tx *Tx) error

// Run executes body inside a transaction, retrying transparently on
// Conflicting and Revocable outcomes, and returning a Recoverable error
// to the caller unchanged.
func (h *TxHandle) Run(body Body) error {
	return h.RunRecover(body, nil)
}

// RunRecover is Run with an explicit recovery handler invoked whenever
// the body (or commit) produces a Recoverable error, between rollback
// and the next restart (spec §6 on_error, §7).
func (h *TxHandle) RunRecover(body Body, onRecoverable func(*TxError) RecoveryDecision) error {
	e := h.engine
	mode := ModeStart
	attempts := 0

	for {
		tx := newTx(h, mode)

		// The revocable/irrevocable bracket spans the whole attempt —
		// body, commit, and finish — so an irrevocable transaction's
		// apply phase still runs with every other transaction quiesced
		// (spec §4.2); finishCommit/finishRollback leave the bracket.
		if tx.irrevocable {
			e.lockMgr.MakeIrrevocable(h.owner)
		} else {
			e.lockMgr.EnterRevocable()
		}

		bodyErr := runBody(tx, body)

		var txerr *TxError
		if bodyErr != nil && !errors.As(bodyErr, &txerr) {
			finishRollback(tx)
			return bodyErr
		}

		if bodyErr == nil {
			if commitErr := runCommit(tx); commitErr != nil {
				var cerr *TxError
				if !errors.As(commitErr, &cerr) {
					finishRollback(tx)
					return commitErr
				}
				txerr = cerr
				bodyErr = commitErr
			}
		}

		if bodyErr == nil {
			finishCommit(tx)
			e.stats.commits.Add(1)
			return nil
		}

		switch txerr.Kind {
		case KindConflicting:
			e.stats.conflicts.Add(1)
			finishRollback(tx)
			attempts++
			if e.opts.MaxRetries > 0 && attempts >= e.opts.MaxRetries {
				return txerr
			}
			e.stats.restarts.Add(1)
			mode = ModeRestart
			continue

		case KindRevocable:
			finishRollback(tx)
			e.stats.irrevocableUpgrades.Add(1)
			mode = ModeIrrevocable
			continue

		case KindRecoverable:
			finishRollback(tx)
			if onRecoverable == nil {
				return txerr
			}
			switch onRecoverable(txerr) {
			case RecoveryRetry:
				mode = ModeRetry
				continue
			default:
				return txerr
			}

		case KindIrrecoverable:
			e.stats.irrecoverable.Add(1)
			// apply or undo partially ran: spec §7 requires the process
			// to abort rather than risk silently inconsistent state.
			panic(txerr)

		default:
			finishRollback(tx)
			return txerr
		}
	}
}

// runBody executes the body closure, converting a panic raised by
// tx.Restart() / tx.RequestIrrevocable() into the matching error.
func runBody(tx *Tx, body Body) (err error) {
	tx.state = StateActive

	defer func() {
		if r := recover(); r != nil {
			if txerr, ok := r.(*TxError); ok {
				err = txerr
				return
			}
			panic(r)
		}
	}()

	err = body(tx)
	return err
}

// runCommit drives the Committing phase: lock, validate, apply (forward
// over the event log), update-cc (spec §4.5).
func runCommit(tx *Tx) error {
	tx.state = StateCommitting

	for i, m := range tx.modules.mods {
		if m.ops.Lock == nil {
			continue
		}
		if err := m.ops.Lock(tx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if tx.modules.mods[j].ops.Unlock != nil {
					tx.modules.mods[j].ops.Unlock(tx)
				}
			}
			return err
		}
	}

	if err := tx.modules.forEach(func(m registeredModule) error {
		if m.ops.Validate == nil {
			return nil
		}
		return m.ops.Validate(tx)
	}); err != nil {
		return err
	}

	if err := tx.log.Forward(func(ev Event) error {
		return tx.modules.applyEvent(tx, ev)
	}); err != nil {
		// Side effects from earlier events in this same forward sweep
		// may already be applied: spec §7 upgrades any apply failure to
		// Irrecoverable.
		return upgradeToIrrecoverable(err)
	}

	if err := tx.modules.forEach(func(m registeredModule) error {
		if m.ops.UpdateCC == nil {
			return nil
		}
		return m.ops.UpdateCC(tx)
	}); err != nil {
		return upgradeToIrrecoverable(err)
	}

	return nil
}

// finishCommit runs every module's Finish hook after a successful
// commit and releases the owner's locks.
func finishCommit(tx *Tx) {
	tx.state = StateFinalising
	_ = tx.modules.forEach(func(m registeredModule) error {
		if m.ops.Finish != nil {
			_ = m.ops.Finish(tx)
		}
		return nil
	})
	tx.handle.owner.ReleaseAll()
	tx.leaveConcurrency()
	tx.state = StateIdle
}

// finishRollback drives RollingBack → Finalising: undo every event in
// reverse order, run clear-cc and finish, then release locks. Undo
// failing is always fatal (spec §7): there is no safe way to continue.
func finishRollback(tx *Tx) {
	tx.state = StateRollingBack

	if err := tx.log.Backward(func(ev Event) error {
		return tx.modules.undoEvent(tx, ev)
	}); err != nil {
		panic(upgradeToIrrecoverable(err))
	}

	_ = tx.modules.forEach(func(m registeredModule) error {
		if m.ops.ClearCC != nil {
			_ = m.ops.ClearCC(tx)
		}
		return nil
	})

	tx.state = StateFinalising
	_ = tx.modules.forEach(func(m registeredModule) error {
		if m.ops.Finish != nil {
			_ = m.ops.Finish(tx)
		}
		return nil
	})

	tx.handle.owner.ReleaseAll()
	tx.leaveConcurrency()
	tx.state = StateIdle
}

// leaveConcurrency exits the bracket entered at the top of the attempt:
// releases the exclusive token or decrements the revocable rendezvous
// count, exactly once per attempt.
func (tx *Tx) leaveConcurrency() {
	mgr := tx.handle.engine.lockMgr
	if tx.irrevocable {
		mgr.ReleaseIrrevocability()
	} else {
		mgr.LeaveRevocable()
	}
}

// Tx is one attempt at running a transactional body. A fresh Tx is
// created for every begin, including every internal restart — the
// event log and per-resource shadows are local to the attempt, while
// the TxHandle's lock owner and the Engine's tables persist across
// attempts.
type Tx struct {
	handle *TxHandle
	mode   Mode
	state  State

	log     EventLog
	modules ModuleRegistry

	irrevocable bool

	errnoTx *ErrnoTx
	cwdTx   *CwdTx
	allocTx *AllocTx
	fdtxs   map[int]*FdTx
	ofdtxs  map[int]*OfdTx
	filetxs map[FileID]FileTx
}

// newTx allocates a fresh transaction attempt bound to handle.
func newTx(h *TxHandle, mode Mode) *Tx {
	return &Tx{
		handle:      h,
		mode:        mode,
		state:       StateIdle,
		irrevocable: mode == ModeIrrevocable,
		fdtxs:       make(map[int]*FdTx),
		ofdtxs:      make(map[int]*OfdTx),
		filetxs:     make(map[FileID]FileTx),
	}
}

// Engine returns the engine this transaction is running against.
func (tx *Tx) Engine() *Engine { return tx.handle.engine }

// Owner returns the lock owner this transaction acquires locks under.
func (tx *Tx) Owner() *LockOwner { return tx.handle.owner }

// Mode reports which mode this attempt began in.
func (tx *Tx) Mode() Mode { return tx.mode }

// IsIrrevocable reports whether this attempt is running with the
// exclusive irrevocability token held.
func (tx *Tx) IsIrrevocable() bool { return tx.irrevocable }

// Restart aborts the current attempt and asks the driver to restart it
// transparently, exactly as if a lock acquisition had conflicted. It
// never returns.
func (tx *Tx) Restart() {
	panic(Conflicting(LockID{Table: "tx", Field: -1}))
}

// RequestIrrevocable aborts the current attempt and asks the driver to
// restart it in irrevocable mode. Used by a module whose operation has
// no undo (spec §5's "promotion"). If the attempt is already
// irrevocable it returns at once; otherwise it never returns.
func (tx *Tx) RequestIrrevocable() {
	if tx.irrevocable {
		return
	}
	panic(Revocable())
}

// Fail aborts the current attempt with a Recoverable error carrying
// errno, surfacing it to the caller (or their recovery handler) instead
// of retrying. It never returns.
func (tx *Tx) Fail(errno syscall.Errno) {
	panic(Recoverable(errno))
}
