package txposix

import "sync"

// Ofd is the process-wide shared state of one kernel open file
// description: its current file position and status flags (O_APPEND,
// O_NONBLOCK, ...), guarded by its own RW-lock so two transactions
// sharing the same OFD (via dup) serialize on cursor/flag changes
// exactly like any other piece of shared state (spec §3, §4.4).
type Ofd struct {
	mu     sync.Mutex
	offset int64
	flags  int
	lock   *RWLock
}

func newOfd() *Ofd {
	return &Ofd{lock: NewRWLock(LockID{Table: "ofd"})}
}

// ofdOp tags which OFD-level operation an event recorded.
type ofdOp uint16

const (
	ofdOpSeek ofdOp = iota
	ofdOpSetFL
)

// OfdTx is a transaction's shadow of one OFD: the local, tentative
// cursor and status flags it reads and writes during the body, applied
// to the shared Ofd only at commit (spec §4.1, §4.4 — ts/2pl CC applies
// to the cursor the same way it applies to file content).
type OfdTx struct {
	tx       *Tx
	moduleID uint8

	idx  int
	slot *Ref[slotData[OfdID, *Ofd]]
	ofd  *Ofd

	localOffset int64
	localFlags  int
	lockedWrite bool

	oldOffsets []int64
	oldFlags   []int
}

// ofdTxFor returns (creating if necessary) the shadow OFD state for
// idx/slot within tx.
func (tx *Tx) ofdTxFor(idx int, slot *Ref[slotData[OfdID, *Ofd]]) *OfdTx {
	if shadow, ok := tx.ofdtxs[idx]; ok {
		return shadow
	}

	var ofd *Ofd
	WithValue(slot, func(_ OfdID, v **Ofd) { ofd = *v })

	shadow := &OfdTx{tx: tx, idx: idx, slot: slot, ofd: ofd}
	ofd.mu.Lock()
	shadow.localOffset = ofd.offset
	shadow.localFlags = ofd.flags
	ofd.mu.Unlock()

	shadow.moduleID = tx.modules.Register(newOfdTxOps(shadow), shadow)
	tx.ofdtxs[idx] = shadow
	return shadow
}

// Offset returns the transaction-local cursor, advancing it is the
// caller's (regfile read/write) responsibility via Seek.
func (o *OfdTx) Offset() int64 { return o.localOffset }

// StatusFlags returns the transaction-local status flags (O_APPEND,
// O_NONBLOCK, ...).
func (o *OfdTx) StatusFlags() int { return o.localFlags }

// Seek updates the transaction-local cursor per whence (SEEK_SET/CUR/
// END semantics resolved by the caller, who passes the already-resolved
// absolute offset), logging the previous value for undo.
func (o *OfdTx) Seek(newOffset int64) {
	o.oldOffsets = append(o.oldOffsets, o.localOffset)
	o.localOffset = newOffset
	o.lockedWrite = true
	o.tx.log.Append(o.moduleID, uint16(ofdOpSeek), uintptr(len(o.oldOffsets)-1))
}

// SetStatusFlags updates the transaction-local status flags (O_APPEND,
// O_NONBLOCK), logging the previous value for undo.
func (o *OfdTx) SetStatusFlags(flags int) {
	o.oldFlags = append(o.oldFlags, o.localFlags)
	o.localFlags = flags
	o.lockedWrite = true
	o.tx.log.Append(o.moduleID, uint16(ofdOpSetFL), uintptr(len(o.oldFlags)-1))
}

func newOfdTxOps(shadow *OfdTx) ModuleOps {
	return ModuleOps{
		Lock: func(tx *Tx) error {
			if !shadow.lockedWrite {
				return shadow.ofd.lock.TryRLock(tx.Owner())
			}
			return shadow.ofd.lock.TryLock(tx.Owner())
		},
		Unlock: func(tx *Tx) {
			shadow.ofd.lock.Unlock(tx.Owner())
		},
		ApplyEvent: func(tx *Tx, ev Event) error {
			shadow.ofd.mu.Lock()
			defer shadow.ofd.mu.Unlock()
			switch ofdOp(ev.Head) {
			case ofdOpSeek:
				shadow.ofd.offset = shadow.localOffset
			case ofdOpSetFL:
				shadow.ofd.flags = shadow.localFlags
			}
			return nil
		},
		UndoEvent: func(tx *Tx, ev Event) error {
			return nil // tx-local fields only; nothing real to undo
		},
		Finish: func(tx *Tx) error {
			tx.Engine().ofdTab.Unref(shadow.idx, func(o **Ofd) { *o = newOfd() })
			return nil
		},
	}
}
