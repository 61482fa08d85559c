package txposix

import "sync"

// Arena is the process-wide transactional heap: a map from handle to
// buffer, grounded in the original implementation's stdlib.c malloc/
// free wrapper. Go's own allocator and garbage collector already own
// real memory; this type exists to give malloc_tx/free_tx the same
// transactional semantics the original gives C's malloc/free — an
// allocation enters the arena immediately (any holder of its handle can
// load it) and is removed again if the allocating transaction rolls
// back, while a free only takes effect on commit.
type Arena struct {
	mu     sync.Mutex
	slots  map[int][]byte
	nextID int
}

// NewArena creates an empty transactional heap.
func NewArena() *Arena {
	return &Arena{slots: make(map[int][]byte)}
}

func (a *Arena) insert(buf []byte) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	id := a.nextID
	a.slots[id] = buf
	return id
}

func (a *Arena) get(id int) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.slots[id]
	return buf, ok
}

func (a *Arena) delete(id int) {
	a.mu.Lock()
	delete(a.slots, id)
	a.mu.Unlock()
}

// allocOp tags which heap operation an event recorded.
type allocOp uint16

const (
	allocOpMalloc allocOp = iota
	allocOpFree
)

// AllocTx is a transaction's shadow of heap activity: handles it has
// allocated (freed on rollback, since nobody else could have observed
// them yet) and handles it has freed (deleted from the arena only at
// commit's apply phase, exactly like fd close, so a rollback never
// needs to resurrect freed content).
type AllocTx struct {
	tx       *Tx
	moduleID uint8
	arena    *Arena

	mallocs []int
	frees   []int
}

func (tx *Tx) allocTxFor() *AllocTx {
	if tx.allocTx != nil {
		return tx.allocTx
	}
	shadow := &AllocTx{tx: tx, arena: tx.Engine().arena}
	shadow.moduleID = tx.modules.Register(newAllocTxOps(shadow), shadow)
	tx.allocTx = shadow
	return shadow
}

// Malloc allocates size bytes, returning a handle usable for the rest
// of this process's lifetime (once committed).
func (a *AllocTx) Malloc(size int) int {
	id := a.arena.insert(make([]byte, size))
	a.mallocs = append(a.mallocs, id)
	a.tx.log.Append(a.moduleID, uint16(allocOpMalloc), uintptr(len(a.mallocs)-1))
	return id
}

// Load returns the buffer for handle, or nil if it is not in the arena.
// A Free earlier in this same transaction only takes effect at commit,
// so the buffer is still returned until then.
func (a *AllocTx) Load(handle int) []byte {
	buf, _ := a.arena.get(handle)
	return buf
}

// Free marks handle to be released at commit.
func (a *AllocTx) Free(handle int) {
	a.frees = append(a.frees, handle)
	a.tx.log.Append(a.moduleID, uint16(allocOpFree), uintptr(len(a.frees)-1))
}

func newAllocTxOps(shadow *AllocTx) ModuleOps {
	return ModuleOps{
		ApplyEvent: func(tx *Tx, ev Event) error {
			if allocOp(ev.Head) == allocOpFree {
				shadow.arena.delete(shadow.frees[ev.Tail])
			}
			return nil
		},
		UndoEvent: func(tx *Tx, ev Event) error {
			switch allocOp(ev.Head) {
			case allocOpMalloc:
				shadow.arena.delete(shadow.mallocs[ev.Tail])
			case allocOpFree:
				// apply-only: nothing removed yet, nothing to restore
			}
			return nil
		},
	}
}
