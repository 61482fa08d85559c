package txposix

// ModuleOps is the vtable every resource-domain module (fd table, OFD
// table, per-file-type logic, cwd, allocator) implements to
// participate in the two-phase commit protocol (spec §4.7). Every hook
// is optional; the driver skips a nil hook rather than calling it.
type ModuleOps struct {
	// Lock acquires whatever locks this module needs to validate and
	// apply safely. Returning a Conflicting/Revocable error here aborts
	// the commit attempt.
	Lock func(tx *Tx) error

	// Unlock releases locks taken by Lock, used when a later module's
	// Lock call fails and earlier modules must back out before retry.
	Unlock func(tx *Tx)

	// Validate checks that the module's read set (if any) is still
	// consistent, e.g. Ts-mode record versions.
	Validate func(tx *Tx) error

	// ApplyEvent replays one forward-ordered event during commit.
	ApplyEvent func(tx *Tx, ev Event) error

	// UndoEvent reverses one event during rollback, walked in reverse
	// program order.
	UndoEvent func(tx *Tx, ev Event) error

	// UpdateCC updates concurrency-control bookkeeping after a
	// successful apply (e.g. bumping record versions).
	UpdateCC func(tx *Tx) error

	// ClearCC discards concurrency-control bookkeeping on rollback.
	ClearCC func(tx *Tx) error

	// Finish releases the module's resources (references, locks not
	// already released) regardless of commit or rollback outcome.
	Finish func(tx *Tx) error
}

// registeredModule pairs a module's vtable with its private data,
// typically one of *FdTx, *OfdTx, a FileTx shadow, *CwdTx, *AllocTx.
type registeredModule struct {
	ops  ModuleOps
	data any
}

// ModuleRegistry is the per-transaction set of modules a Tx has
// touched. IDs are dense within one transaction's lifetime and are
// simply forgotten (not individually recycled) when the transaction
// finishes and the registry resets for the next begin — spec §4.7's
// "reusable only across transaction lifetimes."
type ModuleRegistry struct {
	mods []registeredModule
}

// Register adds a module, returning its dense ID — used as
// Event.ModuleID for every event the module subsequently appends.
func (r *ModuleRegistry) Register(ops ModuleOps, data any) uint8 {
	r.mods = append(r.mods, registeredModule{ops: ops, data: data})
	return uint8(len(r.mods) - 1)
}

// Data returns the private data registered for moduleID.
func (r *ModuleRegistry) Data(moduleID uint8) any {
	return r.mods[moduleID].data
}

// Reset forgets every registered module. The driver does not call it:
// every attempt runs on a fresh Tx whose registry starts empty.
func (r *ModuleRegistry) Reset() {
	r.mods = r.mods[:0]
}

// forEach calls fn for every registered module in registration order.
func (r *ModuleRegistry) forEach(fn func(registeredModule) error) error {
	for _, m := range r.mods {
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

// applyEvent dispatches ev to its module's ApplyEvent hook.
func (r *ModuleRegistry) applyEvent(tx *Tx, ev Event) error {
	m := r.mods[ev.ModuleID]
	if m.ops.ApplyEvent == nil {
		return nil
	}
	return m.ops.ApplyEvent(tx, ev)
}

// undoEvent dispatches ev to its module's UndoEvent hook.
func (r *ModuleRegistry) undoEvent(tx *Tx, ev Event) error {
	m := r.mods[ev.ModuleID]
	if m.ops.UndoEvent == nil {
		return nil
	}
	return m.ops.UndoEvent(tx, ev)
}
