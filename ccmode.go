package txposix

// CCMode selects the concurrency-control discipline a transaction uses
// for one open file's content (spec §3, §4.6, GLOSSARY).
type CCMode int

const (
	// CCNoUndo applies every operation to the kernel immediately and
	// never logs anything to undo. Safe only when the caller can prove
	// no other transaction touches the same file concurrently.
	CCNoUndo CCMode = iota
	// CCTs is optimistic: reads and writes are tracked against a
	// per-record version counter, writes are buffered until commit, and
	// commit fails with Conflicting if a touched record's version moved.
	CCTs
	// CC2pl is pessimistic: every touched record is write- or
	// read-locked for the duration of the transaction, writes go to the
	// kernel immediately with a full undo log.
	CC2pl
	// CC2plExt is CC2pl's asymmetric socket variant: some operations
	// (recv, accept) behave like CC2pl, others (send, connect) are
	// irrevocable-only because the kernel gives no way to undo them.
	CC2plExt
)

func (m CCMode) String() string {
	switch m {
	case CCNoUndo:
		return "noundo"
	case CCTs:
		return "ts"
	case CC2pl:
		return "2pl"
	case CC2plExt:
		return "2pl-ext"
	default:
		return "unknown"
	}
}
