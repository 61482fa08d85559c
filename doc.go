// Package txposix implements a user-space transaction manager for
// POSIX system calls. A goroutine wraps a sequence of file, socket,
// memory, and errno operations inside a begin/commit block; on
// conflict or error the engine rolls the block back to its entry
// state, including kernel-visible side effects such as fd-table
// changes, file positions, and allocations. Concurrent transactions
// are serialised with per-resource reader/writer locks and deadlock
// avoidance, and a transaction is promoted to irrevocable execution
// when it needs an operation that cannot be undone.
//
// Usage:
//
//	engine := txposix.NewEngine(txposix.DefaultEngineOptions())
//	handle, err := engine.NewHandle()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer handle.Close()
//
//	err = handle.Run(func(tx *txposix.Tx) error {
//		fd, err := txposix.Open(tx, unix.AT_FDCWD, "/tmp/example", unix.O_RDWR|unix.O_CREAT, 0o644)
//		if err != nil {
//			return err
//		}
//		if _, err := txposix.Write(tx, fd, []byte("hello")); err != nil {
//			return err
//		}
//		return txposix.Close(tx, fd)
//	})
//
// One Engine should be constructed per process; it owns the lock
// manager and the fd/ofd/file identity tables every transaction
// shares. One TxHandle should be constructed per goroutine that runs
// transactions and reused across many Run calls.
package txposix
