package txposix

import "golang.org/x/sys/unix"

// Socket is the process-wide shared state of one open socket: a single
// whole-object lock.
type Socket struct {
	lock *RWLock
}

// socketOp tags which socket-level operation an event recorded.
type socketOp uint16

const (
	socketOpAccept socketOp = iota
	socketOpSend
	socketOpConnect
)

// socketLogEntry carries the state needed to apply (send/connect) or
// undo (accept) one logged socket operation.
type socketLogEntry struct {
	fildes  int
	data    []byte
	addr    unix.Sockaddr
	flags   int
	newFD   int
}

// SocketTx is a transaction's shadow of one open socket, implementing
// the asymmetric CC2plExt discipline spec §3/§4 describes: recv and
// accept run eagerly against the kernel during the body (their result
// cannot be put back, so rollback can only close what accept created,
// never un-receive bytes already pulled off the wire — a documented,
// unavoidable loss also present in the original implementation), while
// send and connect are buffered during the body and only actually
// reach the kernel during commit's apply phase, forcing the
// transaction irrevocable the moment either is used.
type SocketTx struct {
	tx       *Tx
	moduleID uint8

	id   FileID
	idx  int
	slot *Ref[slotData[FileID, *Socket]]
	s    *Socket

	log []socketLogEntry
}

func (tx *Tx) socketTxFor(id FileID) (*SocketTx, error) {
	if existing, ok := tx.filetxs[id]; ok {
		return existing.(*SocketTx), nil
	}
	idx, slot, err := tx.Engine().socketTab.Ref(id, nil)
	if err != nil {
		return nil, err
	}
	var s *Socket
	WithValue(slot, func(_ FileID, v **Socket) { s = *v })

	shadow := &SocketTx{tx: tx, id: id, idx: idx, slot: slot, s: s}
	shadow.moduleID = tx.modules.Register(newSocketTxOps(shadow), shadow)
	tx.filetxs[id] = shadow
	return shadow, nil
}

func (s *SocketTx) FileID() FileID { return s.id }

// Recv reads from the socket immediately; the bytes it returns cannot
// be unread on rollback.
func (s *SocketTx) Recv(fildes int, buf []byte, flags int) (int, error) {
	if err := s.s.lock.TryRLock(s.tx.Owner()); err != nil {
		return 0, err
	}
	n, _, err := unix.Recvfrom(fildes, buf, flags)
	if err != nil {
		return 0, recoverableFromErr(err)
	}
	return n, nil
}

// Accept accepts a pending connection immediately. Rollback closes the
// accepted fd, which is a safe and complete undo.
func (s *SocketTx) Accept(fildes int) (int, error) {
	if err := s.s.lock.TryLock(s.tx.Owner()); err != nil {
		return 0, err
	}
	newfd, _, err := unix.Accept(fildes)
	if err != nil {
		return 0, recoverableFromErr(err)
	}
	s.log = append(s.log, socketLogEntry{newFD: newfd})
	s.tx.log.Append(s.moduleID, uint16(socketOpAccept), uintptr(len(s.log)-1))
	return newfd, nil
}

// Send buffers data to be sent at commit, forcing the transaction
// irrevocable: once bytes leave over the wire, no rollback can call
// them back.
func (s *SocketTx) Send(fildes int, data []byte, flags int) {
	s.tx.RequestIrrevocable()
	s.log = append(s.log, socketLogEntry{fildes: fildes, data: append([]byte(nil), data...), flags: flags})
	s.tx.log.Append(s.moduleID, uint16(socketOpSend), uintptr(len(s.log)-1))
}

// Connect buffers a connect to be performed at commit, forcing the
// transaction irrevocable for the same reason as Send.
func (s *SocketTx) Connect(fildes int, addr unix.Sockaddr) {
	s.tx.RequestIrrevocable()
	s.log = append(s.log, socketLogEntry{fildes: fildes, addr: addr})
	s.tx.log.Append(s.moduleID, uint16(socketOpConnect), uintptr(len(s.log)-1))
}

func newSocketTxOps(shadow *SocketTx) ModuleOps {
	return ModuleOps{
		ApplyEvent: func(tx *Tx, ev Event) error {
			entry := shadow.log[ev.Tail]
			switch socketOp(ev.Head) {
			case socketOpAccept:
				return nil // already accepted eagerly
			case socketOpSend:
				_, err := unix.Write(entry.fildes, entry.data)
				if err != nil {
					return recoverableFromErr(err)
				}
				return nil
			case socketOpConnect:
				if err := unix.Connect(entry.fildes, entry.addr); err != nil {
					return recoverableFromErr(err)
				}
				return nil
			}
			return nil
		},
		UndoEvent: func(tx *Tx, ev Event) error {
			entry := shadow.log[ev.Tail]
			switch socketOp(ev.Head) {
			case socketOpAccept:
				unix.Close(entry.newFD)
				return nil
			case socketOpSend, socketOpConnect:
				return nil // never reached the kernel; buffered only
			}
			return nil
		},
		Finish: func(tx *Tx) error {
			tx.Engine().socketTab.Unref(shadow.idx, nil)
			return nil
		},
	}
}
