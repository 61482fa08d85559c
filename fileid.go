package txposix

import "golang.org/x/sys/unix"

// FileKind distinguishes the variants dispatch picks handlers for (spec
// §9 "dynamic dispatch on file type" — a flat tag rather than a vtable
// of function pointers, since Go's type switches make that the more
// idiomatic choice than an interface-per-operation scheme).
type FileKind int

const (
	KindRegfile FileKind = iota
	KindDir
	KindFifo
	KindChrdev
	KindSocket
)

func (k FileKind) String() string {
	switch k {
	case KindRegfile:
		return "regfile"
	case KindDir:
		return "dir"
	case KindFifo:
		return "fifo"
	case KindChrdev:
		return "chrdev"
	case KindSocket:
		return "socket"
	default:
		return "unknown"
	}
}

// FileID identifies a file's kernel identity: (device, inode) for
// regular files, directories, fifos and character devices. Sockets
// carry no stable (dev,ino) pair shared across processes, so their
// identity additionally pins the file descriptor that created it
// (spec §3).
type FileID struct {
	Dev    uint64
	Ino    uint64
	Fildes int // meaningful only when Kind == KindSocket
	Kind   FileKind
}

// Cleared reports whether this identity represents an empty,
// not-yet-claimed table slot.
func (id FileID) Cleared() bool {
	return id == FileID{}
}

// Equal compares two identities for the purposes of table lookup. For
// non-socket kinds, the Fildes field is ignored; for sockets, which are
// distinguishable only via the owning fd, it is significant.
func (id FileID) Equal(other FileID) bool {
	if id.Kind != other.Kind || id.Dev != other.Dev || id.Ino != other.Ino {
		return false
	}
	if id.Kind == KindSocket {
		return id.Fildes == other.Fildes
	}
	return true
}

// FileIDFromStat derives a FileID from a kernel stat buffer, classifying
// the kind from the mode bits.
func FileIDFromStat(st *unix.Stat_t, fildes int) FileID {
	id := FileID{Dev: uint64(st.Dev), Ino: st.Ino}
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		id.Kind = KindDir
	case unix.S_IFIFO:
		id.Kind = KindFifo
	case unix.S_IFCHR:
		id.Kind = KindChrdev
	case unix.S_IFSOCK:
		id.Kind = KindSocket
		id.Fildes = fildes
	default:
		id.Kind = KindRegfile
	}
	return id
}

// StatFildes derives the FileID for an already-open file descriptor via
// fstat, the same lookup spec §4.4 describes for ref_fildes.
func StatFildes(fildes int) (FileID, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fildes, &st); err != nil {
		return FileID{}, recoverableFromErr(err)
	}
	return FileIDFromStat(&st, fildes), nil
}

// OfdID identifies a kernel open file description as the pair
// (FileID, fildes), which is unique only for as long as that specific
// descriptor remains open (spec §3). No platform OFD identifier is
// used.
type OfdID struct {
	File   FileID
	Fildes int
}

func (id OfdID) Cleared() bool {
	return id == OfdID{}
}

func (id OfdID) Equal(other OfdID) bool {
	return id.File.Equal(other.File) && id.Fildes == other.Fildes
}

// OfdIDFromFildes derives the OFD identity for fildes. Linux does not
// expose a portable OFD-comparison primitive through golang.org/x/sys
// beyond F_OFD_GETLK's side effects, so this repo uses the conservative
// (FileID, fildes) form consistently, matching spec §3's fallback.
func OfdIDFromFildes(fildes int) (OfdID, error) {
	fid, err := StatFildes(fildes)
	if err != nil {
		return OfdID{}, err
	}
	return OfdID{File: fid, Fildes: fildes}, nil
}
