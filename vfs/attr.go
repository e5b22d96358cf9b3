package vfs

import "time"

// AttrMask is the bit set of fields requested of, or present in, an Attr
// (spec.md §3.6). Callees fill only the intersection of what was requested
// with what the back-end supports.
type AttrMask uint32

const (
	AttrFH AttrMask = 1 << iota
	AttrInum
	AttrMode
	AttrNlink
	AttrUID
	AttrGID
	AttrSize
	AttrRdev
	AttrATime
	AttrMTime
	AttrCTime
	AttrFsSpace
	AttrFsFiles
	AttrFsid

	// AttrAll is the full mask, convenient for getattr(fh, AttrAll).
	AttrAll = AttrFH | AttrInum | AttrMode | AttrNlink | AttrUID | AttrGID |
		AttrSize | AttrRdev | AttrATime | AttrMTime | AttrCTime |
		AttrFsSpace | AttrFsFiles | AttrFsid
)

// FileMode mirrors the handful of POSIX mode bits the core cares about
// (type + permission bits); it does not attempt to be a complete st_mode.
type FileMode uint32

const (
	ModeTypeMask FileMode = 0o170000
	ModeRegular  FileMode = 0o100000
	ModeDir      FileMode = 0o040000
	ModeSymlink  FileMode = 0o120000
	ModeCharDev  FileMode = 0o020000
	ModeBlockDev FileMode = 0o060000
	ModeFIFO     FileMode = 0o010000
	ModeSocket   FileMode = 0o140000

	ModePermMask FileMode = 0o7777
)

func (m FileMode) IsDir() bool     { return m&ModeTypeMask == ModeDir }
func (m FileMode) IsRegular() bool { return m&ModeTypeMask == ModeRegular }
func (m FileMode) IsSymlink() bool { return m&ModeTypeMask == ModeSymlink }

// Attr is the self-describing attributes record of spec.md §3.6. ReqMask is
// what the caller asked for; SetMask is what the callee actually populated.
// A reader must only trust fields whose bit is present in SetMask.
type Attr struct {
	ReqMask AttrMask
	SetMask AttrMask

	FH    []byte
	Inum  uint64
	Mode  FileMode
	Nlink uint32
	UID   uint32
	GID   uint32
	Size  uint64
	Rdev  uint64

	ATime time.Time
	MTime time.Time
	CTime time.Time

	// Filesystem-level quota/space block, only meaningful for statfs-style
	// getattr calls against a mount root.
	FsSpaceTotal uint64
	FsSpaceFree  uint64
	FsSpaceAvail uint64
	FsFilesTotal uint64
	FsFilesFree  uint64
	FsFilesAvail uint64
	Fsid         uint64
}

// Intersect returns the mask of fields that were both requested and set,
// the value the supplemented getattr/setattr contract returns to the
// caller (SPEC_FULL.md §C).
func (a *Attr) Intersect() AttrMask {
	return a.ReqMask & a.SetMask
}

// Set marks bit as populated.
func (a *Attr) Set(bit AttrMask) {
	a.SetMask |= bit
}
