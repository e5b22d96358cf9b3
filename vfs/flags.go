package vfs

// OpenFlags control open/open_at semantics (spec.md §4.6).
type OpenFlags uint32

const (
	// OpenCreate creates the target if it doesn't exist.
	OpenCreate OpenFlags = 1 << iota
	// OpenPath requests a metadata-only reference: no real descriptor is
	// required from the module.
	OpenPath
	// OpenDirectory requires the target to be a directory.
	OpenDirectory
	// OpenInferred marks a cache-only open that needs no module syscall
	// (spec.md §4.6).
	OpenInferred
	// OpenExclusive fails if the target already exists (paired with Create).
	OpenExclusive
	// OpenTruncate truncates an existing regular file to zero length.
	OpenTruncate
)

func (f OpenFlags) Has(bit OpenFlags) bool { return f&bit != 0 }

// LookupFlags control lookup_at/lookup_path symlink behavior.
type LookupFlags uint32

const (
	// LookupFollow follows a symlink at the final path component
	// (spec.md §4.6, §8 scenario D).
	LookupFollow LookupFlags = 1 << iota
)

func (f LookupFlags) Has(bit LookupFlags) bool { return f&bit != 0 }

// ReaddirFlags control synthetic entry emission.
type ReaddirFlags uint32

const (
	// ReaddirDots asks the core/module to emit "." and ".." entries.
	ReaddirDots ReaddirFlags = 1 << iota
)

func (f ReaddirFlags) Has(bit ReaddirFlags) bool { return f&bit != 0 }

// DirentType is the d_type of a readdir entry.
type DirentType uint8

const (
	DTUnknown DirentType = iota
	DTRegular
	DTDirectory
	DTSymlink
	DTCharDev
	DTBlockDev
	DTFIFO
	DTSocket
)

// Dirent is one entry emitted during readdir (spec.md §4.6).
type Dirent struct {
	Name   string
	FH     []byte
	Cookie uint64
	Type   DirentType
	Attr   *Attr // nil unless the caller supplied an attribute mask
}
