package vfs

import (
	"container/list"
	"time"

	"github.com/chimera-nas/chimera-sub003/fh"
	"github.com/chimera-nas/chimera-sub003/vfserrno"
)

// scratchSize bounds the plugin scratch area every request carries inline
// so procedures that chain (e.g. lookup-then-open) can stash state without
// a heap allocation (spec.md §3.5, §9).
const scratchSize = 4096

// MountArgs/MountResult ... one Args/Result pair per opcode. Only the pair
// matching Request.Opcode is valid for a given request.
type (
	MountArgs struct {
		MountPath        string
		ModuleName       string
		BackendPath      string
		Options          map[string]string
	}
	MountResult struct {
		RootFH fh.Handle
	}

	UmountArgs struct {
		MountPath string
	}
	UmountResult struct{}

	OpenArgs struct {
		Flags OpenFlags
	}
	OpenAtArgs struct {
		ParentFH fh.Handle
		Name     string
		Flags    OpenFlags
	}
	OpenResult struct {
		FH    fh.Handle
		Attr  Attr
		Token uint64
	}

	CloseArgs struct {
		Token uint64
	}
	CloseResult struct{}

	LookupAtArgs struct {
		ParentFH fh.Handle
		Name     string
		AttrMask AttrMask
	}
	LookupPathArgs struct {
		BaseFH fh.Handle
		Path   string
		Flags  LookupFlags
	}
	LookupResult struct {
		FH   fh.Handle
		Attr Attr
	}

	GetattrArgs struct {
		Mask AttrMask
	}
	GetattrResult struct {
		Attr Attr
	}

	SetattrArgs struct {
		Attr     Attr
		PreMask  AttrMask
		PostMask AttrMask
	}
	SetattrResult struct {
		PreAttr  Attr
		PostAttr Attr
	}

	ReadArgs struct {
		Offset uint64
		Length uint32
	}
	ReadResult struct {
		Data []byte
		EOF  bool
	}

	WriteArgs struct {
		Offset uint64
		IOV    [][]byte
		Sync   bool
	}
	WriteResult struct {
		Length uint32
	}

	ReaddirArgs struct {
		Cookie   uint64
		AttrMask AttrMask
		Flags    ReaddirFlags
		// Emit is called once per directory entry, in order. Returning
		// false stops the iteration early (not an error).
		Emit func(Dirent) bool
	}
	ReaddirResult struct {
		EOF bool
	}

	MkdirAtArgs struct {
		ParentFH fh.Handle
		Name     string
		Mode     FileMode
	}
	MkdirAtResult struct {
		FH   fh.Handle
		Attr Attr
	}

	RemoveAtArgs struct {
		ParentFH fh.Handle
		Name     string
	}
	RemoveAtResult struct{}

	SymlinkAtArgs struct {
		ParentFH fh.Handle
		Name     string
		Target   string
	}
	SymlinkAtResult struct {
		FH   fh.Handle
		Attr Attr
	}

	LinkAtArgs struct {
		TargetFH      fh.Handle
		NewParentFH   fh.Handle
		NewName       string
	}
	LinkAtResult struct {
		Attr Attr
	}

	RenameAtArgs struct {
		OldParentFH fh.Handle
		OldName     string
		NewParentFH fh.Handle
		NewName     string
	}
	RenameAtResult struct{}

	MknodArgs struct {
		ParentFH fh.Handle
		Name     string
		Mode     FileMode
		Rdev     uint64
	}
	MknodResult struct {
		FH   fh.Handle
		Attr Attr
	}

	CommitArgs struct {
		Offset uint64
		Length uint32
	}
	CommitResult struct{}

	AllocateArgs struct {
		Offset uint64
		Length uint64
		Flags  uint32
	}
	AllocateResult struct{}

	CreateUnlinkedArgs struct {
		ParentFH fh.Handle
		Mode     FileMode
	}
	CreateUnlinkedResult struct {
		FH   fh.Handle
		Attr Attr
	}
)

// Request is the single, tagged-union-style object that flows through the
// core for every operation (spec.md §3.5). It is owned by exactly one
// goroutine at a time; hand-off between goroutines happens by appending the
// *Request to a mutex-protected queue (a delegation thread's queue or a
// worker's pending-completion list) and ringing that side's doorbell, the
// translation of the source's publication-barrier requirement (spec.md
// §9).
type Request struct {
	Opcode Opcode
	Status vfserrno.Status

	Module     Module
	ThreadPriv ThreadPrivate
	MountID    fh.MountID

	Cred   Credentials
	FH     fh.Handle
	FHHash uint64

	StartTime time.Time

	// Complete is set by the procedure layer before dispatch and invoked
	// exactly once, on the thread that allocated the request (spec.md
	// §3.5, §8 properties 7 and 10).
	Complete func(*Request)

	// originalComplete is stashed by the dispatcher when it swaps in a
	// cross-thread trampoline, so the trampoline can still reach the
	// procedure's real completion logic once it has marshaled back to
	// the originating thread.
	originalComplete func(*Request)

	// activeElem is this request's node in its Worker's active list,
	// used for O(1) removal on completion (spec.md §3.5).
	activeElem *list.Element

	// Args/Result: exactly one pair is valid per Opcode.
	MountArgs      MountArgs
	MountResult    MountResult
	UmountArgs     UmountArgs
	UmountResult   UmountResult
	OpenArgs       OpenArgs
	OpenAtArgs     OpenAtArgs
	OpenResult     OpenResult
	CloseArgs      CloseArgs
	CloseResult    CloseResult
	LookupAtArgs   LookupAtArgs
	LookupPathArgs LookupPathArgs
	LookupResult   LookupResult
	GetattrArgs    GetattrArgs
	GetattrResult  GetattrResult
	SetattrArgs    SetattrArgs
	SetattrResult  SetattrResult
	ReadArgs       ReadArgs
	ReadResult     ReadResult
	WriteArgs      WriteArgs
	WriteResult    WriteResult
	ReaddirArgs    ReaddirArgs
	ReaddirResult  ReaddirResult
	MkdirAtArgs    MkdirAtArgs
	MkdirAtResult  MkdirAtResult
	RemoveAtArgs   RemoveAtArgs
	RemoveAtResult RemoveAtResult
	SymlinkAtArgs  SymlinkAtArgs
	SymlinkAtResult SymlinkAtResult
	LinkAtArgs     LinkAtArgs
	LinkAtResult   LinkAtResult
	RenameAtArgs   RenameAtArgs
	RenameAtResult RenameAtResult
	MknodArgs      MknodArgs
	MknodResult    MknodResult
	CommitArgs     CommitArgs
	CommitResult   CommitResult
	AllocateArgs   AllocateArgs
	AllocateResult AllocateResult
	CreateUnlinkedArgs   CreateUnlinkedArgs
	CreateUnlinkedResult CreateUnlinkedResult

	// Scratch is plugin-private scratch space for a procedure to stash
	// state across a chained dispatch (e.g. lookup-then-open) without a
	// heap allocation (spec.md §3.5, §9).
	Scratch [scratchSize]byte
}

// Reset restores r to the state request_alloc expects to find on a pooled
// request, clearing every field including the scratch area so stale data
// can never leak between requests.
func (r *Request) Reset() {
	*r = Request{}
}
