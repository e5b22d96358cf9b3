// Package memory is an in-memory reference vfs.Module (SPEC_FULL.md §C):
// a back-end with no persistent storage of its own, used to exercise the
// VFS procedure layer end to end (spec.md §8) without depending on a real
// filesystem or network service. Adapted from the teacher's own "memory"
// remote (bucket/object maps guarded by per-bucket RWMutexes) into a
// single-tree, per-mount filesystem: one mutex per inode instead of one
// per bucket, since lookups here are by parent directory, not by bucket
// name.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chimera-nas/chimera-sub003/fh"
	"github.com/chimera-nas/chimera-sub003/vfs"
	"github.com/chimera-nas/chimera-sub003/vfserrno"
)

// Name is the module_name this back-end registers under.
const Name = "memory"

// fhMagic is the first byte of every fragment this module mints, the
// static per-module tag spec.md §6.1 describes ("fh_magic is the first
// byte of the fh_fragment by convention").
const fhMagic = 'M'

// node is one inode in the in-memory tree, guarded by its own mutex. A
// directory's lock may be held while taking the Fs-level lock or a child's
// lock, and renameAt holds two directory locks taken in ascending inum
// order; the Fs-level lock is never held while taking a node lock.
type node struct {
	mu sync.Mutex

	inum  uint64
	mode  vfs.FileMode
	nlink uint32
	uid   uint32
	gid   uint32

	data []byte // file content, or symlink target as bytes

	children map[string]uint64 // dir only: name -> child inum

	atime, mtime, ctime time.Time
}

// Fs is one mounted instance's module_private state (spec.md §6.1
// "module_private"). Each Mount call constructs a fresh Fs, so two mounts
// of this module never share a tree.
type Fs struct {
	mu       sync.RWMutex
	nodes    map[uint64]*node
	rootInum uint64
	nextInum uint64
	fsid     uint64
}

// Module is the shared vfs.Module descriptor and dispatcher. Its only
// state is the fsid counter Init draws from; all filesystem state lives
// in the per-mount *Fs reached through
// ThreadPrivate (spec.md §6.1: thread_init receives module_private and
// hands it to dispatch via the returned thread_private).
type Module struct {
	fsidSeq uint64
}

// New constructs the memory back-end's Module.
func New() *Module {
	return &Module{}
}

func (m *Module) Descriptor() vfs.Descriptor {
	return vfs.Descriptor{FhMagic: fhMagic, Name: Name, Caps: vfs.CapFS}
}

// RootFragment reports the fragment of this module's root inode, the same
// convention Init's root node and RootHandle both use: inum 1, generation
// 0.
func (m *Module) RootFragment() []byte {
	return fh.EncodeInumGeneration(1, 0)
}

// Init builds a fresh in-memory tree for one mount, with a single root
// directory inode.
func (m *Module) Init(ctx context.Context, config map[string]string) (vfs.ModulePrivate, error) {
	fsid := atomic.AddUint64(&m.fsidSeq, 1)
	now := time.Now()
	root := &node{
		inum:     1,
		mode:     vfs.ModeDir | 0o755,
		nlink:    2,
		children: make(map[string]uint64),
		atime:    now,
		mtime:    now,
		ctime:    now,
	}
	fsys := &Fs{
		nodes:    map[uint64]*node{1: root},
		rootInum: 1,
		nextInum: 2,
		fsid:     fsid,
	}
	return fsys, nil
}

func (m *Module) Destroy(priv vfs.ModulePrivate) {}

type threadState struct {
	fs *Fs
}

func (m *Module) ThreadInit(priv vfs.ModulePrivate) (vfs.ThreadPrivate, error) {
	fsys, ok := priv.(*Fs)
	if !ok {
		return nil, fmt.Errorf("memory: unexpected module_private type %T", priv)
	}
	return &threadState{fs: fsys}, nil
}

func (m *Module) ThreadDestroy(tpriv vfs.ThreadPrivate) {}

// RootHandle returns the handle of the root directory of the mount
// identified by fsid, the value the procedure layer stores as the mount
// record's RootFH right after Init.
func RootHandle(fsid uint64) fh.Handle {
	h, err := fh.EncodeMount(fsid, fh.EncodeInumGeneration(1, 0))
	if err != nil {
		panic(err)
	}
	return h
}

// Dispatch runs every opcode synchronously and inline: this module is
// non-blocking (no CapBlocking), so spec.md §4.5 dispatches it on the
// calling worker's own goroutine, with no lock and no cross-thread
// traffic.
func (m *Module) Dispatch(req *vfs.Request, tpriv vfs.ThreadPrivate) {
	ts := tpriv.(*threadState)
	fsys := ts.fs

	switch req.Opcode {
	case vfs.OpGetattr:
		m.getattr(fsys, req)
	case vfs.OpSetattr:
		m.setattr(fsys, req)
	case vfs.OpLookupAt:
		m.lookupAt(fsys, req)
	case vfs.OpOpen:
		m.open(fsys, req)
	case vfs.OpOpenAt:
		m.openAt(fsys, req)
	case vfs.OpClose:
		req.Status = vfserrno.OK
	case vfs.OpRead:
		m.read(fsys, req)
	case vfs.OpWrite:
		m.write(fsys, req)
	case vfs.OpReaddir:
		m.readdir(fsys, req)
	case vfs.OpMkdirAt:
		m.mkdirAt(fsys, req)
	case vfs.OpRemoveAt:
		m.removeAt(fsys, req)
	case vfs.OpSymlinkAt:
		m.symlinkAt(fsys, req)
	case vfs.OpLinkAt:
		m.linkAt(fsys, req)
	case vfs.OpRenameAt:
		m.renameAt(fsys, req)
	case vfs.OpMknod:
		m.mknod(fsys, req)
	case vfs.OpCommit, vfs.OpAllocate:
		req.Status = vfserrno.OK
	case vfs.OpCreateUnlinked:
		m.createUnlinked(fsys, req)
	default:
		req.Status = vfserrno.ENOTSUP
	}
	req.Complete(req)
}

func (fsys *Fs) inumOf(h fh.Handle) (uint64, error) {
	inum, _, err := fh.DecodeInumGeneration(h.Fragment())
	return inum, err
}

func (fsys *Fs) lookupInum(inum uint64) *node {
	fsys.mu.RLock()
	defer fsys.mu.RUnlock()
	return fsys.nodes[inum]
}

func (fsys *Fs) handleFor(inum uint64) fh.Handle {
	h, _ := fh.EncodeParent(RootHandle(fsys.fsid), fh.EncodeInumGeneration(inum, 0))
	return h
}

func (fsys *Fs) allocInode(n *node) uint64 {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	inum := fsys.nextInum
	fsys.nextInum++
	n.inum = inum
	fsys.nodes[inum] = n
	return inum
}

func fillAttr(n *node, mask vfs.AttrMask, self fh.Handle) vfs.Attr {
	a := vfs.Attr{ReqMask: mask}
	a.FH = self
	a.Set(vfs.AttrFH)
	a.Inum = n.inum
	a.Set(vfs.AttrInum)
	a.Mode = n.mode
	a.Set(vfs.AttrMode)
	a.Nlink = n.nlink
	a.Set(vfs.AttrNlink)
	a.UID = n.uid
	a.Set(vfs.AttrUID)
	a.GID = n.gid
	a.Set(vfs.AttrGID)
	a.Size = uint64(len(n.data))
	a.Set(vfs.AttrSize)
	a.ATime = n.atime
	a.Set(vfs.AttrATime)
	a.MTime = n.mtime
	a.Set(vfs.AttrMTime)
	a.CTime = n.ctime
	a.Set(vfs.AttrCTime)
	return a
}

func (m *Module) getattr(fsys *Fs, req *vfs.Request) {
	inum, err := fsys.inumOf(req.FH)
	if err != nil {
		req.Status = vfserrno.EINVAL
		return
	}
	n := fsys.lookupInum(inum)
	if n == nil {
		req.Status = vfserrno.ESTALE
		return
	}

	n.mu.Lock()
	attr := fillAttr(n, req.GetattrArgs.Mask, req.FH)
	n.mu.Unlock()

	req.GetattrResult.Attr = attr
	req.Status = vfserrno.OK
}

func (m *Module) setattr(fsys *Fs, req *vfs.Request) {
	inum, err := fsys.inumOf(req.FH)
	if err != nil {
		req.Status = vfserrno.EINVAL
		return
	}
	n := fsys.lookupInum(inum)
	if n == nil {
		req.Status = vfserrno.ESTALE
		return
	}

	n.mu.Lock()
	pre := fillAttr(n, req.SetattrArgs.PreMask, req.FH)

	in := req.SetattrArgs.Attr
	if in.SetMask&vfs.AttrMode != 0 {
		n.mode = (n.mode &^ vfs.ModePermMask) | (in.Mode & vfs.ModePermMask)
	}
	if in.SetMask&vfs.AttrUID != 0 {
		n.uid = in.UID
	}
	if in.SetMask&vfs.AttrGID != 0 {
		n.gid = in.GID
	}
	if in.SetMask&vfs.AttrSize != 0 {
		if int(in.Size) <= len(n.data) {
			n.data = n.data[:in.Size]
		} else {
			grown := make([]byte, in.Size)
			copy(grown, n.data)
			n.data = grown
		}
	}
	n.ctime = time.Now()
	post := fillAttr(n, req.SetattrArgs.PostMask, req.FH)
	n.mu.Unlock()

	req.SetattrResult.PreAttr = pre
	req.SetattrResult.PostAttr = post
	req.Status = vfserrno.OK
}

func (m *Module) lookupAt(fsys *Fs, req *vfs.Request) {
	parentInum, err := fsys.inumOf(req.LookupAtArgs.ParentFH)
	if err != nil {
		req.Status = vfserrno.EINVAL
		return
	}
	parent := fsys.lookupInum(parentInum)
	if parent == nil {
		req.Status = vfserrno.ESTALE
		return
	}
	if !parent.mode.IsDir() {
		req.Status = vfserrno.ENOTDIR
		return
	}

	parent.mu.Lock()
	childInum, ok := parent.children[req.LookupAtArgs.Name]
	parent.mu.Unlock()
	if !ok {
		req.Status = vfserrno.ENOENT
		return
	}

	child := fsys.lookupInum(childInum)
	if child == nil {
		req.Status = vfserrno.ESTALE
		return
	}
	childFH := fsys.handleFor(childInum)

	child.mu.Lock()
	attr := fillAttr(child, req.LookupAtArgs.AttrMask, childFH)
	child.mu.Unlock()

	req.LookupResult.FH = childFH
	req.LookupResult.Attr = attr
	req.Status = vfserrno.OK
}

func (m *Module) open(fsys *Fs, req *vfs.Request) {
	inum, err := fsys.inumOf(req.FH)
	if err != nil {
		req.Status = vfserrno.EINVAL
		return
	}
	n := fsys.lookupInum(inum)
	if n == nil {
		req.Status = vfserrno.ESTALE
		return
	}
	if req.OpenArgs.Flags.Has(vfs.OpenDirectory) && !n.mode.IsDir() {
		req.Status = vfserrno.ENOTDIR
		return
	}

	n.mu.Lock()
	if req.OpenArgs.Flags.Has(vfs.OpenTruncate) {
		n.data = n.data[:0]
		n.mtime = time.Now()
	}
	attr := fillAttr(n, vfs.AttrAll, req.FH)
	n.mu.Unlock()

	req.OpenResult.FH = req.FH
	req.OpenResult.Attr = attr
	req.OpenResult.Token = inum
	req.Status = vfserrno.OK
}

func (m *Module) openAt(fsys *Fs, req *vfs.Request) {
	parentInum, err := fsys.inumOf(req.OpenAtArgs.ParentFH)
	if err != nil {
		req.Status = vfserrno.EINVAL
		return
	}
	parent := fsys.lookupInum(parentInum)
	if parent == nil {
		req.Status = vfserrno.ESTALE
		return
	}

	name := req.OpenAtArgs.Name
	flags := req.OpenAtArgs.Flags

	parent.mu.Lock()
	childInum, exists := parent.children[name]
	if exists && flags.Has(vfs.OpenCreate) && flags.Has(vfs.OpenExclusive) {
		parent.mu.Unlock()
		req.Status = vfserrno.EEXIST
		return
	}
	if !exists {
		if !flags.Has(vfs.OpenCreate) {
			parent.mu.Unlock()
			req.Status = vfserrno.ENOENT
			return
		}
		childInum = fsys.allocInode(&node{
			mode:  vfs.ModeRegular | 0o644,
			nlink: 1,
			atime: time.Now(),
			mtime: time.Now(),
			ctime: time.Now(),
		})
		parent.children[name] = childInum
		parent.mtime = time.Now()
	}
	child := fsys.lookupInum(childInum)
	parent.mu.Unlock()

	childFH := fsys.handleFor(childInum)
	child.mu.Lock()
	attr := fillAttr(child, vfs.AttrAll, childFH)
	child.mu.Unlock()

	req.OpenResult.FH = childFH
	req.OpenResult.Attr = attr
	req.OpenResult.Token = childInum
	req.Status = vfserrno.OK
}

func (m *Module) read(fsys *Fs, req *vfs.Request) {
	inum, err := fsys.inumOf(req.FH)
	if err != nil {
		req.Status = vfserrno.EINVAL
		return
	}
	n := fsys.lookupInum(inum)
	if n == nil {
		req.Status = vfserrno.ESTALE
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	off := req.ReadArgs.Offset
	if off > uint64(len(n.data)) {
		req.ReadResult.Data = nil
		req.ReadResult.EOF = true
		req.Status = vfserrno.OK
		return
	}
	end := off + uint64(req.ReadArgs.Length)
	if end > uint64(len(n.data)) {
		end = uint64(len(n.data))
	}
	out := make([]byte, end-off)
	copy(out, n.data[off:end])
	n.atime = time.Now()

	req.ReadResult.Data = out
	req.ReadResult.EOF = end == uint64(len(n.data))
	req.Status = vfserrno.OK
}

func (m *Module) write(fsys *Fs, req *vfs.Request) {
	inum, err := fsys.inumOf(req.FH)
	if err != nil {
		req.Status = vfserrno.EINVAL
		return
	}
	n := fsys.lookupInum(inum)
	if n == nil {
		req.Status = vfserrno.ESTALE
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	off := req.WriteArgs.Offset
	var total int
	for _, buf := range req.WriteArgs.IOV {
		total += len(buf)
	}
	needed := off + uint64(total)
	if needed > uint64(len(n.data)) {
		grown := make([]byte, needed)
		copy(grown, n.data)
		n.data = grown
	}
	pos := off
	for _, buf := range req.WriteArgs.IOV {
		copy(n.data[pos:], buf)
		pos += uint64(len(buf))
	}
	n.mtime = time.Now()

	req.WriteResult.Length = uint32(total)
	req.Status = vfserrno.OK
}

func (m *Module) readdir(fsys *Fs, req *vfs.Request) {
	inum, err := fsys.inumOf(req.FH)
	if err != nil {
		req.Status = vfserrno.EINVAL
		return
	}
	dir := fsys.lookupInum(inum)
	if dir == nil {
		req.Status = vfserrno.ESTALE
		return
	}
	if !dir.mode.IsDir() {
		req.Status = vfserrno.ENOTDIR
		return
	}

	dir.mu.Lock()
	names := make([]string, 0, len(dir.children))
	childInums := make(map[string]uint64, len(dir.children))
	for name, inum := range dir.children {
		names = append(names, name)
		childInums[name] = inum
	}
	dir.mu.Unlock()
	sort.Strings(names)

	var cookie uint64
	emit := req.ReaddirArgs.Emit
	mask := req.ReaddirArgs.AttrMask

	if req.ReaddirArgs.Flags.Has(vfs.ReaddirDots) {
		for _, dotName := range []string{".", ".."} {
			cookie++
			if cookie <= req.ReaddirArgs.Cookie {
				continue
			}
			if !emit(vfs.Dirent{Name: dotName, FH: req.FH, Cookie: cookie, Type: vfs.DTDirectory}) {
				req.Status = vfserrno.OK
				return
			}
		}
	}

	for _, name := range names {
		cookie++
		if cookie <= req.ReaddirArgs.Cookie {
			continue
		}
		childInum := childInums[name]
		child := fsys.lookupInum(childInum)
		if child == nil {
			continue
		}
		childFH := fsys.handleFor(childInum)

		var attr *vfs.Attr
		if mask != 0 {
			child.mu.Lock()
			a := fillAttr(child, mask, childFH)
			child.mu.Unlock()
			attr = &a
		}

		dtype := vfs.DTRegular
		if child.mode.IsDir() {
			dtype = vfs.DTDirectory
		} else if child.mode.IsSymlink() {
			dtype = vfs.DTSymlink
		}

		if !emit(vfs.Dirent{Name: name, FH: childFH, Cookie: cookie, Type: dtype, Attr: attr}) {
			req.Status = vfserrno.OK
			return
		}
	}

	req.ReaddirResult.EOF = true
	req.Status = vfserrno.OK
}

func (m *Module) mkdirAt(fsys *Fs, req *vfs.Request) {
	parentInum, err := fsys.inumOf(req.MkdirAtArgs.ParentFH)
	if err != nil {
		req.Status = vfserrno.EINVAL
		return
	}
	parent := fsys.lookupInum(parentInum)
	if parent == nil {
		req.Status = vfserrno.ESTALE
		return
	}

	parent.mu.Lock()
	if _, exists := parent.children[req.MkdirAtArgs.Name]; exists {
		parent.mu.Unlock()
		req.Status = vfserrno.EEXIST
		return
	}
	childInum := fsys.allocInode(&node{
		mode:     vfs.ModeDir | (req.MkdirAtArgs.Mode & vfs.ModePermMask),
		nlink:    2,
		children: make(map[string]uint64),
		atime:    time.Now(),
		mtime:    time.Now(),
		ctime:    time.Now(),
	})
	parent.children[req.MkdirAtArgs.Name] = childInum
	parent.nlink++
	parent.mtime = time.Now()
	parent.mu.Unlock()

	child := fsys.lookupInum(childInum)
	childFH := fsys.handleFor(childInum)
	child.mu.Lock()
	attr := fillAttr(child, vfs.AttrAll, childFH)
	child.mu.Unlock()

	req.MkdirAtResult.FH = childFH
	req.MkdirAtResult.Attr = attr
	req.Status = vfserrno.OK
}

func (m *Module) removeAt(fsys *Fs, req *vfs.Request) {
	parentInum, err := fsys.inumOf(req.RemoveAtArgs.ParentFH)
	if err != nil {
		req.Status = vfserrno.EINVAL
		return
	}
	parent := fsys.lookupInum(parentInum)
	if parent == nil {
		req.Status = vfserrno.ESTALE
		return
	}

	name := req.RemoveAtArgs.Name
	parent.mu.Lock()
	childInum, exists := parent.children[name]
	if !exists {
		parent.mu.Unlock()
		req.Status = vfserrno.ENOENT
		return
	}
	child := fsys.lookupInum(childInum)
	if child != nil && child.mode.IsDir() {
		child.mu.Lock()
		empty := len(child.children) == 0
		child.mu.Unlock()
		if !empty {
			parent.mu.Unlock()
			req.Status = vfserrno.ENOTEMPTY
			return
		}
	}
	delete(parent.children, name)
	if child != nil && child.mode.IsDir() {
		parent.nlink--
	}
	parent.mtime = time.Now()
	parent.mu.Unlock()

	if child != nil {
		child.mu.Lock()
		child.nlink--
		unlinked := child.nlink == 0
		child.mu.Unlock()
		if unlinked {
			fsys.mu.Lock()
			delete(fsys.nodes, childInum)
			fsys.mu.Unlock()
		}
	}
	req.Status = vfserrno.OK
}

func (m *Module) symlinkAt(fsys *Fs, req *vfs.Request) {
	parentInum, err := fsys.inumOf(req.SymlinkAtArgs.ParentFH)
	if err != nil {
		req.Status = vfserrno.EINVAL
		return
	}
	parent := fsys.lookupInum(parentInum)
	if parent == nil {
		req.Status = vfserrno.ESTALE
		return
	}

	parent.mu.Lock()
	if _, exists := parent.children[req.SymlinkAtArgs.Name]; exists {
		parent.mu.Unlock()
		req.Status = vfserrno.EEXIST
		return
	}
	childInum := fsys.allocInode(&node{
		mode:  vfs.ModeSymlink | 0o777,
		nlink: 1,
		data:  []byte(req.SymlinkAtArgs.Target),
		atime: time.Now(),
		mtime: time.Now(),
		ctime: time.Now(),
	})
	parent.children[req.SymlinkAtArgs.Name] = childInum
	parent.mtime = time.Now()
	parent.mu.Unlock()

	child := fsys.lookupInum(childInum)
	childFH := fsys.handleFor(childInum)
	child.mu.Lock()
	attr := fillAttr(child, vfs.AttrAll, childFH)
	child.mu.Unlock()

	req.SymlinkAtResult.FH = childFH
	req.SymlinkAtResult.Attr = attr
	req.Status = vfserrno.OK
}

func (m *Module) linkAt(fsys *Fs, req *vfs.Request) {
	targetInum, err := fsys.inumOf(req.LinkAtArgs.TargetFH)
	if err != nil {
		req.Status = vfserrno.EINVAL
		return
	}
	target := fsys.lookupInum(targetInum)
	if target == nil {
		req.Status = vfserrno.ESTALE
		return
	}
	newParentInum, err := fsys.inumOf(req.LinkAtArgs.NewParentFH)
	if err != nil {
		req.Status = vfserrno.EINVAL
		return
	}
	newParent := fsys.lookupInum(newParentInum)
	if newParent == nil {
		req.Status = vfserrno.ESTALE
		return
	}

	newParent.mu.Lock()
	if _, exists := newParent.children[req.LinkAtArgs.NewName]; exists {
		newParent.mu.Unlock()
		req.Status = vfserrno.EEXIST
		return
	}
	newParent.children[req.LinkAtArgs.NewName] = targetInum
	newParent.mtime = time.Now()
	newParent.mu.Unlock()

	target.mu.Lock()
	target.nlink++
	attr := fillAttr(target, vfs.AttrAll, req.LinkAtArgs.TargetFH)
	target.mu.Unlock()

	req.LinkAtResult.Attr = attr
	req.Status = vfserrno.OK
}

// renameAt locks both parent directories in ascending inum order to avoid
// deadlock against a concurrent rename in the opposite direction between
// the same two directories.
func (m *Module) renameAt(fsys *Fs, req *vfs.Request) {
	oldParentInum, err := fsys.inumOf(req.RenameAtArgs.OldParentFH)
	if err != nil {
		req.Status = vfserrno.EINVAL
		return
	}
	oldParent := fsys.lookupInum(oldParentInum)
	if oldParent == nil {
		req.Status = vfserrno.ESTALE
		return
	}
	newParentInum, err := fsys.inumOf(req.RenameAtArgs.NewParentFH)
	if err != nil {
		req.Status = vfserrno.EINVAL
		return
	}
	newParent := fsys.lookupInum(newParentInum)
	if newParent == nil {
		req.Status = vfserrno.ESTALE
		return
	}

	first, second := oldParent, newParent
	if newParentInum < oldParentInum {
		first, second = newParent, oldParent
	}
	first.mu.Lock()
	if first != second {
		second.mu.Lock()
	}

	childInum, exists := oldParent.children[req.RenameAtArgs.OldName]
	if !exists {
		if first != second {
			second.mu.Unlock()
		}
		first.mu.Unlock()
		req.Status = vfserrno.ENOENT
		return
	}
	delete(oldParent.children, req.RenameAtArgs.OldName)
	newParent.children[req.RenameAtArgs.NewName] = childInum
	oldParent.mtime = time.Now()
	newParent.mtime = time.Now()

	if first != second {
		second.mu.Unlock()
	}
	first.mu.Unlock()

	req.Status = vfserrno.OK
}

func (m *Module) mknod(fsys *Fs, req *vfs.Request) {
	parentInum, err := fsys.inumOf(req.MknodArgs.ParentFH)
	if err != nil {
		req.Status = vfserrno.EINVAL
		return
	}
	parent := fsys.lookupInum(parentInum)
	if parent == nil {
		req.Status = vfserrno.ESTALE
		return
	}

	parent.mu.Lock()
	if _, exists := parent.children[req.MknodArgs.Name]; exists {
		parent.mu.Unlock()
		req.Status = vfserrno.EEXIST
		return
	}
	childInum := fsys.allocInode(&node{
		mode:  req.MknodArgs.Mode,
		nlink: 1,
		atime: time.Now(),
		mtime: time.Now(),
		ctime: time.Now(),
	})
	parent.children[req.MknodArgs.Name] = childInum
	parent.mtime = time.Now()
	parent.mu.Unlock()

	child := fsys.lookupInum(childInum)
	childFH := fsys.handleFor(childInum)
	child.mu.Lock()
	attr := fillAttr(child, vfs.AttrAll, childFH)
	child.mu.Unlock()

	req.MknodResult.FH = childFH
	req.MknodResult.Attr = attr
	req.Status = vfserrno.OK
}

// createUnlinked implements spec.md §4.6 create_unlinked: an inode with no
// directory entry, the one the silly-rename pattern relies on. The
// request's ParentFH only selects which mount the new inode belongs to;
// it is never linked into that parent's children.
func (m *Module) createUnlinked(fsys *Fs, req *vfs.Request) {
	childInum := fsys.allocInode(&node{
		mode:  req.CreateUnlinkedArgs.Mode,
		nlink: 0,
		atime: time.Now(),
		mtime: time.Now(),
		ctime: time.Now(),
	})
	child := fsys.lookupInum(childInum)
	childFH := fsys.handleFor(childInum)
	child.mu.Lock()
	attr := fillAttr(child, vfs.AttrAll, childFH)
	child.mu.Unlock()

	req.CreateUnlinkedResult.FH = childFH
	req.CreateUnlinkedResult.Attr = attr
	req.Status = vfserrno.OK
}
