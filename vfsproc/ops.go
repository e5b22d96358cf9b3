package vfsproc

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chimera-nas/chimera-sub003/cache"
	"github.com/chimera-nas/chimera-sub003/fh"
	"github.com/chimera-nas/chimera-sub003/mount"
	"github.com/chimera-nas/chimera-sub003/vfs"
	"github.com/chimera-nas/chimera-sub003/vfserrno"
)

func statusFromErr(err error) vfserrno.Status {
	if err == nil {
		return vfserrno.OK
	}
	if st, ok := err.(vfserrno.Status); ok {
		return st
	}
	return vfserrno.EIO
}

// Mount implements spec.md §4.6 mount: resolve the module, call its Init,
// compute the mount root handle, and insert a new mount record.
func (v *VFS) Mount(ctx context.Context, cred vfs.Credentials, mountPath, moduleName, backendPath string, options map[string]string) (fh.Handle, vfserrno.Status) {
	module, ok := v.lookupModule(moduleName)
	if !ok {
		return nil, vfserrno.ENOENT
	}

	cfg := make(map[string]string, len(options)+1)
	for k, val := range options {
		cfg[k] = val
	}
	if backendPath != "" {
		cfg["backend_path"] = backendPath
	}

	priv, err := module.Init(ctx, cfg)
	if err != nil {
		v.log.WithError(err).WithField("module", moduleName).Warn("mount: module init failed")
		return nil, vfserrno.EIO
	}

	// The root pseudo-module's own handle (rootmod.RootHandle) is the fixed
	// constant encode_mount(fsid=0, fragment=∅); mounting "/" must produce
	// that exact MountID rather than whatever nextFsid() hands out next
	// (spec.md §4.7). nextFsid starts at 1, so fsid 0 never collides with
	// a real mount.
	var fsid uint64
	if mountPath != "/" {
		fsid = v.nextFsid()
	}
	rootFH, err := fh.EncodeMount(fsid, module.RootFragment())
	if err != nil {
		module.Destroy(priv)
		return nil, vfserrno.EINVAL
	}

	rec := &mount.Record{
		MountID:       rootFH.MountID(),
		MountPath:     mountPath,
		Module:        module,
		ModulePrivate: priv,
		RootFH:        rootFH,
		Fsid:          fsid,
	}
	if err := v.table.Insert(rec); err != nil {
		module.Destroy(priv)
		return nil, vfserrno.EEXIST
	}
	return rootFH, vfserrno.OK
}

func (v *VFS) nextFsid() uint64 {
	return atomic.AddUint64(&v.fsidCounter, 1)
}

// Umount implements spec.md §4.6 umount: atomically remove the mount
// record by path, close every released handle still waiting in either
// open-handle cache (of any mount, regardless of age), then let the
// module release mount-private state.
func (v *VFS) Umount(ctx context.Context, cred vfs.Credentials, mountPath string) vfserrno.Status {
	rec, err := v.table.RemoveByPath(mountPath)
	if err != nil {
		return vfserrno.ENOENT
	}
	now := time.Now()
	for _, oc := range []*cache.OpenHandleCache{v.pathCache, v.fileCache} {
		for _, evicted := range oc.SweepDeferredClose(now, 0) {
			if evicted.Close != nil {
				evicted.Close(evicted.Token)
			}
		}
	}
	rec.Module.Destroy(rec.ModulePrivate)
	return vfserrno.OK
}

func (v *VFS) cacheFor(id cache.ID) *cache.OpenHandleCache {
	if id == cache.CachePath {
		return v.pathCache
	}
	return v.fileCache
}

// Open implements spec.md §4.6 open(fh): acquire a cached open handle for
// an already-resolved file handle.
func (v *VFS) Open(ctx context.Context, cred vfs.Credentials, targetFH fh.Handle, flags vfs.OpenFlags) (*cache.OpenHandle, vfs.Attr, vfserrno.Status) {
	rec := v.table.Lookup(targetFH.MountID())
	if rec == nil {
		return nil, vfs.Attr{}, vfserrno.ESTALE
	}

	oc := v.fileCache
	if flags.Has(vfs.OpenPath) {
		oc = v.pathCache
	}

	openFn := func() (uint64, error) {
		var token uint64
		st := v.dispatchSync(ctx, vfs.OpOpen, targetFH.MountID(), targetFH, cred,
			func(r *vfs.Request) error { r.OpenArgs.Flags = flags; return nil },
			func(r *vfs.Request) {
				token = r.OpenResult.Token
				v.attrCache.Set(targetFH, r.OpenResult.Attr)
			})
		if st != vfserrno.OK {
			return 0, st
		}
		return token, nil
	}

	oh, err := oc.Acquire(rec.Module, targetFH, fh.HashForSharding(targetFH), openFn, v.closeFuncFor(rec, cred))
	if err != nil {
		return nil, vfs.Attr{}, statusFromErr(err)
	}
	attr, _ := v.attrCache.Get(targetFH)
	return oh, attr, vfserrno.OK
}

// OpenAt implements spec.md §4.6 open_at(parent_fh, name, flags): resolve
// name under parent (the module may create it per flags) and acquire a
// cached open handle for the result.
func (v *VFS) OpenAt(ctx context.Context, cred vfs.Credentials, parentFH fh.Handle, name string, flags vfs.OpenFlags) (*cache.OpenHandle, vfs.Attr, vfserrno.Status) {
	var resultFH fh.Handle
	st := v.dispatchSync(ctx, vfs.OpOpenAt, parentFH.MountID(), parentFH, cred,
		func(r *vfs.Request) error {
			r.OpenAtArgs.ParentFH = parentFH
			r.OpenAtArgs.Name = name
			r.OpenAtArgs.Flags = flags
			return nil
		},
		func(r *vfs.Request) {
			resultFH = r.OpenResult.FH
		})
	if st != vfserrno.OK {
		return nil, vfs.Attr{}, st
	}

	if flags.Has(vfs.OpenCreate) {
		v.nameCache.InvalidateParent(parentFH)
	}
	return v.Open(ctx, cred, resultFH, flags&^vfs.OpenCreate)
}

// closeFuncFor builds the cache.CloseFunc the deferred-close sweeper calls
// once an open handle's refcount has been zero for at least CloseMinAge
// (spec.md §4.3).
func (v *VFS) closeFuncFor(rec *mount.Record, cred vfs.Credentials) cache.CloseFunc {
	return func(token uint64) {
		w := v.pickWorker()
		req := w.AllocRequest()
		req.Opcode = vfs.OpClose
		req.Module = rec.Module
		req.MountID = rec.MountID
		req.Cred = cred
		req.CloseArgs.Token = token

		tp, err := v.threadPrivFor(w, rec)
		if err != nil {
			w.FreeRequest(req)
			return
		}
		req.ThreadPriv = tp

		done := make(chan struct{})
		req.Complete = func(r *vfs.Request) { close(done) }
		w.Dispatch(req, v.schedule)
		<-done
	}
}

// Close releases a reference on an open handle (spec.md §4.6 close).
func (v *VFS) Close(oh *cache.OpenHandle) {
	v.cacheFor(oh.CacheID).Release(oh)
}

// LookupAt implements spec.md §4.6 lookup_at: resolve a single component
// under parent, consulting and populating the name cache.
func (v *VFS) LookupAt(ctx context.Context, cred vfs.Credentials, parentFH fh.Handle, name string, attrMask vfs.AttrMask) (fh.Handle, vfs.Attr, vfserrno.Status) {
	if cached, ok := v.nameCache.Get(parentFH, name); ok {
		if attr, ok := v.attrCache.Get(cached); ok {
			return cached, attr, vfserrno.OK
		}
	}

	var result vfs.LookupResult
	st := v.dispatchSync(ctx, vfs.OpLookupAt, parentFH.MountID(), parentFH, cred,
		func(r *vfs.Request) error {
			r.LookupAtArgs.ParentFH = parentFH
			r.LookupAtArgs.Name = name
			r.LookupAtArgs.AttrMask = attrMask
			return nil
		},
		func(r *vfs.Request) { result = r.LookupResult })
	if st != vfserrno.OK {
		return nil, vfs.Attr{}, st
	}

	v.nameCache.Set(parentFH, name, result.FH)
	v.attrCache.Set(result.FH, result.Attr)
	return result.FH, result.Attr, vfserrno.OK
}

// LookupPath implements spec.md §4.6 lookup_path: resolves a
// "/"-separated path component by component from base, following a
// symlink at the final component only if LookupFollow is set (spec.md §8
// scenario D). A relative symlink target is resolved from the directory
// holding the link; an absolute one is resolved from base.
//
// The source has no distinct readlink procedure; this implementation
// resolves a symlink's target by reading its body through the ordinary
// open/read path (SPEC_FULL.md §C, Open Question decision).
func (v *VFS) LookupPath(ctx context.Context, cred vfs.Credentials, base fh.Handle, path string, flags vfs.LookupFlags) (fh.Handle, vfs.Attr, vfserrno.Status) {
	const maxSymlinkHops = 16

	cur := base
	var attr vfs.Attr
	components := strings.Split(strings.Trim(path, "/"), "/")

	hops := 0
	for i := 0; i < len(components); i++ {
		name := components[i]
		if name == "" {
			continue
		}
		dir := cur
		var st vfserrno.Status
		cur, attr, st = v.LookupAt(ctx, cred, dir, name, vfs.AttrAll)
		if st != vfserrno.OK {
			return nil, vfs.Attr{}, st
		}

		isFinal := i == len(components)-1
		if isFinal && flags.Has(vfs.LookupFollow) && attr.Mode.IsSymlink() {
			hops++
			if hops > maxSymlinkHops {
				return nil, vfs.Attr{}, vfserrno.ELOOP
			}
			target, st := v.readSymlinkTarget(ctx, cred, cur)
			if st != vfserrno.OK {
				return nil, vfs.Attr{}, st
			}
			if strings.HasPrefix(target, "/") {
				cur = base
			} else {
				cur = dir
			}
			components = append(strings.Split(strings.Trim(target, "/"), "/"), components[i+1:]...)
			i = -1
		}
	}
	return cur, attr, vfserrno.OK
}

func (v *VFS) readSymlinkTarget(ctx context.Context, cred vfs.Credentials, symlinkFH fh.Handle) (string, vfserrno.Status) {
	oh, _, st := v.Open(ctx, cred, symlinkFH, vfs.OpenPath)
	if st != vfserrno.OK {
		return "", st
	}
	defer v.Close(oh)

	var data []byte
	st = v.dispatchSync(ctx, vfs.OpRead, symlinkFH.MountID(), symlinkFH, cred,
		func(r *vfs.Request) error {
			r.ReadArgs.Offset = 0
			r.ReadArgs.Length = fh.MaxLen * 16
			return nil
		},
		func(r *vfs.Request) { data = r.ReadResult.Data })
	if st != vfserrno.OK {
		return "", st
	}
	return string(data), vfserrno.OK
}

// Getattr implements spec.md §4.6 getattr, consulting and repopulating the
// attribute cache.
func (v *VFS) Getattr(ctx context.Context, cred vfs.Credentials, targetFH fh.Handle, mask vfs.AttrMask) (vfs.Attr, vfserrno.Status) {
	if attr, ok := v.attrCache.Get(targetFH); ok && attr.SetMask&mask == mask {
		return attr, vfserrno.OK
	}

	var attr vfs.Attr
	st := v.dispatchSync(ctx, vfs.OpGetattr, targetFH.MountID(), targetFH, cred,
		func(r *vfs.Request) error { r.GetattrArgs.Mask = mask; return nil },
		func(r *vfs.Request) { attr = r.GetattrResult.Attr })
	if st != vfserrno.OK {
		return vfs.Attr{}, st
	}
	v.attrCache.Set(targetFH, attr)
	return attr, vfserrno.OK
}

// Setattr implements spec.md §4.6 setattr. Every mutating operation
// invalidates the target's cached attributes before reporting success
// (spec.md §8 property 9).
func (v *VFS) Setattr(ctx context.Context, cred vfs.Credentials, targetFH fh.Handle, attr vfs.Attr, preMask, postMask vfs.AttrMask) (vfs.Attr, vfs.Attr, vfserrno.Status) {
	var pre, post vfs.Attr
	st := v.dispatchSync(ctx, vfs.OpSetattr, targetFH.MountID(), targetFH, cred,
		func(r *vfs.Request) error {
			r.SetattrArgs.Attr = attr
			r.SetattrArgs.PreMask = preMask
			r.SetattrArgs.PostMask = postMask
			return nil
		},
		func(r *vfs.Request) {
			pre = r.SetattrResult.PreAttr
			post = r.SetattrResult.PostAttr
		})
	v.attrCache.Invalidate(targetFH)
	if st != vfserrno.OK {
		return vfs.Attr{}, vfs.Attr{}, st
	}
	v.attrCache.Set(targetFH, post)
	return pre, post, vfserrno.OK
}

// Read implements spec.md §4.6 read(handle, offset, length) against an
// open handle.
func (v *VFS) Read(ctx context.Context, cred vfs.Credentials, oh *cache.OpenHandle, offset uint64, length uint32) ([]byte, bool, vfserrno.Status) {
	var data []byte
	var eof bool
	st := v.dispatchSync(ctx, vfs.OpRead, oh.FH.MountID(), oh.FH, cred,
		func(r *vfs.Request) error {
			r.ReadArgs.Offset = offset
			r.ReadArgs.Length = length
			return nil
		},
		func(r *vfs.Request) {
			data = r.ReadResult.Data
			eof = r.ReadResult.EOF
		})
	return data, eof, st
}

// Write implements spec.md §4.6 write(handle, offset, length, iov, sync).
// A successful write invalidates the target's cached attributes, since
// size/mtime change (spec.md §8 property 9).
func (v *VFS) Write(ctx context.Context, cred vfs.Credentials, oh *cache.OpenHandle, offset uint64, iov [][]byte, sync bool) (uint32, vfserrno.Status) {
	var n uint32
	st := v.dispatchSync(ctx, vfs.OpWrite, oh.FH.MountID(), oh.FH, cred,
		func(r *vfs.Request) error {
			r.WriteArgs.Offset = offset
			r.WriteArgs.IOV = iov
			r.WriteArgs.Sync = sync
			return nil
		},
		func(r *vfs.Request) { n = r.WriteResult.Length })
	v.attrCache.Invalidate(oh.FH)
	return n, st
}

// Readdir implements spec.md §4.6 readdir(handle, cookie, attr_mask):
// iterator-style, invoking emit once per entry in order.
func (v *VFS) Readdir(ctx context.Context, cred vfs.Credentials, dirFH fh.Handle, cookie uint64, attrMask vfs.AttrMask, flags vfs.ReaddirFlags, emit func(vfs.Dirent) bool) (bool, vfserrno.Status) {
	var eof bool
	st := v.dispatchSync(ctx, vfs.OpReaddir, dirFH.MountID(), dirFH, cred,
		func(r *vfs.Request) error {
			r.ReaddirArgs.Cookie = cookie
			r.ReaddirArgs.AttrMask = attrMask
			r.ReaddirArgs.Flags = flags
			r.ReaddirArgs.Emit = emit
			return nil
		},
		func(r *vfs.Request) { eof = r.ReaddirResult.EOF })
	return eof, st
}

// MkdirAt implements spec.md §4.6 mkdir_at.
func (v *VFS) MkdirAt(ctx context.Context, cred vfs.Credentials, parentFH fh.Handle, name string, mode vfs.FileMode) (fh.Handle, vfs.Attr, vfserrno.Status) {
	var result vfs.MkdirAtResult
	st := v.dispatchSync(ctx, vfs.OpMkdirAt, parentFH.MountID(), parentFH, cred,
		func(r *vfs.Request) error {
			r.MkdirAtArgs.ParentFH = parentFH
			r.MkdirAtArgs.Name = name
			r.MkdirAtArgs.Mode = mode
			return nil
		},
		func(r *vfs.Request) { result = r.MkdirAtResult })
	if st != vfserrno.OK {
		return nil, vfs.Attr{}, st
	}
	v.nameCache.InvalidateParent(parentFH)
	v.attrCache.Invalidate(parentFH)
	v.attrCache.Set(result.FH, result.Attr)
	return result.FH, result.Attr, vfserrno.OK
}

// RemoveAt implements spec.md §4.6 remove_at, invalidating the parent's
// name-cache entry and the parent's cached attributes. The target's
// cached attributes are dropped only when the name cache still held the
// target's handle; otherwise they are left to expire by TTL.
func (v *VFS) RemoveAt(ctx context.Context, cred vfs.Credentials, parentFH fh.Handle, name string) vfserrno.Status {
	targetFH, _ := v.nameCache.Get(parentFH, name)

	st := v.dispatchSync(ctx, vfs.OpRemoveAt, parentFH.MountID(), parentFH, cred,
		func(r *vfs.Request) error {
			r.RemoveAtArgs.ParentFH = parentFH
			r.RemoveAtArgs.Name = name
			return nil
		}, nil)
	if st != vfserrno.OK {
		return st
	}
	v.nameCache.Invalidate(parentFH, name)
	v.attrCache.Invalidate(parentFH)
	if targetFH != nil {
		v.attrCache.Invalidate(targetFH)
	}
	return vfserrno.OK
}

// SymlinkAt implements spec.md §4.6 symlink_at.
func (v *VFS) SymlinkAt(ctx context.Context, cred vfs.Credentials, parentFH fh.Handle, name, target string) (fh.Handle, vfs.Attr, vfserrno.Status) {
	var result vfs.SymlinkAtResult
	st := v.dispatchSync(ctx, vfs.OpSymlinkAt, parentFH.MountID(), parentFH, cred,
		func(r *vfs.Request) error {
			r.SymlinkAtArgs.ParentFH = parentFH
			r.SymlinkAtArgs.Name = name
			r.SymlinkAtArgs.Target = target
			return nil
		},
		func(r *vfs.Request) { result = r.SymlinkAtResult })
	if st != vfserrno.OK {
		return nil, vfs.Attr{}, st
	}
	v.nameCache.InvalidateParent(parentFH)
	return result.FH, result.Attr, vfserrno.OK
}

// LinkAt implements spec.md §4.6 link_at.
func (v *VFS) LinkAt(ctx context.Context, cred vfs.Credentials, targetFH, newParentFH fh.Handle, newName string) (vfs.Attr, vfserrno.Status) {
	var attr vfs.Attr
	st := v.dispatchSync(ctx, vfs.OpLinkAt, targetFH.MountID(), targetFH, cred,
		func(r *vfs.Request) error {
			r.LinkAtArgs.TargetFH = targetFH
			r.LinkAtArgs.NewParentFH = newParentFH
			r.LinkAtArgs.NewName = newName
			return nil
		},
		func(r *vfs.Request) { attr = r.LinkAtResult.Attr })
	if st != vfserrno.OK {
		return vfs.Attr{}, st
	}
	v.nameCache.InvalidateParent(newParentFH)
	v.attrCache.Invalidate(targetFH)
	return attr, vfserrno.OK
}

// RenameAt implements spec.md §4.6 rename_at (spec.md §8 scenario C: a
// rename over an open target is the caller's responsibility to silly-
// rename first via CreateUnlinked; this method performs the raw rename).
// The moved entry's cached attributes are dropped when the name cache
// still held its handle under oldName.
func (v *VFS) RenameAt(ctx context.Context, cred vfs.Credentials, oldParentFH fh.Handle, oldName string, newParentFH fh.Handle, newName string) vfserrno.Status {
	movedFH, _ := v.nameCache.Get(oldParentFH, oldName)

	st := v.dispatchSync(ctx, vfs.OpRenameAt, oldParentFH.MountID(), oldParentFH, cred,
		func(r *vfs.Request) error {
			r.RenameAtArgs.OldParentFH = oldParentFH
			r.RenameAtArgs.OldName = oldName
			r.RenameAtArgs.NewParentFH = newParentFH
			r.RenameAtArgs.NewName = newName
			return nil
		}, nil)
	if st != vfserrno.OK {
		return st
	}
	v.nameCache.Invalidate(oldParentFH, oldName)
	v.nameCache.InvalidateParent(newParentFH)
	v.attrCache.Invalidate(oldParentFH)
	v.attrCache.Invalidate(newParentFH)
	if movedFH != nil {
		v.attrCache.Invalidate(movedFH)
	}
	return vfserrno.OK
}

// Mknod implements spec.md §4.6 mknod.
func (v *VFS) Mknod(ctx context.Context, cred vfs.Credentials, parentFH fh.Handle, name string, mode vfs.FileMode, rdev uint64) (fh.Handle, vfs.Attr, vfserrno.Status) {
	var result vfs.MknodResult
	st := v.dispatchSync(ctx, vfs.OpMknod, parentFH.MountID(), parentFH, cred,
		func(r *vfs.Request) error {
			r.MknodArgs.ParentFH = parentFH
			r.MknodArgs.Name = name
			r.MknodArgs.Mode = mode
			r.MknodArgs.Rdev = rdev
			return nil
		},
		func(r *vfs.Request) { result = r.MknodResult })
	if st != vfserrno.OK {
		return nil, vfs.Attr{}, st
	}
	v.nameCache.InvalidateParent(parentFH)
	return result.FH, result.Attr, vfserrno.OK
}

// Commit implements spec.md §4.6 commit(handle): flush previously
// unstable-written data.
func (v *VFS) Commit(ctx context.Context, cred vfs.Credentials, targetFH fh.Handle, offset uint64, length uint32) vfserrno.Status {
	return v.dispatchSync(ctx, vfs.OpCommit, targetFH.MountID(), targetFH, cred,
		func(r *vfs.Request) error {
			r.CommitArgs.Offset = offset
			r.CommitArgs.Length = length
			return nil
		}, nil)
}

// Allocate implements spec.md §4.6 allocate(handle, offset, length, flags).
func (v *VFS) Allocate(ctx context.Context, cred vfs.Credentials, targetFH fh.Handle, offset, length uint64, flags uint32) vfserrno.Status {
	st := v.dispatchSync(ctx, vfs.OpAllocate, targetFH.MountID(), targetFH, cred,
		func(r *vfs.Request) error {
			r.AllocateArgs.Offset = offset
			r.AllocateArgs.Length = length
			r.AllocateArgs.Flags = flags
			return nil
		}, nil)
	v.attrCache.Invalidate(targetFH)
	return st
}

// CreateUnlinked implements spec.md §4.6 create_unlinked, used to
// implement silly-rename: an orphan inode with no directory entry
// (spec.md §8 scenario C).
func (v *VFS) CreateUnlinked(ctx context.Context, cred vfs.Credentials, parentFH fh.Handle, mode vfs.FileMode) (fh.Handle, vfs.Attr, vfserrno.Status) {
	var result vfs.CreateUnlinkedResult
	st := v.dispatchSync(ctx, vfs.OpCreateUnlinked, parentFH.MountID(), parentFH, cred,
		func(r *vfs.Request) error {
			r.CreateUnlinkedArgs.ParentFH = parentFH
			r.CreateUnlinkedArgs.Mode = mode
			return nil
		},
		func(r *vfs.Request) { result = r.CreateUnlinkedResult })
	if st != vfserrno.OK {
		return nil, vfs.Attr{}, st
	}
	return result.FH, result.Attr, vfserrno.OK
}
