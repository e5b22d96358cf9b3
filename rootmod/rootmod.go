// Package rootmod implements the root pseudo-module (spec.md §4.7): a
// built-in back-end whose filesystem is the set of live mounts, making
// "/" a valid, readable directory without a real storage back-end behind
// it.
package rootmod

import (
	"context"
	"time"

	"github.com/chimera-nas/chimera-sub003/fh"
	"github.com/chimera-nas/chimera-sub003/mount"
	"github.com/chimera-nas/chimera-sub003/vfs"
	"github.com/chimera-nas/chimera-sub003/vfserrno"
)

// Name is the module_name the root pseudo-module registers under.
const Name = "root"

// rootFragment is the fixed fragment of the root module's own root
// handle; together with fsid=0 it produces the handle
// encode_mount(fsid=0, fragment=∅) spec.md §4.7 requires.
var rootFragment = []byte{}

// Module is the vfs.Module implementation. It holds a reference to the
// mount table it synthesizes a directory listing from; the VFS procedure
// layer wires this in at construction time, before Mount-ing it at "/"
// (spec.md §4.7 "registered as the first mount, so the mount table is
// always non-empty").
type Module struct {
	table *mount.Table
	// openRoot is supplied by the caller so the module can fetch the
	// attributes of a mounted filesystem's root during readdir without
	// importing vfsproc (which imports this package), avoiding a cycle.
	openRoot func(ctx context.Context, cred vfs.Credentials, targetFH fh.Handle, mask vfs.AttrMask) (vfs.Attr, vfserrno.Status)
}

// New constructs the root pseudo-module. openRoot is called once per
// mount during readdir to fetch that mount's root attributes (spec.md
// §4.7 "opens the mount's root ... issues a getattr").
func New(table *mount.Table, openRoot func(context.Context, vfs.Credentials, fh.Handle, vfs.AttrMask) (vfs.Attr, vfserrno.Status)) *Module {
	return &Module{table: table, openRoot: openRoot}
}

// RootHandle returns the fixed handle this module's own root resolves to.
func RootHandle() fh.Handle {
	h, err := fh.EncodeMount(0, rootFragment)
	if err != nil {
		panic(err)
	}
	return h
}

func (m *Module) Descriptor() vfs.Descriptor {
	return vfs.Descriptor{FhMagic: 0, Name: Name, Caps: vfs.CapFS}
}

// RootFragment reports the fixed fragment RootHandle encodes, so Mount
// mints the exact same handle for this module's own "/" mount.
func (m *Module) RootFragment() []byte {
	return rootFragment
}

func (m *Module) Init(ctx context.Context, config map[string]string) (vfs.ModulePrivate, error) {
	return nil, nil
}

func (m *Module) Destroy(priv vfs.ModulePrivate) {}

func (m *Module) ThreadInit(priv vfs.ModulePrivate) (vfs.ThreadPrivate, error) {
	return nil, nil
}

func (m *Module) ThreadDestroy(tpriv vfs.ThreadPrivate) {}

// Dispatch implements the handful of operations valid against the root:
// getattr, lookup_at, and readdir. Everything else reports ENOTSUP,
// since the root pseudo-module carries no writable content of its own.
func (m *Module) Dispatch(req *vfs.Request, tpriv vfs.ThreadPrivate) {
	switch req.Opcode {
	case vfs.OpGetattr:
		m.getattr(req)
	case vfs.OpLookupAt:
		m.lookupAt(req)
	case vfs.OpReaddir:
		m.readdir(req)
	default:
		req.Status = vfserrno.ENOTSUP
	}
	req.Complete(req)
}

// getattr returns a synthetic directory whose link count reflects the
// number of live mounts (spec.md §4.7 "nlink = 2 + count(mounts)").
func (m *Module) getattr(req *vfs.Request) {
	attr := vfs.Attr{ReqMask: req.GetattrArgs.Mask}
	attr.FH = RootHandle()
	attr.Set(vfs.AttrFH)
	attr.Mode = vfs.ModeDir | 0o755
	attr.Set(vfs.AttrMode)
	attr.Nlink = uint32(2 + m.table.Count())
	attr.Set(vfs.AttrNlink)
	attr.MTime = time.Now()
	attr.Set(vfs.AttrMTime)

	req.GetattrResult.Attr = attr
	req.Status = vfserrno.OK
}

// lookupAt searches the mount table for a mount whose final path
// component (mountLeaf) equals name, the same name readdir lists. A
// nested mount such as "/data/nested" is therefore found under "nested";
// the first path component of a mount path is not matched.
func (m *Module) lookupAt(req *vfs.Request) {
	name := req.LookupAtArgs.Name
	var found *mount.Record
	m.table.Foreach(func(r *mount.Record) bool {
		if mountLeaf(r.MountPath) == name {
			found = r
			return false
		}
		return true
	})
	if found == nil {
		req.Status = vfserrno.ENOENT
		return
	}

	attr := vfs.Attr{ReqMask: req.LookupAtArgs.AttrMask}
	attr.FH = found.RootFH
	attr.Set(vfs.AttrFH)
	attr.Mode = vfs.ModeDir | 0o755
	attr.Set(vfs.AttrMode)

	req.LookupResult.FH = found.RootFH
	req.LookupResult.Attr = attr
	req.Status = vfserrno.OK
}

// readdir iterates the mount table, building one entry per mount; for
// each entry it fetches the mount's root attributes via the supplied
// openRoot callback, and it emits entries only after every such fetch
// has completed (spec.md §4.7). If any fetch fails, no entry is emitted.
func (m *Module) readdir(req *vfs.Request) {
	mask := req.ReaddirArgs.AttrMask
	emit := req.ReaddirArgs.Emit

	var cookie uint64
	failed := vfserrno.OK
	var entries []vfs.Dirent

	m.table.Foreach(func(r *mount.Record) bool {
		if r.MountPath == "/" {
			// The root pseudo-module's own record: it is not a share and
			// must never list itself (matches the original's vfs->shares
			// list, which structurally excludes the root).
			return true
		}

		cookie++
		if cookie <= req.ReaddirArgs.Cookie {
			return true
		}

		var attr *vfs.Attr
		if mask != 0 && m.openRoot != nil {
			a, st := m.openRoot(context.Background(), req.Cred, r.RootFH, mask)
			if st != vfserrno.OK {
				failed = st
				return false
			}
			attr = &a
		}

		entries = append(entries, vfs.Dirent{
			Name:   mountLeaf(r.MountPath),
			FH:     r.RootFH,
			Cookie: cookie,
			Type:   vfs.DTDirectory,
			Attr:   attr,
		})
		return true
	})

	if failed != vfserrno.OK {
		req.Status = failed
		return
	}
	for _, entry := range entries {
		if !emit(entry) {
			break
		}
	}
	req.ReaddirResult.EOF = true
	req.Status = vfserrno.OK
}

// mountLeaf returns the final path component of a mount path, the name
// under which the root module exposes that mount (e.g. "/data" -> "data").
func mountLeaf(mountPath string) string {
	if mountPath == "/" {
		return "/"
	}
	i := len(mountPath) - 1
	for i >= 0 && mountPath[i] != '/' {
		i--
	}
	return mountPath[i+1:]
}
