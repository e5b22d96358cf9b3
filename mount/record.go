// Package mount implements the mount table: a URCU-style lock-free-read,
// writer-serialized map from mount_id to mount record (spec.md §3.2, §4.2).
package mount

import (
	"sync/atomic"

	"github.com/chimera-nas/chimera-sub003/fh"
	"github.com/chimera-nas/chimera-sub003/vfs"
)

// Record is a live association between a path prefix and a back-end module
// instance (spec.md §3.2, Glossary).
type Record struct {
	MountID       fh.MountID
	MountPath     string
	Module        vfs.Module
	ModulePrivate vfs.ModulePrivate
	RootFH        fh.Handle
	Fsid          uint64

	refcount int64
}

// Refcount returns the current reference count. Nothing in this module
// calls addRef, so the count stays 0.
func (r *Record) Refcount() int64 {
	return atomic.LoadInt64(&r.refcount)
}

func (r *Record) addRef(delta int64) int64 {
	return atomic.AddInt64(&r.refcount, delta)
}
