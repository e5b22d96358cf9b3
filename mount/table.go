package mount

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/chimera-nas/chimera-sub003/fh"
)

// snapshot is an immutable view of the table. Writers build a new snapshot
// and publish it with a single atomic store; readers only ever see a fully
// formed snapshot (spec.md §4.2, §9 "arc-swap map" translation of the
// source's URCU reader-side lookup).
type snapshot struct {
	byID   map[fh.MountID]*Record
	byPath []*Record // ordered longest-path-first, for prefix matching
}

func newSnapshot() *snapshot {
	return &snapshot{byID: make(map[fh.MountID]*Record)}
}

// Table is the mount table. Reads (Lookup, LookupAttrs, FindByPathPrefix,
// Foreach, Count) never block. Writes (Insert, RemoveByMountID,
// RemoveByPath) serialize on writerMu (spec.md §4.2, §5 lock hierarchy:
// mount-table writer mutex is the highest rung).
type Table struct {
	writerMu sync.Mutex
	snap     atomic.Pointer[snapshot]
}

// NewTable returns an empty mount table.
func NewTable() *Table {
	t := &Table{}
	t.snap.Store(newSnapshot())
	return t
}

// Insert adds rec. It is an error for rec.MountID to already be present
// (spec.md §4.2 "must not already exist").
func (t *Table) Insert(rec *Record) error {
	t.writerMu.Lock()
	defer t.writerMu.Unlock()

	old := t.snap.Load()
	if _, exists := old.byID[rec.MountID]; exists {
		return fmt.Errorf("mount: mount_id %s already present", rec.MountID)
	}
	for _, r := range old.byPath {
		if r.MountPath == rec.MountPath {
			return fmt.Errorf("mount: path %q already mounted", rec.MountPath)
		}
	}

	next := newSnapshot()
	for k, v := range old.byID {
		next.byID[k] = v
	}
	next.byID[rec.MountID] = rec
	next.byPath = append(append([]*Record{}, old.byPath...), rec)
	sortByPathLengthDesc(next.byPath)

	t.snap.Store(next)
	return nil
}

// RemoveByMountID unlinks the record for id, if present.
func (t *Table) RemoveByMountID(id fh.MountID) (*Record, error) {
	t.writerMu.Lock()
	defer t.writerMu.Unlock()

	old := t.snap.Load()
	rec, exists := old.byID[id]
	if !exists {
		return nil, fmt.Errorf("mount: mount_id %s not found", id)
	}
	t.publishWithout(old, rec)
	return rec, nil
}

// RemoveByPath unlinks the record mounted at path, if present (spec.md
// §4.6 umount: "if the path is not mounted, fails ENOENT").
func (t *Table) RemoveByPath(path string) (*Record, error) {
	t.writerMu.Lock()
	defer t.writerMu.Unlock()

	old := t.snap.Load()
	var rec *Record
	for _, r := range old.byPath {
		if r.MountPath == path {
			rec = r
			break
		}
	}
	if rec == nil {
		return nil, fmt.Errorf("mount: path %q not mounted", path)
	}
	t.publishWithout(old, rec)
	return rec, nil
}

func (t *Table) publishWithout(old *snapshot, rec *Record) {
	next := newSnapshot()
	for k, v := range old.byID {
		if k != rec.MountID {
			next.byID[k] = v
		}
	}
	for _, r := range old.byPath {
		if r != rec {
			next.byPath = append(next.byPath, r)
		}
	}
	t.snap.Store(next)
}

// Lookup returns the record for id, or nil. The returned pointer is to an
// immutable Record owned by a past-or-present snapshot: callers must treat
// it as read-only (spec.md §4.2 "returns a pointer valid only within the
// reader critical section" — in Go, validity is guaranteed by the garbage
// collector instead of an explicit grace period, so no explicit
// read-lock/unlock pair is required of the caller).
func (t *Table) Lookup(id fh.MountID) *Record {
	return t.snap.Load().byID[id]
}

// LookupAttrs copies out a value snapshot of rec's identifying fields,
// giving the caller a result with no lifetime constraint (spec.md §4.2
// "lookup_attrs... no lifetime constraint on the caller").
func (t *Table) LookupAttrs(id fh.MountID) (path string, fsid uint64, ok bool) {
	rec := t.Lookup(id)
	if rec == nil {
		return "", 0, false
	}
	return rec.MountPath, rec.Fsid, true
}

// FindByPathPrefix returns the most specific (longest matching prefix)
// mount record for path, the rule a POSIX lookup needs when resolving a
// path that crosses into a mount (spec.md §4.2).
func (t *Table) FindByPathPrefix(path string) *Record {
	snap := t.snap.Load()
	for _, r := range snap.byPath {
		if r.MountPath == "/" || path == r.MountPath || strings.HasPrefix(path, r.MountPath+"/") {
			return r
		}
	}
	return nil
}

// Foreach calls cb for every mount, in an unspecified but stable-for-the-
// duration-of-the-call order, for directory enumeration at the root
// (spec.md §4.2, §4.7). Returning false from cb stops the iteration early.
func (t *Table) Foreach(cb func(*Record) bool) {
	snap := t.snap.Load()
	for _, r := range snap.byPath {
		if !cb(r) {
			return
		}
	}
}

// Count returns the current number of mounts.
func (t *Table) Count() int {
	return len(t.snap.Load().byID)
}

func sortByPathLengthDesc(recs []*Record) {
	// Longest path first so FindByPathPrefix's linear scan finds the most
	// specific mount before a shorter ancestor mount. Table sizes are
	// small (administrative operation, not hot path) so an insertion
	// sort is appropriate; no third-party sort package is warranted for
	// a handful of comparisons.
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && len(recs[j].MountPath) > len(recs[j-1].MountPath); j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}
