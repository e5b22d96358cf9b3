package memory

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chimera-nas/chimera-sub003/vfs"
	"github.com/chimera-nas/chimera-sub003/vfserrno"
)

// TestConcurrentCreateNoDeadlock exercises many goroutines creating and
// removing entries under the same directory concurrently, grounded on the
// teacher's own PurgeListDeadlock regression test (concurrent mutation and
// listing against a single directory must not deadlock).
func TestConcurrentCreateNoDeadlock(t *testing.T) {
	m, ts, root := newMountedModule(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "file"
			create := &vfs.Request{Opcode: vfs.OpOpenAt}
			create.OpenAtArgs = vfs.OpenAtArgs{ParentFH: root, Name: name, Flags: vfs.OpenCreate}
			dispatch(m, ts, create)
			require.Contains(t, []vfserrno.Status{vfserrno.OK}, create.Status)

			rm := &vfs.Request{Opcode: vfs.OpRemoveAt}
			rm.RemoveAtArgs = vfs.RemoveAtArgs{ParentFH: root, Name: name}
			dispatch(m, ts, rm)
		}(i)
	}
	wg.Wait()
}

// TestRenameFixedLockOrderNoDeadlock renames back and forth between two
// directories from many goroutines, the scenario the fixed lock order in
// renameAt exists to make safe.
func TestRenameFixedLockOrderNoDeadlock(t *testing.T) {
	m, ts, root := newMountedModule(t)

	mkA := &vfs.Request{Opcode: vfs.OpMkdirAt}
	mkA.MkdirAtArgs = vfs.MkdirAtArgs{ParentFH: root, Name: "a", Mode: 0o755}
	dispatch(m, ts, mkA)
	require.Equal(t, vfserrno.OK, mkA.Status)

	mkB := &vfs.Request{Opcode: vfs.OpMkdirAt}
	mkB.MkdirAtArgs = vfs.MkdirAtArgs{ParentFH: root, Name: "b", Mode: 0o755}
	dispatch(m, ts, mkB)
	require.Equal(t, vfserrno.OK, mkB.Status)

	dirA, dirB := mkA.MkdirAtResult.FH, mkB.MkdirAtResult.FH

	create := &vfs.Request{Opcode: vfs.OpOpenAt}
	create.OpenAtArgs = vfs.OpenAtArgs{ParentFH: dirA, Name: "f", Flags: vfs.OpenCreate}
	dispatch(m, ts, create)
	require.Equal(t, vfserrno.OK, create.Status)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r := &vfs.Request{Opcode: vfs.OpRenameAt}
			r.RenameAtArgs = vfs.RenameAtArgs{OldParentFH: dirA, OldName: "f", NewParentFH: dirB, NewName: "f"}
			dispatch(m, ts, r)
		}()
		go func() {
			defer wg.Done()
			r := &vfs.Request{Opcode: vfs.OpRenameAt}
			r.RenameAtArgs = vfs.RenameAtArgs{OldParentFH: dirB, OldName: "f", NewParentFH: dirA, NewName: "f"}
			dispatch(m, ts, r)
		}()
	}
	wg.Wait()
}
