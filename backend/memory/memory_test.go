package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chimera-nas/chimera-sub003/fh"
	"github.com/chimera-nas/chimera-sub003/vfs"
	"github.com/chimera-nas/chimera-sub003/vfserrno"
)

func newMountedModule(t *testing.T) (*Module, *threadState, fh.Handle) {
	t.Helper()
	m := New()
	priv, err := m.Init(context.Background(), nil)
	require.NoError(t, err)
	tpriv, err := m.ThreadInit(priv)
	require.NoError(t, err)
	ts := tpriv.(*threadState)
	root := RootHandle(ts.fs.fsid)
	return m, ts, root
}

func dispatch(m *Module, ts *threadState, req *vfs.Request) {
	req.ThreadPriv = ts
	done := make(chan struct{})
	req.Complete = func(*vfs.Request) { close(done) }
	m.Dispatch(req, ts)
	<-done
}

func TestMkdirLookupGetattr(t *testing.T) {
	m, ts, root := newMountedModule(t)

	req := &vfs.Request{Opcode: vfs.OpMkdirAt, FH: root}
	req.MkdirAtArgs = vfs.MkdirAtArgs{ParentFH: root, Name: "sub", Mode: 0o755}
	dispatch(m, ts, req)
	require.Equal(t, vfserrno.OK, req.Status)
	assert.True(t, req.MkdirAtResult.Attr.Mode.IsDir())

	lookup := &vfs.Request{Opcode: vfs.OpLookupAt}
	lookup.LookupAtArgs = vfs.LookupAtArgs{ParentFH: root, Name: "sub", AttrMask: vfs.AttrAll}
	dispatch(m, ts, lookup)
	require.Equal(t, vfserrno.OK, lookup.Status)
	assert.True(t, lookup.LookupResult.FH.Equal(req.MkdirAtResult.FH))

	missing := &vfs.Request{Opcode: vfs.OpLookupAt}
	missing.LookupAtArgs = vfs.LookupAtArgs{ParentFH: root, Name: "nope"}
	dispatch(m, ts, missing)
	assert.Equal(t, vfserrno.ENOENT, missing.Status)
}

func TestCreateWriteRead(t *testing.T) {
	m, ts, root := newMountedModule(t)

	create := &vfs.Request{Opcode: vfs.OpOpenAt}
	create.OpenAtArgs = vfs.OpenAtArgs{ParentFH: root, Name: "f", Flags: vfs.OpenCreate}
	dispatch(m, ts, create)
	require.Equal(t, vfserrno.OK, create.Status)
	fileFH := create.OpenResult.FH

	write := &vfs.Request{Opcode: vfs.OpWrite, FH: fileFH}
	write.WriteArgs = vfs.WriteArgs{Offset: 0, IOV: [][]byte{[]byte("hello")}}
	dispatch(m, ts, write)
	require.Equal(t, vfserrno.OK, write.Status)
	assert.Equal(t, uint32(5), write.WriteResult.Length)

	read := &vfs.Request{Opcode: vfs.OpRead, FH: fileFH}
	read.ReadArgs = vfs.ReadArgs{Offset: 0, Length: 16}
	dispatch(m, ts, read)
	require.Equal(t, vfserrno.OK, read.Status)
	assert.Equal(t, "hello", string(read.ReadResult.Data))
	assert.True(t, read.ReadResult.EOF)
}

func TestExclusiveCreateFailsOnExisting(t *testing.T) {
	m, ts, root := newMountedModule(t)

	first := &vfs.Request{Opcode: vfs.OpOpenAt}
	first.OpenAtArgs = vfs.OpenAtArgs{ParentFH: root, Name: "f", Flags: vfs.OpenCreate}
	dispatch(m, ts, first)
	require.Equal(t, vfserrno.OK, first.Status)

	second := &vfs.Request{Opcode: vfs.OpOpenAt}
	second.OpenAtArgs = vfs.OpenAtArgs{ParentFH: root, Name: "f", Flags: vfs.OpenCreate | vfs.OpenExclusive}
	dispatch(m, ts, second)
	assert.Equal(t, vfserrno.EEXIST, second.Status)
}

func TestRemoveNonEmptyDirFails(t *testing.T) {
	m, ts, root := newMountedModule(t)

	mkdir := &vfs.Request{Opcode: vfs.OpMkdirAt}
	mkdir.MkdirAtArgs = vfs.MkdirAtArgs{ParentFH: root, Name: "d", Mode: 0o755}
	dispatch(m, ts, mkdir)
	require.Equal(t, vfserrno.OK, mkdir.Status)

	create := &vfs.Request{Opcode: vfs.OpOpenAt}
	create.OpenAtArgs = vfs.OpenAtArgs{ParentFH: mkdir.MkdirAtResult.FH, Name: "f", Flags: vfs.OpenCreate}
	dispatch(m, ts, create)
	require.Equal(t, vfserrno.OK, create.Status)

	rm := &vfs.Request{Opcode: vfs.OpRemoveAt}
	rm.RemoveAtArgs = vfs.RemoveAtArgs{ParentFH: root, Name: "d"}
	dispatch(m, ts, rm)
	assert.Equal(t, vfserrno.ENOTEMPTY, rm.Status)
}

func TestRenameMovesEntry(t *testing.T) {
	m, ts, root := newMountedModule(t)

	create := &vfs.Request{Opcode: vfs.OpOpenAt}
	create.OpenAtArgs = vfs.OpenAtArgs{ParentFH: root, Name: "old", Flags: vfs.OpenCreate}
	dispatch(m, ts, create)
	require.Equal(t, vfserrno.OK, create.Status)

	rename := &vfs.Request{Opcode: vfs.OpRenameAt}
	rename.RenameAtArgs = vfs.RenameAtArgs{OldParentFH: root, OldName: "old", NewParentFH: root, NewName: "new"}
	dispatch(m, ts, rename)
	require.Equal(t, vfserrno.OK, rename.Status)

	lookupOld := &vfs.Request{Opcode: vfs.OpLookupAt}
	lookupOld.LookupAtArgs = vfs.LookupAtArgs{ParentFH: root, Name: "old"}
	dispatch(m, ts, lookupOld)
	assert.Equal(t, vfserrno.ENOENT, lookupOld.Status)

	lookupNew := &vfs.Request{Opcode: vfs.OpLookupAt}
	lookupNew.LookupAtArgs = vfs.LookupAtArgs{ParentFH: root, Name: "new"}
	dispatch(m, ts, lookupNew)
	assert.Equal(t, vfserrno.OK, lookupNew.Status)
}

func TestCreateUnlinkedHasNoDirEntry(t *testing.T) {
	m, ts, root := newMountedModule(t)

	cu := &vfs.Request{Opcode: vfs.OpCreateUnlinked}
	cu.CreateUnlinkedArgs = vfs.CreateUnlinkedArgs{ParentFH: root, Mode: vfs.ModeRegular | 0o600}
	dispatch(m, ts, cu)
	require.Equal(t, vfserrno.OK, cu.Status)

	readdir := &vfs.Request{Opcode: vfs.OpReaddir, FH: root}
	var names []string
	readdir.ReaddirArgs = vfs.ReaddirArgs{
		Emit: func(d vfs.Dirent) bool { names = append(names, d.Name); return true },
	}
	dispatch(m, ts, readdir)
	require.Equal(t, vfserrno.OK, readdir.Status)
	assert.Empty(t, names)
}

func TestSymlinkTarget(t *testing.T) {
	m, ts, root := newMountedModule(t)

	sl := &vfs.Request{Opcode: vfs.OpSymlinkAt}
	sl.SymlinkAtArgs = vfs.SymlinkAtArgs{ParentFH: root, Name: "link", Target: "/some/target"}
	dispatch(m, ts, sl)
	require.Equal(t, vfserrno.OK, sl.Status)
	assert.True(t, sl.SymlinkAtResult.Attr.Mode.IsSymlink())

	read := &vfs.Request{Opcode: vfs.OpRead, FH: sl.SymlinkAtResult.FH}
	read.ReadArgs = vfs.ReadArgs{Offset: 0, Length: 4096}
	dispatch(m, ts, read)
	require.Equal(t, vfserrno.OK, read.Status)
	assert.Equal(t, "/some/target", string(read.ReadResult.Data))
}
