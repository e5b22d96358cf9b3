package mount

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chimera-nas/chimera-sub003/fh"
)

func mustHandle(t *testing.T, fsid uint64, frag string) fh.Handle {
	h, err := fh.EncodeMount(fsid, []byte(frag))
	require.NoError(t, err)
	return h
}

func TestInsertLookupRemove(t *testing.T) {
	tbl := NewTable()
	root := mustHandle(t, 1, "data")
	rec := &Record{MountID: root.MountID(), MountPath: "/data"}

	require.NoError(t, tbl.Insert(rec))
	assert.Equal(t, 1, tbl.Count())

	got := tbl.Lookup(rec.MountID)
	require.NotNil(t, got)
	assert.Equal(t, "/data", got.MountPath)

	removed, err := tbl.RemoveByMountID(rec.MountID)
	require.NoError(t, err)
	assert.Same(t, rec, removed)
	assert.Nil(t, tbl.Lookup(rec.MountID))
	assert.Equal(t, 0, tbl.Count())
}

func TestInsertDuplicateMountID(t *testing.T) {
	tbl := NewTable()
	root := mustHandle(t, 1, "data")
	rec1 := &Record{MountID: root.MountID(), MountPath: "/data"}
	rec2 := &Record{MountID: root.MountID(), MountPath: "/data2"}

	require.NoError(t, tbl.Insert(rec1))
	assert.Error(t, tbl.Insert(rec2))
}

func TestMountPathUniqueness(t *testing.T) {
	// spec.md §8 property 8: no two mount records share a path.
	tbl := NewTable()
	rec1 := &Record{MountID: mustHandle(t, 1, "a").MountID(), MountPath: "/data"}
	rec2 := &Record{MountID: mustHandle(t, 2, "b").MountID(), MountPath: "/data"}

	require.NoError(t, tbl.Insert(rec1))
	assert.Error(t, tbl.Insert(rec2))
}

func TestRemoveByPath(t *testing.T) {
	tbl := NewTable()
	rec := &Record{MountID: mustHandle(t, 1, "a").MountID(), MountPath: "/data"}
	require.NoError(t, tbl.Insert(rec))

	_, err := tbl.RemoveByPath("/nope")
	assert.Error(t, err)

	removed, err := tbl.RemoveByPath("/data")
	require.NoError(t, err)
	assert.Same(t, rec, removed)
}

func TestFindByPathPrefixPrefersLongestMatch(t *testing.T) {
	tbl := NewTable()
	root := &Record{MountID: mustHandle(t, 0, "").MountID(), MountPath: "/"}
	data := &Record{MountID: mustHandle(t, 1, "a").MountID(), MountPath: "/data"}
	nested := &Record{MountID: mustHandle(t, 2, "b").MountID(), MountPath: "/data/nested"}

	require.NoError(t, tbl.Insert(root))
	require.NoError(t, tbl.Insert(data))
	require.NoError(t, tbl.Insert(nested))

	assert.Same(t, nested, tbl.FindByPathPrefix("/data/nested/file"))
	assert.Same(t, data, tbl.FindByPathPrefix("/data/other"))
	assert.Same(t, root, tbl.FindByPathPrefix("/elsewhere"))
}

func TestForeachAndCount(t *testing.T) {
	tbl := NewTable()
	paths := []string{"/a", "/b", "/c"}
	for i, p := range paths {
		rec := &Record{MountID: mustHandle(t, uint64(i+1), p).MountID(), MountPath: p}
		require.NoError(t, tbl.Insert(rec))
	}
	assert.Equal(t, 3, tbl.Count())

	seen := map[string]bool{}
	tbl.Foreach(func(r *Record) bool {
		seen[r.MountPath] = true
		return true
	})
	assert.Len(t, seen, 3)
}

// TestConcurrentReadersDuringWrite exercises property 1 (handle routing)
// under concurrent lookups racing a writer; run with -race to verify no
// reader ever observes a torn snapshot.
func TestConcurrentReadersDuringWrite(t *testing.T) {
	tbl := NewTable()
	root := &Record{MountID: mustHandle(t, 1, "root").MountID(), MountPath: "/"}
	require.NoError(t, tbl.Insert(root))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					got := tbl.Lookup(root.MountID)
					assert.NotNil(t, got)
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		p := mustHandle(t, uint64(100+i), "shard")
		rec := &Record{MountID: p.MountID(), MountPath: "/tmp"}
		_ = tbl.Insert(rec)
		_, _ = tbl.RemoveByMountID(rec.MountID)
	}

	close(stop)
	wg.Wait()
}
