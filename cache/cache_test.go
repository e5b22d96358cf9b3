package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chimera-nas/chimera-sub003/fh"
	"github.com/chimera-nas/chimera-sub003/vfs"
)

type fakeModule struct{ vfs.Module }

func (f *fakeModule) Descriptor() vfs.Descriptor { return vfs.Descriptor{Name: "fake"} }

func TestOpenHandleCacheBasicAcquireRelease(t *testing.T) {
	c := NewOpenHandleCache(CacheFile)
	m := &fakeModule{}
	h, _ := fh.EncodeMount(1, []byte("a"))

	var opens int32
	openFn := func() (uint64, error) {
		atomic.AddInt32(&opens, 1)
		return 42, nil
	}

	oh, err := c.Acquire(m, h, 0, openFn, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, oh.Refcount())
	assert.EqualValues(t, 1, atomic.LoadInt32(&opens))

	oh2, err := c.Acquire(m, h, 0, openFn, nil)
	require.NoError(t, err)
	assert.Same(t, oh, oh2)
	assert.EqualValues(t, 2, oh.Refcount())
	assert.EqualValues(t, 1, atomic.LoadInt32(&opens), "second acquire must not reopen")

	c.Release(oh)
	assert.EqualValues(t, 1, oh.Refcount())
}

func TestOpenHandleCacheConcurrentAcquireCollapses(t *testing.T) {
	// spec.md §8 scenario E / property 3.
	c := NewOpenHandleCache(CacheFile)
	m := &fakeModule{}
	h, _ := fh.EncodeMount(1, []byte("f"))

	var opens int32
	openFn := func() (uint64, error) {
		atomic.AddInt32(&opens, 1)
		time.Sleep(5 * time.Millisecond)
		return 7, nil
	}

	const n = 50
	results := make([]*OpenHandle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			oh, err := c.Acquire(m, h, 0, openFn, nil)
			require.NoError(t, err)
			results[i] = oh
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&opens), "module open must be invoked exactly once")
	first := results[0]
	for _, r := range results {
		assert.Same(t, first, r, "all callers must receive the same handle")
	}
	assert.EqualValues(t, n, first.Refcount())
}

func TestOpenHandleCacheOpenFailureClearsPlaceholder(t *testing.T) {
	c := NewOpenHandleCache(CacheFile)
	m := &fakeModule{}
	h, _ := fh.EncodeMount(1, []byte("bad"))

	wantErr := fmt.Errorf("boom")
	_, err := c.Acquire(m, h, 0, func() (uint64, error) { return 0, wantErr }, nil)
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 0, c.Len())

	// A subsequent acquire must retry, not return the stale failure.
	oh, err := c.Acquire(m, h, 0, func() (uint64, error) { return 9, nil }, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 9, oh.Token)
}

func TestDeferredCloseSweep(t *testing.T) {
	c := NewOpenHandleCache(CacheFile)
	m := &fakeModule{}
	h, _ := fh.EncodeMount(1, []byte("x"))

	oh, err := c.Acquire(m, h, 0, func() (uint64, error) { return 1, nil }, nil)
	require.NoError(t, err)
	c.Release(oh)

	// Not yet old enough.
	evicted := c.SweepDeferredClose(time.Now(), 50*time.Millisecond)
	assert.Empty(t, evicted)

	evicted = c.SweepDeferredClose(time.Now().Add(100*time.Millisecond), 50*time.Millisecond)
	require.Len(t, evicted, 1)
	assert.Same(t, oh, evicted[0])
	assert.Equal(t, 0, c.Len())

	// A fresh acquire after the sweep must produce a new open, not reuse
	// the closed handle (spec.md §8 property 5).
	var opens int32
	oh2, err := c.Acquire(m, h, 0, func() (uint64, error) {
		atomic.AddInt32(&opens, 1)
		return 2, nil
	}, nil)
	require.NoError(t, err)
	assert.NotSame(t, oh, oh2)
	assert.EqualValues(t, 1, opens)
}

func TestDeferredCloseSweepSkipsReacquired(t *testing.T) {
	c := NewOpenHandleCache(CacheFile)
	m := &fakeModule{}
	h, _ := fh.EncodeMount(1, []byte("y"))

	oh, err := c.Acquire(m, h, 0, func() (uint64, error) { return 1, nil }, nil)
	require.NoError(t, err)
	c.Release(oh)

	// Re-acquire before the sweep runs.
	oh2, err := c.Acquire(m, h, 0, func() (uint64, error) {
		t.Fatal("must not reopen: entry still cached")
		return 0, nil
	}, nil)
	require.NoError(t, err)
	assert.Same(t, oh, oh2)

	evicted := c.SweepDeferredClose(time.Now().Add(time.Second), 0)
	assert.Empty(t, evicted, "refcount is 1 again; sweep must not evict it")
}

func TestAttrCacheTTLAndInvalidate(t *testing.T) {
	ac := NewAttrCache(20*time.Millisecond, 128)
	h, _ := fh.EncodeMount(1, []byte("attr"))

	_, ok := ac.Get(h)
	assert.False(t, ok)

	ac.Set(h, vfs.Attr{Size: 5})
	got, ok := ac.Get(h)
	require.True(t, ok)
	assert.EqualValues(t, 5, got.Size)

	time.Sleep(30 * time.Millisecond)
	_, ok = ac.Get(h)
	assert.False(t, ok, "entry must expire after TTL")

	ac.Set(h, vfs.Attr{Size: 9})
	ac.Invalidate(h)
	_, ok = ac.Get(h)
	assert.False(t, ok)
}

func TestNameCacheInvalidateParent(t *testing.T) {
	nc := NewNameCache(time.Minute, 128)
	parent, _ := fh.EncodeMount(1, []byte("dir"))
	childA, _ := fh.EncodeParent(parent, []byte("a"))
	childB, _ := fh.EncodeParent(parent, []byte("b"))

	nc.Set(parent, "a", childA)
	nc.Set(parent, "b", childB)

	got, ok := nc.Get(parent, "a")
	require.True(t, ok)
	assert.True(t, got.Equal(childA))

	nc.InvalidateParent(parent)

	_, ok = nc.Get(parent, "a")
	assert.False(t, ok)
	_, ok = nc.Get(parent, "b")
	assert.False(t, ok)
}
