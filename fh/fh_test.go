package fh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeMountDeterministic(t *testing.T) {
	h1, err := EncodeMount(42, []byte("root"))
	require.NoError(t, err)
	h2, err := EncodeMount(42, []byte("root"))
	require.NoError(t, err)
	assert.True(t, h1.Equal(h2), "encode_mount(fsid, X) must be bit-for-bit stable")
}

func TestEncodeMountDiffersByFsid(t *testing.T) {
	h1, err := EncodeMount(1, []byte("root"))
	require.NoError(t, err)
	h2, err := EncodeMount(2, []byte("root"))
	require.NoError(t, err)
	assert.False(t, h1.MountID() == h2.MountID())
}

func TestEncodeMountDiffersByFragment(t *testing.T) {
	h1, err := EncodeMount(1, []byte("a"))
	require.NoError(t, err)
	h2, err := EncodeMount(1, []byte("b"))
	require.NoError(t, err)
	assert.False(t, h1.MountID() == h2.MountID())
}

func TestEncodeParentInheritsMountID(t *testing.T) {
	root, err := EncodeMount(7, []byte("root"))
	require.NoError(t, err)

	child, err := EncodeParent(root, EncodeInumGeneration(100, 1))
	require.NoError(t, err)
	assert.Equal(t, root.MountID(), child.MountID())

	grandchild, err := EncodeParent(child, EncodeInumGeneration(101, 1))
	require.NoError(t, err)
	assert.Equal(t, root.MountID(), grandchild.MountID())
}

func TestEncodeParentRejectsInvalidParent(t *testing.T) {
	_, err := EncodeParent(Handle{1, 2, 3}, []byte("x"))
	assert.Error(t, err)
}

func TestFragmentTooLong(t *testing.T) {
	_, err := EncodeMount(1, make([]byte, MaxFragmentLen+1))
	assert.Error(t, err)
}

func TestInumGenerationRoundTrip(t *testing.T) {
	frag := EncodeInumGeneration(123456789, 42)
	inum, gen, err := DecodeInumGeneration(frag)
	require.NoError(t, err)
	assert.Equal(t, uint64(123456789), inum)
	assert.Equal(t, uint64(42), gen)
}

func TestHandleEquality(t *testing.T) {
	a := Handle{1, 2, 3}
	b := Handle{1, 2, 3}
	c := Handle{1, 2, 4}
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestHandleValid(t *testing.T) {
	assert.False(t, Handle(make([]byte, MountIDLen-1)).Valid())
	assert.True(t, Handle(make([]byte, MountIDLen)).Valid())
	assert.True(t, Handle(make([]byte, MaxLen)).Valid())
	assert.False(t, Handle(make([]byte, MaxLen+1)).Valid())
}
