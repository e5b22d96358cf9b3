// Package fh implements the opaque file-handle codec: encoding and decoding
// the byte strings that identify a node within a mount (spec.md §3.1, §4.1).
//
// Layout: mount_id (16 bytes) ‖ fragment (0..64 bytes). The mount_id is
// derived from the mount's fsid and its root fragment so that every handle
// minted under one mount shares the same first 16 bytes, giving the mount
// table an O(1) routing key independent of the back-end module.
package fh

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

const (
	// MountIDLen is the width of the routing prefix in bytes.
	MountIDLen = 16
	// MaxFragmentLen bounds the module-private portion of a handle.
	MaxFragmentLen = 64
	// MaxLen is the largest a handle is ever allowed to be.
	MaxLen = MountIDLen + MaxFragmentLen
	// MinLen is the smallest a valid handle can be (empty fragment).
	MinLen = MountIDLen
)

// Handle is an opaque, fixed-capacity byte string. It never carries
// pointers and is safe to transmit over a wire protocol or store across
// restarts (spec.md §3.1, §6.3).
type Handle []byte

// MountID returns the 16-byte routing prefix of h.
func (h Handle) MountID() MountID {
	var id MountID
	copy(id[:], h[:MountIDLen])
	return id
}

// Fragment returns the module-private suffix of h.
func (h Handle) Fragment() []byte {
	if len(h) <= MountIDLen {
		return nil
	}
	return h[MountIDLen:]
}

// FragmentLen returns len(h.Fragment()) without allocating a slice header.
func (h Handle) FragmentLen() int {
	if len(h) <= MountIDLen {
		return 0
	}
	return len(h) - MountIDLen
}

// Valid reports whether h has a length the codec could have produced.
func (h Handle) Valid() bool {
	return len(h) >= MinLen && len(h) <= MaxLen
}

// String renders h as the hex the core logs on every completion (spec.md §7).
func (h Handle) String() string {
	return fmt.Sprintf("%x", []byte(h))
}

// Equal implements byte equality, the only equality the spec allows
// (spec.md §3.1 "handle equality is byte equality").
func (h Handle) Equal(o Handle) bool {
	if len(h) != len(o) {
		return false
	}
	for i := range h {
		if h[i] != o[i] {
			return false
		}
	}
	return true
}

// HashForSharding returns a cheap, non-cryptographic hash of h suitable for
// picking a delegation thread or cache shard (spec.md §4.5 "shard by
// fh_hash mod num_delegation_threads"). It is not part of the handle's
// identity: two handles with the same bytes always hash the same, but the
// hash is never stored or transmitted.
func HashForSharding(h Handle) uint64 {
	return xxhash.Sum64(h)
}

// MountID is the fixed-width routing prefix, used directly as a map key.
type MountID [MountIDLen]byte

func (id MountID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// hashMountID combines fsid and fragment into a 128-bit value using two
// unseeded 64-bit xxhash digests whose inputs are prefixed "lo" and "hi"
// respectively. The source uses XXH3_128;
// the example pool carries no XXH3-128 binding, so two xxhash/v2 digests
// over domain-separated inputs are used instead, giving the same collision
// characteristics the spec relies on (negligible collision probability,
// spec.md §4.1).
func hashMountID(fsid uint64, fragment []byte) MountID {
	var fsidBytes [8]byte
	binary.LittleEndian.PutUint64(fsidBytes[:], fsid)

	lo := xxhash.New()
	_, _ = lo.Write([]byte{'l', 'o'})
	_, _ = lo.Write(fsidBytes[:])
	_, _ = lo.Write(fragment)

	hi := xxhash.New()
	_, _ = hi.Write([]byte{'h', 'i'})
	_, _ = hi.Write(fsidBytes[:])
	_, _ = hi.Write(fragment)

	var id MountID
	binary.BigEndian.PutUint64(id[0:8], lo.Sum64())
	binary.BigEndian.PutUint64(id[8:16], hi.Sum64())
	return id
}

// EncodeMount produces the root handle of a newly mounted filesystem: its
// mount_id is computed from fsid and the root fragment (spec.md §3.1,
// "mount constructor").
func EncodeMount(fsid uint64, fragment []byte) (Handle, error) {
	if len(fragment) > MaxFragmentLen {
		return nil, fmt.Errorf("fh: fragment too long: %d > %d", len(fragment), MaxFragmentLen)
	}
	id := hashMountID(fsid, fragment)
	out := make(Handle, MountIDLen+len(fragment))
	copy(out[:MountIDLen], id[:])
	copy(out[MountIDLen:], fragment)
	return out, nil
}

// EncodeParent produces a handle that inherits mount_id from parent,
// guaranteeing every handle of one mount shares the same first 16 bytes
// (spec.md §3.1, "parent constructor").
func EncodeParent(parent Handle, fragment []byte) (Handle, error) {
	if !parent.Valid() {
		return nil, fmt.Errorf("fh: invalid parent handle")
	}
	if len(fragment) > MaxFragmentLen {
		return nil, fmt.Errorf("fh: fragment too long: %d > %d", len(fragment), MaxFragmentLen)
	}
	out := make(Handle, MountIDLen+len(fragment))
	copy(out[:MountIDLen], parent[:MountIDLen])
	copy(out[MountIDLen:], fragment)
	return out, nil
}

// EncodeInumGeneration is a convenience fragment encoder: it packs an inode
// number and generation counter as a varint pair, the common case for
// back-ends that identify nodes by (inum, generation) (spec.md §4.1).
func EncodeInumGeneration(inum, generation uint64) []byte {
	buf := make([]byte, binary.MaxVarintLen64*2)
	n := binary.PutUvarint(buf, inum)
	n += binary.PutUvarint(buf[n:], generation)
	return buf[:n]
}

// DecodeInumGeneration is the inverse of EncodeInumGeneration.
func DecodeInumGeneration(fragment []byte) (inum, generation uint64, err error) {
	inum, n := binary.Uvarint(fragment)
	if n <= 0 {
		return 0, 0, fmt.Errorf("fh: malformed inum varint")
	}
	generation, n2 := binary.Uvarint(fragment[n:])
	if n2 <= 0 {
		return 0, 0, fmt.Errorf("fh: malformed generation varint")
	}
	return inum, generation, nil
}
