package vfs

// Capabilities is a bit set a module advertises in its static Descriptor.
// The request allocator checks it once, at allocation time, rather than on
// every dispatch (spec.md §4.5, §9 "capability checks happen once").
type Capabilities uint32

const (
	// CapFS marks a module that implements the ordinary filesystem
	// procedure set (open, read, write, lookup, ...).
	CapFS Capabilities = 1 << iota
	// CapKV marks a module that implements the parallel key/value path.
	// spec.md §9 Open Question: out of scope for this implementation: the
	// bit exists for forward compatibility, no dispatch path consumes it.
	CapKV
	// CapBlocking marks a module whose dispatch call may block the
	// calling goroutine (e.g. a syscall-bound host filesystem module).
	// Requests bound for such a module are sharded onto a delegation
	// thread instead of running inline (spec.md §4.5, §5).
	CapBlocking
)

func (c Capabilities) Has(bit Capabilities) bool {
	return c&bit != 0
}

// Descriptor is the static, immutable identity of a registered module
// (spec.md §6.1).
type Descriptor struct {
	// FhMagic is, by convention, the first byte of every fragment this
	// module mints. It is informational only; routing never uses it
	// (routing is by mount_id, not fh_magic).
	FhMagic byte
	Name    string
	Caps    Capabilities
}
