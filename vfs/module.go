package vfs

import "context"

// Credentials are opaque to the core: they are stashed on a request as a
// read-only, borrowed reference and handed to the module unevaluated
// (spec.md §1 Non-goals: "access-control enforcement... passed through but
// not evaluated by the core").
type Credentials struct {
	UID    uint32
	GID    uint32
	Groups []uint32
}

// ModulePrivate is per-module state returned from Init and handed back on
// every call into that module.
type ModulePrivate any

// ThreadPrivate is per-(module, worker-thread) state returned from
// ThreadInit, used for connection pools, fds, or similar thread-affine
// resources a module needs (spec.md §6.1).
type ThreadPrivate any

// Module is the interface every back-end implements (spec.md §6.1). The
// core never inspects a module's internals beyond this surface and its
// static Descriptor.
type Module interface {
	// Descriptor returns the module's static, immutable identity.
	Descriptor() Descriptor

	// RootFragment returns the fh_fragment identifying this module's own
	// root, the value Mount uses (together with the mount's fsid) to mint
	// the handle stored as the new mount record's RootFH. Every module on
	// a given fsid must resolve this same fragment back to its root node,
	// so back-ends that key fragments as encode_inum_generation(inum,
	// generation) should return encode_inum_generation(root_inum, 0) here
	// rather than a module name or other bytes a decoder could
	// misinterpret.
	RootFragment() []byte

	// Init constructs module-global state from a mount's config blob
	// (the parsed mount-options map, minus the reserved keys the core
	// consumes itself).
	Init(ctx context.Context, config map[string]string) (ModulePrivate, error)
	// Destroy releases state created by Init, called on unmount.
	Destroy(priv ModulePrivate)

	// ThreadInit constructs per-thread state the first time a given
	// worker thread dispatches into this module.
	ThreadInit(priv ModulePrivate) (ThreadPrivate, error)
	// ThreadDestroy releases per-thread state on worker shutdown.
	ThreadDestroy(tpriv ThreadPrivate)

	// Dispatch is called with a fully populated request. The module must
	// eventually set req.Status and call req.Complete() exactly once
	// (spec.md §3.5, §4.5, §8 property 10). It may complete inline,
	// before Dispatch returns, or asynchronously from another goroutine.
	Dispatch(req *Request, tpriv ThreadPrivate)
}
